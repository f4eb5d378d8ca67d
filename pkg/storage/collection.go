package storage

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/quercusdb/quercus/pkg/security"
	"github.com/quercusdb/quercus/pkg/storage/lock"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// ResourceType discriminates the two resource kinds a collection holds.
type ResourceType uint8

const (
	// ResourceXML is a node-decomposed document
	ResourceXML ResourceType = iota + 1

	// ResourceBinary is an opaque payload stored as an overflow value
	ResourceBinary
)

// Collection is one collection node of the hierarchy: its identity,
// permission triple, child-collection names and resource entries.
//
// Thread Safety: a Collection is guarded by its Lock(). Every access
// outside the orchestrator's own critical sections must hold it; the
// cache hands out shared instances.
type Collection struct {
	// ID is the allocator-assigned collection id; 0 means "not yet
	// saved"
	ID uint16

	// Path is the canonical absolute path
	Path string

	// Created is the creation timestamp
	Created time.Time

	// Perm is the owner/group/mode triple
	Perm security.Permission

	children []string
	docs     map[string]*DocumentEntry

	// addr remembers where the record was last saved, as a hint for
	// the next save
	addr keyed.Address

	lk *lock.Lock
}

// DocumentEntry is one resource entry inside a collection record. The
// resource's full metadata lives in its own unkeyed record at
// MetadataAddr.
type DocumentEntry struct {
	ID           uint32
	Type         ResourceType
	Name         string
	MetadataAddr keyed.Address
}

// NewCollection builds an empty, unsaved collection at path.
func NewCollection(path string, perm security.Permission) *Collection {
	path = NormalizePath(path)
	return &Collection{
		Path:    path,
		Created: time.Now(),
		Perm:    perm,
		docs:    make(map[string]*DocumentEntry),
		lk:      lock.New(path),
	}
}

// Lock returns the collection's lock.
func (c *Collection) Lock() *lock.Lock {
	return c.lk
}

// Name returns the last path segment.
func (c *Collection) Name() string {
	_, name := SplitPath(c.Path)
	return name
}

// Children returns the child collection names in sorted order.
func (c *Collection) Children() []string {
	out := append([]string(nil), c.children...)
	sort.Strings(out)
	return out
}

// HasChild reports whether a child collection with the name exists.
func (c *Collection) HasChild(name string) bool {
	for _, n := range c.children {
		if n == name {
			return true
		}
	}
	return false
}

// AddChild registers a child collection name. Duplicates are ignored.
func (c *Collection) AddChild(name string) {
	if !c.HasChild(name) {
		c.children = append(c.children, name)
	}
}

// RemoveChild drops a child collection name.
func (c *Collection) RemoveChild(name string) {
	for i, n := range c.children {
		if n == name {
			c.children = append(c.children[:i], c.children[i+1:]...)
			return
		}
	}
}

// Document returns the entry for a resource name, or nil.
func (c *Collection) Document(name string) *DocumentEntry {
	return c.docs[name]
}

// Documents returns all resource entries, sorted by name.
func (c *Collection) Documents() []*DocumentEntry {
	out := make([]*DocumentEntry, 0, len(c.docs))
	for _, e := range c.docs {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddDocument registers a resource entry, replacing any entry with the
// same name.
func (c *Collection) AddDocument(e *DocumentEntry) {
	c.docs[e.Name] = e
}

// RemoveDocument drops a resource entry by name.
func (c *Collection) RemoveDocument(name string) {
	delete(c.docs, name)
}

// Collection Record Layout
// ========================
//
//	id (uvarint)
//	created unix-milli (uvarint)
//	owner | group (strings) | mode (uvarint)
//	child count (uvarint) | child names (strings)
//	doc count (uvarint) | per doc:
//	    id (uvarint) | type (1 byte) | name (string) | metadata address (uvarint)
//
// Strings are uvarint-length-prefixed UTF-8, as in the node records.

// encodeCollection renders the record form. The path is not stored; it
// is the record's key.
func encodeCollection(c *Collection) []byte {
	buf := make([]byte, 0, 64)
	buf = binary.AppendUvarint(buf, uint64(c.ID))
	buf = binary.AppendUvarint(buf, uint64(c.Created.UnixMilli()))
	buf = appendString(buf, c.Perm.Owner)
	buf = appendString(buf, c.Perm.Group)
	buf = binary.AppendUvarint(buf, uint64(c.Perm.Mode))

	children := c.Children()
	buf = binary.AppendUvarint(buf, uint64(len(children)))
	for _, name := range children {
		buf = appendString(buf, name)
	}

	docs := c.Documents()
	buf = binary.AppendUvarint(buf, uint64(len(docs)))
	for _, d := range docs {
		buf = binary.AppendUvarint(buf, uint64(d.ID))
		buf = append(buf, byte(d.Type))
		buf = appendString(buf, d.Name)
		buf = binary.AppendUvarint(buf, uint64(d.MetadataAddr))
	}
	return buf
}

// decodeCollection parses a record back into a collection at path.
func decodeCollection(path string, raw []byte) (*Collection, error) {
	c := NewCollection(path, security.Permission{})
	var err error
	var v uint64

	if v, raw, err = readUvarint(raw); err != nil {
		return nil, fmt.Errorf("collection id: %w", err)
	}
	c.ID = uint16(v)
	if v, raw, err = readUvarint(raw); err != nil {
		return nil, fmt.Errorf("collection created: %w", err)
	}
	c.Created = time.UnixMilli(int64(v))
	if c.Perm.Owner, raw, err = readString(raw); err != nil {
		return nil, fmt.Errorf("collection owner: %w", err)
	}
	if c.Perm.Group, raw, err = readString(raw); err != nil {
		return nil, fmt.Errorf("collection group: %w", err)
	}
	if v, raw, err = readUvarint(raw); err != nil {
		return nil, fmt.Errorf("collection mode: %w", err)
	}
	c.Perm.Mode = uint16(v)

	if v, raw, err = readUvarint(raw); err != nil {
		return nil, fmt.Errorf("child count: %w", err)
	}
	for range v {
		var name string
		if name, raw, err = readString(raw); err != nil {
			return nil, fmt.Errorf("child name: %w", err)
		}
		c.children = append(c.children, name)
	}

	if v, raw, err = readUvarint(raw); err != nil {
		return nil, fmt.Errorf("doc count: %w", err)
	}
	for range v {
		e := &DocumentEntry{}
		var id uint64
		if id, raw, err = readUvarint(raw); err != nil {
			return nil, fmt.Errorf("doc id: %w", err)
		}
		e.ID = uint32(id)
		if len(raw) == 0 {
			return nil, fmt.Errorf("doc type: truncated record")
		}
		e.Type = ResourceType(raw[0])
		raw = raw[1:]
		if e.Name, raw, err = readString(raw); err != nil {
			return nil, fmt.Errorf("doc name: %w", err)
		}
		var addr uint64
		if addr, raw, err = readUvarint(raw); err != nil {
			return nil, fmt.Errorf("doc metadata address: %w", err)
		}
		e.MetadataAddr = keyed.Address(addr)
		c.docs[e.Name] = e
	}

	if len(raw) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after collection record", len(raw))
	}
	return c, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func readUvarint(buf []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, nil, fmt.Errorf("truncated varint")
	}
	return v, buf[n:], nil
}

func readString(buf []byte) (string, []byte, error) {
	length, rest, err := readUvarint(buf)
	if err != nil {
		return "", nil, err
	}
	if uint64(len(rest)) < length {
		return "", nil, fmt.Errorf("string length %d exceeds %d remaining bytes", length, len(rest))
	}
	return string(rest[:length]), rest[length:], nil
}
