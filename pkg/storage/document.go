package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/quercusdb/quercus/pkg/security"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// ReindexAll is the reindex watermark of a fully indexed document. Any
// smaller level means "structural keys at this level and below are
// stale".
const ReindexAll = -1

// Document is the full metadata of one resource, stored as an unkeyed
// record whose address lives in the owning collection's entry.
type Document struct {
	// ID is the allocator-assigned document id (never 0)
	ID uint32

	// Name is the resource name within its collection
	Name string

	// CollectionPath is runtime state: the owning collection's path
	CollectionPath string

	// Type discriminates XML and binary resources
	Type ResourceType

	// Perm is the owner/group/mode triple
	Perm security.Permission

	// Created and Modified are the resource timestamps
	Created  time.Time
	Modified time.Time

	// MimeType is the declared media type
	MimeType string

	// Order is the GID branching order of the document's numbering plan
	// (XML only)
	Order int

	// RootAddr is the address of the root element's record (XML only)
	RootAddr keyed.Address

	// PageCount approximates the number of stored node records,
	// maintained on store and defragmentation (XML only)
	PageCount uint64

	// SplitCount counts in-place node updates and splices since the
	// last defragmentation; it is the fragmentation signal (XML only)
	SplitCount uint64

	// ReindexLevel is the reindex watermark: ReindexAll when fully
	// indexed, otherwise the shallowest level whose structural keys
	// are stale (XML only)
	ReindexLevel int

	// OverflowAddr is the overflow value holding the payload
	// (binary only; NilAddress for an empty payload)
	OverflowAddr keyed.Address

	// MetadataAddr is runtime state: where this record is stored
	MetadataAddr keyed.Address
}

// FullPath returns the resource's absolute path.
func (d *Document) FullPath() string {
	return ChildPath(d.CollectionPath, d.Name)
}

// Entry builds the collection-record entry pointing at this document.
func (d *Document) Entry() *DocumentEntry {
	return &DocumentEntry{
		ID:           d.ID,
		Type:         d.Type,
		Name:         d.Name,
		MetadataAddr: d.MetadataAddr,
	}
}

// Document Metadata Record Layout
// ===============================
//
//	id (uvarint) | type (1 byte)
//	owner | group (strings) | mode (uvarint)
//	created | modified unix-milli (uvarint)
//	mime type (string)
//	order (uvarint) | root address (uvarint)
//	page count (uvarint) | split count (uvarint) | reindex level (varint)
//	overflow address (uvarint)
//
// The name is not stored: it lives in the collection entry, so a rename
// inside one collection never rewrites the metadata record.

func encodeDocument(d *Document) []byte {
	buf := make([]byte, 0, 64)
	buf = binary.AppendUvarint(buf, uint64(d.ID))
	buf = append(buf, byte(d.Type))
	buf = appendString(buf, d.Perm.Owner)
	buf = appendString(buf, d.Perm.Group)
	buf = binary.AppendUvarint(buf, uint64(d.Perm.Mode))
	buf = binary.AppendUvarint(buf, uint64(d.Created.UnixMilli()))
	buf = binary.AppendUvarint(buf, uint64(d.Modified.UnixMilli()))
	buf = appendString(buf, d.MimeType)
	buf = binary.AppendUvarint(buf, uint64(d.Order))
	buf = binary.AppendUvarint(buf, uint64(d.RootAddr))
	buf = binary.AppendUvarint(buf, d.PageCount)
	buf = binary.AppendUvarint(buf, d.SplitCount)
	buf = binary.AppendVarint(buf, int64(d.ReindexLevel))
	buf = binary.AppendUvarint(buf, uint64(d.OverflowAddr))
	return buf
}

func decodeDocument(raw []byte) (*Document, error) {
	d := &Document{}
	var err error
	var v uint64

	if v, raw, err = readUvarint(raw); err != nil {
		return nil, fmt.Errorf("document id: %w", err)
	}
	d.ID = uint32(v)
	if len(raw) == 0 {
		return nil, fmt.Errorf("document type: truncated record")
	}
	d.Type = ResourceType(raw[0])
	raw = raw[1:]

	if d.Perm.Owner, raw, err = readString(raw); err != nil {
		return nil, fmt.Errorf("document owner: %w", err)
	}
	if d.Perm.Group, raw, err = readString(raw); err != nil {
		return nil, fmt.Errorf("document group: %w", err)
	}
	if v, raw, err = readUvarint(raw); err != nil {
		return nil, fmt.Errorf("document mode: %w", err)
	}
	d.Perm.Mode = uint16(v)

	if v, raw, err = readUvarint(raw); err != nil {
		return nil, fmt.Errorf("document created: %w", err)
	}
	d.Created = time.UnixMilli(int64(v))
	if v, raw, err = readUvarint(raw); err != nil {
		return nil, fmt.Errorf("document modified: %w", err)
	}
	d.Modified = time.UnixMilli(int64(v))

	if d.MimeType, raw, err = readString(raw); err != nil {
		return nil, fmt.Errorf("document mime type: %w", err)
	}
	if v, raw, err = readUvarint(raw); err != nil {
		return nil, fmt.Errorf("document order: %w", err)
	}
	d.Order = int(v)
	if v, raw, err = readUvarint(raw); err != nil {
		return nil, fmt.Errorf("document root address: %w", err)
	}
	d.RootAddr = keyed.Address(v)
	if d.PageCount, raw, err = readUvarint(raw); err != nil {
		return nil, fmt.Errorf("document page count: %w", err)
	}
	if d.SplitCount, raw, err = readUvarint(raw); err != nil {
		return nil, fmt.Errorf("document split count: %w", err)
	}

	level, n := binary.Varint(raw)
	if n <= 0 {
		return nil, fmt.Errorf("document reindex level: truncated varint")
	}
	d.ReindexLevel = int(level)
	raw = raw[n:]

	if v, raw, err = readUvarint(raw); err != nil {
		return nil, fmt.Errorf("document overflow address: %w", err)
	}
	d.OverflowAddr = keyed.Address(v)

	if len(raw) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after document record", len(raw))
	}
	return d, nil
}
