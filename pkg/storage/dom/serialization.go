package dom

import (
	"encoding/binary"
	"fmt"

	"github.com/quercusdb/quercus/pkg/storage/gid"
)

// Record layout
// =============
//
//	kind (1 byte)
//	gid (uvarint)
//	elements:   childCount (uvarint) | attrCount (uvarint) | name
//	attributes: name | value
//	text:       value
//	comments:   value
//
// Strings are uvarint-length-prefixed UTF-8. Varints keep shallow nodes
// (small GIDs, short names) at a handful of bytes, which matters because
// a document stores one record per node.

// EncodeNode renders a node into its binary record form.
func EncodeNode(n *Node) []byte {
	buf := make([]byte, 0, 16+len(n.Name)+len(n.Value))
	buf = append(buf, byte(n.Kind))
	buf = binary.AppendUvarint(buf, uint64(n.GID))

	switch n.Kind {
	case KindElement:
		buf = binary.AppendUvarint(buf, uint64(n.ChildCount))
		buf = binary.AppendUvarint(buf, uint64(n.AttrCount))
		buf = appendString(buf, n.Name)
	case KindAttribute:
		buf = appendString(buf, n.Name)
		buf = appendString(buf, n.Value)
	case KindText, KindComment:
		buf = appendString(buf, n.Value)
	}
	return buf
}

// DecodeNode parses a binary record back into a node. The Address field
// is left at NilAddress; callers that know the record's location fill
// it in.
func DecodeNode(raw []byte) (*Node, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("dom: record too short (%d bytes)", len(raw))
	}

	n := &Node{Kind: Kind(raw[0])}
	rest := raw[1:]

	g, rest, err := readUvarint(rest)
	if err != nil {
		return nil, fmt.Errorf("dom: reading gid: %w", err)
	}
	n.GID = gid.GID(g)

	switch n.Kind {
	case KindElement:
		var children, attrs uint64
		children, rest, err = readUvarint(rest)
		if err != nil {
			return nil, fmt.Errorf("dom: reading child count: %w", err)
		}
		attrs, rest, err = readUvarint(rest)
		if err != nil {
			return nil, fmt.Errorf("dom: reading attr count: %w", err)
		}
		n.ChildCount = int(children)
		n.AttrCount = int(attrs)
		n.Name, rest, err = readString(rest)
		if err != nil {
			return nil, fmt.Errorf("dom: reading element name: %w", err)
		}
	case KindAttribute:
		n.Name, rest, err = readString(rest)
		if err != nil {
			return nil, fmt.Errorf("dom: reading attribute name: %w", err)
		}
		n.Value, rest, err = readString(rest)
		if err != nil {
			return nil, fmt.Errorf("dom: reading attribute value: %w", err)
		}
	case KindText, KindComment:
		n.Value, rest, err = readString(rest)
		if err != nil {
			return nil, fmt.Errorf("dom: reading value: %w", err)
		}
	default:
		return nil, fmt.Errorf("dom: unknown node kind %d", raw[0])
	}

	if len(rest) != 0 {
		return nil, fmt.Errorf("dom: %d trailing bytes after record", len(rest))
	}
	return n, nil
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
