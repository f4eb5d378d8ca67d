package storage

import (
	"encoding/binary"

	"github.com/quercusdb/quercus/pkg/storage/gid"
)

// Orchestrator Key Namespace Design
// =================================
//
// The orchestrator owns these namespaces in the keyed store (the index
// components use their own, see the index package):
//
// Data Type          Prefix   Key Format                    Value
// ======================================================================
// Collection Record  "c:"     c:<path>                     collection record
// Structural Node    "n:"     n:<docID 4B BE><gid 8B BE>   node record
// Allocator State    "sys:"   sys:<name>                   id blobs / counters
//
// Collection records are keyed by path so a prefix scan enumerates a
// subtree. Structural node keys sort by (document, gid), so a prefix
// scan over n:<docID> walks one document's keyed nodes in GID order and
// a range check against a GID interval bounds a subtree.
//
// Reserved allocator keys (see idalloc.go):
//
//	sys:freeCollectionIds   free-list blob of 2-byte collection ids
//	sys:nextCollectionId    next-counter, 2 bytes BE
//	sys:freeDocIds          free-list blob of 4-byte document ids
//	sys:nextDocId           next-counter, 4 bytes BE

const (
	// prefixCollection is the key prefix for collection records
	prefixCollection = "c:"

	// prefixNode is the key prefix for keyed structural node records
	prefixNode = "n:"

	// prefixSystem is the key prefix for allocator state
	prefixSystem = "sys:"
)

// keyCollection builds the record key for a collection path.
func keyCollection(path string) []byte {
	return []byte(prefixCollection + NormalizePath(path))
}

// keyCollectionPrefix builds the scan prefix covering a collection and
// everything below it.
func keyCollectionPrefix(path string) []byte {
	return []byte(prefixCollection + NormalizePath(path) + "/")
}

// keyNode builds the structural key of one node.
func keyNode(docID uint32, g gid.GID) []byte {
	key := make([]byte, len(prefixNode)+12)
	copy(key, prefixNode)
	binary.BigEndian.PutUint32(key[len(prefixNode):], docID)
	binary.BigEndian.PutUint64(key[len(prefixNode)+4:], uint64(g))
	return key
}

// keyNodePrefix builds the scan prefix covering every keyed node of one
// document.
func keyNodePrefix(docID uint32) []byte {
	key := make([]byte, len(prefixNode)+4)
	copy(key, prefixNode)
	binary.BigEndian.PutUint32(key[len(prefixNode):], docID)
	return key
}

// parseNodeKey splits a structural key back into document id and GID.
func parseNodeKey(key []byte) (docID uint32, g gid.GID, ok bool) {
	if len(key) != len(prefixNode)+12 || string(key[:len(prefixNode)]) != prefixNode {
		return 0, gid.Invalid, false
	}
	docID = binary.BigEndian.Uint32(key[len(prefixNode):])
	g = gid.GID(binary.BigEndian.Uint64(key[len(prefixNode)+4:]))
	return docID, g, true
}
