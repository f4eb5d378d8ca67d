package badger

import "encoding/binary"

// Database Key Namespace Design
// ==============================
//
// BadgerDB is a flat key-value store, so the keyed store maps its two
// address modes onto prefixed namespaces:
//
// Data Type        Prefix   Key Format                       Value
// =====================================================================
// Key Index        "k:"     k:<callerKey>                   address (8B BE)
// Value Records    "v:"     v:<address 8B BE>               header + payload
// Overflow Chunks  "o:"     o:<address 8B BE><chunk 4B BE>  raw chunk bytes
// Sequences        "m:"     m:addrseq                       badger sequence state
//
// Value Record Layout:
//
//	prev address (8B BE) | next address (8B BE) | payload
//
// The prev/next header links each value into its chain (one chain per
// document, in document order). Chain repair on removal only touches the
// two neighbour headers.
//
// Addresses come from a BadgerDB sequence and are never reused, so a
// dangling address can only read as not-found, never as another value.
//
// Overflow values are split into fixed-size chunks under ascending chunk
// numbers; a range scan over "o:<address>" streams the payload back in
// order.

const (
	// prefixKey is the namespace for the caller-visible key index
	prefixKey = "k:"

	// prefixValue is the namespace for value records
	prefixValue = "v:"

	// prefixOverflow is the namespace for overflow chunks
	prefixOverflow = "o:"

	// seqAddress is the key the address sequence persists under
	seqAddress = "m:addrseq"
)

// overflowChunkSize is the payload size of one overflow chunk. 256KiB
// keeps individual BadgerDB values well below the value-log threshold
// while letting streams make progress in few reads.
const overflowChunkSize = 256 << 10

// keyIndex builds the index key for a caller key.
func keyIndex(key []byte) []byte {
	out := make([]byte, 0, len(prefixKey)+len(key))
	out = append(out, prefixKey...)
	return append(out, key...)
}

// keyValue builds the record key for an address.
func keyValue(addr uint64) []byte {
	out := make([]byte, len(prefixValue)+8)
	copy(out, prefixValue)
	binary.BigEndian.PutUint64(out[len(prefixValue):], addr)
	return out
}

// keyOverflowChunk builds the key of one overflow chunk.
func keyOverflowChunk(addr uint64, chunk uint32) []byte {
	out := make([]byte, len(prefixOverflow)+12)
	copy(out, prefixOverflow)
	binary.BigEndian.PutUint64(out[len(prefixOverflow):], addr)
	binary.BigEndian.PutUint32(out[len(prefixOverflow)+8:], chunk)
	return out
}

// keyOverflowPrefix builds the scan prefix covering every chunk of one
// overflow value.
func keyOverflowPrefix(addr uint64) []byte {
	out := make([]byte, len(prefixOverflow)+8)
	copy(out, prefixOverflow)
	binary.BigEndian.PutUint64(out[len(prefixOverflow):], addr)
	return out
}
