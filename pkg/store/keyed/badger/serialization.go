package badger

import (
	"encoding/binary"

	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// recordHeaderSize is the fixed chain header in front of every value
// record: prev address (8B BE) followed by next address (8B BE).
const recordHeaderSize = 16

// encodeRecord builds the on-disk form of a value record.
func encodeRecord(prev, next keyed.Address, payload []byte) []byte {
	out := make([]byte, recordHeaderSize+len(payload))
	binary.BigEndian.PutUint64(out[0:8], uint64(prev))
	binary.BigEndian.PutUint64(out[8:16], uint64(next))
	copy(out[recordHeaderSize:], payload)
	return out
}

// decodeRecord splits a raw record into its header and payload. The
// payload aliases raw, so callers copy before retaining it.
func decodeRecord(raw []byte) (prev, next keyed.Address, payload []byte, err error) {
	if len(raw) < recordHeaderSize {
		return 0, 0, nil, &keyed.StoreError{
			Code:    keyed.ErrCorrupt,
			Message: "value record shorter than chain header",
		}
	}
	prev = keyed.Address(binary.BigEndian.Uint64(raw[0:8]))
	next = keyed.Address(binary.BigEndian.Uint64(raw[8:16]))
	return prev, next, raw[recordHeaderSize:], nil
}

// encodeAddress renders an address for the key index namespace.
func encodeAddress(addr keyed.Address) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(addr))
	return out
}

// decodeAddress parses an index entry back into an address.
func decodeAddress(raw []byte) (keyed.Address, error) {
	if len(raw) != 8 {
		return keyed.NilAddress, &keyed.StoreError{
			Code:    keyed.ErrCorrupt,
			Message: "index entry is not an 8-byte address",
		}
	}
	return keyed.Address(binary.BigEndian.Uint64(raw)), nil
}
