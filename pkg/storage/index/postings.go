package index

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/quercusdb/quercus/pkg/storage/gid"
	"github.com/quercusdb/quercus/pkg/storage/txn"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// Posting locates one indexed node.
type Posting struct {
	DocID uint32
	GID   gid.GID
}

// Posting Key Layout
// ==================
//
// Every component keeps two key families in its namespace:
//
//	forward: <fwd><term> 0x00 <docID 4B BE> <gid 8B BE>  →  (empty)
//	reverse: <rev><docID 4B BE> <gid 8B BE> 0x00 <term>  →  (empty)
//
// The forward family answers term lookups by prefix scan. The reverse
// family exists so removal never needs the term: marking a node and
// dropping a document both scan the reverse side and reconstruct the
// forward keys from it.

// postingIndex is the shared storage engine of the index components.
//
// Thread Safety: the pending-mark buffer has its own mutex; everything
// else delegates to the keyed store.
type postingIndex struct {
	store keyed.Store
	fwd   string
	rev   string

	mu      sync.Mutex
	pending map[uint32][]pendingMark
}

type pendingMark struct {
	term string
	g    gid.GID
}

func newPostingIndex(store keyed.Store, fwd, rev string) *postingIndex {
	return &postingIndex{
		store:   store,
		fwd:     fwd,
		rev:     rev,
		pending: make(map[uint32][]pendingMark),
	}
}

func (p *postingIndex) forwardKey(term string, docID uint32, g gid.GID) []byte {
	key := make([]byte, 0, len(p.fwd)+len(term)+13)
	key = append(key, p.fwd...)
	key = append(key, term...)
	key = append(key, 0x00)
	key = binary.BigEndian.AppendUint32(key, docID)
	return binary.BigEndian.AppendUint64(key, uint64(g))
}

func (p *postingIndex) reverseKey(term string, docID uint32, g gid.GID) []byte {
	key := make([]byte, 0, len(p.rev)+len(term)+13)
	key = append(key, p.rev...)
	key = binary.BigEndian.AppendUint32(key, docID)
	key = binary.BigEndian.AppendUint64(key, uint64(g))
	key = append(key, 0x00)
	return append(key, term...)
}

// reversePrefix bounds a scan to one document, or to one node when g is
// valid.
func (p *postingIndex) reversePrefix(docID uint32, g gid.GID) []byte {
	key := make([]byte, 0, len(p.rev)+12)
	key = append(key, p.rev...)
	key = binary.BigEndian.AppendUint32(key, docID)
	if g.Valid() {
		key = binary.BigEndian.AppendUint64(key, uint64(g))
	}
	return key
}

// parseReverse splits a reverse key (prefix already stripped is NOT
// assumed; key is the full caller key).
func (p *postingIndex) parseReverse(key []byte) (docID uint32, g gid.GID, term string, err error) {
	rest := key[len(p.rev):]
	if len(rest) < 13 || rest[12] != 0x00 {
		return 0, gid.Invalid, "", fmt.Errorf("malformed reverse posting key")
	}
	docID = binary.BigEndian.Uint32(rest[0:4])
	g = gid.GID(binary.BigEndian.Uint64(rest[4:12]))
	return docID, g, string(rest[13:]), nil
}

// add writes both sides of one posting. Writes are idempotent so a
// reindex can replay them.
func (p *postingIndex) add(tx *txn.Txn, term string, docID uint32, g gid.GID) error {
	if _, err := p.store.Put(tx, p.forwardKey(term, docID, g), nil, keyed.NilAddress, true); err != nil {
		return err
	}
	if _, err := p.store.Put(tx, p.reverseKey(term, docID, g), nil, keyed.NilAddress, true); err != nil {
		return err
	}
	return nil
}

// mark buffers the removal of every posting of one node (phase one).
// The terms are recovered from the reverse family: the caller does not
// need to know what the node contributed.
func (p *postingIndex) mark(docID uint32, g gid.GID) error {
	keys, err := p.store.PrefixKeys(p.reversePrefix(docID, g))
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range keys {
		_, _, term, err := p.parseReverse(key)
		if err != nil {
			return err
		}
		p.pending[docID] = append(p.pending[docID], pendingMark{term: term, g: g})
	}
	return nil
}

// commit deletes every marked posting of the document (phase two).
func (p *postingIndex) commit(tx *txn.Txn, docID uint32) error {
	p.mu.Lock()
	marks := p.pending[docID]
	delete(p.pending, docID)
	p.mu.Unlock()

	for _, m := range marks {
		if err := p.removeBoth(tx, m.term, docID, m.g); err != nil {
			return err
		}
	}
	return nil
}

// dropDocument deletes every posting of the document, marked or not,
// and discards pending marks for it.
func (p *postingIndex) dropDocument(tx *txn.Txn, docID uint32) error {
	p.mu.Lock()
	delete(p.pending, docID)
	p.mu.Unlock()

	keys, err := p.store.PrefixKeys(p.reversePrefix(docID, gid.Invalid))
	if err != nil {
		return err
	}
	for _, key := range keys {
		_, g, term, err := p.parseReverse(key)
		if err != nil {
			return err
		}
		if err := p.removeBoth(tx, term, docID, g); err != nil {
			return err
		}
	}
	return nil
}

func (p *postingIndex) removeBoth(tx *txn.Txn, term string, docID uint32, g gid.GID) error {
	if err := p.store.Remove(tx, p.forwardKey(term, docID, g)); err != nil && !keyed.IsNotFound(err) {
		return err
	}
	if err := p.store.Remove(tx, p.reverseKey(term, docID, g)); err != nil && !keyed.IsNotFound(err) {
		return err
	}
	return nil
}

// postings collects the nodes indexed under a term, in (docID, gid)
// order.
func (p *postingIndex) postings(term string) ([]Posting, error) {
	prefix := make([]byte, 0, len(p.fwd)+len(term)+1)
	prefix = append(prefix, p.fwd...)
	prefix = append(prefix, term...)
	prefix = append(prefix, 0x00)

	var out []Posting
	keys, err := p.store.PrefixKeys(prefix)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		rest := key[len(prefix):]
		if len(rest) != 12 {
			return nil, fmt.Errorf("malformed forward posting key")
		}
		out = append(out, Posting{
			DocID: binary.BigEndian.Uint32(rest[0:4]),
			GID:   gid.GID(binary.BigEndian.Uint64(rest[4:12])),
		})
	}
	return out, nil
}
