package index

import (
	"strings"
	"unicode"

	"github.com/quercusdb/quercus/pkg/storage/dom"
	"github.com/quercusdb/quercus/pkg/storage/txn"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// FulltextIndex maps lower-cased word tokens to the text and attribute
// nodes containing them.
//
// The tokenizer is intentionally simple: Unicode letter/digit runs,
// folded to lower case. Anything smarter (stemming, stop words,
// language analysis) belongs in a dedicated search layer, not here.
type FulltextIndex struct {
	*postingIndex
}

// NewFulltextIndex creates the component over the given store. Its keys
// live under the "ti:" namespace.
func NewFulltextIndex(store keyed.Store) *FulltextIndex {
	return &FulltextIndex{postingIndex: newPostingIndex(store, "ti:f:", "ti:r:")}
}

var _ Observer = (*FulltextIndex)(nil)

// Tokenize splits text into the lower-cased tokens the index stores.
// Exported so query code tokenizes search input identically.
func Tokenize(text string) []string {
	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

func (i *FulltextIndex) Name() string { return "fulltext" }

func (i *FulltextIndex) StartElement(tx *txn.Txn, ev *NodeEvent) error { return nil }

func (i *FulltextIndex) EndElement(tx *txn.Txn, ev *NodeEvent) error { return nil }

func (i *FulltextIndex) StoreAttribute(tx *txn.Txn, ev *NodeEvent) error {
	return i.addTokens(tx, ev)
}

func (i *FulltextIndex) StoreText(tx *txn.Txn, ev *NodeEvent) error {
	return i.addTokens(tx, ev)
}

func (i *FulltextIndex) addTokens(tx *txn.Txn, ev *NodeEvent) error {
	for _, token := range Tokenize(ev.Node.Value) {
		if err := i.add(tx, token, ev.DocID, ev.Node.GID); err != nil {
			return err
		}
	}
	return nil
}

func (i *FulltextIndex) RemoveNode(tx *txn.Txn, ev *NodeEvent) error {
	if ev.Node.Kind != dom.KindText && ev.Node.Kind != dom.KindAttribute {
		return nil
	}
	return i.mark(ev.DocID, ev.Node.GID)
}

func (i *FulltextIndex) EndRemove(tx *txn.Txn, docID uint32) error {
	return i.commit(tx, docID)
}

func (i *FulltextIndex) DropForDocument(tx *txn.Txn, docID uint32) error {
	return i.dropDocument(tx, docID)
}

func (i *FulltextIndex) DropForCollection(tx *txn.Txn, docIDs []uint32) error {
	for _, id := range docIDs {
		if err := i.dropDocument(tx, id); err != nil {
			return err
		}
	}
	return nil
}

func (i *FulltextIndex) Reindex(tx *txn.Txn, docID uint32) error { return nil }

func (i *FulltextIndex) Flush() error { return nil }

func (i *FulltextIndex) Sync() error { return i.store.Flush() }

// Find returns the nodes containing the token. The needle is tokenized
// with the same rules as stored text; only the first token is used.
func (i *FulltextIndex) Find(token string) ([]Posting, error) {
	tokens := Tokenize(token)
	if len(tokens) == 0 {
		return nil, nil
	}
	return i.postings(tokens[0])
}
