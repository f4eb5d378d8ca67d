// Package index defines the indexing protocol between the storage
// orchestrator and the secondary index components, plus the standard
// components (element names, range values, qname values, full text).
//
// The orchestrator streams node events to a Dispatcher while storing,
// removing or reindexing documents. The set of handlers is closed: an
// index component implements the full Observer interface or it is not an
// index component.
package index

import (
	"github.com/quercusdb/quercus/internal/logger"
	"github.com/quercusdb/quercus/pkg/storage/dom"
	"github.com/quercusdb/quercus/pkg/storage/txn"
)

// NodeEvent describes one node to the index components.
//
// Events are immutable snapshots built fresh for every call: components
// may retain them, and nothing is shared with the orchestrator's mutable
// state.
type NodeEvent struct {
	// DocID is the owning document
	DocID uint32

	// Node is the stored node the event is about
	Node *dom.Node

	// Enclosing is the qualified name of the nearest ancestor element.
	// Empty for the root element's own events.
	Enclosing string
}

// Observer is the closed handler set every index component implements.
//
// Removal is two-phase: RemoveNode marks entries while the removal walk
// is still reading the document, EndRemove commits the marked purge once
// the walk is done. A component must not drop data before EndRemove.
//
// Error discipline: handler errors never abort the storage operation.
// The Dispatcher logs them and keeps going (see Dispatcher), so a broken
// index degrades queries, not writes.
type Observer interface {
	// Name identifies the component in logs and metrics
	Name() string

	// StartElement is dispatched when an element's record is stored
	StartElement(tx *txn.Txn, ev *NodeEvent) error

	// EndElement is dispatched when all of an element's children have
	// been stored
	EndElement(tx *txn.Txn, ev *NodeEvent) error

	// StoreAttribute is dispatched for every stored attribute
	StoreAttribute(tx *txn.Txn, ev *NodeEvent) error

	// StoreText is dispatched for every stored text node
	StoreText(tx *txn.Txn, ev *NodeEvent) error

	// RemoveNode marks the entries of one node for removal (phase one)
	RemoveNode(tx *txn.Txn, ev *NodeEvent) error

	// EndRemove commits every mark for the document (phase two)
	EndRemove(tx *txn.Txn, docID uint32) error

	// DropForDocument removes every entry of the document at once
	DropForDocument(tx *txn.Txn, docID uint32) error

	// DropForCollection removes every entry of the listed documents
	DropForCollection(tx *txn.Txn, docIDs []uint32) error

	// Reindex tells the component a document finished reindexing
	Reindex(tx *txn.Txn, docID uint32) error

	// Flush forces buffered entries out
	Flush() error

	// Sync forces flushed entries to stable storage
	Sync() error
}

// ErrorFunc is called once per handler failure, for metrics.
type ErrorFunc func(component, handler string)

// Dispatcher fans events out to an ordered, fixed set of components.
//
// Dispatch is fail-open: a failing component is logged and skipped, the
// remaining components still see the event. Index corruption in one
// component must not block document writes or poison the others.
type Dispatcher struct {
	observers []Observer
	onError   ErrorFunc
}

// NewDispatcher builds a dispatcher over the given components. The order
// is preserved for every dispatch. onError may be nil.
func NewDispatcher(observers []Observer, onError ErrorFunc) *Dispatcher {
	return &Dispatcher{observers: observers, onError: onError}
}

// Observers returns the component list in dispatch order.
func (d *Dispatcher) Observers() []Observer {
	return d.observers
}

func (d *Dispatcher) each(handler string, fn func(o Observer) error) {
	for _, o := range d.observers {
		if err := fn(o); err != nil {
			logger.Warn("index %s: %s failed: %v", o.Name(), handler, err)
			if d.onError != nil {
				d.onError(o.Name(), handler)
			}
		}
	}
}

func (d *Dispatcher) StartElement(tx *txn.Txn, ev *NodeEvent) {
	d.each("StartElement", func(o Observer) error { return o.StartElement(tx, ev) })
}

func (d *Dispatcher) EndElement(tx *txn.Txn, ev *NodeEvent) {
	d.each("EndElement", func(o Observer) error { return o.EndElement(tx, ev) })
}

func (d *Dispatcher) StoreAttribute(tx *txn.Txn, ev *NodeEvent) {
	d.each("StoreAttribute", func(o Observer) error { return o.StoreAttribute(tx, ev) })
}

func (d *Dispatcher) StoreText(tx *txn.Txn, ev *NodeEvent) {
	d.each("StoreText", func(o Observer) error { return o.StoreText(tx, ev) })
}

func (d *Dispatcher) RemoveNode(tx *txn.Txn, ev *NodeEvent) {
	d.each("RemoveNode", func(o Observer) error { return o.RemoveNode(tx, ev) })
}

func (d *Dispatcher) EndRemove(tx *txn.Txn, docID uint32) {
	d.each("EndRemove", func(o Observer) error { return o.EndRemove(tx, docID) })
}

func (d *Dispatcher) DropForDocument(tx *txn.Txn, docID uint32) {
	d.each("DropForDocument", func(o Observer) error { return o.DropForDocument(tx, docID) })
}

func (d *Dispatcher) DropForCollection(tx *txn.Txn, docIDs []uint32) {
	d.each("DropForCollection", func(o Observer) error { return o.DropForCollection(tx, docIDs) })
}

func (d *Dispatcher) Reindex(tx *txn.Txn, docID uint32) {
	d.each("Reindex", func(o Observer) error { return o.Reindex(tx, docID) })
}

func (d *Dispatcher) Flush() {
	d.each("Flush", func(o Observer) error { return o.Flush() })
}

func (d *Dispatcher) Sync() {
	d.each("Sync", func(o Observer) error { return o.Sync() })
}
