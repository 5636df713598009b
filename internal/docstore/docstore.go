// Package docstore defines the document store the inventory services run on.
//
// A Store offers point reads, ordered queries, live queries, optimistic
// read-modify-write transactions and unconditional atomic batches. Backends
// live in memstore (in-process), store (PostgreSQL) and mongostore (MongoDB).
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrTxConflict aborts a transaction attempt. RunTransaction retries it.
var ErrTxConflict = errors.New("transaction conflict")

// Document is a stored JSON document
type Document struct {
	ID      string          `json:"id"`
	Data    json.RawMessage `json:"data"`
	Version int64           `json:"-"`
}

// Decode unmarshals the document body into dest
func (d Document) Decode(dest any) error {
	return json.Unmarshal(d.Data, dest)
}

// Snapshot is one emission of a live query
type Snapshot struct {
	Docs   []Document `json:"docs"`
	ReadAt time.Time  `json:"read_at"`
}

// Tx is the view of the store inside a transaction. Reads observe committed
// state; writes are buffered and applied only when the transaction commits.
type Tx interface {
	// Get reads a document. Missing documents yield apperr.ErrNotFound.
	Get(ctx context.Context, collection, id string, dest any) error
	// Create buffers an insert. The commit aborts as a conflict if the id exists.
	Create(collection, id string, doc any)
	// Set buffers an upsert.
	Set(collection, id string, doc any)
}

// TxFunc is the body of a transaction. It may run more than once.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the document store contract
type Store interface {
	Get(ctx context.Context, collection, id string, dest any) error
	Query(ctx context.Context, q Query) ([]Document, error)
	// Watch emits the query result now and after every committed change to the
	// collection until ctx ends, then closes the channel. A slow consumer only
	// sees the latest snapshot.
	Watch(ctx context.Context, q Query) (<-chan Snapshot, error)
	RunTransaction(ctx context.Context, fn TxFunc) error
	RunBatch(ctx context.Context, writes []Write) error
	NewID(collection string) string
	Close() error
}

// Stamped documents receive the store's commit time before they are encoded
type Stamped interface {
	Stamp(now time.Time)
}

// Write is one unconditional write of a batch
type Write struct {
	Collection string
	ID         string
	Doc        any
	Create     bool
}

// SetWrite builds an upsert
func SetWrite(collection, id string, doc any) Write {
	return Write{Collection: collection, ID: id, Doc: doc}
}

// CreateWrite builds an insert
func CreateWrite(collection, id string, doc any) Write {
	return Write{Collection: collection, ID: id, Doc: doc, Create: true}
}

// NewID returns a new random document id
func NewID() string {
	return uuid.NewString()
}

// Encode stamps doc with now when it is Stamped and marshals it
func Encode(doc any, now time.Time) (json.RawMessage, error) {
	if s, ok := doc.(Stamped); ok {
		s.Stamp(now)
	}
	return json.Marshal(doc)
}

// Decode unmarshals raw into dest, passing through when dest is a *json.RawMessage
func Decode(raw []byte, dest any) error {
	if r, ok := dest.(*json.RawMessage); ok {
		*r = append((*r)[:0], raw...)
		return nil
	}
	return json.Unmarshal(raw, dest)
}

// Collections lists the distinct collections touched by writes
func Collections(writes []Write) []string {
	seen := make(map[string]bool, len(writes))
	var out []string
	for _, w := range writes {
		if !seen[w.Collection] {
			seen[w.Collection] = true
			out = append(out, w.Collection)
		}
	}
	return out
}
