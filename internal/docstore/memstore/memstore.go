// Package memstore is an in-process docstore.Store with optimistic
// concurrency control. Transactions record the version of every document they
// read and commit only if none of those versions moved.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"stockflow/internal/apperr"
	"stockflow/internal/docstore"
)

type record struct {
	data    json.RawMessage
	version int64
}

type watcher struct {
	query docstore.Query
	ch    chan docstore.Snapshot
}

// push replaces any undelivered snapshot with s. Callers hold the store lock,
// so there is a single sender.
func (w *watcher) push(s docstore.Snapshot) {
	select {
	case <-w.ch:
	default:
	}
	w.ch <- s
}

// Store is an in-memory document store
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]*record
	watchers    map[string]map[int]*watcher
	nextWatcher int
	clock       *docstore.Clock
	policy      docstore.RetryPolicy
	closed      bool
}

// Option configures a Store
type Option func(*Store)

// WithRetryPolicy overrides the transaction retry policy
func WithRetryPolicy(p docstore.RetryPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithClock overrides the wall clock used for commit timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.clock = docstore.NewClock(now) }
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]map[string]*record),
		watchers:    make(map[string]map[int]*watcher),
		clock:       docstore.NewClock(nil),
		policy:      docstore.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get reads a committed document
func (s *Store) Get(ctx context.Context, collection, id string, dest any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.collections[collection][id]
	if !ok {
		return apperr.NotFound("%s/%s", collection, id)
	}
	return docstore.Decode(rec.data, dest)
}

// Query returns the committed documents matching q
func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryLocked(q)
}

func (s *Store) queryLocked(q docstore.Query) ([]docstore.Document, error) {
	coll := s.collections[q.Collection]
	docs := make([]docstore.Document, 0, len(coll))
	for id, rec := range coll {
		docs = append(docs, docstore.Document{ID: id, Data: rec.data, Version: rec.version})
	}
	return docstore.Apply(q, docs)
}

// Watch streams snapshots of q until ctx ends
func (s *Store) Watch(ctx context.Context, q docstore.Query) (<-chan docstore.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("memstore: closed")
	}

	docs, err := s.queryLocked(q)
	if err != nil {
		return nil, err
	}

	w := &watcher{query: q, ch: make(chan docstore.Snapshot, 1)}
	w.push(docstore.Snapshot{Docs: docs, ReadAt: s.clock.Next()})

	id := s.nextWatcher
	s.nextWatcher++
	if s.watchers[q.Collection] == nil {
		s.watchers[q.Collection] = make(map[int]*watcher)
	}
	s.watchers[q.Collection][id] = w

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[q.Collection][id]; ok {
			delete(s.watchers[q.Collection], id)
			close(w.ch)
		}
	}()

	return w.ch, nil
}

// RunTransaction runs fn with optimistic retries
func (s *Store) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	return s.policy.Run(ctx, func(ctx context.Context) error {
		tx := &transaction{store: s, reads: make(map[key]int64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return s.commit(tx.reads, tx.writes)
	})
}

// RunBatch applies writes atomically without preconditions
func (s *Store) RunBatch(ctx context.Context, writes []docstore.Write) error {
	err := s.commit(nil, writes)
	if err != nil && errors.Is(err, docstore.ErrTxConflict) {
		return apperr.Conflict("batch rejected: %v", err)
	}
	return err
}

// NewID returns a new document id
func (s *Store) NewID(collection string) string {
	return docstore.NewID()
}

// Close ends every live query
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for coll, ws := range s.watchers {
		for id, w := range ws {
			close(w.ch)
			delete(ws, id)
		}
		delete(s.watchers, coll)
	}
	return nil
}

func (s *Store) commit(reads map[key]int64, writes []docstore.Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("memstore: closed")
	}

	for k, version := range reads {
		if s.versionLocked(k) != version {
			return fmt.Errorf("%s/%s changed since read: %w", k.collection, k.id, docstore.ErrTxConflict)
		}
	}
	for _, w := range writes {
		if w.Create && s.versionLocked(key{w.Collection, w.ID}) != 0 {
			return fmt.Errorf("%s/%s already exists: %w", w.Collection, w.ID, docstore.ErrTxConflict)
		}
	}

	now := s.clock.Next()
	encoded := make([]json.RawMessage, len(writes))
	for i, w := range writes {
		raw, err := docstore.Encode(w.Doc, now)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", w.Collection, w.ID, err)
		}
		encoded[i] = raw
	}

	for i, w := range writes {
		coll := s.collections[w.Collection]
		if coll == nil {
			coll = make(map[string]*record)
			s.collections[w.Collection] = coll
		}
		version := int64(1)
		if prev, ok := coll[w.ID]; ok {
			version = prev.version + 1
		}
		coll[w.ID] = &record{data: encoded[i], version: version}
	}

	for _, coll := range docstore.Collections(writes) {
		s.notifyLocked(coll, now)
	}
	return nil
}

func (s *Store) versionLocked(k key) int64 {
	if rec, ok := s.collections[k.collection][k.id]; ok {
		return rec.version
	}
	return 0
}

func (s *Store) notifyLocked(collection string, now time.Time) {
	for _, w := range s.watchers[collection] {
		docs, err := s.queryLocked(w.query)
		if err != nil {
			continue
		}
		w.push(docstore.Snapshot{Docs: docs, ReadAt: now})
	}
}

type key struct {
	collection string
	id         string
}

type transaction struct {
	store  *Store
	reads  map[key]int64
	writes []docstore.Write
}

func (t *transaction) Get(ctx context.Context, collection, id string, dest any) error {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	k := key{collection, id}
	rec, ok := t.store.collections[collection][id]
	version := int64(0)
	if ok {
		version = rec.version
	}
	if prev, seen := t.reads[k]; !seen {
		t.reads[k] = version
	} else if prev != version {
		// a second read saw a newer version, which cannot commit
		t.reads[k] = -1
	}

	if !ok {
		return apperr.NotFound("%s/%s", collection, id)
	}
	return docstore.Decode(rec.data, dest)
}

func (t *transaction) Create(collection, id string, doc any) {
	t.writes = append(t.writes, docstore.CreateWrite(collection, id, doc))
}

func (t *transaction) Set(collection, id string, doc any) {
	t.writes = append(t.writes, docstore.SetWrite(collection, id, doc))
}
