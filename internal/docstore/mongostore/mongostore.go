// Package mongostore is the MongoDB docstore backend. Each docstore
// collection maps to a Mongo collection of the same name; a stored record
// keeps the JSON body verbatim next to a BSON copy used for filtering.
//
// Transactions and change streams need a replica set.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stockflow/internal/apperr"
	"stockflow/internal/docstore"
	"stockflow/internal/util"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const codeWriteConflict = 112

type record struct {
	ID      string `bson:"_id"`
	Raw     string `bson:"raw"`
	Data    bson.D `bson:"data"`
	Version int64  `bson:"version"`
}

type Store struct {
	client      *mongo.Client
	db          *mongo.Database
	clock       *docstore.Clock
	policy      docstore.RetryPolicy
	collections []string
	logger      *zap.Logger
}

// Option configures a Store
type Option func(*Store)

// WithRetryPolicy overrides the transaction retry policy
func WithRetryPolicy(p docstore.RetryPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithCollections names the collections Migrate creates up front.
// Collections cannot be created implicitly inside a transaction.
func WithCollections(names ...string) Option {
	return func(s *Store) { s.collections = names }
}

// New connects to uri and uses database
func New(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOpts := options.Client().ApplyURI(uri).
		SetConnectTimeout(5 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(25)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}

	s := &Store{
		client: client,
		db:     client.Database(database),
		clock:  docstore.NewClock(nil),
		policy: docstore.DefaultRetryPolicy(),
		logger: util.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Migrate creates the configured collections when missing
func (s *Store) Migrate(ctx context.Context) error {
	existing, err := s.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return fmt.Errorf("mongostore: list collections: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, name := range existing {
		have[name] = true
	}
	for _, name := range s.collections {
		if have[name] {
			continue
		}
		if err := s.db.CreateCollection(ctx, name); err != nil {
			return fmt.Errorf("mongostore: create %s: %w", name, err)
		}
	}
	return nil
}

// Ping reports whether the primary is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// NewID returns a new document id
func (s *Store) NewID(collection string) string {
	return docstore.NewID()
}

// Get reads a committed document
func (s *Store) Get(ctx context.Context, collection, id string, dest any) error {
	var rec record
	err := s.db.Collection(collection).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return apperr.NotFound("%s/%s", collection, id)
	}
	if err != nil {
		return err
	}
	return docstore.Decode([]byte(rec.Raw), dest)
}

// Query matches filters against the BSON copy and orders in memory
func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	filter, err := filterOf(q)
	if err != nil {
		return nil, err
	}
	cur, err := s.db.Collection(q.Collection).Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var recs []record
	if err := cur.All(ctx, &recs); err != nil {
		return nil, err
	}

	docs := make([]docstore.Document, len(recs))
	for i, r := range recs {
		docs[i] = docstore.Document{ID: r.ID, Data: []byte(r.Raw), Version: r.Version}
	}
	return docstore.Apply(q, docs)
}

func filterOf(q docstore.Query) (bson.D, error) {
	if len(q.Filters) == 0 {
		return bson.D{}, nil
	}
	obj, err := q.FilterObject()
	if err != nil {
		return nil, err
	}
	var values bson.D
	if err := bson.UnmarshalExtJSON(obj, false, &values); err != nil {
		return nil, fmt.Errorf("mongostore: filter: %w", err)
	}
	filter := make(bson.D, 0, len(values))
	for _, e := range values {
		filter = append(filter, bson.E{Key: "data." + e.Key, Value: e.Value})
	}
	return filter, nil
}

// RunTransaction runs fn in a session transaction with retries. Writes to
// documents read by fn are conditioned on the version that was read.
func (s *Store) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	return s.policy.Run(ctx, func(ctx context.Context) error {
		sess, err := s.client.StartSession()
		if err != nil {
			return err
		}
		defer sess.EndSession(context.Background())

		return mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
			if err := sess.StartTransaction(); err != nil {
				return err
			}
			tx := &transaction{store: s, reads: make(map[key]int64)}
			err := fn(sc, tx)
			if err == nil {
				err = s.apply(sc, tx.reads, tx.writes)
			}
			if err == nil {
				err = sess.CommitTransaction(sc)
			}
			if err != nil {
				_ = sess.AbortTransaction(context.Background())
				return classify(err)
			}
			return nil
		})
	})
}

// RunBatch applies writes atomically without preconditions
func (s *Store) RunBatch(ctx context.Context, writes []docstore.Write) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(context.Background())

	err = mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		if err := sess.StartTransaction(); err != nil {
			return err
		}
		err := s.apply(sc, nil, writes)
		if err == nil {
			err = sess.CommitTransaction(sc)
		}
		if err != nil {
			_ = sess.AbortTransaction(context.Background())
			return classify(err)
		}
		return nil
	})
	if errors.Is(err, docstore.ErrTxConflict) {
		return apperr.Conflict("batch rejected: %v", err)
	}
	return err
}

func (s *Store) apply(ctx context.Context, reads map[key]int64, writes []docstore.Write) error {
	if len(writes) == 0 {
		return nil
	}
	now := s.clock.Next()

	for _, w := range writes {
		raw, err := docstore.Encode(w.Doc, now)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", w.Collection, w.ID, err)
		}
		var data bson.D
		if err := bson.UnmarshalExtJSON(raw, false, &data); err != nil {
			return fmt.Errorf("convert %s/%s: %w", w.Collection, w.ID, err)
		}

		coll := s.db.Collection(w.Collection)
		version, read := reads[key{w.Collection, w.ID}]
		switch {
		case w.Create || (read && version == 0):
			_, err = coll.InsertOne(ctx, record{ID: w.ID, Raw: string(raw), Data: data, Version: 1})
		case read:
			var res *mongo.UpdateResult
			res, err = coll.UpdateOne(ctx,
				bson.D{{Key: "_id", Value: w.ID}, {Key: "version", Value: version}},
				bson.D{
					{Key: "$set", Value: bson.D{{Key: "raw", Value: string(raw)}, {Key: "data", Value: data}}},
					{Key: "$inc", Value: bson.D{{Key: "version", Value: 1}}},
				})
			if err == nil && res.MatchedCount == 0 {
				return fmt.Errorf("%s/%s changed since read: %w", w.Collection, w.ID, docstore.ErrTxConflict)
			}
		default:
			_, err = coll.UpdateOne(ctx,
				bson.D{{Key: "_id", Value: w.ID}},
				bson.D{
					{Key: "$set", Value: bson.D{{Key: "raw", Value: string(raw)}, {Key: "data", Value: data}}},
					{Key: "$inc", Value: bson.D{{Key: "version", Value: 1}}},
				},
				options.Update().SetUpsert(true))
		}
		if err != nil {
			return fmt.Errorf("write %s/%s: %w", w.Collection, w.ID, classify(err))
		}
	}
	return nil
}

// classify maps write conflicts, transient transaction errors and duplicate
// keys to docstore.ErrTxConflict
func classify(err error) error {
	if err == nil || errors.Is(err, docstore.ErrTxConflict) {
		return err
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%v: %w", err, docstore.ErrTxConflict)
	}
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorCode(codeWriteConflict) || se.HasErrorLabel("TransientTransactionError")) {
		return fmt.Errorf("%v: %w", err, docstore.ErrTxConflict)
	}
	return err
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
	var rec record
	err := t.store.db.Collection(collection).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&rec)

	k := key{collection, id}
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, seen := t.reads[k]; !seen {
			t.reads[k] = 0
		}
		return apperr.NotFound("%s/%s", collection, id)
	}
	if err != nil {
		return classify(err)
	}
	if _, seen := t.reads[k]; !seen {
		t.reads[k] = rec.Version
	}
	return docstore.Decode([]byte(rec.Raw), dest)
}

func (t *transaction) Create(collection, id string, doc any) {
	t.writes = append(t.writes, docstore.CreateWrite(collection, id, doc))
}

func (t *transaction) Set(collection, id string, doc any) {
	t.writes = append(t.writes, docstore.SetWrite(collection, id, doc))
}
