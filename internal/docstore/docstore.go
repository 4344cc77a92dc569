// Package docstore is a small document database with real-time query subscriptions.
//
// It offers point reads and writes, filtered and ordered queries, atomic batches,
// optimistic serializable transactions and live queries that push an initial snapshot
// followed by incremental added/modified/removed diffs. Storage is delegated to an engine
// (memory, sqlite or mongo); every engine stores document bodies as BSON.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by Update when the target document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrAborted is returned when a transaction lost a race with a concurrent writer
	// more times than the retry budget allows.
	ErrAborted = errors.New("docstore: transaction aborted by concurrent write")
	// ErrFailedPrecondition is returned for ordered queries that no declared index covers.
	ErrFailedPrecondition = errors.New("docstore: query requires an index")
	// ErrPermissionDenied is returned when an access rule rejects an operation.
	ErrPermissionDenied = errors.New("docstore: permission denied")
	// ErrUnavailable wraps transient engine failures (busy database, network).
	ErrUnavailable = errors.New("docstore: store unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("docstore: closed")
)

// Fields holds the top-level fields of a document.
type Fields map[string]any

type serverTimestamp struct{}

// ServerTimestamp may be used as a field value in any write. It is replaced at commit
// time by the store clock, which is strictly increasing across commits.
var ServerTimestamp = serverTimestamp{}

// Access distinguishes reads from writes for access rules.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
)

func (a Access) String() string {
	if a == AccessWrite {
		return "write"
	}
	return "read"
}

// AccessRule may veto an operation on a collection. Returned errors are reported as
// ErrPermissionDenied.
type AccessRule func(ctx context.Context, collection string, access Access) error

// Index declares a composite index over the given fields of a collection.
type Index struct {
	Collection string
	Fields     []string
}

// DB is a document database handle. It is safe for concurrent use.
type DB struct {
	engine      engine
	now         func() time.Time
	rule        AccessRule
	indexes     []Index
	enforce     bool
	maxAttempts int
	pollEvery   time.Duration

	clockMu sync.Mutex
	last    time.Time

	feedMu    sync.Mutex
	listeners map[*listener]struct{}
	closed    bool

	stopWatch func()
	watchDone chan struct{}
}

// Option customizes a DB.
type Option func(*DB)

// WithClock overrides the wall clock used for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(db *DB) {
		if now != nil {
			db.now = now
		}
	}
}

// WithIndexes declares composite indexes and turns on index enforcement: ordered
// queries over several fields then fail with ErrFailedPrecondition unless covered.
func WithIndexes(idx ...Index) Option {
	return func(db *DB) {
		db.indexes = append(db.indexes, idx...)
		db.enforce = true
	}
}

// WithAccessRule installs an access rule evaluated on every read and write.
func WithAccessRule(rule AccessRule) Option {
	return func(db *DB) { db.rule = rule }
}

// WithPollInterval sets how often the sqlite engine checks for commits made by other
// connections. Other engines push changes and ignore it.
func WithPollInterval(d time.Duration) Option {
	return func(db *DB) {
		if d > 0 {
			db.pollEvery = d
		}
	}
}

// WithMaxAttempts bounds how many times RunTransaction retries on conflict.
func WithMaxAttempts(n int) Option {
	return func(db *DB) {
		if n > 0 {
			db.maxAttempts = n
		}
	}
}

func newDB(e engine, opts ...Option) *DB {
	db := &DB{
		engine:      e,
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		pollEvery:   250 * time.Millisecond,
		listeners:   make(map[*listener]struct{}),
	}
	for _, opt := range opts {
		opt(db)
	}
	if src, ok := e.(changeSource); ok {
		ctx, cancel := context.WithCancel(context.Background())
		db.stopWatch = cancel
		db.watchDone = make(chan struct{})
		go db.watchExternal(ctx, src)
	}
	return db
}

// watchExternal feeds commits made outside this handle into the listeners. A broken
// watch is reopened with backoff; every (re)open wakes all listeners so nothing written
// while it was down is missed.
func (db *DB) watchExternal(ctx context.Context, src changeSource) {
	defer close(db.watchDone)
	backoff := 500 * time.Millisecond
	for {
		err := src.watch(ctx, db.pollEvery, db.notifyExternal)
		if ctx.Err() != nil {
			return
		}
		log.Printf("docstore: change watch: %v (retrying in %s)", err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

// NewID returns a new random document id.
func NewID() string {
	return uuid.NewString()
}

// Close stops every listener and releases the engine.
func (db *DB) Close() error {
	db.feedMu.Lock()
	if db.closed {
		db.feedMu.Unlock()
		return nil
	}
	db.closed = true
	ls := make([]*listener, 0, len(db.listeners))
	for l := range db.listeners {
		ls = append(ls, l)
	}
	db.feedMu.Unlock()
	for _, l := range ls {
		l.unsubscribe()
	}
	if db.stopWatch != nil {
		db.stopWatch()
		<-db.watchDone
	}
	return db.engine.close()
}

func (db *DB) isClosed() bool {
	db.feedMu.Lock()
	defer db.feedMu.Unlock()
	return db.closed
}

// stamp returns the commit timestamp for the next commit.
func (db *DB) stamp() time.Time {
	db.clockMu.Lock()
	defer db.clockMu.Unlock()
	t := db.now().UTC().Truncate(time.Millisecond)
	if !t.After(db.last) {
		t = db.last.Add(time.Millisecond)
	}
	db.last = t
	return t
}

func (db *DB) check(ctx context.Context, collection string, access Access) error {
	if db.rule == nil {
		return nil
	}
	if err := db.rule(ctx, collection, access); err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return nil
}

// Get fetches a document. It returns nil, nil when the document does not exist.
func (db *DB) Get(ctx context.Context, collection, id string) (*Document, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}
	if err := db.check(ctx, collection, AccessRead); err != nil {
		return nil, err
	}
	rec, err := db.engine.get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return rec.document()
}

// Add creates a document with a store-assigned id and returns the id.
func (db *DB) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	id := NewID()
	if err := db.Set(ctx, collection, id, fields, false); err != nil {
		return "", err
	}
	return id, nil
}

// Update merges fields into an existing document. It fails with ErrNotFound if the
// document does not exist.
func (db *DB) Update(ctx context.Context, collection, id string, fields Fields) error {
	return db.commit(ctx, []write{{kind: writeUpdate, collection: collection, id: id, fields: fields}}, nil)
}

// Set writes a document, replacing it, or merging into it when merge is true.
// Missing documents are created either way.
func (db *DB) Set(ctx context.Context, collection, id string, fields Fields, merge bool) error {
	kind := writeSet
	if merge {
		kind = writeMerge
	}
	return db.commit(ctx, []write{{kind: kind, collection: collection, id: id, fields: fields}}, nil)
}

// Delete removes a document. Deleting a missing document is not an error.
func (db *DB) Delete(ctx context.Context, collection, id string) error {
	return db.commit(ctx, []write{{kind: writeDelete, collection: collection, id: id}}, nil)
}

// Query runs q once and returns the matching documents.
func (db *DB) Query(ctx context.Context, q Query) ([]*Document, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}
	if err := db.check(ctx, q.Collection, AccessRead); err != nil {
		return nil, err
	}
	return db.run(ctx, q)
}

func (db *DB) run(ctx context.Context, q Query) ([]*Document, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if err := db.checkIndex(q); err != nil {
		return nil, err
	}
	recs, err := db.engine.list(ctx, q.Collection)
	if err != nil {
		return nil, err
	}
	docs := make([]*Document, 0, len(recs))
	for _, rec := range recs {
		d, err := rec.document()
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", rec.Collection, rec.ID, err)
		}
		if q.matches(d) {
			docs = append(docs, d)
		}
	}
	q.sort(docs)
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

type writeKind int

const (
	writeSet writeKind = iota
	writeMerge
	writeUpdate
	writeDelete
)

type write struct {
	kind       writeKind
	collection string
	id         string
	fields     Fields
}

type docKey struct {
	collection string
	id         string
}

// precondition requires a document to still be at the version a transaction read.
// Version 0 means the document did not exist.
type precondition struct {
	key     docKey
	version int64
}

type pendingDoc struct {
	key         docKey
	data        Fields
	exists      bool
	baseVersion int64
}

// commit applies writes atomically after re-validating preconditions, then wakes the
// listeners of every touched collection.
func (db *DB) commit(ctx context.Context, writes []write, preconds []precondition) error {
	if db.isClosed() {
		return ErrClosed
	}
	if len(writes) == 0 {
		return nil
	}
	touched := make(map[string]struct{})
	for _, w := range writes {
		if w.collection == "" || w.id == "" {
			return errors.New("docstore: collection and id are required")
		}
		if _, ok := touched[w.collection]; ok {
			continue
		}
		if err := db.check(ctx, w.collection, AccessWrite); err != nil {
			return err
		}
		touched[w.collection] = struct{}{}
	}

	err := db.engine.commit(ctx, func(read readFunc) ([]*mutation, error) {
		for _, p := range preconds {
			rec, err := read(p.key.collection, p.key.id)
			if err != nil {
				return nil, err
			}
			var v int64
			if rec != nil {
				v = rec.Version
			}
			if v != p.version {
				return nil, ErrAborted
			}
		}
		now := db.stamp()
		docs := make(map[docKey]*pendingDoc)
		var order []*pendingDoc
		for _, w := range writes {
			k := docKey{w.collection, w.id}
			pd, ok := docs[k]
			if !ok {
				pd = &pendingDoc{key: k}
				rec, err := read(w.collection, w.id)
				if err != nil {
					return nil, err
				}
				if rec != nil {
					data, err := decodeFields(rec.Data)
					if err != nil {
						return nil, fmt.Errorf("decode %s/%s: %w", w.collection, w.id, err)
					}
					pd.data, pd.exists, pd.baseVersion = data, true, rec.Version
				}
				docs[k] = pd
				order = append(order, pd)
			}
			next, exists, err := applyWrite(pd.data, pd.exists, w, now)
			if err != nil {
				return nil, err
			}
			pd.data, pd.exists = next, exists
		}
		muts := make([]*mutation, 0, len(order))
		for _, pd := range order {
			if !pd.exists {
				if pd.baseVersion == 0 {
					continue
				}
				muts = append(muts, &mutation{record: record{Collection: pd.key.collection, ID: pd.key.id}, deleted: true})
				continue
			}
			raw, err := encodeFields(pd.data)
			if err != nil {
				return nil, fmt.Errorf("encode %s/%s: %w", pd.key.collection, pd.key.id, err)
			}
			muts = append(muts, &mutation{record: record{
				Collection: pd.key.collection,
				ID:         pd.key.id,
				Data:       raw,
				Version:    pd.baseVersion + 1,
				UpdateTime: now,
			}})
		}
		return muts, nil
	})
	if err != nil {
		return err
	}
	db.notify(touched)
	return nil
}

func applyWrite(cur Fields, exists bool, w write, now time.Time) (Fields, bool, error) {
	switch w.kind {
	case writeSet:
		return resolve(w.fields, now), true, nil
	case writeUpdate:
		if !exists {
			return nil, false, fmt.Errorf("%w: %s/%s", ErrNotFound, w.collection, w.id)
		}
		fallthrough
	case writeMerge:
		merged := make(Fields, len(cur)+len(w.fields))
		for k, v := range cur {
			merged[k] = v
		}
		for k, v := range resolve(w.fields, now) {
			merged[k] = v
		}
		return merged, true, nil
	case writeDelete:
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("docstore: unknown write kind %d", w.kind)
}

// resolve copies fields, replacing ServerTimestamp sentinels with now.
func resolve(fields Fields, now time.Time) Fields {
	out := make(Fields, len(fields))
	for k, v := range fields {
		switch x := v.(type) {
		case serverTimestamp:
			out[k] = now
		case Fields:
			out[k] = resolve(x, now)
		case map[string]any:
			out[k] = resolve(Fields(x), now)
		default:
			out[k] = v
		}
	}
	return out
}
