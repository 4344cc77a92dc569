package docstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ChangeType classifies a document change between two snapshots.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeModified
	ChangeRemoved
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	}
	return "unknown"
}

// Change is one document change. For removals Doc is the last version the listener saw.
type Change struct {
	Type ChangeType
	Doc  *Document
}

// Snapshot is the full result set of a live query plus the changes since the previous
// snapshot. The first snapshot reports every document as added.
type Snapshot struct {
	Docs     []*Document
	Changes  []Change
	ReadTime time.Time
}

// Listen runs q as a live query. onSnapshot receives an initial snapshot and then one
// snapshot per observed change; bursts of writes may be coalesced into one snapshot.
// Callbacks for one listener never run concurrently. If the query fails, onError is
// called once and the listener stops. The listener also stops when ctx is done.
//
// The returned function unsubscribes; it is idempotent and safe to call from inside a
// callback.
func (db *DB) Listen(ctx context.Context, q Query, onSnapshot func(*Snapshot), onError func(error)) (unsubscribe func()) {
	lctx, cancel := context.WithCancel(ctx)
	l := &listener{
		db:         db,
		q:          q,
		onSnapshot: onSnapshot,
		onError:    onError,
		ctx:        lctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
	}

	db.feedMu.Lock()
	if db.closed {
		db.feedMu.Unlock()
		cancel()
		if onError != nil {
			onError(ErrClosed)
		}
		return func() {}
	}
	db.listeners[l] = struct{}{}
	db.feedMu.Unlock()

	if err := db.check(ctx, q.Collection, AccessRead); err != nil {
		l.unsubscribe()
		if onError != nil {
			onError(err)
		}
		return func() {}
	}

	l.wake <- struct{}{}
	go l.run()
	return l.unsubscribe
}

type listener struct {
	db         *DB
	q          Query
	onSnapshot func(*Snapshot)
	onError    func(error)

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	once   sync.Once

	last    map[string]*Document
	started bool
}

func (l *listener) unsubscribe() {
	l.once.Do(func() {
		l.cancel()
		l.db.feedMu.Lock()
		delete(l.db.listeners, l)
		l.db.feedMu.Unlock()
	})
}

func (l *listener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *listener) run() {
	defer l.unsubscribe()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.wake:
		}
		docs, err := l.db.run(l.ctx, l.q)
		if l.ctx.Err() != nil {
			return
		}
		if err != nil {
			if l.onError != nil {
				l.onError(err)
			}
			return
		}
		if snap := l.diff(docs); snap != nil && l.ctx.Err() == nil {
			l.onSnapshot(snap)
		}
	}
}

// diff computes the changes from the previous result set. It returns nil when nothing
// changed after the initial snapshot.
func (l *listener) diff(docs []*Document) *Snapshot {
	next := make(map[string]*Document, len(docs))
	var changes []Change
	for _, d := range docs {
		next[d.ID] = d
	}
	var removed []string
	for id := range l.last {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		changes = append(changes, Change{Type: ChangeRemoved, Doc: l.last[id]})
	}
	for _, d := range docs {
		prev, ok := l.last[d.ID]
		switch {
		case !ok:
			changes = append(changes, Change{Type: ChangeAdded, Doc: d})
		case prev.Version != d.Version:
			changes = append(changes, Change{Type: ChangeModified, Doc: d})
		}
	}
	first := !l.started
	l.started = true
	l.last = next
	if !first && len(changes) == 0 {
		return nil
	}
	return &Snapshot{Docs: docs, Changes: changes, ReadTime: time.Now().UTC()}
}

// notify wakes every listener on one of the given collections.
func (db *DB) notify(collections map[string]struct{}) {
	db.feedMu.Lock()
	defer db.feedMu.Unlock()
	for l := range db.listeners {
		if _, ok := collections[l.q.Collection]; ok {
			l.signal()
		}
	}
}

// notifyExternal wakes the listeners of collection, or every listener when collection
// is empty.
func (db *DB) notifyExternal(collection string) {
	db.feedMu.Lock()
	defer db.feedMu.Unlock()
	for l := range db.listeners {
		if collection == "" || l.q.Collection == collection {
			l.signal()
		}
	}
}

// IsTerminal reports whether a listener error is permanent, meaning re-subscribing with
// the same query will fail the same way.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrFailedPrecondition) || errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrClosed)
}
