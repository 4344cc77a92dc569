package docstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	defaultMaxAttempts = 25
	retryBase          = 5 * time.Millisecond
	retryCap           = 250 * time.Millisecond
)

// retryDelay is an exponential backoff with jitter, so transactions that collided once
// do not collide again on the next attempt.
func retryDelay(attempt int) time.Duration {
	d := retryCap
	if attempt < 8 {
		d = min(retryBase<<(attempt-1), retryCap)
	}
	return d/2 + rand.N(d/2)
}

// Batch groups writes that commit atomically: either all apply or none do.
type Batch struct {
	db     *DB
	writes []write
}

// Batch starts an empty write batch.
func (db *DB) Batch() *Batch {
	return &Batch{db: db}
}

// Set queues a replacing (or, with merge, merging) write.
func (b *Batch) Set(collection, id string, fields Fields, merge bool) *Batch {
	kind := writeSet
	if merge {
		kind = writeMerge
	}
	b.writes = append(b.writes, write{kind: kind, collection: collection, id: id, fields: fields})
	return b
}

// Update queues a merge into a document that must exist when the batch commits.
func (b *Batch) Update(collection, id string, fields Fields) *Batch {
	b.writes = append(b.writes, write{kind: writeUpdate, collection: collection, id: id, fields: fields})
	return b
}

// Delete queues a delete.
func (b *Batch) Delete(collection, id string) *Batch {
	b.writes = append(b.writes, write{kind: writeDelete, collection: collection, id: id})
	return b
}

// Len returns the number of queued writes.
func (b *Batch) Len() int { return len(b.writes) }

// Commit applies the queued writes atomically.
func (b *Batch) Commit(ctx context.Context) error {
	return b.db.commit(ctx, b.writes, nil)
}

// Tx is an optimistic transaction. Every document read through the Tx must be unchanged
// at commit time, otherwise the attempt is aborted and retried.
type Tx struct {
	db     *DB
	ctx    context.Context
	reads  map[docKey]int64
	writes []write
}

// Get reads a document inside the transaction. It returns nil, nil when the document
// does not exist; its absence is then part of the transaction's read set.
func (tx *Tx) Get(collection, id string) (*Document, error) {
	if len(tx.writes) > 0 {
		return nil, errors.New("docstore: transaction reads must precede writes")
	}
	d, err := tx.db.Get(tx.ctx, collection, id)
	if err != nil {
		return nil, err
	}
	var v int64
	if d != nil {
		v = d.Version
	}
	k := docKey{collection, id}
	if prev, ok := tx.reads[k]; ok && prev != v {
		return nil, ErrAborted
	}
	tx.reads[k] = v
	return d, nil
}

// Set queues a replacing (or merging) write.
func (tx *Tx) Set(collection, id string, fields Fields, merge bool) {
	kind := writeSet
	if merge {
		kind = writeMerge
	}
	tx.writes = append(tx.writes, write{kind: kind, collection: collection, id: id, fields: fields})
}

// Update queues a merge into an existing document.
func (tx *Tx) Update(collection, id string, fields Fields) {
	tx.writes = append(tx.writes, write{kind: writeUpdate, collection: collection, id: id, fields: fields})
}

// Delete queues a delete.
func (tx *Tx) Delete(collection, id string) {
	tx.writes = append(tx.writes, write{kind: writeDelete, collection: collection, id: id})
}

func (tx *Tx) preconditions() []precondition {
	out := make([]precondition, 0, len(tx.reads))
	for k, v := range tx.reads {
		out = append(out, precondition{key: k, version: v})
	}
	return out
}

// RunTransaction runs fn and commits its writes atomically, provided nothing fn read
// changed in the meantime. On conflict fn is run again, up to the configured number of
// attempts. An error returned by fn aborts the transaction without retry.
func (db *DB) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	var err error
	for attempt := 1; attempt <= db.maxAttempts; attempt++ {
		tx := &Tx{db: db, ctx: ctx, reads: make(map[docKey]int64)}
		if err = fn(ctx, tx); err != nil {
			if errors.Is(err, ErrAborted) {
				continue
			}
			return err
		}
		err = db.commit(ctx, tx.writes, tx.preconditions())
		if !errors.Is(err, ErrAborted) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay(attempt)):
		}
	}
	return fmt.Errorf("after %d attempts: %w", db.maxAttempts, err)
}
