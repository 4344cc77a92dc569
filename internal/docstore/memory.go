package docstore

import (
	"context"
	"sync"
)

// memoryEngine keeps records in process memory. It backs tests and the in-memory
// backend; nothing survives a restart.
type memoryEngine struct {
	mu   sync.RWMutex
	data map[string]map[string]*record
}

// NewMemory returns an empty in-memory DB.
func NewMemory(opts ...Option) *DB {
	return newDB(&memoryEngine{data: make(map[string]map[string]*record)}, opts...)
}

func (e *memoryEngine) get(_ context.Context, collection, id string) (*record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lookup(collection, id), nil
}

func (e *memoryEngine) lookup(collection, id string) *record {
	r, ok := e.data[collection][id]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

func (e *memoryEngine) list(_ context.Context, collection string) ([]*record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*record, 0, len(e.data[collection]))
	for _, r := range e.data[collection] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (e *memoryEngine) commit(_ context.Context, prepare func(read readFunc) ([]*mutation, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	muts, err := prepare(func(collection, id string) (*record, error) {
		return e.lookup(collection, id), nil
	})
	if err != nil {
		return err
	}
	for _, m := range muts {
		if m.deleted {
			delete(e.data[m.Collection], m.ID)
			continue
		}
		coll, ok := e.data[m.Collection]
		if !ok {
			coll = make(map[string]*record)
			e.data[m.Collection] = coll
		}
		r := m.record
		coll[m.ID] = &r
	}
	return nil
}

func (e *memoryEngine) close() error { return nil }
