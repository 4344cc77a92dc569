package docstore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Document is a read-only snapshot of a stored document.
type Document struct {
	Collection string
	ID         string
	Data       Fields
	// Version increases by one on every write to the document.
	Version    int64
	UpdateTime time.Time

	raw []byte
}

// DataTo decodes the document body into v, honouring bson struct tags.
func (d *Document) DataTo(v any) error {
	raw := d.raw
	if raw == nil {
		b, err := encodeFields(d.Data)
		if err != nil {
			return err
		}
		raw = b
	}
	return bson.Unmarshal(raw, v)
}

// Has reports whether the document carries a field.
func (d *Document) Has(field string) bool {
	_, ok := d.Data[field]
	return ok
}

// record is the engine-level representation of a document.
type record struct {
	Collection string
	ID         string
	Data       []byte
	Version    int64
	UpdateTime time.Time
}

func (r *record) document() (*Document, error) {
	data, err := decodeFields(r.Data)
	if err != nil {
		return nil, err
	}
	return &Document{
		Collection: r.Collection,
		ID:         r.ID,
		Data:       data,
		Version:    r.Version,
		UpdateTime: r.UpdateTime,
		raw:        r.Data,
	}, nil
}

type mutation struct {
	record
	deleted bool
}

type readFunc func(collection, id string) (*record, error)

// engine persists records. commit must hold a write lock (or transaction) for the whole
// prepare call so that reads inside prepare and the returned mutations are atomic.
type engine interface {
	get(ctx context.Context, collection, id string) (*record, error)
	list(ctx context.Context, collection string) ([]*record, error)
	commit(ctx context.Context, prepare func(read readFunc) ([]*mutation, error)) error
	close() error
}

// changeSource is implemented by engines that can observe commits made through other
// handles, such as another process sharing the sqlite file or the mongo cluster. changed
// receives the touched collection, or "" when the engine cannot tell which one. watch
// returns nil once ctx is done.
type changeSource interface {
	watch(ctx context.Context, pollEvery time.Duration, changed func(collection string)) error
}

func encodeFields(f Fields) ([]byte, error) {
	if f == nil {
		f = Fields{}
	}
	return bson.Marshal(map[string]any(f))
}

func decodeFields(raw []byte) (Fields, error) {
	m := bson.M{}
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	out := make(Fields, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case primitive.DateTime:
			out[k] = x.Time().UTC()
		case int32:
			out[k] = int64(x)
		default:
			out[k] = v
		}
	}
	return out, nil
}
