package docstore

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Op is a filter comparison operator.
type Op string

const (
	OpEqual        Op = "=="
	OpNotEqual     Op = "!="
	OpIn           Op = "in"
	OpLess         Op = "<"
	OpLessEqual    Op = "<="
	OpGreater      Op = ">"
	OpGreaterEqual Op = ">="
)

// Direction is a sort direction.
type Direction int

const (
	Asc Direction = iota
	Desc
)

func (d Direction) String() string {
	if d == Desc {
		return "desc"
	}
	return "asc"
}

// Filter is one field predicate of a query.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query selects documents of a single collection. Queries are values; the builder
// methods return modified copies.
type Query struct {
	Collection string
	Filters    []Filter
	OrderField string
	Dir        Direction
	Limit      int
}

// NewQuery starts a query over a collection.
func NewQuery(collection string) Query {
	return Query{Collection: collection}
}

// Where adds a filter.
func (q Query) Where(field string, op Op, value any) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// OrderBy sorts results by field. Documents missing the field are excluded.
func (q Query) OrderBy(field string, dir Direction) Query {
	q.OrderField = field
	q.Dir = dir
	return q
}

// LimitTo caps the number of results. Zero means no limit.
func (q Query) LimitTo(n int) Query {
	q.Limit = n
	return q
}

// Unordered drops the ordering, so the query never needs a composite index.
// Results come back in id order.
func (q Query) Unordered() Query {
	q.OrderField = ""
	q.Dir = Asc
	return q
}

// Ordered reports whether the query sorts on a field.
func (q Query) Ordered() bool {
	return q.OrderField != ""
}

func (q Query) String() string {
	var b strings.Builder
	b.WriteString(q.Collection)
	for _, f := range q.Filters {
		fmt.Fprintf(&b, " where %s %s %v", f.Field, f.Op, f.Value)
	}
	if q.Ordered() {
		fmt.Fprintf(&b, " order by %s %s", q.OrderField, q.Dir)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " limit %d", q.Limit)
	}
	return b.String()
}

func (q Query) validate() error {
	if q.Collection == "" {
		return errors.New("docstore: query without collection")
	}
	for _, f := range q.Filters {
		switch f.Op {
		case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		case OpIn:
			k := reflect.ValueOf(f.Value).Kind()
			if k != reflect.Slice && k != reflect.Array {
				return fmt.Errorf("docstore: %q filter on %s needs a slice", f.Op, f.Field)
			}
		default:
			return fmt.Errorf("docstore: unsupported operator %q", f.Op)
		}
	}
	return nil
}

// fields returns the distinct fields the query touches.
func (q Query) fields() []string {
	seen := map[string]bool{}
	var out []string
	add := func(f string) {
		if f != "" && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for _, f := range q.Filters {
		add(f.Field)
	}
	add(q.OrderField)
	return out
}

// checkIndex enforces declared indexes. Queries over a single field, and unordered
// queries, are always served.
func (db *DB) checkIndex(q Query) error {
	if !db.enforce || !q.Ordered() {
		return nil
	}
	need := q.fields()
	if len(need) < 2 {
		return nil
	}
	for _, idx := range db.indexes {
		if idx.Collection == q.Collection && covers(idx.Fields, need) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrFailedPrecondition, q)
}

func covers(have, need []string) bool {
	set := make(map[string]bool, len(have))
	for _, f := range have {
		set[f] = true
	}
	for _, f := range need {
		if !set[f] {
			return false
		}
	}
	return true
}

func (q Query) matches(d *Document) bool {
	for _, f := range q.Filters {
		v, ok := d.Data[f.Field]
		if !ok || !match(v, f.Op, f.Value) {
			return false
		}
	}
	if q.Ordered() {
		if _, ok := d.Data[q.OrderField]; !ok {
			return false
		}
	}
	return true
}

func match(v any, op Op, want any) bool {
	switch op {
	case OpEqual:
		return equal(v, want)
	case OpNotEqual:
		return !equal(v, want)
	case OpIn:
		rv := reflect.ValueOf(want)
		for i := 0; i < rv.Len(); i++ {
			if equal(v, rv.Index(i).Interface()) {
				return true
			}
		}
		return false
	}
	c, ok := compare(v, want)
	if !ok {
		return false
	}
	switch op {
	case OpLess:
		return c < 0
	case OpLessEqual:
		return c <= 0
	case OpGreater:
		return c > 0
	case OpGreaterEqual:
		return c >= 0
	}
	return false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, ok := compare(a, b)
	return ok && c == 0
}

func (q Query) sort(docs []*Document) {
	if !q.Ordered() {
		sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		c, ok := compare(docs[i].Data[q.OrderField], docs[j].Data[q.OrderField])
		if !ok || c == 0 {
			return docs[i].ID < docs[j].ID
		}
		if q.Dir == Desc {
			return c > 0
		}
		return c < 0
	})
}

type kind int

const (
	kindNone kind = iota
	kindBool
	kindNumber
	kindString
	kindTime
)

// normalize maps a field value onto one of the comparable kinds. Named string types
// compare as strings and every numeric type compares as a float.
func normalize(v any) (kind, any) {
	switch x := v.(type) {
	case time.Time:
		return kindTime, x
	case *time.Time:
		if x == nil {
			return kindNone, nil
		}
		return kindTime, *x
	case primitive.DateTime:
		return kindTime, x.Time()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return kindBool, rv.Bool()
	case reflect.String:
		return kindString, rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return kindNumber, float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return kindNumber, float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return kindNumber, rv.Float()
	}
	return kindNone, nil
}

// compare orders two field values. ok is false when they are not of a comparable kind.
func compare(a, b any) (c int, ok bool) {
	ka, va := normalize(a)
	kb, vb := normalize(b)
	if ka == kindNone || ka != kb {
		return 0, false
	}
	switch ka {
	case kindBool:
		x, y := va.(bool), vb.(bool)
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	case kindNumber:
		x, y := va.(float64), vb.(float64)
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case kindString:
		return strings.Compare(va.(string), vb.(string)), true
	case kindTime:
		return va.(time.Time).Compare(vb.(time.Time)), true
	}
	return 0, false
}
