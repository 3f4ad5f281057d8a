// Package store defines the document-store abstraction the service is built
// on: typed reads, writes, queries, transactions and batches over named
// collections of JSON documents.
//
// Two implementations exist: postgres (production, one JSONB table per
// collection) and memstore (tests and local runs). Both enforce the same
// contracts:
//
//   - Query filters are conjunctive; supported operators are ==, >=, <=,
//     array-contains and in.
//   - QueryIn batches its value list by MaxInValues per underlying query.
//   - Batches commit at most MaxBatchOps operations atomically, and a
//     committed batch is terminal.
//   - RunTransaction retries on ErrUnavailable with backoff before giving up.
package store

import "context"

const (
	// MaxBatchOps is the largest number of operations a single batch commit
	// may carry.
	MaxBatchOps = 500

	// MaxInValues caps the number of values one "in" query may probe;
	// QueryIn splits larger value lists into chunks of this size.
	MaxInValues = 30
)

// Doc is one document: its id within the collection plus the decoded JSON
// body. Data is the raw map form; package model converts to tagged records
// and validates at the boundary.
type Doc struct {
	ID   string
	Data map[string]any
}

// Op is a query filter operator.
type Op string

const (
	OpEqual          Op = "=="
	OpGreaterOrEqual Op = ">="
	OpLessOrEqual    Op = "<="
	// OpArrayContains matches documents whose named field is an array
	// containing the filter value.
	OpArrayContains Op = "array-contains"
)

// Filter is a single field predicate.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query describes a conjunctive filtered read over one collection.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Where returns a Query with a single filter; chain And for more.
func Where(field string, op Op, value any) Query {
	return Query{Filters: []Filter{{Field: field, Op: op, Value: value}}}
}

// And appends a filter and returns the query for chaining.
func (q Query) And(field string, op Op, value any) Query {
	q.Filters = append(q.Filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// Ordered sets the sort field and direction.
func (q Query) Ordered(field string, desc bool) Query {
	q.OrderBy = field
	q.Desc = desc
	return q
}

// Limited caps the result size.
func (q Query) Limited(n int) Query {
	q.Limit = n
	return q
}

// Reader is the read half shared by Store and Tx.
type Reader interface {
	// Get returns the document or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Doc, error)

	// Query returns all matching documents. A missing field never matches.
	Query(ctx context.Context, collection string, q Query) ([]Doc, error)

	// QueryIn returns documents whose field equals any of the values,
	// batching by MaxInValues. Order across chunks is unspecified.
	QueryIn(ctx context.Context, collection, field string, values []string) ([]Doc, error)
}

// Writer is the write half shared by Store and Tx.
type Writer interface {
	// Set writes the document. With merge the data map is shallow-merged
	// into any existing document; without, it replaces it entirely.
	Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error

	// Update shallow-merges patch into an existing document, or returns
	// ErrNotFound.
	Update(ctx context.Context, collection, id string, patch map[string]any) error

	// Delete removes the document. Deleting an absent document is not an
	// error.
	Delete(ctx context.Context, collection, id string) error
}

// Tx is the view passed to RunTransaction callbacks.
type Tx interface {
	Reader
	Writer
}

// Batch accumulates writes to be committed atomically.
type Batch interface {
	Set(collection, id string, data map[string]any, merge bool) error
	Update(collection, id string, patch map[string]any) error
	Delete(collection, id string) error

	// Len reports the number of accumulated operations.
	Len() int

	// Commit applies all operations atomically. Commit is terminal: any
	// further Set/Update/Delete/Commit returns ErrBatchCommitted.
	Commit(ctx context.Context) error
}

// Store is the full document-store surface.
type Store interface {
	Reader
	Writer

	// RunTransaction executes fn against a transactional view. The callback
	// may run more than once: implementations retry on ErrUnavailable and
	// on serialization conflicts, so fn must be free of external side
	// effects.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error

	// Batch returns a new empty write batch.
	Batch() Batch

	// Observe emits snapshot lists for the query until ctx is cancelled.
	// The first snapshot is the current result set; subsequent ones follow
	// observed changes. The channel closes on cancellation.
	Observe(ctx context.Context, collection string, q Query) (<-chan []Doc, error)
}
