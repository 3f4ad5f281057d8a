// Package memstore is the in-memory store.Store used by tests and local
// runs. Documents are normalized through a JSON round trip on write, so
// values read back with the same shapes the postgres implementation
// produces (numbers as float64, arrays as []any).
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/veilhealth/exposure-service/internal/store"
)

// Store is a mutex-guarded map of collections. The zero value is not
// usable; call New.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string]map[string]any

	// pollInterval drives Observe. Tests shorten it.
	pollInterval time.Duration
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		data:         make(map[string]map[string]map[string]any),
		pollInterval: 50 * time.Millisecond,
	}
}

// normalize deep-copies v through JSON so stored documents share the value
// shapes of the production store and never alias caller memory.
func normalize(v map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: document not serializable", store.ErrInvalidArgument)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: document not serializable", store.ErrInvalidArgument)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Doc, error) {
	if err := ctx.Err(); err != nil {
		return store.Doc{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLocked(s.data, collection, id)
}

func (s *Store) Query(ctx context.Context, collection string, q store.Query) ([]store.Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryLocked(s.data, collection, q)
}

func (s *Store) QueryIn(ctx context.Context, collection, field string, values []string) ([]store.Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryInLocked(s.data, collection, field, values)
}

func (s *Store) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return setLocked(s.data, collection, id, data, merge)
}

func (s *Store) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateLocked(s.data, collection, id, patch)
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleteLocked(s.data, collection, id)
	return nil
}

// RunTransaction serializes transactions with the store's write lock and
// stages writes in an overlay that is applied only when fn succeeds. A fn
// returning ErrUnavailable is retried a few times to match the production
// contract.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx store.Tx) error) error {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.runOnce(fn)
		if err == nil || !store.IsRetryable(err) {
			return err
		}
		time.Sleep(time.Duration(i+1) * 5 * time.Millisecond)
	}
	return err
}

func (s *Store) runOnce(fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{base: s.data, staged: make(map[string]map[string]stagedDoc)}
	if err := fn(tx); err != nil {
		return err
	}
	tx.apply(s.data)
	return nil
}

func (s *Store) Batch() store.Batch {
	return &memBatch{store: s}
}

// Observe polls the query and emits a snapshot whenever the result set
// changes. Delivery waits for the receiver, so a slow consumer sees a
// coalesced latest state rather than every intermediate write.
func (s *Store) Observe(ctx context.Context, collection string, q store.Query) (<-chan []store.Doc, error) {
	out := make(chan []store.Doc, 1)

	first, err := s.Query(ctx, collection, q)
	if err != nil {
		close(out)
		return out, err
	}
	out <- first
	last := snapshotKey(first)

	go func() {
		defer close(out)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			docs, err := s.Query(ctx, collection, q)
			if err != nil {
				return
			}
			key := snapshotKey(docs)
			if key == last {
				continue
			}
			last = key
			select {
			case <-ctx.Done():
				return
			case out <- docs:
			}
		}
	}()
	return out, nil
}

func snapshotKey(docs []store.Doc) string {
	var b strings.Builder
	for _, d := range docs {
		raw, _ := json.Marshal(d.Data)
		b.WriteString(d.ID)
		b.WriteByte(':')
		b.Write(raw)
		b.WriteByte('\n')
	}
	return b.String()
}

// ── shared read/write primitives ──────────────────────────────────────────

func getLocked(data map[string]map[string]map[string]any, collection, id string) (store.Doc, error) {
	doc, ok := data[collection][id]
	if !ok {
		return store.Doc{}, fmt.Errorf("%w: %s/%s", store.ErrNotFound, collection, id)
	}
	copied, err := normalize(doc)
	if err != nil {
		return store.Doc{}, err
	}
	return store.Doc{ID: id, Data: copied}, nil
}

func queryLocked(data map[string]map[string]map[string]any, collection string, q store.Query) ([]store.Doc, error) {
	var out []store.Doc
	for id, doc := range data[collection] {
		ok, err := matches(doc, q.Filters)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		copied, err := normalize(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, store.Doc{ID: id, Data: copied})
	}
	sortDocs(out, q)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func queryInLocked(data map[string]map[string]map[string]any, collection, field string, values []string) ([]store.Doc, error) {
	if len(values) == 0 {
		return nil, nil
	}
	want := make(map[string]struct{}, len(values))
	for _, v := range values {
		want[v] = struct{}{}
	}
	var out []store.Doc
	for id, doc := range data[collection] {
		fv, ok := doc[field]
		if !ok {
			continue
		}
		s, ok := fv.(string)
		if !ok {
			continue
		}
		if _, hit := want[s]; !hit {
			continue
		}
		copied, err := normalize(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, store.Doc{ID: id, Data: copied})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func setLocked(data map[string]map[string]map[string]any, collection, id string, doc map[string]any, merge bool) error {
	normalized, err := normalize(doc)
	if err != nil {
		return err
	}
	coll := data[collection]
	if coll == nil {
		coll = make(map[string]map[string]any)
		data[collection] = coll
	}
	if merge {
		if existing, ok := coll[id]; ok {
			for k, v := range normalized {
				existing[k] = v
			}
			return nil
		}
	}
	coll[id] = normalized
	return nil
}

func updateLocked(data map[string]map[string]map[string]any, collection, id string, patch map[string]any) error {
	existing, ok := data[collection][id]
	if !ok {
		return fmt.Errorf("%w: %s/%s", store.ErrNotFound, collection, id)
	}
	normalized, err := normalize(patch)
	if err != nil {
		return err
	}
	for k, v := range normalized {
		existing[k] = v
	}
	return nil
}

func deleteLocked(data map[string]map[string]map[string]any, collection, id string) {
	delete(data[collection], id)
}

// ── query matching ────────────────────────────────────────────────────────

func matches(doc map[string]any, filters []store.Filter) (bool, error) {
	for _, f := range filters {
		fv, ok := doc[f.Field]
		if !ok {
			return false, nil
		}
		hit, err := evalFilter(fv, f)
		if err != nil {
			return false, err
		}
		if !hit {
			return false, nil
		}
	}
	return true, nil
}

func evalFilter(fieldValue any, f store.Filter) (bool, error) {
	switch f.Op {
	case store.OpEqual:
		return valuesEqual(fieldValue, f.Value), nil
	case store.OpGreaterOrEqual:
		cmp, ok := compareValues(fieldValue, f.Value)
		return ok && cmp >= 0, nil
	case store.OpLessOrEqual:
		cmp, ok := compareValues(fieldValue, f.Value)
		return ok && cmp <= 0, nil
	case store.OpArrayContains:
		arr, ok := fieldValue.([]any)
		if !ok {
			return false, nil
		}
		for _, el := range arr {
			if valuesEqual(el, f.Value) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("%w: unsupported operator %q", store.ErrInvalidArgument, f.Op)
	}
}

func valuesEqual(a, b any) bool {
	if na, aok := asFloat(a); aok {
		nb, bok := asFloat(b)
		return bok && na == nb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return false
}

// compareValues orders two scalars of the same kind. The bool result is
// false when the values are not comparable.
func compareValues(a, b any) (int, bool) {
	if na, aok := asFloat(a); aok {
		nb, bok := asFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case na < nb:
			return -1, true
		case na > nb:
			return 1, true
		}
		return 0, true
	}
	av, aok := a.(string)
	bv, bok := b.(string)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(av, bv), true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func sortDocs(docs []store.Doc, q store.Query) {
	sort.Slice(docs, func(i, j int) bool {
		if q.OrderBy != "" {
			vi, iok := docs[i].Data[q.OrderBy]
			vj, jok := docs[j].Data[q.OrderBy]
			switch {
			case iok && !jok:
				return true
			case !iok && jok:
				return false
			case iok && jok:
				if cmp, ok := compareValues(vi, vj); ok && cmp != 0 {
					if q.Desc {
						return cmp > 0
					}
					return cmp < 0
				}
			}
		}
		return docs[i].ID < docs[j].ID
	})
}

// ── transactions ──────────────────────────────────────────────────────────

type stagedDoc struct {
	data    map[string]any
	deleted bool
}

// memTx overlays staged writes on the live maps. It runs under the store's
// write lock, so reads through it are serializable by construction.
type memTx struct {
	base   map[string]map[string]map[string]any
	staged map[string]map[string]stagedDoc
}

var _ store.Tx = (*memTx)(nil)

func (t *memTx) lookup(collection, id string) (map[string]any, bool, bool) {
	if sd, ok := t.staged[collection][id]; ok {
		if sd.deleted {
			return nil, false, true
		}
		return sd.data, true, true
	}
	doc, ok := t.base[collection][id]
	return doc, ok, false
}

func (t *memTx) stage(collection, id string, sd stagedDoc) {
	coll := t.staged[collection]
	if coll == nil {
		coll = make(map[string]stagedDoc)
		t.staged[collection] = coll
	}
	coll[id] = sd
}

func (t *memTx) Get(ctx context.Context, collection, id string) (store.Doc, error) {
	if err := ctx.Err(); err != nil {
		return store.Doc{}, err
	}
	doc, ok, _ := t.lookup(collection, id)
	if !ok {
		return store.Doc{}, fmt.Errorf("%w: %s/%s", store.ErrNotFound, collection, id)
	}
	copied, err := normalize(doc)
	if err != nil {
		return store.Doc{}, err
	}
	return store.Doc{ID: id, Data: copied}, nil
}

func (t *memTx) Query(ctx context.Context, collection string, q store.Query) ([]store.Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return queryLocked(t.merged(collection), collection, q)
}

func (t *memTx) QueryIn(ctx context.Context, collection, field string, values []string) ([]store.Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return queryInLocked(t.merged(collection), collection, field, values)
}

// merged materializes a single-collection view with the overlay applied,
// for queries that must see the transaction's own writes.
func (t *memTx) merged(collection string) map[string]map[string]map[string]any {
	out := make(map[string]map[string]any, len(t.base[collection]))
	for id, doc := range t.base[collection] {
		out[id] = doc
	}
	for id, sd := range t.staged[collection] {
		if sd.deleted {
			delete(out, id)
			continue
		}
		out[id] = sd.data
	}
	return map[string]map[string]map[string]any{collection: out}
}

func (t *memTx) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, err := normalize(data)
	if err != nil {
		return err
	}
	if merge {
		if existing, ok, _ := t.lookup(collection, id); ok {
			mergedDoc, err := normalize(existing)
			if err != nil {
				return err
			}
			for k, v := range normalized {
				mergedDoc[k] = v
			}
			t.stage(collection, id, stagedDoc{data: mergedDoc})
			return nil
		}
	}
	t.stage(collection, id, stagedDoc{data: normalized})
	return nil
}

func (t *memTx) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	existing, ok, _ := t.lookup(collection, id)
	if !ok {
		return fmt.Errorf("%w: %s/%s", store.ErrNotFound, collection, id)
	}
	updated, err := normalize(existing)
	if err != nil {
		return err
	}
	normalized, err := normalize(patch)
	if err != nil {
		return err
	}
	for k, v := range normalized {
		updated[k] = v
	}
	t.stage(collection, id, stagedDoc{data: updated})
	return nil
}

func (t *memTx) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.stage(collection, id, stagedDoc{deleted: true})
	return nil
}

func (t *memTx) apply(data map[string]map[string]map[string]any) {
	for collection, docs := range t.staged {
		coll := data[collection]
		if coll == nil {
			coll = make(map[string]map[string]any)
			data[collection] = coll
		}
		for id, sd := range docs {
			if sd.deleted {
				delete(coll, id)
				continue
			}
			coll[id] = sd.data
		}
	}
}

// ── batches ───────────────────────────────────────────────────────────────

type batchOp struct {
	kind       string // "set", "update", "delete"
	collection string
	id         string
	data       map[string]any
	merge      bool
}

type memBatch struct {
	store     *Store
	ops       []batchOp
	committed bool
}

var _ store.Batch = (*memBatch)(nil)

func (b *memBatch) add(op batchOp) error {
	if b.committed {
		return store.ErrBatchCommitted
	}
	if len(b.ops) >= store.MaxBatchOps {
		return fmt.Errorf("%w: batch exceeds %d operations", store.ErrInvalidArgument, store.MaxBatchOps)
	}
	b.ops = append(b.ops, op)
	return nil
}

func (b *memBatch) Set(collection, id string, data map[string]any, merge bool) error {
	return b.add(batchOp{kind: "set", collection: collection, id: id, data: data, merge: merge})
}

func (b *memBatch) Update(collection, id string, patch map[string]any) error {
	return b.add(batchOp{kind: "update", collection: collection, id: id, data: patch})
}

func (b *memBatch) Delete(collection, id string) error {
	return b.add(batchOp{kind: "delete", collection: collection, id: id})
}

func (b *memBatch) Len() int { return len(b.ops) }

// Commit applies all operations under one lock acquisition. Staging through
// a transaction overlay keeps the batch atomic: a failed update leaves the
// store untouched.
func (b *memBatch) Commit(ctx context.Context) error {
	if b.committed {
		return store.ErrBatchCommitted
	}
	b.committed = true
	if err := ctx.Err(); err != nil {
		return err
	}

	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	tx := &memTx{base: b.store.data, staged: make(map[string]map[string]stagedDoc)}
	for _, op := range b.ops {
		var err error
		switch op.kind {
		case "set":
			err = tx.Set(ctx, op.collection, op.id, op.data, op.merge)
		case "update":
			err = tx.Update(ctx, op.collection, op.id, op.data)
		case "delete":
			err = tx.Delete(ctx, op.collection, op.id)
		}
		if err != nil {
			return err
		}
	}
	tx.apply(b.store.data)
	return nil
}
