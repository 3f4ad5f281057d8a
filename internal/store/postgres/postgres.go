// Package postgres implements store.Store on a single JSONB documents
// table. Filters compile to expression predicates over data->>'field', a
// shallow merge is the JSONB || operator, and transactions run serializable
// with retry on conflict.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veilhealth/exposure-service/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Store is the production document store. Construct with New.
type Store struct {
	pool *pgxpool.Pool

	pollInterval time.Duration
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, pollInterval: time.Second}
}

// InitSchema applies the embedded DDL. Safe to run on every start.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", classify(err))
	}
	return nil
}

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Doc, error) {
	return getDoc(ctx, s.pool, collection, id)
}

func (s *Store) Query(ctx context.Context, collection string, q store.Query) ([]store.Doc, error) {
	return queryDocs(ctx, s.pool, collection, q)
}

func (s *Store) QueryIn(ctx context.Context, collection, field string, values []string) ([]store.Doc, error) {
	return queryInDocs(ctx, s.pool, collection, field, values)
}

func (s *Store) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	return setDoc(ctx, s.pool, collection, id, data, merge)
}

func (s *Store) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	return updateDoc(ctx, s.pool, collection, id, patch)
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return deleteDoc(ctx, s.pool, collection, id)
}

// RunTransaction runs fn in a serializable transaction, retrying on
// serialization conflicts and transient connection failures.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx store.Tx) error) error {
	const attempts = 5
	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.runOnce(ctx, fn)
		if err == nil || !store.IsRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(1<<i) * 25 * time.Millisecond):
		}
	}
	return err
}

func (s *Store) runOnce(ctx context.Context, fn func(tx store.Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	if err := fn(&docTx{q: pgtx}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) Batch() store.Batch {
	return &docBatch{store: s}
}

// Observe polls the query on a fixed interval and emits a snapshot whenever
// the result set changes. The first snapshot is immediate.
func (s *Store) Observe(ctx context.Context, collection string, q store.Query) (<-chan []store.Doc, error) {
	out := make(chan []store.Doc, 1)

	first, err := s.Query(ctx, collection, q)
	if err != nil {
		close(out)
		return out, err
	}
	out <- first
	last := fingerprint(first)

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
				continue
			}
			key := fingerprint(docs)
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

func fingerprint(docs []store.Doc) string {
	var b strings.Builder
	for _, d := range docs {
		b.WriteString(d.ID)
		b.WriteByte('|')
		fmt.Fprintf(&b, "%v", d.Data["updatedAt"])
		fmt.Fprintf(&b, "%v", d.Data["isRead"])
		b.WriteByte('\n')
	}
	return b.String()
}

// ── statement-level operations, shared between pool and tx paths ──────────

func getDoc(ctx context.Context, q querier, collection, id string) (store.Doc, error) {
	var data map[string]any
	err := q.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Doc{}, fmt.Errorf("%w: %s/%s", store.ErrNotFound, collection, id)
	}
	if err != nil {
		return store.Doc{}, classify(err)
	}
	return store.Doc{ID: id, Data: data}, nil
}

func queryDocs(ctx context.Context, q querier, collection string, query store.Query) ([]store.Doc, error) {
	sqlText, args, err := buildQuery(collection, query)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanDocs(rows)
}

func queryInDocs(ctx context.Context, q querier, collection, field string, values []string) ([]store.Doc, error) {
	var out []store.Doc
	for start := 0; start < len(values); start += store.MaxInValues {
		end := start + store.MaxInValues
		if end > len(values) {
			end = len(values)
		}
		rows, err := q.Query(ctx,
			`SELECT id, data FROM documents
			 WHERE collection = $1 AND data->>$2 = ANY($3::text[])
			 ORDER BY id`,
			collection, field, values[start:end],
		)
		if err != nil {
			return nil, classify(err)
		}
		chunk, err := scanDocs(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func setDoc(ctx context.Context, q querier, collection, id string, data map[string]any, merge bool) error {
	stmt := `INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)
	         ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data`
	if merge {
		stmt = `INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)
		        ON CONFLICT (collection, id) DO UPDATE SET data = documents.data || EXCLUDED.data`
	}
	if _, err := q.Exec(ctx, stmt, collection, id, data); err != nil {
		return classify(err)
	}
	return nil
}

func updateDoc(ctx context.Context, q querier, collection, id string, patch map[string]any) error {
	tag, err := q.Exec(ctx,
		`UPDATE documents SET data = data || $3 WHERE collection = $1 AND id = $2`,
		collection, id, patch,
	)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", store.ErrNotFound, collection, id)
	}
	return nil
}

func deleteDoc(ctx context.Context, q querier, collection, id string) error {
	if _, err := q.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	); err != nil {
		return classify(err)
	}
	return nil
}

func scanDocs(rows pgx.Rows) ([]store.Doc, error) {
	var out []store.Doc
	for rows.Next() {
		var d store.Doc
		if err := rows.Scan(&d.ID, &d.Data); err != nil {
			return nil, classify(err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// buildQuery compiles a store.Query to SQL. Field names are bound as
// parameters like values; only operator fragments are interpolated.
func buildQuery(collection string, q store.Query) (string, []any, error) {
	var b strings.Builder
	args := []any{collection}
	b.WriteString(`SELECT id, data FROM documents WHERE collection = $1`)

	for _, f := range q.Filters {
		pred, err := filterSQL(f, &args)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" AND ")
		b.WriteString(pred)
	}

	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY data->$%d %s NULLS LAST, id ASC", len(args), dir)
	} else {
		b.WriteString(" ORDER BY id ASC")
	}

	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args, nil
}

func filterSQL(f store.Filter, args *[]any) (string, error) {
	switch f.Op {
	case store.OpEqual:
		switch v := f.Value.(type) {
		case string:
			*args = append(*args, f.Field, v)
			return fmt.Sprintf("data->>$%d = $%d", len(*args)-1, len(*args)), nil
		case bool:
			*args = append(*args, f.Field, v)
			return fmt.Sprintf("(data->>$%d)::boolean = $%d", len(*args)-1, len(*args)), nil
		default:
			n, ok := numeric(f.Value)
			if !ok {
				return "", fmt.Errorf("%w: unsupported filter value %T", store.ErrInvalidArgument, f.Value)
			}
			*args = append(*args, f.Field, n)
			return fmt.Sprintf("(data->>$%d)::numeric = $%d", len(*args)-1, len(*args)), nil
		}
	case store.OpGreaterOrEqual, store.OpLessOrEqual:
		op := ">="
		if f.Op == store.OpLessOrEqual {
			op = "<="
		}
		if v, ok := f.Value.(string); ok {
			*args = append(*args, f.Field, v)
			return fmt.Sprintf("data->>$%d %s $%d", len(*args)-1, op, len(*args)), nil
		}
		n, ok := numeric(f.Value)
		if !ok {
			return "", fmt.Errorf("%w: unsupported filter value %T", store.ErrInvalidArgument, f.Value)
		}
		*args = append(*args, f.Field, n)
		return fmt.Sprintf("(data->>$%d)::numeric %s $%d", len(*args)-1, op, len(*args)), nil
	case store.OpArrayContains:
		v, ok := f.Value.(string)
		if !ok {
			return "", fmt.Errorf("%w: array-contains needs a string value", store.ErrInvalidArgument)
		}
		*args = append(*args, f.Field, v)
		return fmt.Sprintf("data->$%d @> to_jsonb($%d::text)", len(*args)-1, len(*args)), nil
	default:
		return "", fmt.Errorf("%w: unsupported operator %q", store.ErrInvalidArgument, f.Op)
	}
}

func numeric(v any) (float64, bool) {
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
	}
	return 0, false
}

// ── transaction view ──────────────────────────────────────────────────────

type docTx struct {
	q querier
}

var _ store.Tx = (*docTx)(nil)

func (t *docTx) Get(ctx context.Context, collection, id string) (store.Doc, error) {
	return getDoc(ctx, t.q, collection, id)
}

func (t *docTx) Query(ctx context.Context, collection string, q store.Query) ([]store.Doc, error) {
	return queryDocs(ctx, t.q, collection, q)
}

func (t *docTx) QueryIn(ctx context.Context, collection, field string, values []string) ([]store.Doc, error) {
	return queryInDocs(ctx, t.q, collection, field, values)
}

func (t *docTx) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	return setDoc(ctx, t.q, collection, id, data, merge)
}

func (t *docTx) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	return updateDoc(ctx, t.q, collection, id, patch)
}

func (t *docTx) Delete(ctx context.Context, collection, id string) error {
	return deleteDoc(ctx, t.q, collection, id)
}

// ── batch ─────────────────────────────────────────────────────────────────

type batchOp struct {
	kind       string
	collection string
	id         string
	data       map[string]any
	merge      bool
}

type docBatch struct {
	store     *Store
	ops       []batchOp
	committed bool
}

var _ store.Batch = (*docBatch)(nil)

func (b *docBatch) add(op batchOp) error {
	if b.committed {
		return store.ErrBatchCommitted
	}
	if len(b.ops) >= store.MaxBatchOps {
		return fmt.Errorf("%w: batch exceeds %d operations", store.ErrInvalidArgument, store.MaxBatchOps)
	}
	b.ops = append(b.ops, op)
	return nil
}

func (b *docBatch) Set(collection, id string, data map[string]any, merge bool) error {
	return b.add(batchOp{kind: "set", collection: collection, id: id, data: data, merge: merge})
}

func (b *docBatch) Update(collection, id string, patch map[string]any) error {
	return b.add(batchOp{kind: "update", collection: collection, id: id, data: patch})
}

func (b *docBatch) Delete(collection, id string) error {
	return b.add(batchOp{kind: "delete", collection: collection, id: id})
}

func (b *docBatch) Len() int { return len(b.ops) }

// Commit applies every operation inside one transaction so the batch is
// all-or-nothing, matching the in-memory implementation.
func (b *docBatch) Commit(ctx context.Context) error {
	if b.committed {
		return store.ErrBatchCommitted
	}
	b.committed = true
	if len(b.ops) == 0 {
		return nil
	}

	pgtx, err := b.store.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	for _, op := range b.ops {
		switch op.kind {
		case "set":
			err = setDoc(ctx, pgtx, op.collection, op.id, op.data, op.merge)
		case "update":
			err = updateDoc(ctx, pgtx, op.collection, op.id, op.data)
		case "delete":
			err = deleteDoc(ctx, pgtx, op.collection, op.id)
		}
		if err != nil {
			return err
		}
	}
	if err := pgtx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// ── error mapping ─────────────────────────────────────────────────────────

// classify folds pgx errors into the store's sentinel taxonomy. Anything
// unrecognized passes through wrapped so callers still see the cause.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", store.ErrUnavailable, pgErr.Code)
		case "23505":
			return fmt.Errorf("%w: %s", store.ErrAlreadyExists, pgErr.ConstraintName)
		case "53300", "57P03", "08006", "08003":
			return fmt.Errorf("%w: %s", store.ErrUnavailable, pgErr.Code)
		}
		return fmt.Errorf("postgres: %w", err)
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return fmt.Errorf("postgres: %w", err)
}
