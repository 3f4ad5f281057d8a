package postgres

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilhealth/exposure-service/internal/store"
)

func TestBuildQueryFilters(t *testing.T) {
	q := store.Where("ownerId", store.OpEqual, "abc").
		And("recordedAt", store.OpGreaterOrEqual, int64(100)).
		And("recordedAt", store.OpLessOrEqual, int64(200))

	sqlText, args, err := buildQuery("interactions", q)
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT id, data FROM documents WHERE collection = $1`+
			` AND data->>$2 = $3`+
			` AND (data->>$4)::numeric >= $5`+
			` AND (data->>$6)::numeric <= $7`+
			` ORDER BY id ASC`,
		sqlText)
	assert.Equal(t, []any{"interactions", "ownerId", "abc", "recordedAt", float64(100), "recordedAt", float64(200)}, args)
}

func TestBuildQueryOrderAndLimit(t *testing.T) {
	q := store.Where("recipientId", store.OpEqual, "u1").Ordered("receivedAt", true).Limited(50)

	sqlText, args, err := buildQuery("notifications", q)
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT id, data FROM documents WHERE collection = $1`+
			` AND data->>$2 = $3`+
			` ORDER BY data->$4 DESC NULLS LAST, id ASC LIMIT $5`,
		sqlText)
	assert.Equal(t, []any{"notifications", "recipientId", "u1", "receivedAt", 50}, args)
}

func TestBuildQueryArrayContains(t *testing.T) {
	sqlText, args, err := buildQuery("notifications", store.Where("chainPath", store.OpArrayContains, "hash"))
	require.NoError(t, err)

	assert.Contains(t, sqlText, `data->$2 @> to_jsonb($3::text)`)
	assert.Equal(t, []any{"notifications", "chainPath", "hash"}, args)

	_, _, err = buildQuery("notifications", store.Where("chainPath", store.OpArrayContains, 7))
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}

func TestBuildQueryBoolEquality(t *testing.T) {
	sqlText, args, err := buildQuery("notifications", store.Where("isRead", store.OpEqual, false))
	require.NoError(t, err)

	assert.Contains(t, sqlText, `(data->>$2)::boolean = $3`)
	assert.Equal(t, []any{"notifications", "isRead", false}, args)
}

func TestBuildQueryRejectsUnsupported(t *testing.T) {
	_, _, err := buildQuery("users", store.Where("a", store.Op("!="), 1))
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	_, _, err = buildQuery("users", store.Where("a", store.OpEqual, struct{}{}))
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}

func TestClassify(t *testing.T) {
	serialization := &pgconn.PgError{Code: "40001"}
	assert.ErrorIs(t, classify(serialization), store.ErrUnavailable)
	assert.True(t, store.IsRetryable(classify(serialization)))

	deadlock := &pgconn.PgError{Code: "40P01"}
	assert.ErrorIs(t, classify(deadlock), store.ErrUnavailable)

	duplicate := &pgconn.PgError{Code: "23505", ConstraintName: "documents_pkey"}
	assert.ErrorIs(t, classify(duplicate), store.ErrAlreadyExists)

	other := &pgconn.PgError{Code: "42703"}
	err := classify(other)
	assert.False(t, store.IsRetryable(err))
	assert.NotErrorIs(t, err, store.ErrUnavailable)

	plain := errors.New("boom")
	assert.False(t, store.IsRetryable(classify(plain)))
}
