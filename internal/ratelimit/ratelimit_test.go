package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/store"
	"github.com/veilhealth/exposure-service/internal/store/memstore"
)

func newLimiter(t *testing.T, st store.Store) *Limiter {
	t.Helper()
	return New(st, zaptest.NewLogger(t))
}

func TestAllowWithinLimit(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	l := newLimiter(t, ms)
	l.now = func() int64 { return 1_700_000_000_000 }

	for i := 0; i < Limit(KindDataExport); i++ {
		require.NoError(t, l.Allow(ctx, "u1", KindDataExport))
	}

	err := l.Allow(ctx, "u1", KindDataExport)
	assert.ErrorIs(t, err, store.ErrResourceExhausted)

	doc, err := ms.Get(ctx, model.CollectionRateLimits, "u1_data_export")
	require.NoError(t, err)
	assert.Equal(t, float64(3), doc.Data["count"])
}

func TestAllowLimitsPerKindAndUser(t *testing.T) {
	ctx := context.Background()
	l := newLimiter(t, memstore.New())
	l.now = func() int64 { return 1_700_000_000_000 }

	for i := 0; i < Limit(KindPositiveReport); i++ {
		require.NoError(t, l.Allow(ctx, "u1", KindPositiveReport))
	}
	assert.ErrorIs(t, l.Allow(ctx, "u1", KindPositiveReport), store.ErrResourceExhausted)

	// Other users and other kinds hold separate counters.
	assert.NoError(t, l.Allow(ctx, "u2", KindPositiveReport))
	assert.NoError(t, l.Allow(ctx, "u1", KindNegativeTest))
}

func TestAllowResetsAfterWindow(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	l := newLimiter(t, ms)

	now := int64(1_700_000_000_000)
	l.now = func() int64 { return now }

	for i := 0; i < Limit(KindAccountRecovery); i++ {
		require.NoError(t, l.Allow(ctx, "u1", KindAccountRecovery))
	}
	assert.ErrorIs(t, l.Allow(ctx, "u1", KindAccountRecovery), store.ErrResourceExhausted)

	// Just past the window the counter resets.
	now += windowMillis + 1
	require.NoError(t, l.Allow(ctx, "u1", KindAccountRecovery))

	doc, err := ms.Get(ctx, model.CollectionRateLimits, "u1_account_recovery")
	require.NoError(t, err)
	assert.Equal(t, float64(1), doc.Data["count"])
	assert.Equal(t, float64(now), doc.Data["windowStart"])
	assert.Equal(t, float64(now+windowMillis+expiryBuffer), doc.Data["expiresAt"])
}

func TestAllowUnknownKind(t *testing.T) {
	l := newLimiter(t, memstore.New())
	err := l.Allow(context.Background(), "u1", Kind("bulk_import"))
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}

// failingStore breaks RunTransaction to exercise the fail-open path.
type failingStore struct {
	store.Store
}

func (f *failingStore) RunTransaction(ctx context.Context, fn func(tx store.Tx) error) error {
	return errors.New("store down")
}

func TestAllowFailsOpenOnStoreErrors(t *testing.T) {
	l := newLimiter(t, &failingStore{Store: memstore.New()})
	assert.NoError(t, l.Allow(context.Background(), "u1", KindPositiveReport),
		"store failures must not lock users out")
}

func TestAllowRecoversFromCorruptCounter(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	require.NoError(t, ms.Set(ctx, model.CollectionRateLimits, "u1_positive_report",
		map[string]any{"count": "NaN", "windowStart": "yesterday"}, false))

	l := newLimiter(t, ms)
	l.now = func() int64 { return 1_700_000_000_000 }

	require.NoError(t, l.Allow(ctx, "u1", KindPositiveReport))

	doc, err := ms.Get(ctx, model.CollectionRateLimits, "u1_positive_report")
	require.NoError(t, err)
	assert.Equal(t, float64(1), doc.Data["count"], "corrupt window restarts cleanly")
}
