// Package ratelimit enforces per-user hourly operation limits backed by the
// document store, so limits hold across process restarts and replicas.
package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/store"
)

// Kind is a rate-limited operation.
type Kind string

const (
	KindPositiveReport  Kind = "positive_report"
	KindNegativeTest    Kind = "negative_test"
	KindDataExport      Kind = "data_export"
	KindAccountRecovery Kind = "account_recovery"
)

const (
	windowMillis = 3_600_000 // one hour

	// expiryBuffer pads expiresAt past the window end so the sweeper never
	// removes a document that is still arbitrating an open window.
	expiryBuffer = windowMillis
)

var limits = map[Kind]int{
	KindPositiveReport:  5,
	KindNegativeTest:    10,
	KindDataExport:      3,
	KindAccountRecovery: 5,
}

// Limit returns the hourly allowance for a kind, or 0 if unknown.
func Limit(kind Kind) int {
	return limits[kind]
}

// Limiter checks and advances per-user counters inside store transactions.
// Store failures allow the request through: a degraded store must not lock
// users out of reporting.
type Limiter struct {
	store store.Store
	log   *zap.Logger

	now func() int64
}

func New(st store.Store, log *zap.Logger) *Limiter {
	return &Limiter{store: st, log: log, now: model.NowMillis}
}

// Allow consumes one slot for (uid, kind). It returns ErrResourceExhausted
// when the window is full and ErrInvalidArgument for unknown kinds; any
// store failure is logged and treated as allowed.
func (l *Limiter) Allow(ctx context.Context, uid string, kind Kind) error {
	max, ok := limits[kind]
	if !ok {
		return fmt.Errorf("%w: unknown rate limit kind %q", store.ErrInvalidArgument, kind)
	}

	docID := uid + "_" + string(kind)
	now := l.now()

	err := l.store.RunTransaction(ctx, func(tx store.Tx) error {
		doc, err := tx.Get(ctx, model.CollectionRateLimits, docID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		var rl model.RateLimit
		if err == nil {
			if decErr := model.FromDoc(doc.Data, &rl); decErr != nil {
				// Unreadable counter: start a fresh window.
				rl = model.RateLimit{}
			}
		}

		if rl.WindowStart == 0 || now-rl.WindowStart > windowMillis {
			fresh, err := model.ToDoc(model.RateLimit{
				Count:       1,
				WindowStart: now,
				ExpiresAt:   now + windowMillis + expiryBuffer,
			})
			if err != nil {
				return err
			}
			return tx.Set(ctx, model.CollectionRateLimits, docID, fresh, false)
		}

		if rl.Count >= max {
			return fmt.Errorf("%w: %s limit of %d per hour reached", store.ErrResourceExhausted, kind, max)
		}
		return tx.Update(ctx, model.CollectionRateLimits, docID, map[string]any{"count": rl.Count + 1})
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrResourceExhausted):
		return err
	default:
		l.log.Warn("rate limit check failed, allowing request",
			zap.String("kind", string(kind)),
			zap.Error(err))
		return nil
	}
}
