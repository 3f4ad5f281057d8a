// Package report orchestrates the lifecycle of submitted test results: the
// callable-side submission paths, the trigger-side processing pipeline, and
// the retraction, recovery and export operations built on the same data.
//
// Submission validates and writes the report document; processing claims it
// through the pending→processing→{completed,failed} state machine, runs the
// chain fanout and the status updates against existing notifications, and
// records the outcome. A re-delivered trigger for a finished report returns
// without side effects.
package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/veilhealth/exposure-service/internal/chain"
	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/push"
	"github.com/veilhealth/exposure-service/internal/store"
)

// Events receives report lifecycle events once their documents have
// committed. Publish failures are survivable: the reconciler resubmits
// reports whose event never arrived.
type Events interface {
	ReportCreated(ctx context.Context, reportID string, result model.TestResult) error
}

// Service carries every report operation. One instance is shared across
// requests; per-run state lives in locals.
type Service struct {
	store  store.Store
	sender push.Sender
	prop   *chain.Propagator
	events Events
	log    *zap.Logger

	now func() int64

	// processGroup collapses concurrent trigger deliveries for the same
	// report into one in-process run; the status machine handles the
	// cross-process case.
	processGroup singleflight.Group
}

func NewService(st store.Store, sender push.Sender, prop *chain.Propagator, ev Events, log *zap.Logger) *Service {
	return &Service{
		store:  st,
		sender: sender,
		prop:   prop,
		events: ev,
		log:    log,
		now:    model.NowMillis,
	}
}

func newDocID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// loadUser reads users/<uid> and returns the decoded document.
func (s *Service) loadUser(ctx context.Context, uid string) (model.User, error) {
	doc, err := s.store.Get(ctx, model.CollectionUsers, uid)
	if errors.Is(err, store.ErrNotFound) {
		return model.User{}, fmt.Errorf("%w: user not found", store.ErrNotFound)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("load user: %w", err)
	}
	var u model.User
	if err := model.FromDoc(doc.Data, &u); err != nil {
		return model.User{}, fmt.Errorf("decode user: %w", err)
	}
	return u, nil
}

// loadReport reads reports/<id> and returns the decoded document.
func (s *Service) loadReport(ctx context.Context, id string) (model.Report, error) {
	doc, err := s.store.Get(ctx, model.CollectionReports, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Report{}, fmt.Errorf("%w: report not found", store.ErrNotFound)
	}
	if err != nil {
		return model.Report{}, fmt.Errorf("load report: %w", err)
	}
	var rep model.Report
	if err := model.FromDoc(doc.Data, &rep); err != nil {
		return model.Report{}, fmt.Errorf("decode report: %w", err)
	}
	return rep, nil
}

// ownNotifications is the consolidated recipient scan: every notification
// addressed to the given notification hash, decoded alongside its raw doc.
// Documents whose body does not parse are logged and dropped.
func (s *Service) ownNotifications(ctx context.Context, notificationHash string) ([]storedNotification, error) {
	docs, err := s.store.Query(ctx, model.CollectionNotifications,
		store.Where("recipientId", store.OpEqual, notificationHash))
	if err != nil {
		return nil, fmt.Errorf("scan notifications: %w", err)
	}
	out := make([]storedNotification, 0, len(docs))
	for _, doc := range docs {
		var n model.Notification
		if err := model.FromDoc(doc.Data, &n); err != nil {
			s.log.Warn("skipping undecodable notification",
				zap.String("notificationId", doc.ID),
				zap.Error(err))
			continue
		}
		out = append(out, storedNotification{ID: doc.ID, Notification: n})
	}
	return out, nil
}

// storedNotification pairs a notification with its document id.
type storedNotification struct {
	ID string
	model.Notification
}

// clearDeadTokens blanks fcmToken on users whose pushes came back with an
// invalid-token error. uids is indexed like the batcher's records.
func (s *Service) clearDeadTokens(ctx context.Context, res push.Result, uids []string) {
	for _, idx := range res.InvalidTokenIndices {
		if idx < 0 || idx >= len(uids) || uids[idx] == "" {
			continue
		}
		uid := uids[idx]
		if err := s.store.Update(ctx, model.CollectionUsers, uid, map[string]any{"fcmToken": ""}); err != nil {
			s.log.Warn("failed to clear dead token",
				zap.String("uid", uid),
				zap.Error(err))
		}
	}
}
