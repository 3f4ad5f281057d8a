package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/veilhealth/exposure-service/internal/hashing"
	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/store"
)

// Recovery is a verified account recovery: the saved id named a live user.
type Recovery struct {
	UID  string
	User model.User
}

// Recover checks a saved recovery id against the user collection. Token
// minting happens at the transport layer; this only proves the account
// exists.
func (s *Service) Recover(ctx context.Context, savedID string) (Recovery, error) {
	if err := model.ValidateSavedID(savedID); err != nil {
		return Recovery{}, fmt.Errorf("%w: %v", store.ErrInvalidArgument, err)
	}
	u, err := s.loadUser(ctx, savedID)
	if errors.Is(err, store.ErrNotFound) {
		return Recovery{}, fmt.Errorf("%w: no account matches the saved id", store.ErrNotFound)
	}
	if err != nil {
		return Recovery{}, err
	}
	return Recovery{UID: savedID, User: u}, nil
}

// ExportBundle is every record stored about one user, in document form.
type ExportBundle struct {
	User          map[string]any   `json:"user"`
	Interactions  []map[string]any `json:"interactions"`
	Notifications []map[string]any `json:"notifications"`
	Reports       []map[string]any `json:"reports"`
}

// Export gathers the caller's user document and everything keyed by their
// hashed identities.
func (s *Service) Export(ctx context.Context, uid string) (ExportBundle, error) {
	if uid == "" {
		return ExportBundle{}, fmt.Errorf("%w: missing caller identity", store.ErrUnauthenticated)
	}
	userDoc, err := s.store.Get(ctx, model.CollectionUsers, uid)
	if errors.Is(err, store.ErrNotFound) {
		return ExportBundle{}, fmt.Errorf("%w: user not found", store.ErrNotFound)
	}
	if err != nil {
		return ExportBundle{}, fmt.Errorf("load user: %w", err)
	}

	bundle := ExportBundle{User: withID(userDoc)}

	interactions, err := s.store.Query(ctx, model.CollectionInteractions,
		store.Where("ownerId", store.OpEqual, hashing.InteractionHash(uid)).
			Ordered("recordedAt", false))
	if err != nil {
		return ExportBundle{}, fmt.Errorf("export interactions: %w", err)
	}
	bundle.Interactions = withIDs(interactions)

	notifications, err := s.store.Query(ctx, model.CollectionNotifications,
		store.Where("recipientId", store.OpEqual, hashing.NotificationHash(uid)).
			Ordered("receivedAt", false))
	if err != nil {
		return ExportBundle{}, fmt.Errorf("export notifications: %w", err)
	}
	bundle.Notifications = withIDs(notifications)

	reports, err := s.store.Query(ctx, model.CollectionReports,
		store.Where("reporterId", store.OpEqual, hashing.ReportHash(uid)).
			Ordered("reportedAt", false))
	if err != nil {
		return ExportBundle{}, fmt.Errorf("export reports: %w", err)
	}
	bundle.Reports = withIDs(reports)

	return bundle, nil
}

func withID(doc store.Doc) map[string]any {
	out := make(map[string]any, len(doc.Data)+1)
	for k, v := range doc.Data {
		out[k] = v
	}
	out["id"] = doc.ID
	return out
}

func withIDs(docs []store.Doc) []map[string]any {
	out := make([]map[string]any, len(docs))
	for i, doc := range docs {
		out[i] = withID(doc)
	}
	return out
}
