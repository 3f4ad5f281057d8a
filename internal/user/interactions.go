package user

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/veilhealth/exposure-service/internal/hashing"
	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/store"
)

// InteractionInput is a client-recorded proximity event. The partner id is
// the value the partner shared out of band; the snapshot freezes their
// display name as seen at record time.
type InteractionInput struct {
	PartnerAnonymousID      string `json:"partnerAnonymousId"`
	PartnerUsernameSnapshot string `json:"partnerUsernameSnapshot,omitempty"`
	RecordedAt              int64  `json:"recordedAt,omitempty"`
}

// StoredInteraction is an interaction plus its document id.
type StoredInteraction struct {
	ID string `json:"id"`
	model.Interaction
}

// RecordInteraction writes one interaction owned by the caller. RecordedAt
// defaults to now and must fall inside the retention window.
func (s *Service) RecordInteraction(ctx context.Context, uid string, in InteractionInput) (StoredInteraction, error) {
	u, err := s.loadUser(ctx, uid)
	if err != nil {
		return StoredInteraction{}, err
	}

	now := s.now()
	recordedAt := in.RecordedAt
	if recordedAt == 0 {
		recordedAt = now
	}
	if recordedAt > now {
		return StoredInteraction{}, fmt.Errorf("%w: recordedAt cannot be in the future", store.ErrInvalidArgument)
	}
	if recordedAt < model.RetentionFloor(now) {
		return StoredInteraction{}, fmt.Errorf("%w: recordedAt is outside the retention window", store.ErrInvalidArgument)
	}
	if err := model.ValidateUsername(in.PartnerUsernameSnapshot); err != nil {
		return StoredInteraction{}, fmt.Errorf("%w: %v", store.ErrInvalidArgument, err)
	}

	rec := model.Interaction{
		OwnerID:                 u.HashedInteractionID,
		PartnerAnonymousID:      in.PartnerAnonymousID,
		PartnerUsernameSnapshot: in.PartnerUsernameSnapshot,
		RecordedAt:              recordedAt,
	}
	if err := rec.Validate(); err != nil {
		return StoredInteraction{}, fmt.Errorf("%w: %v", store.ErrInvalidArgument, err)
	}

	data, err := model.ToDoc(rec)
	if err != nil {
		return StoredInteraction{}, fmt.Errorf("encode interaction: %w", err)
	}
	id := newDocID()
	if err := s.store.Set(ctx, model.CollectionInteractions, id, data, false); err != nil {
		return StoredInteraction{}, fmt.Errorf("write interaction: %w", err)
	}
	return StoredInteraction{ID: id, Interaction: rec}, nil
}

// ListInteractions returns the caller's records, newest first.
func (s *Service) ListInteractions(ctx context.Context, uid string) ([]StoredInteraction, error) {
	if uid == "" {
		return nil, fmt.Errorf("%w: missing caller identity", store.ErrUnauthenticated)
	}
	q := store.Where("ownerId", store.OpEqual, hashing.InteractionHash(uid)).
		Ordered("recordedAt", true)
	docs, err := s.store.Query(ctx, model.CollectionInteractions, q)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}

	out := make([]StoredInteraction, 0, len(docs))
	for _, doc := range docs {
		var rec model.Interaction
		if err := model.FromDoc(doc.Data, &rec); err != nil {
			s.log.Warn("skipping undecodable interaction", zap.String("id", doc.ID), zap.Error(err))
			continue
		}
		out = append(out, StoredInteraction{ID: doc.ID, Interaction: rec})
	}
	return out, nil
}

// DeleteInteraction removes one record. A record owned by someone else is
// reported absent, not forbidden, so ids cannot be probed.
func (s *Service) DeleteInteraction(ctx context.Context, uid, id string) error {
	if uid == "" {
		return fmt.Errorf("%w: missing caller identity", store.ErrUnauthenticated)
	}
	if id == "" {
		return fmt.Errorf("%w: interaction id is required", store.ErrInvalidArgument)
	}

	doc, err := s.store.Get(ctx, model.CollectionInteractions, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: interaction not found", store.ErrNotFound)
		}
		return fmt.Errorf("load interaction: %w", err)
	}
	var rec model.Interaction
	if err := model.FromDoc(doc.Data, &rec); err != nil {
		return fmt.Errorf("load interaction: %w", err)
	}
	if rec.OwnerID != hashing.InteractionHash(uid) {
		return fmt.Errorf("%w: interaction not found", store.ErrNotFound)
	}
	if err := s.store.Delete(ctx, model.CollectionInteractions, id); err != nil {
		return fmt.Errorf("delete interaction: %w", err)
	}
	return nil
}
