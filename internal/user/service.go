// Package user implements the client data plane: account lifecycle,
// interaction records and the notification inbox.
//
// Everything here is owner-scoped. Callers are identified by uid from the
// authenticated request context; the three hashed identities are derived
// server-side and never accepted from clients.
package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veilhealth/exposure-service/internal/hashing"
	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/retention"
	"github.com/veilhealth/exposure-service/internal/store"
)

// Service owns user, interaction and notification documents on behalf of
// their single owner.
type Service struct {
	store store.Store
	log   *zap.Logger

	now func() int64
}

func NewService(st store.Store, log *zap.Logger) *Service {
	return &Service{store: st, log: log, now: model.NowMillis}
}

func newDocID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Ensure creates the caller's user document on first authentication and
// returns it. Re-ensuring an existing account is a no-op read, so clients
// may call it on every startup.
func (s *Service) Ensure(ctx context.Context, uid, username string) (model.User, error) {
	if uid == "" {
		return model.User{}, fmt.Errorf("%w: missing caller identity", store.ErrUnauthenticated)
	}
	if err := model.ValidateUsername(username); err != nil {
		return model.User{}, fmt.Errorf("%w: %v", store.ErrInvalidArgument, err)
	}

	fresh := model.User{
		UID:                  uid,
		AnonymousID:          uid,
		Username:             username,
		CreatedAt:            s.now(),
		HashedInteractionID:  hashing.InteractionHash(uid),
		HashedNotificationID: hashing.NotificationHash(uid),
	}

	var out model.User
	created := false
	err := s.store.RunTransaction(ctx, func(tx store.Tx) error {
		created = false
		doc, err := tx.Get(ctx, model.CollectionUsers, uid)
		if err == nil {
			return model.FromDoc(doc.Data, &out)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		data, err := model.ToDoc(fresh)
		if err != nil {
			return err
		}
		if err := tx.Set(ctx, model.CollectionUsers, uid, data, false); err != nil {
			return err
		}
		out = fresh
		created = true
		return nil
	})
	if err != nil {
		return model.User{}, fmt.Errorf("ensure user: %w", err)
	}
	if created {
		s.log.Info("user created")
	}
	return out, nil
}

// ProfilePatch carries the mutable profile fields. Nil means leave alone;
// a pointer to the empty string clears.
type ProfilePatch struct {
	Username *string `json:"username"`
	FCMToken *string `json:"fcmToken"`
}

// UpdateProfile applies the patch to the caller's user document and returns
// the result.
func (s *Service) UpdateProfile(ctx context.Context, uid string, patch ProfilePatch) (model.User, error) {
	if uid == "" {
		return model.User{}, fmt.Errorf("%w: missing caller identity", store.ErrUnauthenticated)
	}
	if patch.Username == nil && patch.FCMToken == nil {
		return model.User{}, fmt.Errorf("%w: no profile fields to update", store.ErrInvalidArgument)
	}

	upd := map[string]any{}
	if patch.Username != nil {
		if err := model.ValidateUsername(*patch.Username); err != nil {
			return model.User{}, fmt.Errorf("%w: %v", store.ErrInvalidArgument, err)
		}
		upd["username"] = *patch.Username
	}
	if patch.FCMToken != nil {
		upd["fcmToken"] = *patch.FCMToken
	}

	u, err := s.loadUser(ctx, uid)
	if err != nil {
		return model.User{}, err
	}
	if err := s.store.Update(ctx, model.CollectionUsers, uid, upd); err != nil {
		return model.User{}, fmt.Errorf("update profile: %w", err)
	}

	if patch.Username != nil {
		u.Username = *patch.Username
	}
	if patch.FCMToken != nil {
		u.FCMToken = *patch.FCMToken
	}
	return u, nil
}

// DeleteAccount erases the caller: owned interactions, the notification
// inbox, then the user document itself, in that order so a failed cascade
// can be retried. Reports stay behind as the anonymous epidemiological
// record and age out through retention.
func (s *Service) DeleteAccount(ctx context.Context, uid string) error {
	u, err := s.loadUser(ctx, uid)
	if err != nil {
		return err
	}

	interactions, err := retention.DeleteMatching(ctx, s.store, model.CollectionInteractions,
		store.Where("ownerId", store.OpEqual, u.HashedInteractionID))
	if err != nil {
		return fmt.Errorf("delete interactions: %w", err)
	}
	notifications, err := retention.DeleteMatching(ctx, s.store, model.CollectionNotifications,
		store.Where("recipientId", store.OpEqual, u.HashedNotificationID))
	if err != nil {
		return fmt.Errorf("delete notifications: %w", err)
	}
	if err := s.store.Delete(ctx, model.CollectionUsers, uid); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	s.log.Info("account deleted",
		zap.Int("interactions", interactions),
		zap.Int("notifications", notifications))
	return nil
}

func (s *Service) loadUser(ctx context.Context, uid string) (model.User, error) {
	if uid == "" {
		return model.User{}, fmt.Errorf("%w: missing caller identity", store.ErrUnauthenticated)
	}
	doc, err := s.store.Get(ctx, model.CollectionUsers, uid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.User{}, fmt.Errorf("%w: user not found", store.ErrNotFound)
		}
		return model.User{}, fmt.Errorf("load user: %w", err)
	}
	var u model.User
	if err := model.FromDoc(doc.Data, &u); err != nil {
		return model.User{}, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}
