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

// StoredNotification is a notification plus its document id.
type StoredNotification struct {
	ID string `json:"id"`
	model.Notification
}

func inboxQuery(uid string) store.Query {
	return store.Where("recipientId", store.OpEqual, hashing.NotificationHash(uid)).
		Ordered("receivedAt", true)
}

// ListNotifications returns the caller's inbox, newest first. Retracted
// notifications are included; clients render them as tombstones.
func (s *Service) ListNotifications(ctx context.Context, uid string) ([]StoredNotification, error) {
	if uid == "" {
		return nil, fmt.Errorf("%w: missing caller identity", store.ErrUnauthenticated)
	}
	docs, err := s.store.Query(ctx, model.CollectionNotifications, inboxQuery(uid))
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return s.decodeInbox(docs), nil
}

// MarkNotificationRead flips isRead on one of the caller's notifications.
// Like DeleteInteraction, foreign documents are reported absent.
func (s *Service) MarkNotificationRead(ctx context.Context, uid, id string) error {
	if uid == "" {
		return fmt.Errorf("%w: missing caller identity", store.ErrUnauthenticated)
	}
	if id == "" {
		return fmt.Errorf("%w: notification id is required", store.ErrInvalidArgument)
	}

	doc, err := s.store.Get(ctx, model.CollectionNotifications, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: notification not found", store.ErrNotFound)
		}
		return fmt.Errorf("load notification: %w", err)
	}
	var n model.Notification
	if err := model.FromDoc(doc.Data, &n); err != nil {
		return fmt.Errorf("load notification: %w", err)
	}
	if n.RecipientID != hashing.NotificationHash(uid) {
		return fmt.Errorf("%w: notification not found", store.ErrNotFound)
	}
	if err := s.store.Update(ctx, model.CollectionNotifications, id, map[string]any{"isRead": true}); err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// WatchNotifications streams inbox snapshots until ctx is cancelled. The
// first snapshot is the current inbox; later ones follow store changes.
func (s *Service) WatchNotifications(ctx context.Context, uid string) (<-chan []StoredNotification, error) {
	if uid == "" {
		return nil, fmt.Errorf("%w: missing caller identity", store.ErrUnauthenticated)
	}
	src, err := s.store.Observe(ctx, model.CollectionNotifications, inboxQuery(uid))
	if err != nil {
		return nil, fmt.Errorf("watch notifications: %w", err)
	}

	out := make(chan []StoredNotification)
	go func() {
		defer close(out)
		for docs := range src {
			select {
			case out <- s.decodeInbox(docs):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Service) decodeInbox(docs []store.Doc) []StoredNotification {
	out := make([]StoredNotification, 0, len(docs))
	for _, doc := range docs {
		var n model.Notification
		if err := model.FromDoc(doc.Data, &n); err != nil {
			s.log.Warn("skipping undecodable notification", zap.String("id", doc.ID), zap.Error(err))
			continue
		}
		out = append(out, StoredNotification{ID: doc.ID, Notification: n})
	}
	return out
}
