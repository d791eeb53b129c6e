// Package notify persists notifications and pushes them to the recipient's
// private group, so every open tab of that user sees them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"livedoc/api/internal/store"
	"livedoc/api/internal/ws"
)

type notificationStore interface {
	CreateNotification(ctx context.Context, recipientID int64, message, kind string) (store.Notification, error)
}

type Fanout struct {
	store       notificationStore
	fabric      *ws.Fabric
	groupSecret string
	logger      *zap.Logger
}

func NewFanout(notificationStore notificationStore, fabric *ws.Fabric, groupSecret string, logger *zap.Logger) *Fanout {
	return &Fanout{
		store:       notificationStore,
		fabric:      fabric,
		groupSecret: groupSecret,
		logger:      logger,
	}
}

// NotificationPayload is the persisted row as it appears on the wire.
type NotificationPayload struct {
	ID        int64     `json:"id"`
	Message   string    `json:"message"`
	Kind      string    `json:"type"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// Notify writes the notification row first, then publishes it to the
// recipient's private group together with any extra structured fields
// (doc_id, access_obj, ...). The publish is best-effort; the row is the
// durable record.
func (f *Fanout) Notify(ctx context.Context, recipientID int64, message, kind string, extra map[string]any) error {
	notification, err := f.store.CreateNotification(ctx, recipientID, message, kind)
	if err != nil {
		return fmt.Errorf("persist notification: %w", err)
	}

	event := map[string]any{
		"type": "notification",
		"payload": NotificationPayload{
			ID:        notification.ID,
			Message:   notification.Message,
			Kind:      notification.Kind,
			IsRead:    notification.IsRead,
			CreatedAt: notification.CreatedAt,
		},
	}
	for key, value := range extra {
		event[key] = value
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification event: %w", err)
	}
	f.fabric.Publish(ctx, ws.UserGroup(f.groupSecret, recipientID), ws.Event{Data: data})
	return nil
}

// PublishLiveMemberCount pushes the current room member count to each
// present user's private group. Counts are transient state, not inbox
// items, so nothing is persisted.
func (f *Fanout) PublishLiveMemberCount(ctx context.Context, userIDs []int64, documentID int64, count int) {
	data, err := json.Marshal(map[string]any{
		"type":   "notify_live_member_count",
		"doc_id": documentID,
		"count":  count,
	})
	if err != nil {
		f.logger.Warn("marshal live member count failed", zap.Error(err))
		return
	}
	for _, userID := range userIDs {
		f.fabric.Publish(ctx, ws.UserGroup(f.groupSecret, userID), ws.Event{Data: data})
	}
}
