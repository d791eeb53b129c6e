package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"livedoc/api/internal/store"
	"livedoc/api/internal/ws"
)

type fakeNotificationStore struct {
	nextID  int64
	created []store.Notification
	err     error
}

func (f *fakeNotificationStore) CreateNotification(ctx context.Context, recipientID int64, message, kind string) (store.Notification, error) {
	if f.err != nil {
		return store.Notification{}, f.err
	}
	f.nextID++
	notification := store.Notification{
		ID:          f.nextID,
		RecipientID: recipientID,
		Message:     message,
		Kind:        kind,
		CreatedAt:   time.Now(),
	}
	f.created = append(f.created, notification)
	return notification, nil
}

func TestNotifyPersistsThenPublishes(t *testing.T) {
	fabric := ws.NewFabric(nil, zap.NewNop())
	defer fabric.Close()
	notificationStore := &fakeNotificationStore{}
	fanout := NewFanout(notificationStore, fabric, "group-secret", zap.NewNop())

	sub := fabric.Subscribe(ws.UserGroup("group-secret", 7))
	defer sub.Close()

	err := fanout.Notify(context.Background(), 7, "Your access to 'Roadmap' has been granted by admin Ada Lovelace.", "success", map[string]any{
		"doc_id":          int64(3),
		"approved_access": true,
	})
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	if len(notificationStore.created) != 1 {
		t.Fatalf("expected 1 persisted notification, got %d", len(notificationStore.created))
	}

	select {
	case event := <-sub.C:
		var decoded map[string]any
		if err := json.Unmarshal(event.Data, &decoded); err != nil {
			t.Fatalf("bad event payload: %v", err)
		}
		if decoded["type"] != "notification" {
			t.Errorf("expected type notification, got %v", decoded["type"])
		}
		if decoded["approved_access"] != true {
			t.Error("extra field approved_access missing")
		}
		payload, ok := decoded["payload"].(map[string]any)
		if !ok {
			t.Fatal("payload missing")
		}
		if payload["type"] != "success" {
			t.Errorf("expected kind success, got %v", payload["type"])
		}
	case <-time.After(time.Second):
		t.Fatal("notification never published")
	}
}

func TestNotifyFailsWhenPersistenceFails(t *testing.T) {
	fabric := ws.NewFabric(nil, zap.NewNop())
	defer fabric.Close()
	fanout := NewFanout(&fakeNotificationStore{err: errors.New("db down")}, fabric, "group-secret", zap.NewNop())

	sub := fabric.Subscribe(ws.UserGroup("group-secret", 7))
	defer sub.Close()

	if err := fanout.Notify(context.Background(), 7, "message", "info", nil); err == nil {
		t.Fatal("expected error when the row cannot be written")
	}

	select {
	case <-sub.C:
		t.Fatal("event published despite failed persistence")
	default:
	}
}

func TestPublishLiveMemberCountReachesEveryUser(t *testing.T) {
	fabric := ws.NewFabric(nil, zap.NewNop())
	defer fabric.Close()
	fanout := NewFanout(&fakeNotificationStore{}, fabric, "group-secret", zap.NewNop())

	subA := fabric.Subscribe(ws.UserGroup("group-secret", 1))
	subB := fabric.Subscribe(ws.UserGroup("group-secret", 2))
	defer subA.Close()
	defer subB.Close()

	fanout.PublishLiveMemberCount(context.Background(), []int64{1, 2}, 9, 2)

	for _, sub := range []*ws.Subscription{subA, subB} {
		select {
		case event := <-sub.C:
			var decoded map[string]any
			if err := json.Unmarshal(event.Data, &decoded); err != nil {
				t.Fatalf("bad payload: %v", err)
			}
			if decoded["type"] != "notify_live_member_count" {
				t.Errorf("unexpected type %v", decoded["type"])
			}
			if decoded["count"] != float64(2) {
				t.Errorf("unexpected count %v", decoded["count"])
			}
		case <-time.After(time.Second):
			t.Fatal("count event missing")
		}
	}
}
