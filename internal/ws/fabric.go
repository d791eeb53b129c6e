// Package ws provides the named-group broadcast fabric connecting live
// sessions, plus the group naming scheme. Delivery is best-effort and
// at-most-once: subscribers that join after Publish returns see nothing,
// and there is no replay.
package ws

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event is the unit the fabric moves between sessions. Sender is the
// originating connection id so receivers can skip their own frames.
type Event struct {
	Sender string `json:"sender,omitempty"`
	Binary bool   `json:"binary,omitempty"`
	Data   []byte `json:"data"`
}

// subscriberBuffer bounds how far a slow consumer may lag before events
// are dropped for it.
const subscriberBuffer = 64

const channelPrefix = "fabric:"

type Subscription struct {
	C chan Event

	fabric *Fabric
	group  string
	once   sync.Once
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.fabric.unsubscribe(s)
	})
}

// Fabric fans events out to every local subscriber of a group and, when
// backed by Redis, bridges publishes to subscribers on other instances.
type Fabric struct {
	mu     sync.RWMutex
	groups map[string]map[*Subscription]struct{}

	rdb    *redis.Client
	pubsub *redis.PubSub
	// origin tags outbound Redis messages so the bridge can ignore its
	// own echoes.
	origin string
	logger *zap.Logger

	done chan struct{}
}

// envelope is the cross-instance wire form of an Event.
type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// NewFabric creates a fabric. rdb may be nil for single-instance setups
// (and tests); the fabric then works purely in-process.
func NewFabric(rdb *redis.Client, logger *zap.Logger) *Fabric {
	f := &Fabric{
		groups: make(map[string]map[*Subscription]struct{}),
		rdb:    rdb,
		origin: newOrigin(),
		logger: logger,
		done:   make(chan struct{}),
	}
	if rdb != nil {
		f.pubsub = rdb.Subscribe(context.Background())
		go f.bridge()
	}
	return f
}

func newOrigin() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (f *Fabric) Subscribe(group string) *Subscription {
	sub := &Subscription{
		C:      make(chan Event, subscriberBuffer),
		fabric: f,
		group:  group,
	}

	f.mu.Lock()
	first := f.groups[group] == nil
	if first {
		f.groups[group] = make(map[*Subscription]struct{})
	}
	f.groups[group][sub] = struct{}{}
	f.mu.Unlock()

	if first && f.pubsub != nil {
		if err := f.pubsub.Subscribe(context.Background(), channelPrefix+group); err != nil {
			f.logger.Warn("fabric redis subscribe failed", zap.String("group", group), zap.Error(err))
		}
	}
	return sub
}

func (f *Fabric) unsubscribe(sub *Subscription) {
	f.mu.Lock()
	subs := f.groups[sub.group]
	delete(subs, sub)
	last := len(subs) == 0
	if last {
		delete(f.groups, sub.group)
	}
	f.mu.Unlock()

	if last && f.pubsub != nil {
		if err := f.pubsub.Unsubscribe(context.Background(), channelPrefix+sub.group); err != nil {
			f.logger.Warn("fabric redis unsubscribe failed", zap.String("group", sub.group), zap.Error(err))
		}
	}
}

// Publish delivers to all current local subscribers of the group and
// forwards over Redis for other instances. A Redis failure never fails the
// local delivery.
func (f *Fabric) Publish(ctx context.Context, group string, event Event) {
	f.deliverLocal(group, event)

	if f.rdb == nil {
		return
	}
	payload, err := json.Marshal(envelope{Origin: f.origin, Event: event})
	if err != nil {
		f.logger.Warn("fabric marshal failed", zap.String("group", group), zap.Error(err))
		return
	}
	if err := f.rdb.Publish(ctx, channelPrefix+group, payload).Err(); err != nil {
		f.logger.Warn("fabric redis publish failed", zap.String("group", group), zap.Error(err))
	}
}

func (f *Fabric) deliverLocal(group string, event Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for sub := range f.groups[group] {
		select {
		case sub.C <- event:
		default:
			f.logger.Warn("fabric dropped event for slow subscriber", zap.String("group", group))
		}
	}
}

// bridge relays inbound Redis messages to local subscribers.
func (f *Fabric) bridge() {
	ch := f.pubsub.Channel()
	for {
		select {
		case <-f.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				f.logger.Warn("fabric bad envelope", zap.Error(err))
				continue
			}
			if env.Origin == f.origin {
				continue
			}
			group := strings.TrimPrefix(msg.Channel, channelPrefix)
			f.deliverLocal(group, env.Event)
		}
	}
}

func (f *Fabric) Close() error {
	close(f.done)
	if f.pubsub != nil {
		if err := f.pubsub.Close(); err != nil {
			return fmt.Errorf("close fabric pubsub: %w", err)
		}
	}
	return nil
}
