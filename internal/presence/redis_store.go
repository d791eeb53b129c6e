// Package presence tracks which users are currently connected to which
// document room, backed by Redis so the view survives process restarts and
// spans server instances.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Profile is the lightweight per-user record cached alongside the online
// set, so member lists render without touching the relational store.
type Profile struct {
	UserID    int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Color     string `json:"color"`
}

// RedisStore implements presence tracking on a Redis set plus one profile
// hash per member. Reads degrade (zero / empty) and writes are best-effort:
// a Redis outage must never take a live session down with it.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisStore(redisURL string, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, logger: logger}, nil
}

func NewRedisStoreWithClient(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

func setKey(shareToken string) string {
	return "doc:" + shareToken + ":users"
}

func profileKey(shareToken string, userID int64) string {
	return "doc:" + shareToken + ":user:" + strconv.FormatInt(userID, 10)
}

// Join adds the user to the room's online set and writes the profile hash.
// Idempotent; failures are logged and swallowed.
func (s *RedisStore) Join(ctx context.Context, shareToken string, profile Profile) {
	if err := s.client.SAdd(ctx, setKey(shareToken), profile.UserID).Err(); err != nil {
		s.logger.Warn("presence join failed", zap.String("share_token", shareToken), zap.Int64("user_id", profile.UserID), zap.Bool("degraded", true), zap.Error(err))
		return
	}
	err := s.client.HSet(ctx, profileKey(shareToken, profile.UserID),
		"id", profile.UserID,
		"first_name", profile.FirstName,
		"last_name", profile.LastName,
		"email", profile.Email,
		"color", profile.Color,
	).Err()
	if err != nil {
		s.logger.Warn("presence profile write failed", zap.String("share_token", shareToken), zap.Int64("user_id", profile.UserID), zap.Bool("degraded", true), zap.Error(err))
	}
}

// Leave removes the user from the set and deletes the profile hash. Both
// removals are attempted even if the first fails.
func (s *RedisStore) Leave(ctx context.Context, shareToken string, userID int64) {
	if err := s.client.SRem(ctx, setKey(shareToken), userID).Err(); err != nil {
		s.logger.Warn("presence leave failed", zap.String("share_token", shareToken), zap.Int64("user_id", userID), zap.Bool("degraded", true), zap.Error(err))
	}
	if err := s.client.Del(ctx, profileKey(shareToken, userID)).Err(); err != nil {
		s.logger.Warn("presence profile delete failed", zap.String("share_token", shareToken), zap.Int64("user_id", userID), zap.Bool("degraded", true), zap.Error(err))
	}
}

// Count returns the room's online member count, or 0 when Redis is
// unreachable (the document is then treated as having no live members).
func (s *RedisStore) Count(ctx context.Context, shareToken string) int {
	count, err := s.client.SCard(ctx, setKey(shareToken)).Result()
	if err != nil {
		s.logger.Warn("presence count failed", zap.String("share_token", shareToken), zap.Bool("degraded", true), zap.Error(err))
		return 0
	}
	return int(count)
}

// ListMembers returns the profiles of everyone in the online set, skipping
// entries whose hash is gone. Empty on store failure.
func (s *RedisStore) ListMembers(ctx context.Context, shareToken string) []Profile {
	ids, err := s.client.SMembers(ctx, setKey(shareToken)).Result()
	if err != nil {
		s.logger.Warn("presence list failed", zap.String("share_token", shareToken), zap.Bool("degraded", true), zap.Error(err))
		return nil
	}

	members := make([]Profile, 0, len(ids))
	for _, raw := range ids {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		fields, err := s.client.HGetAll(ctx, profileKey(shareToken, userID)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		members = append(members, Profile{
			UserID:    userID,
			FirstName: fields["first_name"],
			LastName:  fields["last_name"],
			Email:     fields["email"],
			Color:     fields["color"],
		})
	}
	return members
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
