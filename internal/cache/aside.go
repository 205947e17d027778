package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/example/chat-delivery/internal/model"
)

// RoomFetch loads a room from the authoritative store.
type RoomFetch func(ctx context.Context, roomID string) (*model.Room, error)

// UserFetch loads a user from the authoritative store.
type UserFetch func(ctx context.Context, userID string) (*model.User, error)

// UsersFetch loads a batch of users from the authoritative store in one
// query.
type UsersFetch func(ctx context.Context, userIDs []string) ([]model.User, error)

// RoomCache is an explicit cache-aside wrapper over room lookups:
// read-through on miss, explicit Evict at every mutation site. Cache
// failures degrade to the store; they are never fatal.
type RoomCache struct {
	cache Cache
	fetch RoomFetch
	ttl   time.Duration
}

// NewRoomCache wraps fetch with a TTL-bound cache.
func NewRoomCache(c Cache, fetch RoomFetch, ttl time.Duration) *RoomCache {
	return &RoomCache{cache: c, fetch: fetch, ttl: ttl}
}

func roomKey(roomID string) string { return "room:" + roomID }

// Get returns the room from cache, falling back to the store on miss.
func (rc *RoomCache) Get(ctx context.Context, roomID string) (*model.Room, error) {
	if val, err := rc.cache.Get(ctx, roomKey(roomID)); err == nil {
		var room model.Room
		if json.Unmarshal([]byte(val), &room) == nil {
			return &room, nil
		}
		// Corrupt entry: evict and fall through to the store.
		_ = rc.cache.Del(ctx, roomKey(roomID))
	}

	room, err := rc.fetch(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(room); err == nil {
		if err := rc.cache.Set(ctx, roomKey(roomID), string(data), rc.ttl); err != nil {
			slog.Warn("Failed to populate room cache", "room", roomID, "error", err)
		}
	}
	return room, nil
}

// Evict drops the cached copy. Called after every participant mutation.
func (rc *RoomCache) Evict(ctx context.Context, roomID string) {
	if err := rc.cache.Del(ctx, roomKey(roomID)); err != nil {
		slog.Warn("Failed to evict room cache", "room", roomID, "error", err)
	}
}

// UserCache is the cache-aside wrapper over user lookups.
type UserCache struct {
	cache     Cache
	fetch     UserFetch
	fetchMany UsersFetch
	ttl       time.Duration
}

// NewUserCache wraps the single and bulk fetchers with a TTL-bound cache.
func NewUserCache(c Cache, fetch UserFetch, fetchMany UsersFetch, ttl time.Duration) *UserCache {
	return &UserCache{cache: c, fetch: fetch, fetchMany: fetchMany, ttl: ttl}
}

func userKey(userID string) string { return "user:" + userID }

// Get returns the user from cache, falling back to the store on miss.
func (uc *UserCache) Get(ctx context.Context, userID string) (*model.User, error) {
	if val, err := uc.cache.Get(ctx, userKey(userID)); err == nil {
		var user model.User
		if json.Unmarshal([]byte(val), &user) == nil {
			return &user, nil
		}
		_ = uc.cache.Del(ctx, userKey(userID))
	}

	user, err := uc.fetch(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(user); err == nil {
		if err := uc.cache.Set(ctx, userKey(userID), string(data), uc.ttl); err != nil {
			slog.Warn("Failed to populate user cache", "user", userID, "error", err)
		}
	}
	return user, nil
}

// GetMany resolves users through the cache and fetches all misses from
// the store in a single bulk query, populating the cache on the way out.
// Order follows the input ids; ids that resolve nowhere are skipped.
func (uc *UserCache) GetMany(ctx context.Context, userIDs []string) []*model.User {
	resolved := make(map[string]*model.User, len(userIDs))
	var missing []string
	for _, id := range userIDs {
		if val, err := uc.cache.Get(ctx, userKey(id)); err == nil {
			var user model.User
			if json.Unmarshal([]byte(val), &user) == nil {
				resolved[id] = &user
				continue
			}
			_ = uc.cache.Del(ctx, userKey(id))
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		fetched, err := uc.fetchMany(ctx, missing)
		if err != nil {
			slog.Warn("Bulk user fetch failed", "count", len(missing), "error", err)
		}
		for i := range fetched {
			user := fetched[i]
			resolved[user.ID] = &user
			if data, err := json.Marshal(&user); err == nil {
				if err := uc.cache.Set(ctx, userKey(user.ID), string(data), uc.ttl); err != nil {
					slog.Warn("Failed to populate user cache", "user", user.ID, "error", err)
				}
			}
		}
	}

	users := make([]*model.User, 0, len(userIDs))
	for _, id := range userIDs {
		if user, ok := resolved[id]; ok {
			users = append(users, user)
		}
	}
	return users
}

// Evict drops the cached copy.
func (uc *UserCache) Evict(ctx context.Context, userID string) {
	if err := uc.cache.Del(ctx, userKey(userID)); err != nil {
		slog.Warn("Failed to evict user cache", "user", userID, "error", err)
	}
}
