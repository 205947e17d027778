package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/chat-delivery/internal/model"
)

func TestMemory_TTLExpiry(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }

	ctx := context.Background()
	if err := m.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if val, err := m.Get(ctx, "k"); err != nil || val != "v" {
		t.Errorf("Expected hit with v, got %q, %v", val, err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Errorf("Expected ErrMiss after expiry, got %v", err)
	}
}

func TestRoomCache_ReadThrough(t *testing.T) {
	ctx := context.Background()
	fetches := 0
	fetch := func(_ context.Context, roomID string) (*model.Room, error) {
		fetches++
		return &model.Room{ID: roomID, Name: "general"}, nil
	}

	rc := NewRoomCache(NewMemory(), fetch, time.Minute)

	room, err := rc.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if room.Name != "general" {
		t.Errorf("Expected room name general, got %q", room.Name)
	}
	if fetches != 1 {
		t.Fatalf("Expected 1 store fetch, got %d", fetches)
	}

	// Second read is served from cache.
	if _, err := rc.Get(ctx, "r1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetches != 1 {
		t.Errorf("Expected cached read, store was hit %d times", fetches)
	}

	// Evict forces a re-fetch.
	rc.Evict(ctx, "r1")
	if _, err := rc.Get(ctx, "r1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetches != 2 {
		t.Errorf("Expected re-fetch after evict, got %d fetches", fetches)
	}
}

func TestRoomCache_StoreErrorPropagates(t *testing.T) {
	wantErr := errors.New("store down")
	rc := NewRoomCache(NewMemory(), func(context.Context, string) (*model.Room, error) {
		return nil, wantErr
	}, time.Minute)

	if _, err := rc.Get(context.Background(), "r1"); !errors.Is(err, wantErr) {
		t.Errorf("Expected store error, got %v", err)
	}
}

func TestUserCache_GetManyBulkFetchesMisses(t *testing.T) {
	ctx := context.Background()
	singleCalls := 0
	fetch := func(_ context.Context, userID string) (*model.User, error) {
		singleCalls++
		return &model.User{ID: userID, Name: "name-" + userID}, nil
	}
	bulkCalls := 0
	fetchMany := func(_ context.Context, userIDs []string) ([]model.User, error) {
		bulkCalls++
		users := make([]model.User, 0, len(userIDs))
		for _, id := range userIDs {
			if id == "missing" {
				continue
			}
			users = append(users, model.User{ID: id, Name: "name-" + id})
		}
		return users, nil
	}

	uc := NewUserCache(NewMemory(), fetch, fetchMany, time.Minute)

	// Prime one id through the single-user path.
	if _, err := uc.Get(ctx, "u1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	singleCalls = 0

	users := uc.GetMany(ctx, []string{"u1", "missing", "u2", "u3"})
	if len(users) != 3 {
		t.Fatalf("Expected 3 resolved users, got %d", len(users))
	}
	if users[0].ID != "u1" || users[1].ID != "u2" || users[2].ID != "u3" {
		t.Errorf("Expected order [u1 u2 u3], got [%s %s %s]", users[0].ID, users[1].ID, users[2].ID)
	}
	if bulkCalls != 1 {
		t.Errorf("Expected all misses served by a single bulk fetch, got %d", bulkCalls)
	}
	if singleCalls != 0 {
		t.Errorf("Expected no per-id store reads, got %d", singleCalls)
	}

	// Fetched users are cached: a second read needs no store round trip.
	if got := uc.GetMany(ctx, []string{"u2", "u3"}); len(got) != 2 {
		t.Fatalf("Expected 2 cached users, got %d", len(got))
	}
	if bulkCalls != 1 {
		t.Errorf("Expected cached reads, bulk fetch ran %d times", bulkCalls)
	}
}

func TestUserCache_GetManyBulkFetchError(t *testing.T) {
	fetchMany := func(context.Context, []string) ([]model.User, error) {
		return nil, errors.New("store down")
	}
	uc := NewUserCache(NewMemory(), nil, fetchMany, time.Minute)

	if users := uc.GetMany(context.Background(), []string{"u1", "u2"}); len(users) != 0 {
		t.Errorf("Expected no users when the bulk fetch fails, got %d", len(users))
	}
}
