// Package locality maps users to the node currently holding their live
// socket. The mapping lives in the shared cache with a TTL so that entries
// left behind by an unclean disconnect age out on their own. A missing or
// stale entry only ever costs a best-effort live push; the persisted
// message remains the authoritative record.
package locality

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/chat-delivery/internal/cache"
)

const keyPrefix = "locality:"

// Registry tracks connection locality cluster-wide. Last writer wins: a
// user reconnecting through another node simply overwrites the entry.
type Registry struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewRegistry builds a registry on the shared cache with the given entry TTL.
func NewRegistry(c cache.Cache, ttl time.Duration) *Registry {
	return &Registry{cache: c, ttl: ttl}
}

// Set records that userID's live connection is held by nodeAddr,
// overwriting any prior entry.
func (r *Registry) Set(ctx context.Context, userID, nodeAddr string) {
	if err := r.cache.Set(ctx, keyPrefix+userID, nodeAddr, r.ttl); err != nil {
		slog.Warn("Failed to register connection locality", "user", userID, "error", err)
	}
}

// Get resolves the node currently holding userID's connection. ok is false
// on miss or cache error; callers drop the delivery in that case.
func (r *Registry) Get(ctx context.Context, userID string) (nodeAddr string, ok bool) {
	addr, err := r.cache.Get(ctx, keyPrefix+userID)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			slog.Warn("Locality lookup failed", "user", userID, "error", err)
		}
		return "", false
	}
	return addr, true
}

// Touch refreshes the TTL of an existing entry on heartbeat. A miss is not
// an error: the next Set recreates the entry.
func (r *Registry) Touch(ctx context.Context, userID string) {
	addr, err := r.cache.Get(ctx, keyPrefix+userID)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, keyPrefix+userID, addr, r.ttl); err != nil {
		slog.Warn("Failed to refresh locality TTL", "user", userID, "error", err)
	}
}

// Evict removes userID's entry on disconnect, logout, or leave-all.
func (r *Registry) Evict(ctx context.Context, userID string) {
	if err := r.cache.Del(ctx, keyPrefix+userID); err != nil {
		slog.Warn("Failed to evict connection locality", "user", userID, "error", err)
	}
}
