// Package store is the persistence collaborator of the routing core. Only
// the operations the delivery paths consume are exposed; schema ownership
// and the wider query surface belong to other services.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/chat-delivery/internal/model"
)

// ErrNotFound is returned when a room, user, or message does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the set of operations the join/leave protocol and the delivery
// paths need. The production implementation is Postgres; tests use fakes.
type Store interface {
	FindRoomByID(ctx context.Context, roomID string) (*model.Room, error)

	// AddParticipant atomically adds userID to the room's participant set.
	// Adding an existing participant is a no-op; concurrent adds of distinct
	// users never conflict.
	AddParticipant(ctx context.Context, roomID, userID string) error

	// RemoveParticipant atomically removes userID from the participant set.
	RemoveParticipant(ctx context.Context, roomID, userID string) error

	SaveMessage(ctx context.Context, msg *model.Message) (*model.Message, error)

	// FindMessagesPage returns up to limit non-deleted messages of the room
	// older than before, in chronological order, plus whether more remain.
	FindMessagesPage(ctx context.Context, roomID string, before time.Time, limit int) ([]model.Message, bool, error)

	FindUserByID(ctx context.Context, userID string) (*model.User, error)
	FindUsersByIDs(ctx context.Context, userIDs []string) ([]model.User, error)

	// MarkMessagesRead appends userID to each message's readers set,
	// deduplicated.
	MarkMessagesRead(ctx context.Context, messageIDs []string, userID string) error

	SoftDeleteMessage(ctx context.Context, messageID string) error
}
