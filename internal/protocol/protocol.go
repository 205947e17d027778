// Package protocol implements the room join and leave state machines and
// the message operations that drive fan-out. Handlers call into one
// Service per node; everything client-visible is emitted through the local
// hub, and cross-node propagation goes over the broadcast channel or, for
// large rooms, the targeted delivery queue.
package protocol

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/chat-delivery/internal/broadcast"
	"github.com/example/chat-delivery/internal/cache"
	"github.com/example/chat-delivery/internal/hub"
	"github.com/example/chat-delivery/internal/locality"
	"github.com/example/chat-delivery/internal/membership"
	"github.com/example/chat-delivery/internal/model"
	"github.com/example/chat-delivery/internal/session"
	"github.com/example/chat-delivery/internal/store"
	"github.com/example/chat-delivery/pkg/telemetry"
)

// Terminal protocol errors. Each maps to a distinct client message; any
// other error surfaces as the operation's generic fallback.
var (
	ErrUnauthorized     = errors.New("protocol: unauthorized")
	ErrRoomNotFound     = errors.New("protocol: room not found")
	ErrUserNotFound     = errors.New("protocol: user not found")
	ErrPasswordMismatch = errors.New("protocol: room password mismatch")
)

// Client-facing error strings. The join and leave fallbacks differ, so the
// socket layer can tell the user which operation failed.
const (
	msgUnauthorized     = "Unauthorized"
	msgRoomNotFound     = "채팅방을 찾을 수 없습니다."
	msgUserNotFound     = "사용자를 찾을 수 없습니다."
	msgPasswordMismatch = "비밀번호가 일치하지 않습니다."
	msgJoinFallback     = "채팅방 입장에 실패했습니다."
	msgLeaveFallback    = "채팅방 퇴장 중 오류가 발생했습니다."
	msgSendFallback     = "메시지 전송에 실패했습니다."
)

// clientMessage translates a protocol error into its client string.
func clientMessage(err error, fallback string) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return msgUnauthorized
	case errors.Is(err, ErrRoomNotFound):
		return msgRoomNotFound
	case errors.Is(err, ErrUserNotFound):
		return msgUserNotFound
	case errors.Is(err, ErrPasswordMismatch):
		return msgPasswordMismatch
	}
	return fallback
}

// HashPassword derives the stored form of a room password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Broadcaster is the cross-node pub/sub side of fan-out.
type Broadcaster interface {
	Publish(ctx context.Context, roomID, event string, payload interface{})
}

// Targeter is the chunked queue side of fan-out, engaged for large rooms.
type Targeter interface {
	Publish(ctx context.Context, roomID, event string, participants []string, payload interface{}) error
}

// Params collects the collaborators of a Service.
type Params struct {
	Store     store.Store
	Rooms     *cache.RoomCache
	Users     *cache.UserCache
	Tracker   *membership.Tracker
	Hub       *hub.Hub
	Registry  *locality.Registry
	Validator session.Validator
	Broadcast Broadcaster
	Queue     Targeter // optional; nil disables the targeted path

	// NodeAddr is this node's advertised gateway address, written into
	// the locality registry on join.
	NodeAddr string

	LookupRetries   int
	LookupDelay     time.Duration
	PageSize        int
	FanoutThreshold int
}

// Service runs the join/leave protocol for one node.
type Service struct {
	p Params

	joins        metric.Int64Counter
	leaves       metric.Int64Counter
	joinDuration metric.Float64Histogram
}

// NewService wires a protocol service from its collaborators.
func NewService(p Params, meter metric.Meter) *Service {
	joins, _ := meter.Int64Counter("room_joins_total",
		metric.WithDescription("Completed room joins"))
	leaves, _ := meter.Int64Counter("room_leaves_total",
		metric.WithDescription("Completed room leaves"))
	joinDuration, _ := telemetry.NewDurationHistogram(meter, "room_join_duration_seconds",
		"Join protocol latency including lookup retries")
	return &Service{p: p, joins: joins, leaves: leaves, joinDuration: joinDuration}
}

// Join runs the join state machine for one socket. Success and failure are
// both emitted to the joining user's socket; the returned error is for the
// caller's logging only and never reaches other connections.
func (s *Service) Join(ctx context.Context, userID, token, roomID, password string) error {
	start := time.Now()
	err := s.join(ctx, userID, token, roomID, password)
	if err != nil {
		slog.WarnContext(ctx, "Join failed", "user", userID, "room", roomID, "error", err)
		s.p.Hub.Send(userID, broadcast.EventJoinRoomError,
			model.ErrorPayload{Message: clientMessage(err, msgJoinFallback)})
		return err
	}
	s.joins.Add(ctx, 1)
	s.joinDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("room", roomID)))
	return nil
}

func (s *Service) join(ctx context.Context, userID, token, roomID, password string) error {
	if _, err := s.p.Validator.Validate(ctx, userID, token); err != nil {
		return ErrUnauthorized
	}

	user, err := s.p.Users.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	room, err := s.lookupRoom(ctx, roomID)
	if err != nil {
		return err
	}

	// Returning members skip the password gate.
	if room.PasswordHash != "" && !room.HasParticipant(userID) && !s.p.Tracker.IsInRoom(userID, roomID) {
		if HashPassword(password) != room.PasswordHash {
			return ErrPasswordMismatch
		}
	}

	// Idempotency: a second join from a socket already in the local group
	// only re-sends the success snapshot. No mutation, no system message.
	if s.p.Tracker.IsInRoom(userID, roomID) {
		success, err := s.snapshot(ctx, room)
		if err != nil {
			return err
		}
		s.p.Hub.Send(userID, broadcast.EventJoinRoomSuccess, success)
		return nil
	}

	if err := s.p.Store.AddParticipant(ctx, roomID, userID); err != nil {
		return err
	}
	s.p.Rooms.Evict(ctx, roomID)
	s.p.Tracker.Add(userID, roomID)
	s.p.Registry.Set(ctx, userID, s.p.NodeAddr)

	sysMsg, err := s.p.Store.SaveMessage(ctx, &model.Message{
		RoomID:  roomID,
		Content: user.Name + "님이 입장하였습니다.",
		Type:    model.MessageSystem,
	})
	if err != nil {
		return err
	}

	success, err := s.snapshot(ctx, room)
	if err != nil {
		return err
	}

	// Mark the loaded page read for the joiner. Not fatal: the reader set
	// converges on the next mark.
	if ids := messageIDs(success.Messages); len(ids) > 0 {
		if err := s.p.Store.MarkMessagesRead(ctx, ids, userID); err != nil {
			slog.WarnContext(ctx, "Failed to mark history read on join", "user", userID, "room", roomID, "error", err)
		}
	}

	s.p.Hub.Send(userID, broadcast.EventJoinRoomSuccess, success)

	fresh, err := s.lookupRoom(ctx, roomID)
	if err != nil {
		// The join itself is durable at this point; fall back to the
		// pre-mutation participant list for fan-out sizing.
		fresh = room
	}
	s.fanOut(ctx, fresh, broadcast.EventMessage, model.MessageResponseFrom(sysMsg, nil))
	s.fanOut(ctx, fresh, broadcast.EventParticipantsUpdate, success.Participants)

	slog.InfoContext(ctx, "User joined room", "user", userID, "room", roomID, "participants", len(success.Participants))
	return nil
}

// snapshot builds the joinRoomSuccess payload: authoritative participants
// after a fresh room read, plus the newest history page.
func (s *Service) snapshot(ctx context.Context, room *model.Room) (*model.JoinRoomSuccess, error) {
	fresh, err := s.lookupRoom(ctx, room.ID)
	if err != nil {
		return nil, err
	}

	participants := make([]model.UserResponse, 0, len(fresh.ParticipantIDs))
	for _, u := range s.p.Users.GetMany(ctx, fresh.ParticipantIDs) {
		participants = append(participants, model.UserResponseFrom(u))
	}

	msgs, hasMore, err := s.p.Store.FindMessagesPage(ctx, room.ID, time.Now(), s.p.PageSize)
	if err != nil {
		return nil, err
	}
	responses := make([]model.MessageResponse, 0, len(msgs))
	for i := range msgs {
		var sender *model.User
		if msgs[i].SenderID != "" {
			sender, _ = s.p.Users.Get(ctx, msgs[i].SenderID)
		}
		responses = append(responses, model.MessageResponseFrom(&msgs[i], sender))
	}

	return &model.JoinRoomSuccess{
		RoomID:       room.ID,
		Participants: participants,
		Messages:     responses,
		HasMore:      hasMore,
	}, nil
}

// Leave removes the user from the room. A user with no local membership is
// a no-op; a user present locally but failing mid-protocol gets the leave
// error on their socket.
func (s *Service) Leave(ctx context.Context, userID, roomID string) error {
	if !s.p.Tracker.IsInRoom(userID, roomID) {
		return nil
	}
	if err := s.leave(ctx, userID, roomID); err != nil {
		slog.WarnContext(ctx, "Leave failed", "user", userID, "room", roomID, "error", err)
		s.p.Hub.Send(userID, broadcast.EventError, model.ErrorPayload{Message: msgLeaveFallback})
		return err
	}
	s.leaves.Add(ctx, 1)
	return nil
}

func (s *Service) leave(ctx context.Context, userID, roomID string) error {
	user, err := s.p.Users.Get(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := s.p.Rooms.Get(ctx, roomID); err != nil {
		return err
	}

	if err := s.p.Store.RemoveParticipant(ctx, roomID, userID); err != nil {
		return err
	}
	s.p.Rooms.Evict(ctx, roomID)
	s.p.Registry.Evict(ctx, userID)
	s.p.Tracker.Remove(userID, roomID)

	sysMsg, err := s.p.Store.SaveMessage(ctx, &model.Message{
		RoomID:  roomID,
		Content: user.Name + "님이 퇴장하였습니다.",
		Type:    model.MessageSystem,
	})
	if err != nil {
		return err
	}

	fresh, err := s.p.Rooms.Get(ctx, roomID)
	if err != nil {
		return err
	}

	s.fanOut(ctx, fresh, broadcast.EventMessage, model.MessageResponseFrom(sysMsg, nil))
	if len(fresh.ParticipantIDs) > 0 {
		participants := make([]model.UserResponse, 0, len(fresh.ParticipantIDs))
		for _, u := range s.p.Users.GetMany(ctx, fresh.ParticipantIDs) {
			participants = append(participants, model.UserResponseFrom(u))
		}
		s.fanOut(ctx, fresh, broadcast.EventParticipantsUpdate, participants)
	}
	s.fanOut(ctx, fresh, broadcast.EventUserLeft, model.UserLeft{UserID: userID, UserName: user.Name})

	slog.InfoContext(ctx, "User left room", "user", userID, "room", roomID, "remaining", len(fresh.ParticipantIDs))
	return nil
}

// SendMessage persists a user message and fans it out. Only locally-joined
// users may send through this node.
func (s *Service) SendMessage(ctx context.Context, userID, roomID, content string) error {
	if err := s.sendMessage(ctx, userID, roomID, content); err != nil {
		slog.WarnContext(ctx, "Send failed", "user", userID, "room", roomID, "error", err)
		s.p.Hub.Send(userID, broadcast.EventError, model.ErrorPayload{Message: clientMessage(err, msgSendFallback)})
		return err
	}
	return nil
}

func (s *Service) sendMessage(ctx context.Context, userID, roomID, content string) error {
	if !s.p.Tracker.IsInRoom(userID, roomID) {
		return ErrUnauthorized
	}
	user, err := s.p.Users.Get(ctx, userID)
	if err != nil {
		return err
	}
	saved, err := s.p.Store.SaveMessage(ctx, &model.Message{
		RoomID:   roomID,
		SenderID: userID,
		Content:  content,
		Type:     model.MessageUser,
	})
	if err != nil {
		return err
	}
	room, err := s.p.Rooms.Get(ctx, roomID)
	if err != nil {
		return err
	}
	s.fanOut(ctx, room, broadcast.EventMessage, model.MessageResponseFrom(saved, user))
	return nil
}

// MarkRead appends the user to the readers of the given messages and fans
// out the read receipt.
func (s *Service) MarkRead(ctx context.Context, userID, roomID string, messageIDs []string) error {
	if !s.p.Tracker.IsInRoom(userID, roomID) || len(messageIDs) == 0 {
		return nil
	}
	if err := s.p.Store.MarkMessagesRead(ctx, messageIDs, userID); err != nil {
		slog.WarnContext(ctx, "Mark read failed", "user", userID, "room", roomID, "error", err)
		return err
	}
	room, err := s.p.Rooms.Get(ctx, roomID)
	if err != nil {
		return err
	}
	s.fanOut(ctx, room, broadcast.EventMessagesRead, model.MessagesRead{UserID: userID, MessageIDs: messageIDs})
	return nil
}

// DeleteMessage soft-deletes a message and fans out the blanked shell so
// clients clear the content in place. The store keeps the row; history
// pages stop returning it.
func (s *Service) DeleteMessage(ctx context.Context, userID, roomID, messageID string) error {
	if !s.p.Tracker.IsInRoom(userID, roomID) {
		return ErrUnauthorized
	}
	if err := s.p.Store.SoftDeleteMessage(ctx, messageID); err != nil {
		slog.WarnContext(ctx, "Delete message failed", "user", userID, "message", messageID, "error", err)
		return err
	}
	room, err := s.p.Rooms.Get(ctx, roomID)
	if err != nil {
		return err
	}
	s.fanOut(ctx, room, broadcast.EventMessage, model.MessageResponse{
		ID:     messageID,
		RoomID: roomID,
		Type:   model.MessageUser,
	})
	return nil
}

// Heartbeat refreshes the user's locality TTL while the socket stays
// alive.
func (s *Service) Heartbeat(ctx context.Context, userID string) {
	s.p.Registry.Touch(ctx, userID)
}

// Disconnect clears everything this node tracks for the user: local
// memberships, the locality entry, nothing persisted. Returns the rooms
// the user was in so the caller can log them.
func (s *Service) Disconnect(ctx context.Context, userID string) []string {
	rooms := s.p.Tracker.RemoveUserFromAll(userID)
	s.p.Registry.Evict(ctx, userID)
	if len(rooms) > 0 {
		slog.InfoContext(ctx, "Cleared local memberships on disconnect", "user", userID, "rooms", len(rooms))
	}
	return rooms
}

// lookupRoom reads the room through the cache, absorbing read-after-write
// lag with a bounded fixed-delay retry. Only NotFound is retried.
func (s *Service) lookupRoom(ctx context.Context, roomID string) (*model.Room, error) {
	for attempt := 1; ; attempt++ {
		room, err := s.p.Rooms.Get(ctx, roomID)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if attempt >= s.p.LookupRetries {
			return nil, ErrRoomNotFound
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.p.LookupDelay):
		}
	}
}

// fanOut emits the event locally and propagates it cross-node. Rooms above
// the threshold go over the targeted queue, minus the members this node
// already delivered to; everything else rides the broadcast channel, where
// origin suppression prevents the echo.
func (s *Service) fanOut(ctx context.Context, room *model.Room, event string, payload interface{}) {
	local := s.p.Tracker.Members(room.ID)
	s.p.Hub.SendToUsers(local, event, payload)

	if s.p.Queue != nil && len(room.ParticipantIDs) > s.p.FanoutThreshold {
		remote := subtract(room.ParticipantIDs, local)
		if len(remote) == 0 {
			return
		}
		if err := s.p.Queue.Publish(ctx, room.ID, event, remote, payload); err != nil {
			slog.WarnContext(ctx, "Targeted publish failed, falling back to broadcast", "room", room.ID, "event", event, "error", err)
			s.p.Broadcast.Publish(ctx, room.ID, event, payload)
		}
		return
	}

	s.p.Broadcast.Publish(ctx, room.ID, event, payload)
}

func subtract(ids, exclude []string) []string {
	if len(exclude) == 0 {
		return ids
	}
	drop := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		drop[id] = struct{}{}
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func messageIDs(msgs []model.MessageResponse) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}
