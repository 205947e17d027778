// Package model holds the entities shared by the routing core: rooms,
// messages, users, and the payloads that cross the socket and the wire.
package model

import "time"

// MessageType distinguishes user-authored messages from system notices.
type MessageType string

const (
	MessageUser   MessageType = "user"
	MessageSystem MessageType = "system"
)

// Room is the persisted chat room. ParticipantIDs is a set: it is only ever
// mutated through the store's atomic add/remove operations, never written
// back wholesale.
type Room struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	ParticipantIDs []string  `json:"participantIds"`
	PasswordHash   string    `json:"-"`
	CreatorID      string    `json:"creatorId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// HasParticipant reports membership in the persisted participant set.
func (r *Room) HasParticipant(userID string) bool {
	for _, id := range r.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Message is immutable after save except for growth of Readers and the
// soft-delete flag.
type Message struct {
	ID        string              `json:"id"`
	RoomID    string              `json:"roomId"`
	SenderID  string              `json:"senderId,omitempty"` // empty for system messages
	Content   string              `json:"content"`
	Type      MessageType         `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Readers   []string            `json:"readers"`
	IsDeleted bool                `json:"isDeleted"`
	Reactions map[string][]string `json:"reactions,omitempty"`
	Metadata  map[string]string   `json:"metadata,omitempty"`
}

// User is the slice of the user entity the routing core needs.
type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email,omitempty"`
	ProfileImage string `json:"profileImage,omitempty"`
}

// UserResponse is the participant representation sent to clients.
type UserResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ProfileImage string `json:"profileImage,omitempty"`
}

// UserResponseFrom trims a full user to its client-facing shape.
func UserResponseFrom(u *User) UserResponse {
	return UserResponse{ID: u.ID, Name: u.Name, ProfileImage: u.ProfileImage}
}

// MessageResponse is a message enriched with its sender for client display.
// Sender is nil for system messages.
type MessageResponse struct {
	ID        string              `json:"id"`
	RoomID    string              `json:"roomId"`
	Sender    *UserResponse       `json:"sender,omitempty"`
	Content   string              `json:"content"`
	Type      MessageType         `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Readers   []string            `json:"readers"`
	Reactions map[string][]string `json:"reactions,omitempty"`
}

// MessageResponseFrom pairs a message with its (possibly unknown) sender.
func MessageResponseFrom(m *Message, sender *User) MessageResponse {
	resp := MessageResponse{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Content:   m.Content,
		Type:      m.Type,
		Timestamp: m.Timestamp,
		Readers:   m.Readers,
		Reactions: m.Reactions,
	}
	if m.IsDeleted {
		resp.Content = ""
	}
	if sender != nil {
		ur := UserResponseFrom(sender)
		resp.Sender = &ur
	}
	return resp
}

// JoinRoomSuccess is emitted to the joining socket once the join protocol
// completes.
type JoinRoomSuccess struct {
	RoomID       string            `json:"roomId"`
	Participants []UserResponse    `json:"participants"`
	Messages     []MessageResponse `json:"messages"`
	HasMore      bool              `json:"hasMore"`
}

// UserLeft is broadcast when a user leaves a room.
type UserLeft struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// MessagesRead reports a user's newly-read message ids to a room.
type MessagesRead struct {
	UserID     string   `json:"userId"`
	MessageIDs []string `json:"messageIds"`
}

// ErrorPayload is the body of client-visible error events.
type ErrorPayload struct {
	Message string `json:"message"`
}
