package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/example/chat-delivery/internal/model"
)

// Socket event names shared by the local emit path and the cross-node
// channel.
const (
	EventMessage            = "message"
	EventMessagesRead       = "messagesRead"
	EventParticipantsUpdate = "participantsUpdate"
	EventUserLeft           = "userLeft"
	EventSessionEnded       = "sessionEnded"
	EventRoomCreated        = "roomCreated"
	EventRoomUpdate         = "roomUpdate"

	EventJoinRoomSuccess = "joinRoomSuccess"
	EventJoinRoomError   = "joinRoomError"
	EventError           = "error"
)

// DecodePayload maps an event name to its concrete payload type. The table
// is static: events without an entry are unknown to this node version and
// are dropped by the subscriber.
func DecodePayload(event string, data json.RawMessage) (interface{}, error) {
	switch event {
	case EventMessage:
		var p model.MessageResponse
		err := json.Unmarshal(data, &p)
		return p, err
	case EventMessagesRead:
		var p model.MessagesRead
		err := json.Unmarshal(data, &p)
		return p, err
	case EventParticipantsUpdate:
		var p []model.UserResponse
		err := json.Unmarshal(data, &p)
		return p, err
	case EventJoinRoomSuccess:
		var p model.JoinRoomSuccess
		err := json.Unmarshal(data, &p)
		return p, err
	case EventRoomCreated, EventRoomUpdate:
		var p model.Room
		err := json.Unmarshal(data, &p)
		return p, err
	case EventUserLeft, EventSessionEnded:
		var p map[string]string
		err := json.Unmarshal(data, &p)
		return p, err
	default:
		return nil, fmt.Errorf("unknown broadcast event %q", event)
	}
}
