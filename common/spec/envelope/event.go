// Package envelope defines the validated shape of an inbound room event.
//
// The chat client hands raw event content to Decode, which fails closed:
// anything missing a room, sender, message type or (for text) a body is
// rejected with ErrMalformedEvent before it can reach the message log.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MsgTypeText is the only message type the relay stores and answers.
const MsgTypeText = "m.text"

// ErrMalformedEvent is returned for events that lack required fields.
var ErrMalformedEvent = errors.New("malformed event")

// RoomEvent is an inbound chat message after boundary validation.
type RoomEvent struct {
	// RoomID is the conversation partition the event belongs to.
	RoomID string `json:"room_id"`
	// EventID is the chat service's id for the event, used for logging.
	EventID string `json:"event_id,omitempty"`
	// Sender is the stable id of the author.
	Sender string `json:"sender"`
	// MsgType classifies the content (e.g. "m.text", "m.image").
	MsgType string `json:"msgtype"`
	// Body is the plain-text content. It may be empty.
	Body string `json:"body"`
}

// IsText reports whether the event is a plain text message.
func (e *RoomEvent) IsText() bool { return e.MsgType == MsgTypeText }

// Validate checks that the event carries every field the relay relies on.
func (e *RoomEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: event must not be nil", ErrMalformedEvent)
	}
	if e.RoomID == "" {
		return fmt.Errorf("%w: room_id must not be empty", ErrMalformedEvent)
	}
	if e.Sender == "" {
		return fmt.Errorf("%w: sender must not be empty", ErrMalformedEvent)
	}
	if e.MsgType == "" {
		return fmt.Errorf("%w: msgtype must not be empty", ErrMalformedEvent)
	}
	return nil
}

// messageContent mirrors the fields of m.room.message content we read. Body
// is a pointer so an absent body can be told apart from an empty one.
type messageContent struct {
	MsgType string  `json:"msgtype"`
	Body    *string `json:"body"`
}

// Decode builds a RoomEvent from routing metadata and the raw JSON content
// of a room message, then validates it. Text events without a body are
// malformed; other message types may omit it.
func Decode(roomID, eventID, sender string, content []byte) (*RoomEvent, error) {
	var c messageContent
	if err := json.Unmarshal(content, &c); err != nil {
		return nil, fmt.Errorf("%w: decode content: %v", ErrMalformedEvent, err)
	}
	evt := &RoomEvent{
		RoomID:  roomID,
		EventID: eventID,
		Sender:  sender,
		MsgType: c.MsgType,
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	if c.Body != nil {
		evt.Body = *c.Body
	} else if evt.IsText() {
		return nil, fmt.Errorf("%w: %s event without body", ErrMalformedEvent, MsgTypeText)
	}
	return evt, nil
}
