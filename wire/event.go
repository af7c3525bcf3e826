package wire

import (
	"encoding/json"
	"fmt"
)

// EventType 事件类型
type EventType int

// Event types delivered by the chat socket. Types not listed here are
// rejected as invalid; listed types the client does not act on are
// decoded and dropped.
const (
	// EventMessagePosted a message is posted in the room
	EventMessagePosted EventType = 1
	// EventMessageEdited a message is edited in the room
	EventMessageEdited EventType = 2
	// EventUserEntered a user entered the room
	EventUserEntered EventType = 3
	// EventUserLeft a user left the room
	EventUserLeft EventType = 4
	// EventRoomNameChanged the name of the room is changed
	EventRoomNameChanged EventType = 5
	// EventMessageStarred a message is starred
	EventMessageStarred EventType = 6
	// EventDebugMessage debug message
	EventDebugMessage EventType = 7
	// EventUserMentioned a user is mentioned
	EventUserMentioned EventType = 8
	// EventMessageFlagged a message is flagged
	EventMessageFlagged EventType = 9
	// EventMessageDeleted a message is deleted
	EventMessageDeleted EventType = 10
	// EventFileAdded a file is uploaded
	EventFileAdded EventType = 11
	// EventModeratorFlag a message is mod-flagged
	EventModeratorFlag EventType = 12
	// EventUserSettingsChanged user settings changed
	EventUserSettingsChanged EventType = 13
	// EventGlobalNotification global notification
	EventGlobalNotification EventType = 14
	// EventAccessLevelChanged a user's access level changed
	EventAccessLevelChanged EventType = 15
	// EventUserNotification user notification
	EventUserNotification EventType = 16
	// EventInvitation a user is invited to a room
	EventInvitation EventType = 17
	// EventMessageReply a message is replied to
	EventMessageReply EventType = 18
	// EventMessageMovedOut a message is moved out of the room
	EventMessageMovedOut EventType = 19
	// EventMessageMovedIn a message is moved into the room
	EventMessageMovedIn EventType = 20
	// EventTimeBreak the room is placed in timeout
	EventTimeBreak EventType = 21
	// EventFeedTicker feed ticker
	EventFeedTicker EventType = 22
	// EventUserSuspended a user is suspended
	EventUserSuspended EventType = 29
	// EventUserMerged a user is merged
	EventUserMerged EventType = 30
	// EventUsernameChanged a user's name changed
	EventUsernameChanged EventType = 34
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch {
	case t >= EventMessagePosted && t <= EventFeedTicker:
		return true
	case t == EventUserSuspended, t == EventUserMerged, t == EventUsernameChanged:
		return true
	}
	return false
}

// Event 房间事件，从 socket 帧中解码得到
type Event struct {
	Type      EventType `json:"event_type"`
	TimeStamp int64     `json:"time_stamp"`
	RoomID    int       `json:"room_id"`
	UserID    int       `json:"user_id"`
	UserName  string    `json:"user_name"`
	MessageID int       `json:"message_id"`
	// Content is the rendered HTML of the message, if any.
	Content  string `json:"content"`
	ParentID *int   `json:"parent_id"`
}

// HeartbeatReply must be written back verbatim whenever a heartbeat
// frame arrives.
const HeartbeatReply = `{"action":"hb","data":"hb"}`

// InvalidEventTypeError is returned when a structurally valid event
// carries an unknown event_type.
type InvalidEventTypeError struct {
	Type int
}

func (e *InvalidEventTypeError) Error() string {
	return fmt.Sprintf("wire: invalid event type %d", e.Type)
}

// ParseError is returned when a frame or event cannot be decoded.
type ParseError struct {
	JSON string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: json parsing failed: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Frame is one decoded text frame from the chat socket.
type Frame struct {
	fields map[string]json.RawMessage
}

// ParseFrame decodes a text frame. The frame must be a JSON object.
func ParseFrame(data []byte) (*Frame, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &ParseError{JSON: string(data), Err: err}
	}
	return &Frame{fields: fields}, nil
}

// IsHeartbeat reports whether the frame is a server heartbeat.
func (f *Frame) IsHeartbeat() bool {
	raw, ok := f.fields["action"]
	if !ok {
		return false
	}
	var action string
	if err := json.Unmarshal(raw, &action); err != nil {
		return false
	}
	return action == "hb"
}

// Events returns the events addressed to the given room, in array
// order. A frame with no entry for the room carries no events and
// yields nil. An event whose type is unknown rejects the whole frame
// with *InvalidEventTypeError.
func (f *Frame) Events(roomID int) ([]Event, error) {
	raw, ok := f.fields[fmt.Sprintf("r%d", roomID)]
	if !ok {
		return nil, nil
	}
	var body struct {
		E []json.RawMessage `json:"e"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &ParseError{JSON: string(raw), Err: err}
	}
	if body.E == nil {
		return nil, nil
	}
	events := make([]Event, 0, len(body.E))
	for _, rawEvent := range body.E {
		var event Event
		if err := json.Unmarshal(rawEvent, &event); err != nil {
			return nil, &ParseError{JSON: string(rawEvent), Err: err}
		}
		if !event.Type.Valid() {
			return nil, &InvalidEventTypeError{Type: int(event.Type)}
		}
		events = append(events, event)
	}
	return events, nil
}
