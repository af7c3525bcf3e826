package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Deletion errors.
var (
	// ErrNoMessageID the message has no id to delete by
	ErrNoMessageID = errors.New("room: message has no id")
	// ErrTooLate it is past the deadline for deleting the message
	ErrTooLate = errors.New("room: too late to delete message")
	// ErrNotAllowed only one's own messages may be deleted
	ErrNotAllowed = errors.New("room: not allowed to delete message")
)

// UnknownDeletionError is returned when the delete endpoint answers
// with an unrecognized body.
type UnknownDeletionError struct {
	Result string
}

func (e *UnknownDeletionError) Error() string {
	return fmt.Sprintf("room: unknown deletion error: %s", e.Result)
}

// pendingMessage 待发送的消息
type pendingMessage struct {
	text       string
	completion func(id int)
}

// PostMessage queues a message for posting. Messages are sent in
// enqueue order, one at a time. The completion, if any, receives the
// posted message id, or 0 when the server permanently rejected the
// message.
func (r *Room) PostMessage(text string, completion func(id int)) {
	if len(text) == 0 {
		return
	}
	r.queueMu.Lock()
	r.queue = append(r.queue, &pendingMessage{text: text, completion: completion})
	launch := !r.draining
	if launch {
		r.draining = true
	}
	r.queueMu.Unlock()

	// at most one drain worker runs at a time
	if launch {
		go r.drainQueue()
	}
}

// PostReply queues a reply. A known message id yields a `:id` reply
// marker; otherwise a known username yields an `@name` mention;
// otherwise the text is sent plain.
func (r *Room) PostReply(text string, messageID int, username string, completion func(id int)) {
	if messageID != 0 {
		r.PostMessage(fmt.Sprintf(":%d %s", messageID, text), completion)
	} else if username != "" {
		r.PostMessage(fmt.Sprintf("@%s %s", username, text), completion)
	} else {
		r.PostMessage(text, completion)
	}
}

func (r *Room) drainQueue() {
	for {
		r.queueMu.Lock()
		if len(r.queue) == 0 {
			r.draining = false
			r.queueMu.Unlock()
			return
		}
		entry := r.queue[0]
		r.queueMu.Unlock()

		if !r.sendMessage(entry) {
			time.Sleep(r.RetryDelay)
			continue
		}
		time.Sleep(r.SendDelay)
	}
}

// sendMessage posts the head entry once. It reports whether the entry
// was disposed of: false leaves the entry queued for a retry.
func (r *Room) sendMessage(entry *pendingMessage) bool {
	fkey, err := r.fkey()
	if err != nil {
		r.sup.HandleError(err, "while posting a message")
		return false
	}

	body, status, err := r.client.PostForm(
		r.chatURL(fmt.Sprintf("/chats/%d/messages/new", r.id)),
		map[string]string{"text": entry.text, "fkey": fkey})
	if err != nil {
		r.sup.HandleError(err, "while posting a message")
		return false
	}
	if status >= 400 {
		r.log.Warnf("server error %d while posting message", status)
		return false
	}

	var resp struct {
		ID *int `json:"id"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		if strings.HasPrefix(body, "This room has been frozen") {
			r.log.Warn("could not post message to a frozen room")
			r.pop(entry, 0)
			return true
		}
		r.log.Warnf("unparseable response while posting message: %s", body)
		return false
	}

	if resp.ID == nil {
		r.log.Warn("could not post duplicate message")
		r.pop(entry, 0)
		return true
	}
	r.pop(entry, *resp.ID)
	return true
}

func (r *Room) pop(entry *pendingMessage, id int) {
	r.queueMu.Lock()
	if len(r.queue) == 0 || r.queue[0] != entry {
		r.queueMu.Unlock()
		return
	}
	r.queue = r.queue[1:]
	r.queueMu.Unlock()
	if entry.completion != nil {
		entry.completion(id)
	}
}

// DeleteMessage deletes a message by id, retrying through the
// server's rate limit.
func (r *Room) DeleteMessage(messageID int) error {
	for {
		fkey, err := r.fkey()
		if err != nil {
			return err
		}
		body, _, err := r.client.PostForm(
			r.chatURL(fmt.Sprintf("/messages/%d/delete", messageID)),
			map[string]string{"fkey": fkey})
		if err != nil {
			return err
		}

		switch result := strings.Trim(body, `"`); {
		case result == "ok":
			return nil
		case result == "It is too late to delete this message":
			return ErrTooLate
		case result == "You can only delete your own messages":
			return ErrNotAllowed
		case strings.HasPrefix(result, "You can perform this action again in"):
			time.Sleep(r.RetryDelay)
		default:
			return &UnknownDeletionError{Result: body}
		}
	}
}
