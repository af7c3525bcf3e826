package room

// Message 房间里的一条消息
type Message struct {
	// Room is the room the message was posted in.
	Room *Room
	// User is the author.
	User *User
	// Content is the plain-text content.
	Content string
	// ID is the message id, 0 if not known.
	ID int
	// ReplyID is the id of the message this one replies to, nil if it
	// is not a reply.
	ReplyID *int
}

// Reply posts a reply to this message.
func (m *Message) Reply(text string) {
	m.Room.PostReply(text, m.ID, m.User.Name(), nil)
}

// Delete deletes this message.
func (m *Message) Delete() error {
	if m.ID == 0 {
		return ErrNoMessageID
	}
	return m.Room.DeleteMessage(m.ID)
}
