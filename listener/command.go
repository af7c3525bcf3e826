package listener

import (
	"strings"

	"github.com/gosechat/room"
)

// Command is one command type recognized by a Listener. Usage returns
// the accepted invocation templates: whitespace-separated tokens where
// `*` captures exactly one argument and `...`, allowed only as the
// last token, captures the rest of the line.
type Command interface {
	Usage() []string
	Privileges() room.Privilege
	Run(inv *Invocation) error
}

// Invocation is one matched command invocation.
type Invocation struct {
	// Listener is the dispatching listener.
	Listener *Listener
	// Message is the message that triggered the command.
	Message *room.Message
	// Arguments are the tokens captured by the template's wildcards,
	// lower-cased.
	Arguments []string
	// UsageIndex is the index of the matched template within the
	// command's Usage slice. Useful for commands that share most of
	// their code, like shutdown/reboot.
	UsageIndex int
}

// Reply posts a reply to the triggering message.
func (inv *Invocation) Reply(text string) {
	inv.Message.Reply(text)
}

// Post posts a plain message to the room.
func (inv *Invocation) Post(text string) {
	inv.Message.Room.PostMessage(text, nil)
}

func formatArray(items []string, conjunction string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " " + conjunction + " " + items[1]
	default:
		return strings.Join(items[:len(items)-1], ", ") +
			" " + conjunction + " " + items[len(items)-1]
	}
}

func pluralize(count int, word string) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
