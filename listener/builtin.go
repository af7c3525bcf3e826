package listener

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/gosechat/room"
)

// SayCommand repeats its arguments back into the room, with the
// original casing.
type SayCommand struct{}

func (SayCommand) Usage() []string { return []string{"say ..."} }

func (SayCommand) Privileges() room.Privilege { return 0 }

func (SayCommand) Run(inv *Invocation) error {
	fields := strings.Fields(inv.Message.Content)
	if len(fields) > 2 {
		inv.Post(strings.Join(fields[2:], " "))
	}
	return nil
}

// StopCommand shuts the bot down or reboots it.
type StopCommand struct{}

// the usages from this index on mean reboot rather than halt
const rebootIndex = 4

func (StopCommand) Usage() []string {
	return []string{"stop ...", "halt ...", "shutdown ...", "shut down ...", "restart ...", "reboot ..."}
}

func (StopCommand) Privileges() room.Privilege { return room.PrivilegeOwner }

func (StopCommand) Run(inv *Invocation) error {
	if inv.UsageIndex < rebootIndex {
		inv.Reply("Shutting down...")
		inv.Listener.Stop(StopHalt)
	} else {
		inv.Reply("Rebooting...")
		inv.Listener.Stop(StopReboot)
	}
	return nil
}

// KillCommand aborts the process immediately, without waiting for
// running commands. Useful when the bot is misbehaving.
type KillCommand struct{}

func (KillCommand) Usage() []string {
	return []string{"kill ...", "crash ...", "die ..."}
}

func (KillCommand) Privileges() room.Privilege { return room.PrivilegeOwner }

func (KillCommand) Run(inv *Invocation) error {
	inv.Listener.sup.Fatal("killed by " + inv.Message.User.Name())
	return nil
}

// DeleteCommand deletes messages given their ids, transcript links, or
// the reply target.
type DeleteCommand struct{}

func (DeleteCommand) Usage() []string {
	return []string{"del ...", "delete ...", "poof ...", "remove ...", "ninja'd ..."}
}

func (DeleteCommand) Privileges() room.Privilege { return 0 }

var (
	errWrongHost      = errors.New("listener: transcript link is for a different chat host")
	errNotChatMessage = errors.New("listener: not a link to a chat message")
)

// parseTranscriptLink extracts the message id from a transcript URL:
// the fragment, the `m` query parameter, or the last path segment.
func parseTranscriptLink(m *room.Message, link *url.URL) (int, error) {
	if link.Host != m.Room.Host().ChatDomain() {
		return 0, errWrongHost
	}
	segments := strings.Split(strings.Trim(link.Path, "/"), "/")
	if len(segments) < 2 || segments[0] != "transcript" {
		return 0, errNotChatMessage
	}
	if id, err := strconv.Atoi(link.Fragment); err == nil {
		return id, nil
	}
	if id, err := strconv.Atoi(link.Query().Get("m")); err == nil {
		return id, nil
	}
	if id, err := strconv.Atoi(segments[len(segments)-1]); err == nil {
		return id, nil
	}
	return 0, errNotChatMessage
}

func (DeleteCommand) Run(inv *Invocation) error {
	var ids []int
	add := func(id int) {
		for _, existing := range ids {
			if existing == id {
				return
			}
		}
		ids = append(ids, id)
	}

	for _, arg := range inv.Arguments {
		if id, err := strconv.Atoi(arg); err == nil {
			add(id)
			continue
		}
		link, err := url.Parse(arg)
		if err != nil || link.Host == "" {
			continue
		}
		id, err := parseTranscriptLink(inv.Message, link)
		switch err {
		case nil:
			add(id)
		case errWrongHost:
			inv.Reply("I cannot delete messages on a different chat host.")
			return nil
		case errNotChatMessage:
			inv.Reply("That URL does not look like a link to a chat message.")
			return nil
		}
	}
	if len(inv.Arguments) == 0 && inv.Message.ReplyID != nil {
		add(*inv.Message.ReplyID)
	}

	if len(ids) == 0 {
		inv.Reply("Which messages should be deleted?")
		return nil
	}

	for _, id := range ids {
		switch err := inv.Message.Room.DeleteMessage(id); err {
		case nil:
		case room.ErrNotAllowed:
			inv.Reply("I am not allowed to delete that message.")
		case room.ErrTooLate:
			inv.Reply("It is too late to delete that message.")
		default:
			return err
		}
	}
	return nil
}

// RunningCommand lists the currently executing commands.
type RunningCommand struct{}

func (RunningCommand) Usage() []string { return []string{"running commands"} }

func (RunningCommand) Privileges() room.Privilege { return 0 }

func (RunningCommand) Run(inv *Invocation) error {
	var users, contents []string
	for _, running := range inv.Listener.Running() {
		users = append(users, running.Message.User.Name())
		contents = append(contents, running.Message.Content)
	}

	inv.Reply("Running commands:")
	inv.Post(makeTable([]string{"User", "Command"}, users, contents))
	return nil
}

// makeTable renders columns as a fixed-font chat table, each line
// indented four spaces.
func makeTable(headers []string, columns ...[]string) string {
	rows := 0
	for _, col := range columns {
		if len(col) > rows {
			rows = len(col)
		}
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
		if i < len(columns) {
			for _, cell := range columns[i] {
				if len(cell) > widths[i] {
					widths[i] = len(cell)
				}
			}
		}
	}

	line := func(cells []string) string {
		padded := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			padded[i] = cell + strings.Repeat(" ", widths[i]-len(cell))
		}
		return "    " + strings.TrimRight(strings.Join(padded, " | "), " ")
	}

	out := []string{line(headers)}
	for r := 0; r < rows; r++ {
		cells := make([]string, len(columns))
		for c, col := range columns {
			if r < len(col) {
				cells[c] = col[r]
			}
		}
		out = append(out, line(cells))
	}
	return strings.Join(out, "\n")
}
