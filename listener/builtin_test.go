package listener

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSayCommand(t *testing.T) {
	h := newHarness(t)
	l := New(h.sup, SayCommand{})

	// the posted text keeps the original casing
	l.ProcessMessage(h.message("@bot say Hello World", 0), false)
	assert.Equal(t, "Hello World", recv(t, h.posts))
}

func TestStopCommandHaltAndReboot(t *testing.T) {
	h := newHarness(t)

	l := New(h.sup, StopCommand{})
	fired := make(chan StopReason, 1)
	l.OnShutdown(func(reason StopReason) { fired <- reason })

	l.ProcessMessage(h.message("@bot shutdown", 0), false)
	assert.Equal(t, ":100 Shutting down...", recv(t, h.posts))
	assert.Equal(t, StopHalt, <-fired)

	// a fresh listener, since the first one is stopped for good
	l = New(h.sup, StopCommand{})
	l.OnShutdown(func(reason StopReason) { fired <- reason })
	l.ProcessMessage(h.message("@bot reboot", 0), false)
	assert.Equal(t, ":100 Rebooting...", recv(t, h.posts))
	assert.Equal(t, StopReboot, <-fired)
}

func TestKillCommand(t *testing.T) {
	h := newHarness(t)
	aborted := make(chan struct{})
	h.sup.OnFatal(func() { close(aborted) })

	l := New(h.sup, KillCommand{})
	l.ProcessMessage(h.message("@bot kill", 0), false)

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("kill did not run the fatal action")
	}
}

func TestDeleteCommandIDs(t *testing.T) {
	h := newHarness(t)
	l := New(h.sup, DeleteCommand{})

	l.ProcessMessage(h.message("@bot del 5 6", 0), false)
	assert.Equal(t, "5", recv(t, h.deletes))
	assert.Equal(t, "6", recv(t, h.deletes))
}

func TestDeleteCommandTranscriptLink(t *testing.T) {
	h := newHarness(t)
	l := New(h.sup, DeleteCommand{})

	l.ProcessMessage(h.message(
		"@bot delete http://chat.stackoverflow.com/transcript/message/12345#12345", 0), false)
	assert.Equal(t, "12345", recv(t, h.deletes))

	l.ProcessMessage(h.message(
		"@bot delete http://chat.stackexchange.com/transcript/message/9#9", 0), false)
	assert.Equal(t, ":100 I cannot delete messages on a different chat host.", recv(t, h.posts))
}

func TestDeleteCommandReplyTarget(t *testing.T) {
	h := newHarness(t)
	l := New(h.sup, DeleteCommand{})

	target := 77
	msg := h.message("@bot poof", 0)
	msg.ReplyID = &target
	l.ProcessMessage(msg, false)
	assert.Equal(t, "77", recv(t, h.deletes))

	l.ProcessMessage(h.message("@bot del", 0), false)
	assert.Equal(t, ":100 Which messages should be deleted?", recv(t, h.posts))
}

func TestMakeTable(t *testing.T) {
	got := makeTable([]string{"User", "Command"},
		[]string{"Alice", "Bob"},
		[]string{"@bot say hi", "@bot running commands"})
	want := "    User  | Command\n" +
		"    Alice | @bot say hi\n" +
		"    Bob   | @bot running commands"
	assert.Equal(t, want, got)
}

func TestRunningCommand(t *testing.T) {
	h := newHarness(t)
	slow := newRecorder(0, "work")
	slow.block = make(chan struct{})
	defer close(slow.block)

	l := New(h.sup, slow, RunningCommand{})
	l.ProcessMessage(h.message("@bot work", 0), false)
	slow.recv(t)

	l.ProcessMessage(h.message("@bot running commands", 0), false)
	assert.Equal(t, ":100 Running commands:", recv(t, h.posts))
	table := recv(t, h.posts)
	assert.Contains(t, table, "@bot work")
}
