// Package listener parses and dispatches commands from chat messages.
package listener

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	mapset "github.com/deckarep/golang-set"

	"github.com/gosechat/logger"
	"github.com/gosechat/room"
	"github.com/gosechat/supervisor"
)

// StopReason tells the shutdown handler why the listener is stopping.
type StopReason int

const (
	// StopHalt shut down and stay down
	StopHalt StopReason = iota
	// StopReboot shut down and restart
	StopReboot
	// StopUpdate shut down, update and restart
	StopUpdate
)

func (r StopReason) String() string {
	switch r {
	case StopHalt:
		return "halt"
	case StopReboot:
		return "reboot"
	case StopUpdate:
		return "update"
	}
	return fmt.Sprintf("StopReason(%d)", int(r))
}

const (
	defaultName         = "@Bot"
	defaultMinNameChars = 4
)

// Listener matches inbound messages against its registered commands.
// A message must be addressed to Name to be recognized. MinNameChars
// is the number of leading name characters that must be present: for
// a bot named "@FireAlarm" and the default of 4, "@FireAlarm", "@Fire"
// and "@Fir" are all accepted while "@FirTree" and "@Fi" are not.
type Listener struct {
	// Name of the bot.
	Name string
	// MinNameChars is the minimum abbreviation length of Name.
	MinNameChars int

	commands []Command
	sup      *supervisor.Supervisor
	log      *logger.Logger

	mu         sync.Mutex
	running    mapset.Set // of *Invocation
	stopping   bool
	stopReason StopReason
	shutdown   func(StopReason)

	shutdownOnce sync.Once
}

// New creates a Listener dispatching to the given commands, matched in
// registration order. Pass nil for a default supervisor.
func New(sup *supervisor.Supervisor, commands ...Command) *Listener {
	if sup == nil {
		sup = supervisor.New()
	}
	return &Listener{
		Name:         defaultName,
		MinNameChars: defaultMinNameChars,
		commands:     commands,
		sup:          sup,
		log:          logger.NewLogger("listener"),
		running:      mapset.NewSet(),
		shutdown:     func(StopReason) {},
	}
}

// OnShutdown registers the handler run once all in-flight commands
// have finished after Stop.
func (l *Listener) OnShutdown(handler func(StopReason)) {
	l.mu.Lock()
	l.shutdown = handler
	l.mu.Unlock()
}

// Running returns the currently executing invocations.
func (l *Listener) Running() []*Invocation {
	var invs []*Invocation
	for inv := range l.running.Iter() {
		invs = append(invs, inv.(*Invocation))
	}
	return invs
}

// Stop defers shutdown until all in-flight commands finish, then runs
// the shutdown handler exactly once with the given reason. New
// commands are ignored once a stop is pending.
func (l *Listener) Stop(reason StopReason) {
	l.mu.Lock()
	l.stopping = true
	l.stopReason = reason
	idle := l.running.Cardinality() == 0
	l.mu.Unlock()
	if idle {
		l.fireShutdown(reason)
	}
}

func (l *Listener) fireShutdown(reason StopReason) {
	l.shutdownOnce.Do(func() {
		l.log.Infof("shutting down: %v", reason)
		l.mu.Lock()
		handler := l.shutdown
		l.mu.Unlock()
		handler(reason)
	})
}

// ProcessMessage dispatches one inbound message. Wire it to
// room.OnMessage.
func (l *Listener) ProcessMessage(message *room.Message, isEdit bool) {
	l.mu.Lock()
	stopping := l.stopping
	l.mu.Unlock()
	if stopping || !l.addressed(message.Content) {
		return
	}
	l.handleCommand(message)
}

// addressed reports whether the message is directed at the bot. The
// cheap prefix check accepts any abbreviation down to MinNameChars;
// the character scan then rejects messages that diverge from the name
// with a different alphanumeric character, so "@FirstStep" does not
// trigger a bot named "@FireAlarm" while "@Fire" still does.
func (l *Listener) addressed(content string) bool {
	lower := strings.ToLower(content)
	name := strings.ToLower(l.Name)
	min := l.MinNameChars
	if min > len(name) {
		min = len(name)
	}
	if !strings.HasPrefix(lower, name[:min]) {
		return false
	}

	for i := 0; i <= len(name); i++ {
		if i == len(name) {
			// the full name matched; it must not continue into a
			// longer word
			return i >= len(lower) || !isAlnum(lower[i])
		}
		if i >= len(lower) {
			// the message ended mid-name
			return i >= min
		}
		c := lower[i]
		if name[i] == c {
			continue
		}
		// divergence: acceptable only where an abbreviation may end
		if isAlnum(c) {
			return false
		}
		return i >= min
	}
	return true
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func (l *Listener) handleCommand(message *room.Message) {
	tokens := strings.Fields(strings.ToLower(message.Content))[1:]

	type scored struct {
		usage string
		score int
	}
	var candidates []scored

	for _, command := range l.commands {
		for i, usage := range command.Usage() {
			template := strings.Fields(usage)
			if len(template) == 0 {
				continue
			}
			if args, ok := matchTemplate(template, tokens); ok {
				l.runCommand(command, &Invocation{
					Listener:   l,
					Message:    message,
					Arguments:  args,
					UsageIndex: i,
				})
				return
			}
			candidates = append(candidates, scored{usage, fuzzyScore(template, tokens)})
		}
	}

	// nothing matched; suggest the closest template if it is close
	// enough
	var suggestion string
	best := -1
	for _, c := range candidates {
		if c.score > literalLength(c.usage)/2 {
			continue
		}
		if best == -1 || c.score < best {
			best = c.score
			suggestion = c.usage
		}
	}
	if best >= 0 {
		message.Reply(fmt.Sprintf("Unrecognized command `%s`; did you mean `%s`?",
			strings.Join(tokens, " "), suggestion))
	}
}

func (l *Listener) runCommand(command Command, inv *Invocation) {
	missing := inv.Message.User.MissingPrivileges(command.Privileges())
	if missing != 0 {
		names := missing.Names()
		inv.Reply(fmt.Sprintf("You need the %s %s to run that command.",
			formatArray(names, "and"), pluralize(len(names), "privilege")))
		return
	}

	l.mu.Lock()
	l.running.Add(inv)
	l.mu.Unlock()

	go func() {
		if err := command.Run(inv); err != nil {
			l.sup.HandleError(err, fmt.Sprintf("while running %q", inv.Message.Content))
		}

		l.mu.Lock()
		l.running.Remove(inv)
		fire := l.stopping && l.running.Cardinality() == 0
		reason := l.stopReason
		l.mu.Unlock()
		if fire {
			l.fireShutdown(reason)
		}
	}()
}

// matchTemplate compares message tokens against a template position by
// position. `...` may capture zero tokens.
func matchTemplate(template, tokens []string) ([]string, bool) {
	args := []string{}
	limit := len(tokens)
	if len(template) < limit {
		limit = len(template)
	}

	for i := 0; i < limit; i++ {
		switch template[i] {
		case "*":
			args = append(args, tokens[i])
		case "...":
			return append(args, tokens[i:]...), true
		default:
			if template[i] != tokens[i] {
				return nil, false
			}
		}
	}

	required := len(template)
	if template[len(template)-1] == "..." {
		required--
	}
	if len(tokens) < required {
		return nil, false
	}
	return args, true
}

// fuzzyScore measures how dissimilar the message tokens are from a
// template. Lower is closer.
func fuzzyScore(template, tokens []string) int {
	var literals []string
	wildcards := 0
	for _, t := range template {
		if t == "*" || t == "..." {
			wildcards++
		} else {
			literals = append(literals, t)
		}
	}
	remaining := append([]string(nil), tokens...)

	score := 0
	// repeatedly consume the closest (literal, token) pair, charging
	// its edit distance capped at the literal's own length
	for len(literals) > 0 && len(remaining) > 0 {
		best, bi, bj := -1, 0, 0
		for i, lit := range literals {
			for j, tok := range remaining {
				d := Distance(lit, tok)
				if c := utf8.RuneCountInString(lit); d > c {
					d = c
				}
				if best == -1 || d < best {
					best, bi, bj = d, i, j
				}
			}
		}
		score += best
		literals = append(literals[:bi], literals[bi+1:]...)
		remaining = append(remaining[:bj], remaining[bj+1:]...)
	}

	// each wildcard consumes one leftover token at a third of its
	// length
	for i := 0; i < wildcards && len(remaining) > 0; i++ {
		score += utf8.RuneCountInString(remaining[0]) / 3
		remaining = remaining[1:]
	}

	for _, t := range remaining {
		score += utf8.RuneCountInString(t)
	}
	for _, t := range literals {
		score += utf8.RuneCountInString(t)
	}
	return score
}

// literalLength is the length of the template's literal tokens joined
// by single spaces.
func literalLength(usage string) int {
	var literals []string
	for _, t := range strings.Fields(usage) {
		if t != "*" && t != "..." {
			literals = append(literals, t)
		}
	}
	return utf8.RuneCountInString(strings.Join(literals, " "))
}
