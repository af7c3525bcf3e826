// Package supervisor holds the process-wide error budget. Handled
// errors are counted in a rolling 30-second window; exceeding the
// budget triggers a configurable last-resort action.
package supervisor

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gosechat/logger"
)

const errorWindow = 30 * time.Second

// Poster posts a message somewhere visible, typically the error room.
type Poster interface {
	PostMessage(text string, completion func(id int))
}

// Supervisor counts handled errors and aborts when too many occur in
// a short span. Construct one and inject it into the components that
// report through it.
type Supervisor struct {
	// MaxErrors is the number of errors tolerated per window.
	MaxErrors int
	// Ping is appended to posted error reports.
	Ping string

	mu      sync.Mutex
	window  time.Duration
	count   int
	poster  Poster
	tooMany func()
	fatal   func()
	log     *logger.Logger
}

// New creates a Supervisor with the default budget of 2 errors per
// 30 seconds and process abort as the overflow action.
func New() *Supervisor {
	s := &Supervisor{
		MaxErrors: 2,
		window:    errorWindow,
		log:       logger.NewLogger("supervisor"),
	}
	s.tooMany = func() {
		s.log.Error("too many errors")
		os.Exit(1)
	}
	s.fatal = func() { os.Exit(1) }
	return s
}

// SetPoster directs error reports to a chat room.
func (s *Supervisor) SetPoster(p Poster) {
	s.mu.Lock()
	s.poster = p
	s.mu.Unlock()
}

// OnTooManyErrors replaces the budget-overflow action.
func (s *Supervisor) OnTooManyErrors(fn func()) {
	s.mu.Lock()
	s.tooMany = fn
	s.mu.Unlock()
}

// OnFatal replaces the unrecoverable-failure action.
func (s *Supervisor) OnFatal(fn func()) {
	s.mu.Lock()
	s.fatal = fn
	s.mu.Unlock()
}

// HandleError logs a handled error, reports it to the error room if
// one is set, and charges it against the rolling window.
func (s *Supervisor) HandleError(err error, context string) {
	if err == nil {
		return
	}
	if context != "" {
		s.log.Err(err, "error "+context)
	} else {
		s.log.Err(err, "error")
	}

	s.mu.Lock()
	poster := s.poster
	s.count++
	overflow := s.count > s.MaxErrors
	action := s.tooMany
	window := s.window
	s.mu.Unlock()

	// every charge ages out of the window, including the one that trips
	time.AfterFunc(window, func() {
		s.mu.Lock()
		s.count--
		s.mu.Unlock()
	})

	if poster != nil {
		header := "    An error occurred"
		if context != "" {
			header += " " + context
		}
		header += s.Ping + ":"
		details := "    " + strings.Replace(err.Error(), "\n", "\n    ", -1)
		poster.PostMessage(header+"\n"+details, nil)
	}

	if overflow && action != nil {
		action()
	}
}

// Fatal reports an unrecoverable failure and runs the fatal action.
func (s *Supervisor) Fatal(msg string) {
	s.log.Error(msg)
	s.mu.Lock()
	action := s.fatal
	s.mu.Unlock()
	if action != nil {
		action()
	}
}
