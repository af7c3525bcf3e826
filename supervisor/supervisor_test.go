package supervisor

import (
	"errors"
	"testing"
	"time"
)

func TestErrorBudget(t *testing.T) {
	s := New()
	tripped := 0
	s.OnTooManyErrors(func() { tripped++ })

	err := errors.New("boom")
	s.HandleError(err, "while testing")
	s.HandleError(err, "")
	if tripped != 0 {
		t.Fatalf("action fired after %d errors", 2)
	}

	// third error within the window exceeds the default budget of 2
	s.HandleError(err, "")
	if tripped != 1 {
		t.Fatalf("tripped = %d, want 1", tripped)
	}
}

func TestErrorBudgetRecoversAfterWindow(t *testing.T) {
	s := New()
	s.window = 50 * time.Millisecond
	tripped := 0
	s.OnTooManyErrors(func() { tripped++ })

	err := errors.New("boom")
	s.HandleError(err, "")
	s.HandleError(err, "")
	s.HandleError(err, "")
	if tripped != 1 {
		t.Fatalf("tripped = %d, want 1", tripped)
	}

	// all three charges age out, including the one that tripped
	time.Sleep(150 * time.Millisecond)
	s.HandleError(err, "")
	s.HandleError(err, "")
	if tripped != 1 {
		t.Fatalf("tripped = %d after window expired, want 1", tripped)
	}
	s.HandleError(err, "")
	if tripped != 2 {
		t.Fatalf("tripped = %d, want 2", tripped)
	}
}

func TestNilErrorIgnored(t *testing.T) {
	s := New()
	s.MaxErrors = 0
	tripped := false
	s.OnTooManyErrors(func() { tripped = true })

	s.HandleError(nil, "")
	if tripped {
		t.Error("nil error charged against the budget")
	}
}

type fakePoster struct {
	posts []string
}

func (p *fakePoster) PostMessage(text string, completion func(id int)) {
	p.posts = append(p.posts, text)
}

func TestErrorsPostedToRoom(t *testing.T) {
	s := New()
	s.MaxErrors = 100
	s.Ping = " (cc @owner)"
	poster := &fakePoster{}
	s.SetPoster(poster)

	s.HandleError(errors.New("line1\nline2"), "while parsing events")

	if len(poster.posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(poster.posts))
	}
	want := "    An error occurred while parsing events (cc @owner):\n    line1\n    line2"
	if poster.posts[0] != want {
		t.Errorf("post = %q, want %q", poster.posts[0], want)
	}
}

func TestFatalAction(t *testing.T) {
	s := New()
	called := false
	s.OnFatal(func() { called = true })
	s.Fatal("reconnect failed")
	if !called {
		t.Error("fatal action not invoked")
	}
}
