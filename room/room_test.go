package room

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gosechat/client"
	"github.com/gosechat/supervisor"
	"github.com/gosechat/wire"
)

// chatServer fakes the chat host: the fkey page, the event/ws-auth
// round-trips, the plain-text and user-info endpoints, and the socket
// itself.
type chatServer struct {
	t      *testing.T
	server *httptest.Server

	upgrades int32
	wsAuthOK int32 // 1 while ws-auth succeeds

	mu    sync.Mutex
	conns []*websocket.Conn
	// received socket frames written by the client (heartbeat replies)
	frames chan string
}

func newChatServer(t *testing.T) *chatServer {
	cs := &chatServer{t: t, frames: make(chan string, 16)}
	atomic.StoreInt32(&cs.wsAuthOK, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/chats/join/favorite", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, fkeyPage)
	})
	mux.HandleFunc("/chats/11/events", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"time":12345}`)
	})
	mux.HandleFunc("/ws-auth", func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&cs.wsAuthOK) == 0 {
			fmt.Fprint(w, `oops`)
			return
		}
		wsURL := "ws" + strings.TrimPrefix(cs.server.URL, "http") + "/ws"
		fmt.Fprintf(w, `{"url":"%s"}`, wsURL)
	})
	mux.HandleFunc("/rooms/pingable/11", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[[5,"Alice"],[6,"Bob"]]`)
	})
	mux.HandleFunc("/user/info", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"users":[
			{"id":5,"name":"Alice","is_moderator":null,"is_owner":null},
			{"id":6,"name":"Bob","is_moderator":null,"is_owner":null}
		]}`)
	})
	mux.HandleFunc("/message/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "plain text body")
	})

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Origin"); got != wire.HostStackOverflow.ChatURL() {
			t.Errorf("Origin = %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		atomic.AddInt32(&cs.upgrades, 1)
		cs.mu.Lock()
		cs.conns = append(cs.conns, conn)
		cs.mu.Unlock()

		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				cs.frames <- string(data)
			}
		}()
	})

	cs.server = httptest.NewServer(mux)
	t.Cleanup(cs.server.Close)
	return cs
}

func (cs *chatServer) lastConn() *websocket.Conn {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.conns) == 0 {
		return nil
	}
	return cs.conns[len(cs.conns)-1]
}

func (cs *chatServer) send(t *testing.T, frame string) {
	conn := cs.lastConn()
	if conn == nil {
		t.Fatal("no socket connection")
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatal(err)
	}
}

func (cs *chatServer) room() *Room {
	sup := supervisor.New()
	sup.MaxErrors = 1000
	r := New(client.New(), wire.HostStackOverflow, 11, sup)
	r.BaseURL = cs.server.URL
	r.InitialEventWait = 150 * time.Millisecond
	r.StallTimeout = 300 * time.Millisecond
	r.watchdogPoll = 30 * time.Millisecond
	r.SendDelay = 5 * time.Millisecond
	r.RetryDelay = 5 * time.Millisecond
	return r
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never reached")
}

func TestJoinRegistersUsers(t *testing.T) {
	cs := newChatServer(t)
	r := cs.room()

	if err := r.Join(); err != nil {
		t.Fatal(err)
	}
	defer r.Leave()

	if r.State() != StateJoined {
		t.Errorf("state = %v", r.State())
	}

	// console plus the two pingable users, all unresolved
	users := r.Users()
	if len(users) != 3 {
		t.Fatalf("users = %d, want 3", len(users))
	}
	ids := map[int]bool{}
	for _, u := range users {
		ids[u.ID] = true
	}
	for _, want := range []int{0, 5, 6} {
		if !ids[want] {
			t.Errorf("user %d not registered", want)
		}
	}

	// keep the watchdog quiet during the deferred leave
	cs.send(t, wire.HeartbeatReply)
}

func TestHeartbeatAnswered(t *testing.T) {
	cs := newChatServer(t)
	r := cs.room()
	if err := r.connect(); err != nil {
		t.Fatal(err)
	}
	defer r.Leave()

	cs.send(t, `{"action":"hb","data":"hb"}`)

	select {
	case frame := <-cs.frames:
		if frame != wire.HeartbeatReply {
			t.Errorf("reply = %q, want %q", frame, wire.HeartbeatReply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat reply")
	}
}

func TestWatchdogKillsSilentSocket(t *testing.T) {
	cs := newChatServer(t)
	r := cs.room()
	if err := r.connect(); err != nil {
		t.Fatal(err)
	}

	// no events at all: the initial watchdog check must kill the
	// socket shortly after InitialEventWait
	waitFor(t, 2*time.Second, func() bool { return r.State() == StateDisconnected })
}

func TestWatchdogKillsStalledSocket(t *testing.T) {
	cs := newChatServer(t)
	r := cs.room()
	if err := r.connect(); err != nil {
		t.Fatal(err)
	}

	// one early event satisfies the initial check...
	cs.send(t, wire.HeartbeatReply)
	<-cs.frames // heartbeat reply

	// ...then silence beyond StallTimeout kills the socket
	waitFor(t, 2*time.Second, func() bool { return r.State() == StateDisconnected })
}

func TestMessageEventDispatched(t *testing.T) {
	cs := newChatServer(t)
	r := cs.room()

	type delivered struct {
		msg    *Message
		isEdit bool
	}
	got := make(chan delivered, 1)
	r.OnMessage(func(m *Message, isEdit bool) {
		got <- delivered{m, isEdit}
	})

	if err := r.Join(); err != nil {
		t.Fatal(err)
	}
	defer r.Leave()

	cs.send(t, `{"r11":{"e":[{"event_type":1,"user_id":5,"message_id":777,"content":"rendered &amp; html"}]}}`)

	select {
	case d := <-got:
		if d.isEdit {
			t.Error("posted message flagged as edit")
		}
		if d.msg.ID != 777 || d.msg.User.ID != 5 {
			t.Errorf("message = %+v", d.msg)
		}
		// the content comes from the plain-text endpoint, not the
		// socket payload
		if d.msg.Content != "plain text body" {
			t.Errorf("content = %q", d.msg.Content)
		}
		if d.msg.ReplyID != nil {
			t.Error("unexpected reply id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never dispatched")
	}
}

func TestReplyMarkerReplaced(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/message/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ":888 hi there")
	})
	mux.HandleFunc("/user/info", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"users":[{"id":5,"name":"Alice","is_moderator":null,"is_owner":null}]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	r := New(client.New(), wire.HostStackOverflow, 11, nil)
	r.BaseURL = server.URL

	var msg *Message
	r.OnMessage(func(m *Message, isEdit bool) { msg = m })

	parent := 888
	err := r.handleMessage(wire.Event{
		Type:      wire.EventMessagePosted,
		UserID:    5,
		MessageID: 999,
		Content:   "@Bob hi there",
		ParentID:  &parent,
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil {
		t.Fatal("handler not invoked")
	}
	// the auto-inserted :888 marker is replaced by the rendered ping
	if msg.Content != "@Bob hi there" {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.ReplyID == nil || *msg.ReplyID != 888 {
		t.Errorf("reply id = %v", msg.ReplyID)
	}
}

func TestReconnectAfterSocketLoss(t *testing.T) {
	cs := newChatServer(t)
	r := cs.room()
	r.StallTimeout = time.Hour // only the drop should disconnect
	r.InitialEventWait = time.Hour

	if err := r.Join(); err != nil {
		t.Fatal(err)
	}

	// server drops the socket while the room is still joined
	cs.lastConn().Close()

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&cs.upgrades) >= 2 && r.State() == StateJoined
	})
	r.Leave()
}

func TestReconnectExhaustionIsFatal(t *testing.T) {
	cs := newChatServer(t)
	r := cs.room()
	r.StallTimeout = time.Hour
	r.InitialEventWait = time.Hour

	fatal := make(chan struct{})
	var once sync.Once
	r.sup.OnFatal(func() { once.Do(func() { close(fatal) }) })

	if err := r.Join(); err != nil {
		t.Fatal(err)
	}

	// every reconnect attempt now fails its auth round-trip
	atomic.StoreInt32(&cs.wsAuthOK, 0)
	cs.lastConn().Close()

	select {
	case <-fatal:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect exhaustion did not trigger the fatal action")
	}
}
