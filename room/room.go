package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/gorilla/websocket"

	"github.com/gosechat/client"
	"github.com/gosechat/logger"
	"github.com/gosechat/store"
	"github.com/gosechat/supervisor"
	"github.com/gosechat/wire"
)

const (
	wsMaxRetries = 10

	defaultInitialEventWait = 5 * time.Second
	defaultStallTimeout     = 600 * time.Second
	defaultWatchdogPoll     = 10 * time.Second
	defaultHandshakeWait    = 10 * time.Second
	defaultLeaveWait        = 10 * time.Second
)

// State of the room connection.
type State int32

const (
	// StateDisconnected no socket
	StateDisconnected State = iota
	// StateConnecting the auth/dial round-trips are in progress
	StateConnecting
	// StateJoined the socket is open and supervised
	StateJoined
	// StateReconnecting the socket dropped and is being re-established
	StateReconnecting
)

// ErrRoomInfoRetrieval is returned when the timestamp/token
// round-trip returns malformed data.
var ErrRoomInfoRetrieval = errors.New("room: room info retrieval failed")

// ErrFkeyNotFound is returned when the chat fkey cannot be scraped.
var ErrFkeyNotFound = errors.New("room: could not find fkey")

// Room 代表一个聊天房间的持久会话
type Room struct {
	// Info is the room's free-form persisted attribute bag.
	Info map[string]store.Value

	// InitialEventWait is how long a fresh socket may stay silent
	// before the connect is treated as failed.
	InitialEventWait time.Duration
	// StallTimeout is the maximum gap between events before the
	// connection is considered dead.
	StallTimeout time.Duration
	// SendDelay is the pacing sleep after each posted message.
	SendDelay time.Duration
	// RetryDelay is the sleep before retrying a failed send or a
	// rate-limited deletion.
	RetryDelay time.Duration
	// BaseURL is the chat endpoint base, defaulting to the host's
	// chat URL.
	BaseURL string

	client *client.Client
	host   wire.Host
	id     int
	sup    *supervisor.Supervisor
	log    *logger.Logger

	handler func(*Message, bool)

	usersMu       sync.Mutex
	users         []*User
	pendingLookup mapset.Set
	lookupInFlight bool
	lookupDone    *sync.Cond

	connMu    sync.Mutex
	conn      *socket
	inRoom    bool
	wsRetries int
	timestamp int64
	fkeyValue string
	state     int32

	queueMu  sync.Mutex
	queue    []*pendingMessage
	draining bool

	watchdogPoll time.Duration
}

// socket is one websocket connection generation. A reconnect replaces
// it wholesale.
type socket struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	lastEvent int64 // unix nanos of the last received event, 0 before the first
	quit      chan struct{}
	closeOnce sync.Once
}

func (s *socket) writeText(text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (s *socket) shutdown() {
	s.closeOnce.Do(func() { close(s.quit) })
	s.conn.Close()
}

// New creates a Room session for the given room id. The supervisor
// receives handled protocol errors; pass nil for a default one.
func New(c *client.Client, host wire.Host, roomID int, sup *supervisor.Supervisor) *Room {
	if sup == nil {
		sup = supervisor.New()
	}
	r := &Room{
		Info:             map[string]store.Value{},
		InitialEventWait: defaultInitialEventWait,
		StallTimeout:     defaultStallTimeout,
		SendDelay:        time.Second,
		RetryDelay:       time.Second,
		client:           c,
		host:             host,
		id:               roomID,
		BaseURL:          host.ChatURL(),
		sup:              sup,
		log:              logger.NewLogger("room").WithField("room", roomID),
		pendingLookup:    mapset.NewSet(),
		watchdogPoll:     defaultWatchdogPoll,
	}
	r.lookupDone = sync.NewCond(&r.usersMu)
	return r
}

// ID returns the room id.
func (r *Room) ID() int { return r.id }

// Host returns the room's host.
func (r *Room) Host() wire.Host { return r.host }

// State returns the current connection state.
func (r *Room) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *Room) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}

// OnMessage registers the handler invoked for every posted or edited
// message. The second argument is true for edits.
func (r *Room) OnMessage(handler func(*Message, bool)) {
	r.handler = handler
}

func (r *Room) chatURL(path string) string {
	return r.BaseURL + path
}

// fkey returns the per-session anti-forgery token, scraping it on
// first use.
func (r *Room) fkey() (string, error) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.fkeyValue != "" {
		return r.fkeyValue, nil
	}

	page, _, err := r.client.Get(r.chatURL("/chats/join/favorite"))
	if err != nil {
		return "", err
	}
	fkey, ok := client.HiddenInputs(page)["fkey"]
	if !ok {
		return "", ErrFkeyNotFound
	}
	r.fkeyValue = fkey
	return fkey, nil
}

// Join establishes the room session: it registers the console user,
// connects the socket, and pre-registers the currently pingable users.
func (r *Room) Join() error {
	r.log.Info("joining room")

	r.UserWithID(0)

	if err := r.connect(); err != nil {
		return err
	}

	body, _, err := r.client.Get(r.chatURL(fmt.Sprintf("/rooms/pingable/%d", r.id)))
	if err != nil {
		return err
	}
	var users [][]interface{}
	if err := json.Unmarshal([]byte(body), &users); err != nil {
		return &wire.ParseError{JSON: body, Err: err}
	}
	for _, entry := range users {
		if len(entry) == 0 {
			return &wire.ParseError{JSON: body, Err: errors.New("empty pingable entry")}
		}
		id, ok := entry[0].(float64)
		if !ok {
			return &wire.ParseError{JSON: body, Err: errors.New("pingable id is not a number")}
		}
		r.UserWithID(int(id))
	}

	r.connMu.Lock()
	r.inRoom = true
	r.connMu.Unlock()
	return nil
}

// Leave leaves the room. It is a no-op if the room was never joined.
// The server notification is best-effort.
func (r *Room) Leave() {
	r.connMu.Lock()
	if !r.inRoom {
		r.connMu.Unlock()
		return
	}
	r.inRoom = false
	conn := r.conn
	r.connMu.Unlock()

	if fkey, err := r.fkey(); err == nil {
		// we don't really care if this fails
		r.client.PostForm(r.chatURL(fmt.Sprintf("/chats/leave/%d", r.id)),
			map[string]string{"quiet": "true", "fkey": fkey})
	}

	if conn != nil {
		conn.shutdown()
	}
	deadline := time.Now().Add(defaultLeaveWait)
	for r.State() != StateDisconnected && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
}

// connect performs the timestamp/token round-trips and opens the
// socket.
func (r *Room) connect() error {
	r.setState(StateConnecting)

	fkey, err := r.fkey()
	if err != nil {
		r.setState(StateDisconnected)
		return err
	}

	// fetch the event-log timestamp
	body, _, err := r.client.PostForm(r.chatURL(fmt.Sprintf("/chats/%d/events", r.id)),
		map[string]string{"roomid": strconv.Itoa(r.id), "fkey": fkey})
	if err != nil {
		r.setState(StateDisconnected)
		return err
	}
	var events struct {
		Time int64 `json:"time"`
	}
	if err := json.Unmarshal([]byte(body), &events); err != nil || events.Time == 0 {
		r.setState(StateDisconnected)
		return ErrRoomInfoRetrieval
	}
	r.connMu.Lock()
	r.timestamp = events.Time
	r.connMu.Unlock()

	// exchange the fkey for a one-time socket URL
	body, _, err = r.client.PostForm(r.chatURL("/ws-auth"),
		map[string]string{"roomid": strconv.Itoa(r.id), "fkey": fkey})
	if err != nil {
		r.setState(StateDisconnected)
		return err
	}
	var auth struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(body), &auth); err != nil || auth.URL == "" {
		r.setState(StateDisconnected)
		return ErrRoomInfoRetrieval
	}

	wsURL := fmt.Sprintf("%s?l=%d", auth.URL, events.Time)
	if err := r.dial(wsURL); err != nil {
		r.setState(StateDisconnected)
		return err
	}

	r.connMu.Lock()
	r.wsRetries = 0
	r.connMu.Unlock()
	r.setState(StateJoined)
	return nil
}

func (r *Room) dial(wsURL string) error {
	dialer := &websocket.Dialer{
		Jar:              r.client.Jar(),
		HandshakeTimeout: defaultHandshakeWait,
	}
	header := http.Header{}
	header.Set("Origin", r.host.ChatURL())

	conn, _, err := dialer.Dial(wsURL, header)
	if err != nil {
		return err
	}
	r.log.Info("websocket opened")

	s := &socket{conn: conn, quit: make(chan struct{})}
	r.connMu.Lock()
	r.conn = s
	r.connMu.Unlock()

	go r.readPump(s)
	go r.watchdog(s)
	return nil
}

func (r *Room) readPump(s *socket) {
	defer r.socketEnded(s)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.log.Errorf("websocket error: %v", err)
			}
			return
		}
		switch messageType {
		case websocket.TextMessage:
			r.handleFrame(s, data)
		case websocket.BinaryMessage:
			r.log.Debugf("received %d bytes of binary data", len(data))
			atomic.StoreInt64(&s.lastEvent, time.Now().UnixNano())
		}
	}
}

// watchdog is the sole heartbeat-loss detector: it kills a socket
// that delivers nothing within InitialEventWait of opening, and a
// socket whose event gap exceeds StallTimeout afterwards.
func (r *Room) watchdog(s *socket) {
	select {
	case <-s.quit:
		return
	case <-time.After(r.InitialEventWait):
	}
	if atomic.LoadInt64(&s.lastEvent) == 0 {
		r.log.Warn("no events since socket open, disconnecting")
		s.shutdown()
		return
	}

	ticker := time.NewTicker(r.watchdogPoll)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			last := time.Unix(0, atomic.LoadInt64(&s.lastEvent))
			if time.Since(last) > r.StallTimeout {
				r.log.Warnf("no events for %v, disconnecting", time.Since(last))
				s.shutdown()
				return
			}
		}
	}
}

func (r *Room) socketEnded(s *socket) {
	s.shutdown()
	r.setState(StateDisconnected)

	r.connMu.Lock()
	joined := r.inRoom
	r.connMu.Unlock()
	if !joined {
		r.log.Info("websocket closed")
		return
	}

	r.log.Warn("websocket closed, reconnecting")
	r.setState(StateReconnecting)
	for {
		r.connMu.Lock()
		retries := r.wsRetries
		r.wsRetries++
		r.connMu.Unlock()
		if retries >= wsMaxRetries {
			r.sup.Fatal("failed to reconnect websocket")
			return
		}
		err := r.connect()
		if err == nil {
			return
		}
		r.log.Errorf("reconnect attempt %d failed: %v", retries+1, err)
	}
}

// handleFrame processes one text frame. Decode errors are reported to
// the supervisor and swallowed so one bad frame cannot kill the
// connection.
func (r *Room) handleFrame(s *socket, data []byte) {
	atomic.StoreInt64(&s.lastEvent, time.Now().UnixNano())

	frame, err := wire.ParseFrame(data)
	if err != nil {
		r.sup.HandleError(err, "while parsing events")
		return
	}

	if frame.IsHeartbeat() {
		if err := s.writeText(wire.HeartbeatReply); err != nil {
			r.log.Errorf("heartbeat reply failed: %v", err)
		}
		return
	}

	events, err := frame.Events(r.id)
	if err != nil {
		r.sup.HandleError(err, "while parsing events")
		return
	}
	for _, event := range events {
		if err := r.handleEvent(event); err != nil {
			r.sup.HandleError(err, "while handling an event")
		}
	}
}

func (r *Room) handleEvent(event wire.Event) error {
	switch event.Type {
	case wire.EventMessagePosted, wire.EventMessageEdited:
		return r.handleMessage(event)
	default:
		// received but not acted upon
		return nil
	}
}

func (r *Room) handleMessage(event wire.Event) error {
	if event.UserID == 0 || event.MessageID == 0 || event.Content == "" {
		return &wire.ParseError{JSON: fmt.Sprintf("%+v", event), Err: errors.New("incomplete message event")}
	}
	rendered := html.UnescapeString(event.Content)

	// the socket payload's content is rendered HTML; the plain text
	// comes from a separate endpoint
	content, _, err := r.client.Get(r.chatURL(fmt.Sprintf("/message/%d?plain=true", event.MessageID)))
	if err != nil {
		return err
	}

	if event.ParentID != nil {
		// the plain-text endpoint does not render the ping target the
		// same way, so swap in the rendered reply marker
		contentTokens := strings.Fields(content)
		renderedTokens := strings.Fields(rendered)
		if len(contentTokens) > 0 && len(renderedTokens) > 0 {
			contentTokens[0] = renderedTokens[0]
			content = strings.Join(contentTokens, " ")
		}
	}

	user := r.UserWithID(event.UserID)
	r.log.Infof("%s: %s", user.Name(), content)

	message := &Message{
		Room:    r,
		User:    user,
		Content: content,
		ID:      event.MessageID,
		ReplyID: event.ParentID,
	}
	if r.handler != nil {
		r.handler(message, event.Type == wire.EventMessageEdited)
	}
	return nil
}
