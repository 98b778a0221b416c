package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

// timerScript captures AfterFunc calls so tests control when timers fire.
type timerScript struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []scriptedTimer
}

type scriptedTimer struct {
	fn    func()
	timer *time.Timer
}

func (s *timerScript) afterFunc(d time.Duration, fn func()) *time.Timer {
	// inert real timer so the code under test can Stop() it
	timer := time.NewTimer(time.Hour)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	s.pending = append(s.pending, scriptedTimer{fn: fn, timer: timer})
	return timer
}

// runPending fires every captured callback once, in order, skipping timers
// the code under test already stopped. It returns the number fired.
func (s *timerScript) runPending() int {
	s.mu.Lock()
	entries := s.pending
	s.pending = nil
	s.mu.Unlock()
	fired := 0
	for _, entry := range entries {
		// Stop reports false when the timer was already stopped
		if entry.timer.Stop() {
			entry.fn()
			fired++
		}
	}
	return fired
}

func (s *timerScript) recordedDelays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

// fakeSocket is a scripted wsConn: it answers CONNECT with CONNECTED and
// replays whatever the test pushes into inbound. The CONNECTED reply carries
// no heart-beat header unless connectedHeartbeat is set, mirroring a server
// that declines heartbeats.
type fakeSocket struct {
	mu                 sync.Mutex
	writes             [][]byte
	deadlines          []time.Time
	connectedHeartbeat string
	inbound            chan []byte
	closed             chan struct{}
	closeOnce          sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case payload := <-f.inbound:
		return 1, payload, nil
	case <-f.closed:
		return 0, nil, errors.New("socket closed")
	}
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("socket closed")
	default:
	}
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	f.mu.Unlock()
	if bytes.HasPrefix(data, []byte(stompConnect+"\n")) {
		reply := newFrame(stompConnected, nil).set("version", "1.2")
		if f.connectedHeartbeat != "" {
			reply.set("heart-beat", f.connectedHeartbeat)
		}
		f.inbound <- reply.marshal()
	}
	return nil
}

func (f *fakeSocket) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	f.deadlines = append(f.deadlines, t)
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) lastReadDeadline() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deadlines) == 0 {
		return time.Time{}
	}
	return f.deadlines[len(f.deadlines)-1]
}

func (f *fakeSocket) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) writesWithPrefix(prefix string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, w := range f.writes {
		if bytes.HasPrefix(w, []byte(prefix+"\n")) {
			out = append(out, append([]byte(nil), w...))
		}
	}
	return out
}

func TestReconnectDelayDoublesAndCaps(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		16 * time.Second,
	}
	for attempt, expected := range want {
		if got := reconnectDelay(attempt); got != expected {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, expected, got)
		}
	}
}

func TestReconnectBudgetAndBackoffSequence(t *testing.T) {
	timers := &timerScript{}
	manager := NewConnManager(ConnConfig{
		URL:    "ws://test/ws",
		RoomID: "room1",
		UserID: "alice",
	}, StaticTokenSource("tok"), NewMetrics(), nil)
	manager.afterFunc = timers.afterFunc
	manager.dial = func(context.Context, string, http.Header) (wsConn, error) {
		return nil, errors.New("dial refused")
	}

	manager.Connect()
	// drive every scheduled retry to completion
	for timers.runPending() > 0 {
	}

	if got := manager.State(); got != StateFailed {
		t.Fatalf("expected StateFailed after exhausting retries, got %v", got)
	}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	got := timers.recordedDelays()
	if len(got) != len(want) {
		t.Fatalf("expected %d scheduled retries, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("retry %d: expected delay %v, got %v", i, want[i], got[i])
		}
	}

	// once failed, plain Connect stays put; only Reconnect recovers
	manager.Connect()
	if len(timers.recordedDelays()) != len(want) {
		t.Fatalf("failed state must not schedule more retries")
	}
}

func TestMissingTokenRetriesOutsideBudget(t *testing.T) {
	timers := &timerScript{}
	manager := NewConnManager(ConnConfig{
		URL:    "ws://test/ws",
		RoomID: "room1",
		UserID: "alice",
	}, StaticTokenSource(""), NewMetrics(), nil)
	manager.afterFunc = timers.afterFunc
	dialCalls := 0
	manager.dial = func(context.Context, string, http.Header) (wsConn, error) {
		dialCalls++
		return nil, errors.New("should not dial without token")
	}

	manager.Connect()
	if dialCalls != 0 {
		t.Fatalf("must not dial without a token")
	}
	delays := timers.recordedDelays()
	if len(delays) != 1 || delays[0] != tokenRetryDelay {
		t.Fatalf("expected one token retry at %v, got %v", tokenRetryDelay, delays)
	}
	if got := manager.State(); got != StateDisconnected {
		t.Fatalf("token wait should leave the manager disconnected, got %v", got)
	}
}

func TestConnectHandshakeSubscribesAndEntersOnce(t *testing.T) {
	timers := &timerScript{}
	socket := newFakeSocket()
	manager := NewConnManager(ConnConfig{
		URL:      "ws://test/ws",
		RoomID:   "room1",
		UserID:   "alice",
		UserName: "Alice",
	}, StaticTokenSource("tok"), NewMetrics(), nil)
	manager.afterFunc = timers.afterFunc
	manager.dial = func(context.Context, string, http.Header) (wsConn, error) {
		return socket, nil
	}

	manager.Connect()
	defer manager.Disconnect()

	if !manager.IsConnected() {
		t.Fatalf("expected connected session")
	}
	if got := socket.writesWithPrefix(stompConnect); len(got) != 1 {
		t.Fatalf("expected one CONNECT frame, got %d", len(got))
	}
	subs := socket.writesWithPrefix(stompSubscribe)
	if len(subs) != 1 || !bytes.Contains(subs[0], []byte("/sub/chat/room/room1")) {
		t.Fatalf("expected subscription to the room topic, got %q", subs)
	}

	// the settle timer publishes the enter event exactly once
	timers.runPending()
	timers.runPending()
	var enters int
	for _, w := range socket.writesWithPrefix(stompSend) {
		if bytes.Contains(w, []byte(enterDestination)) {
			enters++
		}
	}
	if enters != 1 {
		t.Fatalf("expected exactly one enter publish, got %d", enters)
	}
}

func TestIdleSessionSurvivesWhenServerDeclinesHeartbeats(t *testing.T) {
	timers := &timerScript{}
	socket := newFakeSocket() // CONNECTED without a heart-beat header

	received := make(chan Message, 1)
	manager := NewConnManager(ConnConfig{
		URL:       "ws://test/ws",
		RoomID:    "room1",
		UserID:    "alice",
		OnMessage: func(m Message) { received <- m },
	}, StaticTokenSource("tok"), NewMetrics(), nil)
	manager.afterFunc = timers.afterFunc
	manager.dial = func(context.Context, string, http.Header) (wsConn, error) {
		return socket, nil
	}

	manager.Connect()
	defer manager.Disconnect()

	// one dispatched message proves the read loop finished an iteration
	body, _ := json.Marshal(Message{ID: "1", Sender: "bob", Type: TypeTalk, Message: "hi"})
	socket.inbound <- newFrame(stompMessage, body).marshal()
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatch")
	}

	// no negotiated heartbeat means no inbound deadline: the handshake
	// cleared it and the read loop must leave it cleared
	if got := socket.lastReadDeadline(); !got.IsZero() {
		t.Fatalf("idle session must not carry a read deadline, got %v", got)
	}
	if !manager.IsConnected() {
		t.Fatalf("expected the session to stay up")
	}
}

func TestServerHeartbeatsArmReadDeadline(t *testing.T) {
	timers := &timerScript{}
	socket := newFakeSocket()
	socket.connectedHeartbeat = "2000,2000"

	received := make(chan Message, 1)
	manager := NewConnManager(ConnConfig{
		URL:       "ws://test/ws",
		RoomID:    "room1",
		UserID:    "alice",
		OnMessage: func(m Message) { received <- m },
	}, StaticTokenSource("tok"), NewMetrics(), nil)
	manager.afterFunc = timers.afterFunc
	manager.dial = func(context.Context, string, http.Header) (wsConn, error) {
		return socket, nil
	}

	manager.Connect()
	defer manager.Disconnect()

	body, _ := json.Marshal(Message{ID: "1", Sender: "bob", Type: TypeTalk, Message: "hi"})
	socket.inbound <- newFrame(stompMessage, body).marshal()
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatch")
	}

	deadline := socket.lastReadDeadline()
	if deadline.IsZero() {
		t.Fatalf("a server that sends heartbeats must arm the read deadline")
	}
	if until := time.Until(deadline); until <= 0 || until > 3*heartbeatInterval+time.Second {
		t.Fatalf("unexpected deadline window %v", until)
	}
}

func TestConnectCancelsPendingRetry(t *testing.T) {
	timers := &timerScript{}
	socket := newFakeSocket()
	dials := 0
	manager := NewConnManager(ConnConfig{
		URL:    "ws://test/ws",
		RoomID: "room1",
		UserID: "alice",
	}, StaticTokenSource("tok"), NewMetrics(), nil)
	manager.afterFunc = timers.afterFunc
	manager.dial = func(context.Context, string, http.Header) (wsConn, error) {
		dials++
		if dials == 1 {
			return nil, errors.New("dial refused")
		}
		return socket, nil
	}

	manager.Connect()
	if got := manager.State(); got != StateReconnecting {
		t.Fatalf("expected StateReconnecting after a failed dial, got %v", got)
	}

	// a direct Connect while the retry is pending succeeds and must disarm it
	manager.Connect()
	defer manager.Disconnect()
	if !manager.IsConnected() {
		t.Fatalf("expected connected session")
	}

	timers.runPending()
	if !manager.IsConnected() {
		t.Fatalf("stale retry knocked the live session down")
	}
	if dials != 2 {
		t.Fatalf("stale retry must not dial again, got %d dials", dials)
	}
}

func TestSendMessagePublishesWhenConnected(t *testing.T) {
	timers := &timerScript{}
	socket := newFakeSocket()
	manager := NewConnManager(ConnConfig{
		URL:    "ws://test/ws",
		RoomID: "room1",
		UserID: "alice",
	}, StaticTokenSource("tok"), NewMetrics(), nil)
	manager.afterFunc = timers.afterFunc
	manager.dial = func(context.Context, string, http.Header) (wsConn, error) {
		return socket, nil
	}

	if manager.SendMessage(TypeTalk, "early", "") {
		t.Fatalf("send before connect must fail")
	}

	manager.Connect()
	defer manager.Disconnect()

	if !manager.SendMessage(TypeTalk, "hello", "") {
		t.Fatalf("send while connected must succeed")
	}

	var published [][]byte
	for _, w := range socket.writesWithPrefix(stompSend) {
		if bytes.Contains(w, []byte(publishDestination)) {
			published = append(published, w)
		}
	}
	if len(published) != 1 {
		t.Fatalf("expected one publish frame, got %d", len(published))
	}
	frame, err := parseFrame(published[0])
	if err != nil {
		t.Fatalf("parse published frame: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(frame.Body, &msg); err != nil {
		t.Fatalf("decode published body: %v", err)
	}
	if msg.Message != "hello" || msg.Sender != "alice" || msg.Type != TypeTalk {
		t.Fatalf("unexpected published message: %+v", msg)
	}
}

func TestInboundDispatch(t *testing.T) {
	timers := &timerScript{}
	socket := newFakeSocket()

	received := make(chan Message, 1)
	entered := make(chan string, 1)
	manager := NewConnManager(ConnConfig{
		URL:           "ws://test/ws",
		RoomID:        "room1",
		UserID:        "alice",
		OnMessage:     func(m Message) { received <- m },
		OnUserEntered: func(id string) { entered <- id },
	}, StaticTokenSource("tok"), NewMetrics(), nil)
	manager.afterFunc = timers.afterFunc
	manager.dial = func(context.Context, string, http.Header) (wsConn, error) {
		return socket, nil
	}

	manager.Connect()
	defer manager.Disconnect()

	talk := Message{
		ID:       "7",
		RoomID:   "room1",
		Sender:   "bob",
		Type:     TypeTalk,
		Message:  "hi",
		CretDate: "2024-05-02 10:00:07",
		UserList: [][]string{{"alice", "carol"}},
	}
	body, _ := json.Marshal(talk)
	socket.inbound <- newFrame(stompMessage, body).set("destination", "/sub/chat/room/room1").marshal()

	select {
	case msg := <-received:
		if msg.ReUserID != "alice,carol" || msg.IsRead != "2" {
			t.Fatalf("expected unread state derived from userList, got isRead=%q reUserId=%q", msg.IsRead, msg.ReUserID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message dispatch")
	}

	enter, _ := json.Marshal(NewEnterEvent("room1", "bob", "Bob"))
	socket.inbound <- newFrame(stompMessage, enter).set("destination", "/sub/chat/room/room1").marshal()

	select {
	case id := <-entered:
		if id != "bob" {
			t.Fatalf("expected bob's enter event, got %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for enter dispatch")
	}
}

func TestNormalizeInboundDefaults(t *testing.T) {
	msg := normalizeInbound(Message{Sender: "bob", Type: TypeTalk, Message: "hi"})
	if msg.ID == "" || msg.CretDate == "" {
		t.Fatalf("expected defaults filled, got %+v", msg)
	}
	if msg.IsRead != "0" || msg.ReUserID != "" {
		t.Fatalf("no userList means nobody is tracked unread, got isRead=%q reUserId=%q", msg.IsRead, msg.ReUserID)
	}

	msg = normalizeInbound(Message{
		Sender:   "bob",
		UserList: [][]string{{"alice", "", " carol "}},
		IsRead:   "99", // server value is ignored, the list is authoritative
	})
	if msg.ReUserID != "alice,carol" || msg.IsRead != "2" {
		t.Fatalf("expected recomputed unread state, got isRead=%q reUserId=%q", msg.IsRead, msg.ReUserID)
	}
}

func TestStateStrings(t *testing.T) {
	m := map[ConnState]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateReconnecting: "reconnecting",
		StateFailed:       "failed",
	}
	for state, want := range m {
		if got := state.String(); got != want {
			t.Fatalf("%d: expected %q, got %q", state, want, got)
		}
	}
}
