package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Connection lifecycle tuning. The backoff doubles per attempt and caps at
// base*2^4; after maxReconnectAttempts the session stays down until the
// caller asks for an explicit reconnect.
const (
	maxReconnectAttempts = 5
	reconnectBaseDelay   = 1 * time.Second
	tokenRetryDelay      = 3 * time.Second
	enterSettleDelay     = 1 * time.Second
	connectTimeout       = 10 * time.Second
	heartbeatInterval    = 4 * time.Second
	publishDestination   = "/pub/chat/message"
	enterDestination     = "/pub/chat/enter"
)

// ConnState is the connection manager's externally visible state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateFailed means the reconnect budget is spent; only an explicit
	// Reconnect leaves it.
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// TokenSource resolves the bearer token used in the connect handshake. The
// chain is explicit value, then in-memory cache, then persisted storage.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// wsConn is the slice of *websocket.Conn the manager needs; tests substitute
// a scripted fake.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

type dialFunc func(ctx context.Context, url string, header http.Header) (wsConn, error)

func gorillaDial(ctx context.Context, url string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ConnConfig wires one room session.
type ConnConfig struct {
	URL      string // ws(s):// endpoint of the chat broker
	RoomID   string
	UserID   string
	UserName string

	// OnMessage receives every normalized non-ENTER inbound message,
	// including echoes of the user's own sends.
	OnMessage func(Message)
	// OnUserEntered fires for inbound ENTER frames with the entering user's
	// id; ENTER frames are never delivered as messages.
	OnUserEntered func(userID string)
	// OnStateChange observes connectivity transitions, for the status line
	// and for pausing the image cache.
	OnStateChange func(ConnState)
}

// ConnManager owns the STOMP-over-websocket session for one room: connect,
// heartbeat, bounded reconnect, the room-enter handshake, and outbound
// publishes. Callbacks run on the session's read goroutine.
type ConnManager struct {
	cfg     ConnConfig
	tokens  TokenSource
	log     *zap.Logger
	metrics *Metrics

	dial      dialFunc
	afterFunc func(time.Duration, func()) *time.Timer

	mu         sync.Mutex
	conn       wsConn
	state      ConnState
	attempts   int
	hasEntered bool
	generation int
	retryTimer *time.Timer
	tokenTimer *time.Timer
	enterTimer *time.Timer
	hbStop     chan struct{}

	writeMu sync.Mutex
}

// NewConnManager builds a manager for one room session. It does not dial
// until Connect is called.
func NewConnManager(cfg ConnConfig, tokens TokenSource, metrics *Metrics, log *zap.Logger) *ConnManager {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &ConnManager{
		cfg:       cfg,
		tokens:    tokens,
		log:       log,
		metrics:   metrics,
		dial:      gorillaDial,
		afterFunc: time.AfterFunc,
	}
}

// State returns the current connection state.
func (c *ConnManager) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the session is live.
func (c *ConnManager) IsConnected() bool {
	return c.State() == StateConnected
}

// reconnectDelay is the backoff before retry n (zero-based): base*2^min(n,4).
func reconnectDelay(attempt int) time.Duration {
	exp := attempt
	if exp > 4 {
		exp = 4
	}
	return reconnectBaseDelay * (1 << exp)
}

// Connect establishes the session. It is a no-op while already connecting or
// connected. A missing token schedules a fixed-delay token retry that does
// not count against the reconnect budget.
func (c *ConnManager) Connect() {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	if c.state == StateFailed {
		c.mu.Unlock()
		c.log.Warn("reconnect budget spent, waiting for explicit reconnect")
		return
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	token, err := c.tokens.Token(ctx)
	if err != nil || strings.TrimSpace(token) == "" {
		c.log.Warn("no auth token available, retrying shortly", zap.Error(err))
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		if c.tokenTimer == nil {
			c.tokenTimer = c.afterFunc(tokenRetryDelay, func() {
				c.mu.Lock()
				c.tokenTimer = nil
				c.mu.Unlock()
				c.Connect()
			})
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	attempt := c.attempts
	c.mu.Unlock()
	c.metrics.IncConnectAttempt()

	conn, err := c.dial(ctx, c.cfg.URL, http.Header{})
	if err != nil {
		c.log.Warn("websocket dial failed", zap.Int("attempt", attempt), zap.Error(err))
		c.connectionLost()
		return
	}

	readInterval, err := c.handshake(conn, token)
	if err != nil {
		c.log.Warn("stomp handshake failed", zap.Int("attempt", attempt), zap.Error(err))
		_ = conn.Close()
		c.connectionLost()
		return
	}

	c.mu.Lock()
	if c.retryTimer != nil {
		// a direct Connect can land while a retry is pending; the stale
		// callback must not tear the fresh session down
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.conn = conn
	c.attempts = 0
	c.generation++
	gen := c.generation
	c.hbStop = make(chan struct{})
	hbStop := c.hbStop
	c.setStateLocked(StateConnected)
	// settle delay before the one-shot room-enter publish, so the broker
	// finishes wiring the subscription first
	c.enterTimer = c.afterFunc(enterSettleDelay, func() { c.publishEnter() })
	c.mu.Unlock()

	c.metrics.IncConnected()
	c.log.Info("connected", zap.String("roomId", c.cfg.RoomID))

	go c.readLoop(conn, gen, readInterval)
	go c.heartbeatLoop(conn, hbStop)
}

// handshake runs CONNECT/CONNECTED and subscribes to the room topic. It
// returns the negotiated inbound heartbeat interval: zero when the CONNECTED
// heart-beat header is absent or declines server-side heartbeats, otherwise
// the larger of the server's send interval and our requested one.
func (c *ConnManager) handshake(conn wsConn, token string) (time.Duration, error) {
	frame := connectFrame(c.cfg.UserID, c.cfg.RoomID, token, int(heartbeatInterval.Milliseconds()))
	if err := c.writeFrame(conn, frame); err != nil {
		return 0, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(connectTimeout))
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if isHeartbeat(payload) {
			continue
		}
		reply, err := parseFrame(payload)
		if err != nil {
			return 0, err
		}
		switch reply.Command {
		case stompConnected:
			_ = conn.SetReadDeadline(time.Time{})
			serverSend, _ := parseHeartbeat(reply.Headers["heart-beat"])
			readInterval := time.Duration(0)
			if serverSend > 0 {
				readInterval = serverSend
				if readInterval < heartbeatInterval {
					readInterval = heartbeatInterval
				}
			}
			sub := subscribeFrame("sub-0", "/sub/chat/room/"+c.cfg.RoomID)
			return readInterval, c.writeFrame(conn, sub)
		case stompError:
			return 0, fmt.Errorf("broker rejected connect: %s", reply.Headers["message"])
		default:
			return 0, fmt.Errorf("unexpected handshake frame %s", reply.Command)
		}
	}
}

// readLoop pumps inbound frames until the socket dies. Parse errors on
// individual frames are logged and dropped without tearing the socket down.
// A readInterval of zero means the server declined heartbeats, so an idle
// session is left alone instead of being timed out.
func (c *ConnManager) readLoop(conn wsConn, gen int, readInterval time.Duration) {
	for {
		if readInterval > 0 {
			// missing three heartbeat windows in a row counts as a dead peer
			_ = conn.SetReadDeadline(time.Now().Add(3 * readInterval))
		}
		_, payload, err := conn.ReadMessage()
		if !c.live(gen) {
			return
		}
		if err != nil {
			c.log.Warn("websocket read failed", zap.Error(err))
			c.connectionLost()
			return
		}
		if isHeartbeat(payload) {
			continue
		}
		frame, err := parseFrame(payload)
		if err != nil {
			c.metrics.IncFrameDropped()
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		switch frame.Command {
		case stompMessage:
			c.dispatchMessage(frame.Body)
		case stompError:
			c.log.Warn("broker error frame", zap.String("message", frame.Headers["message"]))
			c.connectionLost()
			return
		}
	}
}

func (c *ConnManager) heartbeatLoop(conn wsConn, stop chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, heartbeatFrame)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// live reports whether gen is still the active session; late callbacks from
// a torn-down socket are ignored against it.
func (c *ConnManager) live(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation && c.state == StateConnected
}

// dispatchMessage normalizes one inbound body and hands it to the callbacks.
func (c *ConnManager) dispatchMessage(body []byte) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		c.metrics.IncFrameDropped()
		c.log.Warn("dropping unparseable message body", zap.Error(err))
		return
	}

	if msg.Type == TypeEnter {
		c.log.Debug("user entered room", zap.String("sender", msg.Sender))
		if c.cfg.OnUserEntered != nil {
			c.cfg.OnUserEntered(msg.Sender)
		}
		return
	}

	normalized := normalizeInbound(msg)
	c.metrics.IncMessageReceived()
	c.log.Debug("message received",
		zap.String("id", normalized.ID),
		zap.String("type", normalized.Type),
		zap.String("isRead", normalized.IsRead),
		zap.String("reUserId", normalized.ReUserID))
	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(normalized)
	}
}

// normalizeInbound fills server-omitted fields and derives the unread
// bookkeeping from the wire's userList: reUserId comes from userList[0] and
// isRead is recomputed as that list's non-empty token count.
func normalizeInbound(msg Message) Message {
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("msg_%d", time.Now().UnixMilli())
	}
	if msg.CretDate == "" {
		msg.CretDate = NowStamp()
	}

	var members []string
	if len(msg.UserList) > 0 {
		members = splitMembers(strings.Join(msg.UserList[0], ","))
	}
	msg.ReUserID = strings.Join(members, ",")
	msg.IsRead = fmt.Sprintf("%d", len(members))
	return msg
}

// SendMessage publishes a message frame, fire-and-forget. It reports false
// when the session is not connected; it never waits for a broker ack.
func (c *ConnManager) SendMessage(msgType, text, imageInfo string) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		c.log.Warn("send while disconnected", zap.String("type", msgType))
		return false
	}

	msg := NewOutgoingMessage(msgType, text, c.cfg.UserID, c.cfg.UserName, c.cfg.RoomID, imageInfo)
	body, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("encode outbound message", zap.Error(err))
		return false
	}
	if err := c.writeFrame(conn, sendFrame(publishDestination, body)); err != nil {
		c.log.Warn("publish failed", zap.Error(err))
		c.connectionLost()
		return false
	}
	c.metrics.IncMessageSent()
	return true
}

// publishEnter sends the room-enter event exactly once per connected session.
func (c *ConnManager) publishEnter() {
	c.mu.Lock()
	if c.state != StateConnected || c.hasEntered || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.hasEntered = true
	conn := c.conn
	c.mu.Unlock()

	body, err := json.Marshal(NewEnterEvent(c.cfg.RoomID, c.cfg.UserID, c.cfg.UserName))
	if err != nil {
		return
	}
	if err := c.writeFrame(conn, sendFrame(enterDestination, body)); err != nil {
		c.log.Warn("enter publish failed", zap.Error(err))
		c.mu.Lock()
		c.hasEntered = false
		c.mu.Unlock()
		return
	}
	c.log.Info("entered room", zap.String("roomId", c.cfg.RoomID))
}

func (c *ConnManager) writeFrame(conn wsConn, frame *stompFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame.marshal())
}

// connectionLost tears down the current socket and schedules a bounded
// retry. A single pending retry timer exists at a time; further schedule
// requests while one is pending are ignored.
func (c *ConnManager) connectionLost() {
	c.mu.Lock()
	c.teardownLocked()

	if c.retryTimer != nil {
		c.mu.Unlock()
		return
	}
	if c.attempts >= maxReconnectAttempts {
		c.setStateLocked(StateFailed)
		c.mu.Unlock()
		c.log.Error("reconnect attempts exhausted", zap.Int("attempts", maxReconnectAttempts))
		return
	}

	delay := reconnectDelay(c.attempts)
	c.attempts++
	c.setStateLocked(StateReconnecting)
	c.retryTimer = c.afterFunc(delay, func() {
		c.mu.Lock()
		c.retryTimer = nil
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.metrics.IncReconnect()
		c.Connect()
	})
	c.mu.Unlock()
	c.log.Info("reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", c.attempts))
}

// teardownLocked closes the socket and resets the per-session flags. Caller
// holds c.mu.
func (c *ConnManager) teardownLocked() {
	if c.enterTimer != nil {
		c.enterTimer.Stop()
		c.enterTimer = nil
	}
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.hasEntered = false
	c.generation++
	c.setStateLocked(StateDisconnected)
}

// Disconnect cancels all pending timers and deactivates the socket. It is
// idempotent and resets the reconnect budget.
func (c *ConnManager) Disconnect() {
	c.mu.Lock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.tokenTimer != nil {
		c.tokenTimer.Stop()
		c.tokenTimer = nil
	}
	if c.conn != nil {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.TextMessage, newFrame(stompDisconnect, nil).marshal())
		c.writeMu.Unlock()
	}
	c.teardownLocked()
	c.attempts = 0
	c.mu.Unlock()
	c.log.Info("disconnected", zap.String("roomId", c.cfg.RoomID))
}

// Reconnect is the caller-initiated recovery path, used after the automatic
// budget is spent or when the app returns to the foreground.
func (c *ConnManager) Reconnect() {
	c.Disconnect()
	c.afterFunc(100*time.Millisecond, func() { c.Connect() })
}

// setStateLocked records a transition and notifies the observer. Caller
// holds c.mu.
func (c *ConnManager) setStateLocked(state ConnState) {
	if c.state == state {
		return
	}
	c.state = state
	if c.cfg.OnStateChange != nil {
		go c.cfg.OnStateChange(state)
	}
}
