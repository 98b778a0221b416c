package internal

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// uploadPacing is the fixed delay between sequential image uploads so a
// multi-image send does not saturate the radio.
const uploadPacing = 100 * time.Millisecond

// outgoing send throttle
const (
	sendBurst  = 5
	sendWindow = 3 * time.Second
)

// preloadRecentLimit caps how many visible image messages get warmed after a
// history load.
const preloadRecentLimit = 10

// ImageUploader pushes one staged image to the backend and returns its
// server-side saved name.
type ImageUploader interface {
	UploadImage(ctx context.Context, roomID, userID string, img StagedImage) (string, error)
}

// ImageSelector is the staged-attachment surface the room consumes; the
// picker UI fills it.
type ImageSelector interface {
	Staged() []StagedImage
	ClearStaged()
}

// roomConnection is the slice of ConnManager the room drives; tests
// substitute a fake.
type roomConnection interface {
	Connect()
	Disconnect()
	Reconnect()
	SendMessage(msgType, text, imageInfo string) bool
	IsConnected() bool
	State() ConnState
}

// RoomConfig identifies one chat-room session.
type RoomConfig struct {
	BaseURL  string // http(s) REST base, also the image URL root
	WSURL    string // ws(s) broker endpoint
	RoomID   string
	UserID   string
	UserName string
}

// ChatRoom sequences the room session: the connection manager, the message
// store, the image cache, and the attach-image workflow, exposed as a single
// screen-facing surface.
type ChatRoom struct {
	cfg      RoomConfig
	store    *MessageStore
	conn     roomConnection
	cache    *ImageCache
	selector ImageSelector
	uploader ImageUploader
	presence *PresenceTracker
	limiter  *SendLimiter
	log      *zap.Logger

	foreground bool
	// onUpdate pokes the screen after any state mutation; nil until the
	// screen attaches.
	onUpdate func()
}

// NewChatRoom wires a room session. The cache is the process-wide instance;
// everything else is scoped to this room.
func NewChatRoom(
	cfg RoomConfig,
	pager MessagePager,
	uploader ImageUploader,
	selector ImageSelector,
	cache *ImageCache,
	tokens TokenSource,
	metrics *Metrics,
	log *zap.Logger,
) *ChatRoom {
	if log == nil {
		log = zap.NewNop()
	}
	room := &ChatRoom{
		cfg:      cfg,
		store:    NewMessageStore(cfg.RoomID, cfg.UserID, pager, log),
		cache:    cache,
		selector: selector,
		uploader: uploader,
		presence: NewPresenceTracker(),
		limiter:  NewSendLimiter(sendBurst, sendWindow),
		log:      log,
	}
	room.conn = NewConnManager(ConnConfig{
		URL:           cfg.WSURL,
		RoomID:        cfg.RoomID,
		UserID:        cfg.UserID,
		UserName:      cfg.UserName,
		OnMessage:     room.handleIncoming,
		OnUserEntered: room.handleUserEntered,
		OnStateChange: room.handleConnState,
	}, tokens, metrics, log)
	return room
}

// SetOnUpdate registers the screen refresh hook.
func (r *ChatRoom) SetOnUpdate(fn func()) {
	r.onUpdate = fn
}

func (r *ChatRoom) notify() {
	if r.onUpdate != nil {
		r.onUpdate()
	}
}

// Enter runs room entry: initial history load, preload of the recent image
// thumbnails, and the socket connect when the app is foregrounded.
func (r *ChatRoom) Enter(ctx context.Context, foreground bool) error {
	r.foreground = foreground
	err := r.store.LoadInitial(ctx)
	if err != nil {
		return fmt.Errorf("load room history: %w", err)
	}

	r.preloadVisibleImages()
	if r.foreground {
		r.conn.Connect()
	}
	r.notify()
	return nil
}

// Leave tears the session down; the store dies with the screen, the cache
// survives for the next room.
func (r *ChatRoom) Leave() {
	r.conn.Disconnect()
	r.store.ClearMessages()
}

// SetForeground applies an app-state transition: returning to the
// foreground while disconnected triggers a reconnect; backgrounding needs no
// action beyond what the connection manager does internally.
func (r *ChatRoom) SetForeground(active bool) {
	r.foreground = active
	if !active {
		return
	}
	switch r.conn.State() {
	case StateConnected, StateConnecting, StateReconnecting:
	case StateFailed:
		r.conn.Reconnect()
	default:
		r.conn.Connect()
	}
}

// handleIncoming dispatches one normalized inbound message. The sender
// relies on the optimistic local append: echoes of our own sends only
// refresh the optimistic copy and are dropped when no copy matches.
func (r *ChatRoom) handleIncoming(msg Message) {
	if msg.Sender == r.cfg.UserID {
		if !r.store.RefreshOptimistic(msg) {
			r.log.Debug("dropping unmatched self echo", zap.String("id", msg.ID))
			return
		}
	} else {
		r.store.AddMessage(msg)
	}
	r.presence.MarkActive(msg.Sender)

	if msg.ImageInfo != "" {
		r.cache.PreloadImages(
			[]string{ThumbnailImageURL(r.cfg.BaseURL, msg.ImageInfo)},
			PreloadOptions{Priority: PriorityHigh, MaxImages: 1},
		)
	}
	r.notify()
}

// handleUserEntered reconciles read receipts when another member opens the
// room.
func (r *ChatRoom) handleUserEntered(userID string) {
	r.store.MarkMessagesAsRead(userID)
	r.presence.MarkActive(userID)
	r.notify()
}

// handleConnState pauses and resumes the shared image cache with socket
// connectivity.
func (r *ChatRoom) handleConnState(state ConnState) {
	r.cache.SetSocketConnected(state == StateConnected)
	r.notify()
}

// preloadVisibleImages warms thumbnails for the most recent image messages.
func (r *ChatRoom) preloadVisibleImages() {
	var urls []string
	for _, msg := range r.store.Messages() {
		if msg.ImageInfo == "" {
			continue
		}
		urls = append(urls, ThumbnailImageURL(r.cfg.BaseURL, msg.ImageInfo))
		if len(urls) >= preloadRecentLimit {
			break
		}
	}
	if len(urls) > 0 {
		r.cache.PreloadImages(urls, PreloadOptions{Priority: PriorityNormal})
	}
}

// SendText publishes a text message with an optimistic local append; the
// server echo later replaces the optimistic copy.
func (r *ChatRoom) SendText(text string) error {
	if text == "" {
		return nil
	}
	if !r.conn.IsConnected() {
		return fmt.Errorf("not connected")
	}
	if !r.limiter.Allow() {
		return fmt.Errorf("sending too quickly, wait a moment")
	}

	optimistic := NewOutgoingMessage(TypeTalk, text, r.cfg.UserID, r.cfg.UserName, r.cfg.RoomID, "")
	r.store.AddMessage(optimistic)
	r.notify()

	if !r.conn.SendMessage(TypeTalk, text, "") {
		r.store.RemoveMessage(optimistic.ID)
		r.notify()
		return fmt.Errorf("publish failed")
	}
	return nil
}

// SendStagedImages runs the attach-image flow: each staged image is
// uploaded, then published as an IMAGE message, sequentially with a fixed
// pacing delay. A single failure is reported but does not abort the
// remaining uploads.
func (r *ChatRoom) SendStagedImages(ctx context.Context) []error {
	staged := r.selector.Staged()
	if len(staged) == 0 {
		return nil
	}

	var failures []error
	for i, img := range staged {
		savedName, err := r.uploader.UploadImage(ctx, r.cfg.RoomID, r.cfg.UserID, img)
		if err != nil {
			r.log.Warn("image upload failed", zap.String("name", img.Name), zap.Error(err))
			failures = append(failures, fmt.Errorf("upload %s: %w", img.Name, err))
			continue
		}

		optimistic := NewOutgoingMessage(TypeImage, "", r.cfg.UserID, r.cfg.UserName, r.cfg.RoomID, savedName)
		r.store.AddMessage(optimistic)
		if !r.conn.SendMessage(TypeImage, "", savedName) {
			r.store.RemoveMessage(optimistic.ID)
			failures = append(failures, fmt.Errorf("publish %s: not connected", img.Name))
		}
		r.notify()

		if i < len(staged)-1 {
			select {
			case <-ctx.Done():
				return append(failures, ctx.Err())
			case <-time.After(uploadPacing):
			}
		}
	}

	r.selector.ClearStaged()
	r.notify()
	return failures
}

// MaybeLoadPrevious pages older history when the scroll approaches the
// oldest loaded edge. It is a no-op while a load is in flight or when no
// more pages exist.
func (r *ChatRoom) MaybeLoadPrevious(ctx context.Context) error {
	if r.store.IsLoadingPrevious() || !r.store.HasMore() {
		return nil
	}
	if err := r.store.LoadPrevious(ctx); err != nil {
		return fmt.Errorf("load previous messages: %w", err)
	}
	r.notify()
	return nil
}

// ChatItems exposes the store's date-separated render view.
func (r *ChatRoom) ChatItems() []ChatItem {
	return r.store.ChatItems()
}

// Store exposes the message store for direct screen queries.
func (r *ChatRoom) Store() *MessageStore {
	return r.store
}

// Connected reports socket connectivity for the status line.
func (r *ChatRoom) Connected() bool {
	return r.conn.IsConnected()
}

// ConnectionState exposes the connection state for the status line.
func (r *ChatRoom) ConnectionState() ConnState {
	return r.conn.State()
}

// Presence exposes the observed-member tracker.
func (r *ChatRoom) Presence() *PresenceTracker {
	return r.presence
}
