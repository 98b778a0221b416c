package internal

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// optimisticEchoWindow bounds how far apart a local optimistic message and
// its server echo may be timestamped and still be treated as the same send.
const optimisticEchoWindow = 10 * time.Second

// MessagePager fetches one page of room history from the REST backend.
// floorID 0 asks for the newest page; otherwise only messages older than
// floorID are returned.
type MessagePager interface {
	FetchMessages(ctx context.Context, roomID string, floorID int64) ([]Message, error)
}

// ErrLoadInFlight is returned when a pagination request is already running.
var ErrLoadInFlight = errors.New("message load already in flight")

// MessageStore owns the ordered message sequence for one room for the
// lifetime of one chat-room screen. Storage is newest-first, matching the
// inverted chat list.
type MessageStore struct {
	roomID string
	userID string
	pager  MessagePager
	log    *zap.Logger

	mu              sync.Mutex
	messages        []Message
	oldestID        int64
	hasMore         bool
	loadingInitial  bool
	loadingPrevious bool
}

// NewMessageStore builds the store for one room session.
func NewMessageStore(roomID, userID string, pager MessagePager, log *zap.Logger) *MessageStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageStore{
		roomID:  roomID,
		userID:  userID,
		pager:   pager,
		log:     log,
		hasMore: true,
	}
}

// numericID parses a server-assigned message id. Locally originated ids are
// not numeric and sort as zero; they only ever live at the head.
func numericID(id string) int64 {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func sortNewestFirst(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return numericID(msgs[i].ID) > numericID(msgs[j].ID)
	})
}

// normalizeLoadedPage applies the on-load read normalization: loading the
// room counts as having read everything already in it, so the current user
// is removed from the unread set of every message not authored by them.
func (s *MessageStore) normalizeLoadedPage(msgs []Message) []Message {
	for i, msg := range msgs {
		if msg.Sender == s.userID {
			continue
		}
		updated, changed, dup := removeUnreadMember(msg, s.userID)
		if dup {
			s.log.Warn("duplicate tokens in unread set", zap.String("messageId", msg.ID))
		}
		if changed {
			msgs[i] = updated
		}
	}
	return msgs
}

// LoadInitial clears the store and fetches the newest page. An empty page
// means the room has no history and ends pagination.
func (s *MessageStore) LoadInitial(ctx context.Context) error {
	s.mu.Lock()
	if s.loadingInitial {
		s.mu.Unlock()
		return ErrLoadInFlight
	}
	s.loadingInitial = true
	s.messages = nil
	s.oldestID = 0
	s.hasMore = true
	s.mu.Unlock()

	page, err := s.pager.FetchMessages(ctx, s.roomID, 0)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadingInitial = false
	if err != nil {
		return err
	}

	if len(page) == 0 {
		s.hasMore = false
		return nil
	}

	sortNewestFirst(page)
	s.messages = s.normalizeLoadedPage(page)
	s.oldestID = numericID(s.messages[len(s.messages)-1].ID)
	s.log.Debug("initial page loaded",
		zap.Int("count", len(s.messages)),
		zap.Int64("oldestId", s.oldestID))
	return nil
}

// LoadPrevious fetches the page below the current floor and appends it
// (older messages go after, preserving newest-first order). Concurrent calls
// are rejected by the in-flight guard.
func (s *MessageStore) LoadPrevious(ctx context.Context) error {
	s.mu.Lock()
	if s.loadingPrevious {
		s.mu.Unlock()
		return ErrLoadInFlight
	}
	if !s.hasMore {
		s.mu.Unlock()
		return nil
	}
	s.loadingPrevious = true
	floor := s.oldestID
	s.mu.Unlock()

	page, err := s.pager.FetchMessages(ctx, s.roomID, floor)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadingPrevious = false
	if err != nil {
		return err
	}

	if len(page) == 0 {
		s.hasMore = false
		return nil
	}

	sortNewestFirst(page)
	page = s.normalizeLoadedPage(page)
	s.messages = append(s.messages, page...)
	s.oldestID = numericID(page[len(page)-1].ID)
	s.log.Debug("previous page loaded",
		zap.Int("count", len(page)),
		zap.Int64("oldestId", s.oldestID))
	return nil
}

// AddMessage prepends a just-sent or just-received message to the head.
func (s *MessageStore) AddMessage(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]Message{msg}, s.messages...)
}

// RefreshOptimistic replaces the local optimistic copy of one of the current
// user's sends with its server echo, matched by body and a timestamp within
// the echo window. It reports whether a copy was replaced; unmatched echoes
// are the caller's to drop.
func (s *MessageStore) RefreshOptimistic(echo Message) bool {
	if echo.Sender != s.userID {
		return false
	}

	echoAt, err := time.ParseInLocation(CretDateLayout, echo.CretDate, time.Local)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, msg := range s.messages {
		if msg.Sender != s.userID || numericID(msg.ID) != 0 {
			continue
		}
		if msg.Message != echo.Message || msg.Type != echo.Type {
			continue
		}
		sentAt, err := time.ParseInLocation(CretDateLayout, msg.CretDate, time.Local)
		if err != nil {
			continue
		}
		if diff := echoAt.Sub(sentAt); diff < -optimisticEchoWindow || diff > optimisticEchoWindow {
			continue
		}
		s.log.Debug("optimistic message refreshed",
			zap.String("localId", msg.ID),
			zap.String("serverId", echo.ID))
		s.messages[i] = echo
		return true
	}
	return false
}

// MarkMessagesAsRead removes readerID from the unread set of every message
// authored by the current user, decrementing the countdown in lockstep. This
// models the other party opening the room and reading all prior sends.
// Repeating the call is a no-op, since the reader is no longer present.
func (s *MessageStore) MarkMessagesAsRead(readerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changedCount := 0
	for i, msg := range s.messages {
		if msg.Sender != s.userID {
			continue
		}
		updated, changed, dup := removeUnreadMember(msg, readerID)
		if dup {
			s.log.Warn("duplicate tokens in unread set",
				zap.String("messageId", msg.ID),
				zap.String("readerId", readerID))
		}
		if changed {
			s.messages[i] = updated
			changedCount++
		}
	}
	s.log.Debug("read receipts applied",
		zap.String("readerId", readerID),
		zap.Int("updated", changedCount))
}

// UpdateMessage merges a partial mutation into the message with the given
// id, via the caller's closure.
func (s *MessageStore) UpdateMessage(id string, mutate func(*Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			mutate(&s.messages[i])
			return
		}
	}
}

// RemoveMessage drops the message with the given id, if present.
func (s *MessageStore) RemoveMessage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

// ClearMessages resets the store to its initial empty state.
func (s *MessageStore) ClearMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.oldestID = 0
	s.hasMore = true
}

// Messages returns a copy of the stored sequence, newest first.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// HasMore reports whether older pages are known to exist.
func (s *MessageStore) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// IsLoadingPrevious reports whether a backward pagination is in flight.
func (s *MessageStore) IsLoadingPrevious() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadingPrevious
}

// ChatItems derives the render sequence: walking the stored messages oldest
// to newest, a DateSeparator is inserted before the first message of each
// distinct calendar day, and the result is returned reversed for the
// inverted list (newest first).
func (s *MessageStore) ChatItems() []ChatItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) == 0 {
		return nil
	}

	chronological := make([]ChatItem, 0, len(s.messages)+4)
	currentDate := ""
	for i := len(s.messages) - 1; i >= 0; i-- {
		msg := s.messages[i]
		if date := DateOf(msg.CretDate); date != "" && date != currentDate {
			currentDate = date
			chronological = append(chronological, DateSeparator{
				ID:   "separator_" + date,
				Date: date,
			})
		}
		chronological = append(chronological, msg)
	}

	items := make([]ChatItem, len(chronological))
	for i, item := range chronological {
		items[len(chronological)-1-i] = item
	}
	return items
}
