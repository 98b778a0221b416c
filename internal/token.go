package internal

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"chatboard/internal/storage"
)

// ErrNoToken is returned when every tier of the token chain comes up empty;
// the connection manager treats it as a transient condition and retries.
var ErrNoToken = errors.New("no auth token available")

// StaticTokenSource returns a fixed token, for configs that carry one
// directly.
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// SessionTokenSource resolves the bearer token through three tiers: an
// explicit override, the in-memory copy from the current login, then the
// session persisted by a previous launch.
type SessionTokenSource struct {
	userID string
	store  *storage.Store
	log    *zap.Logger

	mu       sync.Mutex
	override string
	cached   string
}

func NewSessionTokenSource(userID string, store *storage.Store, log *zap.Logger) *SessionTokenSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionTokenSource{userID: userID, store: store, log: log}
}

// SetOverride pins an explicit token that beats every other tier.
func (s *SessionTokenSource) SetOverride(token string) {
	s.mu.Lock()
	s.override = token
	s.mu.Unlock()
}

// SetToken caches the token from a fresh login and persists it when a
// session store is attached.
func (s *SessionTokenSource) SetToken(ctx context.Context, sess storage.Session) error {
	s.mu.Lock()
	s.cached = sess.Token
	s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	return s.store.SaveSession(ctx, sess)
}

func (s *SessionTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	override, cached := s.override, s.cached
	s.mu.Unlock()

	if override != "" {
		return override, nil
	}
	if cached != "" {
		return cached, nil
	}
	if s.store == nil {
		return "", ErrNoToken
	}

	sess, err := s.store.GetSession(ctx, s.userID)
	if err != nil {
		s.log.Warn("session lookup failed", zap.Error(err))
		return "", err
	}
	if sess == nil {
		return "", ErrNoToken
	}

	s.mu.Lock()
	s.cached = sess.Token
	s.mu.Unlock()
	return sess.Token, nil
}
