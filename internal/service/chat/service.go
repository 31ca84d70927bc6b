package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/podchat/internal/model/chat"
)

// HistoryKey is the session value holding the turn sequence.
const HistoryKey = "message_history"

var (
	ErrSessionNotFound = errors.New("session not found")
)

// Options tunes session lifetime and history retention.
type Options struct {
	// IdleTimeout expires sessions without activity; zero disables expiry.
	IdleTimeout time.Duration
	// HistoryLimit keeps at most this many non-system turns; zero keeps all.
	HistoryLimit int
	Logger       *zap.Logger
}

type entry struct {
	session    chat.Session
	values     map[string]any
	lastActive time.Time
	// turn is a one-slot semaphore serializing exchanges within the session.
	turn chan struct{}
}

// Service holds per-session conversation state in memory.
type Service struct {
	mu           sync.RWMutex
	sessions     map[string]*entry
	idleTimeout  time.Duration
	historyLimit int
	logger       *zap.Logger
	now          func() time.Time
}

// NewService bootstraps the in-memory session store.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := opts.HistoryLimit
	if limit < 0 {
		limit = 0
	}
	return &Service{
		sessions:     make(map[string]*entry),
		idleTimeout:  opts.IdleTimeout,
		historyLimit: limit,
		logger:       logger,
		now:          time.Now,
	}
}

// CreateSession provisions an anonymous session bound to a persona.
func (s *Service) CreateSession(_ context.Context, personaID string) (chat.Session, error) {
	now := s.now()
	session := chat.Session{
		ID:        uuid.NewString(),
		PersonaID: personaID,
		CreatedAt: now.UTC(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = &entry{
		session:    session,
		values:     make(map[string]any),
		lastActive: now,
		turn:       make(chan struct{}, 1),
	}
	s.mu.Unlock()

	s.logger.Debug("session created", zap.String("session", session.ID), zap.String("persona", personaID))
	return session, nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return e.session, nil
}

// EndSession discards a session and everything stored for it.
func (s *Service) EndSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	s.logger.Debug("session ended", zap.String("session", sessionID))
	return nil
}

// Get returns the value stored under key, or def when the session or key is absent.
func (s *Service) Get(sessionID, key string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return def
	}
	v, ok := e.values[key]
	if !ok {
		return def
	}
	return v
}

// Set replaces the value stored under key.
func (s *Service) Set(sessionID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	e.values[key] = value
	e.lastActive = s.now()
	return nil
}

// History returns a copy of the session's turn sequence.
func (s *Service) History(ctx context.Context, sessionID string) ([]chat.Turn, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	turns, _ := s.Get(sessionID, HistoryKey, []chat.Turn(nil)).([]chat.Turn)
	copied := make([]chat.Turn, len(turns))
	copy(copied, turns)
	return copied, nil
}

// SetHistory stores the turn sequence, trimming it to the configured window.
func (s *Service) SetHistory(_ context.Context, sessionID string, turns []chat.Turn) error {
	stored := append([]chat.Turn(nil), Window(turns, s.historyLimit)...)
	return s.Set(sessionID, HistoryKey, stored)
}

// Window keeps a leading system turn plus at most the last limit turns,
// starting at a user turn so roles keep alternating. A limit of zero returns
// turns unchanged.
func Window(turns []chat.Turn, limit int) []chat.Turn {
	if limit <= 0 {
		return turns
	}

	var head []chat.Turn
	rest := turns
	if len(turns) > 0 && turns[0].Role == chat.RoleSystem {
		head = turns[:1]
		rest = turns[1:]
	}
	if len(rest) <= limit {
		return turns
	}

	tail := rest[len(rest)-limit:]
	for len(tail) > 0 && tail[0].Role != chat.RoleUser {
		tail = tail[1:]
	}

	out := make([]chat.Turn, 0, len(head)+len(tail))
	out = append(out, head...)
	return append(out, tail...)
}

// Acquire blocks until the session is free for a new exchange. The returned
// release func must be called once the exchange finishes.
func (s *Service) Acquire(ctx context.Context, sessionID string) (func(), error) {
	s.mu.RLock()
	e, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	select {
	case e.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.Touch(sessionID)
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.turn
			s.Touch(sessionID)
		})
	}, nil
}

// Touch marks the session as active, postponing idle expiry.
func (s *Service) Touch(sessionID string) {
	s.mu.Lock()
	if e, ok := s.sessions[sessionID]; ok {
		e.lastActive = s.now()
	}
	s.mu.Unlock()
}

// SweepIdle removes sessions idle for longer than the idle timeout and
// returns how many were dropped. Sessions mid-exchange are kept.
func (s *Service) SweepIdle() int {
	if s.idleTimeout <= 0 {
		return 0
	}

	cutoff := s.now().Add(-s.idleTimeout)
	removed := 0

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.sessions {
		if len(e.turn) > 0 || e.lastActive.After(cutoff) {
			continue
		}
		delete(s.sessions, id)
		removed++
	}
	return removed
}

// Run sweeps idle sessions until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if s.idleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}

	interval := s.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.SweepIdle(); n > 0 {
				s.logger.Info("expired idle sessions", zap.Int("count", n))
			}
		}
	}
}
