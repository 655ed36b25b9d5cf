// Package refresh debounces bulk re-extraction. An assistant reply that has
// finished streaming schedules one refresh for its session after a quiet
// period; a newer reply in the same session replaces the pending one.
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/intake/internal/session"
)

// DefaultDelay is the quiet period after an assistant reply settles.
const DefaultDelay = 1500 * time.Millisecond

const refreshTimeout = 30 * time.Second

// Refresher performs the re-extraction.
type Refresher interface {
	Refresh(ctx context.Context, token session.Token) (bool, error)
}

type pending struct {
	timer *time.Timer
	token session.Token
}

type Scheduler struct {
	refresher Refresher
	delay     time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pending
	stopped bool
	wg      sync.WaitGroup
}

func New(r Refresher, delay time.Duration, logger *slog.Logger) *Scheduler {
	if delay <= 0 {
		delay = DefaultDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		refresher: r,
		delay:     delay,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]*pending),
	}
}

// Settled records that the assistant reply ending at turnCount has finished.
// A notification older than the one already pending is ignored.
func (s *Scheduler) Settled(sessionID string, turnCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	token := session.Token{SessionID: sessionID, TurnCount: turnCount}
	if p, ok := s.pending[sessionID]; ok {
		if turnCount < p.token.TurnCount {
			return
		}
		p.timer.Stop()
	}
	s.pending[sessionID] = &pending{
		token: token,
		timer: time.AfterFunc(s.delay, func() { s.fire(token) }),
	}
}

// Cancel drops any refresh pending for a session.
func (s *Scheduler) Cancel(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[sessionID]; ok {
		p.timer.Stop()
		delete(s.pending, sessionID)
	}
}

// Pending reports whether a refresh is scheduled for a session.
func (s *Scheduler) Pending(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[sessionID]
	return ok
}

func (s *Scheduler) fire(token session.Token) {
	s.mu.Lock()
	p, ok := s.pending[token.SessionID]
	if s.stopped || !ok || p.token != token {
		s.mu.Unlock()
		return
	}
	delete(s.pending, token.SessionID)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, refreshTimeout)
	defer cancel()

	applied, err := s.refresher.Refresh(ctx, token)
	if err != nil {
		s.logger.Error("refresh failed", "session_id", token.SessionID, "error", err)
		return
	}
	s.logger.Debug("refresh done", "session_id", token.SessionID, "turn_count", token.TurnCount, "applied", applied)
}

// Stop cancels pending refreshes and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
