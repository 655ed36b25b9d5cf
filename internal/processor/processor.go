package processor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/intake/internal/hermes"
)

const handlerTimeout = 10 * time.Second

// Scheduler queues debounced re-extraction.
type Scheduler interface {
	Settled(sessionID string, turnCount int)
	Cancel(sessionID string)
}

// Sessions is the part of the session service the event handlers drive.
type Sessions interface {
	Discard(ctx context.Context, sessionID string) error
}

// Processor turns chat backend events into session work.
type Processor struct {
	sessions  Sessions
	scheduler Scheduler
	logger    *slog.Logger
}

func New(sessions Sessions, scheduler Scheduler, logger *slog.Logger) *Processor {
	return &Processor{
		sessions:  sessions,
		scheduler: scheduler,
		logger:    logger,
	}
}

// HandleAssistantSettled is the NATS handler for intake.chat.assistant.settled.
func (p *Processor) HandleAssistantSettled(subject string, data []byte) {
	var evt hermes.AssistantSettledEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		p.logger.Error("failed to parse settled event", "subject", subject, "error", err)
		return
	}
	if evt.SessionID == "" {
		p.logger.Warn("settled event without session id", "subject", subject)
		return
	}

	p.logger.Debug("assistant settled", "session_id", evt.SessionID, "turn_count", evt.TurnCount)
	p.scheduler.Settled(evt.SessionID, evt.TurnCount)
}

// HandleSessionReset is the NATS handler for intake.chat.session.reset. The
// backend already started the replacement session, so state is only dropped.
func (p *Processor) HandleSessionReset(subject string, data []byte) {
	var evt hermes.SessionResetEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		p.logger.Error("failed to parse reset event", "subject", subject, "error", err)
		return
	}
	if evt.SessionID == "" {
		p.logger.Warn("reset event without session id", "subject", subject)
		return
	}

	p.scheduler.Cancel(evt.SessionID)

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := p.sessions.Discard(ctx, evt.SessionID); err != nil {
		p.logger.Error("failed to discard session", "session_id", evt.SessionID, "error", err)
		return
	}
	p.logger.Info("session reset by backend", "session_id", evt.SessionID)
}
