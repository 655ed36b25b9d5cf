// Package hermes connects intake to the NATS event bus shared with the chat
// backend.
package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects intake publishes.
const (
	SubjectFieldsUpdated    = "intake.fields.updated"
	SubjectSessionCompleted = "intake.session.completed"
	SubjectAgentRegistered  = "intake.agent.registered"
)

// Subjects intake consumes from the chat backend.
const (
	SubjectAssistantSettled = "intake.chat.assistant.settled"
	SubjectSessionReset     = "intake.chat.session.reset"
)

// Handler receives the raw payload of one inbound event.
type Handler func(subject string, data []byte)

type Options struct {
	URL   string
	Token string
	// Queue, when set, delivers each inbound event to one replica only.
	Queue string
}

type Client struct {
	conn   *nats.Conn
	queue  string
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, opts Options, logger *slog.Logger) (*Client, error) {
	natsOpts := []nats.Option{
		nats.Name("intake"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected, events paused", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if opts.Token != "" {
		natsOpts = append(natsOpts, nats.Token(opts.Token))
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, queue: opts.Queue, logger: logger}, nil
}

// Publish sends data as JSON on subject.
func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	if err := c.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers handler for subject, joining the client's queue group
// when one is configured.
func (c *Client) Subscribe(subject string, handler Handler) error {
	cb := guard(handler, c.logger)

	var (
		sub *nats.Subscription
		err error
	)
	if c.queue != "" {
		sub, err = c.conn.QueueSubscribe(subject, c.queue, cb)
	} else {
		sub, err = c.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject, "queue", c.queue)
	return nil
}

// guard adapts a Handler to nats and keeps a panicking handler from taking
// down the connection's dispatch goroutine.
func guard(handler Handler, logger *slog.Logger) nats.MsgHandler {
	return func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("event handler panicked", "subject", msg.Subject, "panic", fmt.Sprint(r))
			}
		}()
		handler(msg.Subject, msg.Data)
	}
}

// Close unsubscribes and drains in-flight messages before closing.
func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("nats drain failed", "error", err)
		c.conn.Close()
	}
}
