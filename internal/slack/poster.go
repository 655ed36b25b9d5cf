// Package slack announces handed-off leads in a Slack channel.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/intake/internal/hermes"
)

const (
	defaultPostMessageURL = "https://slack.com/api/chat.postMessage"
	maxRetryAfter         = 30 * time.Second
)

// Error is a chat.postMessage response with ok=false.
type Error struct {
	Code string
}

func (e *Error) Error() string {
	return "slack: " + e.Code
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type block struct {
	Type     string `json:"type"`
	Text     *text  `json:"text,omitempty"`
	Fields   []text `json:"fields,omitempty"`
	Elements []text `json:"elements,omitempty"`
}

type postMessage struct {
	Channel string  `json:"channel"`
	Text    string  `json:"text"`
	Blocks  []block `json:"blocks"`
}

// Poster posts finished intakes to the leads channel.
type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
	}
}

// PostLead posts a lead summary for a completed session. A rate-limited
// post is retried once after the delay Slack asks for.
func (p *Poster) PostLead(ctx context.Context, lead hermes.SessionCompletedEvent) error {
	body, err := json.Marshal(postMessage{
		Channel: p.channel,
		Text:    formatLeadMessage(lead),
		Blocks:  leadBlocks(lead),
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	ts, retryAfter, err := p.post(ctx, body)
	if retryAfter > 0 {
		p.logger.Warn("slack rate limited, retrying", "lead_id", lead.LeadID, "retry_after", retryAfter)
		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return ctx.Err()
		}
		ts, _, err = p.post(ctx, body)
	}
	if err != nil {
		return err
	}

	p.logger.Info("posted lead to slack", "ts", ts, "lead_id", lead.LeadID, "session_id", lead.SessionID)
	return nil
}

// post sends one chat.postMessage call. A positive retryAfter means Slack
// answered 429.
func (p *Poster) post(ctx context.Context, body []byte) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", retryDelay(resp.Header.Get("Retry-After")), &Error{Code: "rate_limited"}
	}

	var out struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("parse slack response (status %d): %w", resp.StatusCode, err)
	}
	if !out.OK {
		return "", 0, &Error{Code: out.Error}
	}
	return out.TS, 0, nil
}

func retryDelay(header string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs <= 0 {
		return time.Second
	}
	if d := time.Duration(secs) * time.Second; d < maxRetryAfter {
		return d
	}
	return maxRetryAfter
}

func leadBlocks(lead hermes.SessionCompletedEvent) []block {
	where := lead.Zipcode
	if lead.Location != "" {
		where = fmt.Sprintf("%s (%s)", lead.Location, lead.Zipcode)
	}
	return []block{
		{Type: "header", Text: &text{Type: "plain_text", Text: "New lead: " + lead.Service}},
		{Type: "section", Fields: []text{
			{Type: "mrkdwn", Text: "*Budget*\n" + lead.Budget},
			{Type: "mrkdwn", Text: "*Where*\n" + where},
		}},
		{Type: "section", Text: &text{Type: "mrkdwn", Text: "*Requirements*\n" + lead.Requirements}},
		{Type: "context", Elements: []text{
			{Type: "mrkdwn", Text: fmt.Sprintf("lead `%s` · session `%s`", lead.LeadID, lead.SessionID)},
		}},
	}
}

// formatLeadMessage is the plain fallback shown in notifications.
func formatLeadMessage(lead hermes.SessionCompletedEvent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*New lead: %s*\n", lead.Service)
	fmt.Fprintf(&sb, "• *Budget:* %s\n", lead.Budget)
	if lead.Location != "" {
		fmt.Fprintf(&sb, "• *Where:* %s (%s)\n", lead.Location, lead.Zipcode)
	} else {
		fmt.Fprintf(&sb, "• *Zip:* %s\n", lead.Zipcode)
	}
	fmt.Fprintf(&sb, "• *Requirements:* %s\n", lead.Requirements)
	if !lead.CompletedAt.IsZero() {
		fmt.Fprintf(&sb, "_completed %s_", lead.CompletedAt.UTC().Format(time.RFC1123))
	}
	return strings.TrimRight(sb.String(), "\n")
}
