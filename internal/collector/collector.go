// Package collector turns a chat transcript into the four fields a booking
// needs: service, budget, zip code and requirements.
//
// Everything here is synchronous and holds no per-conversation state. The
// caller owns the Fields record and the LockSet and passes them in.
package collector

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Sender roles on a transcript turn.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// Turn is one message in a chat session.
type Turn struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Collector extracts fields using a fixed catalog and an optional price lookup.
type Collector struct {
	catalog Catalog
	prices  PriceLookup
	logger  *slog.Logger
}

// New builds a collector. prices may be nil, in which case budgets only get
// the basic sanity check.
func New(catalog Catalog, prices PriceLookup, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Collector{catalog: catalog, prices: prices, logger: logger}
}

// Catalog returns the catalog the collector matches services against.
func (c *Collector) Catalog() Catalog {
	return c.catalog
}

// ExtractFromTurn pulls zip code, budget and location out of one user turn.
// known supplies the zip and service already collected, which guard the
// budget check. Service is never extracted from free text.
func (c *Collector) ExtractFromTurn(ctx context.Context, text string, known Fields) TurnExtraction {
	var out TurnExtraction
	out.Zipcode = extractZipcode(text)
	out.Budget = c.extractBudget(ctx, text, out.Zipcode, known)
	out.Location = extractLocation(text)
	return out
}

// ExtractFromHistory rebuilds fields from a whole transcript. Earlier turns
// win for every field. Used when a session is resumed.
func (c *Collector) ExtractFromHistory(ctx context.Context, turns []Turn) Fields {
	var out Fields
	for _, t := range turns {
		if t.Sender != SenderUser {
			continue
		}
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}

		if out.Service == "" {
			if name, ok := c.catalog.ExactMatch(text); ok {
				out.Service = name
			}
		}

		ext := c.ExtractFromTurn(ctx, text, out)
		if out.Zipcode == "" {
			out.Zipcode = ext.Zipcode
		}
		if out.Budget == "" {
			out.Budget = ext.Budget
		}

		if out.Requirements == "" {
			if req, ok := c.ClassifyAsRequirement(text); ok {
				out.Requirements = req
			}
		}
	}
	return out
}

// ExtractService returns the catalog entry a turn names exactly, if any.
func (c *Collector) ExtractService(text string) (string, bool) {
	return c.catalog.ExactMatch(text)
}
