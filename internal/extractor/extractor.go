// Package extractor implements bulk field extraction over a whole
// transcript with an LLM, as an alternative to the chat backend's own
// extraction endpoint.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/intake/internal/anthropic"
	"github.com/MikeSquared-Agency/intake/internal/collector"
	"github.com/MikeSquared-Agency/intake/internal/marketplace"
)

const maxTokens = 512

type Completer interface {
	Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int) (string, error)
}

type TranscriptSource interface {
	GetSession(ctx context.Context, sessionID string) (*marketplace.Transcript, error)
}

type CatalogSource interface {
	CatalogServices(ctx context.Context) (collector.Catalog, error)
}

type Extractor struct {
	llm         Completer
	transcripts TranscriptSource
	catalog     CatalogSource
	logger      *slog.Logger
}

func New(llm Completer, transcripts TranscriptSource, catalog CatalogSource, logger *slog.Logger) *Extractor {
	return &Extractor{llm: llm, transcripts: transcripts, catalog: catalog, logger: logger}
}

type llmFields struct {
	Service      string          `json:"service"`
	Budget       json.RawMessage `json:"budget"`
	Zipcode      string          `json:"zipcode"`
	Requirements string          `json:"requirements"`
}

// ExtractData fetches the transcript for a session and asks the model for
// all four fields. Values the model returns are validated the same way a
// manual edit is; anything that fails is dropped rather than guessed.
func (e *Extractor) ExtractData(ctx context.Context, sessionID string) (collector.Fields, error) {
	tr, err := e.transcripts.GetSession(ctx, sessionID)
	if err != nil {
		return collector.Fields{}, fmt.Errorf("fetch transcript: %w", err)
	}

	var cat collector.Catalog
	if e.catalog != nil {
		cat, err = e.catalog.CatalogServices(ctx)
		if err != nil {
			e.logger.Warn("catalog unavailable for extraction", "error", err)
		}
	}

	prompt := fmt.Sprintf(extractionUserPrompt, formatCatalog(cat), FormatTranscript(tr.Turns))
	raw, err := e.llm.Complete(ctx, systemPrompt, []anthropic.Message{{Role: "user", Content: prompt}}, maxTokens)
	if err != nil {
		return collector.Fields{}, fmt.Errorf("llm extraction: %w", err)
	}

	var resp llmFields
	if err := json.Unmarshal([]byte(jsonObject(raw)), &resp); err != nil {
		e.logger.Error("failed to parse extraction response", "error", err, "raw", raw)
		return collector.Fields{}, fmt.Errorf("parse extraction: %w", err)
	}

	fields := e.validate(cat, resp)
	e.logger.Info("bulk extraction complete",
		"session_id", sessionID,
		"turns", len(tr.Turns),
		"missing", len(collector.MissingFields(fields)),
	)
	return fields, nil
}

func (e *Extractor) validate(cat collector.Catalog, resp llmFields) collector.Fields {
	var out collector.Fields

	if svc := strings.TrimSpace(resp.Service); svc != "" {
		if len(cat) == 0 {
			out.Service = svc
		} else if name, ok := cat.ExactMatch(svc); ok {
			out.Service = name
		} else {
			e.logger.Debug("dropping service not in catalog", "service", svc)
		}
	}

	if zip := strings.TrimSpace(resp.Zipcode); zip != "" {
		if v, err := collector.ValidateZipcode(zip); err == nil {
			out.Zipcode = v
		} else {
			e.logger.Debug("dropping invalid zip code", "zipcode", zip)
		}
	}

	if budget := budgetText(resp.Budget); budget != "" {
		if normalized, _, ok := collector.ParseBudget(budget); ok {
			out.Budget = normalized
		} else {
			e.logger.Debug("dropping unparseable budget", "budget", budget)
		}
	}

	out.Requirements = strings.TrimSpace(resp.Requirements)
	return out
}

// budgetText accepts the budget as either a JSON string or number.
func budgetText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// jsonObject trims anything around the outermost JSON object, such as
// markdown fences the model added despite instructions.
func jsonObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return raw
	}
	return raw[start : end+1]
}

// FormatTranscript renders turns as "User: ..." / "Assistant: ..." lines.
func FormatTranscript(turns []collector.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		switch t.Sender {
		case collector.SenderUser:
			sb.WriteString("User: ")
		case collector.SenderAssistant:
			sb.WriteString("Assistant: ")
		default:
			sb.WriteString(t.Sender + ": ")
		}
		sb.WriteString(text)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func formatCatalog(cat collector.Catalog) string {
	if len(cat) == 0 {
		return "(unavailable)"
	}
	var sb strings.Builder
	for _, svc := range cat {
		fmt.Fprintf(&sb, "- %s (%s)\n", svc.Name, svc.Category)
	}
	return sb.String()
}
