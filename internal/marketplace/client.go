// Package marketplace talks to the marketplace backend: chat sessions, the
// server-side field extractor, the service catalog and price ranges.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/MikeSquared-Agency/intake/internal/collector"
)

const priceCacheSize = 512

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketplace error %d: %s", e.Status, e.Message)
}

// Transcript is the turn history of a remote chat session.
type Transcript struct {
	SessionID string           `json:"session_id"`
	Turns     []collector.Turn `json:"messages"`
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger

	prices *lru.Cache[string, collector.PriceRange]

	catalogTTL time.Duration
	catalogMu  sync.Mutex
	catalog    collector.Catalog
	catalogAt  time.Time
	flight     singleflight.Group
}

func NewClient(baseURL, token string, catalogTTL time.Duration, logger *slog.Logger) (*Client, error) {
	prices, err := lru.New[string, collector.PriceRange](priceCacheSize)
	if err != nil {
		return nil, fmt.Errorf("price cache: %w", err)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		client:     &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		prices:     prices,
		catalogTTL: catalogTTL,
	}, nil
}

// CreateSession opens a new chat session.
func (c *Client) CreateSession(ctx context.Context) (*Transcript, error) {
	var out Transcript
	if err := c.do(ctx, http.MethodPost, "/api/chat/sessions", map[string]any{}, &out); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("create session: backend returned no session id")
	}
	return &out, nil
}

// GetSession fetches the transcript of an existing session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Transcript, error) {
	var out Transcript
	if err := c.do(ctx, http.MethodGet, "/api/chat/sessions/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if out.SessionID == "" {
		out.SessionID = sessionID
	}
	return &out, nil
}

// SendMessage posts a user turn and returns the updated transcript.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) (*Transcript, error) {
	var out Transcript
	path := "/api/chat/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"message": text}, &out); err != nil {
		return nil, fmt.Errorf("send message to %s: %w", sessionID, err)
	}
	if out.SessionID == "" {
		out.SessionID = sessionID
	}
	return &out, nil
}

// extractResponse accepts budget as either a string or a number.
type extractResponse struct {
	Service      string          `json:"service"`
	Zipcode      string          `json:"zipcode"`
	Budget       json.RawMessage `json:"budget"`
	Requirements string          `json:"requirements"`
}

// ExtractData runs the backend's best-effort extraction over the whole
// transcript. A zip that fails validation is dropped, and so is a service
// that is not in the catalog; with the catalog unavailable the service is
// kept as returned.
func (c *Client) ExtractData(ctx context.Context, sessionID string) (collector.Fields, error) {
	var out extractResponse
	path := "/api/chat/sessions/" + url.PathEscape(sessionID) + "/extract"
	if err := c.do(ctx, http.MethodPost, path, map[string]any{}, &out); err != nil {
		return collector.Fields{}, fmt.Errorf("extract %s: %w", sessionID, err)
	}

	fields := collector.Fields{
		Budget:       normalizeBudget(out.Budget),
		Requirements: strings.TrimSpace(out.Requirements),
	}
	if zip := strings.TrimSpace(out.Zipcode); zip != "" {
		if valid, err := collector.ValidateZipcode(zip); err == nil {
			fields.Zipcode = valid
		} else {
			c.logger.Debug("dropping extracted zipcode", "session_id", sessionID, "zipcode", zip)
		}
	}
	if service := strings.TrimSpace(out.Service); service != "" {
		fields.Service = c.catalogService(ctx, sessionID, service)
	}
	return fields, nil
}

func (c *Client) catalogService(ctx context.Context, sessionID, name string) string {
	cat, err := c.CatalogServices(ctx)
	if err != nil || len(cat) == 0 {
		return name
	}
	canonical, ok := cat.ExactMatch(name)
	if !ok {
		c.logger.Debug("dropping extracted service", "session_id", sessionID, "service", name)
		return ""
	}
	return canonical
}

func normalizeBudget(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return ""
		}
		s = n.String()
	}
	s = strings.TrimSpace(s)
	if normalized, _, ok := collector.ParseBudget(s); ok {
		return normalized
	}
	return s
}

// PriceRange returns the plausible price range for a service. Results are
// cached per service name.
func (c *Client) PriceRange(ctx context.Context, service string) (collector.PriceRange, error) {
	key := strings.ToLower(strings.TrimSpace(service))
	if rng, ok := c.prices.Get(key); ok {
		return rng, nil
	}
	var out collector.PriceRange
	path := "/api/services/price-range?service=" + url.QueryEscape(service)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return collector.PriceRange{}, fmt.Errorf("price range for %s: %w", service, err)
	}
	c.prices.Add(key, out)
	return out, nil
}

// CatalogServices returns the service catalog. Concurrent callers share one
// request and the result is reused until the TTL expires.
func (c *Client) CatalogServices(ctx context.Context) (collector.Catalog, error) {
	c.catalogMu.Lock()
	if c.catalog != nil && time.Since(c.catalogAt) < c.catalogTTL {
		cat := c.catalog
		c.catalogMu.Unlock()
		return cat, nil
	}
	c.catalogMu.Unlock()

	v, err, _ := c.flight.Do("catalog", func() (any, error) {
		var out collector.Catalog
		if err := c.do(ctx, http.MethodGet, "/api/services", nil, &out); err != nil {
			return nil, err
		}
		c.catalogMu.Lock()
		c.catalog = out
		c.catalogAt = time.Now()
		c.catalogMu.Unlock()
		c.logger.Info("catalog refreshed", "services", len(out))
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	return v.(collector.Catalog), nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &errResp) == nil {
			if errResp.Error != "" {
				msg = errResp.Error
			} else if errResp.Message != "" {
				msg = errResp.Message
			}
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
