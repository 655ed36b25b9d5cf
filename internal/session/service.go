// Package session owns per-session intake state and drives the collector
// through the chat lifecycle: start, turns, manual edits, background
// re-extraction, hand-off and reset.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/intake/internal/collector"
	"github.com/MikeSquared-Agency/intake/internal/hermes"
	"github.com/MikeSquared-Agency/intake/internal/marketplace"
)

// Transport is the chat backend that owns the conversation itself.
type Transport interface {
	CreateSession(ctx context.Context) (*marketplace.Transcript, error)
	GetSession(ctx context.Context, sessionID string) (*marketplace.Transcript, error)
	SendMessage(ctx context.Context, sessionID, text string) (*marketplace.Transcript, error)
}

// BulkExtractor re-reads a whole transcript and returns its best guess at
// every field.
type BulkExtractor interface {
	ExtractData(ctx context.Context, sessionID string) (collector.Fields, error)
}

type CatalogSource interface {
	CatalogServices(ctx context.Context) (collector.Catalog, error)
}

type Store interface {
	SaveSession(ctx context.Context, st State) error
	GetSession(ctx context.Context, sessionID string) (State, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

type Publisher interface {
	Publish(subject string, data any) error
}

type LeadNotifier interface {
	PostLead(ctx context.Context, lead hermes.SessionCompletedEvent) error
}

// Deps wires a Service. Transport, Catalog and Store are required; the rest
// may be nil.
type Deps struct {
	Transport Transport
	Extractor BulkExtractor
	Catalog   CatalogSource
	Prices    collector.PriceLookup
	Store     Store
	Publisher Publisher
	Leads     LeadNotifier
}

const subscriberBuffer = 8

type Service struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sessionLock
	subs  map[string]map[chan State]struct{}
}

// sessionLock is held in Service.locks only while some call holds or waits
// for it.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func New(deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		deps:   deps,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*sessionLock),
		subs:   make(map[string]map[chan State]struct{}),
	}
}

// Start creates a new remote chat session with empty state.
func (s *Service) Start(ctx context.Context) (State, error) {
	tr, err := s.deps.Transport.CreateSession(ctx)
	if err != nil {
		return State{}, fmt.Errorf("create session: %w", err)
	}

	st := State{
		SessionID: tr.SessionID,
		Locked:    collector.NewLockSet(),
		TurnCount: len(tr.Turns),
		Phase:     PhaseCollecting,
		UpdatedAt: s.now(),
	}
	if err := s.deps.Store.SaveSession(ctx, st); err != nil {
		return State{}, fmt.Errorf("save session: %w", err)
	}
	s.logger.Info("session started", "session_id", st.SessionID)
	return st, nil
}

// Resume rebuilds state for an existing remote session from its full
// transcript. Fields already locked by a manual edit keep their values.
func (s *Service) Resume(ctx context.Context, sessionID string) (State, error) {
	var (
		tr  *marketplace.Transcript
		cat collector.Catalog
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tr, err = s.deps.Transport.GetSession(gctx, sessionID)
		if err != nil {
			return fmt.Errorf("fetch transcript: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		cat = s.catalog(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return State{}, err
	}

	unlock := s.lockSession(sessionID)
	defer unlock()

	st, err := s.deps.Store.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, ErrNotFound):
		st = State{SessionID: sessionID, Locked: collector.NewLockSet(), Phase: PhaseCollecting}
	case err != nil:
		return State{}, fmt.Errorf("load session: %w", err)
	}

	col := collector.New(cat, s.deps.Prices, s.logger)
	rebuilt := col.ExtractFromHistory(ctx, tr.Turns)
	st.Fields = collector.MergeExtraction(st.Fields, rebuilt, st.Locked)
	st.Location = collector.LocationFromHistory(tr.Turns)
	st.TurnCount = len(tr.Turns)
	st.UpdatedAt = s.now()

	if err := s.commit(ctx, st, hermes.SourceResume); err != nil {
		return State{}, err
	}
	s.logger.Info("session resumed", "session_id", sessionID, "turns", len(tr.Turns))
	return st, nil
}

// Get returns the current state of a session.
func (s *Service) Get(ctx context.Context, sessionID string) (State, error) {
	return s.deps.Store.GetSession(ctx, sessionID)
}

// SubmitTurn sends a user message and folds whatever it reveals into state.
// A transport failure is returned untouched so the caller can resubmit.
func (s *Service) SubmitTurn(ctx context.Context, sessionID, text string) (State, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return State{}, ErrEmptyMessage
	}

	unlock := s.lockSession(sessionID)
	defer unlock()

	st, err := s.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return State{}, err
	}

	tr, err := s.deps.Transport.SendMessage(ctx, sessionID, text)
	if err != nil {
		return State{}, fmt.Errorf("send message: %w", err)
	}

	col := collector.New(s.catalog(ctx), s.deps.Prices, s.logger)
	turn := col.ExtractFromTurn(ctx, text, st.Fields)
	extracted := turn.Fields
	if name, ok := col.ExtractService(text); ok {
		extracted.Service = name
	}
	if st.Fields.Requirements == "" {
		if req, ok := col.ClassifyAsRequirement(text); ok {
			extracted.Requirements = req
		}
	}

	st.Fields = collector.MergeExtraction(st.Fields, extracted, st.Locked)
	if turn.Location != "" {
		st.Location = turn.Location
	}
	if n := len(tr.Turns); n > st.TurnCount {
		st.TurnCount = n
	} else {
		st.TurnCount++
	}
	st.UpdatedAt = s.now()

	if err := s.commit(ctx, st, hermes.SourceTurn); err != nil {
		return State{}, err
	}
	return st, nil
}

// EditField applies a manual edit from the fields panel and locks the field.
// An empty value clears the field but still locks it.
func (s *Service) EditField(ctx context.Context, sessionID string, field collector.Field, value string) (State, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	st, err := s.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return State{}, err
	}

	value, err = s.validate(ctx, st, field, strings.TrimSpace(value))
	if err != nil {
		return State{}, err
	}

	st.Fields, st.Locked = collector.RecordManualEdit(st.Fields, st.Locked, field, value)
	st.UpdatedAt = s.now()
	if err := s.commit(ctx, st, hermes.SourceManual); err != nil {
		return State{}, err
	}
	s.logger.Info("field edited", "session_id", sessionID, "field", field)
	return st, nil
}

func (s *Service) validate(ctx context.Context, st State, field collector.Field, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	switch field {
	case collector.FieldZipcode:
		return collector.ValidateZipcode(value)
	case collector.FieldBudget:
		col := collector.New(nil, s.deps.Prices, s.logger)
		return col.NormalizeBudget(ctx, st.Fields.Service, value)
	case collector.FieldService:
		return s.canonicalService(ctx, value)
	}
	return value, nil
}

// canonicalService resolves a service name against the catalog. When the
// catalog is unavailable the name is accepted as typed.
func (s *Service) canonicalService(ctx context.Context, name string) (string, error) {
	cat := s.catalog(ctx)
	if len(cat) == 0 {
		return name, nil
	}
	if canonical, ok := cat.ExactMatch(name); ok {
		return canonical, nil
	}
	return "", &collector.ValidationError{Field: collector.FieldService, Message: fmt.Sprintf("%q is not a catalog service", name)}
}

// SelectService records a pick from the service chooser.
func (s *Service) SelectService(ctx context.Context, sessionID, name string) (State, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	st, err := s.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	canonical, err := s.canonicalService(ctx, strings.TrimSpace(name))
	if err != nil {
		return State{}, err
	}

	st.Fields, st.Locked = collector.SelectService(st.Fields, st.Locked, canonical)
	st.UpdatedAt = s.now()
	if err := s.commit(ctx, st, hermes.SourceManual); err != nil {
		return State{}, err
	}
	return st, nil
}

// MatchServices lists catalog services matching keyword for disambiguation.
func (s *Service) MatchServices(ctx context.Context, keyword string) ([]collector.Service, error) {
	cat, err := s.deps.Catalog.CatalogServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return cat.FindMatchingServices(keyword), nil
}

// Refresh runs a bulk re-extraction for the transcript position in token and
// merges it unless the session was reset or a newer refresh already landed.
// It reports whether the result was applied. Extractor failures are logged
// and leave state untouched.
func (s *Service) Refresh(ctx context.Context, token Token) (bool, error) {
	if s.deps.Extractor == nil {
		return false, nil
	}

	fields, err := s.deps.Extractor.ExtractData(ctx, token.SessionID)
	if err != nil {
		s.logger.Warn("bulk extraction failed", "session_id", token.SessionID, "error", err)
		return false, nil
	}

	unlock := s.lockSession(token.SessionID)
	defer unlock()

	st, err := s.deps.Store.GetSession(ctx, token.SessionID)
	if errors.Is(err, ErrNotFound) {
		s.logger.Debug("discarding extraction for reset session", "session_id", token.SessionID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if st.Phase == PhaseHandedOff {
		s.logger.Debug("discarding extraction for handed-off session", "session_id", token.SessionID)
		return false, nil
	}
	if token.TurnCount < st.RefreshedTurn {
		s.logger.Debug("discarding stale extraction", "session_id", token.SessionID, "turn_count", token.TurnCount)
		return false, nil
	}

	merged := collector.MergeExtraction(st.Fields, fields, st.Locked)
	changed := merged != st.Fields
	if !changed && st.RefreshedTurn == token.TurnCount {
		return false, nil
	}
	st.Fields = merged
	st.RefreshedTurn = token.TurnCount
	if !changed {
		if err := s.deps.Store.SaveSession(ctx, st); err != nil {
			return false, fmt.Errorf("save session: %w", err)
		}
		return false, nil
	}
	st.UpdatedAt = s.now()
	if err := s.commit(ctx, st, hermes.SourceRefresh); err != nil {
		return false, err
	}
	return true, nil
}

// Finish hands a complete session off as a lead. An incomplete session
// yields *IncompleteError naming what is missing. Finishing a session that
// was already handed off returns its state without announcing it again.
func (s *Service) Finish(ctx context.Context, sessionID string) (State, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	st, err := s.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	if st.Phase == PhaseHandedOff {
		return st, nil
	}
	if !st.Complete() {
		return State{}, &IncompleteError{Missing: st.Missing()}
	}

	st.Phase = PhaseHandedOff
	st.UpdatedAt = s.now()
	if err := s.deps.Store.SaveSession(ctx, st); err != nil {
		return State{}, fmt.Errorf("save session: %w", err)
	}

	lead := hermes.SessionCompletedEvent{
		LeadID:       uuid.New().String(),
		SessionID:    st.SessionID,
		Service:      st.Fields.Service,
		Budget:       st.Fields.Budget,
		Zipcode:      st.Fields.Zipcode,
		Requirements: st.Fields.Requirements,
		Location:     st.Location,
		CompletedAt:  st.UpdatedAt,
	}
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.Publish(hermes.SubjectSessionCompleted, lead); err != nil {
			s.logger.Error("failed to publish session completed", "session_id", sessionID, "error", err)
		}
	}
	if s.deps.Leads != nil {
		if err := s.deps.Leads.PostLead(ctx, lead); err != nil {
			s.logger.Error("failed to post lead", "session_id", sessionID, "error", err)
		}
	}

	s.notify(st)
	s.logger.Info("session handed off", "session_id", sessionID, "lead_id", lead.LeadID)
	return st, nil
}

// Discard drops all state for a session, including its lock set. Refreshes
// still in flight for it are dropped when they arrive.
func (s *Service) Discard(ctx context.Context, sessionID string) error {
	unlock := s.lockSession(sessionID)
	defer unlock()

	if err := s.deps.Store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	s.mu.Lock()
	for ch := range s.subs[sessionID] {
		close(ch)
	}
	delete(s.subs, sessionID)
	s.mu.Unlock()

	s.logger.Info("session discarded", "session_id", sessionID)
	return nil
}

// Reset discards a session and starts a fresh one in its place.
func (s *Service) Reset(ctx context.Context, sessionID string) (State, error) {
	if err := s.Discard(ctx, sessionID); err != nil {
		return State{}, err
	}
	return s.Start(ctx)
}

// Subscribe streams state snapshots for a session. Slow readers lose the
// oldest snapshot, never the newest. The channel closes when the session is
// discarded or cancel is called.
func (s *Service) Subscribe(sessionID string) (<-chan State, func()) {
	ch := make(chan State, subscriberBuffer)

	s.mu.Lock()
	if s.subs[sessionID] == nil {
		s.subs[sessionID] = make(map[chan State]struct{})
	}
	s.subs[sessionID][ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[sessionID][ch]; ok {
				delete(s.subs[sessionID], ch)
				close(ch)
			}
			if len(s.subs[sessionID]) == 0 {
				delete(s.subs, sessionID)
			}
		})
	}
	return ch, cancel
}

func (s *Service) notify(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs[st.SessionID] {
		snapshot := st.Clone()
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

// commit persists st, announces the change and fans it out to subscribers.
func (s *Service) commit(ctx context.Context, st State, source string) error {
	if err := s.deps.Store.SaveSession(ctx, st); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	if s.deps.Publisher != nil {
		evt := fieldsUpdated(st, source)
		if err := s.deps.Publisher.Publish(hermes.SubjectFieldsUpdated, evt); err != nil {
			s.logger.Warn("failed to publish fields update", "session_id", st.SessionID, "error", err)
		}
	}
	s.notify(st)
	return nil
}

func fieldsUpdated(st State, source string) hermes.FieldsUpdatedEvent {
	fields := make(map[string]string, len(collector.AllFields))
	for _, f := range collector.AllFields {
		if v := st.Fields.Get(f); v != "" {
			fields[string(f)] = v
		}
	}
	missing := make([]string, 0, len(collector.AllFields))
	for _, f := range st.Missing() {
		missing = append(missing, string(f))
	}
	return hermes.FieldsUpdatedEvent{
		SessionID: st.SessionID,
		Fields:    fields,
		Locked:    st.Locked.Strings(),
		Missing:   missing,
		Complete:  st.Complete(),
		Source:    source,
		Timestamp: st.UpdatedAt,
	}
}

// catalog returns the service catalog, or nil when it cannot be loaded.
// Extraction then falls back to catalog-free rules.
func (s *Service) catalog(ctx context.Context) collector.Catalog {
	cat, err := s.deps.Catalog.CatalogServices(ctx)
	if err != nil {
		s.logger.Warn("catalog unavailable", "error", err)
		return nil
	}
	return cat
}

// lockSession serialises mutations of one session. The returned func
// releases the lock and forgets it once nobody else is waiting.
func (s *Service) lockSession(sessionID string) func() {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		s.locks[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, sessionID)
		}
		s.mu.Unlock()
	}
}
