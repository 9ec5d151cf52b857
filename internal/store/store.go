// Package store owns the durable connector and integration state. Every named
// operation mutates a private copy, validates it, and writes the whole state
// to the backend before the copy replaces the in-memory state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"guardline/internal/credentials"
	"guardline/internal/domain"
	"guardline/internal/events"
	"guardline/internal/logging"
	"guardline/internal/metrics"
)

const (
	StateKey         = "guardline.state"
	PendingPolicyKey = "guardline.pendingPolicy"

	// MaxIntegrationEvents bounds the per-integration event history.
	MaxIntegrationEvents = 20

	DefaultWebhookHost = "localhost:8080"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvariant    = errors.New("invariant violation")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")

	errUnchanged = errors.New("unchanged")
)

// Backend is the durable key-value storage behind a Store. Put and Take
// apply the audit entry in the same transaction as the write.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, entry events.Entry) error
	Take(ctx context.Context, key string, entry events.Entry) ([]byte, bool, error)
}

// State is the persisted document under StateKey.
type State struct {
	Connectors         map[string][]domain.ConnectorState `json:"connectors"`
	TotalConnectors    int                                `json:"totalConnectors"`
	ManualIntegrations []domain.ManualIntegration         `json:"manualIntegrations"`
}

func DefaultState() State {
	return State{
		Connectors:         map[string][]domain.ConnectorState{},
		ManualIntegrations: []domain.ManualIntegration{},
	}
}

func (s State) Clone() State {
	out := State{
		Connectors:         make(map[string][]domain.ConnectorState, len(s.Connectors)),
		TotalConnectors:    s.TotalConnectors,
		ManualIntegrations: make([]domain.ManualIntegration, 0, len(s.ManualIntegrations)),
	}
	for cat, list := range s.Connectors {
		cp := make([]domain.ConnectorState, len(list))
		for i, c := range list {
			cp[i] = c.Clone()
		}
		out.Connectors[cat] = cp
	}
	for _, m := range s.ManualIntegrations {
		out.ManualIntegrations = append(out.ManualIntegrations, m.Clone())
	}
	return out
}

// Categories returns category names in lexical order.
func (s State) Categories() []string {
	cats := make([]string, 0, len(s.Connectors))
	for c := range s.Connectors {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats
}

func (s State) connectorCount() int {
	n := 0
	for _, list := range s.Connectors {
		n += len(list)
	}
	return n
}

// Validate checks the invariants every persisted state must hold.
func (s State) Validate() error {
	if s.TotalConnectors != s.connectorCount() {
		return fmt.Errorf("%w: totalConnectors %d but %d connectors stored", ErrInvariant, s.TotalConnectors, s.connectorCount())
	}
	for cat, list := range s.Connectors {
		for _, c := range list {
			if c.ControlStatus == domain.ControlEnabled && c.ConnectionStatus != domain.Connected {
				return fmt.Errorf("%w: connector %s/%s in %s has control enabled while %s", ErrInvariant, c.Provider, c.Name, cat, c.ConnectionStatus)
			}
		}
	}
	seen := map[string]struct{}{}
	for _, m := range s.ManualIntegrations {
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("%w: duplicate integration id %s", ErrInvariant, m.ID)
		}
		seen[m.ID] = struct{}{}
		if len(m.Events) > MaxIntegrationEvents {
			return fmt.Errorf("%w: integration %s holds %d events", ErrInvariant, m.ID, len(m.Events))
		}
	}
	return nil
}

func (s *State) normalize() {
	if s.Connectors == nil {
		s.Connectors = map[string][]domain.ConnectorState{}
	}
	if s.ManualIntegrations == nil {
		s.ManualIntegrations = []domain.ManualIntegration{}
	}
	for i := range s.ManualIntegrations {
		if s.ManualIntegrations[i].Events == nil {
			s.ManualIntegrations[i].Events = []domain.IntegrationEvent{}
		}
	}
}

type Options struct {
	// WebhookHost is the public host embedded in generated webhook URLs.
	WebhookHost string
	Generator   credentials.Generator
	Now         func() time.Time
	Logger      *slog.Logger
}

// Store serialises every operation and every backend access behind mu.
type Store struct {
	mu      sync.Mutex
	backend Backend
	state   State
	host    string
	gen     credentials.Generator
	now     func() time.Time
	log     *slog.Logger
}

// Open loads the persisted state. Absent, unparseable or invalid state is
// replaced by DefaultState with a warning; backend read errors are returned.
func Open(ctx context.Context, backend Backend, opts Options) (*Store, error) {
	if backend == nil {
		return nil, errors.New("store: nil backend")
	}
	s := &Store{
		backend: backend,
		host:    opts.WebhookHost,
		gen:     opts.Generator,
		now:     opts.Now,
		log:     opts.Logger,
	}
	if s.host == "" {
		s.host = DefaultWebhookHost
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.gen.Now == nil {
		s.gen.Now = s.now
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	data, ok, err := backend.Get(ctx, StateKey)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	s.state = s.decode(data, ok)
	s.publishGauges()
	return s, nil
}

func (s *Store) decode(data []byte, ok bool) State {
	if !ok {
		s.log.Info("no persisted state, starting empty", "key", StateKey)
		return DefaultState()
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.log.Warn("persisted state unreadable, starting empty", "key", StateKey, "error", err)
		return DefaultState()
	}
	st.normalize()
	if err := st.Validate(); err != nil {
		s.log.Warn("persisted state invalid, starting empty", "key", StateKey, "error", err)
		return DefaultState()
	}
	return st
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// mutate runs fn against a copy of the state and commits it only after the
// backend write succeeds. fn returning errUnchanged skips the write.
func (s *Store) mutate(ctx context.Context, op string, fn func(st *State) (events.Entry, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.Clone()
	entry, err := fn(&next)
	if errors.Is(err, errUnchanged) {
		metrics.StoreOperationsTotal.WithLabelValues(op, metrics.ResultNoop).Inc()
		return nil
	}
	if err == nil {
		err = next.Validate()
	}
	if err != nil {
		metrics.StoreOperationsTotal.WithLabelValues(op, resultLabel(err)).Inc()
		return err
	}
	data, err := json.Marshal(next)
	if err != nil {
		metrics.StoreOperationsTotal.WithLabelValues(op, metrics.ResultError).Inc()
		return fmt.Errorf("encode state: %w", err)
	}
	if err := s.backend.Put(ctx, StateKey, data, entry); err != nil {
		metrics.StoreOperationsTotal.WithLabelValues(op, metrics.ResultError).Inc()
		s.log.Error("state save failed", "operation", op, "error", err)
		return fmt.Errorf("save state: %w", err)
	}
	s.state = next
	metrics.StoreOperationsTotal.WithLabelValues(op, metrics.ResultOK).Inc()
	s.publishGauges()
	return nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return metrics.ResultNotFound
	case errors.Is(err, ErrInvariant), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnauthorized):
		return metrics.ResultRejected
	default:
		return metrics.ResultError
	}
}

func (s *Store) publishGauges() {
	metrics.ConnectorsTotal.Reset()
	for cat, list := range s.state.Connectors {
		counts := map[string]int{domain.Connected: 0, domain.NotConnected: 0}
		for _, c := range list {
			counts[c.ConnectionStatus]++
		}
		for status, n := range counts {
			metrics.ConnectorsTotal.WithLabelValues(cat, status).Set(float64(n))
		}
	}
}
