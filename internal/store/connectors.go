package store

import (
	"context"
	"fmt"
	"time"

	"guardline/internal/domain"
	"guardline/internal/events"
)

// ConnectorUpdate is a partial connector change; nil fields are left alone.
type ConnectorUpdate struct {
	ConnectionStatus *string    `json:"connection_status,omitempty"`
	ControlStatus    *string    `json:"control_status,omitempty"`
	LastSync         *time.Time `json:"last_sync,omitempty"`
	ActionCount      *int       `json:"action_count,omitempty"`
}

func (u ConnectorUpdate) empty() bool {
	return u.ConnectionStatus == nil && u.ControlStatus == nil && u.LastSync == nil && u.ActionCount == nil
}

// Initialize seeds the connector lists from category templates. It is a no-op
// returning false once any connector exists.
func (s *Store) Initialize(ctx context.Context, categories map[string][]domain.ConnectorTemplate) (bool, error) {
	seeded := 0
	err := s.mutate(ctx, "initialize", func(st *State) (events.Entry, error) {
		if st.connectorCount() > 0 {
			return events.Entry{}, errUnchanged
		}
		total := 0
		for cat, templates := range categories {
			list := make([]domain.ConnectorState, 0, len(templates))
			for _, t := range templates {
				if t.Name == "" || t.Provider == "" {
					return events.Entry{}, fmt.Errorf("%w: connector template in %s needs name and provider", ErrInvalidInput, cat)
				}
				list = append(list, domain.NewConnectorState(cat, t))
			}
			st.Connectors[cat] = list
			total += len(list)
		}
		if total == 0 {
			return events.Entry{}, errUnchanged
		}
		st.TotalConnectors = total
		seeded = total
		return events.Entry{
			Type:       "connectors.initialized",
			EntityKind: "connector",
			Payload:    events.Payload{"categories": len(categories), "total": total},
		}, nil
	})
	if err != nil || seeded == 0 {
		return false, err
	}
	s.log.Info("connectors initialized", "total", seeded)
	return true, nil
}

// Connectors returns a deep copy of the per-category connector lists.
func (s *Store) Connectors() map[string][]domain.ConnectorState {
	return s.Snapshot().Connectors
}

// AllConnectors flattens every category in lexical category order.
func (s *Store) AllConnectors() []domain.ConnectorState {
	st := s.Snapshot()
	out := make([]domain.ConnectorState, 0, st.TotalConnectors)
	for _, cat := range st.Categories() {
		out = append(out, st.Connectors[cat]...)
	}
	return out
}

func (s *Store) Connector(ref domain.ConnectorRef) (domain.ConnectorState, error) {
	st := s.Snapshot()
	for _, cat := range st.Categories() {
		for _, c := range st.Connectors[cat] {
			if ref.Matches(c) {
				return c, nil
			}
		}
	}
	return domain.ConnectorState{}, fmt.Errorf("connector %s/%s: %w", ref.Provider, ref.Name, ErrNotFound)
}

// UpdateConnectorState merges u into the connector identified by ref.
// A connector that ends up not connected always has control disabled.
func (s *Store) UpdateConnectorState(ctx context.Context, ref domain.ConnectorRef, u ConnectorUpdate) (domain.ConnectorState, error) {
	var out domain.ConnectorState
	err := s.mutate(ctx, "update_connector", func(st *State) (events.Entry, error) {
		if u.empty() {
			return events.Entry{}, fmt.Errorf("%w: empty connector update", ErrInvalidInput)
		}
		c := findConnector(st, ref)
		if c == nil {
			return events.Entry{}, fmt.Errorf("connector %s/%s: %w", ref.Provider, ref.Name, ErrNotFound)
		}
		before := *c
		if err := applyConnectorUpdate(c, u, s.now()); err != nil {
			return events.Entry{}, err
		}
		out = c.Clone()
		return events.Entry{
			Type:       "connector.updated",
			EntityKind: "connector",
			EntityID:   c.ID,
			Payload: events.Payload{
				"connection_status": []string{before.ConnectionStatus, c.ConnectionStatus},
				"control_status":    []string{before.ControlStatus, c.ControlStatus},
				"action_count":      c.ActionCount,
			},
		}, nil
	})
	return out, err
}

func findConnector(st *State, ref domain.ConnectorRef) *domain.ConnectorState {
	for _, cat := range st.Categories() {
		list := st.Connectors[cat]
		for i := range list {
			if ref.Matches(list[i]) {
				return &list[i]
			}
		}
	}
	return nil
}

func applyConnectorUpdate(c *domain.ConnectorState, u ConnectorUpdate, now time.Time) error {
	if u.ConnectionStatus != nil {
		switch *u.ConnectionStatus {
		case domain.Connected:
			if c.ConnectedSince == nil {
				t := now
				c.ConnectedSince = &t
			}
		case domain.NotConnected:
		default:
			return fmt.Errorf("%w: connection_status %q", ErrInvalidInput, *u.ConnectionStatus)
		}
		c.ConnectionStatus = *u.ConnectionStatus
	}
	if u.ControlStatus != nil {
		switch *u.ControlStatus {
		case domain.ControlEnabled, domain.ControlDisabled:
		default:
			return fmt.Errorf("%w: control_status %q", ErrInvalidInput, *u.ControlStatus)
		}
		c.ControlStatus = *u.ControlStatus
	}
	if c.ConnectionStatus != domain.Connected {
		if u.ControlStatus != nil && *u.ControlStatus == domain.ControlEnabled {
			return fmt.Errorf("%w: cannot enable control on %s/%s while not connected", ErrInvariant, c.Provider, c.Name)
		}
		c.ControlStatus = domain.ControlDisabled
		c.ConnectedSince = nil
	}
	if u.LastSync != nil {
		t := *u.LastSync
		c.LastSync = &t
	}
	if u.ActionCount != nil {
		if *u.ActionCount < 0 {
			return fmt.Errorf("%w: action_count %d", ErrInvalidInput, *u.ActionCount)
		}
		c.ActionCount = *u.ActionCount
	}
	return nil
}

func (s *Store) Connect(ctx context.Context, ref domain.ConnectorRef) (domain.ConnectorState, error) {
	status := domain.Connected
	return s.UpdateConnectorState(ctx, ref, ConnectorUpdate{ConnectionStatus: &status})
}

// Disconnect also disables control.
func (s *Store) Disconnect(ctx context.Context, ref domain.ConnectorRef) (domain.ConnectorState, error) {
	status := domain.NotConnected
	return s.UpdateConnectorState(ctx, ref, ConnectorUpdate{ConnectionStatus: &status})
}

func (s *Store) EnableControl(ctx context.Context, ref domain.ConnectorRef) (domain.ConnectorState, error) {
	control := domain.ControlEnabled
	return s.UpdateConnectorState(ctx, ref, ConnectorUpdate{ControlStatus: &control})
}

func (s *Store) DisableControl(ctx context.Context, ref domain.ConnectorRef) (domain.ConnectorState, error) {
	control := domain.ControlDisabled
	return s.UpdateConnectorState(ctx, ref, ConnectorUpdate{ControlStatus: &control})
}

// RecordSync stamps a sync at the store clock with the observed action count.
func (s *Store) RecordSync(ctx context.Context, ref domain.ConnectorRef, actions int) (domain.ConnectorState, error) {
	now := s.now()
	return s.UpdateConnectorState(ctx, ref, ConnectorUpdate{LastSync: &now, ActionCount: &actions})
}
