package store

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"guardline/internal/credentials"
	"guardline/internal/domain"
	"guardline/internal/events"
	"guardline/internal/metrics"
)

// idAttempts bounds regeneration when a fresh id collides with a stored one.
const idAttempts = 5

// IntegrationInput carries the user-editable fields of a manual integration.
type IntegrationInput struct {
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	Category         string `json:"category,omitempty"`
	ConnectionStatus string `json:"connection_status,omitempty" enum:"connected,not_connected"`
}

func (in IntegrationInput) normalize() (IntegrationInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Category = strings.TrimSpace(in.Category)
	in.Description = strings.TrimSpace(in.Description)
	if in.Name == "" {
		return in, fmt.Errorf("%w: integration name is required", ErrInvalidInput)
	}
	if in.Category == "" {
		in.Category = "custom"
	}
	switch in.ConnectionStatus {
	case "":
		in.ConnectionStatus = domain.NotConnected
	case domain.Connected, domain.NotConnected:
	default:
		return in, fmt.Errorf("%w: connection_status %q", ErrInvalidInput, in.ConnectionStatus)
	}
	return in, nil
}

func (s *Store) ManualIntegrations() []domain.ManualIntegration {
	return s.Snapshot().ManualIntegrations
}

func (s *Store) Integration(id string) (domain.ManualIntegration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexIntegration(&s.state, id); i >= 0 {
		return s.state.ManualIntegrations[i].Clone(), nil
	}
	return domain.ManualIntegration{}, fmt.Errorf("integration %s: %w", id, ErrNotFound)
}

func indexIntegration(st *State, id string) int {
	for i, m := range st.ManualIntegrations {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func indexWebhook(st *State, webhookID string) int {
	if webhookID == "" {
		return -1
	}
	for i, m := range st.ManualIntegrations {
		if m.WebhookID() == webhookID {
			return i
		}
	}
	return -1
}

func (s *Store) uniqueID(st *State) (string, error) {
	for attempt := 0; attempt < idAttempts; attempt++ {
		id, err := s.gen.NewID()
		if err != nil {
			return "", err
		}
		if indexIntegration(st, id) < 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("allocate integration id: %d collisions", idAttempts)
}

// AddManualIntegration registers a new integration with fresh id, API key
// and webhook URL.
func (s *Store) AddManualIntegration(ctx context.Context, input IntegrationInput) (domain.ManualIntegration, error) {
	var out domain.ManualIntegration
	err := s.mutate(ctx, "add_integration", func(st *State) (events.Entry, error) {
		in, err := input.normalize()
		if err != nil {
			return events.Entry{}, err
		}
		id, err := s.uniqueID(st)
		if err != nil {
			return events.Entry{}, err
		}
		key, err := s.gen.NewAPIKey()
		if err != nil {
			return events.Entry{}, err
		}
		hook, err := s.gen.NewWebhookID()
		if err != nil {
			return events.Entry{}, err
		}
		now := s.now().UTC()
		m := domain.ManualIntegration{
			ID:               id,
			Name:             in.Name,
			Description:      in.Description,
			Category:         in.Category,
			APIKey:           key,
			WebhookURL:       credentials.WebhookURL(s.host, hook),
			ConnectionStatus: in.ConnectionStatus,
			CreatedAt:        now,
			UpdatedAt:        now,
			Events:           []domain.IntegrationEvent{},
		}
		st.ManualIntegrations = append(st.ManualIntegrations, m)
		out = m.Clone()
		return events.Entry{
			Type:       "integration.created",
			EntityKind: "integration",
			EntityID:   id,
			Payload:    events.Payload{"name": m.Name, "category": m.Category},
		}, nil
	})
	if err == nil {
		s.log.Info("integration created", "id", out.ID, "name", out.Name)
	}
	return out, err
}

// UpdateManualIntegration replaces the editable fields of the stored record
// with the same id. Credentials, events and created_at are kept.
func (s *Store) UpdateManualIntegration(ctx context.Context, m domain.ManualIntegration) (domain.ManualIntegration, error) {
	var out domain.ManualIntegration
	err := s.mutate(ctx, "update_integration", func(st *State) (events.Entry, error) {
		i := indexIntegration(st, m.ID)
		if i < 0 {
			return events.Entry{}, fmt.Errorf("integration %s: %w", m.ID, ErrNotFound)
		}
		in, err := IntegrationInput{
			Name:             m.Name,
			Description:      m.Description,
			Category:         m.Category,
			ConnectionStatus: m.ConnectionStatus,
		}.normalize()
		if err != nil {
			return events.Entry{}, err
		}
		cur := &st.ManualIntegrations[i]
		cur.Name = in.Name
		cur.Description = in.Description
		cur.Category = in.Category
		cur.ConnectionStatus = in.ConnectionStatus
		cur.UpdatedAt = s.now().UTC()
		out = cur.Clone()
		return events.Entry{
			Type:       "integration.updated",
			EntityKind: "integration",
			EntityID:   m.ID,
			Payload:    events.Payload{"name": cur.Name, "connection_status": cur.ConnectionStatus},
		}, nil
	})
	return out, err
}

// DeleteManualIntegration reports false without error for unknown ids.
func (s *Store) DeleteManualIntegration(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := s.mutate(ctx, "delete_integration", func(st *State) (events.Entry, error) {
		i := indexIntegration(st, id)
		if i < 0 {
			return events.Entry{}, errUnchanged
		}
		st.ManualIntegrations = append(st.ManualIntegrations[:i], st.ManualIntegrations[i+1:]...)
		deleted = true
		return events.Entry{Type: "integration.deleted", EntityKind: "integration", EntityID: id}, nil
	})
	return deleted, err
}

// AddManualIntegrationEvent prepends ev and keeps the newest
// MaxIntegrationEvents. Events for unknown ids are dropped.
func (s *Store) AddManualIntegrationEvent(ctx context.Context, id string, ev domain.IntegrationEvent) (bool, error) {
	added := false
	err := s.mutate(ctx, "add_integration_event", func(st *State) (events.Entry, error) {
		i := indexIntegration(st, id)
		if i < 0 {
			return events.Entry{}, errUnchanged
		}
		added = true
		return s.prependEvent(st, i, ev)
	})
	countEvent(err, added)
	if err == nil && !added {
		s.log.Debug("event for unknown integration dropped", "id", id, "type", ev.Type)
	}
	return added, err
}

// RecordWebhookEvent checks key against the current API key of the
// integration owning webhookID and records ev on it. The check and the write
// happen under one lock, so a key rotated concurrently never admits an event.
func (s *Store) RecordWebhookEvent(ctx context.Context, webhookID, key string, ev domain.IntegrationEvent) (domain.ManualIntegration, error) {
	var out domain.ManualIntegration
	err := s.mutate(ctx, "add_integration_event", func(st *State) (events.Entry, error) {
		i := indexWebhook(st, webhookID)
		if i < 0 {
			return events.Entry{}, fmt.Errorf("webhook %s: %w", webhookID, ErrNotFound)
		}
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(st.ManualIntegrations[i].APIKey)) != 1 {
			return events.Entry{}, fmt.Errorf("webhook %s: %w", webhookID, ErrUnauthorized)
		}
		entry, err := s.prependEvent(st, i, ev)
		if err != nil {
			return events.Entry{}, err
		}
		out = st.ManualIntegrations[i].Clone()
		return entry, nil
	})
	switch {
	case errors.Is(err, ErrNotFound):
		metrics.IntegrationEventsTotal.WithLabelValues(metrics.ResultNotFound).Inc()
	case errors.Is(err, ErrUnauthorized):
		metrics.IntegrationEventsTotal.WithLabelValues(metrics.ResultRejected).Inc()
	default:
		countEvent(err, true)
	}
	return out, err
}

func countEvent(err error, added bool) {
	switch {
	case err != nil:
		metrics.IntegrationEventsTotal.WithLabelValues(metrics.ResultError).Inc()
	case !added:
		metrics.IntegrationEventsTotal.WithLabelValues(metrics.ResultNotFound).Inc()
	default:
		metrics.IntegrationEventsTotal.WithLabelValues(metrics.ResultOK).Inc()
	}
}

// prependEvent fills ev defaults, puts it at the head of integration i's
// event list and marks the integration connected.
func (s *Store) prependEvent(st *State, i int, ev domain.IntegrationEvent) (events.Entry, error) {
	if ev.ID == "" {
		evID, err := s.gen.NewID()
		if err != nil {
			return events.Entry{}, err
		}
		ev.ID = evID
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now().UTC()
	}
	if ev.Type == "" {
		ev.Type = "event"
	}
	cur := &st.ManualIntegrations[i]
	list := make([]domain.IntegrationEvent, 0, MaxIntegrationEvents)
	list = append(list, ev)
	for _, old := range cur.Events {
		if len(list) == MaxIntegrationEvents {
			break
		}
		list = append(list, old)
	}
	cur.Events = list
	cur.ConnectionStatus = domain.Connected
	cur.UpdatedAt = ev.ReceivedAt
	return events.Entry{
		Type:       "integration.event_received",
		EntityKind: "integration",
		EntityID:   cur.ID,
		Payload:    events.Payload{"event_id": ev.ID, "event_type": ev.Type},
	}, nil
}

// RegenerateAPIKey replaces the key; the previous key stops verifying once
// this returns.
func (s *Store) RegenerateAPIKey(ctx context.Context, id string) (domain.ManualIntegration, error) {
	var out domain.ManualIntegration
	err := s.mutate(ctx, "rotate_api_key", func(st *State) (events.Entry, error) {
		i := indexIntegration(st, id)
		if i < 0 {
			return events.Entry{}, fmt.Errorf("integration %s: %w", id, ErrNotFound)
		}
		key, err := s.gen.NewAPIKey()
		if err != nil {
			return events.Entry{}, err
		}
		cur := &st.ManualIntegrations[i]
		cur.APIKey = key
		cur.UpdatedAt = s.now().UTC()
		out = cur.Clone()
		return events.Entry{Type: "integration.key_rotated", EntityKind: "integration", EntityID: id}, nil
	})
	if err == nil {
		s.log.Info("integration api key rotated", "id", id)
	}
	return out, err
}
