package server

import (
	"guardline/internal/domain"
)

// output wraps a JSON response body.
type output[T any] struct {
	Body T
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

type pendingPolicyResponse struct {
	Consumed bool           `json:"consumed"`
	Policy   *domain.Policy `json:"policy,omitempty"`
}

type auditEventsResponse struct {
	Items      []domain.AuditEvent `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type webhookAccepted struct {
	IntegrationID string `json:"integration_id"`
	EventID       string `json:"event_id"`
	Events        int    `json:"events"`
}

// integrationRequest is the editable part of a manual integration.
type integrationRequest struct {
	Name             string `json:"name" minLength:"1"`
	Description      string `json:"description,omitempty"`
	Category         string `json:"category,omitempty"`
	ConnectionStatus string `json:"connection_status,omitempty" enum:"connected,not_connected"`
}
