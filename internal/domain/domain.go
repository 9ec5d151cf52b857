package domain

import (
	"path"
	"strconv"
	"strings"
	"time"
)

// Kind names one catalog collection.
type Kind string

const (
	KindAction    Kind = "actions"
	KindIdentity  Kind = "identities"
	KindPolicy    Kind = "policies"
	KindConnector Kind = "connectors"
)

// Kinds lists every catalog kind in display order.
var Kinds = []Kind{KindAction, KindIdentity, KindPolicy, KindConnector}

// ParseKind accepts plural and singular spellings.
func ParseKind(raw string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "actions", "action":
		return KindAction, true
	case "identities", "identity":
		return KindIdentity, true
	case "policies", "policy":
		return KindPolicy, true
	case "connectors", "connector":
		return KindConnector, true
	}
	return "", false
}

const (
	RiskCritical = "critical"
	RiskHigh     = "high"
	RiskMedium   = "medium"
	RiskLow      = "low"
)

// RiskLevels in severity order.
var RiskLevels = []string{RiskCritical, RiskHigh, RiskMedium, RiskLow}

const (
	Connected    = "connected"
	NotConnected = "not_connected"

	ControlEnabled  = "enabled"
	ControlDisabled = "disabled"
)

const (
	PolicyDraft    = "draft"
	PolicyActive   = "active"
	PolicyDisabled = "disabled"
)

// Action is an observed security-relevant operation.
type Action struct {
	ID          int64     `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Domain      string    `json:"domain" yaml:"domain"`
	RiskLevel   string    `json:"risk_level" yaml:"risk_level" enum:"critical,high,medium,low"`
	Status      string    `json:"status" yaml:"status"`
	Type        string    `json:"type" yaml:"type"`
	Source      string    `json:"source,omitempty" yaml:"source,omitempty"`
	Identity    string    `json:"identity,omitempty" yaml:"identity,omitempty"`
	OccurredAt  time.Time `json:"occurred_at" yaml:"occurred_at" format:"date-time"`
}

func (a Action) RecordID() string       { return strconv.FormatInt(a.ID, 10) }
func (a Action) PrimaryTime() time.Time { return a.OccurredAt }

func (a Action) Field(name string) (any, bool) {
	switch name {
	case "id":
		return a.ID, true
	case "name":
		return a.Name, true
	case "description":
		return a.Description, true
	case "domain":
		return a.Domain, true
	case "risk_level", "severity":
		return a.RiskLevel, true
	case "status":
		return a.Status, true
	case "type":
		return a.Type, true
	case "source":
		return a.Source, true
	case "identity":
		return a.Identity, true
	case "occurred_at", "timestamp":
		return a.OccurredAt, true
	}
	return nil, false
}

// Identity is a human, service or agent principal.
type Identity struct {
	ID         int64     `json:"id" yaml:"id"`
	Name       string    `json:"name" yaml:"name"`
	Email      string    `json:"email,omitempty" yaml:"email,omitempty"`
	Domain     string    `json:"domain" yaml:"domain"`
	RiskLevel  string    `json:"risk_level" yaml:"risk_level" enum:"critical,high,medium,low"`
	Status     string    `json:"status" yaml:"status"`
	Type       string    `json:"type" yaml:"type" enum:"human,service,agent"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at" format:"date-time"`
	LastActive time.Time `json:"last_active" yaml:"last_active" format:"date-time"`
}

func (i Identity) RecordID() string       { return strconv.FormatInt(i.ID, 10) }
func (i Identity) PrimaryTime() time.Time { return i.LastActive }

func (i Identity) Field(name string) (any, bool) {
	switch name {
	case "id":
		return i.ID, true
	case "name":
		return i.Name, true
	case "email":
		return i.Email, true
	case "domain":
		return i.Domain, true
	case "risk_level", "severity":
		return i.RiskLevel, true
	case "status":
		return i.Status, true
	case "type":
		return i.Type, true
	case "created_at":
		return i.CreatedAt, true
	case "last_active", "timestamp":
		return i.LastActive, true
	}
	return nil, false
}

// Policy is a governance control attached to actions and identities.
type Policy struct {
	ID                string     `json:"id" yaml:"id"`
	Name              string     `json:"name" yaml:"name"`
	Description       string     `json:"description,omitempty" yaml:"description,omitempty"`
	Domain            string     `json:"domain" yaml:"domain"`
	RiskLevel         string     `json:"risk_level" yaml:"risk_level" enum:"critical,high,medium,low"`
	Status            string     `json:"status" yaml:"status" enum:"draft,active,disabled"`
	Type              string     `json:"type" yaml:"type"`
	ActionsCovered    []string   `json:"actions_covered" yaml:"actions_covered"`
	IdentitiesCovered []string   `json:"identities_covered" yaml:"identities_covered"`
	TriggerCount      int        `json:"trigger_count" yaml:"trigger_count"`
	Effectiveness     int        `json:"effectiveness" yaml:"effectiveness"`
	LastTriggered     *time.Time `json:"last_triggered" yaml:"last_triggered"`
	OpportunityID     string     `json:"opportunity_id,omitempty" yaml:"opportunity_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at" yaml:"created_at" format:"date-time"`
}

func (p Policy) RecordID() string       { return p.ID }
func (p Policy) PrimaryTime() time.Time { return p.CreatedAt }

func (p Policy) Field(name string) (any, bool) {
	switch name {
	case "id":
		return p.ID, true
	case "name":
		return p.Name, true
	case "description":
		return p.Description, true
	case "domain":
		return p.Domain, true
	case "risk_level", "severity":
		return p.RiskLevel, true
	case "status":
		return p.Status, true
	case "type":
		return p.Type, true
	case "actions_covered":
		return p.ActionsCovered, true
	case "identities_covered":
		return p.IdentitiesCovered, true
	case "trigger_count":
		return int64(p.TriggerCount), true
	case "effectiveness":
		return int64(p.Effectiveness), true
	case "last_triggered":
		if p.LastTriggered == nil {
			return nil, false
		}
		return *p.LastTriggered, true
	case "created_at", "timestamp":
		return p.CreatedAt, true
	}
	return nil, false
}

// Clone returns a copy that shares no slices with p.
func (p Policy) Clone() Policy {
	out := p
	out.ActionsCovered = cloneStrings(p.ActionsCovered)
	out.IdentitiesCovered = cloneStrings(p.IdentitiesCovered)
	if p.LastTriggered != nil {
		t := *p.LastTriggered
		out.LastTriggered = &t
	}
	return out
}

// ConnectorTemplate seeds one connector in a category.
type ConnectorTemplate struct {
	Name     string `json:"name" yaml:"name"`
	Provider string `json:"provider" yaml:"provider"`
}

// ConnectorRef identifies a connector across categories.
type ConnectorRef struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
}

func (r ConnectorRef) Matches(c ConnectorState) bool {
	return strings.EqualFold(strings.TrimSpace(r.Provider), c.Provider) &&
		strings.EqualFold(strings.TrimSpace(r.Name), c.Name)
}

// ConnectorState is the locally-known status of an external integration.
type ConnectorState struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Provider         string     `json:"provider"`
	Category         string     `json:"category"`
	ConnectionStatus string     `json:"connection_status" enum:"connected,not_connected"`
	ControlStatus    string     `json:"control_status" enum:"enabled,disabled"`
	LastSync         *time.Time `json:"last_sync,omitempty"`
	ConnectedSince   *time.Time `json:"connected_since,omitempty"`
	ActionCount      int        `json:"action_count"`
}

// NewConnectorState builds the initial disconnected state for a template.
func NewConnectorState(category string, t ConnectorTemplate) ConnectorState {
	return ConnectorState{
		ID:               Slug(t.Provider + "-" + t.Name),
		Name:             t.Name,
		Provider:         t.Provider,
		Category:         category,
		ConnectionStatus: NotConnected,
		ControlStatus:    ControlDisabled,
	}
}

func (c ConnectorState) Ref() ConnectorRef {
	return ConnectorRef{Provider: c.Provider, Name: c.Name}
}

func (c ConnectorState) RecordID() string { return c.ID }

func (c ConnectorState) PrimaryTime() time.Time {
	if c.LastSync == nil {
		return time.Time{}
	}
	return *c.LastSync
}

func (c ConnectorState) Field(name string) (any, bool) {
	switch name {
	case "id":
		return c.ID, true
	case "name":
		return c.Name, true
	case "provider", "type":
		return c.Provider, true
	case "category", "domain":
		return c.Category, true
	case "connection_status", "status":
		return c.ConnectionStatus, true
	case "control_status":
		return c.ControlStatus, true
	case "action_count":
		return int64(c.ActionCount), true
	case "last_sync", "timestamp":
		if c.LastSync == nil {
			return nil, false
		}
		return *c.LastSync, true
	case "connected_since":
		if c.ConnectedSince == nil {
			return nil, false
		}
		return *c.ConnectedSince, true
	}
	return nil, false
}

// Clone copies the pointer fields.
func (c ConnectorState) Clone() ConnectorState {
	out := c
	if c.LastSync != nil {
		t := *c.LastSync
		out.LastSync = &t
	}
	if c.ConnectedSince != nil {
		t := *c.ConnectedSince
		out.ConnectedSince = &t
	}
	return out
}

// IntegrationEvent is one delivery received by a manual integration.
type IntegrationEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Summary    string    `json:"summary,omitempty"`
	Payload    string    `json:"payload,omitempty"`
	ReceivedAt time.Time `json:"received_at" format:"date-time"`
}

// ManualIntegration is a user-registered webhook connector.
type ManualIntegration struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	Description      string             `json:"description,omitempty"`
	Category         string             `json:"category"`
	APIKey           string             `json:"api_key"`
	WebhookURL       string             `json:"webhook_url"`
	ConnectionStatus string             `json:"connection_status"`
	CreatedAt        time.Time          `json:"created_at" format:"date-time"`
	UpdatedAt        time.Time          `json:"updated_at" format:"date-time"`
	Events           []IntegrationEvent `json:"events"`
}

// WebhookID is the trailing identifier of the webhook URL.
func (m ManualIntegration) WebhookID() string {
	if m.WebhookURL == "" {
		return ""
	}
	return path.Base(m.WebhookURL)
}

func (m ManualIntegration) Clone() ManualIntegration {
	out := m
	out.Events = append([]IntegrationEvent(nil), m.Events...)
	if out.Events == nil {
		out.Events = []IntegrationEvent{}
	}
	return out
}

// Opportunity is a pre-authored suggestion that can be seized into a policy.
type Opportunity struct {
	ID                string   `json:"id" yaml:"id"`
	Title             string   `json:"title" yaml:"title"`
	Description       string   `json:"description,omitempty" yaml:"description,omitempty"`
	Domain            string   `json:"domain" yaml:"domain"`
	RiskLevel         string   `json:"risk_level" yaml:"risk_level"`
	PolicyType        string   `json:"policy_type" yaml:"policy_type"`
	ActionsCovered    []string `json:"actions_covered" yaml:"actions_covered"`
	IdentitiesCovered []string `json:"identities_covered" yaml:"identities_covered"`
}

// Slug lowercases s and joins alphanumeric runs with dashes.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func cloneStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// AuditEvent is one persisted record of a store mutation.
type AuditEvent struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload,omitempty"`
}
