package guardlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client is a minimal Guardline HTTP API client. Every request goes through
// a retrying transport: network errors, 429 and 5xx responses are retried
// with exponential backoff up to RetryMax times.
type Client struct {
	BaseURL      string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       *slog.Logger

	http *retryablehttp.Client
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:      baseURL,
		Timeout:      10 * time.Second,
		RetryMax:     4,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// Query selects, orders and groups catalog records.
type Query struct {
	Filters      map[string][]string `json:"filters,omitempty"`
	Search       string              `json:"search,omitempty"`
	SearchFields []string            `json:"search_fields,omitempty"`
	Range        string              `json:"range,omitempty"`
	SortBy       string              `json:"sort_by,omitempty"`
	SortDir      string              `json:"sort_dir,omitempty"`
	GroupBy      string              `json:"group_by,omitempty"`
}

type Bucket struct {
	Key     string `json:"key"`
	Count   int    `json:"count"`
	Percent int    `json:"percent"`
}

// ViewGroup keeps records raw; decode them into the kind-specific model.
type ViewGroup struct {
	Key       string            `json:"key"`
	Count     int               `json:"count"`
	Breakdown []Bucket          `json:"breakdown"`
	Records   []json.RawMessage `json:"records"`
}

type ViewResult struct {
	Kind           string      `json:"kind"`
	Total          int         `json:"total"`
	Matched        int         `json:"matched"`
	BreakdownField string      `json:"breakdown_field"`
	Groups         []ViewGroup `json:"groups"`
}

// Action is the API action model (partial).
type Action struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Domain     string    `json:"domain"`
	RiskLevel  string    `json:"risk_level"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Policy is the API policy model (partial).
type Policy struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	Type           string    `json:"type"`
	RiskLevel      string    `json:"risk_level"`
	ActionsCovered []string  `json:"actions_covered"`
	OpportunityID  string    `json:"opportunity_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type Connector struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Provider         string     `json:"provider"`
	Category         string     `json:"category"`
	ConnectionStatus string     `json:"connection_status"`
	ControlStatus    string     `json:"control_status"`
	LastSync         *time.Time `json:"last_sync,omitempty"`
	ActionCount      int        `json:"action_count"`
}

// ConnectorUpdate sends only the non-nil fields.
type ConnectorUpdate struct {
	ConnectionStatus *string    `json:"connection_status,omitempty"`
	ControlStatus    *string    `json:"control_status,omitempty"`
	LastSync         *time.Time `json:"last_sync,omitempty"`
	ActionCount      *int       `json:"action_count,omitempty"`
}

type IntegrationEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Summary    string    `json:"summary,omitempty"`
	Payload    string    `json:"payload,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

type Integration struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	Description      string             `json:"description,omitempty"`
	Category         string             `json:"category"`
	APIKey           string             `json:"api_key"`
	WebhookURL       string             `json:"webhook_url"`
	ConnectionStatus string             `json:"connection_status"`
	Events           []IntegrationEvent `json:"events"`
}

type IntegrationInput struct {
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	Category         string `json:"category,omitempty"`
	ConnectionStatus string `json:"connection_status,omitempty"`
}

type Opportunity struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Domain     string `json:"domain"`
	RiskLevel  string `json:"risk_level"`
	PolicyType string `json:"policy_type"`
}

type AuditEvent struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload,omitempty"`
}

// PaginatedAuditEvents wraps list responses with cursors.
type PaginatedAuditEvents struct {
	Items      []AuditEvent `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

type items[T any] struct {
	Items []T `json:"items"`
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil, nil)
}

// View runs a catalog query for kind (actions, identities, policies or
// connectors).
func (c *Client) View(ctx context.Context, kind string, q Query) (ViewResult, error) {
	var resp ViewResult
	err := c.do(ctx, http.MethodPost, "v0/catalog/"+url.PathEscape(kind)+"/view", q, &resp, nil)
	return resp, err
}

func (c *Client) CreateAction(ctx context.Context, name, domain, riskLevel string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, "v0/actions", map[string]any{
		"name":       name,
		"domain":     domain,
		"risk_level": riskLevel,
	}, &resp, nil)
	return resp, err
}

func (c *Client) DeleteAction(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "v0/actions/"+strconv.FormatInt(id, 10), nil, nil, nil)
}

func (c *Client) Connectors(ctx context.Context) (map[string][]Connector, error) {
	var resp map[string][]Connector
	err := c.do(ctx, http.MethodGet, "v0/connectors", nil, &resp, nil)
	return resp, err
}

func (c *Client) UpdateConnector(ctx context.Context, provider, name string, u ConnectorUpdate) (Connector, error) {
	var resp Connector
	endpoint := fmt.Sprintf("v0/connectors/%s/%s", url.PathEscape(provider), url.PathEscape(name))
	err := c.do(ctx, http.MethodPatch, endpoint, u, &resp, nil)
	return resp, err
}

func (c *Client) Integrations(ctx context.Context) ([]Integration, error) {
	var resp items[Integration]
	err := c.do(ctx, http.MethodGet, "v0/integrations", nil, &resp, nil)
	return resp.Items, err
}

func (c *Client) CreateIntegration(ctx context.Context, in IntegrationInput) (Integration, error) {
	var resp Integration
	err := c.do(ctx, http.MethodPost, "v0/integrations", in, &resp, nil)
	return resp, err
}

func (c *Client) Integration(ctx context.Context, id string) (Integration, error) {
	var resp Integration
	err := c.do(ctx, http.MethodGet, "v0/integrations/"+url.PathEscape(id), nil, &resp, nil)
	return resp, err
}

func (c *Client) DeleteIntegration(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/integrations/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) RotateIntegrationKey(ctx context.Context, id string) (Integration, error) {
	var resp Integration
	err := c.do(ctx, http.MethodPost, "v0/integrations/"+url.PathEscape(id)+"/rotate-key", nil, &resp, nil)
	return resp, err
}

func (c *Client) IntegrationEvents(ctx context.Context, id string) ([]IntegrationEvent, error) {
	var resp items[IntegrationEvent]
	err := c.do(ctx, http.MethodGet, "v0/integrations/"+url.PathEscape(id)+"/events", nil, &resp, nil)
	return resp.Items, err
}

// SendWebhook delivers payload to the ingest endpoint of webhookID.
func (c *Client) SendWebhook(ctx context.Context, webhookID, apiKey string, payload any) error {
	return c.do(ctx, http.MethodPost, "webhooks/"+url.PathEscape(webhookID), payload, nil, map[string]string{"X-Api-Key": apiKey})
}

func (c *Client) Opportunities(ctx context.Context) ([]Opportunity, error) {
	var resp items[Opportunity]
	err := c.do(ctx, http.MethodGet, "v0/opportunities", nil, &resp, nil)
	return resp.Items, err
}

func (c *Client) SeizeOpportunity(ctx context.Context, id string) (Policy, error) {
	var resp Policy
	err := c.do(ctx, http.MethodPost, "v0/opportunities/"+url.PathEscape(id)+"/seize", nil, &resp, nil)
	return resp, err
}

// ConsumePendingPolicy returns the consumed draft, or ok=false when nothing
// was pending.
func (c *Client) ConsumePendingPolicy(ctx context.Context) (Policy, bool, error) {
	var resp struct {
		Consumed bool    `json:"consumed"`
		Policy   *Policy `json:"policy"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/policies/pending/consume", nil, &resp, nil); err != nil {
		return Policy{}, false, err
	}
	if !resp.Consumed || resp.Policy == nil {
		return Policy{}, false, nil
	}
	return *resp.Policy, true, nil
}

func (c *Client) AuditEventsPage(ctx context.Context, limit int, cursor string) (PaginatedAuditEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/audit-events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedAuditEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, nil)
	return resp, err
}

func (c *Client) client() *retryablehttp.Client {
	if c.http != nil {
		return c.http
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = c.RetryMax
	rc.RetryWaitMin = c.RetryWaitMin
	rc.RetryWaitMax = c.RetryWaitMax
	rc.HTTPClient.Timeout = c.Timeout
	// Hand the final response back so non-2xx bodies become APIErrors.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if c.Logger != nil {
		rc.Logger = c.Logger
	} else {
		rc.Logger = nil
	}
	c.http = rc
	return rc
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any, headers map[string]string) error {
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, buf.Bytes())
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client().Do(req)
	if resp == nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
