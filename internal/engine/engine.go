package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"guardline/internal/catalog"
	"guardline/internal/config"
	"guardline/internal/credentials"
	"guardline/internal/domain"
	"guardline/internal/events"
	"guardline/internal/fixtures"
	"guardline/internal/logging"
	"guardline/internal/opportunity"
	"guardline/internal/repo"
	"guardline/internal/store"
)

var (
	ErrNotFound     = store.ErrNotFound
	ErrInvalidInput = store.ErrInvalidInput
)

type Options struct {
	Now       func() time.Time
	Logger    *slog.Logger
	Generator credentials.Generator
}

// Engine is the application object shared by the CLI and the HTTP server.
// The catalogs live in memory; the store is the only durable state.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Store  *store.Store
	Config *config.Config
	Gen    credentials.Generator
	Now    func() time.Time
	Log    *slog.Logger

	mu         sync.Mutex
	actions    *catalog.Collection[domain.Action]
	identities *catalog.Collection[domain.Identity]
	policies   *catalog.Collection[domain.Policy]
}

// Open builds an engine over a migrated workspace database.
func Open(ctx context.Context, conn *sql.DB, cfg *config.Config, opts Options) (*Engine, error) {
	r := repo.Repo{DB: conn, Events: events.Writer{Now: opts.Now}}
	e, err := New(ctx, r, cfg, opts)
	if err != nil {
		return nil, err
	}
	e.DB = conn
	e.Repo = r
	return e, nil
}

// New builds an engine over any store backend.
func New(ctx context.Context, backend store.Backend, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default("guardline")
	}
	e := &Engine{
		Config:     cfg,
		Gen:        opts.Generator,
		Now:        opts.Now,
		Log:        opts.Logger,
		actions:    catalog.NewCollection[domain.Action](),
		identities: catalog.NewCollection[domain.Identity](),
		policies:   catalog.NewCollection[domain.Policy](),
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	if e.Gen.Now == nil {
		e.Gen.Now = e.Now
	}
	if e.Log == nil {
		e.Log = logging.Discard()
	}
	st, err := store.Open(ctx, backend, store.Options{
		WebhookHost: cfg.Webhooks.Host,
		Generator:   e.Gen,
		Now:         e.Now,
		Logger:      e.Log,
	})
	if err != nil {
		return nil, err
	}
	e.Store = st
	return e, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitConnectors seeds connector state from the configured categories.
func (e *Engine) InitConnectors(ctx context.Context) (bool, error) {
	return e.Store.Initialize(ctx, e.Config.Connectors.Categories)
}

// LoadDataset replaces the in-memory catalogs. Records without an id get
// the next sequence id once every explicit id has been placed.
func (e *Engine) LoadDataset(ds fixtures.Dataset) error {
	actions := catalog.NewCollection[domain.Action]()
	identities := catalog.NewCollection[domain.Identity]()
	policies := catalog.NewCollection[domain.Policy]()
	for _, a := range ds.Actions {
		if a.ID == 0 {
			continue
		}
		if err := actions.Append(a); err != nil {
			return fmt.Errorf("action %d: %w", a.ID, err)
		}
	}
	for _, a := range ds.Actions {
		if a.ID == 0 {
			actions.Insert(func(id int64) domain.Action { a.ID = id; return a })
		}
	}
	for _, i := range ds.Identities {
		if i.ID == 0 {
			continue
		}
		if err := identities.Append(i); err != nil {
			return fmt.Errorf("identity %d: %w", i.ID, err)
		}
	}
	for _, i := range ds.Identities {
		if i.ID == 0 {
			identities.Insert(func(id int64) domain.Identity { i.ID = id; return i })
		}
	}
	for _, p := range ds.Policies {
		if p.ID == "" {
			continue
		}
		if err := policies.Append(p.Clone()); err != nil {
			return fmt.Errorf("policy %s: %w", p.ID, err)
		}
	}
	for _, p := range ds.Policies {
		if p.ID != "" {
			continue
		}
		id, err := e.Gen.NewID()
		if err != nil {
			return err
		}
		p.ID = id
		if err := policies.Append(p.Clone()); err != nil {
			return fmt.Errorf("policy %s: %w", p.ID, err)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions, e.identities, e.policies = actions, identities, policies
	e.Log.Info("catalog loaded", "actions", actions.Len(), "identities", identities.Len(), "policies", policies.Len())
	return nil
}

// SeedDemo loads the seeded demo dataset sized by the config.
func (e *Engine) SeedDemo(seed uint64) error {
	d := e.Config.Catalog.Demo
	return e.LoadDataset(fixtures.Generate(seed, fixtures.Sizes{
		Actions:    d.Actions,
		Identities: d.Identities,
		Policies:   d.Policies,
	}, e.now()))
}

func (e *Engine) Actions() []domain.Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.actions.Records()
}

func (e *Engine) Action(id string) (domain.Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.actions.Get(id)
	if !ok {
		return domain.Action{}, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (e *Engine) Identities() []domain.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identities.Records()
}

func (e *Engine) Identity(id string) (domain.Identity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i, ok := e.identities.Get(id)
	if !ok {
		return domain.Identity{}, fmt.Errorf("identity %s: %w", id, ErrNotFound)
	}
	return i, nil
}

func (e *Engine) Policies() []domain.Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.policies.Records()
	for i := range out {
		out[i] = out[i].Clone()
	}
	return out
}

func (e *Engine) Policy(id string) (domain.Policy, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.policies.Get(id)
	if !ok {
		return domain.Policy{}, fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

// ActionInput creates an action. OccurredAt defaults to now.
type ActionInput struct {
	Name        string     `json:"name" minLength:"1"`
	Description string     `json:"description,omitempty"`
	Domain      string     `json:"domain" minLength:"1"`
	RiskLevel   string     `json:"risk_level" enum:"critical,high,medium,low"`
	Status      string     `json:"status,omitempty"`
	Type        string     `json:"type,omitempty"`
	Source      string     `json:"source,omitempty"`
	Identity    string     `json:"identity,omitempty"`
	OccurredAt  *time.Time `json:"occurred_at,omitempty"`
}

func (e *Engine) CreateAction(in ActionInput) (domain.Action, error) {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Domain) == "" {
		return domain.Action{}, fmt.Errorf("%w: action name and domain are required", ErrInvalidInput)
	}
	if err := checkRisk(in.RiskLevel); err != nil {
		return domain.Action{}, err
	}
	at := e.now().UTC()
	if in.OccurredAt != nil {
		at = in.OccurredAt.UTC()
	}
	a := domain.Action{
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Domain:      strings.TrimSpace(in.Domain),
		RiskLevel:   in.RiskLevel,
		Status:      orDefault(in.Status, "allowed"),
		Type:        orDefault(in.Type, "event"),
		Source:      in.Source,
		Identity:    in.Identity,
		OccurredAt:  at,
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.actions.Insert(func(id int64) domain.Action { a.ID = id; return a }), nil
}

func (e *Engine) DeleteAction(id string) error {
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return fmt.Errorf("%w: action id %q", ErrInvalidInput, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.actions.Remove(id) {
		return fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	return nil
}

// PolicyInput creates a policy. Status defaults to draft.
type PolicyInput struct {
	Name              string   `json:"name" minLength:"1"`
	Description       string   `json:"description,omitempty"`
	Domain            string   `json:"domain" minLength:"1"`
	RiskLevel         string   `json:"risk_level" enum:"critical,high,medium,low"`
	Status            string   `json:"status,omitempty"`
	Type              string   `json:"type" enum:"block,require_approval,monitor,alert"`
	ActionsCovered    []string `json:"actions_covered,omitempty"`
	IdentitiesCovered []string `json:"identities_covered,omitempty"`
}

var policyTypes = []string{"block", "require_approval", "monitor", "alert"}

func (e *Engine) CreatePolicy(in PolicyInput) (domain.Policy, error) {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Domain) == "" {
		return domain.Policy{}, fmt.Errorf("%w: policy name and domain are required", ErrInvalidInput)
	}
	if err := checkRisk(in.RiskLevel); err != nil {
		return domain.Policy{}, err
	}
	if !slices.Contains(policyTypes, in.Type) {
		return domain.Policy{}, fmt.Errorf("%w: policy type %q", ErrInvalidInput, in.Type)
	}
	status := orDefault(in.Status, domain.PolicyDraft)
	if !slices.Contains([]string{domain.PolicyDraft, domain.PolicyActive, domain.PolicyDisabled}, status) {
		return domain.Policy{}, fmt.Errorf("%w: policy status %q", ErrInvalidInput, status)
	}
	id, err := e.Gen.NewID()
	if err != nil {
		return domain.Policy{}, err
	}
	p := domain.Policy{
		ID:                id,
		Name:              strings.TrimSpace(in.Name),
		Description:       in.Description,
		Domain:            strings.TrimSpace(in.Domain),
		RiskLevel:         in.RiskLevel,
		Status:            status,
		Type:              in.Type,
		ActionsCovered:    in.ActionsCovered,
		IdentitiesCovered: in.IdentitiesCovered,
		CreatedAt:         e.now().UTC(),
	}.Clone()
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.policies.Append(p); err != nil {
		return domain.Policy{}, err
	}
	return p.Clone(), nil
}

func (e *Engine) DeletePolicy(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.policies.Remove(id) {
		return fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	return nil
}

// Opportunities returns the configured templates.
func (e *Engine) Opportunities() []domain.Opportunity {
	return slices.Clone(e.Config.Opportunities)
}

// SeizeOpportunity writes a draft built from the opportunity into the
// pending-policy slot. The draft joins the catalog on ConsumePendingPolicy.
func (e *Engine) SeizeOpportunity(ctx context.Context, id string) (domain.Policy, error) {
	o, ok := opportunity.Find(e.Config.Opportunities, id)
	if !ok {
		return domain.Policy{}, fmt.Errorf("opportunity %s: %w", id, ErrNotFound)
	}
	p, err := opportunity.Seize(ctx, e.Store, o, e.Gen, e.now())
	if err != nil {
		return domain.Policy{}, err
	}
	e.Log.Info("opportunity seized", "opportunity_id", id, "policy_id", p.ID)
	return p, nil
}

// ConsumePendingPolicy takes the handoff draft, if any, and adds it to the
// policy catalog. A draft the catalog rejects is put back in the slot.
func (e *Engine) ConsumePendingPolicy(ctx context.Context) (domain.Policy, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok, err := e.Store.TakePendingPolicy(ctx)
	if err != nil || !ok {
		return domain.Policy{}, false, err
	}
	if err := e.policies.Append(p); err != nil {
		if errors.Is(err, catalog.ErrDuplicateID) {
			e.Log.Warn("pending policy id already used, draft kept", "policy_id", p.ID)
		}
		if rerr := e.Store.SetPendingPolicy(ctx, p); rerr != nil {
			e.Log.Error("pending policy restore failed", "policy_id", p.ID, "error", rerr)
			return domain.Policy{}, false, errors.Join(err, rerr)
		}
		return domain.Policy{}, false, err
	}
	return p.Clone(), true, nil
}

// IngestWebhook authenticates a delivery by webhook id and API key and
// records it on the owning integration.
func (e *Engine) IngestWebhook(ctx context.Context, webhookID, apiKey string, ev domain.IntegrationEvent) (domain.ManualIntegration, error) {
	return e.Store.RecordWebhookEvent(ctx, webhookID, apiKey, ev)
}

// AuditLog lists audit events newest first.
func (e *Engine) AuditLog(ctx context.Context, f repo.AuditFilter) ([]domain.AuditEvent, error) {
	if e.Repo.DB == nil {
		return nil, errors.New("audit log requires a workspace database")
	}
	return e.Repo.LatestAuditEvents(ctx, f)
}

func checkRisk(level string) error {
	if !slices.Contains(domain.RiskLevels, level) {
		return fmt.Errorf("%w: risk_level %q", ErrInvalidInput, level)
	}
	return nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}
