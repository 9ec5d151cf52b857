package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"guardline/internal/catalog"
	"guardline/internal/config"
	"guardline/internal/db"
	"guardline/internal/domain"
	"guardline/internal/engine"
	"guardline/internal/fixtures"
	"guardline/internal/migrate"
	"guardline/internal/repo"
	"guardline/internal/store"
)

var refNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.Open(ctx, conn, config.Default("test"), engine.Options{Now: func() time.Time { return refNow }})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func ids(groups []engine.ViewGroup) [][]string {
	var out [][]string
	for _, g := range groups {
		var row []string
		for _, r := range g.Records {
			row = append(row, r.(catalog.Record).RecordID())
		}
		out = append(out, row)
	}
	return out
}

func TestViewGroupsBySeverity(t *testing.T) {
	env := newTestEnv(t)
	ds := fixtures.Dataset{Actions: []domain.Action{
		{ID: 1, Name: "a", Domain: "cloud", RiskLevel: domain.RiskLow, OccurredAt: refNow.Add(-time.Hour)},
		{ID: 2, Name: "b", Domain: "cloud", RiskLevel: domain.RiskCritical, OccurredAt: refNow.Add(-2 * time.Hour)},
		{ID: 3, Name: "c", Domain: "saas", RiskLevel: domain.RiskCritical, OccurredAt: refNow.Add(-3 * time.Hour)},
		{ID: 4, Name: "d", Domain: "cloud", RiskLevel: domain.RiskHigh, OccurredAt: refNow.Add(-48 * time.Hour)},
	}}
	if err := env.Engine.LoadDataset(ds); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.View(domain.KindAction, catalog.Query{
		Filters: map[string][]string{"domain": {"cloud"}},
		Range:   "24h",
		SortBy:  "occurred_at",
		GroupBy: "risk_level",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 4 || res.Matched != 2 {
		t.Fatalf("total %d matched %d", res.Total, res.Matched)
	}
	if diff := cmp.Diff([][]string{{"2"}, {"1"}}, ids(res.Groups)); diff != "" {
		t.Fatalf("groups (-want +got):\n%s", diff)
	}
	if res.Groups[0].Key != domain.RiskCritical || res.Groups[0].Breakdown[0].Percent != 100 {
		t.Fatalf("first group %+v", res.Groups[0])
	}

	if _, err := env.Engine.View(domain.KindAction, catalog.Query{Range: "soon"}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("bad range: %v", err)
	}
}

func TestActionIDsNotReused(t *testing.T) {
	env := newTestEnv(t)
	in := engine.ActionInput{Name: "export", Domain: "saas", RiskLevel: domain.RiskHigh}
	a, err := env.Engine.CreateAction(in)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteAction(a.RecordID()); err != nil {
		t.Fatal(err)
	}
	b, err := env.Engine.CreateAction(in)
	if err != nil {
		t.Fatal(err)
	}
	if b.ID == a.ID {
		t.Fatalf("id %d reused", a.ID)
	}
	if err := env.Engine.DeleteAction(a.RecordID()); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := env.Engine.CreateAction(engine.ActionInput{Name: "x", Domain: "saas", RiskLevel: "urgent"}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("bad risk: %v", err)
	}
}

func TestSeizeAndConsume(t *testing.T) {
	env := newTestEnv(t)
	draft, err := env.Engine.SeizeOpportunity(env.Ctx, "opp-root-keys")
	if err != nil {
		t.Fatal(err)
	}
	if len(env.Engine.Policies()) != 0 {
		t.Fatal("draft joined the catalog before consumption")
	}
	got, ok, err := env.Engine.ConsumePendingPolicy(env.Ctx)
	if err != nil || !ok {
		t.Fatalf("consume: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(draft, got); diff != "" {
		t.Fatalf("consumed (-seized +consumed):\n%s", diff)
	}
	if _, ok, _ := env.Engine.ConsumePendingPolicy(env.Ctx); ok {
		t.Fatal("draft consumed twice")
	}
	policies := env.Engine.Policies()
	if len(policies) != 1 || policies[0].Status != domain.PolicyDraft || policies[0].OpportunityID != "opp-root-keys" {
		t.Fatalf("policies %+v", policies)
	}
	if _, err := env.Engine.SeizeOpportunity(env.Ctx, "nope"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("unknown opportunity: %v", err)
	}

	audit, err := env.Engine.AuditLog(env.Ctx, repo.AuditFilter{EntityKind: "policy"})
	if err != nil {
		t.Fatal(err)
	}
	if len(audit) != 2 || audit[0].Type != "policy.pending_taken" || audit[1].Type != "policy.pending_set" {
		t.Fatalf("audit %+v", audit)
	}
}

func TestConnectorViewAndIngest(t *testing.T) {
	env := newTestEnv(t)
	if seeded, err := env.Engine.InitConnectors(env.Ctx); err != nil || !seeded {
		t.Fatalf("init connectors: %v %v", seeded, err)
	}
	if _, err := env.Engine.Store.Connect(env.Ctx, domain.ConnectorRef{Provider: "aws", Name: "AWS"}); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.View(domain.KindConnector, catalog.Query{Filters: map[string][]string{"status": {"connected"}}})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]string{{"aws-aws"}}, ids(res.Groups)); diff != "" {
		t.Fatalf("connected connectors (-want +got):\n%s", diff)
	}

	m, err := env.Engine.Store.AddManualIntegration(env.Ctx, store.IntegrationInput{Name: "Jira"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.IngestWebhook(env.Ctx, m.WebhookID(), "glk_wrong", domain.IntegrationEvent{Type: "push"}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("wrong key: %v", err)
	}
	got, err := env.Engine.IngestWebhook(env.Ctx, m.WebhookID(), m.APIKey, domain.IntegrationEvent{Type: "push"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Events) != 1 || got.ConnectionStatus != domain.Connected {
		t.Fatalf("after ingest %+v", got)
	}
}

func TestSeedDemoDeterministic(t *testing.T) {
	a, b := newTestEnv(t), newTestEnv(t)
	if err := a.Engine.SeedDemo(42); err != nil {
		t.Fatal(err)
	}
	if err := b.Engine.SeedDemo(42); err != nil {
		t.Fatal(err)
	}
	q := catalog.Query{GroupBy: "domain", SortBy: "severity"}
	va, err := a.Engine.View(domain.KindPolicy, q)
	if err != nil {
		t.Fatal(err)
	}
	vb, _ := b.Engine.View(domain.KindPolicy, q)
	if diff := cmp.Diff(va, vb); diff != "" {
		t.Fatalf("views differ (-a +b):\n%s", diff)
	}
	if va.Total != a.Engine.Config.Catalog.Demo.Policies {
		t.Fatalf("seeded %d policies", va.Total)
	}
}

func TestLoadDatasetMixedIDs(t *testing.T) {
	cases := []struct {
		name    string
		actions []domain.Action
		want    []string
	}{
		{
			name:    "implicit first",
			actions: []domain.Action{{Name: "a", Domain: "saas"}, {ID: 1, Name: "b", Domain: "saas"}},
			want:    []string{"1", "2"},
		},
		{
			name:    "explicit first",
			actions: []domain.Action{{ID: 1, Name: "b", Domain: "saas"}, {Name: "a", Domain: "saas"}},
			want:    []string{"1", "2"},
		},
		{
			name:    "gap",
			actions: []domain.Action{{Name: "a", Domain: "saas"}, {ID: 3, Name: "b", Domain: "saas"}, {Name: "c", Domain: "saas"}},
			want:    []string{"3", "4", "5"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			ds := fixtures.Dataset{
				Actions:    tc.actions,
				Identities: []domain.Identity{{Name: "svc"}, {ID: 1, Name: "alice"}},
			}
			if err := env.Engine.LoadDataset(ds); err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, a := range env.Engine.Actions() {
				got = append(got, a.RecordID())
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("action ids (-want +got):\n%s", diff)
			}
			alice, err := env.Engine.Identity("1")
			if err != nil || alice.Name != "alice" {
				t.Fatalf("identity 1: %+v %v", alice, err)
			}
			if svc, err := env.Engine.Identity("2"); err != nil || svc.Name != "svc" {
				t.Fatalf("identity 2: %+v %v", svc, err)
			}
		})
	}

	env := newTestEnv(t)
	dup := fixtures.Dataset{Actions: []domain.Action{{ID: 2, Name: "a"}, {ID: 2, Name: "b"}}}
	if err := env.Engine.LoadDataset(dup); !errors.Is(err, catalog.ErrDuplicateID) {
		t.Fatalf("duplicate explicit ids: %v", err)
	}
}

func TestGetByID(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.CreateAction(engine.ActionInput{Name: "export", Domain: "saas", RiskLevel: domain.RiskHigh})
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Action(a.RecordID())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a, got); diff != "" {
		t.Fatalf("action (-created +got):\n%s", diff)
	}
	p, err := env.Engine.CreatePolicy(engine.PolicyInput{Name: "block exports", Domain: "saas", RiskLevel: domain.RiskHigh, Type: "block", ActionsCovered: []string{a.RecordID()}})
	if err != nil {
		t.Fatal(err)
	}
	gp, err := env.Engine.Policy(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	gp.ActionsCovered[0] = "changed"
	again, _ := env.Engine.Policy(p.ID)
	if again.ActionsCovered[0] != a.RecordID() {
		t.Fatal("Policy returned shared slice")
	}
	if err := env.Engine.DeleteAction(a.RecordID()); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Action(a.RecordID()); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("deleted action: %v", err)
	}
	if _, err := env.Engine.Policy("missing"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("missing policy: %v", err)
	}
	if _, err := env.Engine.Identity("7"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("missing identity: %v", err)
	}
}

func TestConsumeCollisionKeepsDraft(t *testing.T) {
	env := newTestEnv(t)
	draft, err := env.Engine.SeizeOpportunity(env.Ctx, "opp-root-keys")
	if err != nil {
		t.Fatal(err)
	}
	taken := domain.Policy{ID: draft.ID, Name: "existing", Domain: "cloud", RiskLevel: domain.RiskLow, Status: domain.PolicyActive, Type: "monitor"}
	if err := env.Engine.LoadDataset(fixtures.Dataset{Policies: []domain.Policy{taken}}); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := env.Engine.ConsumePendingPolicy(env.Ctx); !errors.Is(err, catalog.ErrDuplicateID) || ok {
		t.Fatalf("colliding consume: ok=%v err=%v", ok, err)
	}
	if err := env.Engine.DeletePolicy(draft.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := env.Engine.ConsumePendingPolicy(env.Ctx); !errors.Is(err, catalog.ErrDuplicateID) || ok {
		t.Fatalf("retired id consume: ok=%v err=%v", ok, err)
	}

	// Reloading drops the catalog along with its retired ids.
	if err := env.Engine.LoadDataset(fixtures.Dataset{}); err != nil {
		t.Fatal(err)
	}
	got, ok, err := env.Engine.ConsumePendingPolicy(env.Ctx)
	if err != nil || !ok {
		t.Fatalf("consume after reload: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(draft, got); diff != "" {
		t.Fatalf("restored draft (-seized +consumed):\n%s", diff)
	}
}
