package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"guardline/internal/credentials"
	"guardline/internal/db"
	"guardline/internal/domain"
	"guardline/internal/events"
	"guardline/internal/migrate"
	"guardline/internal/repo"
	"guardline/internal/store"
)

var refNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

var categories = map[string][]domain.ConnectorTemplate{
	"identity": {{Name: "Okta", Provider: "okta"}, {Name: "Entra ID", Provider: "microsoft"}},
	"cloud":    {{Name: "AWS", Provider: "aws"}},
}

func openMemory(t *testing.T) (*store.Store, *store.MemoryBackend) {
	t.Helper()
	backend := store.NewMemoryBackend()
	s, err := store.Open(context.Background(), backend, store.Options{
		WebhookHost: "hooks.example.com",
		Now:         func() time.Time { return refNow },
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, backend
}

func initialized(t *testing.T) (*store.Store, *store.MemoryBackend) {
	t.Helper()
	s, backend := openMemory(t)
	seeded, err := s.Initialize(context.Background(), categories)
	if err != nil || !seeded {
		t.Fatalf("initialize: seeded=%v err=%v", seeded, err)
	}
	return s, backend
}

var okta = domain.ConnectorRef{Provider: "OKTA", Name: "okta"}

func TestInitializeOnce(t *testing.T) {
	s, backend := initialized(t)
	ctx := context.Background()
	if snap := s.Snapshot(); snap.TotalConnectors != 3 || len(snap.Connectors["identity"]) != 2 {
		t.Fatalf("seeded state: %+v", snap)
	}
	writes := len(backend.Entries)
	seeded, err := s.Initialize(ctx, map[string][]domain.ConnectorTemplate{"saas": {{Name: "Slack", Provider: "slack"}}})
	if err != nil || seeded {
		t.Fatalf("second initialize: seeded=%v err=%v", seeded, err)
	}
	if len(backend.Entries) != writes {
		t.Fatal("second initialize wrote to the backend")
	}
	all := s.AllConnectors()
	got := make([]string, len(all))
	for i, c := range all {
		got[i] = c.ID
	}
	if diff := cmp.Diff([]string{"aws-aws", "okta-okta", "microsoft-entra-id"}, got); diff != "" {
		t.Fatalf("connector order (-want +got):\n%s", diff)
	}
	for _, c := range all {
		if c.ConnectionStatus != domain.NotConnected || c.ControlStatus != domain.ControlDisabled {
			t.Fatalf("initial state %+v", c)
		}
	}
}

func TestDisconnectForcesControlDisabled(t *testing.T) {
	s, _ := initialized(t)
	ctx := context.Background()
	if _, err := s.Connect(ctx, okta); err != nil {
		t.Fatal(err)
	}
	c, err := s.EnableControl(ctx, okta)
	if err != nil {
		t.Fatal(err)
	}
	if c.ControlStatus != domain.ControlEnabled || c.ConnectedSince == nil || !c.ConnectedSince.Equal(refNow) {
		t.Fatalf("after enable: %+v", c)
	}
	c, err = s.Disconnect(ctx, okta)
	if err != nil {
		t.Fatal(err)
	}
	if c.ConnectionStatus != domain.NotConnected || c.ControlStatus != domain.ControlDisabled || c.ConnectedSince != nil {
		t.Fatalf("after disconnect: %+v", c)
	}
	stored, _ := s.Connector(okta)
	if diff := cmp.Diff(c, stored); diff != "" {
		t.Fatalf("stored differs (-returned +stored):\n%s", diff)
	}
}

func TestInvariantRejectionLeavesStateIntact(t *testing.T) {
	s, backend := initialized(t)
	ctx := context.Background()
	before := s.Snapshot()
	entries := len(backend.Entries)

	_, err := s.EnableControl(ctx, okta)
	if !errors.Is(err, store.ErrInvariant) {
		t.Fatalf("enable while disconnected: %v", err)
	}
	bad := "paused"
	_, err = s.UpdateConnectorState(ctx, okta, store.ConnectorUpdate{ConnectionStatus: &bad})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("bad status: %v", err)
	}
	_, err = s.Connect(ctx, domain.ConnectorRef{Provider: "nope", Name: "nope"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown connector: %v", err)
	}
	if diff := cmp.Diff(before, s.Snapshot()); diff != "" {
		t.Fatalf("state mutated (-before +after):\n%s", diff)
	}
	if len(backend.Entries) != entries {
		t.Fatal("rejected operations wrote to the backend")
	}
}

func TestFailedSaveKeepsMemoryState(t *testing.T) {
	s, backend := initialized(t)
	ctx := context.Background()
	before := s.Snapshot()
	backend.FailWith = errors.New("disk full")
	if _, err := s.Connect(ctx, okta); err == nil {
		t.Fatal("expected save error")
	}
	if _, err := s.AddManualIntegration(ctx, store.IntegrationInput{Name: "Jira"}); err == nil {
		t.Fatal("expected save error")
	}
	if diff := cmp.Diff(before, s.Snapshot()); diff != "" {
		t.Fatalf("state mutated after failed save (-before +after):\n%s", diff)
	}
}

func TestGettersReturnCopies(t *testing.T) {
	s, _ := initialized(t)
	ctx := context.Background()
	m, err := s.AddManualIntegration(ctx, store.IntegrationInput{Name: "Jira"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddManualIntegrationEvent(ctx, m.ID, domain.IntegrationEvent{Type: "push"}); err != nil {
		t.Fatal(err)
	}
	list := s.ManualIntegrations()
	list[0].Name = "mutated"
	list[0].Events[0].Type = "mutated"
	conns := s.Connectors()
	conns["identity"][0].Name = "mutated"

	got, _ := s.Integration(m.ID)
	if got.Name != "Jira" || got.Events[0].Type != "push" {
		t.Fatalf("integration aliased: %+v", got)
	}
	if c, _ := s.Connector(okta); c.Name != "Okta" {
		t.Fatalf("connector aliased: %+v", c)
	}
}

func TestEventHistoryBounded(t *testing.T) {
	s, _ := openMemory(t)
	ctx := context.Background()
	m, err := s.AddManualIntegration(ctx, store.IntegrationInput{Name: "Jira", Category: "ticketing"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 25; i++ {
		ok, err := s.AddManualIntegrationEvent(ctx, m.ID, domain.IntegrationEvent{
			ID:         fmt.Sprintf("e%02d", i),
			Type:       "push",
			ReceivedAt: refNow.Add(time.Duration(i) * time.Minute),
		})
		if err != nil || !ok {
			t.Fatalf("event %d: ok=%v err=%v", i, ok, err)
		}
	}
	got, _ := s.Integration(m.ID)
	if len(got.Events) != store.MaxIntegrationEvents {
		t.Fatalf("kept %d events", len(got.Events))
	}
	for i, ev := range got.Events {
		if want := fmt.Sprintf("e%02d", 25-i); ev.ID != want {
			t.Fatalf("event[%d] = %s, want %s", i, ev.ID, want)
		}
	}
	if got.ConnectionStatus != domain.Connected {
		t.Fatalf("first event should mark integration connected, got %s", got.ConnectionStatus)
	}
}

func TestUnknownIntegrationTargets(t *testing.T) {
	s, backend := openMemory(t)
	ctx := context.Background()
	ok, err := s.AddManualIntegrationEvent(ctx, "missing", domain.IntegrationEvent{Type: "push"})
	if err != nil || ok {
		t.Fatalf("event for unknown id: ok=%v err=%v", ok, err)
	}
	ok, err = s.DeleteManualIntegration(ctx, "missing")
	if err != nil || ok {
		t.Fatalf("delete unknown id: ok=%v err=%v", ok, err)
	}
	_, err = s.UpdateManualIntegration(ctx, domain.ManualIntegration{ID: "missing", Name: "x"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("update unknown id: %v", err)
	}
	if _, err := s.RegenerateAPIKey(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("rotate unknown id: %v", err)
	}
	if len(backend.Entries) != 0 {
		t.Fatalf("no-ops wrote %d entries", len(backend.Entries))
	}
}

func TestUpdatePreservesCredentials(t *testing.T) {
	s, _ := openMemory(t)
	ctx := context.Background()
	m, err := s.AddManualIntegration(ctx, store.IntegrationInput{Name: "Jira"})
	if err != nil {
		t.Fatal(err)
	}
	edit := m
	edit.Name = "Jira Cloud"
	edit.APIKey = "glk_forged"
	edit.WebhookURL = "https://evil.example.com/webhooks/x"
	edit.Events = []domain.IntegrationEvent{{ID: "forged"}}
	got, err := s.UpdateManualIntegration(ctx, edit)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Jira Cloud" || got.APIKey != m.APIKey || got.WebhookURL != m.WebhookURL || len(got.Events) != 0 || !got.CreatedAt.Equal(m.CreatedAt) {
		t.Fatalf("update result %+v", got)
	}
	if _, err := s.UpdateManualIntegration(ctx, domain.ManualIntegration{ID: m.ID}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("blank name: %v", err)
	}
}

func TestIntegrationCredentialsUnique(t *testing.T) {
	s, _ := openMemory(t)
	ctx := context.Background()
	ids := map[string]struct{}{}
	keys := map[string]struct{}{}
	for i := 0; i < 10000; i++ {
		m, err := s.AddManualIntegration(ctx, store.IntegrationInput{Name: "bulk"})
		if err != nil {
			t.Fatal(err)
		}
		if _, dup := ids[m.ID]; dup {
			t.Fatalf("id repeated after %d: %s", i, m.ID)
		}
		if _, dup := keys[m.APIKey]; dup {
			t.Fatalf("api key repeated after %d: %s", i, m.APIKey)
		}
		ids[m.ID] = struct{}{}
		keys[m.APIKey] = struct{}{}
		if !credentials.ValidAPIKey(m.APIKey) || !credentials.ValidWebhookID(m.WebhookID()) {
			t.Fatalf("bad credentials %+v", m)
		}
		if ok, err := s.DeleteManualIntegration(ctx, m.ID); err != nil || !ok {
			t.Fatalf("delete: ok=%v err=%v", ok, err)
		}
	}
}

func TestRotatedKeyInvalidatesOld(t *testing.T) {
	s, backend := openMemory(t)
	ctx := context.Background()
	m, err := s.AddManualIntegration(ctx, store.IntegrationInput{Name: "Jira"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.RecordWebhookEvent(ctx, m.WebhookID(), m.APIKey, domain.IntegrationEvent{Type: "push"})
	if err != nil {
		t.Fatalf("original key: %v", err)
	}
	if len(got.Events) != 1 || got.Events[0].Type != "push" || got.ConnectionStatus != domain.Connected {
		t.Fatalf("after first delivery %+v", got)
	}
	rotated, err := s.RegenerateAPIKey(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rotated.APIKey == m.APIKey {
		t.Fatal("key not changed")
	}
	entries := len(backend.Entries)
	if _, err := s.RecordWebhookEvent(ctx, m.WebhookID(), m.APIKey, domain.IntegrationEvent{Type: "stale"}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("old key: %v", err)
	}
	if _, err := s.RecordWebhookEvent(ctx, m.WebhookID(), "", domain.IntegrationEvent{Type: "empty"}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("empty key: %v", err)
	}
	if _, err := s.RecordWebhookEvent(ctx, "0000", rotated.APIKey, domain.IntegrationEvent{Type: "push"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown webhook: %v", err)
	}
	if len(backend.Entries) != entries {
		t.Fatalf("rejected deliveries wrote %d audit entries", len(backend.Entries)-entries)
	}
	cur, err := s.Integration(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cur.Events) != 1 {
		t.Fatalf("rejected deliveries recorded: %+v", cur.Events)
	}
	got, err = s.RecordWebhookEvent(ctx, m.WebhookID(), rotated.APIKey, domain.IntegrationEvent{Type: "pull"})
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	if len(got.Events) != 2 || got.Events[0].Type != "pull" {
		t.Fatalf("after rotation %+v", got.Events)
	}
}

func TestPendingPolicyConsumedOnce(t *testing.T) {
	s, _ := openMemory(t)
	ctx := context.Background()
	if _, ok, err := s.TakePendingPolicy(ctx); err != nil || ok {
		t.Fatalf("empty slot: ok=%v err=%v", ok, err)
	}
	draft := domain.Policy{ID: "p1", Name: "Block exfil", Status: domain.PolicyDraft, ActionsCovered: []string{"a"}}
	if err := s.SetPendingPolicy(ctx, draft); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.TakePendingPolicy(ctx)
	if err != nil || !ok {
		t.Fatalf("take: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(draft.Clone(), got); diff != "" {
		t.Fatalf("handoff (-want +got):\n%s", diff)
	}
	if _, ok, _ := s.TakePendingPolicy(ctx); ok {
		t.Fatal("slot consumed twice")
	}
}

func TestMalformedStateFallsBack(t *testing.T) {
	for name, raw := range map[string]string{
		"garbage": `{not json`,
		"invalid": `{"connectors":{"x":[{"id":"a","name":"A","provider":"a","connection_status":"not_connected","control_status":"enabled"}]},"totalConnectors":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			backend := store.NewMemoryBackend()
			backend.Raw(store.StateKey, []byte(raw))
			s, err := store.Open(context.Background(), backend, store.Options{})
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if diff := cmp.Diff(store.DefaultState(), s.Snapshot()); diff != "" {
				t.Fatalf("fallback state (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	open := func() (*store.Store, repo.Repo) {
		conn, err := db.Open(db.Config{Workspace: dir})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { conn.Close() })
		if err := migrate.Migrate(ctx, conn); err != nil {
			t.Fatal(err)
		}
		r := repo.Repo{DB: conn, Events: events.Writer{Now: func() time.Time { return refNow }}}
		s, err := store.Open(ctx, r, store.Options{Now: func() time.Time { return refNow }})
		if err != nil {
			t.Fatal(err)
		}
		return s, r
	}

	s, r := open()
	if _, err := s.Initialize(ctx, categories); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Connect(ctx, okta); err != nil {
		t.Fatal(err)
	}
	m, err := s.AddManualIntegration(ctx, store.IntegrationInput{Name: "Jira"})
	if err != nil {
		t.Fatal(err)
	}
	want := s.Snapshot()

	reopened, _ := open()
	if diff := cmp.Diff(want, reopened.Snapshot()); diff != "" {
		t.Fatalf("reloaded state (-want +got):\n%s", diff)
	}
	if got, err := reopened.Integration(m.ID); err != nil || got.APIKey != m.APIKey {
		t.Fatalf("reloaded integration: %+v %v", got, err)
	}

	audit, err := r.LatestAuditEvents(ctx, repo.AuditFilter{EntityKind: "integration"})
	if err != nil || len(audit) != 1 || audit[0].Type != "integration.created" || audit[0].EntityID != m.ID {
		t.Fatalf("audit: %+v %v", audit, err)
	}
}
