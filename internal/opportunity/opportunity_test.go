package opportunity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"guardline/internal/credentials"
	"guardline/internal/domain"
	"guardline/internal/opportunity"
	"guardline/internal/store"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func template() domain.Opportunity {
	return domain.Opportunity{
		ID:                "opp-exfil",
		Title:             "Block bulk exports",
		Domain:            "saas",
		RiskLevel:         domain.RiskHigh,
		PolicyType:        "block",
		ActionsCovered:    []string{"export_all", "download_report"},
		IdentitiesCovered: []string{"contractors"},
	}
}

func TestMaterializeTwiceGivesIndependentDrafts(t *testing.T) {
	o := template()
	gen := credentials.New()
	a, err := opportunity.Materialize(o, gen, now)
	if err != nil {
		t.Fatal(err)
	}
	b, err := opportunity.Materialize(o, gen, now)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Fatalf("ids repeated: %s", a.ID)
	}
	if diff := cmp.Diff(a.ActionsCovered, b.ActionsCovered); diff != "" {
		t.Fatalf("actions differ:\n%s", diff)
	}
	a.ActionsCovered[0] = "changed"
	if b.ActionsCovered[0] != "export_all" || o.ActionsCovered[0] != "export_all" {
		t.Fatal("draft slices alias each other or the template")
	}
	if a.Status != domain.PolicyDraft || a.TriggerCount != 0 || a.Effectiveness != 0 || a.LastTriggered != nil || a.OpportunityID != o.ID {
		t.Fatalf("draft fields %+v", a)
	}
}

func TestMaterializeRejectsIncompleteTemplate(t *testing.T) {
	_, err := opportunity.Materialize(domain.Opportunity{ID: "x"}, credentials.New(), now)
	if !errors.Is(err, opportunity.ErrInvalidTemplate) {
		t.Fatalf("got %v", err)
	}
}

func TestSeizeWritesHandoff(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, store.NewMemoryBackend(), store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	p, err := opportunity.Seize(ctx, s, template(), credentials.New(), now)
	if err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.TakePendingPolicy(ctx)
	if err != nil || !ok {
		t.Fatalf("take: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(p, got); diff != "" {
		t.Fatalf("handoff (-seized +taken):\n%s", diff)
	}
}
