// Package opportunity turns pre-authored opportunity templates into draft
// policies and hands them to the policy catalog through the store.
package opportunity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"guardline/internal/domain"
)

// IDSource mints policy ids.
type IDSource interface {
	NewID() (string, error)
}

// Handoff is the one-shot slot a seized draft is written to.
type Handoff interface {
	SetPendingPolicy(ctx context.Context, draft domain.Policy) error
}

var ErrInvalidTemplate = errors.New("invalid opportunity template")

// Validate checks the fields a draft policy needs.
func Validate(o domain.Opportunity) error {
	var missing []string
	if strings.TrimSpace(o.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(o.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(o.PolicyType) == "" {
		missing = append(missing, "policy_type")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w %q: missing %s", ErrInvalidTemplate, o.ID, strings.Join(missing, ", "))
	}
	return nil
}

// Materialize builds a fresh draft policy from o. The draft shares no slices
// with the template.
func Materialize(o domain.Opportunity, ids IDSource, now time.Time) (domain.Policy, error) {
	if err := Validate(o); err != nil {
		return domain.Policy{}, err
	}
	id, err := ids.NewID()
	if err != nil {
		return domain.Policy{}, fmt.Errorf("policy id: %w", err)
	}
	p := domain.Policy{
		ID:                id,
		Name:              o.Title,
		Description:       o.Description,
		Domain:            o.Domain,
		RiskLevel:         o.RiskLevel,
		Status:            domain.PolicyDraft,
		Type:              o.PolicyType,
		ActionsCovered:    o.ActionsCovered,
		IdentitiesCovered: o.IdentitiesCovered,
		OpportunityID:     o.ID,
		CreatedAt:         now.UTC(),
	}
	return p.Clone(), nil
}

// Seize materializes o and writes the draft into the handoff slot.
func Seize(ctx context.Context, slot Handoff, o domain.Opportunity, ids IDSource, now time.Time) (domain.Policy, error) {
	p, err := Materialize(o, ids, now)
	if err != nil {
		return domain.Policy{}, err
	}
	if err := slot.SetPendingPolicy(ctx, p); err != nil {
		return domain.Policy{}, err
	}
	return p, nil
}

// Find returns the template with the given id.
func Find(templates []domain.Opportunity, id string) (domain.Opportunity, bool) {
	for _, o := range templates {
		if o.ID == id {
			return o, true
		}
	}
	return domain.Opportunity{}, false
}
