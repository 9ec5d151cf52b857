package store

import (
	"context"
	"encoding/json"
	"fmt"

	"guardline/internal/domain"
	"guardline/internal/events"
	"guardline/internal/metrics"
)

// SetPendingPolicy writes draft into the one-shot handoff slot, replacing
// any value not yet taken.
func (s *Store) SetPendingPolicy(ctx context.Context, draft domain.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(draft.Clone())
	if err != nil {
		return fmt.Errorf("encode pending policy: %w", err)
	}
	entry := events.Entry{
		Type:       "policy.pending_set",
		EntityKind: "policy",
		EntityID:   draft.ID,
		Payload:    events.Payload{"opportunity_id": draft.OpportunityID},
	}
	if err := s.backend.Put(ctx, PendingPolicyKey, data, entry); err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("set_pending_policy", metrics.ResultError).Inc()
		return fmt.Errorf("save pending policy: %w", err)
	}
	metrics.StoreOperationsTotal.WithLabelValues("set_pending_policy", metrics.ResultOK).Inc()
	return nil
}

// TakePendingPolicy reads and clears the handoff slot. ok is false when the
// slot is empty; an unreadable value is cleared and reported as empty.
func (s *Store) TakePendingPolicy(ctx context.Context) (domain.Policy, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok, err := s.backend.Take(ctx, PendingPolicyKey, events.Entry{Type: "policy.pending_taken", EntityKind: "policy"})
	if err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("take_pending_policy", metrics.ResultError).Inc()
		return domain.Policy{}, false, fmt.Errorf("take pending policy: %w", err)
	}
	if !ok {
		metrics.StoreOperationsTotal.WithLabelValues("take_pending_policy", metrics.ResultNotFound).Inc()
		return domain.Policy{}, false, nil
	}
	var p domain.Policy
	if err := json.Unmarshal(data, &p); err != nil {
		s.log.Warn("pending policy unreadable, discarded", "key", PendingPolicyKey, "error", err)
		return domain.Policy{}, false, nil
	}
	metrics.StoreOperationsTotal.WithLabelValues("take_pending_policy", metrics.ResultOK).Inc()
	return p.Clone(), true, nil
}
