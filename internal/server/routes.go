package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"guardline/internal/catalog"
	"guardline/internal/domain"
	"guardline/internal/engine"
	"guardline/internal/repo"
	"guardline/internal/store"
)

func (h handlers) registerCatalog(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "catalog-view",
		Method:      http.MethodPost,
		Path:        "/catalog/{kind}/view",
		Summary:     "Filter, sort and group a catalog",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind" doc:"actions, identities, policies or connectors"`
		Body catalog.Query
	}) (*output[engine.ViewResult], error) {
		kind, ok := domain.ParseKind(input.Kind)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown catalog kind", map[string]any{"kind": input.Kind})
		}
		res, err := h.e.View(kind, input.Body)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &output[engine.ViewResult]{Body: res}, nil
	})
}

func (h handlers) registerActions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "create-action",
		Method:      http.MethodPost,
		Path:        "/actions",
		Summary:     "Record an action",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body engine.ActionInput
	}) (*output[domain.Action], error) {
		a, err := h.e.CreateAction(input.Body)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &output[domain.Action]{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/actions/{id}",
		Summary:     "Get an action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.Action], error) {
		a, err := h.e.Action(input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &output[domain.Action]{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-action",
		Method:      http.MethodDelete,
		Path:        "/actions/{id}",
		Summary:     "Delete an action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := h.e.DeleteAction(input.ID); err != nil {
			return nil, h.handleError(err)
		}
		return nil, nil
	})
}

func (h handlers) registerIdentities(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-identity",
		Method:      http.MethodGet,
		Path:        "/identities/{id}",
		Summary:     "Get an identity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.Identity], error) {
		i, err := h.e.Identity(input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &output[domain.Identity]{Body: i}, nil
	})
}

func (h handlers) registerPolicies(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "create-policy",
		Method:      http.MethodPost,
		Path:        "/policies",
		Summary:     "Create a policy",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body engine.PolicyInput
	}) (*output[domain.Policy], error) {
		p, err := h.e.CreatePolicy(input.Body)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &output[domain.Policy]{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/policies/{id}",
		Summary:     "Get a policy",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.Policy], error) {
		p, err := h.e.Policy(input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &output[domain.Policy]{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-policy",
		Method:      http.MethodDelete,
		Path:        "/policies/{id}",
		Summary:     "Delete a policy",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := h.e.DeletePolicy(input.ID); err != nil {
			return nil, h.handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "consume-pending-policy",
		Method:      http.MethodPost,
		Path:        "/policies/pending/consume",
		Summary:     "Move the pending draft policy into the catalog",
	}, func(ctx context.Context, _ *struct{}) (*output[pendingPolicyResponse], error) {
		p, ok, err := h.e.ConsumePendingPolicy(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := pendingPolicyResponse{Consumed: ok}
		if ok {
			resp.Policy = &p
		}
		return &output[pendingPolicyResponse]{Body: resp}, nil
	})
}

func (h handlers) registerConnectors(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-connectors",
		Method:      http.MethodGet,
		Path:        "/connectors",
		Summary:     "List connectors by category",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string][]domain.ConnectorState], error) {
		return &output[map[string][]domain.ConnectorState]{Body: h.e.Store.Connectors()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-connector",
		Method:      http.MethodPatch,
		Path:        "/connectors/{provider}/{name}",
		Summary:     "Update connector state",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Provider string `path:"provider"`
		Name     string `path:"name"`
		Body     store.ConnectorUpdate
	}) (*output[domain.ConnectorState], error) {
		c, err := h.e.Store.UpdateConnectorState(ctx, domain.ConnectorRef{Provider: input.Provider, Name: input.Name}, input.Body)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &output[domain.ConnectorState]{Body: c}, nil
	})
}

func (h handlers) registerIntegrations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-integrations",
		Method:      http.MethodGet,
		Path:        "/integrations",
		Summary:     "List manual integrations",
	}, func(ctx context.Context, _ *struct{}) (*output[listResponse[domain.ManualIntegration]], error) {
		return &output[listResponse[domain.ManualIntegration]]{Body: listResponse[domain.ManualIntegration]{Items: h.e.Store.ManualIntegrations()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-integration",
		Method:      http.MethodPost,
		Path:        "/integrations",
		Summary:     "Register a manual integration",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body integrationRequest
	}) (*output[domain.ManualIntegration], error) {
		m, err := h.e.Store.AddManualIntegration(ctx, store.IntegrationInput(input.Body))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &output[domain.ManualIntegration]{Body: m}, nil
	})

	type integrationPath struct {
		ID string `path:"id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-integration",
		Method:      http.MethodGet,
		Path:        "/integrations/{id}",
		Summary:     "Get a manual integration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *integrationPath) (*output[domain.ManualIntegration], error) {
		m, err := h.e.Store.Integration(input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &output[domain.ManualIntegration]{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-integration",
		Method:      http.MethodPut,
		Path:        "/integrations/{id}",
		Summary:     "Update a manual integration",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body integrationRequest
	}) (*output[domain.ManualIntegration], error) {
		m, err := h.e.Store.UpdateManualIntegration(ctx, domain.ManualIntegration{
			ID:               input.ID,
			Name:             input.Body.Name,
			Description:      input.Body.Description,
			Category:         input.Body.Category,
			ConnectionStatus: input.Body.ConnectionStatus,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &output[domain.ManualIntegration]{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-integration",
		Method:      http.MethodDelete,
		Path:        "/integrations/{id}",
		Summary:     "Delete a manual integration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *integrationPath) (*struct{}, error) {
		ok, err := h.e.Store.DeleteManualIntegration(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("integration %s not found", input.ID), nil)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rotate-integration-key",
		Method:      http.MethodPost,
		Path:        "/integrations/{id}/rotate-key",
		Summary:     "Regenerate the integration API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *integrationPath) (*output[domain.ManualIntegration], error) {
		m, err := h.e.Store.RegenerateAPIKey(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &output[domain.ManualIntegration]{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-integration-events",
		Method:      http.MethodGet,
		Path:        "/integrations/{id}/events",
		Summary:     "Recent events of a manual integration, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *integrationPath) (*output[listResponse[domain.IntegrationEvent]], error) {
		m, err := h.e.Store.Integration(input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &output[listResponse[domain.IntegrationEvent]]{Body: listResponse[domain.IntegrationEvent]{Items: m.Events}}, nil
	})
}

func (h handlers) registerOpportunities(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-opportunities",
		Method:      http.MethodGet,
		Path:        "/opportunities",
		Summary:     "List opportunity templates",
	}, func(ctx context.Context, _ *struct{}) (*output[listResponse[domain.Opportunity]], error) {
		items := h.e.Opportunities()
		if items == nil {
			items = []domain.Opportunity{}
		}
		return &output[listResponse[domain.Opportunity]]{Body: listResponse[domain.Opportunity]{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "seize-opportunity",
		Method:      http.MethodPost,
		Path:        "/opportunities/{id}/seize",
		Summary:     "Draft a policy from an opportunity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.Policy], error) {
		p, err := h.e.SeizeOpportunity(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &output[domain.Policy]{Body: p}, nil
	})
}

func (h handlers) registerAudit(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-events",
		Method:      http.MethodGet,
		Path:        "/audit-events",
		Summary:     "List store audit events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"connector,integration,policy"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor     string `query:"cursor"`
	}) (*output[auditEventsResponse], error) {
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		items, err := h.e.AuditLog(ctx, repo.AuditFilter{
			Limit:      input.Limit + 1,
			Cursor:     cursor,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := auditEventsResponse{Items: []domain.AuditEvent{}}
		if len(items) > input.Limit {
			resp.NextCursor = strconv.FormatInt(items[input.Limit-1].ID, 10)
			items = items[:input.Limit]
		}
		resp.Items = append(resp.Items, items...)
		return &output[auditEventsResponse]{Body: resp}, nil
	})
}
