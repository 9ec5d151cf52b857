package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/danielgtaylor/huma/v2"

	"guardline/internal/domain"
)

const (
	webhookPath = "/webhooks/{webhook_id}"

	// maxStoredPayload caps the raw body kept on an integration event.
	maxStoredPayload = 4096
)

type webhookInput struct {
	WebhookID string `path:"webhook_id"`
	APIKey    string `header:"X-Api-Key"`
	EventType string `header:"X-Event-Type"`
	RawBody   []byte
}

// registerWebhookIngest mounts the ingest route outside the versioned API.
// Deliveries are authenticated by the current API key of the integration
// owning the webhook id.
func (h handlers) registerWebhookIngest(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-webhook",
		Method:        http.MethodPost,
		Path:          webhookPath,
		Summary:       "Receive a manual integration delivery",
		DefaultStatus: http.StatusAccepted,
		MaxBodyBytes:  1 << 20,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *webhookInput) (*output[webhookAccepted], error) {
		if strings.TrimSpace(input.APIKey) == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "X-Api-Key required", nil)
		}
		ev := eventFromDelivery(input)
		m, err := h.e.IngestWebhook(ctx, input.WebhookID, input.APIKey, ev)
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := webhookAccepted{IntegrationID: m.ID, Events: len(m.Events)}
		if len(m.Events) > 0 {
			resp.EventID = m.Events[0].ID
		}
		h.log.Info("webhook accepted", "integration_id", m.ID, "event_id", resp.EventID, "type", ev.Type)
		return &output[webhookAccepted]{Body: resp}, nil
	})
}

// eventFromDelivery reads type and summary from the JSON body when present.
// The header type wins over the body.
func eventFromDelivery(in *webhookInput) domain.IntegrationEvent {
	ev := domain.IntegrationEvent{Type: strings.TrimSpace(in.EventType)}
	var body struct {
		Type    string `json:"type"`
		Event   string `json:"event"`
		Summary string `json:"summary"`
		Message string `json:"message"`
	}
	if json.Unmarshal(in.RawBody, &body) == nil {
		if ev.Type == "" {
			ev.Type = firstNonEmpty(body.Type, body.Event)
		}
		ev.Summary = firstNonEmpty(body.Summary, body.Message)
	}
	ev.Payload = string(truncatePayload(in.RawBody, maxStoredPayload))
	return ev
}

// truncatePayload cuts b to at most n bytes without splitting a UTF-8
// sequence.
func truncatePayload(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	for n > 0 && !utf8.RuneStart(b[n]) {
		n--
	}
	return b[:n]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
