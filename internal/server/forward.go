package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"guardline/internal/config"
	"guardline/internal/domain"
	"guardline/internal/engine"
	"guardline/internal/logging"
	"guardline/internal/metrics"
)

const (
	defaultForwardInterval = 2 * time.Second
	defaultForwardTimeout  = 5 * time.Second
	defaultForwardBatch    = 100
	forwardRetryMax        = 3
)

// Forwarder polls the audit log and POSTs new events to the configured
// forwarders. Each forwarder keeps its own cursor; a failed delivery stops
// that forwarder's batch so the event is retried on the next tick.
type Forwarder struct {
	engine   *engine.Engine
	targets  []config.ForwarderConfig
	clients  []*retryablehttp.Client
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

// NewForwarder returns nil when no forwarder is active or the engine has no
// audit log.
func NewForwarder(e *engine.Engine, log *slog.Logger) *Forwarder {
	if e == nil || e.Config == nil || e.Repo.DB == nil {
		return nil
	}
	if log == nil {
		log = logging.Discard()
	}
	f := &Forwarder{
		engine:   e,
		interval: defaultForwardInterval,
		log:      log,
		cursors:  make(map[int]int64),
	}
	for _, target := range e.Config.Forwarders {
		if !target.Active() {
			continue
		}
		f.targets = append(f.targets, target)
		f.clients = append(f.clients, newForwardClient(target, log))
	}
	if len(f.targets) == 0 {
		return nil
	}
	return f
}

func newForwardClient(target config.ForwarderConfig, log *slog.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = forwardRetryMax
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = defaultForwardTimeout
	if target.TimeoutSeconds > 0 {
		c.HTTPClient.Timeout = time.Duration(target.TimeoutSeconds) * time.Second
	}
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.Logger = log
	return c
}

// Run dispatches until ctx is done.
func (f *Forwarder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		f.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every forwarder.
func (f *Forwarder) DispatchAll(ctx context.Context) {
	for i := range f.targets {
		f.dispatch(ctx, i)
	}
}

func (f *Forwarder) dispatch(ctx context.Context, idx int) {
	target := f.targets[idx]
	cursor := f.cursorFor(ctx, idx)
	events, err := f.engine.Repo.AuditEventsAfter(ctx, defaultForwardBatch, cursor)
	if err != nil {
		f.log.Warn("forward: fetch audit events failed", "error", err)
		return
	}
	filter := newEventFilter(target.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			f.setCursor(idx, evt.ID)
			continue
		}
		if err := f.post(ctx, idx, evt); err != nil {
			metrics.ForwardDeliveriesTotal.WithLabelValues(metrics.ResultError).Inc()
			f.log.Warn("forward: delivery failed", "url", target.URL, "event_id", evt.ID, "error", err)
			return
		}
		metrics.ForwardDeliveriesTotal.WithLabelValues(metrics.ResultOK).Inc()
		f.log.Debug("forward: delivered", "url", target.URL, "event_id", evt.ID, "type", evt.Type)
		f.setCursor(idx, evt.ID)
	}
}

// cursorFor starts a forwarder at the current end of the log; history
// written before the server started is not replayed.
func (f *Forwarder) cursorFor(ctx context.Context, idx int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.cursors[idx]; ok {
		return cur
	}
	cur, err := f.engine.Repo.LatestAuditEventID(ctx)
	if err != nil {
		f.log.Warn("forward: init cursor failed", "error", err)
		cur = 0
	}
	f.cursors[idx] = cur
	return cur
}

func (f *Forwarder) setCursor(idx int, value int64) {
	f.mu.Lock()
	f.cursors[idx] = value
	f.mu.Unlock()
}

type forwardedEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Workspace  string          `json:"workspace"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (f *Forwarder) post(ctx context.Context, idx int, evt domain.AuditEvent) error {
	target := f.targets[idx]
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	workspace := f.engine.Config.Workspace.Name
	data, err := json.Marshal(forwardedEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		Workspace:  workspace,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Guardline-Event", evt.Type)
	req.Header.Set("X-Guardline-Delivery", strconv.FormatInt(evt.ID, 10))
	req.Header.Set("X-Guardline-Workspace", workspace)
	if strings.TrimSpace(target.Secret) != "" {
		req.Header.Set("X-Guardline-Secret", target.Secret)
	}
	res, err := f.clients[idx].Do(req)
	if res == nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
