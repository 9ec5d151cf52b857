package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"guardline/internal/config"
	"guardline/internal/db"
	"guardline/internal/domain"
	"guardline/internal/engine"
	"guardline/internal/migrate"
	"guardline/internal/store"
)

var refNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.Open(ctx, conn, config.Default("test"), engine.Options{Now: func() time.Time { return refNow }})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if _, err := e.InitConnectors(ctx); err != nil {
		t.Fatalf("init connectors: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, data)
	}
	return env.Error.Code
}

func TestConnectorInvariantOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/connectors/okta/Okta", map[string]any{"control_status": "enabled"}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invariant_violation" {
		t.Fatalf("enable while disconnected: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/connectors/okta/Okta", map[string]any{"connection_status": "connected", "control_status": "enabled"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("connect+enable: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/connectors/okta/okta", map[string]any{"connection_status": "not_connected"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("disconnect: %d %s", res.StatusCode, data)
	}
	var c domain.ConnectorState
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatal(err)
	}
	if c.ControlStatus != domain.ControlDisabled || c.ConnectionStatus != domain.NotConnected {
		t.Fatalf("after disconnect %+v", c)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/connectors/nope/nope", map[string]any{"connection_status": "connected"}, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("unknown connector: %d %s", res.StatusCode, data)
	}
}

func TestIntegrationWebhookFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/integrations", map[string]any{"name": "Jira", "category": "ticketing"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create: %d %s", res.StatusCode, data)
	}
	var m domain.ManualIntegration
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(m.WebhookURL, "https://localhost:8080/webhooks/") {
		t.Fatalf("webhook url %s", m.WebhookURL)
	}
	hook := srv.URL + "/webhooks/" + m.WebhookID()

	res, data = doJSON(t, client, http.MethodPost, hook, map[string]any{"type": "issue.created"}, map[string]string{"X-Api-Key": "glk_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, hook, map[string]any{"type": "issue.created", "summary": "PROJ-1"}, map[string]string{"X-Api-Key": m.APIKey})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("delivery: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/integrations/"+m.ID+"/rotate-key", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rotate: %d %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, client, http.MethodPost, hook, map[string]any{"type": "x"}, map[string]string{"X-Api-Key": m.APIKey})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("old key after rotation: %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/integrations/"+m.ID+"/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, data)
	}
	var evs listResponse[domain.IntegrationEvent]
	if err := json.Unmarshal(data, &evs); err != nil {
		t.Fatal(err)
	}
	if len(evs.Items) != 1 || evs.Items[0].Type != "issue.created" || evs.Items[0].Summary != "PROJ-1" {
		t.Fatalf("events %+v", evs.Items)
	}

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/integrations/"+m.ID, nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/integrations/"+m.ID, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete: %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit-events?entity_kind=integration&limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit: %d %s", res.StatusCode, data)
	}
	var audit auditEventsResponse
	if err := json.Unmarshal(data, &audit); err != nil {
		t.Fatal(err)
	}
	if len(audit.Items) != 2 || audit.Items[0].Type != "integration.deleted" || audit.NextCursor == "" {
		t.Fatalf("audit page %+v", audit)
	}
}

func TestCatalogViewAndPolicyHandoff(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, risk := range []string{"low", "critical", "high"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions", map[string]any{"name": "export " + risk, "domain": "saas", "risk_level": risk}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("create action: %d %s", res.StatusCode, data)
		}
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/catalog/actions/view", map[string]any{"sort_by": "severity"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("view: %d %s", res.StatusCode, data)
	}
	var view struct {
		Matched int `json:"matched"`
		Groups  []struct {
			Records []domain.Action `json:"records"`
		} `json:"groups"`
	}
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatal(err)
	}
	if view.Matched != 3 || len(view.Groups) != 1 || view.Groups[0].Records[0].RiskLevel != "critical" || view.Groups[0].Records[2].RiskLevel != "low" {
		t.Fatalf("view %s", data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/catalog/widgets/view", map[string]any{}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown kind: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/opportunities/opp-bulk-export/seize", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("seize: %d %s", res.StatusCode, data)
	}
	var draft domain.Policy
	_ = json.Unmarshal(data, &draft)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/policies/pending/consume", nil, nil)
	var consumed pendingPolicyResponse
	if err := json.Unmarshal(data, &consumed); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("consume: %d %s", res.StatusCode, data)
	}
	if !consumed.Consumed || consumed.Policy == nil || consumed.Policy.ID != draft.ID {
		t.Fatalf("consumed %s", data)
	}
	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/policies/pending/consume", nil, nil)
	if err := json.Unmarshal(data, &consumed); err != nil || consumed.Consumed {
		t.Fatalf("second consume %s", data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/policies/"+draft.ID, nil, nil)
	var got domain.Policy
	if err := json.Unmarshal(data, &got); err != nil || res.StatusCode != http.StatusOK || got.OpportunityID != "opp-bulk-export" {
		t.Fatalf("get policy: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/actions/"+view.Groups[0].Records[0].RecordID(), nil, nil)
	var action domain.Action
	if err := json.Unmarshal(data, &action); err != nil || res.StatusCode != http.StatusOK || action.RiskLevel != "critical" {
		t.Fatalf("get action: %d %s", res.StatusCode, data)
	}

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/policies/"+draft.ID, nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete policy: %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/identities/1", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("get missing identity: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/policies/"+draft.ID, nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("get deleted policy: %d %s", res.StatusCode, data)
	}
}

func TestWebhookPayloadTruncatedOnRuneBoundary(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	m, err := srv.Engine.Store.AddManualIntegration(context.Background(), store.IntegrationInput{Name: "Jira"})
	if err != nil {
		t.Fatal(err)
	}
	// 12 bytes of JSON prefix leave the cap inside a 3-byte rune.
	body := map[string]any{"summary": strings.Repeat("€", 2000)}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/webhooks/"+m.WebhookID(), body, map[string]string{"X-Api-Key": m.APIKey, "X-Event-Type": "note"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("delivery: %d %s", res.StatusCode, data)
	}
	got, err := srv.Engine.Store.Integration(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	payload := got.Events[0].Payload
	if len(payload) > maxStoredPayload || len(payload) < maxStoredPayload-3 {
		t.Fatalf("payload length %d", len(payload))
	}
	if !utf8.ValidString(payload) {
		t.Fatalf("payload ends mid-rune: %q", payload[len(payload)-8:])
	}
}

func TestTruncatePayload(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{in: "abc", n: 8, want: "abc"},
		{in: "abcdef", n: 4, want: "abcd"},
		{in: "a€b", n: 2, want: "a"},
		{in: "a€b", n: 4, want: "a€"},
		{in: "€", n: 1, want: ""},
	}
	for _, tc := range cases {
		if got := string(truncatePayload([]byte(tc.in), tc.n)); got != tc.want {
			t.Errorf("truncatePayload(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "guardline_connectors_total") {
		t.Fatalf("metrics: %d", res.StatusCode)
	}
	specs := make([][]byte, 8)
	var wg sync.WaitGroup
	for i := range specs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				specs[i], _ = io.ReadAll(resp.Body)
			}
		}()
	}
	wg.Wait()
	for i, spec := range specs {
		if !strings.Contains(string(spec), "integrationKey") || !bytes.Equal(spec, specs[0]) {
			t.Fatalf("openapi response %d: %.80s", i, spec)
		}
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}
