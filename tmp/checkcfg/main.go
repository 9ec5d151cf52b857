package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path"

	"guardline/internal/app"
	"guardline/internal/config"
	"guardline/internal/server"
	guardlinesdk "guardline/sdk/go"
)

// checkcfg validates a guardline.yml, then boots it in a scratch workspace
// and pushes one webhook delivery through the API.
func main() {
	src := config.FileName
	if len(os.Args) > 1 {
		src = os.Args[1]
	}
	cfg, err := config.FromFile(src)
	if err != nil {
		panic(err)
	}
	workspace, err := os.MkdirTemp("", "guardline-check")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(workspace)
	if err := os.WriteFile(config.Path(workspace), []byte(mustRead(src)), 0o644); err != nil {
		panic(err)
	}

	ctx := context.Background()
	ws, err := app.OpenWorkspace(ctx, workspace, nil)
	if err != nil {
		panic(err)
	}
	defer ws.Close()
	if _, err := ws.Engine.InitConnectors(ctx); err != nil {
		panic(err)
	}
	h, err := server.New(server.Config{Engine: ws.Engine})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	client := guardlinesdk.New(ts.URL)
	m, err := client.CreateIntegration(ctx, guardlinesdk.IntegrationInput{Name: "checkcfg"})
	if err != nil {
		panic(err)
	}
	if err := client.SendWebhook(ctx, path.Base(m.WebhookURL), m.APIKey, map[string]string{"type": "checkcfg.ping"}); err != nil {
		panic(err)
	}
	evs, err := client.IntegrationEvents(ctx, m.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("config %s ok: %d connector categories, %d opportunities, %d forwarders; webhook events=%d\n",
		src, len(cfg.Connectors.Categories), len(cfg.Opportunities), len(cfg.Forwarders), len(evs))
}

func mustRead(p string) string {
	b, err := os.ReadFile(p)
	if err != nil {
		panic(err)
	}
	return string(b)
}
