package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"guardline/internal/app"
	"guardline/internal/catalog"
	"guardline/internal/config"
	"guardline/internal/db"
	"guardline/internal/domain"
	"guardline/internal/engine"
	"guardline/internal/fixtures"
	"guardline/internal/logging"
	"guardline/internal/repo"
	"guardline/internal/server"
	"guardline/internal/store"
)

var logger = logging.Discard()

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Guardline CLI",
	Long: `Guardline keeps an inventory of security-relevant actions, identities,
policies and connectors, and turns risk opportunities into draft policies.
- Catalog: filter, sort and group any collection with 'gl view'.
- Connectors: per-category integration state, persisted in the workspace.
- Manual integrations: user-defined sources with an API key and webhook URL.
- Opportunities: templates that become draft policies when seized.
- Audit log: every persisted change, view with 'gl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		l, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Command: "gl " + cmd.Name()})
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

func main() {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Println("error:", err)
			os.Exit(1)
		}
	}
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GUARDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(connectorsCmd())
	rootCmd.AddCommand(integrationsCmd())
	rootCmd.AddCommand(viewCmd())
	rootCmd.AddCommand(opportunitiesCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage guardline.yml",
		Long:  "guardline.yml holds the webhook host, catalog defaults, connector categories and opportunity templates. Without it the built-in defaults apply.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var name string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default guardline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "guardline", "workspace name")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate guardline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.LoadOrDefault(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func connectorsCmd() *cobra.Command {
	c := &cobra.Command{Use: "connectors", Short: "Manage connector state"}
	c.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Seed connectors from the configured categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				created, err := e.InitConnectors(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"initialized": created, "total": e.Store.Snapshot().TotalConnectors})
				}
				if !created {
					fmt.Println("connectors already initialized")
					return nil
				}
				fmt.Printf("initialized %d connectors\n", e.Store.Snapshot().TotalConnectors)
				return nil
			})
		},
	})
	c.AddCommand(connectorsListCmd())
	c.AddCommand(connectorActionCmd("connect", "Mark a connector connected", func(ctx context.Context, s *store.Store, ref domain.ConnectorRef) (domain.ConnectorState, error) {
		return s.Connect(ctx, ref)
	}))
	c.AddCommand(connectorActionCmd("disconnect", "Mark a connector disconnected (disables control)", func(ctx context.Context, s *store.Store, ref domain.ConnectorRef) (domain.ConnectorState, error) {
		return s.Disconnect(ctx, ref)
	}))
	c.AddCommand(connectorActionCmd("enable", "Enable control on a connected connector", func(ctx context.Context, s *store.Store, ref domain.ConnectorRef) (domain.ConnectorState, error) {
		return s.EnableControl(ctx, ref)
	}))
	c.AddCommand(connectorActionCmd("disable", "Disable control", func(ctx context.Context, s *store.Store, ref domain.ConnectorRef) (domain.ConnectorState, error) {
		return s.DisableControl(ctx, ref)
	}))
	c.AddCommand(connectorSyncCmd())
	return c
}

func connectorsListCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List connectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items := e.Store.AllConnectors()
				if category != "" {
					items = e.Store.Connectors()[category]
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Category", "Name", "Connection", "Control", "Last sync", "Actions")
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Category, c.Name, c.ConnectionStatus, c.ControlStatus, formatTime(c.LastSync), c.ActionCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "only this category")
	return cmd
}

func connectorActionCmd(use, short string, fn func(context.Context, *store.Store, domain.ConnectorRef) (domain.ConnectorState, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <provider>/<name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseConnectorRef(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := fn(ctx, e.Store, ref)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func connectorSyncCmd() *cobra.Command {
	var actions int
	cmd := &cobra.Command{
		Use:   "sync <provider>/<name>",
		Short: "Record a sync and its observed action count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseConnectorRef(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Store.RecordSync(ctx, ref, actions)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().IntVar(&actions, "actions", 0, "actions observed by the sync")
	return cmd
}

func integrationsCmd() *cobra.Command {
	c := &cobra.Command{Use: "integrations", Short: "Manage manual integrations"}
	c.AddCommand(integrationsListCmd())
	c.AddCommand(integrationsAddCmd())
	c.AddCommand(integrationByIDCmd("show", "Show an integration", func(ctx context.Context, e *engine.Engine, id string) (any, error) {
		return e.Store.Integration(id)
	}))
	c.AddCommand(integrationsUpdateCmd())
	c.AddCommand(integrationByIDCmd("rotate-key", "Issue a new API key", func(ctx context.Context, e *engine.Engine, id string) (any, error) {
		return e.Store.RegenerateAPIKey(ctx, id)
	}))
	c.AddCommand(integrationByIDCmd("delete", "Delete an integration", func(ctx context.Context, e *engine.Engine, id string) (any, error) {
		ok, err := e.Store.DeleteManualIntegration(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("integration %s: %w", id, store.ErrNotFound)
		}
		return map[string]any{"deleted": id}, nil
	}))
	c.AddCommand(integrationsEventsCmd())
	c.AddCommand(integrationsRecordCmd())
	return c
}

func integrationsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List manual integrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items := e.Store.ManualIntegrations()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Category", "Status", "Events", "Webhook URL")
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Name, m.Category, m.ConnectionStatus, len(m.Events), m.WebhookURL})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func integrationsAddCmd() *cobra.Command {
	var in store.IntegrationInput
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a manual integration with fresh credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.Store.AddManualIntegration(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "integration name")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.Category, "category", "", "category (default custom)")
	cmd.Flags().StringVar(&in.ConnectionStatus, "status", "", "connected or not_connected")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func integrationByIDCmd(use, short string, fn func(context.Context, *engine.Engine, string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				v, err := fn(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func integrationsUpdateCmd() *cobra.Command {
	var name, desc, category, status string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update name, description, category or status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.Store.Integration(args[0])
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("name") {
					m.Name = name
				}
				if cmd.Flags().Changed("description") {
					m.Description = desc
				}
				if cmd.Flags().Changed("category") {
					m.Category = category
				}
				if cmd.Flags().Changed("status") {
					m.ConnectionStatus = status
				}
				updated, err := e.Store.UpdateManualIntegration(ctx, m)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "integration name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&status, "status", "", "connected or not_connected")
	return cmd
}

func integrationsEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <id>",
		Short: "List received events, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.Store.Integration(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m.Events)
				}
				tw := newTable("ID", "Type", "Summary", "Received")
				for _, ev := range m.Events {
					tw.AppendRow(table.Row{ev.ID, ev.Type, ev.Summary, ev.ReceivedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func integrationsRecordCmd() *cobra.Command {
	var ev domain.IntegrationEvent
	cmd := &cobra.Command{
		Use:   "record <id>",
		Short: "Record an event as if it arrived on the webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ok, err := e.Store.AddManualIntegrationEvent(ctx, args[0], ev)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("integration %s: %w", args[0], store.ErrNotFound)
				}
				m, err := e.Store.Integration(args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m.Events[0])
			})
		},
	}
	cmd.Flags().StringVar(&ev.Type, "type", "", "event type")
	cmd.Flags().StringVar(&ev.Summary, "summary", "", "summary")
	cmd.Flags().StringVar(&ev.Payload, "payload", "", "raw payload")
	return cmd
}

func viewCmd() *cobra.Command {
	var kind, dataset, searchFields string
	var filters []string
	var seed uint64
	var desc bool
	var q catalog.Query
	cmd := &cobra.Command{
		Use:   "view",
		Short: "Filter, sort and group a catalog",
		Long:  "Actions, identities and policies come from --dataset (YAML or JSON) or the seeded demo set; connectors come from the workspace state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, ok := domain.ParseKind(kind)
			if !ok {
				return fmt.Errorf("unknown kind %q (actions, identities, policies, connectors)", kind)
			}
			for _, arg := range filters {
				field, values, err := catalog.ParseFilterArg(arg)
				if err != nil {
					return err
				}
				if q.Filters == nil {
					q.Filters = map[string][]string{}
				}
				q.Filters[field] = append(q.Filters[field], values...)
			}
			if searchFields != "" {
				q.SearchFields = strings.Split(searchFields, ",")
			}
			if desc {
				q.SortDir = "desc"
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := loadCatalog(e, dataset, seed, cmd.Flags().Changed("seed")); err != nil {
					return err
				}
				res, err := e.View(k, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printView(res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "actions", "actions, identities, policies or connectors")
	cmd.Flags().StringVar(&dataset, "dataset", "", "dataset file (.yml or .json)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "demo dataset seed (default from config)")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "field=value[,value] (repeatable)")
	cmd.Flags().StringVar(&q.Search, "search", "", "case-insensitive text search")
	cmd.Flags().StringVar(&searchFields, "search-field", "", "comma-separated fields to search")
	cmd.Flags().StringVar(&q.Range, "range", "", "time window: 24h, 7d, 30d, 90d or all")
	cmd.Flags().StringVar(&q.SortBy, "sort", "", "sort field")
	cmd.Flags().BoolVar(&desc, "desc", false, "sort descending")
	cmd.Flags().StringVar(&q.GroupBy, "group-by", "", "group field (none for a single group)")
	return cmd
}

func loadCatalog(e *engine.Engine, dataset string, seed uint64, seedSet bool) error {
	if dataset != "" {
		ds, err := fixtures.Load(dataset)
		if err != nil {
			return err
		}
		return e.LoadDataset(ds)
	}
	if !seedSet {
		seed = e.Config.Catalog.Demo.Seed
	}
	return e.SeedDemo(seed)
}

type fieldRecord interface {
	RecordID() string
	Field(name string) (any, bool)
}

var viewColumns = map[domain.Kind][]string{
	domain.KindAction:    {"name", "domain", "risk_level", "status", "identity", "occurred_at"},
	domain.KindIdentity:  {"name", "type", "domain", "risk_level", "status", "last_active"},
	domain.KindPolicy:    {"name", "type", "status", "risk_level", "trigger_count", "effectiveness"},
	domain.KindConnector: {"name", "provider", "category", "connection_status", "control_status", "action_count"},
}

func printView(res engine.ViewResult) {
	fmt.Printf("%s: %d of %d matched\n", res.Kind, res.Matched, res.Total)
	cols := viewColumns[res.Kind]
	for _, g := range res.Groups {
		var parts []string
		for _, b := range g.Breakdown {
			parts = append(parts, fmt.Sprintf("%s %d%%", b.Key, b.Percent))
		}
		fmt.Printf("\n%s (%d) [%s: %s]\n", g.Key, g.Count, res.BreakdownField, strings.Join(parts, ", "))
		header := table.Row{"ID"}
		for _, c := range cols {
			header = append(header, c)
		}
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(header)
		for _, r := range g.Records {
			rec, ok := r.(fieldRecord)
			if !ok {
				continue
			}
			row := table.Row{rec.RecordID()}
			for _, c := range cols {
				v, _ := rec.Field(c)
				row = append(row, formatField(v))
			}
			tw.AppendRow(row)
		}
		tw.Render()
	}
}

func opportunitiesCmd() *cobra.Command {
	c := &cobra.Command{Use: "opportunities", Short: "Browse and seize policy opportunities"}
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List opportunity templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items := e.Opportunities()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Domain", "Risk", "Policy type")
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.Title, o.Domain, o.RiskLevel, o.PolicyType})
				}
				tw.Render()
				return nil
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "seize <id>",
		Short: "Build a draft policy and leave it in the pending slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.SeizeOpportunity(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	return c
}

func policyCmd() *cobra.Command {
	c := &cobra.Command{Use: "policy", Short: "Policy handoff"}
	c.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "Consume the pending draft policy, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, ok, err := e.Store.TakePendingPolicy(ctx)
				if err != nil {
					return err
				}
				if !ok {
					if viper.GetBool("json") {
						return printJSON(map[string]any{"consumed": false})
					}
					fmt.Println("no pending policy")
					return nil
				}
				return printJSONOrTable(map[string]any{"consumed": true, "policy": p})
			})
		},
	})
	return c
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Audit log"}
	c.AddCommand(logTailCmd())
	return c
}

func logTailCmd() *cobra.Command {
	var f repo.AuditFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.AuditLog(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "Time", "Type", "Entity", "Payload")
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, strings.TrimSuffix(ev.EntityKind+"/"+ev.EntityID, "/"), ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, dataset string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				if _, err := e.InitConnectors(ctx); err != nil {
					return err
				}
				if err := loadCatalog(e, dataset, 0, false); err != nil {
					return err
				}
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Logger: logger})
				if err != nil {
					return err
				}
				if fwd := server.NewForwarder(e, logger); fwd != nil {
					go fwd.Run(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				errCh := make(chan error, 1)
				go func() {
					errCh <- srv.ListenAndServe()
				}()
				logger.Info("serving", "addr", addr, "base_path", basePath)
				fmt.Printf("Serving Guardline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath)
				select {
				case err := <-errCh:
					if err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				case <-ctx.Done():
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				logger.Info("shutting down")
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&dataset, "dataset", "", "catalog dataset file; the seeded demo set when empty")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ws, err := app.OpenWorkspace(ctx, viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func parseConnectorRef(arg string) (domain.ConnectorRef, error) {
	provider, name, ok := strings.Cut(arg, "/")
	if !ok || strings.TrimSpace(provider) == "" || strings.TrimSpace(name) == "" {
		return domain.ConnectorRef{}, fmt.Errorf("connector must be <provider>/<name>, got %q", arg)
	}
	return domain.ConnectorRef{Provider: provider, Name: name}, nil
}

func newTable(cols ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(cols))
	return tw
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatField(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		if x.IsZero() {
			return ""
		}
		return x.Format(time.RFC3339)
	case []string:
		return strings.Join(x, ",")
	}
	return fmt.Sprint(v)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
