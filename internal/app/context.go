package app

import (
	"context"
	"fmt"
	"log/slog"

	"guardline/internal/config"
	"guardline/internal/db"
	"guardline/internal/engine"
	"guardline/internal/migrate"
)

// Workspace is an opened workspace: its config, migrated database and engine.
type Workspace struct {
	Dir    string
	Config *config.Config
	Engine *engine.Engine

	close func() error
}

// Close releases the database connection.
func (w *Workspace) Close() error {
	if w == nil || w.close == nil {
		return nil
	}
	return w.close()
}

// OpenWorkspace resolves the config (guardline.yml or the defaults), opens
// and migrates the workspace database and builds the engine over it.
// Connectors are not seeded here; callers decide when to initialize them.
func OpenWorkspace(ctx context.Context, dir string, log *slog.Logger) (*Workspace, error) {
	cfg, err := config.LoadOrDefault(dir)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(dir), err)
	}
	e, err := engine.Open(ctx, conn, cfg, engine.Options{Logger: log})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Workspace{Dir: dir, Config: cfg, Engine: e, close: conn.Close}, nil
}
