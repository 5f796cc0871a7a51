package app

import (
	"database/sql"
	"path/filepath"

	"pawline/internal/config"
	"pawline/internal/db"
	"pawline/internal/engine"
	"pawline/internal/migrate"
	"pawline/internal/render"
)

// Context bundles the open database, loaded config and wired engine for one
// workspace. CLI commands and the server build everything through here so
// they agree on paths and defaults.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open bootstraps a workspace: ensures the data directory, opens the
// database, runs pending migrations and loads config.
func Open(workspace string) (*Context, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e := engine.New(conn, cfg)
	e.Renderer = render.FileRenderer{Dir: documentsDir(workspace, cfg)}
	return &Context{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    e,
	}, nil
}

func documentsDir(workspace string, cfg *config.Config) string {
	if cfg != nil && cfg.Documents.Dir != "" {
		if filepath.IsAbs(cfg.Documents.Dir) {
			return cfg.Documents.Dir
		}
		return filepath.Join(workspace, cfg.Documents.Dir)
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".pawline", "documents")
}

// Close releases the database handle.
func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
