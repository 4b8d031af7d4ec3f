package app

import (
	"context"
	"database/sql"
	"fmt"

	"prepline/internal/config"
	"prepline/internal/db"
	"prepline/internal/engine"
	"prepline/internal/match"
	"prepline/internal/migrate"
)

// Open prepares the station workspace: database opened and migrated,
// config loaded with defaults seeded when no file exists yet.
func Open(workspace string) (*sql.DB, *config.Config, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if cfg == nil {
		cfg = config.Default("station")
	}
	return conn, cfg, nil
}

// NewEngine builds an engine with a freshly populated alias index.
func NewEngine(conn *sql.DB, cfg *config.Config) (engine.Engine, error) {
	e := engine.New(conn, cfg)
	e.Index = match.NewIndex(e.Repo)
	if err := e.RebuildIndex(context.Background()); err != nil {
		return engine.Engine{}, err
	}
	return e, nil
}
