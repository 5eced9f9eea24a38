package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/thiagosm89/lix-carbon/internal/config"
	"github.com/thiagosm89/lix-carbon/internal/db"
	"github.com/thiagosm89/lix-carbon/internal/engine"
	"github.com/thiagosm89/lix-carbon/internal/migrate"
)

// Open connects to the configured store, applies pending migrations and returns a ready engine.
// The caller closes the returned *sql.DB.
func Open(ctx context.Context, cfg *config.Config) (engine.Engine, *sql.DB, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	dialect := db.Dialect(cfg.Database.Driver)
	if dialect == "" {
		dialect = db.SQLite
	}
	conn, err := db.Open(db.Config{Driver: dialect, DSN: cfg.Database.DSN, Workspace: cfg.Database.Workspace})
	if err != nil {
		return engine.Engine{}, nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	return engine.New(conn, dialect, cfg), conn, nil
}
