package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thiagosm89/lix-carbon/internal/config"
	"github.com/thiagosm89/lix-carbon/internal/migrate"
)

func TestOpenMigratesWorkspace(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Workspace = t.TempDir()

	eng, conn, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer conn.Close()

	v, err := migrate.Version(conn)
	require.NoError(t, err)
	assert.Positive(t, v)
	lots, err := eng.ListLots(context.Background())
	require.NoError(t, err)
	assert.Empty(t, lots)
}

func TestOpenRejectsBadDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "oracle"
	_, _, err := Open(context.Background(), cfg)
	assert.Error(t, err)
}
