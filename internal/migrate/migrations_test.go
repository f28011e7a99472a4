package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warroom/internal/db"
	"warroom/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	v, err := migrate.Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, migrate.Migrate(ctx, conn))
	require.NoError(t, migrate.Migrate(ctx, conn))

	latest, err := migrate.Latest()
	require.NoError(t, err)
	v, err = migrate.Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)
}

func TestLedgerTablesRejectDeletes(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(ctx, conn))

	_, err = conn.ExecContext(ctx, `INSERT INTO cases(id,title,facts,jurisdiction,stakes,deliberation_rounds,phase,created_at,updated_at)
VALUES ('c1','t','f','j','s',2,'created','2024-01-01T00:00:00Z','2024-01-01T00:00:00Z')`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `DELETE FROM cases WHERE id='c1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = conn.ExecContext(ctx, `UPDATE cases SET facts='rewritten' WHERE id='c1'`)
	require.Error(t, err)

	_, err = conn.ExecContext(ctx, `INSERT INTO case_events(case_id,seq,kind,ts,payload_json) VALUES ('c1',1,'agent_started','2024-01-01T00:00:00Z','{}')`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `UPDATE case_events SET kind='error' WHERE case_id='c1'`)
	require.Error(t, err)
}
