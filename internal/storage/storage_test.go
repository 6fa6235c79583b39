//go:build integration

package storage_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/storage"
	"github.com/ashita-ai/sekimon/internal/storage/storagetest"
	"github.com/ashita-ai/sekimon/internal/testutil"
)

var (
	testContainer *testutil.TestContainer
	testLogger    = testutil.TestLogger()
)

func TestMain(m *testing.M) {
	testContainer = testutil.MustStartPostgres()
	code := m.Run()
	testContainer.Terminate()
	os.Exit(code)
}

func TestPostgresStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		db, err := testContainer.NewTestDB(context.Background(), testLogger)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close(context.Background()) })
		return db
	})
}

func TestMigrationsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := testContainer.NewTestDB(ctx, testLogger)
	require.NoError(t, err)
	defer db.Close(ctx)

	require.NoError(t, testutil.Migrate(ctx, db))
}

func TestSecurityEventsRejectUpdate(t *testing.T) {
	ctx := context.Background()
	db, err := testContainer.NewTestDB(ctx, testLogger)
	require.NoError(t, err)
	defer db.Close(ctx)

	events, err := db.ListEvents(ctx, model.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = db.Pool().Exec(ctx, `INSERT INTO security_events (id, created_at, event_type, severity, description, content_hash)
		VALUES (gen_random_uuid(), now(), 'task_created', 'info', 'x', 'h')`)
	require.NoError(t, err)

	_, err = db.Pool().Exec(ctx, `UPDATE security_events SET description = 'tampered'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = db.Pool().Exec(ctx, `DELETE FROM security_events`)
	assert.ErrorContains(t, err, "append-only")
}
