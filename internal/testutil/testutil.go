// Package testutil provides shared test infrastructure for integration tests
// that require a PostgreSQL container.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    code := m.Run()
//	    tc.Terminate()
//	    os.Exit(code)
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/sekimon/internal/storage"
	"github.com/ashita-ai/sekimon/migrations"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	host      string
	port      string
}

// MustStartPostgres starts a PostgreSQL container. Calls os.Exit(1) on
// failure (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "sekimon",
			"POSTGRES_PASSWORD": "sekimon",
			"POSTGRES_DB":       "sekimon",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}

	return &TestContainer{Container: container, host: host, port: port.Port()}
}

func (tc *TestContainer) dsn(database string) string {
	return fmt.Sprintf("postgres://sekimon:sekimon@%s:%s/%s?sslmode=disable", tc.host, tc.port, database)
}

// DSN returns the connection string for the container's default database.
func (tc *TestContainer) DSN() string {
	return tc.dsn("sekimon")
}

// NewTestDB creates a fresh database inside the container, connects a
// storage.DB to it and runs all migrations. Each call is isolated from
// every other.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	name := "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	admin, err := pgx.Connect(ctx, tc.DSN())
	if err != nil {
		return nil, fmt.Errorf("testutil: connect admin: %w", err)
	}
	_, err = admin.Exec(ctx, "CREATE DATABASE "+name)
	_ = admin.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("testutil: create database: %w", err)
	}

	db, err := storage.New(ctx, tc.dsn(name), logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close(ctx)
		return nil, err
	}
	return db, nil
}

// Migrate applies the embedded migrations to db.
func Migrate(ctx context.Context, db *storage.DB) error {
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("testutil: run migrations: %w", err)
	}
	return nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
