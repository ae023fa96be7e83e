// Package testutil starts the Postgres instance that the storage integration
// tests run against.
//
//	func TestMain(m *testing.M) {
//	    pg := testutil.MustStartPostgres()
//	    testDB, _ = pg.NewTestDB(context.Background(), testutil.TestLogger())
//	    code := m.Run()
//	    pg.Terminate()
//	    os.Exit(code)
//	}
//
// Set SHIORI_TEST_DATABASE_URL to reuse an existing database instead of
// starting a container.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/shiori/internal/storage"
	"github.com/ashita-ai/shiori/migrations"
)

const (
	pgImage = "postgres:17-alpine"
	pgCreds = "shiori"
)

// Postgres is a database reachable at DSN, optionally backed by a container
// owned by this process.
type Postgres struct {
	DSN       string
	container testcontainers.Container
}

// MustStartPostgres returns the database named by SHIORI_TEST_DATABASE_URL or
// starts a throwaway container. It exits the process on failure, so it
// belongs in TestMain.
func MustStartPostgres() *Postgres {
	if dsn := os.Getenv("SHIORI_TEST_DATABASE_URL"); dsn != "" {
		return &Postgres{DSN: dsn}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        pgImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     pgCreds,
				"POSTGRES_PASSWORD": pgCreds,
				"POSTGRES_DB":       pgCreds,
			},
			// Postgres logs readiness once for the init server and once for the real one.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		exitf("start %s: %v", pgImage, err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(context.Background())
		exitf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5432")
	if err != nil {
		_ = c.Terminate(context.Background())
		exitf("container port: %v", err)
	}

	return &Postgres{
		DSN:       fmt.Sprintf("postgres://%[1]s:%[1]s@%s:%s/%[1]s?sslmode=disable", pgCreds, host, port.Port()),
		container: c,
	}
}

// NewTestDB opens a migrated storage.DB. The pool DSN doubles as the notify
// DSN so LISTEN/NOTIFY paths are exercised too.
func (p *Postgres) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, p.DSN, p.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: open db: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("testutil: migrate: %w", err)
	}
	return db, nil
}

// Terminate removes the container, if this process started one.
func (p *Postgres) Terminate() {
	if p.container != nil {
		_ = p.container.Terminate(context.Background())
	}
}

// TestLogger logs warnings and above to stderr.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "testutil: "+format+"\n", args...)
	os.Exit(1)
}
