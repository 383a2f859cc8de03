// internal/testutil/db.go
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/go-testfixtures/testfixtures/v3"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDB holds the test database connection and container
type TestDB struct {
	DB        *sqlx.DB
	ConnStr   string
	container testcontainers.Container
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// repoPath resolves a path relative to the module root, independent of the
// package the test runs in.
func repoPath(elem ...string) string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(append([]string{filepath.Dir(file), "..", ".."}, elem...)...)
}

// SetupTestDB starts a PostgreSQL container, applies the migrations and
// returns a connected DB. It is skipped with -short.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	ctx := context.Background()

	if err := godotenv.Load(repoPath(".env")); err != nil {
		t.Logf("No .env file found or failed to load: %v. Proceeding with environment variables.", err)
	}

	// The database name has to contain "test" for testfixtures to load into it.
	dbUsername := envOr("DB_USERNAME", "wfmanager")
	dbPassword := envOr("DB_PASSWORD", "wfmanager")
	dbName := envOr("DB_NAME", "wfmanager_test")
	dbHost := envOr("DB_HOST", "localhost")

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     dbUsername,
			"POSTGRES_PASSWORD": dbPassword,
			"POSTGRES_DB":       dbName,
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	td := &TestDB{container: pgContainer}

	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		td.terminate(t)
		t.Fatal(err)
	}

	td.ConnStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, port.Port(), dbName)

	td.DB, err = sqlx.Open("postgres", td.ConnStr)
	if err != nil {
		td.terminate(t)
		t.Fatalf("Failed to connect to test DB: %v", err)
	}

	// Wait for DB to be ready
	for i := 0; i < 10; i++ {
		if err = td.DB.Ping(); err == nil {
			break
		}
		if i == 9 {
			td.terminate(t)
			t.Fatalf("Failed to ping test DB after retries: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	m, err := migrate.New("file://"+repoPath("migrations"), td.ConnStr)
	if err != nil {
		td.terminate(t)
		t.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		td.terminate(t)
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	return td
}

// LoadFixtures loads the YAML fixtures of dir (one file per table) into the
// database, replacing the rows of those tables.
func (td *TestDB) LoadFixtures(t *testing.T, dir string) {
	t.Helper()
	fixtures, err := testfixtures.New(
		testfixtures.Database(td.DB.DB),
		testfixtures.Dialect("postgres"),
		testfixtures.Directory(dir),
		testfixtures.ResetSequencesTo(10000),
	)
	require.NoError(t, err)
	require.NoError(t, fixtures.Load())
}

func (td *TestDB) terminate(t *testing.T) {
	if err := td.container.Terminate(context.Background()); err != nil {
		t.Errorf("Failed to terminate container: %v", err)
	}
}

// Teardown cleans up the test database and container
func (td *TestDB) Teardown(t *testing.T) {
	if err := td.DB.Close(); err != nil {
		t.Errorf("Failed to close DB connection: %v", err)
	}
	if err := td.container.Terminate(context.Background()); err != nil {
		t.Fatalf("Failed to terminate container: %v", err)
	}
}
