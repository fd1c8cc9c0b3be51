//go:build integration

// Package dbtest starts a throwaway PostgreSQL for integration tests and
// applies the repository migrations to it.
package dbtest

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/reflectionguide/reflect/internal/database"
)

var (
	once    sync.Once
	dsn     string
	initErr error
)

// Pool returns a pool on a migrated database shared by every test in the
// package binary. The container lives until the test binary exits.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	once.Do(func() { dsn, initErr = start() })
	if initErr != nil {
		t.Fatalf("starting postgres: %v", initErr)
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func start() (string, error) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "reflect_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return "", err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", err
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", err
	}

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/reflect_test?sslmode=disable", host, port.Port())
	if err := database.RunMigrations(dsn, migrationsPath()); err != nil {
		return "", err
	}
	return dsn, nil
}

func migrationsPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "migrations")
}
