package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fwdslsh/dispatch/pkg/config"
	"github.com/fwdslsh/dispatch/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	sharedDBConfig config.DatabaseConfig
	containerOnce  sync.Once
	containerErr   error
)

// testStore starts (once per package run) a shared PostgreSQL testcontainer,
// opens a fresh *Store against it, and registers cleanup of that Store's
// connections. Each test gets its own rows via freshly generated UUIDs, so
// sharing one container across tests is safe without per-test schemas.
func testStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	containerOnce.Do(func() {
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("dispatch_test"),
			postgres.WithUsername("dispatch"),
			postgres.WithPassword("dispatch"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = err
			return
		}

		host, err := pgContainer.Host(ctx)
		if err != nil {
			containerErr = err
			return
		}
		port, err := pgContainer.MappedPort(ctx, "5432")
		if err != nil {
			containerErr = err
			return
		}

		sharedDBConfig = config.DatabaseConfig{
			Host:            host,
			Port:            port.Int(),
			User:            "dispatch",
			Password:        "dispatch",
			Database:        "dispatch_test",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 15 * time.Minute,
		}
	})
	require.NoError(t, containerErr, "failed to start shared postgres test container")

	s, err := Open(sharedDBConfig)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newTestSession creates a workspace and a running session row,
// returning the session id for use by the calling test.
func newTestSession(t *testing.T, s *Store, kind models.Kind) string {
	t.Helper()
	ctx := context.Background()

	ws := models.Workspace{Path: "/workspaces/" + uuid.New().String(), Name: "test"}
	require.NoError(t, s.EnsureWorkspace(ctx, ws))

	id := uuid.New().String()
	_, err := s.CreateSession(ctx, id, models.CreateParams{
		Kind:          kind,
		OwnerUserID:   "user-" + uuid.New().String(),
		WorkspacePath: ws.Path,
		Title:         "test session",
	})
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, id, models.StatusRunning))
	return id
}
