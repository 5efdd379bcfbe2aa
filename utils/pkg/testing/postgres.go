package reclaimertesting

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/malbeclabs/reclaimer/utils/pkg/retry"
)

type PostgresConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "reclaimer"
	}
	if cfg.Username == "" {
		cfg.Username = "test"
	}
	if cfg.Password == "" {
		cfg.Password = "test"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

// Postgres is a running PostgreSQL container shared by a package's tests.
type Postgres struct {
	log       *slog.Logger
	connStr   string
	container *tcpostgres.PostgresContainer
}

func (p *Postgres) ConnStr() string {
	return p.connStr
}

func (p *Postgres) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.container.Terminate(ctx); err != nil {
		p.log.Error("failed to terminate PostgreSQL container", "error", err)
	}
}

// NewPostgres starts a container. Docker hiccups during startup are retried.
func NewPostgres(ctx context.Context, log *slog.Logger, cfg *PostgresConfig) (*Postgres, error) {
	if cfg == nil {
		cfg = &PostgresConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate postgres config: %w", err)
	}

	var container *tcpostgres.PostgresContainer
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: 3,
		BaseBackoff: 750 * time.Millisecond,
		MaxBackoff:  3 * time.Second,
		Retryable:   isTransientStartErr,
		OnRetry: func(attempt int, backoff time.Duration, err error) {
			log.Warn("retrying PostgreSQL container start", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}, func() error {
		c, err := tcpostgres.Run(ctx,
			cfg.ContainerImage,
			tcpostgres.WithDatabase(cfg.Database),
			tcpostgres.WithUsername(cfg.Username),
			tcpostgres.WithPassword(cfg.Password),
			tcpostgres.BasicWaitStrategies(),
			tcpostgres.WithSQLDriver("pgx"),
		)
		if err != nil {
			return err
		}
		container = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get PostgreSQL connection string: %w", err)
	}
	return &Postgres{log: log, connStr: connStr, container: container}, nil
}

// NewDatabase creates a fresh database in the container and returns its connection string,
// so parallel tests never share rows.
func (p *Postgres) NewDatabase(t *testing.T) string {
	t.Helper()
	ctx := t.Context()

	admin, err := pgxpool.New(ctx, p.connStr)
	require.NoError(t, err)
	defer admin.Close()

	name := "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = admin.Exec(ctx, "CREATE DATABASE "+name)
	require.NoError(t, err)

	u, err := url.Parse(p.connStr)
	require.NoError(t, err)
	u.Path = "/" + name
	return u.String()
}

func isTransientStartErr(err error) bool {
	s := err.Error()
	for _, marker := range []string{"wait until ready", "mapped port", "timeout", "context deadline exceeded"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
