// Package store persists skills and agents in PostgreSQL through a pgx
// connection pool.
package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/ipagent/internal/skill"
	"go.uber.org/zap"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

const defaultFetchTimeout = 3 * time.Second

// Store wraps a PostgreSQL connection pool. Each call acquires its own
// connection, so concurrent compositions never share a session.
type Store struct {
	db           *pgxpool.Pool
	fetchTimeout time.Duration
	logger       *zap.Logger
}

// New creates a Store with a pgx connection pool. fetchTimeout bounds each
// skill fetch; zero means the default.
func New(ctx context.Context, dsn string, fetchTimeout time.Duration, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	logger.Info("PostgreSQL connected")
	return &Store{db: pool, fetchTimeout: fetchTimeout, logger: logger}, nil
}

// Migrate applies the embedded *.up.sql files in name order. The scripts
// are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := fs.ReadFile(migrations, "migrations/"+f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.db.Close()
}

// unavailable classifies a read failure. Caller cancellation is returned
// as the context error; anything else, including the fetch timeout firing,
// is a storage failure.
func unavailable(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%s: %w: %w", op, skill.ErrRepositoryUnavailable, err)
}
