// Package store is the Postgres persistence layer. It implements the
// collaborator interfaces the core consumes: orchestrator.TaskStore,
// notify.Storage, notify.ChannelResolver and the Slack token source.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool

	// claimLease is how long a claimed notification row stays invisible to
	// other dispatchers before it becomes due again.
	claimLease time.Duration
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	// sensible defaults
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{db: pool, claimLease: 2 * time.Minute}, nil
}

func (s *Store) SetClaimLease(d time.Duration) {
	if d > 0 {
		s.claimLease = d
	}
}

func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}
