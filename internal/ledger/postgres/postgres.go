// Package postgres persists the deployment ledger in PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/ledger"
)

// Migrations holds the schema applied by the migrate runner.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations.
const MigrationsDir = "migrations"

// Store implements ledger.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// New constructs a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const selectDeployments = `SELECT id, owner, repo_name, platform, stack, status, outcome, url, port, container_port,
	container_name, image_name, error_message, failed_stage, build_time_ms,
	created_at, updated_at, stopped_at, restarted_at, deleted_at
	FROM deployments ORDER BY created_at ASC, id ASC`

// Load reads every retained record and the last stats snapshot.
func (s *Store) Load(ctx context.Context) ([]domain.Deployment, *domain.Stats, error) {
	rows, err := s.pool.Query(ctx, selectDeployments)
	if err != nil {
		return nil, nil, fmt.Errorf("query deployments: %w", err)
	}
	defer rows.Close()

	var records []domain.Deployment
	for rows.Next() {
		var (
			d               domain.Deployment
			status, outcome string
		)
		if err := rows.Scan(&d.ID, &d.Owner, &d.RepoName, &d.Platform, &d.Stack, &status, &outcome, &d.URL, &d.Port, &d.ContainerPort,
			&d.ContainerName, &d.ImageName, &d.ErrorMessage, &d.FailedStage, &d.BuildTimeMS,
			&d.CreatedAt, &d.UpdatedAt, &d.StoppedAt, &d.RestartedAt, &d.DeletedAt); err != nil {
			return nil, nil, fmt.Errorf("scan deployment: %w", err)
		}
		d.Status = domain.Status(status)
		d.Outcome = domain.Status(outcome)
		records = append(records, d)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var raw []byte
	err = s.pool.QueryRow(ctx, `SELECT snapshot FROM deployment_stats WHERE id = 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return records, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query stats snapshot: %w", err)
	}
	stats, err := decodeSnapshot(raw)
	if err != nil {
		return nil, nil, err
	}
	return records, &stats, nil
}

func encodeSnapshot(stats domain.Stats) ([]byte, error) {
	raw, err := json.Marshal(stats)
	if err != nil {
		return nil, fmt.Errorf("encode stats snapshot: %w", err)
	}
	return raw, nil
}

// decodeSnapshot always returns initialised maps, even for snapshots written
// before a map existed.
func decodeSnapshot(raw []byte) (domain.Stats, error) {
	var stats domain.Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return domain.Stats{}, fmt.Errorf("decode stats snapshot: %w", err)
	}
	return stats.Clone(), nil
}

const upsertDeployment = `INSERT INTO deployments (id, owner, repo_name, platform, stack, status, outcome, url, port, container_port,
	container_name, image_name, error_message, failed_stage, build_time_ms,
	created_at, updated_at, stopped_at, restarted_at, deleted_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	ON CONFLICT (id) DO UPDATE SET
		stack = EXCLUDED.stack,
		status = EXCLUDED.status,
		outcome = EXCLUDED.outcome,
		url = EXCLUDED.url,
		port = EXCLUDED.port,
		container_port = EXCLUDED.container_port,
		container_name = EXCLUDED.container_name,
		image_name = EXCLUDED.image_name,
		error_message = EXCLUDED.error_message,
		failed_stage = EXCLUDED.failed_stage,
		build_time_ms = EXCLUDED.build_time_ms,
		updated_at = EXCLUDED.updated_at,
		stopped_at = EXCLUDED.stopped_at,
		restarted_at = EXCLUDED.restarted_at,
		deleted_at = EXCLUDED.deleted_at`

// Commit applies the mutation in one transaction.
func (s *Store) Commit(ctx context.Context, m ledger.Mutation) error {
	snapshot, err := encodeSnapshot(m.Stats)
	if err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if d := m.Upsert; d != nil {
		if _, err := tx.Exec(ctx, upsertDeployment,
			d.ID, d.Owner, d.RepoName, d.Platform, d.Stack, string(d.Status), string(d.Outcome), d.URL, d.Port, d.ContainerPort,
			d.ContainerName, d.ImageName, d.ErrorMessage, d.FailedStage, d.BuildTimeMS,
			d.CreatedAt, d.UpdatedAt, d.StoppedAt, d.RestartedAt, d.DeletedAt,
		); err != nil {
			return fmt.Errorf("upsert deployment %s: %w", d.ID, err)
		}
	}
	if len(m.Evict) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM deployments WHERE id = ANY($1)`, m.Evict); err != nil {
			return fmt.Errorf("evict deployments: %w", err)
		}
	}
	const statsUpsert = `INSERT INTO deployment_stats (id, snapshot, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at`
	if _, err := tx.Exec(ctx, statsUpsert, snapshot, time.Now().UTC()); err != nil {
		return fmt.Errorf("store stats snapshot: %w", err)
	}
	return tx.Commit(ctx)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
