package migrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const runTimeout = time.Minute

// Runner applies the embedded ledger schema with goose.
type Runner struct {
	pool *pgxpool.Pool
	fsys fs.FS
	log  *slog.Logger
}

// Migration is one schema version as seen by Status.
type Migration struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// New returns a runner reading migrations from dir inside fsys. It shares the
// pool the ledger uses.
func New(pool *pgxpool.Pool, fsys fs.FS, dir string, log *slog.Logger) (Runner, error) {
	if pool == nil {
		return Runner{}, errors.New("nil pool provided")
	}
	if fsys == nil || dir == "" {
		return Runner{}, errors.New("empty migrations source")
	}
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
	}
	if matches, err := fs.Glob(sub, "*.sql"); err != nil || len(matches) == 0 {
		return Runner{}, fmt.Errorf("no migrations found in %s", dir)
	}
	if log == nil {
		log = slog.Default()
	}
	return Runner{pool: pool, fsys: sub, log: log}, nil
}

// Ensure applies pending migrations.
func (r Runner) Ensure(ctx context.Context) error {
	return r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		results, err := p.Up(ctx)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		for _, res := range results {
			r.log.Info("migration applied", "version", res.Source.Version, "file", path.Base(res.Source.Path), "duration_ms", res.Duration.Milliseconds())
		}
		if len(results) == 0 {
			r.log.Debug("schema up to date")
		}
		return nil
	})
}

// Status lists every known migration in version order.
func (r Runner) Status(ctx context.Context) ([]Migration, error) {
	var out []Migration
	err := r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		statuses, err := p.Status(ctx)
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		out = make([]Migration, 0, len(statuses))
		for _, st := range statuses {
			out = append(out, Migration{
				Version:   st.Source.Version,
				Name:      path.Base(st.Source.Path),
				Applied:   st.State == goose.StateApplied,
				AppliedAt: st.AppliedAt,
			})
		}
		return nil
	})
	return out, err
}

// Down rolls back the latest migration, or down to targetVersion when positive.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	return r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		if targetVersion <= 0 {
			res, err := p.Down(ctx)
			if err != nil {
				return fmt.Errorf("rollback latest migration: %w", err)
			}
			r.log.Info("migration rolled back", "version", res.Source.Version)
			return nil
		}
		results, err := p.DownTo(ctx, targetVersion)
		if err != nil {
			return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
		}
		r.log.Info("migrations rolled back", "target", targetVersion, "count", len(results))
		return nil
	})
}

// Ping ensures the database connection is alive.
func (r Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the pool.
func (r Runner) Close() {
	r.pool.Close()
}

func (r Runner) withProvider(ctx context.Context, fn func(context.Context, *goose.Provider) error) error {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	p, err := goose.NewProvider(goose.DialectPostgres, db, r.fsys)
	if err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	return fn(ctx, p)
}
