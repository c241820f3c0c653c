package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const runTimeout = time.Minute

// Runner applies the postgres schema with goose.
type Runner struct {
	db       *sql.DB
	provider *goose.Provider
	log      *slog.Logger
}

// New opens dsn through the pgx stdlib driver and loads migrations from dir.
func New(dsn, dir string, log *slog.Logger) (*Runner, error) {
	if dsn == "" {
		return nil, errors.New("empty database dsn")
	}
	if dir == "" {
		return nil, errors.New("empty migrations directory")
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("locate migrations dir: %w", err)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	runner, err := NewWithFS(db, os.DirFS(dir), log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return runner, nil
}

// NewWithFS builds a runner over an already opened database.
func NewWithFS(db *sql.DB, fsys fs.FS, log *slog.Logger) (*Runner, error) {
	if db == nil {
		return nil, errors.New("nil database provided")
	}
	if log == nil {
		log = slog.Default()
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("configure goose: %w", err)
	}
	return &Runner{db: db, provider: provider, log: log}, nil
}

// Ensure applies pending migrations.
func (r *Runner) Ensure(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	r.log.Info("applying migrations")
	results, err := r.provider.Up(runCtx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, res := range results {
		r.log.Info("migration applied", "version", res.Source.Version, "path", res.Source.Path, "duration_ms", res.Duration.Milliseconds())
	}
	r.log.Info("migrations applied", "count", len(results))
	return nil
}

// Status logs applied and pending migrations.
func (r *Runner) Status(ctx context.Context) error {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	for _, st := range statuses {
		fields := []any{"version", st.Source.Version, "path", st.Source.Path, "state", string(st.State)}
		if !st.AppliedAt.IsZero() {
			fields = append(fields, "applied_at", st.AppliedAt.UTC().Format(time.RFC3339))
		}
		r.log.Info("migration status", fields...)
	}
	return nil
}

// Down rolls back migrations either to the previous version or a specific target version.
func (r *Runner) Down(ctx context.Context, targetVersion int64) error {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	if targetVersion > 0 {
		r.log.Info("rolling back migrations", "target", targetVersion)
		if _, err := r.provider.DownTo(runCtx, targetVersion); err != nil {
			return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
		}
	} else {
		r.log.Info("rolling back latest migration")
		if _, err := r.provider.Down(runCtx); err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
	}
	r.log.Info("rollback complete")
	return nil
}

// Ping ensures the database connection is alive.
func (r *Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the migration connection.
func (r *Runner) Close() error {
	return r.provider.Close()
}
