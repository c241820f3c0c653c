package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/agent/internal/domain"
	"github.com/splax/agent/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository       = (*Repository)(nil)
	_ repository.DeviceCodeRepository = (*Repository)(nil)
)

// Ping reports whether the pool can reach the database.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, name, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, user.ID, strings.ToLower(strings.TrimSpace(user.Email)), user.Name, user.PasswordHash, user.CreatedAt)
	if isUniqueViolation(err) {
		return repository.ErrInvalidArgument
	}
	return err
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, name, password_hash, created_at FROM users WHERE email = $1`
	return scanUser(r.pool.QueryRow(ctx, query, strings.ToLower(strings.TrimSpace(email))))
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, name, password_hash, created_at FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
