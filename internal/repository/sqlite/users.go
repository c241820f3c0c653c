package sqlite

import (
	"context"
	"strings"

	"github.com/splax/agent/internal/domain"
	"github.com/splax/agent/internal/repository"
)

func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, name, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		strings.ToLower(strings.TrimSpace(user.Email)),
		user.Name,
		user.PasswordHash,
		toMillis(user.CreatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return repository.ErrInvalidArgument
	}
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, name, password_hash, created_at FROM users WHERE email = ?`
	return s.scanUser(ctx, query, strings.ToLower(strings.TrimSpace(email)))
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, name, password_hash, created_at FROM users WHERE id = ?`
	return s.scanUser(ctx, query, id)
}

func (s *Store) scanUser(ctx context.Context, query string, arg any) (*domain.User, error) {
	var (
		u       domain.User
		created int64
	)
	row := s.db.QueryRowContext(ctx, query, arg)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &created); err != nil {
		return nil, mapNotFound(err)
	}
	u.CreatedAt = fromMillis(created)
	return &u, nil
}

// modernc reports constraint failures as *sqlite.Error; matching on the
// message keeps this file free of the driver's internal result codes.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
