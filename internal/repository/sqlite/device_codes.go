package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/splax/agent/internal/domain"
	"github.com/splax/agent/internal/repository"
)

const deviceCodeColumns = `device_code, user_code, verification_url, client_id, scope, status, user_id, expires_at, interval_seconds, created_at, decided_at, consumed_at, last_polled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) CreateDeviceCode(ctx context.Context, code *domain.DeviceCode) error {
	if code == nil {
		return repository.ErrInvalidArgument
	}
	userCode := domain.NormalizeUserCode(code.UserCode)
	if userCode == "" || strings.TrimSpace(code.DeviceCode) == "" {
		return repository.ErrInvalidArgument
	}
	status := strings.TrimSpace(code.Status)
	if status == "" {
		status = domain.DeviceCodeStatusPending
	}
	created := code.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	const query = `INSERT INTO device_codes (
		device_code, user_code, verification_url, client_id, scope, status, expires_at, interval_seconds, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		strings.TrimSpace(code.DeviceCode),
		userCode,
		strings.TrimSpace(code.VerificationURL),
		code.ClientID,
		code.Scope,
		status,
		toMillis(code.ExpiresAt),
		code.IntervalSeconds,
		toMillis(created),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrInvalidArgument
		}
		return err
	}
	code.UserCode = userCode
	code.Status = status
	code.CreatedAt = fromMillis(toMillis(created))
	return nil
}

func (s *Store) GetDeviceCode(ctx context.Context, deviceCode string) (*domain.DeviceCode, error) {
	query := `SELECT ` + deviceCodeColumns + ` FROM device_codes WHERE device_code = ?`
	return scanDeviceCode(s.db.QueryRowContext(ctx, query, strings.TrimSpace(deviceCode)))
}

func (s *Store) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*domain.DeviceCode, error) {
	query := `SELECT ` + deviceCodeColumns + ` FROM device_codes WHERE user_code = ? ORDER BY created_at DESC LIMIT 1`
	return scanDeviceCode(s.db.QueryRowContext(ctx, query, domain.NormalizeUserCode(userCode)))
}

// DecideDeviceCode is a single conditional UPDATE; a row that is no longer
// pending (or has expired) matches nothing and yields ErrConflict.
func (s *Store) DecideDeviceCode(ctx context.Context, deviceCode, status, userID string, now time.Time) (*domain.DeviceCode, error) {
	if status != domain.DeviceCodeStatusApproved && status != domain.DeviceCodeStatusDenied {
		return nil, repository.ErrInvalidArgument
	}
	query := `UPDATE device_codes
		SET status = ?, user_id = ?, decided_at = ?
		WHERE device_code = ? AND status = 'pending' AND expires_at > ?
		RETURNING ` + deviceCodeColumns
	ts := toMillis(now)
	code, err := scanDeviceCode(s.db.QueryRowContext(ctx, query, status, strings.TrimSpace(userID), ts, strings.TrimSpace(deviceCode), ts))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, repository.ErrConflict
	}
	return code, err
}

func (s *Store) ConsumeDeviceCode(ctx context.Context, deviceCode string, now time.Time) (*domain.DeviceCode, error) {
	query := `UPDATE device_codes
		SET status = 'consumed', consumed_at = ?
		WHERE device_code = ? AND status = 'approved' AND user_id IS NOT NULL
		RETURNING ` + deviceCodeColumns
	code, err := scanDeviceCode(s.db.QueryRowContext(ctx, query, toMillis(now), strings.TrimSpace(deviceCode)))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, repository.ErrConflict
	}
	return code, err
}

func (s *Store) MarkDeviceCodeExpired(ctx context.Context, deviceCode string) error {
	const query = `UPDATE device_codes SET status = 'expired' WHERE device_code = ? AND status = 'pending'`
	_, err := s.db.ExecContext(ctx, query, strings.TrimSpace(deviceCode))
	return err
}

func (s *Store) TouchDeviceCode(ctx context.Context, deviceCode string, polledAt time.Time) error {
	const query = `UPDATE device_codes SET last_polled_at = ? WHERE device_code = ?`
	_, err := s.db.ExecContext(ctx, query, toMillis(polledAt), strings.TrimSpace(deviceCode))
	return err
}

func (s *Store) SlowDownDeviceCode(ctx context.Context, deviceCode string, step int, polledAt time.Time) (int, error) {
	const query = `UPDATE device_codes
		SET interval_seconds = interval_seconds + ?, last_polled_at = ?
		WHERE device_code = ?
		RETURNING interval_seconds`
	var interval int
	err := s.db.QueryRowContext(ctx, query, step, toMillis(polledAt), strings.TrimSpace(deviceCode)).Scan(&interval)
	if err != nil {
		return 0, mapNotFound(err)
	}
	return interval, nil
}

func (s *Store) PurgeDeviceCodes(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM device_codes
		WHERE expires_at < ? OR (status = 'consumed' AND consumed_at < ?)`
	ts := toMillis(before)
	res, err := s.db.ExecContext(ctx, query, ts, ts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanDeviceCode(row rowScanner) (*domain.DeviceCode, error) {
	var (
		code       domain.DeviceCode
		userID     sql.NullString
		expiresAt  int64
		createdAt  int64
		decidedAt  sql.NullInt64
		consumedAt sql.NullInt64
		polledAt   sql.NullInt64
	)
	if err := row.Scan(
		&code.DeviceCode,
		&code.UserCode,
		&code.VerificationURL,
		&code.ClientID,
		&code.Scope,
		&code.Status,
		&userID,
		&expiresAt,
		&code.IntervalSeconds,
		&createdAt,
		&decidedAt,
		&consumedAt,
		&polledAt,
	); err != nil {
		return nil, mapNotFound(err)
	}
	code.UserID = mapNullStringPtr(userID)
	code.ExpiresAt = fromMillis(expiresAt)
	code.CreatedAt = fromMillis(createdAt)
	code.DecidedAt = mapNullMillis(decidedAt)
	code.ConsumedAt = mapNullMillis(consumedAt)
	code.LastPolledAt = mapNullMillis(polledAt)
	return &code, nil
}
