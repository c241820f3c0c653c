package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/agent/internal/domain"
	"github.com/splax/agent/internal/repository"
)

const (
	deviceCodeColumns = `device_code, user_code, verification_url, client_id, scope, status, user_id, expires_at, interval_seconds, created_at, decided_at, consumed_at, last_polled_at`
	deviceCodeInsert  = `INSERT INTO device_codes (
		device_code,
		user_code,
		verification_url,
		client_id,
		scope,
		status,
		expires_at,
		interval_seconds,
		created_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9
	)`
	deviceCodeSelect       = `SELECT ` + deviceCodeColumns + ` FROM device_codes WHERE device_code = $1`
	deviceCodeSelectByCode = `SELECT ` + deviceCodeColumns + ` FROM device_codes WHERE user_code = $1 ORDER BY created_at DESC LIMIT 1`
)

// CreateDeviceCode persists a new device authorization request.
func (r *Repository) CreateDeviceCode(ctx context.Context, code *domain.DeviceCode) error {
	if code == nil {
		return repository.ErrInvalidArgument
	}
	userCode := domain.NormalizeUserCode(code.UserCode)
	if userCode == "" {
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
	_, err := r.pool.Exec(ctx, deviceCodeInsert,
		strings.TrimSpace(code.DeviceCode),
		userCode,
		strings.TrimSpace(code.VerificationURL),
		code.ClientID,
		code.Scope,
		status,
		code.ExpiresAt.UTC(),
		code.IntervalSeconds,
		created.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrInvalidArgument
		}
		return err
	}
	code.UserCode = userCode
	code.Status = status
	code.CreatedAt = created.UTC()
	return nil
}

// GetDeviceCode fetches a device code by its device identifier.
func (r *Repository) GetDeviceCode(ctx context.Context, deviceCode string) (*domain.DeviceCode, error) {
	row := r.pool.QueryRow(ctx, deviceCodeSelect, strings.TrimSpace(deviceCode))
	return scanDeviceCode(row)
}

// GetDeviceCodeByUserCode fetches the most recent device authorization for a user code.
func (r *Repository) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*domain.DeviceCode, error) {
	row := r.pool.QueryRow(ctx, deviceCodeSelectByCode, domain.NormalizeUserCode(userCode))
	return scanDeviceCode(row)
}

// DecideDeviceCode moves a live pending code to approved or denied and binds the deciding user.
func (r *Repository) DecideDeviceCode(ctx context.Context, deviceCode, status, userID string, now time.Time) (*domain.DeviceCode, error) {
	if status != domain.DeviceCodeStatusApproved && status != domain.DeviceCodeStatusDenied {
		return nil, repository.ErrInvalidArgument
	}
	const query = `UPDATE device_codes
		SET status = $2,
			user_id = $3,
			decided_at = $4
		WHERE device_code = $1
			AND status = 'pending'
			AND expires_at > $4
		RETURNING ` + deviceCodeColumns
	row := r.pool.QueryRow(ctx, query, strings.TrimSpace(deviceCode), status, strings.TrimSpace(userID), now.UTC())
	code, err := scanDeviceCode(row)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, repository.ErrConflict
		}
		return nil, err
	}
	return code, nil
}

// ConsumeDeviceCode transitions an approved code to consumed exactly once.
func (r *Repository) ConsumeDeviceCode(ctx context.Context, deviceCode string, now time.Time) (*domain.DeviceCode, error) {
	const query = `UPDATE device_codes
		SET status = 'consumed',
			consumed_at = $2
		WHERE device_code = $1
			AND status = 'approved'
			AND user_id IS NOT NULL
		RETURNING ` + deviceCodeColumns
	row := r.pool.QueryRow(ctx, query, strings.TrimSpace(deviceCode), now.UTC())
	code, err := scanDeviceCode(row)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, repository.ErrConflict
		}
		return nil, err
	}
	return code, nil
}

// MarkDeviceCodeExpired marks the code as expired if it is still pending.
func (r *Repository) MarkDeviceCodeExpired(ctx context.Context, deviceCode string) error {
	const query = `UPDATE device_codes
		SET status = 'expired'
		WHERE device_code = $1 AND status = 'pending'`
	_, err := r.pool.Exec(ctx, query, strings.TrimSpace(deviceCode))
	return err
}

// TouchDeviceCode updates the last poll timestamp.
func (r *Repository) TouchDeviceCode(ctx context.Context, deviceCode string, ts time.Time) error {
	const query = `UPDATE device_codes SET last_polled_at = $2 WHERE device_code = $1`
	_, err := r.pool.Exec(ctx, query, strings.TrimSpace(deviceCode), ts.UTC())
	return err
}

// SlowDownDeviceCode widens the poll interval by step seconds and returns the new value.
func (r *Repository) SlowDownDeviceCode(ctx context.Context, deviceCode string, step int, ts time.Time) (int, error) {
	const query = `UPDATE device_codes
		SET interval_seconds = interval_seconds + $2,
			last_polled_at = $3
		WHERE device_code = $1
		RETURNING interval_seconds`
	var interval int
	if err := r.pool.QueryRow(ctx, query, strings.TrimSpace(deviceCode), step, ts.UTC()).Scan(&interval); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, err
	}
	return interval, nil
}

// PurgeDeviceCodes deletes codes that expired before the cutoff or were consumed before it.
func (r *Repository) PurgeDeviceCodes(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM device_codes
		WHERE expires_at < $1
			OR (status = 'consumed' AND consumed_at < $1)`
	tag, err := r.pool.Exec(ctx, query, before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanDeviceCode(row pgx.Row) (*domain.DeviceCode, error) {
	var (
		code       domain.DeviceCode
		userID     sql.NullString
		decidedAt  sql.NullTime
		consumedAt sql.NullTime
		polledAt   sql.NullTime
	)
	if err := row.Scan(
		&code.DeviceCode,
		&code.UserCode,
		&code.VerificationURL,
		&code.ClientID,
		&code.Scope,
		&code.Status,
		&userID,
		&code.ExpiresAt,
		&code.IntervalSeconds,
		&code.CreatedAt,
		&decidedAt,
		&consumedAt,
		&polledAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if userID.Valid && strings.TrimSpace(userID.String) != "" {
		val := strings.TrimSpace(userID.String)
		code.UserID = &val
	}
	code.DecidedAt = nullTime(decidedAt)
	code.ConsumedAt = nullTime(consumedAt)
	code.LastPolledAt = nullTime(polledAt)
	code.ExpiresAt = code.ExpiresAt.UTC()
	code.CreatedAt = code.CreatedAt.UTC()
	code.UserCode = strings.TrimSpace(code.UserCode)
	code.Status = strings.TrimSpace(code.Status)
	return &code, nil
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
