package repository

import (
	"context"
	"time"

	"github.com/splax/agent/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// DeviceCodeRepository stores device authorization requests.
//
// DecideDeviceCode and ConsumeDeviceCode are conditional single-row updates:
// they return ErrConflict when the row is no longer in the expected state.
type DeviceCodeRepository interface {
	CreateDeviceCode(ctx context.Context, code *domain.DeviceCode) error
	GetDeviceCode(ctx context.Context, deviceCode string) (*domain.DeviceCode, error)
	GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*domain.DeviceCode, error)
	DecideDeviceCode(ctx context.Context, deviceCode, status, userID string, now time.Time) (*domain.DeviceCode, error)
	ConsumeDeviceCode(ctx context.Context, deviceCode string, now time.Time) (*domain.DeviceCode, error)
	MarkDeviceCodeExpired(ctx context.Context, deviceCode string) error
	TouchDeviceCode(ctx context.Context, deviceCode string, polledAt time.Time) error
	SlowDownDeviceCode(ctx context.Context, deviceCode string, step int, polledAt time.Time) (int, error)
	PurgeDeviceCodes(ctx context.Context, before time.Time) (int64, error)
}
