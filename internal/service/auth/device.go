package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/splax/agent/internal/domain"
	"github.com/splax/agent/internal/repository"
	jwtpkg "github.com/splax/agent/pkg/jwt"
)

// SlowDownStep is added to a device code's interval whenever a client polls too fast.
const SlowDownStep = 5

var (
	ErrDeviceAuthDisabled       = errors.New("auth: device authorization disabled")
	ErrInvalidClient            = errors.New("auth: invalid client")
	ErrDeviceCodeNotFound       = errors.New("auth: device code not found")
	ErrDeviceCodeAlreadyDecided = errors.New("auth: device code already decided")
	ErrDeviceCodeExpired        = errors.New("auth: device code expired")

	// Token endpoint outcomes. OAuthErrorCode maps them onto RFC 8628 codes.
	ErrAuthorizationPending = errors.New("auth: authorization pending")
	ErrSlowDown             = errors.New("auth: slow down")
	ErrAccessDenied         = errors.New("auth: access denied")
	ErrInvalidGrant         = errors.New("auth: invalid grant")
)

// DevicePollResult captures the outcome of a device poll attempt.
type DevicePollResult struct {
	Status    string
	Tokens    *TokenPair
	ExpiresIn time.Duration
	Interval  time.Duration
}

// DeviceEvent is published to the deciding user's activity feed.
type DeviceEvent struct {
	Type     string    `json:"type"`
	UserCode string    `json:"user_code"`
	ClientID string    `json:"client_id"`
	Status   string    `json:"status"`
	At       time.Time `json:"at"`
}

// OAuthErrorCode returns the token endpoint error code for err.
func OAuthErrorCode(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrAuthorizationPending):
		return "authorization_pending", true
	case errors.Is(err, ErrSlowDown):
		return "slow_down", true
	case errors.Is(err, ErrAccessDenied):
		return "access_denied", true
	case errors.Is(err, ErrDeviceCodeExpired):
		return "expired_token", true
	case errors.Is(err, ErrInvalidGrant):
		return "invalid_grant", true
	case errors.Is(err, ErrInvalidClient):
		return "invalid_client", true
	default:
		return "", false
	}
}

// StartDeviceAuthorization issues a new device authorization challenge for CLI logins.
func (s Service) StartDeviceAuthorization(ctx context.Context, clientID, scope string) (*domain.DeviceCode, error) {
	if s.deviceCodes == nil {
		return nil, ErrDeviceAuthDisabled
	}
	clientID = strings.TrimSpace(clientID)
	if !s.clientAllowed(clientID) {
		return nil, ErrInvalidClient
	}
	ttl := s.cfg.DeviceCodeTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	interval := s.cfg.DeviceCodePollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	codeLen := s.cfg.DeviceCodeUserCodeLength
	if codeLen < 6 {
		codeLen = 8
	}
	if codeLen%2 != 0 {
		codeLen++
	}
	verificationURL := strings.TrimSpace(s.cfg.DeviceVerificationURL)
	if verificationURL == "" {
		verificationURL = "http://localhost:3000/device"
	}
	now := s.clock()
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		deviceToken, err := randomDeviceToken()
		if err != nil {
			return nil, err
		}
		userCode, err := randomUserCode(codeLen)
		if err != nil {
			return nil, err
		}
		record := domain.DeviceCode{
			DeviceCode:      deviceToken,
			UserCode:        userCode,
			VerificationURL: verificationURL,
			ClientID:        clientID,
			Scope:           strings.TrimSpace(scope),
			Status:          domain.DeviceCodeStatusPending,
			ExpiresAt:       now.Add(ttl),
			IntervalSeconds: int(interval / time.Second),
			CreatedAt:       now,
		}
		if record.IntervalSeconds <= 0 {
			record.IntervalSeconds = 5
		}
		if err := s.deviceCodes.CreateDeviceCode(ctx, &record); err != nil {
			if errors.Is(err, repository.ErrInvalidArgument) {
				s.logger.Warn("user code collision, retrying", "attempt", attempt+1)
				lastErr = err
				continue
			}
			return nil, err
		}
		s.logger.Info("device authorization started", "client_id", clientID, "user_code", record.UserCode)
		return &record, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("allocate user code: %w", lastErr)
	}
	return nil, repository.ErrInvalidArgument
}

// LookupDevice returns the pending request behind a user code for the approval page.
func (s Service) LookupDevice(ctx context.Context, userCode string) (*domain.DeviceCode, error) {
	if s.deviceCodes == nil {
		return nil, ErrDeviceAuthDisabled
	}
	code, err := s.findByUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}
	if !code.Pending() {
		if code.Status == domain.DeviceCodeStatusExpired {
			return nil, ErrDeviceCodeExpired
		}
		return nil, ErrDeviceCodeAlreadyDecided
	}
	if code.Expired(s.clock()) {
		s.expire(ctx, code)
		return nil, ErrDeviceCodeExpired
	}
	return code, nil
}

// ApproveDevice binds a pending request to actingUserID and marks it approved.
func (s Service) ApproveDevice(ctx context.Context, userCode, actingUserID string) (*domain.DeviceCode, error) {
	return s.decide(ctx, userCode, actingUserID, domain.DeviceCodeStatusApproved)
}

// DenyDevice marks a pending request denied.
func (s Service) DenyDevice(ctx context.Context, userCode, actingUserID string) (*domain.DeviceCode, error) {
	return s.decide(ctx, userCode, actingUserID, domain.DeviceCodeStatusDenied)
}

func (s Service) decide(ctx context.Context, userCode, actingUserID, status string) (*domain.DeviceCode, error) {
	if s.deviceCodes == nil {
		return nil, ErrDeviceAuthDisabled
	}
	actingUserID = strings.TrimSpace(actingUserID)
	if actingUserID == "" {
		return nil, ErrUnauthenticated
	}
	code, err := s.findByUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}
	if !code.Pending() {
		return nil, ErrDeviceCodeAlreadyDecided
	}
	now := s.clock()
	if code.Expired(now) {
		s.expire(ctx, code)
		return nil, ErrDeviceCodeExpired
	}
	updated, err := s.deviceCodes.DecideDeviceCode(ctx, code.DeviceCode, status, actingUserID, now)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrDeviceCodeAlreadyDecided
		}
		return nil, err
	}
	s.logger.Info("device code "+status, "user_id", actingUserID, "client_id", updated.ClientID, "user_code", updated.UserCode)
	s.publish(actingUserID, "device."+status, updated)
	return updated, nil
}

// PollDeviceCode checks the status of a device authorization and issues tokens when approved.
func (s Service) PollDeviceCode(ctx context.Context, deviceCode, clientID string) (DevicePollResult, error) {
	if s.deviceCodes == nil {
		return DevicePollResult{}, ErrDeviceAuthDisabled
	}
	trimmed := strings.TrimSpace(deviceCode)
	if trimmed == "" {
		return DevicePollResult{}, ErrInvalidGrant
	}
	code, err := s.deviceCodes.GetDeviceCode(ctx, trimmed)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return DevicePollResult{}, ErrInvalidGrant
		}
		return DevicePollResult{}, err
	}
	if code.ClientID != "" && code.ClientID != strings.TrimSpace(clientID) {
		return DevicePollResult{}, ErrInvalidGrant
	}
	now := s.clock()
	remaining := code.ExpiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	result := DevicePollResult{Status: code.Status, ExpiresIn: remaining, Interval: code.Interval()}

	switch code.Status {
	case domain.DeviceCodeStatusConsumed:
		return result, ErrInvalidGrant
	case domain.DeviceCodeStatusDenied:
		return result, ErrAccessDenied
	case domain.DeviceCodeStatusExpired:
		return result, ErrDeviceCodeExpired
	}
	if code.Expired(now) {
		s.expire(ctx, code)
		result.Status = domain.DeviceCodeStatusExpired
		return result, ErrDeviceCodeExpired
	}

	switch code.Status {
	case domain.DeviceCodeStatusPending:
		if code.LastPolledAt != nil && now.Sub(*code.LastPolledAt) < code.Interval() {
			next, err := s.deviceCodes.SlowDownDeviceCode(ctx, trimmed, SlowDownStep, now)
			if err != nil {
				return result, err
			}
			result.Interval = time.Duration(next) * time.Second
			s.logger.Debug("device poll too fast", "client_id", code.ClientID, "interval_seconds", next)
			return result, ErrSlowDown
		}
		if err := s.deviceCodes.TouchDeviceCode(ctx, trimmed, now); err != nil {
			s.logger.Warn("touch device code failed", "error", err)
		}
		return result, ErrAuthorizationPending
	case domain.DeviceCodeStatusApproved:
		consumed, err := s.deviceCodes.ConsumeDeviceCode(ctx, trimmed, now)
		if err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return result, ErrInvalidGrant
			}
			return result, err
		}
		userID := ""
		if consumed.UserID != nil {
			userID = *consumed.UserID
		}
		tokens, err := s.issueTokens(grantFor(userID, consumed))
		if err != nil {
			return result, err
		}
		s.logger.Info("device tokens issued", "user_id", userID, "client_id", consumed.ClientID)
		s.publish(userID, "device.consumed", consumed)
		result.Status = domain.DeviceCodeStatusConsumed
		result.Tokens = &tokens
		return result, nil
	default:
		return result, ErrInvalidGrant
	}
}

// PurgeDeviceCodes removes rows that expired or were consumed before now-retention.
func (s Service) PurgeDeviceCodes(ctx context.Context) (int64, error) {
	if s.deviceCodes == nil {
		return 0, ErrDeviceAuthDisabled
	}
	retention := s.cfg.DeviceCodeRetention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	removed, err := s.deviceCodes.PurgeDeviceCodes(ctx, s.clock().Add(-retention))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("device codes purged", "count", removed)
	}
	return removed, nil
}

func (s Service) findByUserCode(ctx context.Context, userCode string) (*domain.DeviceCode, error) {
	normalized := domain.NormalizeUserCode(userCode)
	if normalized == "" {
		return nil, ErrDeviceCodeNotFound
	}
	code, err := s.deviceCodes.GetDeviceCodeByUserCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeviceCodeNotFound
		}
		return nil, err
	}
	return code, nil
}

func (s Service) expire(ctx context.Context, code *domain.DeviceCode) {
	if err := s.deviceCodes.MarkDeviceCodeExpired(ctx, code.DeviceCode); err != nil {
		s.logger.Warn("mark device code expired failed", "error", err)
	}
}

func (s Service) clientAllowed(clientID string) bool {
	if clientID == "" {
		return false
	}
	if len(s.cfg.AllowedClientIDs) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedClientIDs, clientID)
}

func (s Service) publish(userID, eventType string, code *domain.DeviceCode) {
	if s.notifier == nil || userID == "" {
		return
	}
	payload, err := json.Marshal(DeviceEvent{
		Type:     eventType,
		UserCode: code.UserCode,
		ClientID: code.ClientID,
		Status:   code.Status,
		At:       s.clock(),
	})
	if err != nil {
		s.logger.Warn("encode device event failed", "error", err)
		return
	}
	s.notifier.Broadcast(userID, payload)
}

func grantFor(userID string, code *domain.DeviceCode) jwtpkg.Grant {
	return jwtpkg.Grant{UserID: userID, ClientID: code.ClientID, Scope: code.Scope}
}

func randomDeviceToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// randomUserCode omits 0, O, 1 and I from its alphabet.
func randomUserCode(length int) (string, error) {
	if length <= 0 {
		length = 8
	}
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate user code: %w", err)
	}
	for i := 0; i < length; i++ {
		buf[i] = alphabet[int(buf[i])%len(alphabet)]
	}
	code := string(buf)
	if length >= 8 {
		return fmt.Sprintf("%s-%s", code[:length/2], code[length/2:]), nil
	}
	return code, nil
}
