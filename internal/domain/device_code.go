package domain

import (
	"strings"
	"time"
)

// DeviceCodeStatus enumerates valid device authorization states.
const (
	DeviceCodeStatusPending  = "pending"
	DeviceCodeStatusApproved = "approved"
	DeviceCodeStatusDenied   = "denied"
	DeviceCodeStatusConsumed = "consumed"
	DeviceCodeStatusExpired  = "expired"
)

// DeviceCode tracks the lifecycle of a device authorization request.
type DeviceCode struct {
	DeviceCode      string
	UserCode        string
	VerificationURL string
	ClientID        string
	Scope           string
	Status          string
	UserID          *string
	ExpiresAt       time.Time
	IntervalSeconds int
	CreatedAt       time.Time
	DecidedAt       *time.Time
	ConsumedAt      *time.Time
	LastPolledAt    *time.Time
}

// Expired reports whether the device code is expired relative to now.
// A code is expired at exactly ExpiresAt.
func (d DeviceCode) Expired(now time.Time) bool {
	if d.ExpiresAt.IsZero() {
		return false
	}
	return !now.UTC().Before(d.ExpiresAt.UTC())
}

// Pending reports whether the code still awaits a decision.
func (d DeviceCode) Pending() bool {
	return d.Status == DeviceCodeStatusPending
}

// Interval returns the poll interval, defaulting to 5s.
func (d DeviceCode) Interval() time.Duration {
	if d.IntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(d.IntervalSeconds) * time.Second
}

// VerificationURLComplete embeds the user code into the verification URL.
func (d DeviceCode) VerificationURLComplete() string {
	if d.VerificationURL == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(d.VerificationURL, "?") {
		sep = "&"
	}
	return d.VerificationURL + sep + "user_code=" + d.UserCode
}

// NormalizeUserCode accepts user input such as "abcd efgh" or "ABCD-EFGH" and
// returns the canonical stored form. Eight character codes are grouped as XXXX-XXXX.
func NormalizeUserCode(input string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(input) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	code := b.String()
	if len(code) >= 8 && len(code)%2 == 0 {
		return code[:len(code)/2] + "-" + code[len(code)/2:]
	}
	return code
}
