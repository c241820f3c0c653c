package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// DeviceCodeGrantType is the RFC 8628 grant type used when polling.
const DeviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// ErrMissingClientID is returned before any I/O when no client id is configured.
var ErrMissingClientID = errors.New("client: client id is required")

// DeviceAuthorization is the RFC 8628 section 3.2 response.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval,omitempty"`
}

// Token is a successful token endpoint response.
type Token struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// PollKind tags a PollResult.
type PollKind int

const (
	PollGranted PollKind = iota + 1
	PollPending
	PollSlowDown
	PollDenied
	PollExpired
	PollRejected
	PollMalformed
)

func (k PollKind) String() string {
	switch k {
	case PollGranted:
		return "granted"
	case PollPending:
		return "pending"
	case PollSlowDown:
		return "slow_down"
	case PollDenied:
		return "denied"
	case PollExpired:
		return "expired"
	case PollRejected:
		return "rejected"
	case PollMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// PollResult is the outcome of one token poll. Token is set only for
// PollGranted; Code and Description carry the provider error for PollRejected
// and a short reason for PollMalformed.
type PollResult struct {
	Kind        PollKind
	Token       *Token
	Code        string
	Description string
}

// RequestDeviceCode starts a device authorization.
func (c *Client) RequestDeviceCode(ctx context.Context, clientID, scope string) (DeviceAuthorization, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return DeviceAuthorization{}, ErrMissingClientID
	}
	form := url.Values{"client_id": {clientID}}
	if s := strings.TrimSpace(scope); s != "" {
		form.Set("scope", s)
	}
	resp, err := c.postForm(ctx, "/device/code", form)
	if err != nil {
		return DeviceAuthorization{}, err
	}
	if resp.status != http.StatusOK {
		return DeviceAuthorization{}, extractError(resp.status, resp.body)
	}
	var out DeviceAuthorization
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return DeviceAuthorization{}, fmt.Errorf("decode device authorization: %w", err)
	}
	if out.DeviceCode == "" || out.UserCode == "" || out.VerificationURI == "" {
		return DeviceAuthorization{}, fmt.Errorf("decode device authorization: missing required fields")
	}
	return out, nil
}

// PollToken asks the token endpoint whether the device code has been approved.
// Only transport failures are returned as errors (*NetworkError); every
// provider reply, including authorization_pending and slow_down, is a result.
func (c *Client) PollToken(ctx context.Context, deviceCode, clientID string) (PollResult, error) {
	form := url.Values{
		"grant_type":  {DeviceCodeGrantType},
		"device_code": {deviceCode},
		"client_id":   {clientID},
	}
	resp, err := c.postForm(ctx, "/device/token", form)
	if err != nil {
		return PollResult{}, err
	}
	return parsePoll(resp.status, resp.body), nil
}

func parsePoll(status int, body []byte) PollResult {
	if status == http.StatusOK {
		var tok Token
		if err := json.Unmarshal(body, &tok); err != nil {
			return PollResult{Kind: PollMalformed, Description: "undecodable token response"}
		}
		if strings.TrimSpace(tok.AccessToken) == "" {
			return PollResult{Kind: PollMalformed, Description: "token response without access_token"}
		}
		return PollResult{Kind: PollGranted, Token: &tok}
	}
	var payload errorBody
	if err := json.Unmarshal(body, &payload); err != nil || strings.TrimSpace(payload.Error) == "" {
		return PollResult{Kind: PollMalformed, Description: fmt.Sprintf("unexpected %d response", status)}
	}
	code := strings.TrimSpace(payload.Error)
	result := PollResult{Code: code, Description: payload.ErrorDescription}
	switch code {
	case "authorization_pending":
		result.Kind = PollPending
	case "slow_down":
		result.Kind = PollSlowDown
	case "access_denied":
		result.Kind = PollDenied
	case "expired_token":
		result.Kind = PollExpired
	default:
		result.Kind = PollRejected
	}
	return result
}
