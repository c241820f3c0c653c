package httpx

import (
	"errors"
	"net/http"
	"time"

	"github.com/splax/agent/internal/domain"
	"github.com/splax/agent/internal/service/auth"
)

const deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

type deviceAuthorizationPayload struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

type deviceInfoPayload struct {
	UserCode  string    `json:"user_code"`
	ClientID  string    `json:"client_id"`
	Scope     string    `json:"scope"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toDeviceInfo(code *domain.DeviceCode) deviceInfoPayload {
	return deviceInfoPayload{
		UserCode:  code.UserCode,
		ClientID:  code.ClientID,
		Scope:     code.Scope,
		Status:    code.Status,
		ExpiresAt: code.ExpiresAt.UTC(),
	}
}

// handleDeviceCode implements the device authorization endpoint (RFC 8628 §3.1).
func (r *Router) handleDeviceCode(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	params, err := readDeviceParams(w, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	if params.ClientID == "" {
		r.metrics.recordDeviceStart("invalid_request")
		writeError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}
	code, err := r.auth.StartDeviceAuthorization(req.Context(), params.ClientID, params.Scope)
	switch {
	case errors.Is(err, auth.ErrInvalidClient):
		r.metrics.recordDeviceStart("invalid_client")
		writeError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	case errors.Is(err, auth.ErrDeviceAuthDisabled):
		r.metrics.recordDeviceStart("disabled")
		writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "device authorization is disabled")
		return
	case err != nil:
		r.metrics.recordDeviceStart("error")
		r.logger.Error("start device authorization failed", "error", err, "client_id", params.ClientID)
		writeInternal(w)
		return
	}
	r.metrics.recordDeviceStart("issued")
	writeJSON(w, http.StatusOK, deviceAuthorizationPayload{
		DeviceCode:              code.DeviceCode,
		UserCode:                code.UserCode,
		VerificationURI:         code.VerificationURL,
		VerificationURIComplete: code.VerificationURLComplete(),
		ExpiresIn:               int(code.ExpiresAt.Sub(code.CreatedAt).Seconds()),
		Interval:                code.IntervalSeconds,
	})
}

// handleDeviceToken implements the token endpoint for the device_code grant (RFC 8628 §3.4).
func (r *Router) handleDeviceToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	params, err := readDeviceParams(w, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	if params.GrantType != deviceCodeGrantType {
		r.metrics.recordPoll("unsupported_grant_type")
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be "+deviceCodeGrantType)
		return
	}
	if params.DeviceCode == "" || params.ClientID == "" {
		r.metrics.recordPoll("invalid_request")
		writeError(w, http.StatusBadRequest, "invalid_request", "device_code and client_id are required")
		return
	}
	result, err := r.auth.PollDeviceCode(req.Context(), params.DeviceCode, params.ClientID)
	if err != nil {
		code, ok := auth.OAuthErrorCode(err)
		if !ok {
			r.metrics.recordPoll("error")
			r.logger.Error("device token poll failed", "error", err, "client_id", params.ClientID)
			writeInternal(w)
			return
		}
		r.metrics.recordPoll(code)
		payload := errorPayload{Error: code, ErrorDescription: pollDescription(code)}
		if code == "slow_down" {
			payload.Interval = int(result.Interval.Seconds())
		}
		writeJSON(w, http.StatusBadRequest, payload)
		return
	}
	r.metrics.recordPoll("granted")
	writeJSON(w, http.StatusOK, toTokenPayload(*result.Tokens))
}

func pollDescription(code string) string {
	switch code {
	case "authorization_pending":
		return "the user has not yet approved the request"
	case "slow_down":
		return "polling too frequently"
	case "access_denied":
		return "the user denied the request"
	case "expired_token":
		return "the device code has expired"
	case "invalid_grant":
		return "the device code is invalid or already used"
	default:
		return ""
	}
}

// handleDeviceLookup serves the approval page's view of a pending user code.
func (r *Router) handleDeviceLookup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	userCode := req.URL.Query().Get("user_code")
	if domain.NormalizeUserCode(userCode) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_code is required")
		return
	}
	code, err := r.auth.LookupDevice(req.Context(), userCode)
	if err != nil {
		r.writeDecisionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceInfo(code))
}

func (r *Router) handleDeviceApprove(w http.ResponseWriter, req *http.Request) {
	r.handleDeviceDecision(w, req, domain.DeviceCodeStatusApproved)
}

func (r *Router) handleDeviceDeny(w http.ResponseWriter, req *http.Request) {
	r.handleDeviceDecision(w, req, domain.DeviceCodeStatusDenied)
}

func (r *Router) handleDeviceDecision(w http.ResponseWriter, req *http.Request, decision string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for device decision", "path", req.URL.Path)
		writeInternal(w)
		return
	}
	params, err := readDeviceParams(w, req)
	if err != nil || domain.NormalizeUserCode(params.UserCode) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_code is required")
		return
	}
	var code *domain.DeviceCode
	if decision == domain.DeviceCodeStatusApproved {
		code, err = r.auth.ApproveDevice(req.Context(), params.UserCode, info.UserID)
	} else {
		code, err = r.auth.DenyDevice(req.Context(), params.UserCode, info.UserID)
	}
	if err != nil {
		r.metrics.recordDecision(decision, decisionResult(err))
		r.writeDecisionError(w, err)
		return
	}
	r.metrics.recordDecision(decision, "ok")
	writeJSON(w, http.StatusOK, toDeviceInfo(code))
}

func decisionResult(err error) string {
	switch {
	case errors.Is(err, auth.ErrDeviceCodeNotFound):
		return "not_found"
	case errors.Is(err, auth.ErrDeviceCodeAlreadyDecided):
		return "already_decided"
	case errors.Is(err, auth.ErrDeviceCodeExpired):
		return "expired"
	default:
		return "error"
	}
}

func (r *Router) writeDecisionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrDeviceCodeNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no request matches this code")
	case errors.Is(err, auth.ErrDeviceCodeAlreadyDecided):
		writeError(w, http.StatusConflict, "already_decided", "this request was already approved or denied")
	case errors.Is(err, auth.ErrDeviceCodeExpired):
		writeError(w, http.StatusGone, "expired_token", "this code has expired")
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
	case errors.Is(err, auth.ErrDeviceAuthDisabled):
		writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "device authorization is disabled")
	default:
		r.logger.Error("device decision failed", "error", err)
		writeInternal(w)
	}
}
