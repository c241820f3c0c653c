package httpx

import (
	"errors"
	"net/http"

	"github.com/splax/agent/internal/domain"
	"github.com/splax/agent/internal/service/auth"
)

type userPayload struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type tokenPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

func toUserPayload(user *domain.User) userPayload {
	return userPayload{ID: user.ID, Email: user.Email, Name: user.Name}
}

func toTokenPayload(tokens auth.TokenPair) tokenPayload {
	return tokenPayload{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    tokens.TokenType,
		ExpiresIn:    int(tokens.ExpiresIn.Seconds()),
		Scope:        tokens.Scope,
	}
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Signup(req.Context(), payload.Email, payload.Name, payload.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case errors.Is(err, auth.ErrEmailTaken):
		writeError(w, http.StatusConflict, "email_taken", "email already registered")
		return
	case err != nil:
		r.logger.Error("signup failed", "error", err)
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":   toUserPayload(user),
		"tokens": toTokenPayload(tokens),
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
			return
		}
		r.logger.Error("login failed", "error", err)
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   toUserPayload(user),
		"tokens": toTokenPayload(tokens),
	})
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for profile", "path", req.URL.Path)
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, userPayload{ID: info.UserID, Email: info.Email, Name: info.Name})
}
