package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

// User reflects API user payloads.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// TokenPair includes access and refresh tokens issued to a web session.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// LoginResponse captures the token payload emitted by the API.
type LoginResponse struct {
	User   User      `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

// DeviceInfo describes a pending request shown on the approval page.
type DeviceInfo struct {
	UserCode  string    `json:"user_code"`
	ClientID  string    `json:"client_id"`
	Scope     string    `json:"scope"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Signup registers a web principal.
func (c *Client) Signup(ctx context.Context, email, name, password string) (LoginResponse, error) {
	body := map[string]string{
		"email":    email,
		"name":     name,
		"password": password,
	}
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/signup", body, "", &resp); err != nil {
		return LoginResponse{}, err
	}
	return resp, nil
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResponse, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, "", &resp); err != nil {
		return LoginResponse{}, err
	}
	return resp, nil
}

// FetchUser returns the profile behind accessToken. A 404 yields (nil, nil);
// a 401 yields ErrUnauthorized.
func (c *Client) FetchUser(ctx context.Context, accessToken string) (*User, error) {
	var user User
	err := c.do(ctx, http.MethodGet, "/auth/me", nil, accessToken, &user)
	if err != nil {
		var apiErr APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Status {
			case http.StatusNotFound:
				return nil, nil
			case http.StatusUnauthorized:
				return nil, ErrUnauthorized
			}
		}
		return nil, err
	}
	return &user, nil
}

// LookupDevice fetches the pending request for a user code.
func (c *Client) LookupDevice(ctx context.Context, userCode string) (DeviceInfo, error) {
	var info DeviceInfo
	if err := c.do(ctx, http.MethodGet, "/device?user_code="+url.QueryEscape(userCode), nil, "", &info); err != nil {
		return DeviceInfo{}, err
	}
	return info, nil
}

// ApproveDevice approves a user code on behalf of the bearer of token.
func (c *Client) ApproveDevice(ctx context.Context, token, userCode string) (DeviceInfo, error) {
	return c.decideDevice(ctx, "/device/approve", token, userCode)
}

// DenyDevice denies a user code on behalf of the bearer of token.
func (c *Client) DenyDevice(ctx context.Context, token, userCode string) (DeviceInfo, error) {
	return c.decideDevice(ctx, "/device/deny", token, userCode)
}

func (c *Client) decideDevice(ctx context.Context, path, token, userCode string) (DeviceInfo, error) {
	var info DeviceInfo
	body := map[string]string{"user_code": userCode}
	if err := c.do(ctx, http.MethodPost, path, body, token, &info); err != nil {
		return DeviceInfo{}, err
	}
	return info, nil
}
