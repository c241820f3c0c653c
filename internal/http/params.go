package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
)

const maxBodyBytes = 64 << 10

// deviceParams are the fields accepted by the device endpoints, sent either
// as application/x-www-form-urlencoded or as JSON.
type deviceParams struct {
	ClientID   string `json:"client_id"`
	Scope      string `json:"scope"`
	GrantType  string `json:"grant_type"`
	DeviceCode string `json:"device_code"`
	UserCode   string `json:"user_code"`
}

func readDeviceParams(w http.ResponseWriter, req *http.Request) (deviceParams, error) {
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	var params deviceParams
	if mediaType == "application/json" {
		if err := json.NewDecoder(req.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
			return deviceParams{}, err
		}
	} else {
		if err := req.ParseForm(); err != nil {
			return deviceParams{}, err
		}
		params = deviceParams{
			ClientID:   req.PostForm.Get("client_id"),
			Scope:      req.PostForm.Get("scope"),
			GrantType:  req.PostForm.Get("grant_type"),
			DeviceCode: req.PostForm.Get("device_code"),
			UserCode:   req.PostForm.Get("user_code"),
		}
	}
	params.ClientID = strings.TrimSpace(params.ClientID)
	params.Scope = strings.TrimSpace(params.Scope)
	params.GrantType = strings.TrimSpace(params.GrantType)
	params.DeviceCode = strings.TrimSpace(params.DeviceCode)
	params.UserCode = strings.TrimSpace(params.UserCode)
	return params, nil
}

func decodeJSON(w http.ResponseWriter, req *http.Request, v any) error {
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	return json.NewDecoder(req.Body).Decode(v)
}
