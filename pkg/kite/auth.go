package kite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Authenticator decorates outgoing requests with credentials.
type Authenticator interface {
	AddAuthHeaders(req *http.Request) error
}

// TokenAuthenticator sends the api key and the daily access token.
type TokenAuthenticator struct {
	apiKey      string
	accessToken string
}

func NewTokenAuthenticator(apiKey, accessToken string) *TokenAuthenticator {
	return &TokenAuthenticator{apiKey: apiKey, accessToken: accessToken}
}

func (t *TokenAuthenticator) AddAuthHeaders(req *http.Request) error {
	if t.apiKey == "" || t.accessToken == "" {
		return fmt.Errorf("kite: api key and access token are required")
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", "token "+t.apiKey+":"+t.accessToken)
	return nil
}

// Checksum is the session checksum: sha256 of api_key + request_token + api_secret.
func Checksum(apiKey, requestToken, apiSecret string) string {
	sum := sha256.Sum256([]byte(apiKey + requestToken + apiSecret))
	return hex.EncodeToString(sum[:])
}

type Session struct {
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	AccessToken string `json:"access_token"`
	LoginTime   string `json:"login_time"`
}

// ExchangeRequestToken trades the request token from the login redirect for an
// access token.
func ExchangeRequestToken(ctx context.Context, httpClient *http.Client, baseURL, apiKey, apiSecret, requestToken string) (*Session, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	form := url.Values{
		"api_key":       {apiKey},
		"request_token": {requestToken},
		"checksum":      {Checksum(apiKey, requestToken, apiSecret)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/session/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session exchange failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode session response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || env.Status != "success" {
		return nil, classify(resp.StatusCode, env.Message)
	}

	var session Session
	if err := json.Unmarshal(env.Data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

// LoginURL is where the user signs in to obtain a request token.
func LoginURL(apiKey string) string {
	return "https://kite.zerodha.com/connect/login?v=3&api_key=" + url.QueryEscape(apiKey)
}
