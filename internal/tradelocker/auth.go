package tradelocker

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Authenticate exchanges broker credentials for a token pair.
func (c *Client) Authenticate(ctx context.Context, baseURL, email, password, server string) (*TokenPair, error) {
	body, err := c.do(ctx, http.MethodPost, baseURL+"/auth/jwt/token", "", "", map[string]string{
		"email":    email,
		"password": password,
		"server":   server,
	})
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	pair := parseTokenPair(unwrap(body))
	if pair.AccessToken == "" {
		return nil, fmt.Errorf("authenticate: response missing accessToken: %s", bodyPreview(body))
	}
	return pair, nil
}

// RefreshTokens exchanges a refresh token for a new pair. The caller
// persists the rotated pair; the client holds no token state.
func (c *Client) RefreshTokens(ctx context.Context, baseURL, refreshToken string) (*TokenPair, error) {
	body, err := c.do(ctx, http.MethodPost, baseURL+"/auth/jwt/refresh", "", "", map[string]string{
		"refreshToken": refreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("refresh tokens: %w", err)
	}
	pair := parseTokenPair(unwrap(body))
	if pair.AccessToken == "" {
		return nil, fmt.Errorf("refresh tokens: response missing accessToken: %s", bodyPreview(body))
	}
	return pair, nil
}

// AllAccounts lists the accounts visible to a session. Doubles as a
// lightweight session-validation probe.
func (c *Client) AllAccounts(ctx context.Context, baseURL, accessToken string) ([]Account, error) {
	body, err := c.do(ctx, http.MethodGet, baseURL+"/auth/jwt/all-accounts", accessToken, "", nil)
	if err != nil {
		return nil, fmt.Errorf("all accounts: %w", err)
	}

	payload := unwrap(body)
	list := payload.Get("accounts")
	if !list.Exists() {
		list = payload
	}

	var accounts []Account
	list.ForEach(func(_, item gjson.Result) bool {
		accounts = append(accounts, Account{
			ID:       item.Get("id").String(),
			AccNum:   item.Get("accNum").String(),
			Name:     item.Get("name").String(),
			Currency: item.Get("currency").String(),
		})
		return true
	})
	return accounts, nil
}

// parseTokenPair extracts a token pair from an auth/refresh response,
// tolerating the historical expireDate field names.
func parseTokenPair(payload gjson.Result) *TokenPair {
	pair := &TokenPair{
		AccessToken:  payload.Get("accessToken").String(),
		RefreshToken: payload.Get("refreshToken").String(),
	}
	for _, path := range []string{"expireDate", "accessTokenExpires", "expiresAt"} {
		if v := payload.Get(path); v.Exists() {
			pair.AccessExpiresAt = parseTimestampMs(v)
			break
		}
	}
	for _, path := range []string{"refreshExpireDate", "refreshTokenExpires"} {
		if v := payload.Get(path); v.Exists() {
			pair.RefreshExpiresAt = parseTimestampMs(v)
			break
		}
	}
	return pair
}

// ExtractJWTHost pulls the gateway host from a JWT access token
// payload. Decoding only; the signature is never verified here.
func ExtractJWTHost(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("extract jwt host: token is not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("extract jwt host: decode payload: %w", err)
	}
	host := gjson.GetBytes(payload, "host").String()
	if host == "" {
		return "", fmt.Errorf("extract jwt host: payload has no host claim")
	}
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	return strings.TrimSuffix(host, "/"), nil
}
