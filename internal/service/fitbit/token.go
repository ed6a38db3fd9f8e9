package fitbit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/service"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

const (
	tokenFileName = "fitbit_tokens.json"
	refreshSlack  = time.Minute
)

type tokenState struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (c *Client) tokenPath() string {
	return filepath.Join(c.cfg.TokenDir, tokenFileName)
}

func (c *Client) loadTokensLocked() error {
	if c.state.RefreshToken != "" {
		return nil
	}
	data, err := os.ReadFile(c.tokenPath())
	if err != nil {
		return fmt.Errorf("reading token file %s: %w", c.tokenPath(), err)
	}
	var state tokenState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parsing token file %s: %w", c.tokenPath(), err)
	}
	if state.RefreshToken == "" {
		return fmt.Errorf("token file %s has no refresh token", c.tokenPath())
	}
	c.state = state
	return nil
}

func (c *Client) saveTokensLocked() {
	data, err := json.Marshal(c.state)
	if err != nil {
		return
	}
	_ = os.WriteFile(c.tokenPath(), data, 0o600)
}

// accessTokenExpiry reads the exp claim from the access token without
// verifying the signature; Fitbit access tokens are JWTs.
func accessTokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// refreshLocked exchanges the refresh token for a new pair and persists it.
// When the response omits a refresh token the old one is kept.
func (c *Client) refreshLocked(ctx context.Context) error {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {c.state.RefreshToken},
		"client_id":     {c.cfg.ClientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return &types.AuthError{Service: types.ServiceFitbit, Err: err}
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &types.AuthError{Service: types.ServiceFitbit, Err: fmt.Errorf("token refresh: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &types.AuthError{Service: types.ServiceFitbit,
			Err: fmt.Errorf("token refresh: status %d: %s", resp.StatusCode, service.BodySnippet(resp))}
	}

	var refreshed tokenState
	if err := json.NewDecoder(resp.Body).Decode(&refreshed); err != nil {
		return &types.AuthError{Service: types.ServiceFitbit, Err: fmt.Errorf("decoding token response: %w", err)}
	}
	if refreshed.AccessToken == "" {
		return &types.AuthError{Service: types.ServiceFitbit, Err: fmt.Errorf("token refresh returned no access token")}
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = c.state.RefreshToken
	}
	c.state = refreshed
	c.saveTokensLocked()
	return nil
}
