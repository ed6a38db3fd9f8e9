package omron

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/service"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

const (
	tokenFileName = "omron_tokens.json"
	refreshSlack  = time.Minute
)

// tokenState persists the session alongside the phone identifier the sync
// endpoint expects. The identifier is minted once per installation.
type tokenState struct {
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	ExpiresAt       time.Time `json:"expires_at"`
	PhoneIdentifier string    `json:"phone_identifier"`
}

func (c *Client) tokenPath() string {
	return filepath.Join(c.cfg.TokenDir, tokenFileName)
}

// loadTokensLocked reads persisted state if present. A missing file is not an
// error: Omron logs in with credentials, tokens are just a shortcut.
func (c *Client) loadTokensLocked() {
	if c.state.PhoneIdentifier != "" {
		return
	}
	if data, err := os.ReadFile(c.tokenPath()); err == nil {
		var state tokenState
		if err := json.Unmarshal(data, &state); err == nil {
			c.state = state
		}
	}
	if c.state.PhoneIdentifier == "" {
		c.state.PhoneIdentifier = uuid.NewString()
	}
}

func (c *Client) saveTokensLocked() {
	data, err := json.Marshal(c.state)
	if err != nil {
		return
	}
	_ = os.WriteFile(c.tokenPath(), data, 0o600)
}

// checksum is required on every request: lowercase hex SHA-256 of the raw
// body, with the empty-string digest on bodyless requests.
func checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

type loginRequest struct {
	EmailAddress string `json:"emailAddress"`
	App          string `json:"app"`
	Country      string `json:"country,omitempty"`
	Password     string `json:"password,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type loginResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresIn    apiNumber `json:"expiresIn"`
	Success      *bool     `json:"success"`
	Message      string    `json:"message"`
	ErrorCode    apiString `json:"errorCode"`
}

// loginLocked posts one login payload and installs the returned session.
func (c *Client) loginLocked(ctx context.Context, payload loginRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+appPath+"/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Checksum", checksum(body))

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login status %d: %s", resp.StatusCode, service.BodySnippet(resp))
	}

	var login loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return fmt.Errorf("decoding login response: %w", err)
	}
	if login.Success != nil && !*login.Success {
		return fmt.Errorf("login rejected: %s (code %s)", login.Message, login.ErrorCode)
	}
	if login.AccessToken == "" {
		return fmt.Errorf("login response carried no access token")
	}

	c.state.AccessToken = login.AccessToken
	c.state.RefreshToken = login.RefreshToken
	c.state.ExpiresAt = time.Now().Add(time.Duration(login.ExpiresIn) * time.Second)
	c.saveTokensLocked()
	return nil
}

// authenticateLocked establishes a session: reuse a live token, refresh an
// expired one, and fall back to a password login when the refresh is rejected.
func (c *Client) authenticateLocked(ctx context.Context) error {
	c.loadTokensLocked()

	if c.state.AccessToken != "" && time.Until(c.state.ExpiresAt) >= refreshSlack {
		return nil
	}

	if c.state.RefreshToken != "" {
		err := c.loginLocked(ctx, loginRequest{
			App:          appName,
			EmailAddress: c.cfg.EmailAddress,
			RefreshToken: c.state.RefreshToken,
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return &types.AuthError{Service: types.ServiceOmron, Err: err}
		}
	}

	err := c.loginLocked(ctx, loginRequest{
		EmailAddress: c.cfg.EmailAddress,
		App:          appName,
		Country:      c.cfg.Country,
		Password:     c.cfg.Password,
	})
	if err != nil {
		return &types.AuthError{Service: types.ServiceOmron, Err: err}
	}
	return nil
}

// invalidateLocked drops the access token so the next authenticate refreshes.
func (c *Client) invalidateLocked() {
	c.state.AccessToken = ""
	c.state.ExpiresAt = time.Time{}
}
