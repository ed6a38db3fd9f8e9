package garmin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/service"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

const (
	tokenFileName = "garmin_tokens.json"
	refreshSlack  = time.Minute

	maxPageBytes = 1 << 20
)

var (
	csrfPattern   = regexp.MustCompile(`name="_csrf"\s+value="([^"]+)"`)
	ticketPattern = regexp.MustCompile(`ticket=([^"&]+)"`)
	titlePattern  = regexp.MustCompile(`<title>([^<]*)</title>`)
)

type tokenState struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (c *Client) tokenPath() string {
	return filepath.Join(c.cfg.TokenDir, tokenFileName)
}

// loadTokensLocked reads the cached session if present. A missing file is
// fine, the SSO login can mint a fresh one from credentials.
func (c *Client) loadTokensLocked() {
	if c.state.AccessToken != "" || c.state.RefreshToken != "" {
		return
	}
	data, err := os.ReadFile(c.tokenPath())
	if err != nil {
		return
	}
	var state tokenState
	if err := json.Unmarshal(data, &state); err == nil {
		c.state = state
	}
}

func (c *Client) saveTokensLocked() {
	data, err := json.Marshal(c.state)
	if err != nil {
		return
	}
	_ = os.WriteFile(c.tokenPath(), data, 0o600)
}

type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (c *Client) installTokensLocked(tok oauthTokenResponse) error {
	if tok.AccessToken == "" {
		return fmt.Errorf("token response carried no access token")
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = c.state.RefreshToken
	}
	c.state = tokenState{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	c.saveTokensLocked()
	return nil
}

// refreshLocked trades the refresh token for a new session.
func (c *Client) refreshLocked(ctx context.Context) error {
	form := url.Values{"refresh_token": {c.state.RefreshToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/oauth-service/oauth/refresh", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("token refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token refresh: status %d: %s", resp.StatusCode, service.BodySnippet(resp))
	}
	var tok oauthTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("decoding refresh response: %w", err)
	}
	return c.installTokensLocked(tok)
}

// ssoLoginLocked runs the Garmin SSO dance: fetch the signin page for its
// csrf token, post the credentials, lift the service ticket out of the
// response, and exchange it for an OAuth session.
func (c *Client) ssoLoginLocked(ctx context.Context) error {
	if c.cfg.Email == "" || c.cfg.Password == "" {
		return fmt.Errorf("no credentials configured")
	}

	query := url.Values{
		"id":          {"gauth-widget"},
		"embedWidget": {"true"},
		"gauthHost":   {c.ssoURL + "/sso/embed"},
		"service":     {c.ssoURL + "/sso/embed"},
	}
	signinURL := c.ssoURL + "/sso/signin?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signinURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("loading signin page: %w", err)
	}
	page, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("reading signin page: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signin page status %d", resp.StatusCode)
	}
	csrf := csrfPattern.FindSubmatch(page)
	if csrf == nil {
		return fmt.Errorf("signin page carried no csrf token")
	}

	form := url.Values{
		"username": {c.cfg.Email},
		"password": {c.cfg.Password},
		"embed":    {"true"},
		"_csrf":    {string(csrf[1])},
	}
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, signinURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", signinURL)

	resp, err = c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("submitting credentials: %w", err)
	}
	page, err = io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("reading login response: %w", err)
	}

	if title := titlePattern.FindSubmatch(page); title != nil && strings.Contains(string(title[1]), "MFA") {
		return fmt.Errorf("account requires multi-factor authentication")
	}
	ticket := ticketPattern.FindSubmatch(page)
	if ticket == nil {
		return fmt.Errorf("login response carried no service ticket (status %d)", resp.StatusCode)
	}
	return c.exchangeLocked(ctx, string(ticket[1]))
}

// exchangeLocked converts an SSO service ticket into OAuth tokens.
func (c *Client) exchangeLocked(ctx context.Context, ticket string) error {
	form := url.Values{"ticket": {ticket}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/oauth-service/oauth/exchange", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("ticket exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ticket exchange: status %d: %s", resp.StatusCode, service.BodySnippet(resp))
	}
	var tok oauthTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("decoding exchange response: %w", err)
	}
	return c.installTokensLocked(tok)
}

// authenticateLocked reuses a live session, refreshes an expired one, and
// falls back to the full SSO login when the refresh is rejected.
func (c *Client) authenticateLocked(ctx context.Context) error {
	c.loadTokensLocked()

	if c.state.AccessToken != "" && time.Until(c.state.ExpiresAt) >= refreshSlack {
		return nil
	}

	if c.state.RefreshToken != "" {
		err := c.refreshLocked(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return &types.AuthError{Service: types.ServiceGarmin, Err: err}
		}
	}

	if err := c.ssoLoginLocked(ctx); err != nil {
		return &types.AuthError{Service: types.ServiceGarmin, Err: err}
	}
	return nil
}

// invalidateLocked drops the access token so the next authenticate renews it.
func (c *Client) invalidateLocked() {
	c.state.AccessToken = ""
	c.state.ExpiresAt = time.Time{}
}
