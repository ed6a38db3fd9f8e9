package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// Webhook HTTP delivery defaults.
const (
	webhookTimeout = 10 * time.Second

	// SignatureHeader carries the HMAC-SHA256 of the request body when the
	// webhook is configured with a secret.
	SignatureHeader = "X-M2G-Signature"
)

// Webhook posts finished runs as JSON to a URL.
type Webhook struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhook creates a webhook notifier. An empty secret disables signing.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

// Name returns the notifier identifier.
func (w *Webhook) Name() string { return "webhook" }

// Notify posts the run result, signing the body when a secret is set.
func (w *Webhook) Notify(ctx context.Context, result types.RunResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.secret, data))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the signature value for body under secret: "sha256=" plus
// the hex HMAC-SHA256 digest.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
