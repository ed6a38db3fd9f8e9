// Package garmin uploads measurements to Garmin Connect through the same
// endpoints the web client uses, authenticating via the SSO ticket exchange.
package garmin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/service"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

const (
	defaultAPIBaseURL = "https://connectapi.garmin.com"
	defaultSSOBaseURL = "https://sso.garmin.com"

	uploadTimestampLayout = "2006-01-02T15:04:05.00"
	sourceTypeManual      = "MANUAL"
)

var _ service.Sink = (*Client)(nil)

// Config holds Garmin Connect account settings. The base URLs exist for
// tests and default to the production hosts.
type Config struct {
	Email      string
	Password   string
	TokenDir   string
	APIBaseURL string
	SSOBaseURL string
	HTTPClient *http.Client
}

// Client pushes body composition and blood-pressure entries into Garmin.
type Client struct {
	cfg     Config
	baseURL string
	ssoURL  string
	httpc   *http.Client

	mu    sync.Mutex
	state tokenState
}

// New creates a Garmin sink client.
func New(cfg Config) *Client {
	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	ssoURL := cfg.SSOBaseURL
	if ssoURL == "" {
		ssoURL = defaultSSOBaseURL
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{cfg: cfg, baseURL: baseURL, ssoURL: ssoURL, httpc: httpc}
}

// Service identifies this client for rate limiting and logging.
func (c *Client) Service() types.ServiceName { return types.ServiceGarmin }

// Authenticate establishes or renews the Garmin session.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticateLocked(ctx)
}

func (c *Client) accessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.AccessToken
}

// send performs an authorized request, renewing the session once when Garmin
// rejects the token. Network errors come back unwrapped for the caller to
// classify per operation.
func (c *Client) send(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	do := func() (*http.Response, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rd)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+c.accessToken())
		return c.httpc.Do(req)
	}

	resp, err := do()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	c.mu.Lock()
	c.invalidateLocked()
	err = c.authenticateLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	resp, err = do()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, &types.AuthError{Service: types.ServiceGarmin,
			Err: fmt.Errorf("still unauthorized after session renewal")}
	}
	return resp, nil
}

type bodyCompositionPayload struct {
	DateTimestamp string   `json:"dateTimestamp"`
	GMTTimestamp  string   `json:"gmtTimestamp"`
	UnitKey       string   `json:"unitKey"`
	SourceType    string   `json:"sourceType"`
	Value         *float64 `json:"value,omitempty"`
	BMI           *float64 `json:"bmi,omitempty"`
	PercentFat    *float64 `json:"percentFat,omitempty"`
}

type bloodPressurePayload struct {
	MeasurementTimestampLocal string `json:"measurementTimestampLocal"`
	MeasurementTimestampGMT   string `json:"measurementTimestampGMT"`
	Systolic                  *int   `json:"systolic,omitempty"`
	Diastolic                 *int   `json:"diastolic,omitempty"`
	Pulse                     *int   `json:"pulse,omitempty"`
	SourceType                string `json:"sourceType"`
	Notes                     string `json:"notes,omitempty"`
}

// Upload dispatches a measurement to the endpoint for its metric family.
// Metrics recorded at the same instant merge into one dated entry on the
// Garmin side, so each upload carries only its own field.
func (c *Client) Upload(ctx context.Context, m types.Measurement) (types.UploadOutcome, error) {
	switch m.MetricType {
	case types.MetricWeight, types.MetricBMI, types.MetricBodyFat:
		return c.uploadBodyComposition(ctx, m)
	case types.MetricSystolic, types.MetricDiastolic, types.MetricPulse:
		return c.uploadBloodPressure(ctx, m)
	default:
		return "", &types.PermanentUploadError{Service: types.ServiceGarmin,
			Err: fmt.Errorf("unsupported metric %s", m.MetricType)}
	}
}

func (c *Client) uploadBodyComposition(ctx context.Context, m types.Measurement) (types.UploadOutcome, error) {
	ts := m.RecordedAt.UTC().Format(uploadTimestampLayout)
	payload := bodyCompositionPayload{
		DateTimestamp: ts,
		GMTTimestamp:  ts,
		UnitKey:       "kg",
		SourceType:    sourceTypeManual,
	}
	value := m.Value
	switch m.MetricType {
	case types.MetricWeight:
		payload.Value = &value
	case types.MetricBMI:
		payload.BMI = &value
	case types.MetricBodyFat:
		payload.PercentFat = &value
	}

	return c.postUpload(ctx, c.baseURL+"/weight-service/user-weight", payload)
}

func (c *Client) uploadBloodPressure(ctx context.Context, m types.Measurement) (types.UploadOutcome, error) {
	ts := m.RecordedAt.UTC().Format(uploadTimestampLayout)
	payload := bloodPressurePayload{
		MeasurementTimestampLocal: ts,
		MeasurementTimestampGMT:   ts,
		SourceType:                sourceTypeManual,
		Notes:                     m.Note,
	}
	value := int(math.Round(m.Value))
	switch m.MetricType {
	case types.MetricSystolic:
		payload.Systolic = &value
	case types.MetricDiastolic:
		payload.Diastolic = &value
	case types.MetricPulse:
		payload.Pulse = &value
	}

	return c.postUpload(ctx, c.baseURL+"/bloodpressure-service/bloodpressure", payload)
}

func (c *Client) postUpload(ctx context.Context, url string, payload any) (types.UploadOutcome, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &types.PermanentUploadError{Service: types.ServiceGarmin, Err: err}
	}

	resp, err := c.send(ctx, http.MethodPost, url, body)
	if err != nil {
		if isAuthFailure(err) {
			return "", err
		}
		return "", &types.TransientUploadError{Service: types.ServiceGarmin, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return types.UploadDuplicate, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return types.UploadAccepted, nil
	default:
		return "", service.UploadError(types.ServiceGarmin, resp)
	}
}

// ListBloodPressureSince returns the GMT timestamps of blood-pressure
// measurements Garmin already holds from since onward. The blood-pressure
// endpoint accepts repeats silently, so callers trim against this list.
func (c *Client) ListBloodPressureSince(ctx context.Context, since time.Time) ([]time.Time, error) {
	start := since.UTC().Format("2006-01-02")
	end := time.Now().UTC().Format("2006-01-02")
	url := fmt.Sprintf("%s/bloodpressure-service/bloodpressure/range/%s/%s?includeAll=true", c.baseURL, start, end)

	resp, err := c.send(ctx, http.MethodGet, url, nil)
	if err != nil {
		if isAuthFailure(err) {
			return nil, err
		}
		return nil, &types.TransientFetchError{Service: types.ServiceGarmin, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, service.FetchError(types.ServiceGarmin, resp)
	}

	var page struct {
		MeasurementSummaries []struct {
			Measurements []struct {
				MeasurementTimestampGMT string `json:"measurementTimestampGMT"`
			} `json:"measurements"`
		} `json:"measurementSummaries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, &types.TransientFetchError{Service: types.ServiceGarmin,
			Err: fmt.Errorf("decoding blood pressure range: %w", err)}
	}

	var out []time.Time
	for _, summary := range page.MeasurementSummaries {
		for _, m := range summary.Measurements {
			if ts, ok := parseTimestampGMT(m.MeasurementTimestampGMT); ok {
				out = append(out, ts)
			}
		}
	}
	return out, nil
}

// timestampLayouts covers the formats the range endpoint has been seen to
// emit; Go consumes any fractional seconds after the seconds field.
var timestampLayouts = []string{
	"2006-01-02T15:04:05",
	time.RFC3339,
}

func parseTimestampGMT(raw string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func isAuthFailure(err error) bool {
	var authErr *types.AuthError
	return errors.As(err, &authErr)
}

// Ping fetches the social profile to verify the session.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodGet, c.baseURL+"/userprofile-service/socialProfile", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("garmin profile check: status %d", resp.StatusCode)
	}
	return nil
}
