// Package fitbit fetches body composition entries from the Fitbit Web API.
package fitbit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/service"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

const (
	defaultBaseURL = "https://api.fitbit.com"
	fetchWindow    = 30 * 24 * time.Hour

	rateLimitResetHeader = "fitbit-rate-limit-reset"
)

// fetchFloor bounds the window walk for fresh watermarks. Fitbit predates
// nothing before this.
var fetchFloor = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

var _ service.Source = (*Client)(nil)

// Config holds Fitbit client settings. BaseURL and HTTPClient exist for
// tests and default to the production API.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenDir     string
	BaseURL      string
	HTTPClient   *http.Client
}

// Client reads body log entries through the OAuth2 refresh-token grant.
type Client struct {
	cfg     Config
	baseURL string
	httpc   *http.Client

	mu    sync.Mutex
	state tokenState
}

// New creates a Fitbit source client.
func New(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, baseURL: baseURL, httpc: httpc}
}

// Service identifies this client for rate limiting and logging.
func (c *Client) Service() types.ServiceName { return types.ServiceFitbit }

// Authenticate loads the persisted token pair and refreshes proactively
// when less than a minute of access-token validity remains.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadTokensLocked(); err != nil {
		return &types.AuthError{Service: types.ServiceFitbit, Err: err}
	}
	if time.Until(accessTokenExpiry(c.state.AccessToken)) >= refreshSlack {
		return nil
	}
	return c.refreshLocked(ctx)
}

func (c *Client) accessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.AccessToken
}

// getWithAuth performs an authorized GET, refreshing the token once on 401.
// The caller owns the response body.
func (c *Client) getWithAuth(ctx context.Context, url string) (*http.Response, error) {
	do := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.accessToken())
		return c.httpc.Do(req)
	}

	resp, err := do()
	if err != nil {
		return nil, &types.TransientFetchError{Service: types.ServiceFitbit, Err: err}
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	c.mu.Lock()
	err = c.refreshLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	resp, err = do()
	if err != nil {
		return nil, &types.TransientFetchError{Service: types.ServiceFitbit, Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, &types.AuthError{Service: types.ServiceFitbit,
			Err: fmt.Errorf("still unauthorized after token refresh")}
	}
	return resp, nil
}

type bodyLogEntry struct {
	Date   string  `json:"date"`
	Time   string  `json:"time"`
	LogID  int64   `json:"logId"`
	Weight float64 `json:"weight"`
	BMI    float64 `json:"bmi"`
	Fat    float64 `json:"fat"`
}

// entryTime combines the entry date with its time-of-day. Entries logged
// without a time default to 08:00.
func (e bodyLogEntry) entryTime() (time.Time, error) {
	tod := e.Time
	if tod == "" {
		tod = "08:00:00"
	}
	return time.Parse("2006-01-02 15:04:05", e.Date+" "+tod)
}

// FetchSince walks the body log in 30-day windows from since to now and
// returns the requested metric's measurements, ascending by RecordedAt.
func (c *Client) FetchSince(ctx context.Context, metric types.MetricType, since time.Time) ([]types.Measurement, error) {
	switch metric {
	case types.MetricWeight, types.MetricBMI, types.MetricBodyFat:
	default:
		return nil, &types.PermanentFetchError{Service: types.ServiceFitbit,
			Err: fmt.Errorf("unsupported metric %s", metric)}
	}

	var entries []bodyLogEntry
	now := time.Now().UTC()
	first := since.UTC()
	if first.Before(fetchFloor) {
		first = fetchFloor
	}
	for start := first; start.Before(now); start = start.Add(fetchWindow) {
		end := start.Add(fetchWindow)
		if end.After(now) {
			end = now
		}

		url := fmt.Sprintf("%s/1/user/-/body/log/weight/date/%s/%s.json",
			c.baseURL, start.Format("2006-01-02"), end.Format("2006-01-02"))
		resp, err := c.getWithAuth(ctx, url)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			err := service.FetchError(types.ServiceFitbit, resp, rateLimitResetHeader)
			resp.Body.Close()
			return nil, err
		}

		var page struct {
			Weight []bodyLogEntry `json:"weight"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, &types.TransientFetchError{Service: types.ServiceFitbit,
				Err: fmt.Errorf("decoding body log: %w", err)}
		}
		entries = append(entries, page.Weight...)
	}

	// Adjacent windows share a boundary date, so an entry can arrive twice.
	seen := make(map[int64]struct{}, len(entries))
	var out []types.Measurement
	for _, entry := range entries {
		if _, dup := seen[entry.LogID]; dup {
			continue
		}
		seen[entry.LogID] = struct{}{}

		ts, err := entry.entryTime()
		if err != nil {
			continue
		}
		if !ts.After(since) {
			continue
		}
		if m, ok := entryMeasurement(entry, metric, ts); ok {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

// entryMeasurement picks the requested metric out of one body log entry.
// BMI and body fat are optional per entry; weight is always present.
func entryMeasurement(entry bodyLogEntry, metric types.MetricType, ts time.Time) (types.Measurement, bool) {
	m := types.Measurement{
		Source:         types.SourceFitbit,
		MetricType:     metric,
		RecordedAt:     ts,
		SourceRecordID: strconv.FormatInt(entry.LogID, 10) + "#" + string(metric),
	}
	switch metric {
	case types.MetricWeight:
		m.Value = entry.Weight
		m.Unit = types.UnitKilogram
	case types.MetricBMI:
		if entry.BMI <= 0 {
			return types.Measurement{}, false
		}
		m.Value = entry.BMI
		m.Unit = types.UnitIndex
	case types.MetricBodyFat:
		if entry.Fat <= 0 {
			return types.Measurement{}, false
		}
		m.Value = entry.Fat
		m.Unit = types.UnitPercent
	}
	return m, true
}

// Ping fetches the profile to verify credentials.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.getWithAuth(ctx, c.baseURL+"/1/user/-/profile.json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fitbit profile check: status %d", resp.StatusCode)
	}
	return nil
}
