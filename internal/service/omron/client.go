// Package omron fetches blood-pressure readings from the OMRON connect
// cloud API, mimicking the official mobile app's wire behavior.
package omron

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/service"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

const (
	appName    = "OCM"
	appPath    = "/app"
	appVersion = "7.20.0"
	userAgent  = "Foresight/" + appVersion + " (com.omronhealthcare.omronconnect; build:37; iOS 15.8.3) Alamofire/5.9.1"

	serverEU      = "https://oi-api.ohiomron.eu"
	serverDefault = "https://oi-api.ohiomron.com"
)

// europeCountryCodes lists the countries served by the EU cluster. Everything
// else, including North America, goes to the default server.
var europeCountryCodes = map[string]bool{
	"AL": true, "AD": true, "AT": true, "BY": true, "BE": true, "BA": true,
	"BG": true, "HR": true, "CZ": true, "DK": true, "EE": true, "FI": true,
	"FR": true, "DE": true, "GR": true, "HU": true, "IS": true, "IE": true,
	"IT": true, "LV": true, "LI": true, "LT": true, "LU": true, "MT": true,
	"MC": true, "ME": true, "NL": true, "MK": true, "NO": true, "PL": true,
	"PT": true, "RO": true, "RU": true, "SM": true, "RS": true, "SK": true,
	"SI": true, "ES": true, "SE": true, "CH": true, "UA": true, "GB": true,
	"VA": true,
}

// serverForCountry picks the API cluster for an ISO 3166-1 alpha-2 code.
func serverForCountry(country string) string {
	if europeCountryCodes[strings.ToUpper(country)] {
		return serverEU
	}
	return serverDefault
}

var _ service.Source = (*Client)(nil)

// Config holds OMRON connect account settings. UserNumber filters readings
// to one device slot; -1 accepts every slot.
type Config struct {
	EmailAddress string
	Password     string
	Country      string
	UserNumber   int
	TokenDir     string
	BaseURL      string
	HTTPClient   *http.Client
}

// Client reads synced blood-pressure rows through the app's private API.
type Client struct {
	cfg     Config
	baseURL string
	httpc   *http.Client

	mu    sync.Mutex
	state tokenState
}

// New creates an OMRON source client routed by the configured country.
func New(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = serverForCountry(cfg.Country)
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, baseURL: baseURL, httpc: httpc}
}

// Service identifies this client for rate limiting and logging.
func (c *Client) Service() types.ServiceName { return types.ServiceOmron }

// Authenticate establishes or refreshes the API session.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticateLocked(ctx)
}

func (c *Client) sessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.AccessToken
}

func (c *Client) phoneIdentifier() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.PhoneIdentifier
}

// getWithAuth performs an authorized GET, re-establishing the session once
// on 401. The access token rides in Authorization verbatim, no scheme prefix.
func (c *Client) getWithAuth(ctx context.Context, url string) (*http.Response, error) {
	do := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Authorization", c.sessionToken())
		req.Header.Set("Checksum", checksum(nil))
		return c.httpc.Do(req)
	}

	resp, err := do()
	if err != nil {
		return nil, &types.TransientFetchError{Service: types.ServiceOmron, Err: err}
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
		return nil, &types.TransientFetchError{Service: types.ServiceOmron, Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, &types.AuthError{Service: types.ServiceOmron,
			Err: fmt.Errorf("still unauthorized after fresh login")}
	}
	return resp, nil
}

// apiNumber tolerates the sync API quoting numeric fields.
type apiNumber float64

func (n *apiNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("numeric field %q: %w", s, err)
	}
	*n = apiNumber(v)
	return nil
}

// apiString accepts both quoted and bare scalar values.
type apiString string

func (s *apiString) UnmarshalJSON(b []byte) error {
	v := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if v == "null" {
		v = ""
	}
	*s = apiString(v)
	return nil
}

type bpRow struct {
	Systolic        apiNumber  `json:"systolic"`
	SystolicUnit    apiString  `json:"systolicUnit"`
	Diastolic       apiNumber  `json:"diastolic"`
	DiastolicUnit   apiString  `json:"diastolicUnit"`
	Pulse           apiNumber  `json:"pulse"`
	PulseUnit       apiString  `json:"pulseUnit"`
	MeasurementDate apiNumber  `json:"measurementDate"`
	TimeZone        apiNumber  `json:"timeZone"`
	IsManualEntry   apiNumber  `json:"isManualEntry"`
	UserNumber      apiNumber  `json:"userNumberInDevice"`
	IrregularHB     apiNumber  `json:"irregularHB"`
	MovementDetect  apiNumber  `json:"movementDetect"`
	CuffWrapDetect  *apiNumber `json:"cuffWrapDetect"`
	Notes           string     `json:"notes"`
}

type syncResponse struct {
	Success           *bool     `json:"success"`
	Message           string    `json:"message"`
	ErrorCode         apiString `json:"errorCode"`
	NextPaginationKey apiString `json:"nextpaginationKey"`
	LastSyncedTime    apiNumber `json:"lastSyncedTime"`
	Data              []bpRow   `json:"data"`
}

// decorateNote folds the device condition flags into the free-text note.
// cuffWrapDetect reports a correct wrap, so zero means the cuff was wrong.
func decorateNote(row bpRow) string {
	parts := make([]string, 0, 4)
	if row.Notes != "" {
		parts = append(parts, row.Notes)
	}
	if row.MovementDetect != 0 {
		parts = append(parts, "Body Movement detected")
	}
	if row.IrregularHB != 0 {
		parts = append(parts, "Irregular heartbeat detected")
	}
	if row.CuffWrapDetect != nil && *row.CuffWrapDetect == 0 {
		parts = append(parts, "Cuff wrap error")
	}
	return strings.Join(parts, ", ")
}

// FetchSince pages through synced blood-pressure rows and returns the
// requested metric's measurements, ascending by RecordedAt. Manual entries
// and readings from other device user slots are dropped.
func (c *Client) FetchSince(ctx context.Context, metric types.MetricType, since time.Time) ([]types.Measurement, error) {
	switch metric {
	case types.MetricSystolic, types.MetricDiastolic, types.MetricPulse:
	default:
		return nil, &types.PermanentFetchError{Service: types.ServiceOmron,
			Err: fmt.Errorf("unsupported metric %s", metric)}
	}

	if err := c.Authenticate(ctx); err != nil {
		return nil, err
	}

	lastSynced := ""
	if ms := since.UnixMilli(); ms > 0 {
		lastSynced = strconv.FormatInt(ms, 10)
	}

	var rows []bpRow
	key := "0"
	for {
		url := fmt.Sprintf("%s%s/v2/sync/bp?nextpaginationKey=%s&lastSyncedTime=%s&phoneIdentifier=%s",
			c.baseURL, appPath, key, lastSynced, c.phoneIdentifier())
		resp, err := c.getWithAuth(ctx, url)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			err := service.FetchError(types.ServiceOmron, resp)
			resp.Body.Close()
			return nil, err
		}

		var page syncResponse
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, &types.TransientFetchError{Service: types.ServiceOmron,
				Err: fmt.Errorf("decoding sync response: %w", err)}
		}
		if page.Success != nil && !*page.Success {
			return nil, &types.PermanentFetchError{Service: types.ServiceOmron,
				Err: fmt.Errorf("sync rejected: %s (code %s)", page.Message, page.ErrorCode)}
		}
		rows = append(rows, page.Data...)

		next := string(page.NextPaginationKey)
		if next == "" || next == "0" || next == key {
			break
		}
		key = next
	}

	var out []types.Measurement
	for _, row := range rows {
		if row.IsManualEntry != 0 {
			continue
		}
		if c.cfg.UserNumber >= 0 && int(row.UserNumber) != c.cfg.UserNumber {
			continue
		}
		if row.MeasurementDate == 0 {
			continue
		}
		ts := time.UnixMilli(int64(row.MeasurementDate)).UTC()
		if !ts.After(since) {
			continue
		}

		m := types.Measurement{
			Source:     types.SourceOmron,
			MetricType: metric,
			RecordedAt: ts,
			Note:       decorateNote(row),
		}
		switch metric {
		case types.MetricSystolic:
			m.Value = float64(row.Systolic)
			m.Unit = rowUnit(row.SystolicUnit, types.UnitMMHg)
		case types.MetricDiastolic:
			m.Value = float64(row.Diastolic)
			m.Unit = rowUnit(row.DiastolicUnit, types.UnitMMHg)
		case types.MetricPulse:
			m.Value = float64(row.Pulse)
			m.Unit = rowUnit(row.PulseUnit, types.UnitBPM)
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

// rowUnit trusts the device-reported unit, defaulting when it is absent.
func rowUnit(reported apiString, fallback types.Unit) types.Unit {
	if reported == "" {
		return fallback
	}
	return types.Unit(reported)
}

// Ping verifies credentials against the account endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.Authenticate(ctx); err != nil {
		return err
	}
	resp, err := c.getWithAuth(ctx, c.baseURL+appPath+"/user?app="+appName)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("omron account check: status %d", resp.StatusCode)
	}
	return nil
}
