package service

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// RetryAfterSeconds reads the first present seconds-valued header.
func RetryAfterSeconds(resp *http.Response, names ...string) time.Duration {
	for _, name := range names {
		if v := resp.Header.Get(name); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return 0
}

// BodySnippet drains up to 512 bytes of the response body for error context.
func BodySnippet(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return strings.TrimSpace(string(b))
}

// FetchError maps a failed fetch response to the error taxonomy. The caller
// handles 401 itself since recovery is provider-specific.
func FetchError(svc types.ServiceName, resp *http.Response, retryAfterHeaders ...string) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		headers := append([]string{"Retry-After"}, retryAfterHeaders...)
		return &types.RateLimitedError{Service: svc, RetryAfter: RetryAfterSeconds(resp, headers...)}
	case resp.StatusCode >= 500:
		return &types.TransientFetchError{Service: svc, Err: fmt.Errorf("status %d: %s", resp.StatusCode, BodySnippet(resp))}
	default:
		return &types.PermanentFetchError{Service: svc, Err: fmt.Errorf("status %d: %s", resp.StatusCode, BodySnippet(resp))}
	}
}

// UploadError maps a failed upload response to the error taxonomy.
func UploadError(svc types.ServiceName, resp *http.Response, retryAfterHeaders ...string) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		headers := append([]string{"Retry-After"}, retryAfterHeaders...)
		return &types.RateLimitedError{Service: svc, RetryAfter: RetryAfterSeconds(resp, headers...)}
	case resp.StatusCode >= 500:
		return &types.TransientUploadError{Service: svc, Err: fmt.Errorf("status %d: %s", resp.StatusCode, BodySnippet(resp))}
	default:
		return &types.PermanentUploadError{Service: svc, Err: fmt.Errorf("status %d: %s", resp.StatusCode, BodySnippet(resp))}
	}
}
