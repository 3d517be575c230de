package process

import (
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

// pollInterval paces readiness checks against /json/version.
const pollInterval = 100 * time.Millisecond

// VersionInfo is the payload of the /json/version endpoint.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

var probeClient = &http.Client{Timeout: time.Second}

// waitForEndpoint polls endpoint until it reports a debugger URL. A non-nil
// exited channel aborts the wait with ErrProcessExited once closed.
func waitForEndpoint(ctx context.Context, endpoint string, exited <-chan struct{}) (*VersionInfo, error) {
	limiter := rate.NewLimiter(rate.Every(pollInterval), 1)
	var lastErr error
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: last probe error: %v", ErrStartupTimeout, lastErr)
		}
		select {
		case <-exited:
			return nil, ErrProcessExited
		default:
		}

		info, err := fetchVersion(ctx, endpoint)
		if err == nil && info.WebSocketDebuggerURL != "" {
			return info, nil
		}
		if err == nil {
			err = fmt.Errorf("no webSocketDebuggerUrl in /json/version")
		}
		lastErr = err
	}
}

func fetchVersion(ctx context.Context, endpoint string) (*VersionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/json/version", nil)
	if err != nil {
		return nil, err
	}
	resp, err := probeClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("/json/version returned %s", resp.Status)
	}
	var info VersionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode /json/version: %w", err)
	}
	return &info, nil
}
