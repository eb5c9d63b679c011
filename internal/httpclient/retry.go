package httpclient

import (
	"context"
	"io"
	"net/http"
	"time"
)

// RetryPolicy controls when GetWithRetry re-issues a request.
type RetryPolicy struct {
	// MaxRetries is the number of re-attempts after the first try.
	MaxRetries int
	// Backoff is the base wait; attempt n waits n*Backoff (linear).
	Backoff time.Duration
}

// DefaultRetryPolicy matches the portal client contract: up to 3 retries on
// 500/502/503/504 with linear backoff.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, Backoff: 100 * time.Millisecond}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// DoWithRetry performs the GET request and retries on 500/502/503/504 per the
// policy. Other statuses and transport errors are returned as-is after the
// first attempt. Caller must close resp.Body when err == nil.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = Default()
	}
	var resp *http.Response
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = client.Do(req)
		if err != nil {
			return nil, err
		}
		if !retryableStatus(resp.StatusCode) || attempt >= policy.MaxRetries {
			return resp, nil
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * policy.Backoff):
		}
		// Request bodies are never used on this path (query-string RPC), so
		// re-issuing the same GET is safe.
		req2, rerr := http.NewRequestWithContext(ctx, http.MethodGet, req.URL.String(), nil)
		if rerr != nil {
			return nil, rerr
		}
		for k, v := range req.Header {
			req2.Header[k] = v
		}
		req = req2
	}
}
