package capabilities

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ShayCichocki/stagehand/internal/executor"
	"github.com/ShayCichocki/stagehand/internal/retry"
	"github.com/ShayCichocki/stagehand/internal/version"
)

// HTTPStatusError reports a non-2xx response. Server errors and 429 are
// retryable; every other status is fatal.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Fatal reports whether retrying the request is pointless.
func (e *HTTPStatusError) Fatal() bool {
	return e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// BodyTooLargeError reports a response body over the configured limit.
// The body is not returned at all, so downstream parsing never sees a
// truncated document.
type BodyTooLargeError struct {
	URL   string
	Limit int64
}

func (e *BodyTooLargeError) Error() string {
	return fmt.Sprintf("GET %s: body exceeds %d bytes", e.URL, e.Limit)
}

// Fatal reports that the same request would exceed the limit again.
func (e *BodyTooLargeError) Fatal() bool { return true }

func httpGet(deps Deps) executor.Handler {
	return func(ctx context.Context, req executor.Request) (any, error) {
		raw := req.String("url", "")
		if raw == "" {
			return nil, &ParamError{Action: "http.get", Param: "url", Reason: "is required"}
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, &ParamError{Action: "http.get", Param: "url", Reason: fmt.Sprintf("%q is not an http(s) URL", raw)}
		}
		headers, err := stringMap("http.get", "headers", req.Parameters["headers"])
		if err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, retry.MarkFatal(fmt.Errorf("build request: %w", err))
		}
		httpReq.Header.Set("User-Agent", version.UserAgent())
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := deps.HTTPClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("GET %s: %w", u.Redacted(), err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, deps.MaxBodyBytes+1))
		if err != nil {
			return nil, fmt.Errorf("read body of %s: %w", u.Redacted(), err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &HTTPStatusError{URL: u.Redacted(), StatusCode: resp.StatusCode}
		}
		if int64(len(body)) > deps.MaxBodyBytes {
			return nil, &BodyTooLargeError{URL: u.Redacted(), Limit: deps.MaxBodyBytes}
		}

		deps.Logger.Debug("http.get finished",
			"task", req.Task,
			"url", u.Redacted(),
			"status", resp.StatusCode,
			"bytes", len(body),
		)
		return map[string]any{
			"status":  resp.StatusCode,
			"headers": flattenHeaders(resp.Header),
			"body":    string(body),
		}, nil
	}
}

// flattenHeaders joins repeated header values with ", ".
func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
