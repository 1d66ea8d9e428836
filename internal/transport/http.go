package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/roach88/chatsync/internal/engine"
	"github.com/roach88/chatsync/internal/update"
)

// HTTPError is a non-2xx answer from the recovery API.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// HTTPQuerier implements engine.Querier against the recovery API.
type HTTPQuerier struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// HTTPOption configures an HTTPQuerier.
type HTTPOption func(*HTTPQuerier)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(q *HTTPQuerier) { q.httpClient = c }
}

// WithRetries bounds transport-level retries of 429 and 5xx answers.
// Engine-level recovery backoff still applies on top.
func WithRetries(maxRetries int, baseDelay, maxDelay time.Duration) HTTPOption {
	return func(q *HTTPQuerier) {
		q.maxRetries = maxRetries
		q.baseDelay = baseDelay
		q.maxDelay = maxDelay
	}
}

// NewHTTPQuerier creates a querier for baseURL.
func NewHTTPQuerier(baseURL, token string, opts ...HTTPOption) *HTTPQuerier {
	q := &HTTPQuerier{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

type differenceResponse struct {
	Updates      []update.Update `json:"updates"`
	NewSeq       int64           `json:"new_seq"`
	Final        bool            `json:"final"`
	TooLong      bool            `json:"too_long"`
	RetryAfterMS int64           `json:"retry_after_ms"`
}

// Difference implements engine.Querier.
func (q *HTTPQuerier) Difference(ctx context.Context, req update.DifferenceRequest) (update.DifferenceResult, error) {
	v := url.Values{}
	v.Set("from_seq", strconv.FormatInt(req.FromSeq, 10))
	if req.Limit > 0 {
		v.Set("limit", strconv.Itoa(req.Limit))
	}
	var out differenceResponse
	hdr, err := q.doJSON(ctx, "/v1/scopes/"+url.PathEscape(string(req.Scope))+"/difference?"+v.Encode(), &out)
	if err != nil {
		return update.DifferenceResult{}, err
	}
	res := update.DifferenceResult{
		Updates:    out.Updates,
		NewSeq:     out.NewSeq,
		Final:      out.Final,
		TooLong:    out.TooLong,
		RetryAfter: time.Duration(out.RetryAfterMS) * time.Millisecond,
	}
	if res.RetryAfter == 0 && !res.Final {
		res.RetryAfter = parseRetryAfter(hdr.Get("Retry-After"))
	}
	return res, nil
}

// Window implements engine.Querier.
func (q *HTTPQuerier) Window(ctx context.Context, req update.WindowRequest) (update.WindowResult, error) {
	v := url.Values{}
	if req.Limit > 0 {
		v.Set("limit", strconv.Itoa(req.Limit))
	}
	var out update.WindowResult
	_, err := q.doJSON(ctx, "/v1/scopes/"+url.PathEscape(string(req.Scope))+"/window?"+v.Encode(), &out)
	return out, err
}

// History implements engine.Querier.
func (q *HTTPQuerier) History(ctx context.Context, req update.HistoryRequest) (update.HistoryResult, error) {
	v := url.Values{}
	v.Set("anchor", strconv.FormatInt(int64(req.AnchorID), 10))
	if req.Limit > 0 {
		v.Set("limit", strconv.Itoa(req.Limit))
	}
	v.Set("direction", req.Direction.String())
	var out update.HistoryResult
	_, err := q.doJSON(ctx, "/v1/conversations/"+url.PathEscape(req.ConversationID)+"/history?"+v.Encode(), &out)
	return out, err
}

// doJSON issues a GET and decodes a 2xx body into out. 429 and 5xx are
// retried up to maxRetries honoring Retry-After. 403 wraps
// engine.ErrAccessDenied.
func (q *HTTPQuerier) doJSON(ctx context.Context, requestPath string, out any) (http.Header, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.baseURL+requestPath, nil)
		if err != nil {
			return nil, err
		}
		if q.token != "" {
			req.Header.Set("Authorization", "Bearer "+q.token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", ulid.Make().String())

		resp, err := q.httpClient.Do(req)
		if err != nil {
			if attempt < q.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, q.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(payload)) == 0 {
				return resp.Header, nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return nil, fmt.Errorf("decode %s: %w", requestPath, err)
			}
			return resp.Header, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < q.maxRetries {
			if waitErr := waitWithContext(ctx, q.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
		if httpErr.Message == "" {
			httpErr.Message = http.StatusText(resp.StatusCode)
		}
		if resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: %w", engine.ErrAccessDenied, httpErr)
		}
		return nil, httpErr
	}
}

func (q *HTTPQuerier) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := q.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := q.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsHTTPStatus reports whether err is an HTTPError with the given status.
func IsHTTPStatus(err error, status int) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == status
}
