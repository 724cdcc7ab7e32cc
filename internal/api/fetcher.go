package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Rate limit headers sent by the GitHub REST API
const (
	headerRetryAfter         = "Retry-After"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
)

const (
	// initialBackoff is the first wait applied to a throttled response that
	// carries neither Retry-After nor an exhausted quota
	initialBackoff = 60 * time.Second
	// maxBackoff is exclusive: a backoff that would reach it is not slept
	maxBackoff = time.Hour
)

// ErrBodyNotReplayable is returned for requests whose body cannot be resent
var ErrBodyNotReplayable = errors.New("request body cannot be replayed")

// StatusError is returned for a non-successful HTTP status
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// HeaderError is returned when a throttled response carries rate limit
// headers that are missing or cannot be parsed
type HeaderError struct {
	Header string
	Value  string
	Reason string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("invalid %s header %q: %s", e.Header, e.Value, e.Reason)
}

// Clock abstracts the passage of time for the retry policy
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// HTTPClient is the subset of *http.Client used by the fetcher
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response is a successful HTTP response with its body already read
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher issues HTTP requests one at a time and retries throttled responses
type Fetcher struct {
	client HTTPClient
	clock  Clock
	logger *log.Logger
}

// FetcherOption configures a Fetcher
type FetcherOption func(*Fetcher)

// WithClock replaces the wall clock used for backoff sleeps
func WithClock(clock Clock) FetcherOption {
	return func(f *Fetcher) {
		f.clock = clock
	}
}

// WithLogger sets the logger used to report throttling
func WithLogger(logger *log.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// NewFetcher creates a new fetcher on top of the given HTTP client
func NewFetcher(client HTTPClient, opts ...FetcherOption) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	f := &Fetcher{
		client: client,
		clock:  realClock{},
		logger: log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Get fetches a URL with a GET request
func (f *Fetcher) Get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	return f.Do(ctx, req)
}

// Do sends the request and returns its successful response.
//
// Throttled responses (403 and 429) are retried: after the Retry-After delay
// if present, else after the quota reset time if the quota is exhausted,
// else with exponential backoff from one minute, giving up before a wait of
// one hour. Any other error status fails immediately.
func (f *Fetcher) Do(ctx context.Context, req *http.Request) (*Response, error) {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, ErrBodyNotReplayable)
	}

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		resp, err := f.send(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		statusErr := &StatusError{
			Method:     req.Method,
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Body:       string(resp.Body),
		}
		if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
			return nil, statusErr
		}

		wait, err := f.throttleWait(resp.Header)
		if err != nil {
			return nil, fmt.Errorf("%w (after %w)", err, statusErr)
		}
		if wait < 0 {
			if backoff >= maxBackoff {
				return nil, statusErr
			}
			wait = backoff
			backoff *= 2
		}

		f.logger.Warn("Request throttled, waiting before retry",
			"url", req.URL.String(), "status", resp.StatusCode, "wait", wait, "attempt", attempt)
		if err := f.clock.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// throttleWait returns how long the rate limit headers ask us to wait, or a
// negative duration if they ask nothing and the backoff applies
func (f *Fetcher) throttleWait(header http.Header) (time.Duration, error) {
	if value := header.Get(headerRetryAfter); value != "" {
		seconds, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || seconds < 0 {
			return 0, &HeaderError{Header: headerRetryAfter, Value: value, Reason: "expected a number of seconds"}
		}
		return time.Duration(seconds) * time.Second, nil
	}

	remaining := header.Get(headerRateLimitRemaining)
	if remaining == "" {
		return -1, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(remaining))
	if err != nil {
		return 0, &HeaderError{Header: headerRateLimitRemaining, Value: remaining, Reason: "expected an integer"}
	}
	if n > 0 {
		return -1, nil
	}

	reset := header.Get(headerRateLimitReset)
	if reset == "" {
		return 0, &HeaderError{Header: headerRateLimitReset, Reason: "missing while quota is exhausted"}
	}
	epoch, err := strconv.ParseInt(strings.TrimSpace(reset), 10, 64)
	if err != nil {
		return 0, &HeaderError{Header: headerRateLimitReset, Value: reset, Reason: "expected a unix timestamp"}
	}
	wait := time.Unix(epoch, 0).Sub(f.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return wait, nil
}

// send performs a single attempt and reads the whole body
func (f *Fetcher) send(ctx context.Context, req *http.Request) (*Response, error) {
	attempt := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		attempt.Body = body
	}

	resp, err := f.client.Do(attempt)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from %s: %w", req.URL, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
