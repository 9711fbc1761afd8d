// Package fetcher downloads the spreadsheet CSV export over HTTP.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/JonMunkholm/healthdata/internal/config"
	"github.com/JonMunkholm/healthdata/internal/logging"
	"github.com/JonMunkholm/healthdata/internal/metrics"
)

// maxBody caps the export size read into memory.
const maxBody = 32 << 20

var sheetIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var (
	// ErrInvalidSheetID is wrapped by FetchError for identifiers that cannot form a URL.
	ErrInvalidSheetID = errors.New("invalid sheet id")
	// ErrBodyTooLarge is wrapped by FetchError when the export exceeds the size cap.
	ErrBodyTooLarge = errors.New("export exceeds size limit")
)

// FetchError reports a failed export after the retry budget, or a
// non-transient failure that was not retried.
type FetchError struct {
	SheetID    string
	StatusCode int
	Attempts   int
	Transient  bool
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch sheet %s: HTTP %d after %d attempt(s): %v", e.SheetID, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch sheet %s after %d attempt(s): %v", e.SheetID, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// statusError carries a non-200 response through the retry loop.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return http.StatusText(e.code)
	}
	return fmt.Sprintf("%s: %s", http.StatusText(e.code), e.body)
}

// Client fetches CSV exports with exponential backoff on transient failures.
type Client struct {
	http           *http.Client
	baseURL        string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxBody        int64
	metrics        *metrics.Metrics
}

// New creates a Client from the fetch settings. m may be nil.
func New(cfg config.FetchConfig, m *metrics.Metrics) *Client {
	return &Client{
		http:           &http.Client{Timeout: cfg.Timeout},
		baseURL:        cfg.BaseURL,
		maxAttempts:    cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		maxBody:        maxBody,
		metrics:        m,
	}
}

// SheetURL returns the CSV export URL for sheetID.
func (c *Client) SheetURL(sheetID string) string {
	return fmt.Sprintf("%s/spreadsheets/d/%s/export?format=csv", c.baseURL, url.PathEscape(sheetID))
}

// Fetch returns the CSV export of sheetID as text.
// Transport errors, timeouts, 5xx and 429 are retried; other statuses and
// malformed identifiers fail immediately.
func (c *Client) Fetch(ctx context.Context, sheetID string) (string, error) {
	if !sheetIDPattern.MatchString(sheetID) {
		return "", &FetchError{SheetID: sheetID, Err: fmt.Errorf("%w: %q", ErrInvalidSheetID, sheetID)}
	}

	log := logging.FromContext(ctx)
	target := c.SheetURL(sheetID)

	var (
		body     string
		attempts int
		lastCode int
	)

	operation := func() error {
		attempts++
		lastCode = 0
		text, err := c.get(ctx, target)
		if err == nil {
			lastCode = http.StatusOK
			body = text
			c.metrics.FetchAttempt("ok")
			return nil
		}

		var se *statusError
		if errors.As(err, &se) {
			lastCode = se.code
			if !retryableStatus(se.code) {
				c.metrics.FetchAttempt("fail")
				return backoff.Permanent(err)
			}
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			c.metrics.FetchAttempt("fail")
			return err
		}
		if ctx.Err() != nil {
			c.metrics.FetchAttempt("fail")
			return backoff.Permanent(err)
		}

		c.metrics.FetchAttempt("retry")
		log.Warn("sheet fetch attempt failed", "sheet_id", sheetID, "attempt", attempts, "error", err)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = c.maxBackoff
	b.MaxElapsedTime = 0 // bounded by attempts instead
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.5

	var policy backoff.BackOff = backoff.WithContext(b, ctx)
	if c.maxAttempts > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(c.maxAttempts-1))
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return "", &FetchError{
			SheetID:    sheetID,
			StatusCode: statusOf(lastCode),
			Attempts:   attempts,
			Transient:  transient(err),
			Err:        err,
		}
	}

	log.Debug("sheet fetched", "sheet_id", sheetID, "attempts", attempts, "bytes", len(body))
	return body, nil
}

func (c *Client) get(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "text/csv")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", &statusError{code: resp.StatusCode, body: string(snippet)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > c.maxBody {
		return "", backoff.Permanent(fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, c.maxBody))
	}
	return string(data), nil
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func transient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return retryableStatus(se.code)
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, ErrBodyTooLarge)
}

func statusOf(code int) int {
	if code == http.StatusOK {
		return 0
	}
	return code
}
