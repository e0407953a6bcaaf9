// Package filevine is a client for the case-management API the mirror reads
// from. Every call goes through Execute, which refreshes credentials once on
// a 401 and backs off on rate limits and server errors.
package filevine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fvsync/fvsync/internal/logging"
	"github.com/fvsync/fvsync/internal/metrics"
	"github.com/fvsync/fvsync/pkg/retry"
)

// Client talks to the remote API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	refresher  Refresher
	policy     retry.Policy
	maxRetries int

	pageLimit       int
	docPageLimit    int
	pageDelay       time.Duration
	metadataTimeout time.Duration
	contentTimeout  time.Duration

	// hmu guards every header set passed through Execute, since a refresh
	// rewrites it in place while other goroutines may be reading it.
	hmu     sync.RWMutex
	headers http.Header
}

// Config holds client configuration.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Headers    http.Header
	Refresher  Refresher
	Policy     retry.Policy
	MaxRetries int

	PageLimit       int
	DocPageLimit    int
	PageDelay       time.Duration
	MetadataTimeout time.Duration
	ContentTimeout  time.Duration
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	if cfg.Policy == (retry.Policy{}) {
		cfg.Policy = retry.DefaultPolicy()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 500
	}
	if cfg.DocPageLimit <= 0 {
		cfg.DocPageLimit = 200
	}
	if cfg.MetadataTimeout <= 0 {
		cfg.MetadataTimeout = 15 * time.Second
	}
	if cfg.ContentTimeout <= 0 {
		cfg.ContentTimeout = 60 * time.Second
	}
	if cfg.Headers == nil {
		cfg.Headers = make(http.Header)
	}

	return &Client{
		baseURL:         cfg.BaseURL,
		httpClient:      cfg.HTTPClient,
		refresher:       cfg.Refresher,
		policy:          cfg.Policy,
		maxRetries:      cfg.MaxRetries,
		pageLimit:       cfg.PageLimit,
		docPageLimit:    cfg.DocPageLimit,
		pageDelay:       cfg.PageDelay,
		metadataTimeout: cfg.MetadataTimeout,
		contentTimeout:  cfg.ContentTimeout,
		headers:         cfg.Headers,
	}
}

// Headers returns the client's shared header set. It is the same map the
// client refreshes in place.
func (c *Client) Headers() http.Header { return c.headers }

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Execute sends a request and applies the retry policy:
//   - 401: refresh credentials once for this call, then retry immediately.
//     If the refresh fails, or a second 401 arrives, the 401 is returned.
//   - 429, 5xx and transport errors: back off and retry up to MaxRetries.
//   - anything else non-2xx: returned immediately.
//
// On refresh, headers is rewritten in place so later calls sharing it pick
// up the new credentials.
func (c *Client) Execute(ctx context.Context, method, url string, headers http.Header, body []byte) (*Response, error) {
	return c.execute(ctx, method, url, headers, body, c.metadataTimeout, c.maxRetries)
}

// execute is Execute with an explicit cap on 429/5xx retries. Callers that
// run their own backoff pass 0 and keep only the 401 refresh.
func (c *Client) execute(ctx context.Context, method, url string, headers http.Header, body []byte, timeout time.Duration, retries int) (*Response, error) {
	log := logging.WithContext(ctx)
	refreshed := false
	attempt := 0

	for {
		resp, err := c.attempt(ctx, method, url, headers, body, timeout)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		code := StatusCode(err)
		switch {
		case code == http.StatusUnauthorized && !refreshed:
			refreshed = true
			if rerr := c.refresh(ctx, headers); rerr != nil {
				log.Error("credential refresh failed", zap.String("url", url), zap.Error(rerr))
				return nil, err
			}
			log.Info("credentials refreshed after 401", zap.String("url", url))
			continue

		case code == http.StatusTooManyRequests || code >= 500 || (code == 0 && errors.Is(err, ErrRemoteUnavailable)):
			if attempt >= retries {
				return nil, err
			}
			wait := c.policy.Delay(attempt)
			metrics.RecordRetry(retryReason(code))
			log.Warn("backing off",
				zap.String("url", url),
				zap.Int("status", code),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait),
			)
			if serr := retry.Sleep(ctx, wait); serr != nil {
				return nil, err
			}
			attempt++
			continue
		}
		return nil, err
	}
}

func retryReason(code int) string {
	switch {
	case code == 0:
		return "network"
	case code == http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "server_error"
	}
}

func (c *Client) refresh(ctx context.Context, headers http.Header) error {
	if c.refresher == nil {
		return ErrNoRefresher
	}
	if headers == nil {
		return errors.New("no header set to refresh")
	}
	fresh, err := c.refresher.Refresh(ctx)
	metrics.RecordCredentialRefresh(err == nil)
	if err != nil {
		return err
	}
	c.hmu.Lock()
	replaceHeaders(headers, fresh)
	c.hmu.Unlock()
	return nil
}

// attempt performs exactly one HTTP round trip and reads the body. Non-2xx
// statuses come back as *RequestError.
func (c *Client) attempt(ctx context.Context, method, url string, headers http.Header, body []byte, timeout time.Duration) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(actx, method, url, rdr)
	if err != nil {
		return nil, &RequestError{Method: method, URL: redact(url), Kind: ErrRequest, Err: err}
	}
	if headers != nil {
		c.hmu.RLock()
		for k, v := range headers {
			req.Header[k] = append([]string(nil), v...)
		}
		c.hmu.RUnlock()
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordRemoteRequest(method, 0)
		return nil, &RequestError{Method: method, URL: redact(url), Kind: ErrRemoteUnavailable, Err: err}
	}
	defer resp.Body.Close()
	metrics.RecordRemoteRequest(method, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Method: method, URL: redact(url), Kind: ErrRemoteUnavailable, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{
			Method:     method,
			URL:        redact(url),
			StatusCode: resp.StatusCode,
			Kind:       kindForStatus(resp.StatusCode),
		}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}
