package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/regsync/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	Retry     resilience.RetryConfig
	// Breakers, when set, trips a per-host circuit after repeated failures.
	Breakers *resilience.Breakers
	// Limiters overrides DefaultLimiters.
	Limiters map[string]*AdaptiveLimiter
}

// AdaptiveLimiter is a per-host rate limiter that speeds up on success (20%
// steps, up to twice the initial rate) and halves on 429 (down to a quarter).
type AdaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	initial rate.Limit
	current rate.Limit
}

// NewAdaptiveLimiter creates an adaptive limiter starting at r.
func NewAdaptiveLimiter(r rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{limiter: rate.NewLimiter(r, burst), initial: r, current: r}
}

// Wait blocks until a request may proceed.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.set(min(a.Limit()*1.2, a.initial*2))
}

// OnRateLimit lowers the rate after a 429.
func (a *AdaptiveLimiter) OnRateLimit() {
	next := max(a.Limit()*0.5, a.initial/4)
	a.set(next)
	zap.L().Warn("fetcher: upstream rate limited, slowing down", zap.Float64("rate", float64(next)))
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *AdaptiveLimiter) set(r rate.Limit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = r
	a.limiter.SetLimit(r)
}

// DefaultLimiters returns limiters for the registries regsync pulls from.
// Government portals throttle aggressively, so they start low.
func DefaultLimiters() map[string]*AdaptiveLimiter {
	return map[string]*AdaptiveLimiter{
		"www.nmpa.gov.cn":  NewAdaptiveLimiter(2, 2),
		"udi.nmpa.gov.cn":  NewAdaptiveLimiter(2, 2),
		"udid.nmpa.gov.cn": NewAdaptiveLimiter(2, 2),
		"code.nhsa.gov.cn": NewAdaptiveLimiter(3, 3),
	}
}

// HTTPFetcher implements Fetcher over net/http with rate limiting, retries and
// per-host circuit breaking.
type HTTPFetcher struct {
	client   *http.Client
	opts     HTTPOptions
	limiters map[string]*AdaptiveLimiter
	fallback *AdaptiveLimiter
}

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "regsync/1.0"
	}
	limiters := opts.Limiters
	if limiters == nil {
		limiters = DefaultLimiters()
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		limiters: limiters,
		fallback: NewAdaptiveLimiter(20, 20),
	}
}

func (f *HTTPFetcher) limiterFor(host string) *AdaptiveLimiter {
	if lim, ok := f.limiters[host]; ok {
		return lim
	}
	return f.fallback
}

// Download fetches rawURL with GET. Non-2xx responses are errors; 408, 429
// and 5xx are retried.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: parse url")
	}

	attempt := func(ctx context.Context) (io.ReadCloser, error) {
		return f.get(ctx, u)
	}
	call := attempt
	if f.opts.Breakers != nil {
		cb := f.opts.Breakers.Get(u.Host)
		call = func(ctx context.Context) (io.ReadCloser, error) {
			return resilience.ExecuteVal(ctx, cb, attempt)
		}
	}

	retry := f.opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(u.Host, "http get")
	}
	body, err := resilience.DoVal(ctx, retry, call)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: download %s", redact(u))
	}
	return body, nil
}

func (f *HTTPFetcher) get(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	lim := f.limiterFor(u.Host)
	if err := lim.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "fetcher: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			lim.OnRateLimit()
		}
		statusErr := eris.Errorf("http %d from %s", resp.StatusCode, u.Host)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}

	lim.OnSuccess()
	return resp.Body, nil
}

// redact drops credentials and query strings from URLs before they reach logs.
func redact(u *url.URL) string {
	c := *u
	c.User = nil
	c.RawQuery = ""
	return c.String()
}
