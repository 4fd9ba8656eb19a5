// Package assetsync talks to the external asset-graph service that mirrors
// regions, installations and devices.
//
// Sync is fire-and-forget from the point of view of the core: its outcome
// is reported as metadata and never rolls back or blocks a committed write.
package assetsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/jacentio/fieldops/fault"
)

// Status summarizes a sync attempt.
type Status string

// Sync statuses.
const (
	StatusSynced  Status = "synced"
	StatusPartial Status = "partial"
	StatusError   Status = "error"
)

// Request names the resources to sync.
type Request struct {
	RegionIDs       []string `json:"regionIds,omitempty"`
	InstallationIDs []string `json:"installationIds,omitempty"`
	DeviceIDs       []string `json:"deviceIds,omitempty"`
}

// Empty reports whether the request names nothing.
func (r Request) Empty() bool {
	return len(r.RegionIDs) == 0 && len(r.InstallationIDs) == 0 && len(r.DeviceIDs) == 0
}

// Size is the number of resources named.
func (r Request) Size() int {
	return len(r.RegionIDs) + len(r.InstallationIDs) + len(r.DeviceIDs)
}

// ResourceError is the failure of one sub-resource.
type ResourceError struct {
	Kind    string `json:"kind"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// Result is the outcome of a sync.
type Result struct {
	Status Status          `json:"status"`
	Synced int             `json:"synced"`
	Errors []ResourceError `json:"errors,omitempty"`
}

// Failed converts a transport-level error into a Result.
func Failed(err error) *Result {
	return &Result{Status: StatusError, Errors: []ResourceError{{Kind: "request", Message: err.Error()}}}
}

// Syncer pushes resources to the asset graph.
type Syncer interface {
	Sync(ctx context.Context, req Request) (*Result, error)
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string

	// Timeout bounds a single HTTP call.
	// Default: 10s
	Timeout time.Duration

	// RatePerSec and Burst throttle outbound calls.
	// Default: 5 per second, burst 5
	RatePerSec float64
	Burst      int

	// RetryCount is the number of retries on transport errors and 5xx.
	// Default: 2 (negative disables retries)
	RetryCount int

	// RetryWait is the initial backoff between retries.
	// Default: 200ms
	RetryWait time.Duration
}

func (c *Config) validate() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.Burst < 1 {
		c.Burst = int(max(1, c.RatePerSec))
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	} else if c.RetryCount == 0 {
		c.RetryCount = 2
	}
	if c.RetryWait <= 0 {
		c.RetryWait = 200 * time.Millisecond
	}
}

const (
	tokenPath = "/auth/token"
	syncPath  = "/sync"
	tokenKey  = "access_token"

	// tokenSkew expires cached tokens before the server does.
	tokenSkew = 30 * time.Second
)

// Client is the HTTP Syncer. The access token is cached on the client and
// refreshed when it expires or the server rejects it.
type Client struct {
	http    *resty.Client
	cfg     Config
	tokens  *cache.Cache
	mu      sync.Mutex
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ Syncer = (*Client)(nil)

// NewClient creates a Client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	cfg.validate()
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(4*cfg.RetryWait).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= http.StatusInternalServerError || r.StatusCode() == http.StatusTooManyRequests
		})

	return &Client{
		http:    httpClient,
		cfg:     cfg,
		tokens:  cache.New(cache.NoExpiration, 10*time.Minute),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		logger:  logger,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Sync implements Syncer. Transport failures are returned as errors
// matching fault.ErrDependencyUnavailable.
func (c *Client) Sync(ctx context.Context, req Request) (*Result, error) {
	if req.Empty() {
		return &Result{Status: StatusSynced}, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fault.Unavailable("asset sync", err)
	}

	resp, result, err := c.post(ctx, req)
	if err == nil && resp.StatusCode() == http.StatusUnauthorized {
		c.logger.Info("asset sync token rejected, refreshing")
		c.tokens.Delete(tokenKey)
		resp, result, err = c.post(ctx, req)
	}
	if err != nil {
		return nil, fault.Unavailable("asset sync", err)
	}
	if resp.IsError() {
		return nil, fault.Unavailable("asset sync", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	result.normalize(req)
	c.logger.Info("asset sync completed",
		"status", result.Status,
		"synced", result.Synced,
		"errors", len(result.Errors),
	)
	return result, nil
}

func (c *Client) post(ctx context.Context, req Request) (*resty.Response, *Result, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, nil, err
	}
	var result Result
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(req).
		SetResult(&result).
		Post(syncPath)
	if err != nil {
		return nil, nil, fmt.Errorf("post sync: %w", err)
	}
	return resp, &result, nil
}

// token returns the cached access token, fetching a new one when absent.
func (c *Client) token(ctx context.Context) (string, error) {
	if tok, ok := c.tokens.Get(tokenKey); ok {
		return tok.(string), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if tok, ok := c.tokens.Get(tokenKey); ok {
		return tok.(string), nil
	}

	var body tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     c.cfg.ClientID,
			"client_secret": c.cfg.ClientSecret,
		}).
		SetResult(&body).
		Post(tokenPath)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("fetch token: status %d", resp.StatusCode())
	}
	if body.AccessToken == "" {
		return "", errors.New("fetch token: empty access token")
	}

	ttl := time.Duration(body.ExpiresIn)*time.Second - tokenSkew
	if ttl <= 0 {
		ttl = cache.DefaultExpiration
		if body.ExpiresIn > 0 {
			ttl = time.Duration(body.ExpiresIn) * time.Second
		}
	}
	c.tokens.Set(tokenKey, body.AccessToken, ttl)
	return body.AccessToken, nil
}

// normalize fills Status when the server leaves it out.
func (r *Result) normalize(req Request) {
	if r.Status != "" {
		return
	}
	switch {
	case len(r.Errors) == 0:
		r.Status = StatusSynced
		if r.Synced == 0 {
			r.Synced = req.Size()
		}
	case r.Synced > 0:
		r.Status = StatusPartial
	default:
		r.Status = StatusError
	}
}
