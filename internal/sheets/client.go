// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package sheets reads tenant spreadsheets through the Google Sheets v4
// values API. Each tab of a spreadsheet is one sync partition.
package sheets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ManuGH/sheetsync/internal/cache"
	"github.com/ManuGH/sheetsync/internal/livesync"
	xglog "github.com/ManuGH/sheetsync/internal/log"
	"github.com/ManuGH/sheetsync/internal/metrics"
	"github.com/ManuGH/sheetsync/internal/ratelimit"
	"github.com/ManuGH/sheetsync/internal/resilience"
	"github.com/ManuGH/sheetsync/internal/telemetry"
)

const (
	opListPartitions = "list_partitions"
	opFetchRows      = "fetch_rows"

	maxErrorBody = 4 << 10
)

// Config configures the Sheets client.
type Config struct {
	BaseURL string
	Timeout time.Duration

	RequestsPerSecond float64
	Burst             int
	GlobalRPS         float64
	GlobalBurst       int

	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	BreakerThreshold int
	BreakerReset     time.Duration

	PartitionCacheTTL time.Duration
	ExcludedSheets    []string
}

// DefaultConfig returns production defaults for the public Sheets API.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://sheets.googleapis.com",
		Timeout:           15 * time.Second,
		RequestsPerSecond: 1,
		Burst:             5,
		GlobalRPS:         5,
		GlobalBurst:       10,
		MaxRetries:        3,
		RetryBaseDelay:    500 * time.Millisecond,
		RetryMaxDelay:     10 * time.Second,
		BreakerThreshold:  5,
		BreakerReset:      30 * time.Second,
		PartitionCacheTTL: 5 * time.Minute,
	}
}

// Client implements livesync.DataSource.
type Client struct {
	cfg        Config
	http       *http.Client
	limiter    *ratelimit.Limiter
	breaker    *resilience.CircuitBreaker
	partitions cache.Cache
	group      singleflight.Group
	logger     zerolog.Logger
}

var _ livesync.DataSource = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its transport is used as-is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPartitionCache replaces the cache used for tab listings.
func WithPartitionCache(pc cache.Cache) Option {
	return func(c *Client) { c.partitions = pc }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Sheets client.
func NewClient(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = def.RetryMaxDelay
	}

	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: ratelimit.New(ratelimit.Config{
			GlobalRate:     rate.Limit(cfg.GlobalRPS),
			GlobalBurst:    cfg.GlobalBurst,
			PerTenantRate:  rate.Limit(cfg.RequestsPerSecond),
			PerTenantBurst: cfg.Burst,
		}),
		logger: xglog.WithComponent("sheets"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.partitions == nil {
		if cfg.PartitionCacheTTL > 0 {
			c.partitions = cache.NewMemoryCache(cfg.PartitionCacheTTL)
		} else {
			c.partitions = cache.NewNoOpCache()
		}
	}
	c.breaker = resilience.NewCircuitBreaker("sheets", cfg.BreakerThreshold, cfg.BreakerReset,
		resilience.WithFailurePredicate(countsAgainstBreaker),
		resilience.WithLogger(c.logger))
	return c
}

// Close releases background resources of the default partition cache.
func (c *Client) Close() {
	if mc, ok := c.partitions.(*cache.MemoryCache); ok {
		mc.Close()
	}
}

// BreakerState exposes the upstream circuit state for readiness checks.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

type spreadsheetMeta struct {
	Sheets []struct {
		Properties struct {
			Title string `json:"title"`
		} `json:"properties"`
	} `json:"sheets"`
}

// ListPartitions returns the tab titles of the tenant's spreadsheet in sheet
// order, minus excluded titles. Results are cached per spreadsheet and
// concurrent lookups for the same spreadsheet share one request.
func (c *Client) ListPartitions(ctx context.Context, tenant livesync.Tenant) ([]string, error) {
	key := "partitions:" + tenant.SourceID
	if v, ok := c.partitions.Get(key); ok {
		if titles, ok := v.([]string); ok {
			return slices.Clone(titles), nil
		}
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s?fields=%s",
			c.cfg.BaseURL, url.PathEscape(tenant.SourceID), url.QueryEscape("sheets.properties.title"))

		var meta spreadsheetMeta
		if err := c.call(ctx, opListPartitions, tenant, "", endpoint, &meta); err != nil {
			return nil, err
		}
		titles := make([]string, 0, len(meta.Sheets))
		for _, s := range meta.Sheets {
			title := s.Properties.Title
			if title == "" || slices.Contains(c.cfg.ExcludedSheets, title) {
				continue
			}
			titles = append(titles, title)
		}
		c.partitions.Set(key, titles, c.cfg.PartitionCacheTTL)
		return titles, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug().Str(xglog.FieldTenantID, tenant.ID).Msg("partition listing shared with concurrent caller")
	}
	return slices.Clone(v.([]string)), nil
}

type valueRange struct {
	Range  string  `json:"range"`
	Values [][]any `json:"values"`
}

// FetchRows returns the rows of one tab. The first row is the header; later
// rows become header-keyed maps and fully empty rows are skipped.
func (c *Client) FetchRows(ctx context.Context, tenant livesync.Tenant, partition string) ([]livesync.Row, error) {
	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s?majorDimension=ROWS",
		c.cfg.BaseURL, url.PathEscape(tenant.SourceID), url.PathEscape(a1Range(partition)))

	var vr valueRange
	if err := c.call(ctx, opFetchRows, tenant, partition, endpoint, &vr); err != nil {
		return nil, err
	}
	return toRows(vr.Values), nil
}

// a1Range quotes a tab title as a whole-sheet A1 range.
func a1Range(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

func toRows(values [][]any) []livesync.Row {
	if len(values) == 0 {
		return []livesync.Row{}
	}
	header := make([]string, len(values[0]))
	for i, h := range values[0] {
		header[i] = strings.TrimSpace(cellString(h))
	}

	rows := make([]livesync.Row, 0, len(values)-1)
	for _, raw := range values[1:] {
		row := make(livesync.Row, len(header))
		empty := true
		for i, col := range header {
			if col == "" {
				continue
			}
			v := ""
			if i < len(raw) {
				v = cellString(raw[i])
			}
			if v != "" {
				empty = false
			}
			row[col] = v
		}
		if !empty {
			rows = append(rows, row)
		}
	}
	return rows
}

func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// call runs one logical request: breaker, then retries, each attempt waiting
// for a rate limit token.
func (c *Client) call(ctx context.Context, op string, tenant livesync.Tenant, partition, endpoint string, out any) error {
	ctx, span := telemetry.Tracer("sheets").Start(ctx, "sheets."+op)
	defer span.End()
	span.SetAttributes(telemetry.SheetsAttributes(op, tenant.SourceID, partition)...)

	attempts := 0
	err := c.breaker.Execute(func() error {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			attempts++
			return struct{}{}, c.attempt(ctx, op, tenant, endpoint, out)
		},
			backoff.WithBackOff(c.newBackOff()),
			backoff.WithMaxTries(uint(c.cfg.MaxRetries+1)),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.logger.Debug().Err(err).
					Str("op", op).
					Str(xglog.FieldTenantID, tenant.ID).
					Str(xglog.FieldPartition, partition).
					Dur("retry_in", next).
					Msg("sheets request retrying")
			}),
		)
		return err
	})
	span.SetAttributes(attribute.Int(telemetry.SheetsAttemptsKey, attempts))
	if err != nil {
		telemetry.RecordError(span, err, errorType(err))
		return fmt.Errorf("sheets %s: %w", op, err)
	}
	return nil
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBaseDelay
	b.MaxInterval = c.cfg.RetryMaxDelay
	return b
}

// attempt performs a single HTTP exchange. Errors that must not be retried
// are wrapped with backoff.Permanent.
func (c *Client) attempt(ctx context.Context, op string, tenant livesync.Tenant, endpoint string, out any) error {
	if err := c.limiter.Wait(ctx, tenantKey(tenant)); err != nil {
		return backoff.Permanent(fmt.Errorf("%w: %w", errThrottled, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if tenant.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+tenant.Credential)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordSheetsRequest(op, 0, time.Since(start))
		if isContextError(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	metrics.RecordSheetsRequest(op, resp.StatusCode, time.Since(start))

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
		if !apiErr.Retryable() {
			return backoff.Permanent(apiErr)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				return fmt.Errorf("%w (%w)", apiErr, backoff.RetryAfter(secs))
			}
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode %s response: %w", op, err))
	}
	return nil
}

type googleError struct {
	Error struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func errorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var ge googleError
	if json.Unmarshal(raw, &ge) == nil && ge.Error.Message != "" {
		return ge.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

func tenantKey(t livesync.Tenant) string {
	if t.ID != "" {
		return t.ID
	}
	return t.SourceID
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrSheetNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, errThrottled):
		return "throttled"
	case isContextError(err):
		return "canceled"
	default:
		return "upstream"
	}
}
