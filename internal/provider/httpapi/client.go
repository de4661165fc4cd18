// Package httpapi talks to a Firecrawl-style asynchronous crawl API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/metrics"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 64 << 20
	maxResultPages   = 100
)

// Config describes the provider endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds each attempt of a single call.
	Timeout time.Duration
	// Formats requested for every page, e.g. markdown and html.
	Formats []string
	// WebhookEvents subscribed to on start.
	WebhookEvents []string
	// WebhookSecret is forwarded so the provider can sign callbacks.
	WebhookSecret string
}

// Client implements crawler.Provider over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	retry  *crawler.RetryPolicy
	policy crawler.Policy
	logger *zap.Logger
}

type penalizer interface {
	Penalize(key string)
}

// New builds a Client. retry defaults to one retry; policy may be nil.
func New(cfg Config, httpClient *http.Client, retry *crawler.RetryPolicy, policy crawler.Policy, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("provider.base_url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("provider.base_url: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = []string{"markdown", "html"}
	}
	if len(cfg.WebhookEvents) == 0 {
		cfg.WebhookEvents = []string{"started", "page", "completed", "failed"}
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if retry == nil {
		retry = crawler.NewRetryPolicy(2, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		retry:  retry,
		policy: policy,
		logger: logger.Named("provider"),
	}, nil
}

type startRequest struct {
	URL           string         `json:"url"`
	Limit         int            `json:"limit,omitempty"`
	Webhook       *webhookConfig `json:"webhook,omitempty"`
	ScrapeOptions scrapeOptions  `json:"scrapeOptions"`
}

type webhookConfig struct {
	URL      string            `json:"url"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Events   []string          `json:"events,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

type scrapeOptions struct {
	Formats []string `json:"formats"`
}

type startResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Error   string `json:"error"`
}

type statusResponse struct {
	Status    string       `json:"status"`
	Total     int          `json:"total"`
	Completed int          `json:"completed"`
	Next      string       `json:"next"`
	Error     string       `json:"error"`
	Data      []resultPage `json:"data"`
}

type resultPage struct {
	Markdown string         `json:"markdown"`
	HTML     string         `json:"html"`
	Metadata map[string]any `json:"metadata"`
}

// StartCrawl asks the provider to crawl req.URL. Our job id travels in the
// webhook metadata so callbacks can be matched before the provider id is
// recorded.
func (c *Client) StartCrawl(ctx context.Context, req crawler.CrawlRequest) (crawler.ProviderJob, error) {
	body := startRequest{
		URL:           req.URL,
		Limit:         req.MaxPages,
		ScrapeOptions: scrapeOptions{Formats: c.cfg.Formats},
	}
	if req.WebhookURL != "" {
		meta := map[string]string{"job_id": req.JobID}
		for k, v := range req.Metadata {
			meta[k] = v
		}
		body.Webhook = &webhookConfig{URL: req.WebhookURL, Metadata: meta, Events: c.cfg.WebhookEvents}
	}

	var out startResponse
	err := c.call(ctx, "start", req.URL, http.MethodPost, c.cfg.BaseURL+"/v1/crawl", body, &out)
	metrics.ObserveProviderRequest("start", err)
	if err != nil {
		return crawler.ProviderJob{}, fmt.Errorf("%w: start crawl: %w", crawler.ErrExternalService, err)
	}
	if !out.Success || out.ID == "" {
		return crawler.ProviderJob{}, fmt.Errorf("%w: start crawl rejected: %s", crawler.ErrExternalService, out.Error)
	}
	c.logger.Info("crawl started", zap.String("job_id", req.JobID), zap.String("provider_job_id", out.ID))
	return crawler.ProviderJob{ID: out.ID}, nil
}

// CrawlStatus polls the provider for progress.
func (c *Client) CrawlStatus(ctx context.Context, providerJobID string) (crawler.ProviderStatus, error) {
	var out statusResponse
	err := c.call(ctx, "status", c.cfg.BaseURL, http.MethodGet, c.statusURL(providerJobID), nil, &out)
	metrics.ObserveProviderRequest("status", err)
	if err != nil {
		return crawler.ProviderStatus{}, fmt.Errorf("%w: crawl status: %w", crawler.ErrExternalService, err)
	}
	return crawler.ProviderStatus{
		State:     crawler.ProviderState(out.Status),
		Completed: out.Completed,
		Total:     out.Total,
		Error:     out.Error,
	}, nil
}

// FetchResults reads the full result set, following pagination links.
func (c *Client) FetchResults(ctx context.Context, providerJobID string) ([]crawler.Page, error) {
	next := c.statusURL(providerJobID)
	var pages []crawler.Page
	for i := 0; next != "" && i < maxResultPages; i++ {
		var out statusResponse
		err := c.call(ctx, "results", c.cfg.BaseURL, http.MethodGet, next, nil, &out)
		metrics.ObserveProviderRequest("results", err)
		if err != nil {
			return nil, fmt.Errorf("%w: fetch results: %w", crawler.ErrExternalService, err)
		}
		if out.Status == string(crawler.ProviderStateFailed) {
			return nil, fmt.Errorf("%w: provider reports failure: %s", crawler.ErrExternalService, out.Error)
		}
		for _, p := range out.Data {
			pages = append(pages, toPage(p))
		}
		next = out.Next
	}
	if next != "" {
		// A partial result set would be deduplicated as if it were the whole crawl.
		return nil, fmt.Errorf("%w: results exceed %d pages", crawler.ErrExternalService, maxResultPages)
	}
	return pages, nil
}

func (c *Client) statusURL(providerJobID string) string {
	return c.cfg.BaseURL + "/v1/crawl/" + url.PathEscape(providerJobID)
}

// call performs one JSON request under the retry policy. Each attempt gets
// its own timeout.
func (c *Client) call(ctx context.Context, op, limitKey, method, endpoint string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
	}
	return c.retry.Do(ctx, c.cfg.Timeout, func(ctx context.Context) error {
		if c.policy != nil {
			if err := c.policy.Wait(ctx, limitKey); err != nil {
				return err
			}
		}
		err := c.do(ctx, op, method, endpoint, payload, out)
		var statusErr *crawler.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests {
			if p, ok := c.policy.(penalizer); ok {
				p.Penalize(limitKey)
			}
		}
		if err != nil {
			c.logger.Warn("provider call failed", zap.String("op", op), zap.Error(err))
		}
		return err
	})
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, payload []byte, out any) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &crawler.StatusError{Op: op, StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func toPage(p resultPage) crawler.Page {
	page := crawler.Page{Markdown: p.Markdown, HTML: p.HTML, Metadata: p.Metadata}
	for _, key := range []string{"sourceURL", "url", "ogUrl"} {
		if s, ok := p.Metadata[key].(string); ok && s != "" {
			page.URL = s
			break
		}
	}
	if code, ok := p.Metadata["statusCode"].(float64); ok {
		page.StatusCode = int(code)
	}
	return page
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
