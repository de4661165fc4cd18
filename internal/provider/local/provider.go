// Package local implements crawler.Provider in-process with colly. It mimics
// a hosted crawl API closely enough for development: crawls run in the
// background, progress is delivered to the job's webhook URL, and results
// stay available for FetchResults until the process exits.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/hash/sha256"
	"github.com/JakeFAU/booth-crawler/internal/metrics"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxDepth    = 2
	defaultParallelism = 2
	defaultMaxPages    = 50
	signatureHeader    = "X-Webhook-Signature"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// Timeout bounds each page request and each webhook delivery.
	Timeout     time.Duration
	MaxDepth    int
	Parallelism int
	Delay       time.Duration
	// WebhookSecret signs deliveries when set.
	WebhookSecret string
}

type crawl struct {
	mu       sync.Mutex
	state    crawler.ProviderState
	pages    []crawler.Page
	err      string
	fetchErr error
}

// Provider runs crawls in background goroutines.
type Provider struct {
	cfg    Config
	ids    crawler.IDGenerator
	client *http.Client
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	crawls map[string]*crawl
}

// New constructs a Provider. Close stops running crawls.
func New(cfg Config, ids crawler.IDGenerator, logger *zap.Logger) *Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		cfg:    cfg,
		ids:    ids,
		client: &http.Client{Timeout: cfg.Timeout, Transport: newHTTPTransport()},
		logger: logger.Named("local_provider"),
		ctx:    ctx,
		cancel: cancel,
		crawls: make(map[string]*crawl),
	}
}

// StartCrawl validates the request and starts crawling in the background.
func (p *Provider) StartCrawl(_ context.Context, req crawler.CrawlRequest) (crawler.ProviderJob, error) {
	root, err := crawler.NormalizeURL(req.URL)
	if err == nil && !strings.HasPrefix(root, "http://") && !strings.HasPrefix(root, "https://") {
		err = fmt.Errorf("unsupported url %q", req.URL)
	}
	if err != nil {
		return crawler.ProviderJob{}, fmt.Errorf("%w: %v", crawler.ErrExternalService, err)
	}
	if p.ctx.Err() != nil {
		return crawler.ProviderJob{}, fmt.Errorf("%w: provider closed", crawler.ErrExternalService)
	}
	id, err := p.ids.NewID()
	if err != nil {
		return crawler.ProviderJob{}, fmt.Errorf("generate crawl id: %w", err)
	}
	c := &crawl{state: crawler.ProviderStateScraping}
	p.mu.Lock()
	p.crawls[id] = c
	p.mu.Unlock()

	req.URL = root
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(id, c, req)
	}()
	metrics.ObserveProviderRequest("start", nil)
	return crawler.ProviderJob{ID: id}, nil
}

// CrawlStatus reports the in-memory state of a crawl.
func (p *Provider) CrawlStatus(_ context.Context, providerJobID string) (crawler.ProviderStatus, error) {
	c, err := p.lookup(providerJobID)
	if err != nil {
		return crawler.ProviderStatus{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return crawler.ProviderStatus{
		State:     c.state,
		Completed: len(c.pages),
		Total:     len(c.pages),
		Error:     c.err,
	}, nil
}

// FetchResults returns the pages collected so far.
func (p *Provider) FetchResults(_ context.Context, providerJobID string) ([]crawler.Page, error) {
	c, err := p.lookup(providerJobID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]crawler.Page, len(c.pages))
	copy(out, c.pages)
	return out, nil
}

// Close cancels running crawls and waits for them to stop.
func (p *Provider) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Provider) lookup(id string) (*crawl, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.crawls[id]
	if !ok {
		return nil, &crawler.StatusError{Op: "local crawl " + id, StatusCode: http.StatusNotFound}
	}
	return c, nil
}

func (p *Provider) run(id string, c *crawl, req crawler.CrawlRequest) {
	p.deliver(req, event{Type: "crawl.started", ID: id, Success: true})

	collector, err := p.collector(req)
	if err == nil {
		p.hook(collector, id, c, req)
		err = collector.Visit(req.URL)
		collector.Wait()
	}
	if err == nil && p.ctx.Err() != nil {
		err = p.ctx.Err()
	}

	c.mu.Lock()
	if err == nil {
		err = c.fetchErr
	}
	if err != nil && len(c.pages) == 0 {
		c.state = crawler.ProviderStateFailed
		c.err = err.Error()
	} else {
		c.state = crawler.ProviderStateCompleted
	}
	final := event{ID: id, Success: c.state == crawler.ProviderStateCompleted, Error: c.err}
	pages := len(c.pages)
	c.mu.Unlock()

	if final.Success {
		final.Type = "crawl.completed"
	} else {
		final.Type = "crawl.failed"
	}
	p.logger.Info("crawl finished",
		zap.String("provider_job_id", id),
		zap.String("job_id", req.JobID),
		zap.Int("pages", pages),
		zap.Bool("success", final.Success),
	)
	p.deliver(req, final)
}

func (p *Provider) collector(req crawler.CrawlRequest) (*colly.Collector, error) {
	root, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse root: %w", err)
	}
	collector := colly.NewCollector(
		colly.StdlibContext(p.ctx),
		colly.AllowedDomains(root.Hostname()),
		colly.MaxDepth(p.cfg.MaxDepth),
		colly.Async(true),
	)
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !p.cfg.RespectRobots
	collector.SetRequestTimeout(p.cfg.Timeout)
	collector.WithTransport(newRobotsTransport(newHTTPTransport(), p.logger))
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: p.cfg.Parallelism,
		Delay:       p.cfg.Delay,
	}); err != nil {
		return nil, fmt.Errorf("collector limits: %w", err)
	}
	return collector, nil
}

func (p *Provider) hook(collector *colly.Collector, id string, c *crawl, req crawler.CrawlRequest) {
	maxPages := req.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	var requested atomic.Int64

	collector.OnRequest(func(r *colly.Request) {
		if requested.Add(1) > int64(maxPages) {
			r.Abort()
		}
	})

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if requested.Load() >= int64(maxPages) {
			return
		}
		// Visit errors are expected for off-site and already visited links.
		_ = e.Request.Visit(e.Attr("href"))
	})

	collector.OnResponse(func(r *colly.Response) {
		if !strings.Contains(r.Headers.Get("Content-Type"), "html") || len(r.Body) == 0 {
			return
		}
		page := crawler.Page{
			URL:        r.Request.URL.String(),
			HTML:       string(r.Body),
			StatusCode: r.StatusCode,
		}
		c.mu.Lock()
		c.pages = append(c.pages, page)
		c.mu.Unlock()
		p.deliver(req, event{
			Type:    "crawl.page",
			ID:      id,
			Success: true,
			Data:    []pageData{{URL: page.URL, HTML: page.HTML, StatusCode: page.StatusCode}},
		})
	})

	collector.OnError(func(r *colly.Response, err error) {
		c.mu.Lock()
		if c.fetchErr == nil {
			c.fetchErr = err
		}
		c.mu.Unlock()
		p.logger.Warn("page request failed",
			zap.String("provider_job_id", id),
			zap.String("url", r.Request.URL.String()),
			zap.Int("status_code", r.StatusCode),
			zap.Error(err),
		)
	})
}

type event struct {
	Type     string            `json:"type"`
	ID       string            `json:"id"`
	Success  bool              `json:"success"`
	Data     []pageData        `json:"data,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type pageData struct {
	URL        string `json:"url"`
	HTML       string `json:"html"`
	StatusCode int    `json:"statusCode"`
}

// deliver posts one event to the job's webhook. Delivery is at most once;
// the orchestrator reconciles jobs whose callbacks never arrive.
func (p *Provider) deliver(req crawler.CrawlRequest, evt event) {
	if req.WebhookURL == "" {
		return
	}
	evt.Metadata = make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		evt.Metadata[k] = v
	}
	evt.Metadata["job_id"] = req.JobID

	body, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("encode webhook event", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.WebhookURL, bytes.NewReader(body))
	if err != nil {
		p.logger.Error("build webhook request", zap.Error(err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.WebhookSecret != "" {
		httpReq.Header.Set(signatureHeader, sha256.Sign([]byte(p.cfg.WebhookSecret), body))
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Warn("webhook delivery failed", zap.String("type", evt.Type), zap.Error(err))
		}
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		p.logger.Warn("webhook rejected",
			zap.String("type", evt.Type),
			zap.String("job_id", req.JobID),
			zap.Int("status_code", resp.StatusCode),
		)
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
