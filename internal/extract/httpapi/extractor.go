// Package httpapi calls an external extraction service over HTTP and
// validates its loosely typed response into strict candidates.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

const (
	defaultTimeout   = 2 * time.Minute
	maxResponseBytes = 32 << 20
)

// Config describes the extraction endpoint.
type Config struct {
	Endpoint string
	APIKey   string
	// Timeout bounds each attempt.
	Timeout time.Duration
}

// Extractor implements crawler.Extractor.
type Extractor struct {
	cfg    Config
	http   *http.Client
	retry  *crawler.RetryPolicy
	logger *zap.Logger
}

// New builds an Extractor. retry defaults to a single retry.
func New(cfg Config, httpClient *http.Client, retry *crawler.RetryPolicy, logger *zap.Logger) (*Extractor, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("extractor.endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
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
	return &Extractor{cfg: cfg, http: httpClient, retry: retry, logger: logger.Named("extractor")}, nil
}

type requestPage struct {
	URL      string `json:"url"`
	Markdown string `json:"markdown,omitempty"`
	HTML     string `json:"html,omitempty"`
}

type requestSource struct {
	Name          string `json:"name"`
	URL           string `json:"url"`
	ExtractorType string `json:"extractor_type"`
}

type request struct {
	Pages  []requestPage `json:"pages"`
	Source requestSource `json:"source"`
}

type response struct {
	Booths []json.RawMessage `json:"booths"`
}

// rawBooth accepts the shapes the service is known to emit: coordinates as
// numbers or strings, photos as a string or a list.
type rawBooth struct {
	Name                string          `json:"name"`
	Address             string          `json:"address"`
	City                string          `json:"city"`
	Country             string          `json:"country"`
	PostalCode          string          `json:"postal_code"`
	Region              string          `json:"state"`
	Latitude            json.RawMessage `json:"latitude"`
	Longitude           json.RawMessage `json:"longitude"`
	Description         string          `json:"description"`
	Photos              json.RawMessage `json:"photos"`
	ExteriorPhoto       string          `json:"photo_exterior_url"`
	MachineModel        string          `json:"machine_model"`
	MachineManufacturer string          `json:"machine_manufacturer"`
	Hours               string          `json:"hours"`
	Cost                string          `json:"cost"`
	Phone               string          `json:"phone"`
	Website             string          `json:"website"`
	SourceURL           string          `json:"source_url"`
}

// Extract posts the pages and decodes candidates. Records that do not fit
// the schema are skipped; only transport and service failures are errors.
func (e *Extractor) Extract(ctx context.Context, pages []crawler.Page, meta crawler.SourceMetadata) ([]crawler.CandidateEntity, error) {
	body := request{
		Pages: make([]requestPage, 0, len(pages)),
		Source: requestSource{
			Name:          meta.SourceName,
			URL:           meta.SourceURL,
			ExtractorType: meta.ExtractorType,
		},
	}
	for _, p := range pages {
		if p.Content() == "" {
			continue
		}
		body.Pages = append(body.Pages, requestPage{URL: p.URL, Markdown: p.Markdown, HTML: p.HTML})
	}
	if len(body.Pages) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", crawler.ErrExtraction, err)
	}

	var out response
	err = e.retry.Do(ctx, e.cfg.Timeout, func(ctx context.Context) error {
		return e.post(ctx, payload, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", crawler.ErrExtraction, err)
	}

	candidates := make([]crawler.CandidateEntity, 0, len(out.Booths))
	for i, raw := range out.Booths {
		c, err := decode(raw)
		if err != nil {
			e.logger.Debug("skipping malformed booth",
				zap.String("source", meta.SourceName),
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		}
		c.SourceName = meta.SourceName
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func (e *Extractor) post(ctx context.Context, payload []byte, out *response) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("extract request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(data)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return &crawler.StatusError{Op: "extract", StatusCode: resp.StatusCode, Body: msg}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decode(raw json.RawMessage) (crawler.CandidateEntity, error) {
	var b rawBooth
	if err := json.Unmarshal(raw, &b); err != nil {
		return crawler.CandidateEntity{}, err
	}
	c := crawler.CandidateEntity{
		Name:                b.Name,
		Address:             b.Address,
		City:                b.City,
		Country:             b.Country,
		PostalCode:          b.PostalCode,
		Region:              b.Region,
		Description:         b.Description,
		ExteriorPhoto:       b.ExteriorPhoto,
		MachineModel:        b.MachineModel,
		MachineManufacturer: b.MachineManufacturer,
		Hours:               b.Hours,
		Cost:                b.Cost,
		Phone:               b.Phone,
		Website:             b.Website,
		SourceURL:           b.SourceURL,
	}
	lat, err := coordinate(b.Latitude)
	if err != nil {
		return c, fmt.Errorf("latitude: %w", err)
	}
	lng, err := coordinate(b.Longitude)
	if err != nil {
		return c, fmt.Errorf("longitude: %w", err)
	}
	c.Latitude, c.Longitude = lat, lng
	photos, err := stringList(b.Photos)
	if err != nil {
		return c, fmt.Errorf("photos: %w", err)
	}
	c.Photos = photos
	return c, nil
}

func coordinate(raw json.RawMessage) (*float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("not a number: %s", raw)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("not a number: %q", s)
	}
	return &f, nil
}

func stringList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, fmt.Errorf("expected string or list: %s", raw)
	}
	if one == "" {
		return nil, nil
	}
	return []string{one}, nil
}
