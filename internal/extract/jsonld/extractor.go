// Package jsonld extracts booths from schema.org JSON-LD embedded in pages.
// It covers sources that publish LocalBusiness markup and needs no external
// extraction service.
package jsonld

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

// Name is the extractor_type this extractor registers under.
const Name = "jsonld"

var placeTypes = map[string]bool{
	"localbusiness":         true,
	"entertainmentbusiness": true,
	"touristattraction":     true,
	"place":                 true,
	"store":                 true,
	"amusementpark":         true,
	"barorpub":              true,
}

// Extractor implements crawler.Extractor over JSON-LD script tags.
type Extractor struct {
	logger *zap.Logger
}

// New constructs an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger.Named("jsonld")}
}

// Extract never fails on page content: unparsable pages and scripts are
// skipped.
func (e *Extractor) Extract(ctx context.Context, pages []crawler.Page, meta crawler.SourceMetadata) ([]crawler.CandidateEntity, error) {
	var out []crawler.CandidateEntity
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", crawler.ErrExtraction, err)
		}
		if page.HTML == "" {
			continue
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
		if err != nil {
			e.logger.Debug("unparsable page", zap.String("url", page.URL), zap.Error(err))
			continue
		}
		doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
			text := strings.TrimSpace(s.Text())
			if text == "" {
				return
			}
			var data any
			if err := json.Unmarshal([]byte(text), &data); err != nil {
				return
			}
			for _, obj := range flatten(data) {
				if !isPlace(obj) {
					continue
				}
				c := candidate(obj)
				if c.SourceURL == "" {
					c.SourceURL = page.URL
				}
				c.SourceName = meta.SourceName
				out = append(out, c)
			}
		})
	}
	return out, nil
}

// flatten unwraps top-level arrays and @graph containers.
func flatten(data any) []map[string]any {
	var out []map[string]any
	switch v := data.(type) {
	case []any:
		for _, item := range v {
			out = append(out, flatten(item)...)
		}
	case map[string]any:
		if graph, ok := v["@graph"]; ok {
			out = append(out, flatten(graph)...)
		}
		out = append(out, v)
	}
	return out
}

func isPlace(obj map[string]any) bool {
	for _, t := range stringsOf(obj["@type"]) {
		if placeTypes[strings.ToLower(t)] {
			return true
		}
	}
	return false
}

func candidate(obj map[string]any) crawler.CandidateEntity {
	c := crawler.CandidateEntity{
		Name:        str(obj["name"]),
		Description: str(obj["description"]),
		Phone:       str(obj["telephone"]),
		Website:     str(obj["url"]),
		Cost:        str(obj["priceRange"]),
		Hours:       strings.Join(stringsOf(obj["openingHours"]), "; "),
		Photos:      images(obj["image"]),
	}
	switch addr := obj["address"].(type) {
	case string:
		c.Address = addr
	case map[string]any:
		c.Address = str(addr["streetAddress"])
		c.City = str(addr["addressLocality"])
		c.Region = str(addr["addressRegion"])
		c.PostalCode = str(addr["postalCode"])
		c.Country = str(addr["addressCountry"])
	}
	if geo, ok := obj["geo"].(map[string]any); ok {
		lat, latOK := number(geo["latitude"])
		lng, lngOK := number(geo["longitude"])
		if latOK && lngOK {
			c.Latitude, c.Longitude = &lat, &lng
		}
	}
	return c
}

// str reads a text value. Objects such as Country contribute their name.
func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		return str(t["name"])
	default:
		return ""
	}
}

func stringsOf(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := str(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func images(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case map[string]any:
		if u := str(t["url"]); u != "" {
			return []string{u}
		}
		return nil
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, images(item)...)
		}
		return out
	default:
		return nil
	}
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
