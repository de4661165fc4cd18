// Package extract turns crawled pages into validated booth candidates.
// Extractors are looked up by a source's extractor_type.
package extract

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

// Registry dispatches to the extractor registered for a source's type.
type Registry struct {
	extractors map[string]crawler.Extractor
	fallback   string
}

// NewRegistry builds an empty registry. fallback names the extractor used
// when a source has no extractor_type; it may be empty.
func NewRegistry(fallback string) *Registry {
	return &Registry{extractors: make(map[string]crawler.Extractor), fallback: fallback}
}

// Register adds or replaces an extractor.
func (r *Registry) Register(name string, e crawler.Extractor) {
	r.extractors[strings.ToLower(strings.TrimSpace(name))] = e
}

// Names lists the registered extractor types.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.extractors))
	for name := range r.extractors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the extractor for name.
func (r *Registry) Lookup(name string) (crawler.Extractor, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = r.fallback
	}
	e, ok := r.extractors[key]
	if !ok {
		return nil, fmt.Errorf("%w: no extractor %q", crawler.ErrExtraction, name)
	}
	return e, nil
}

// Extract runs the extractor named by meta.ExtractorType and validates its
// output. Invalid candidates are dropped, not returned as errors.
func (r *Registry) Extract(ctx context.Context, pages []crawler.Page, meta crawler.SourceMetadata) ([]crawler.CandidateEntity, error) {
	e, err := r.Lookup(meta.ExtractorType)
	if err != nil {
		return nil, err
	}
	raw, err := e.Extract(ctx, pages, meta)
	if err != nil {
		return nil, err
	}
	return ValidateAll(raw, meta), nil
}

// ValidateAll keeps the candidates Validate accepts.
func ValidateAll(candidates []crawler.CandidateEntity, meta crawler.SourceMetadata) []crawler.CandidateEntity {
	out := make([]crawler.CandidateEntity, 0, len(candidates))
	for _, c := range candidates {
		valid, err := Validate(c, meta)
		if err != nil {
			continue
		}
		out = append(out, valid)
	}
	return out
}

// Validate normalizes a candidate and rejects it with
// crawler.ErrInvalidCandidate when a required field is missing or a
// coordinate is out of range. Source fields default from meta.
func Validate(c crawler.CandidateEntity, meta crawler.SourceMetadata) (crawler.CandidateEntity, error) {
	c.Name = collapse(c.Name)
	c.Address = collapse(c.Address)
	c.City = collapse(c.City)
	c.Country = collapse(c.Country)
	c.PostalCode = strings.TrimSpace(c.PostalCode)
	c.Region = collapse(c.Region)
	c.Description = strings.TrimSpace(c.Description)
	c.Hours = collapse(c.Hours)
	c.Cost = collapse(c.Cost)
	c.Phone = strings.TrimSpace(c.Phone)
	c.Website = strings.TrimSpace(c.Website)
	c.MachineModel = collapse(c.MachineModel)
	c.MachineManufacturer = collapse(c.MachineManufacturer)
	c.ExteriorPhoto = strings.TrimSpace(c.ExteriorPhoto)
	c.Photos = compact(c.Photos)
	if c.SourceName == "" {
		c.SourceName = meta.SourceName
	}
	if c.SourceURL == "" {
		c.SourceURL = meta.SourceURL
	}
	if normalized, err := crawler.NormalizeURL(c.SourceURL); err == nil && c.SourceURL != "" {
		c.SourceURL = normalized
	}

	switch {
	case c.Name == "":
		return c, fmt.Errorf("%w: name is required", crawler.ErrInvalidCandidate)
	case c.Country == "":
		return c, fmt.Errorf("%w: country is required", crawler.ErrInvalidCandidate)
	case c.City == "":
		return c, fmt.Errorf("%w: city is required", crawler.ErrInvalidCandidate)
	case c.SourceName == "":
		return c, fmt.Errorf("%w: source name is required", crawler.ErrInvalidCandidate)
	}
	if (c.Latitude == nil) != (c.Longitude == nil) {
		return c, fmt.Errorf("%w: latitude and longitude must come together", crawler.ErrInvalidCandidate)
	}
	if c.HasCoordinates() {
		lat, lng := *c.Latitude, *c.Longitude
		if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
			return c, fmt.Errorf("%w: coordinates out of range", crawler.ErrInvalidCandidate)
		}
		// Null island is a geocoder failure, not a booth.
		if lat == 0 && lng == 0 {
			c.Latitude, c.Longitude = nil, nil
		}
	}
	return c, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func compact(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
