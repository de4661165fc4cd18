package dedup

import (
	"regexp"
	"sort"
	"strings"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/quality"
)

// Weights are the points awarded for each present, valid field when ranking
// cluster members for keeper selection.
type Weights struct {
	Coordinates     float64 `mapstructure:"coordinates"`
	Description     float64 `mapstructure:"description"`
	ExteriorPhoto   float64 `mapstructure:"exterior_photo"`
	MachineMetadata float64 `mapstructure:"machine_metadata"`
	Hours           float64 `mapstructure:"hours"`
	Cost            float64 `mapstructure:"cost"`
	PostalOrRegion  float64 `mapstructure:"postal_or_region"`
	OriginalSlug    float64 `mapstructure:"original_slug"`
	PerSource       float64 `mapstructure:"per_source"`
	SourceCap       int     `mapstructure:"source_cap"`
	// Quality scales the 0..100 quality score into keeper points.
	Quality float64 `mapstructure:"quality"`
}

// DefaultWeights returns the keeper weights used when none are configured.
func DefaultWeights() Weights {
	return Weights{
		Coordinates:     20,
		Description:     10,
		ExteriorPhoto:   15,
		MachineMetadata: 10,
		Hours:           8,
		Cost:            5,
		PostalOrRegion:  5,
		OriginalSlug:    15,
		PerSource:       4,
		SourceCap:       4,
		Quality:         10,
	}
}

// disambiguatedSlug matches slugs that had a numeric suffix appended to
// avoid a collision ("mauerpark-berlin-2").
var disambiguatedSlug = regexp.MustCompile(`-\d+$`)

// Scorer ranks cluster members.
type Scorer struct {
	w Weights
}

// NewScorer builds a Scorer.
func NewScorer(w Weights) Scorer {
	return Scorer{w: w}
}

// Score sums the weights of e's present, valid fields.
func (s Scorer) Score(e crawler.CanonicalEntity) float64 {
	var total float64
	if ok, _ := quality.CheckCoordinates(e.Latitude, e.Longitude); ok {
		total += s.w.Coordinates
	}
	if !quality.IsGenericDescription(e.Description) {
		total += s.w.Description
	}
	if strings.TrimSpace(e.ExteriorPhoto) != "" {
		total += s.w.ExteriorPhoto
	}
	if strings.TrimSpace(e.MachineModel) != "" || strings.TrimSpace(e.MachineManufacturer) != "" {
		total += s.w.MachineMetadata
	}
	if strings.TrimSpace(e.Hours) != "" {
		total += s.w.Hours
	}
	if strings.TrimSpace(e.Cost) != "" {
		total += s.w.Cost
	}
	if strings.TrimSpace(e.PostalCode) != "" || strings.TrimSpace(e.Region) != "" {
		total += s.w.PostalOrRegion
	}
	if e.Slug != "" && !disambiguatedSlug.MatchString(e.Slug) {
		total += s.w.OriginalSlug
	}
	sources := min(len(unionStrings(e.SourceNames)), s.w.SourceCap)
	total += float64(sources) * s.w.PerSource
	total += s.w.Quality * float64(quality.Score(e).Score) / 100
	return total
}

// Rank orders members best first. Ties prefer persisted records, then the
// older record, then the lower ID, so keeper choice is deterministic.
func (s Scorer) Rank(members []crawler.CanonicalEntity) []crawler.CanonicalEntity {
	type scored struct {
		e     crawler.CanonicalEntity
		score float64
	}
	list := make([]scored, len(members))
	for i, m := range members {
		list[i] = scored{e: m, score: s.Score(m)}
	}
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.e.Persisted() != b.e.Persisted() {
			return a.e.Persisted()
		}
		if !a.e.CreatedAt.Equal(b.e.CreatedAt) {
			return a.e.CreatedAt.Before(b.e.CreatedAt)
		}
		return a.e.ID < b.e.ID
	})
	out := make([]crawler.CanonicalEntity, len(list))
	for i, item := range list {
		out[i] = item.e
	}
	return out
}
