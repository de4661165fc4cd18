// Package quality scores canonical booths for completeness and flags the
// fields enrichment collaborators should fill.
package quality

import (
	"math"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

// Priority ranks how urgently an entity needs enrichment.
type Priority string

// Enrichment priorities.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Field names reported in MissingFields and Malformed.
const (
	FieldAddress     = "address"
	FieldCoordinates = "coordinates"
	FieldPhone       = "phone"
	FieldWebsite     = "website"
	FieldHours       = "hours"
	FieldDescription = "description"
	FieldImage       = "image"
	FieldSources     = "sources"
	FieldStatus      = "status"
)

// Point allocation. The maximums sum to 100.
const (
	pointsAddress     = 15
	pointsCoordinates = 15
	pointsPhone       = 5
	pointsWebsite     = 5
	pointsHours       = 10
	pointsDescription = 10
	pointsImage       = 15
	pointsPerSource   = 5
	maxSourcePoints   = 15
	pointsActive      = 10
	pointsUnverified  = 5

	// malformedPenalty is subtracted on top of the lost points, so malformed
	// data always scores below a null field.
	malformedPenalty = 5
	// floorPoints lifts the worst case (every checked field malformed) to
	// zero before scaling, so penalties never clamp into a tie. Every point
	// value is a multiple of 5, which keeps distinct totals distinct after
	// scaling to 0..100.
	floorPoints = 4 * malformedPenalty
	rawMax      = 100 + floorPoints

	minDescriptionLen = 20
	minAddressLen     = 5
	minPhoneDigits    = 6
)

// Report is the result of scoring one entity.
type Report struct {
	Score         int      `json:"score"`
	MissingFields []string `json:"missing_fields"`
	Malformed     []string `json:"malformed_fields,omitempty"`
	Priority      Priority `json:"priority"`
}

// NeedsEnrichment reports whether the score is below threshold.
func (r Report) NeedsEnrichment(threshold int) bool {
	return r.Score < threshold
}

// Score computes the completeness report for e. It is a pure function.
func Score(e crawler.CanonicalEntity) Report {
	var (
		points    int
		missing   []string
		malformed []string
	)
	award := func(field string, ok, bad bool, value int) {
		switch {
		case ok:
			points += value
		case bad:
			points -= malformedPenalty
			missing = append(missing, field)
			malformed = append(malformed, field)
		default:
			missing = append(missing, field)
		}
	}

	addrOK, addrBad := CheckAddress(e.Address, e.Name)
	award(FieldAddress, addrOK, addrBad, pointsAddress)

	coordOK, coordBad := CheckCoordinates(e.Latitude, e.Longitude)
	award(FieldCoordinates, coordOK, coordBad, pointsCoordinates)

	phoneOK, phoneBad := checkPhone(e.Phone)
	award(FieldPhone, phoneOK, phoneBad, pointsPhone)

	siteOK, siteBad := checkWebsite(e.Website)
	award(FieldWebsite, siteOK, siteBad, pointsWebsite)

	award(FieldHours, strings.TrimSpace(e.Hours) != "", false, pointsHours)
	award(FieldDescription, !IsGenericDescription(e.Description), false, pointsDescription)
	award(FieldImage, hasImage(e), false, pointsImage)

	sources := distinctCount(e.SourceNames)
	if sources == 0 {
		missing = append(missing, FieldSources)
	}
	points += min(sources*pointsPerSource, maxSourcePoints)

	switch e.Status {
	case crawler.EntityActive:
		points += pointsActive
	case crawler.EntityUnverified, "":
		points += pointsUnverified
		missing = append(missing, FieldStatus)
	}

	score := scale(points)
	return Report{
		Score:         score,
		MissingFields: missing,
		Malformed:     malformed,
		Priority:      priorityFor(score),
	}
}

func scale(points int) int {
	return max(0, min((points+floorPoints)*100/rawMax, 100))
}

func priorityFor(score int) Priority {
	switch {
	case score < 40:
		return PriorityHigh
	case score < 70:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// CheckAddress returns (valid, malformed). An empty address is neither. An
// address without any street number, shorter than a plausible street, or
// equal to the booth's own name is malformed.
func CheckAddress(address, name string) (bool, bool) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return false, false
	}
	if len(addr) < minAddressLen {
		return false, true
	}
	if name != "" && strings.EqualFold(normalizeSpace(addr), normalizeSpace(name)) {
		return false, true
	}
	if !hasStreetNumber(addr) {
		return false, true
	}
	return true, false
}

// hasStreetNumber accepts a number leading the address ("123 Main St") or
// following the street name ("Kastanienallee 5").
func hasStreetNumber(addr string) bool {
	parts := strings.FieldsFunc(addr, func(r rune) bool { return r == ',' })
	if len(parts) == 0 {
		return false
	}
	tokens := strings.Fields(parts[0])
	if len(tokens) == 0 {
		return false
	}
	return startsWithDigit(tokens[0]) || startsWithDigit(tokens[len(tokens)-1])
}

func startsWithDigit(s string) bool {
	r, size := utf8.DecodeRuneInString(s)
	return size > 0 && unicode.IsDigit(r)
}

// CheckCoordinates returns (valid, malformed). Missing coordinates are
// neither; out of range values or the 0,0 null island are malformed.
func CheckCoordinates(lat, lng *float64) (bool, bool) {
	if lat == nil && lng == nil {
		return false, false
	}
	if lat == nil || lng == nil {
		return false, true
	}
	if math.IsNaN(*lat) || math.IsNaN(*lng) {
		return false, true
	}
	if *lat < -90 || *lat > 90 || *lng < -180 || *lng > 180 {
		return false, true
	}
	if *lat == 0 && *lng == 0 {
		return false, true
	}
	return true, false
}

func checkPhone(phone string) (bool, bool) {
	if strings.TrimSpace(phone) == "" {
		return false, false
	}
	digits := 0
	for _, r := range phone {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if digits < minPhoneDigits {
		return false, true
	}
	return true, false
}

func checkWebsite(site string) (bool, bool) {
	site = strings.TrimSpace(site)
	if site == "" {
		return false, false
	}
	u, err := url.Parse(site)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false, true
	}
	return true, false
}

var genericDescriptions = map[string]struct{}{
	"photo booth":                 {},
	"photobooth":                  {},
	"a photo booth":               {},
	"analog photo booth":          {},
	"classic photo booth":         {},
	"vintage photo booth":         {},
	"photo booth location":        {},
	"no description available":    {},
	"description coming soon":     {},
	"chemical photo booth":        {},
	"black and white photo booth": {},
}

// IsGenericDescription reports whether desc carries no information beyond
// "this is a photo booth".
func IsGenericDescription(desc string) bool {
	norm := strings.ToLower(normalizeSpace(strings.Trim(desc, " .!")))
	if len(norm) < minDescriptionLen {
		return true
	}
	_, generic := genericDescriptions[norm]
	return generic
}

func hasImage(e crawler.CanonicalEntity) bool {
	if strings.TrimSpace(e.ExteriorPhoto) != "" {
		return true
	}
	for _, p := range e.Photos {
		if strings.TrimSpace(p) != "" {
			return true
		}
	}
	return false
}

func distinctCount(values []string) int {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		seen[v] = struct{}{}
	}
	return len(seen)
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
