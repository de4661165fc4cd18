package dedup

import (
	"strings"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

// Matcher applies the proximity AND name-similarity rule to pairs.
type Matcher struct {
	RadiusMeters float64
	Similarity   Similarity
}

// Match reports whether a and b describe the same booth, with the distance
// and name score used to break ties between competing clusters.
//
// Records lacking coordinates cannot pass the proximity test; they match only
// when name, address and city are identical after normalization.
func (m Matcher) Match(a, b crawler.CanonicalEntity) (distance, score float64, ok bool) {
	d, hasCoords := Distance(a, b)
	if !hasCoords {
		if sameIdentity(a, b) {
			return m.RadiusMeters, 1, true
		}
		return 0, 0, false
	}
	if d > m.RadiusMeters {
		return d, 0, false
	}
	if !m.Similarity.Match(a.Name, b.Name) {
		return d, 0, false
	}
	return d, m.Similarity.Score(a.Name, b.Name), true
}

func sameIdentity(a, b crawler.CanonicalEntity) bool {
	addrA, addrB := NormalizeName(a.Address), NormalizeName(b.Address)
	if addrA == "" || addrA != addrB {
		return false
	}
	return NormalizeName(a.Name) == NormalizeName(b.Name) &&
		strings.EqualFold(strings.TrimSpace(a.City), strings.TrimSpace(b.City))
}

// BestMatch picks the closest matching entity among candidates for e. Ties on
// distance go to the higher name score. It returns -1 when nothing matches.
func (m Matcher) BestMatch(e crawler.CanonicalEntity, candidates []crawler.CanonicalEntity) int {
	best := -1
	var bestDist, bestScore float64
	for i, c := range candidates {
		if c.Persisted() && c.ID == e.ID {
			continue
		}
		d, s, ok := m.Match(e, c)
		if !ok {
			continue
		}
		if best == -1 || d < bestDist || (d == bestDist && s > bestScore) {
			best, bestDist, bestScore = i, d, s
		}
	}
	return best
}

// Cluster groups entities by single linkage: members are visited best first
// and each joins the group holding its closest matching member. A member
// claimed by several groups goes to the smallest distance, then the higher
// name score. Only groups with two or more members are returned.
func Cluster(m Matcher, scorer Scorer, entities []crawler.CanonicalEntity) [][]crawler.CanonicalEntity {
	ranked := scorer.Rank(entities)
	var groups [][]crawler.CanonicalEntity
	for _, e := range ranked {
		target := -1
		var bestDist, bestScore float64
		for gi, group := range groups {
			idx := m.BestMatch(e, group)
			if idx < 0 {
				continue
			}
			d, s, _ := m.Match(e, group[idx])
			if target == -1 || d < bestDist || (d == bestDist && s > bestScore) {
				target, bestDist, bestScore = gi, d, s
			}
		}
		if target < 0 {
			groups = append(groups, []crawler.CanonicalEntity{e})
			continue
		}
		groups[target] = append(groups[target], e)
	}
	out := groups[:0]
	for _, g := range groups {
		if len(g) > 1 {
			out = append(out, g)
		}
	}
	return out
}
