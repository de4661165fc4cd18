package dedup

import (
	"slices"
	"strings"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

const descriptionSeparator = "\n\n"

// Decide turns a cluster into a merge decision. The highest-ranked member
// is the keeper; the rest are losers in rank order.
func Decide(scorer Scorer, members []crawler.CanonicalEntity) crawler.MergeDecision {
	ranked := scorer.Rank(members)
	keeper := ranked[0]
	losers := ranked[1:]
	return crawler.MergeDecision{
		Keeper: keeper,
		Losers: losers,
		Merged: Merge(keeper, losers),
	}
}

// Merge folds losers into keeper. It never clears a keeper field: optional
// fields the keeper lacks are copied from the first loser that has them,
// distinct descriptions are concatenated, and list fields are unioned in
// order with duplicates removed. Loser names that differ from the keeper's
// become aliases.
func Merge(keeper crawler.CanonicalEntity, losers []crawler.CanonicalEntity) crawler.CanonicalEntity {
	out := keeper.Clone()
	for _, l := range losers {
		fill(&out.Address, l.Address)
		fill(&out.City, l.City)
		fill(&out.Country, l.Country)
		fill(&out.PostalCode, l.PostalCode)
		fill(&out.Region, l.Region)
		fill(&out.ExteriorPhoto, l.ExteriorPhoto)
		fill(&out.MachineModel, l.MachineModel)
		fill(&out.MachineManufacturer, l.MachineManufacturer)
		fill(&out.Hours, l.Hours)
		fill(&out.Cost, l.Cost)
		fill(&out.Phone, l.Phone)
		fill(&out.Website, l.Website)
		if !out.HasCoordinates() && l.HasCoordinates() {
			lat, lng := *l.Latitude, *l.Longitude
			out.Latitude, out.Longitude = &lat, &lng
		}
		if (out.Status == "" || out.Status == crawler.EntityUnverified) &&
			l.Status != "" && l.Status != crawler.EntityUnverified {
			out.Status = l.Status
		}
		out.Description = appendDescription(out.Description, l.Description)
		out.Photos = unionStrings(out.Photos, l.Photos)
		out.SourceNames = unionStrings(out.SourceNames, l.SourceNames)
		out.SourceURLs = unionURLs(out.SourceURLs, l.SourceURLs)
		out.Aliases = unionStrings(out.Aliases, l.Aliases, []string{l.Name})
	}
	out.Aliases = slices.DeleteFunc(out.Aliases, func(a string) bool {
		return strings.EqualFold(a, strings.TrimSpace(out.Name))
	})
	if out.Status == "" {
		out.Status = crawler.EntityUnverified
	}
	return out
}

func fill(dst *string, src string) {
	if strings.TrimSpace(*dst) == "" && strings.TrimSpace(src) != "" {
		*dst = src
	}
}

// appendDescription concatenates extra onto base unless it is empty or
// already present as one of base's paragraphs.
func appendDescription(base, extra string) string {
	extra = strings.TrimSpace(extra)
	if extra == "" {
		return base
	}
	if strings.TrimSpace(base) == "" {
		return extra
	}
	key := descriptionKey(extra)
	for _, para := range strings.Split(base, descriptionSeparator) {
		if descriptionKey(para) == key {
			return base
		}
	}
	return base + descriptionSeparator + extra
}

func descriptionKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// unionStrings merges lists, keeping first occurrence order and dropping
// blanks and case-insensitive duplicates.
func unionStrings(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			key := strings.ToLower(v)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// unionURLs is unionStrings keyed on the normalized URL.
func unionURLs(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			key, err := crawler.NormalizeURL(v)
			if err != nil {
				key = v
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
