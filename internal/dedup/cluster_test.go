package dedup

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

func newMatcher(radius float64) Matcher {
	return Matcher{RadiusMeters: radius, Similarity: NewContainmentSimilarity(DefaultNameConfig())}
}

func TestMatchRequiresProximityAndName(t *testing.T) {
	t.Parallel()

	m := newMatcher(50)
	a := crawler.CanonicalEntity{Name: "Mauerpark Booth", Latitude: ptr(52.5441), Longitude: ptr(13.4022)}
	b := crawler.CanonicalEntity{Name: "Mauerpark 2", Latitude: ptr(52.5441), Longitude: ptr(13.4025)}
	farB := b
	farB.Longitude = ptr(13.4100)
	other := crawler.CanonicalEntity{Name: "Photoautomat Warschauer", Latitude: ptr(52.5441), Longitude: ptr(13.4023)}

	_, _, ok := m.Match(a, b)
	require.True(t, ok)
	_, _, ok = m.Match(a, farB)
	require.False(t, ok, "name alone is not enough")
	_, _, ok = m.Match(a, other)
	require.False(t, ok, "proximity alone is not enough")
}

func TestMatchWithoutCoordinatesNeedsIdentity(t *testing.T) {
	t.Parallel()

	m := newMatcher(50)
	a := crawler.CanonicalEntity{Name: "Kiosk", Address: "Kastanienallee 5", City: "Berlin"}
	b := crawler.CanonicalEntity{Name: "kiosk", Address: "Kastanienallee 5", City: "berlin"}
	c := crawler.CanonicalEntity{Name: "Kiosk 2", Address: "Kastanienallee 5", City: "Berlin"}

	_, _, ok := m.Match(a, b)
	require.True(t, ok)
	_, _, ok = m.Match(a, c)
	require.False(t, ok)
	_, _, ok = m.Match(crawler.CanonicalEntity{Name: "Kiosk"}, crawler.CanonicalEntity{Name: "Kiosk"})
	require.False(t, ok, "blank addresses never match")
}

func TestClusterGroupsDuplicates(t *testing.T) {
	t.Parallel()

	entities := []crawler.CanonicalEntity{
		{ID: "1", Name: "Mauerpark Booth", Latitude: ptr(52.5441), Longitude: ptr(13.4022)},
		{ID: "2", Name: "Mauerpark 2", Latitude: ptr(52.5441), Longitude: ptr(13.4025)},
		{ID: "3", Name: "Photoautomat Warschauer", Latitude: ptr(52.5441), Longitude: ptr(13.4023)},
		{ID: "4", Name: "Kastanienallee", Latitude: ptr(52.5380), Longitude: ptr(13.4120)},
	}

	groups := Cluster(newMatcher(50), NewScorer(DefaultWeights()), entities)
	require.Len(t, groups, 1)
	ids := []string{groups[0][0].ID, groups[0][1].ID}
	require.ElementsMatch(t, []string{"1", "2"}, ids)
}

func TestClusterAmbiguityGoesToNearestGroup(t *testing.T) {
	t.Parallel()

	rich := func(id string, lng float64) crawler.CanonicalEntity {
		return crawler.CanonicalEntity{
			ID:            id,
			Name:          "Kiosk Tor",
			Latitude:      ptr(52.5),
			Longitude:     ptr(lng),
			Description:   "Booth in the kiosk by the station entrance.",
			ExteriorPhoto: "ext.jpg",
		}
	}
	// west is ~40m from the shared member, east ~10m; west and east are
	// ~50m apart so they cannot join each other at a 45m radius.
	west := rich("west", 13.39941)
	east := rich("east", 13.40015)
	shared := crawler.CanonicalEntity{ID: "shared", Name: "Kiosk Tor", Latitude: ptr(52.5), Longitude: ptr(13.4)}

	groups := Cluster(newMatcher(45), NewScorer(DefaultWeights()), []crawler.CanonicalEntity{shared, west, east})
	require.Len(t, groups, 1)
	require.Len(t, groups[0], 2)
	require.Equal(t, "east", groups[0][0].ID)
	require.Equal(t, "shared", groups[0][1].ID)
}
