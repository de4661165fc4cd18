package dedup

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContainmentSimilarity(t *testing.T) {
	t.Parallel()

	sim := NewContainmentSimilarity(DefaultNameConfig())
	tests := []struct {
		name  string
		a, b  string
		match bool
	}{
		{"suffix differs", "Mauerpark Booth", "Mauerpark 2", true},
		{"numeric vs roman suffix", "Venue 2", "Venue II", true},
		{"letter suffix", "Kino Babylon A", "Kino Babylon", true},
		{"diacritics typo", "Café Kranzler", "Cafe Kranzler", true},
		{"single typo", "Kastanienallee", "Kastanienalee", true},
		{"containment", "Mauerpark", "Mauerpark Flea", true},
		{"case and punctuation", "MAUERPARK!", "mauerpark", true},
		{"length disparity", "Berghain", "Berghain Kantine am Wriezener Bahnhof", false},
		{"no shared token", "Photoautomat Warschauer", "Photoautomat Kastanienallee", false},
		{"only generic tokens differ", "Photo Booth", "Kottbusser Tor", false},
		{"empty", "", "Mauerpark", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.match, sim.Match(tc.a, tc.b), "%q vs %q", tc.a, tc.b)
			require.Equal(t, sim.Match(tc.a, tc.b), sim.Match(tc.b, tc.a), "must be symmetric")
			require.InDelta(t, sim.Score(tc.a, tc.b), sim.Score(tc.b, tc.a), 1e-9)
		})
	}
}

func TestContainmentScoreOrdering(t *testing.T) {
	t.Parallel()

	sim := NewContainmentSimilarity(DefaultNameConfig())
	exact := sim.Score("Mauerpark", "Mauerpark")
	contained := sim.Score("Mauerpark", "Mauerpark Flea")
	require.InDelta(t, 1.0, exact, 1e-9)
	require.Less(t, contained, exact)
	require.Greater(t, contained, 0.8)
}

func TestTokenSetSimilarity(t *testing.T) {
	t.Parallel()

	sim := NewSimilarity("token_set", NameConfig{})
	require.True(t, sim.Match("Kottbusser Tor Station", "Station Kottbusser Tor"))
	require.InDelta(t, 1.0, sim.Score("Kottbusser Tor Station", "Station Kottbusser Tor"), 1e-9)
	require.False(t, sim.Match("Kottbusser Tor", "Hermannplatz"))
	require.InDelta(t, 1.0/3, sim.Score("Kottbusser Tor", "Kottbusser Damm"), 1e-9)
}

func TestNormalizeName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "photo booth no 5", NormalizeName("  Photo-Booth, No.5 "))
	require.Equal(t, "straße", NormalizeName("Straße"))
}

func ExampleContainmentSimilarity_Match() {
	sim := NewContainmentSimilarity(DefaultNameConfig())
	fmt.Println(sim.Match("Mauerpark Booth", "Mauerpark 2"))
	fmt.Println(sim.Match("Photoautomat Warschauer", "Photoautomat Kastanienallee"))
	// Output:
	// true
	// false
}
