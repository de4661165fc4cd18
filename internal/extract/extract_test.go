package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

func ptr(f float64) *float64 { return &f }

var meta = crawler.SourceMetadata{
	SourceID:      "src-1",
	SourceName:    "photobooth.net",
	SourceURL:     "https://photobooth.net/locations",
	ExtractorType: "static",
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      crawler.CandidateEntity
		wantErr bool
		check   func(t *testing.T, got crawler.CandidateEntity)
	}{
		{
			name: "normalizes whitespace and defaults source",
			in: crawler.CandidateEntity{
				Name:    "  Mauerpark   Booth ",
				City:    "Berlin",
				Country: "Germany",
				Photos:  []string{"a.jpg", " ", "a.jpg", "b.jpg"},
			},
			check: func(t *testing.T, got crawler.CandidateEntity) {
				require.Equal(t, "Mauerpark Booth", got.Name)
				require.Equal(t, "photobooth.net", got.SourceName)
				require.Equal(t, "https://photobooth.net/locations", got.SourceURL)
				require.Equal(t, []string{"a.jpg", "b.jpg"}, got.Photos)
			},
		},
		{
			name: "drops null island",
			in:   crawler.CandidateEntity{Name: "X", City: "Y", Country: "Z", Latitude: ptr(0), Longitude: ptr(0)},
			check: func(t *testing.T, got crawler.CandidateEntity) {
				require.False(t, got.HasCoordinates())
			},
		},
		{name: "missing name", in: crawler.CandidateEntity{City: "Berlin", Country: "Germany"}, wantErr: true},
		{name: "missing city", in: crawler.CandidateEntity{Name: "X", Country: "Germany"}, wantErr: true},
		{name: "missing country", in: crawler.CandidateEntity{Name: "X", City: "Berlin"}, wantErr: true},
		{
			name:    "half coordinates",
			in:      crawler.CandidateEntity{Name: "X", City: "Y", Country: "Z", Latitude: ptr(52)},
			wantErr: true,
		},
		{
			name:    "out of range",
			in:      crawler.CandidateEntity{Name: "X", City: "Y", Country: "Z", Latitude: ptr(91), Longitude: ptr(13)},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Validate(tt.in, meta)
			if tt.wantErr {
				require.ErrorIs(t, err, crawler.ErrInvalidCandidate)
				return
			}
			require.NoError(t, err)
			tt.check(t, got)
		})
	}
}

type stubExtractor struct {
	out []crawler.CandidateEntity
	err error
}

func (s stubExtractor) Extract(context.Context, []crawler.Page, crawler.SourceMetadata) ([]crawler.CandidateEntity, error) {
	return s.out, s.err
}

func TestRegistryDispatchesAndValidates(t *testing.T) {
	t.Parallel()

	r := NewRegistry("jsonld")
	r.Register("Static", stubExtractor{out: []crawler.CandidateEntity{
		{Name: "Good", City: "Berlin", Country: "Germany"},
		{Name: "", City: "Berlin", Country: "Germany"},
	}})
	r.Register("jsonld", stubExtractor{})
	require.Equal(t, []string{"jsonld", "static"}, r.Names())

	got, err := r.Extract(context.Background(), nil, meta)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "Good", got[0].Name)

	fallback := meta
	fallback.ExtractorType = ""
	got, err = r.Extract(context.Background(), nil, fallback)
	require.NoError(t, err)
	require.Empty(t, got)

	unknown := meta
	unknown.ExtractorType = "ai-v9"
	_, err = r.Extract(context.Background(), nil, unknown)
	require.ErrorIs(t, err, crawler.ErrExtraction)
}

func TestRegistryPropagatesErrors(t *testing.T) {
	t.Parallel()

	r := NewRegistry("")
	boom := errors.New("boom")
	r.Register("static", stubExtractor{err: boom})
	_, err := r.Extract(context.Background(), nil, meta)
	require.ErrorIs(t, err, boom)
}
