package dedup

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// Similarity scores how likely two booth names refer to the same venue.
// Implementations must be symmetric and safe for concurrent use.
type Similarity interface {
	// Score returns a similarity in [0,1]; higher is more similar.
	Score(a, b string) float64
	// Match reports whether the names are similar enough to merge.
	Match(a, b string) bool
}

// NameConfig holds the tunables shared by the name matchers.
type NameConfig struct {
	// MaxSuffixLen bounds the trailing disambiguator dropped before comparing
	// ("Venue 2", "Venue II", "Venue B").
	MaxSuffixLen int
	// MinLengthRatio rejects pairs whose shorter name is much shorter.
	MinLengthRatio float64
	// MaxEditDistance and MinEditRatio bound the Levenshtein fallback.
	MaxEditDistance int
	MinEditRatio    float64
	// MinTokenOverlap is the Jaccard threshold used by TokenSetSimilarity.
	MinTokenOverlap float64
	// GenericTokens are ignored when comparing ("photo", "booth").
	GenericTokens []string
}

// DefaultNameConfig returns the tunables used when none are configured.
func DefaultNameConfig() NameConfig {
	return NameConfig{
		MaxSuffixLen:    3,
		MinLengthRatio:  0.5,
		MaxEditDistance: 3,
		MinEditRatio:    0.8,
		MinTokenOverlap: 0.6,
		GenericTokens:   []string{"photo", "booth", "photobooth", "photoautomat", "fotoautomat", "the"},
	}
}

func (c NameConfig) withDefaults() NameConfig {
	def := DefaultNameConfig()
	if c.MaxSuffixLen <= 0 {
		c.MaxSuffixLen = def.MaxSuffixLen
	}
	if c.MinLengthRatio <= 0 {
		c.MinLengthRatio = def.MinLengthRatio
	}
	if c.MaxEditDistance <= 0 {
		c.MaxEditDistance = def.MaxEditDistance
	}
	if c.MinEditRatio <= 0 {
		c.MinEditRatio = def.MinEditRatio
	}
	if c.MinTokenOverlap <= 0 {
		c.MinTokenOverlap = def.MinTokenOverlap
	}
	if c.GenericTokens == nil {
		c.GenericTokens = def.GenericTokens
	}
	return c
}

// NewSimilarity returns the matcher registered under kind. Unknown kinds
// fall back to containment.
func NewSimilarity(kind string, cfg NameConfig) Similarity {
	switch kind {
	case "token_set":
		return NewTokenSetSimilarity(cfg)
	default:
		return NewContainmentSimilarity(cfg)
	}
}

// ContainmentSimilarity matches names when one contains the other, when they
// differ only by a short suffix, or when they are within a small edit
// distance. Names with no shared token never match.
type ContainmentSimilarity struct {
	cfg     NameConfig
	generic map[string]struct{}
}

// NewContainmentSimilarity builds a ContainmentSimilarity.
func NewContainmentSimilarity(cfg NameConfig) *ContainmentSimilarity {
	cfg = cfg.withDefaults()
	return &ContainmentSimilarity{cfg: cfg, generic: tokenSet(cfg.GenericTokens)}
}

// Match implements Similarity.
func (s *ContainmentSimilarity) Match(a, b string) bool {
	_, ok := s.compare(a, b)
	return ok
}

// Score implements Similarity.
func (s *ContainmentSimilarity) Score(a, b string) float64 {
	score, _ := s.compare(a, b)
	return score
}

func (s *ContainmentSimilarity) compare(a, b string) (float64, bool) {
	ta := significantTokens(a, s.generic, s.cfg.MaxSuffixLen)
	tb := significantTokens(b, s.generic, s.cfg.MaxSuffixLen)
	if len(ta) == 0 || len(tb) == 0 {
		return 0, false
	}
	sa, sb := strings.Join(ta, " "), strings.Join(tb, " ")
	if sa == sb {
		return 1, true
	}
	if !overlaps(ta, tb) {
		return editScore(sa, sb), false
	}
	short, long := sa, sb
	if len([]rune(short)) > len([]rune(long)) {
		short, long = long, short
	}
	ratio := float64(len([]rune(short))) / float64(len([]rune(long)))
	if ratio < s.cfg.MinLengthRatio {
		return ratio, false
	}
	if containsTokens(long, short) {
		return 0.8 + 0.2*ratio, true
	}
	dist := levenshtein.ComputeDistance(sa, sb)
	score := editScore(sa, sb)
	return score, dist <= s.cfg.MaxEditDistance && score >= s.cfg.MinEditRatio
}

// TokenSetSimilarity matches names by Jaccard overlap of their significant
// tokens. It is stricter than containment for long multi-word names.
type TokenSetSimilarity struct {
	cfg     NameConfig
	generic map[string]struct{}
}

// NewTokenSetSimilarity builds a TokenSetSimilarity.
func NewTokenSetSimilarity(cfg NameConfig) *TokenSetSimilarity {
	cfg = cfg.withDefaults()
	return &TokenSetSimilarity{cfg: cfg, generic: tokenSet(cfg.GenericTokens)}
}

// Score implements Similarity.
func (s *TokenSetSimilarity) Score(a, b string) float64 {
	ta := tokenSet(significantTokens(a, s.generic, s.cfg.MaxSuffixLen))
	tb := tokenSet(significantTokens(b, s.generic, s.cfg.MaxSuffixLen))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			shared++
		}
	}
	union := len(ta) + len(tb) - shared
	return float64(shared) / float64(union)
}

// Match implements Similarity.
func (s *TokenSetSimilarity) Match(a, b string) bool {
	return s.Score(a, b) >= s.cfg.MinTokenOverlap
}

// NormalizeName lowercases, strips punctuation and collapses whitespace.
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// significantTokens normalizes name, drops generic tokens (unless nothing
// else is left) and strips one trailing disambiguating suffix.
func significantTokens(name string, generic map[string]struct{}, maxSuffix int) []string {
	all := strings.Fields(NormalizeName(name))
	tokens := make([]string, 0, len(all))
	for _, tok := range all {
		if _, skip := generic[tok]; !skip {
			tokens = append(tokens, tok)
		}
	}
	if len(tokens) == 0 {
		tokens = all
	}
	if len(tokens) > 1 && isSuffix(tokens[len(tokens)-1], maxSuffix) {
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}

var romanNumerals = map[string]struct{}{
	"i": {}, "ii": {}, "iii": {}, "iv": {}, "v": {}, "vi": {}, "vii": {}, "viii": {}, "ix": {}, "x": {},
}

func isSuffix(tok string, maxLen int) bool {
	runes := []rune(tok)
	if len(runes) == 0 || len(runes) > maxLen {
		return false
	}
	if len(runes) == 1 {
		return true
	}
	if _, ok := romanNumerals[tok]; ok {
		return true
	}
	for _, r := range runes {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func containsTokens(long, short string) bool {
	return strings.Contains(" "+long+" ", " "+short+" ")
}

// overlaps reports a shared token. Tokens of five or more runes also count
// as shared when they are one edit apart, so a typo does not hide overlap.
func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
			if len([]rune(x)) >= 5 && len([]rune(y)) >= 5 && levenshtein.ComputeDistance(x, y) <= 1 {
				return true
			}
		}
	}
	return false
}

func editScore(a, b string) float64 {
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}
