// Package normalize holds the string normalization and similarity rules shared by
// candidate generation and scoring. Both must use the same Normalizer so that a
// blocking key and the feature it stands for agree.
package normalize

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Rules selects the normalization steps. The zero value disables all of them;
// use DefaultRules for the standard set.
type Rules struct {
	Lowercase        bool `yaml:"lowercase"`
	StripDiacritics  bool `yaml:"strip_diacritics"`
	StripPunctuation bool `yaml:"strip_punctuation"`
	CollapseSpace    bool `yaml:"collapse_whitespace"`
}

func DefaultRules() Rules {
	return Rules{
		Lowercase:        true,
		StripDiacritics:  true,
		StripPunctuation: true,
		CollapseSpace:    true,
	}
}

// Normalizer applies a fixed rule set.
type Normalizer struct {
	rules Rules
}

func New(rules Rules) *Normalizer {
	return &Normalizer{rules: rules}
}

func (n *Normalizer) Rules() Rules {
	return n.rules
}

// Text normalizes free text such as titles and names.
func (n *Normalizer) Text(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if n.rules.StripDiacritics {
		s = stripDiacritics(s)
	}
	if n.rules.Lowercase {
		s = strings.ToLower(s)
	}
	if n.rules.StripPunctuation {
		s = strings.Map(func(r rune) rune {
			if unicode.IsPunct(r) || unicode.IsSymbol(r) {
				return ' '
			}
			return r
		}, s)
	}
	if n.rules.CollapseSpace {
		s = strings.Join(strings.Fields(s), " ")
	}
	return strings.TrimSpace(s)
}

// Tokens splits normalized text into words.
func (n *Normalizer) Tokens(s string) []string {
	return strings.Fields(n.Text(s))
}

var doiPrefixes = []string{
	"https://doi.org/",
	"http://doi.org/",
	"https://dx.doi.org/",
	"http://dx.doi.org/",
	"dx.doi.org/",
	"doi.org/",
	"doi:",
}

// DOI lower-cases a DOI and strips any resolver URL or scheme prefix. DOIs keep
// their punctuation: "10.1/abc" and "10.1/a-bc" are different identifiers.
func (n *Normalizer) DOI(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, p := range doiPrefixes {
		if strings.HasPrefix(s, p) {
			s = strings.TrimSpace(s[len(p):])
			break
		}
	}
	if !strings.HasPrefix(s, "10.") {
		return ""
	}
	return s
}

// ORCID reduces an ORCID iD or URL to its bare 16-character form without dashes.
func (n *Normalizer) ORCID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.LastIndex(s, "orcid.org/"); i >= 0 {
		s = s[i+len("orcid.org/"):]
	}
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) || r == 'x' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Email lower-cases an address and splits it into local part and domain.
func (n *Normalizer) Email(s string) (local, domain string) {
	s = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "mailto:")))
	local, domain, ok := strings.Cut(s, "@")
	if !ok {
		return "", ""
	}
	return local, domain
}

// Surname extracts the family name from "Family, Given" or "Given Family".
func (n *Normalizer) Surname(name string) string {
	if family, _, ok := strings.Cut(name, ","); ok {
		return n.Text(family)
	}
	tokens := n.Tokens(name)
	if len(tokens) == 0 {
		return ""
	}
	return tokens[len(tokens)-1]
}

// Initial returns the first letter of the given name, or "".
func (n *Normalizer) Initial(name string) string {
	var given string
	if _, rest, ok := strings.Cut(name, ","); ok {
		given = rest
	} else {
		tokens := n.Tokens(name)
		if len(tokens) < 2 {
			return ""
		}
		given = tokens[0]
	}
	given = n.Text(given)
	for _, r := range given {
		return string(r)
	}
	return ""
}

func stripDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Similarity is 1 - levenshtein(a, b) / max(len(a), len(b)) over runes.
// Two empty strings are not similar.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	maxLen := max(len([]rune(a)), len([]rune(b)))
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(maxLen)
}

// Jaccard is |a ∩ b| / |a ∪ b| over token sets.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, t := range b {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := set[t]; ok {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// Overlap is |a ∩ b| / min(|a|, |b|) over id sets.
func Overlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	inter := 0
	for id := range small {
		if _, ok := large[id]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(small))
}

// Intersection counts the ids present in both sets.
func Intersection(a, b map[string]struct{}) int {
	n := 0
	for id := range a {
		if _, ok := b[id]; ok {
			n++
		}
	}
	return n
}
