package resolve

import (
	"context"
	"strings"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/normalize"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

// documentStrategy matches documents by DOI, then by title and first author.
// Author claims hold names in author order.
type documentStrategy struct {
	norm   *normalize.Normalizer
	policy DocumentPolicy
}

func (s *documentStrategy) Kind() kb.Kind { return kb.KindDocument }

func (s *documentStrategy) ImmutableKeys() []string { return []string{kb.ClaimDOI} }

func (s *documentStrategy) SingleValuedKeys() []string {
	return []string{kb.ClaimDOI, kb.ClaimTitle}
}

func (s *documentStrategy) BlockingKeys(v *kb.Vertex) ([]BlockingKey, []kb.Reason) {
	var keys []BlockingKey
	var missing []kb.Reason

	dois := s.dois(v)
	for _, doi := range dois {
		keys = append(keys, BlockingKey{Key: "doi:" + doi, Reason: kb.ReasonDOI})
	}
	if len(dois) == 0 {
		missing = append(missing, kb.ReasonDOI)
	}

	title := s.norm.Tokens(v.Claims.FirstValue(kb.ClaimTitle))
	surname := s.norm.Surname(v.Claims.FirstValue(kb.ClaimAuthor))
	if len(title) == 0 || surname == "" {
		missing = append(missing, kb.ReasonTitleAuthor)
		return keys, missing
	}
	if len(title) > s.policy.TitleKeyTokens {
		title = title[:s.policy.TitleKeyTokens]
	}
	keys = append(keys, BlockingKey{
		Key:    "title:" + strings.Join(title, " ") + "|" + surname,
		Reason: kb.ReasonTitleAuthor,
	})
	return keys, missing
}

func (s *documentStrategy) dois(v *kb.Vertex) []string {
	var out []string
	for _, raw := range v.Claims.Values(kb.ClaimDOI) {
		if doi := s.norm.DOI(raw); doi != "" {
			out = append(out, doi)
		}
	}
	return out
}

func (s *documentStrategy) Profile(ctx context.Context, g store.GraphReader, v *kb.Vertex) (*Profile, error) {
	p := newProfile(v)
	p.Text["title"] = s.norm.Text(v.Claims.FirstValue(kb.ClaimTitle))
	p.Text["first_author"] = s.norm.Surname(v.Claims.FirstValue(kb.ClaimAuthor))
	return p, nil
}

func (s *documentStrategy) Score(a, b *Profile) Score {
	title := normalize.Similarity(a.Text["title"], b.Text["title"])
	author := boolScore(a.Text["first_author"] != "" && a.Text["first_author"] == b.Text["first_author"])
	return Score{
		Value: clamp01(s.policy.TitleWeight*title + s.policy.FirstAuthorWeight*author),
		Features: map[string]float64{
			"title":        title,
			"first_author": author,
		},
	}
}
