package resolve

import (
	"context"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/normalize"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

// personStrategy matches persons by ORCID, then by surname and initial with
// co-authorship, email and affiliation evidence.
type personStrategy struct {
	norm   *normalize.Normalizer
	policy PersonPolicy
	fanout int
}

func (s *personStrategy) Kind() kb.Kind { return kb.KindPerson }

func (s *personStrategy) ImmutableKeys() []string { return []string{kb.ClaimORCID} }

func (s *personStrategy) SingleValuedKeys() []string {
	return []string{kb.ClaimORCID, kb.ClaimName}
}

func (s *personStrategy) BlockingKeys(v *kb.Vertex) ([]BlockingKey, []kb.Reason) {
	var keys []BlockingKey
	var missing []kb.Reason

	orcids := 0
	for _, raw := range v.Claims.Values(kb.ClaimORCID) {
		if orcid := s.norm.ORCID(raw); orcid != "" {
			keys = append(keys, BlockingKey{Key: "orcid:" + orcid, Reason: kb.ReasonORCID})
			orcids++
		}
	}
	if orcids == 0 {
		missing = append(missing, kb.ReasonORCID)
	}

	name := v.Claims.FirstValue(kb.ClaimName)
	surname := s.norm.Surname(name)
	if surname == "" {
		missing = append(missing, kb.ReasonPersonName)
		return keys, missing
	}
	keys = append(keys, BlockingKey{
		Key:    "name:" + surname + "|" + s.norm.Initial(name),
		Reason: kb.ReasonPersonName,
	})
	return keys, missing
}

// Profile reads the works the person acts on and the other persons acting
// on them, both canonicalized.
func (s *personStrategy) Profile(ctx context.Context, g store.GraphReader, v *kb.Vertex) (*Profile, error) {
	p := newProfile(v)

	edges, err := g.EdgesOf(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	workIDs := neighbors(edges, v.ID, kb.EdgeActors, outgoing(v.ID), s.fanout)
	works, err := canonicalize(ctx, g, workIDs)
	if err != nil {
		return nil, err
	}
	p.Sets["works"] = works

	var collaboratorIDs []string
	for _, w := range workIDs {
		wEdges, err := g.EdgesOf(ctx, w)
		if err != nil {
			return nil, err
		}
		for _, id := range neighbors(wEdges, w, kb.EdgeActors, incoming(w), s.fanout) {
			if id != v.ID {
				collaboratorIDs = append(collaboratorIDs, id)
			}
		}
	}
	collaborators, err := canonicalize(ctx, g, collaboratorIDs)
	if err != nil {
		return nil, err
	}
	p.Sets["collaborators"] = collaborators

	emails := p.set("emails")
	for _, raw := range v.Claims.Values(kb.ClaimEmail) {
		if local, domain := s.norm.Email(raw); local != "" {
			emails[local+"@"+domain] = struct{}{}
		}
	}

	var orgIDs []string
	affiliations := p.set("affiliations")
	for _, raw := range v.Claims.Values(kb.ClaimAffiliation) {
		if kind, ok := kb.KindOf(raw); ok && kind == kb.KindOrganization {
			orgIDs = append(orgIDs, raw)
			continue
		}
		if name := s.norm.Text(raw); name != "" {
			affiliations["name:"+name] = struct{}{}
		}
	}
	orgs, err := canonicalize(ctx, g, orgIDs)
	if err != nil {
		return nil, err
	}
	for id := range orgs {
		affiliations[id] = struct{}{}
	}
	return p, nil
}

func (s *personStrategy) Score(a, b *Profile) Score {
	ids := []string{a.Vertex.ID, b.Vertex.ID}
	sharedWorks := normalize.Intersection(a.Sets["works"], b.Sets["works"])
	sharedCollaborators := normalize.Intersection(
		without(a.Sets["collaborators"], ids...),
		without(b.Sets["collaborators"], ids...),
	)
	shared := max(sharedWorks, sharedCollaborators)
	coauthor := clamp01(float64(shared) / float64(s.policy.CoauthorSaturation))

	email := emailScore(a.Sets["emails"], b.Sets["emails"])
	affiliation := boolScore(normalize.Intersection(a.Sets["affiliations"], b.Sets["affiliations"]) > 0)

	return Score{
		Value: clamp01(s.policy.CoauthorWeight*coauthor + s.policy.EmailWeight*email + s.policy.AffiliationWeight*affiliation),
		Features: map[string]float64{
			"coauthorship": coauthor,
			"shared":       float64(shared),
			"email":        email,
			"affiliation":  affiliation,
		},
	}
}

// emailScore is the best match over all address pairs: 1 for the same
// address, 0.6 for the same local part, 0.3 for the same domain.
func emailScore(a, b map[string]struct{}) float64 {
	best := 0.0
	for x := range a {
		xl, xd := splitAddress(x)
		for y := range b {
			yl, yd := splitAddress(y)
			switch {
			case x == y:
				return 1
			case xl == yl:
				best = max(best, 0.6)
			case xd != "" && xd == yd:
				best = max(best, 0.3)
			}
		}
	}
	return best
}

func splitAddress(addr string) (string, string) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[:i], addr[i+1:]
		}
	}
	return addr, ""
}
