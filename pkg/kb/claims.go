package kb

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Well-known claim keys used by the resolution strategies.
const (
	ClaimDOI            = "doi"
	ClaimTitle          = "title"
	ClaimAuthor         = "author"
	ClaimORCID          = "orcid"
	ClaimName           = "name"
	ClaimEmail          = "email"
	ClaimAffiliation    = "affiliation"
	ClaimCountry        = "country"
	ClaimType           = "type"
	ClaimAddress        = "address"
	ClaimVersion        = "version"
	ClaimAlias          = "alias"
	ClaimManualIdentity = "manual_identity"
)

// Datatypes of claim values.
const (
	DatatypeString     = "string"
	DatatypeExternalID = "external-id"
	DatatypeInternalID = "internal-id"
	DatatypeURL        = "url"
	DatatypeTime       = "time"
)

// Origin records how a claim value entered the knowledge base.
type Origin string

const (
	OriginExtracted Origin = "extracted"
	OriginImported  Origin = "imported"
	OriginCurated   Origin = "curated"
	OriginManual    Origin = "manual"
)

// Provenance of a claim value.
type Provenance struct {
	Origin Origin `json:"origin"`
	Source string `json:"source,omitempty"`
}

// Curated reports whether a human or a curated registry asserted the value.
func (p Provenance) Curated() bool {
	return p.Origin == OriginCurated || p.Origin == OriginManual
}

// ClaimValue is one typed value of a property.
type ClaimValue struct {
	Value      string     `json:"value"`
	Datatype   string     `json:"datatype,omitempty"`
	Provenance Provenance `json:"provenance"`
	// Secondary marks an alternative kept when a merge chose another value.
	Secondary bool `json:"secondary,omitempty"`
}

// Identity is the value identity used to deduplicate claim values.
func (c ClaimValue) Identity() string {
	return c.Datatype + "\x00" + c.Value
}

// Claims maps a property key to its ordered values.
type Claims map[string][]ClaimValue

func (c Claims) Clone() Claims {
	if c == nil {
		return nil
	}
	out := make(Claims, len(c))
	for k, vs := range c {
		cp := make([]ClaimValue, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}

// First returns the first non-secondary value of key.
func (c Claims) First(key string) (ClaimValue, bool) {
	for _, v := range c[key] {
		if !v.Secondary && strings.TrimSpace(v.Value) != "" {
			return v, true
		}
	}
	return ClaimValue{}, false
}

// FirstValue returns the raw string of First, or "".
func (c Claims) FirstValue(key string) string {
	v, _ := c.First(key)
	return v.Value
}

// Values returns every non-empty value of key, primary values first.
func (c Claims) Values(key string) []string {
	vs := c[key]
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if !v.Secondary && strings.TrimSpace(v.Value) != "" {
			out = append(out, v.Value)
		}
	}
	for _, v := range vs {
		if v.Secondary && strings.TrimSpace(v.Value) != "" {
			out = append(out, v.Value)
		}
	}
	return out
}

// CuratedValues returns the values of key asserted with curated provenance.
func (c Claims) CuratedValues(key string) []string {
	var out []string
	for _, v := range c[key] {
		if v.Provenance.Curated() && strings.TrimSpace(v.Value) != "" {
			out = append(out, v.Value)
		}
	}
	return out
}

// Add appends v to key unless a value with the same identity is present.
func (c Claims) Add(key string, v ClaimValue) bool {
	for _, existing := range c[key] {
		if existing.Identity() == v.Identity() {
			return false
		}
	}
	c[key] = append(c[key], v)
	return true
}

// Signature is a stable digest of the claims, independent of map order.
func (c Claims) Signature() string {
	if len(c) == 0 {
		return ""
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0x00})
		for _, v := range c[k] {
			h.Write([]byte(v.Identity()))
			h.Write([]byte{0x01})
		}
		h.Write([]byte{0x02})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
