package resolve

import (
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kbmerge/internal/util"
	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/normalize"
)

// boundaryEpsilon absorbs float noise so a score exactly at a threshold is
// classified into the higher class.
const boundaryEpsilon = 1e-9

// Thresholds split scores into decision classes.
type Thresholds struct {
	Auto   float64 `yaml:"auto_threshold"`
	Review float64 `yaml:"review_threshold"`
}

// Classify maps a score to its class. Boundaries belong to the higher class.
func (t Thresholds) Classify(score float64) kb.Class {
	switch {
	case score >= t.Auto-boundaryEpsilon:
		return kb.ClassAutoMerge
	case score >= t.Review-boundaryEpsilon:
		return kb.ClassReview
	default:
		return kb.ClassReject
	}
}

func (t Thresholds) validate() error {
	if t.Auto < 0 || t.Auto > 1 || t.Review < 0 || t.Review > 1 {
		return fmt.Errorf("thresholds must be within [0,1], got auto=%v review=%v", t.Auto, t.Review)
	}
	if t.Review > t.Auto {
		return fmt.Errorf("review threshold %v exceeds auto threshold %v", t.Review, t.Auto)
	}
	return nil
}

type DocumentPolicy struct {
	Thresholds `yaml:",inline"`

	TitleWeight       float64 `yaml:"title_weight"`
	FirstAuthorWeight float64 `yaml:"first_author_weight"`
	// TitleKeyTokens is how many leading title tokens form the blocking key.
	TitleKeyTokens int `yaml:"title_key_tokens"`
}

type PersonPolicy struct {
	Thresholds `yaml:",inline"`

	CoauthorWeight    float64 `yaml:"coauthor_weight"`
	EmailWeight       float64 `yaml:"email_weight"`
	AffiliationWeight float64 `yaml:"affiliation_weight"`
	// CoauthorSaturation is the shared-authorship count that scores 1.
	CoauthorSaturation int `yaml:"coauthor_saturation"`
}

type OrganizationPolicy struct {
	Thresholds `yaml:",inline"`

	TypeWeight         float64 `yaml:"type_weight"`
	AddressWeight      float64 `yaml:"address_weight"`
	NameWeight         float64 `yaml:"name_weight"`
	CooccurrenceWeight float64 `yaml:"cooccurrence_weight"`
}

type SoftwarePolicy struct {
	Thresholds `yaml:",inline"`

	ComentionWeight float64 `yaml:"comention_weight"`
	VersionWeight   float64 `yaml:"version_weight"`
	DocumentWeight  float64 `yaml:"document_weight"`
}

// Policy holds every matching knob. It is loaded from the policy file by
// internal/config; DefaultPolicy gives the built-in values.
type Policy struct {
	Documents     DocumentPolicy     `yaml:"documents"`
	Persons       PersonPolicy       `yaml:"persons"`
	Organizations OrganizationPolicy `yaml:"organizations"`
	Software      SoftwarePolicy     `yaml:"software"`

	Normalization normalize.Rules `yaml:"normalization"`
	// MaxFanout bounds how many neighbors a feature profile reads per hop.
	MaxFanout int `yaml:"max_fanout"`
	// MarkConflicts moves members of identity-conflicted clusters to the
	// conflict status instead of leaving them active.
	MarkConflicts bool `yaml:"mark_conflicts"`
}

func DefaultPolicy() Policy {
	defaults := Thresholds{Auto: 0.8, Review: 0.5}
	return Policy{
		Documents: DocumentPolicy{
			Thresholds:        defaults,
			TitleWeight:       0.6,
			FirstAuthorWeight: 0.4,
			TitleKeyTokens:    8,
		},
		Persons: PersonPolicy{
			Thresholds:         defaults,
			CoauthorWeight:     0.5,
			EmailWeight:        0.3,
			AffiliationWeight:  0.2,
			CoauthorSaturation: 3,
		},
		Organizations: OrganizationPolicy{
			Thresholds:    defaults,
			TypeWeight:    0.3,
			AddressWeight: 0.3,
			NameWeight:    0.4,
		},
		Software: SoftwarePolicy{
			Thresholds:      defaults,
			ComentionWeight: 0.5,
			VersionWeight:   0.3,
			DocumentWeight:  0.2,
		},
		Normalization: normalize.DefaultRules(),
		MaxFanout:     500,
	}
}

// ThresholdsFor returns the thresholds configured for kind.
func (p Policy) ThresholdsFor(kind kb.Kind) Thresholds {
	switch kind {
	case kb.KindDocument:
		return p.Documents.Thresholds
	case kb.KindPerson:
		return p.Persons.Thresholds
	case kb.KindOrganization:
		return p.Organizations.Thresholds
	default:
		return p.Software.Thresholds
	}
}

func (p Policy) Validate() error {
	var errs []error
	for _, kind := range kb.Kinds {
		if err := p.ThresholdsFor(kind).validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}
	weights := map[string]float64{
		"documents.title_weight":            p.Documents.TitleWeight,
		"documents.first_author_weight":     p.Documents.FirstAuthorWeight,
		"persons.coauthor_weight":           p.Persons.CoauthorWeight,
		"persons.email_weight":              p.Persons.EmailWeight,
		"persons.affiliation_weight":        p.Persons.AffiliationWeight,
		"organizations.type_weight":         p.Organizations.TypeWeight,
		"organizations.address_weight":      p.Organizations.AddressWeight,
		"organizations.name_weight":         p.Organizations.NameWeight,
		"organizations.cooccurrence_weight": p.Organizations.CooccurrenceWeight,
		"software.comention_weight":         p.Software.ComentionWeight,
		"software.version_weight":           p.Software.VersionWeight,
		"software.document_weight":          p.Software.DocumentWeight,
	}
	for name, w := range weights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %v", name, w))
		}
	}
	if p.Documents.TitleKeyTokens <= 0 {
		errs = append(errs, errors.New("documents.title_key_tokens must be positive"))
	}
	if p.Persons.CoauthorSaturation <= 0 {
		errs = append(errs, errors.New("persons.coauthor_saturation must be positive"))
	}
	if p.MaxFanout <= 0 {
		errs = append(errs, errors.New("max_fanout must be positive"))
	}
	return errors.Join(errs...)
}

// Options are the execution knobs of a pass.
type Options struct {
	PageSize       int           `yaml:"page_size"`
	Parallelism    int           `yaml:"parallelism"`
	Retry          util.Backoff  `yaml:"retry"`
	ClusterTimeout time.Duration `yaml:"cluster_timeout"`
}

func DefaultOptions() Options {
	return Options{
		PageSize:    500,
		Parallelism: 8,
		Retry: util.Backoff{
			Attempts: 5,
			Base:     100 * time.Millisecond,
			Max:      5 * time.Second,
		},
		ClusterTimeout: 30 * time.Second,
	}
}

func (o Options) Validate() error {
	var errs []error
	if o.PageSize <= 0 {
		errs = append(errs, errors.New("page_size must be positive"))
	}
	if o.Parallelism <= 0 {
		errs = append(errs, errors.New("parallelism must be positive"))
	}
	if o.Retry.Attempts <= 0 {
		errs = append(errs, errors.New("retry.attempts must be positive"))
	}
	if o.Retry.Max > 0 && o.Retry.Base > o.Retry.Max {
		errs = append(errs, errors.New("retry.base exceeds retry.max"))
	}
	if o.ClusterTimeout <= 0 {
		errs = append(errs, errors.New("cluster_timeout must be positive"))
	}
	return errors.Join(errs...)
}
