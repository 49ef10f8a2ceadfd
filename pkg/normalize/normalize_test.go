package normalize

import (
	"math"
	"testing"
)

func TestText(t *testing.T) {
	n := New(DefaultRules())
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "lower case", in: "TensorFlow", want: "tensorflow"},
		{name: "diacritics", in: "Institut für Informatik, Université", want: "institut fur informatik universite"},
		{name: "punctuation", in: "Deep-Learning: a   survey!", want: "deep learning a survey"},
		{name: "whitespace", in: "  a\tb\n c  ", want: "a b c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := n.Text(tt.in); got != tt.want {
				t.Fatalf("Text(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTextRulesCanBeDisabled(t *testing.T) {
	n := New(Rules{CollapseSpace: true})
	if got := n.Text("  Café  Noir "); got != "Café Noir" {
		t.Fatalf("expected only whitespace collapsing, got %q", got)
	}
}

func TestDOI(t *testing.T) {
	n := New(DefaultRules())
	tests := []struct {
		in   string
		want string
	}{
		{in: "10.1/ABC", want: "10.1/abc"},
		{in: "https://doi.org/10.1/abc", want: "10.1/abc"},
		{in: "http://dx.doi.org/10.1/Abc", want: "10.1/abc"},
		{in: "doi:10.1/abc", want: "10.1/abc"},
		{in: "not a doi", want: ""},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		if got := n.DOI(tt.in); got != tt.want {
			t.Fatalf("DOI(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestORCID(t *testing.T) {
	n := New(DefaultRules())
	if got := n.ORCID("https://orcid.org/0000-0002-1825-009X"); got != "000000021825009x" {
		t.Fatalf("unexpected orcid %q", got)
	}
	if got := n.ORCID("0000-0002-1825-009x"); got != "000000021825009x" {
		t.Fatalf("unexpected orcid %q", got)
	}
}

func TestSurnameAndInitial(t *testing.T) {
	n := New(DefaultRules())
	tests := []struct {
		in      string
		surname string
		initial string
	}{
		{in: "John Smith", surname: "smith", initial: "j"},
		{in: "J. Smith", surname: "smith", initial: "j"},
		{in: "Smith, John", surname: "smith", initial: "j"},
		{in: "Müller", surname: "muller", initial: ""},
	}
	for _, tt := range tests {
		if got := n.Surname(tt.in); got != tt.surname {
			t.Fatalf("Surname(%q) = %q, want %q", tt.in, got, tt.surname)
		}
		if got := n.Initial(tt.in); got != tt.initial {
			t.Fatalf("Initial(%q) = %q, want %q", tt.in, got, tt.initial)
		}
	}
}

func TestEmail(t *testing.T) {
	n := New(DefaultRules())
	local, domain := n.Email("mailto:J.Smith@Inria.fr")
	if local != "j.smith" || domain != "inria.fr" {
		t.Fatalf("unexpected split %q %q", local, domain)
	}
	if local, domain := n.Email("nope"); local != "" || domain != "" {
		t.Fatalf("expected empty split, got %q %q", local, domain)
	}
}

func TestSimilarity(t *testing.T) {
	if got := Similarity("kitten", "sitting"); math.Abs(got-(1-3.0/7.0)) > 1e-9 {
		t.Fatalf("unexpected similarity %f", got)
	}
	if Similarity("", "") != 0 {
		t.Fatal("expected empty strings to be dissimilar")
	}
	if Similarity("abc", "abc") != 1 {
		t.Fatal("expected identical strings to be similar")
	}
}

func TestJaccardAndOverlap(t *testing.T) {
	if got := Jaccard([]string{"a", "b", "c"}, []string{"b", "c", "d"}); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("unexpected jaccard %f", got)
	}
	a := map[string]struct{}{"x": {}, "y": {}}
	b := map[string]struct{}{"x": {}, "y": {}, "z": {}, "w": {}}
	if got := Overlap(a, b); got != 1 {
		t.Fatalf("unexpected overlap %f", got)
	}
	if Intersection(a, b) != 2 {
		t.Fatal("unexpected intersection")
	}
	if Overlap(nil, b) != 0 {
		t.Fatal("expected empty overlap")
	}
}
