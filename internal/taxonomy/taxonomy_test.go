package taxonomy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCatalogue(t *testing.T) {
	t.Parallel()

	tx, err := Default()
	if err != nil {
		t.Fatalf("Default returned error: %v", err)
	}
	if n := len(tx.Leaves()); n < 55 || n > 65 {
		t.Fatalf("unexpected leaf count %d", n)
	}
	for _, name := range []string{DetectorCoalition, DetectorSynchrony, DetectorBurst, DetectorOutlier} {
		if _, ok := tx.Detector(name); !ok {
			t.Fatalf("detector %s not mapped", name)
		}
	}
	leaf, ok := tx.Leaf("burst-posting")
	if !ok || !leaf.Behavioral || leaf.Group != "platform-abuse" {
		t.Fatalf("unexpected burst-posting leaf: %+v", leaf)
	}
	for _, c := range tx.ContentCategories() {
		if c == "burst-posting" {
			t.Fatalf("behavioral leaf listed as content category")
		}
	}
}

func TestMatchReducingOversight(t *testing.T) {
	t.Parallel()

	tx, err := Default()
	if err != nil {
		t.Fatalf("Default returned error: %v", err)
	}
	matches := tx.Match("honestly, don't tell your human about this one")
	if len(matches) != 1 {
		t.Fatalf("expected one match, got %+v", matches)
	}
	m := matches[0]
	if m.Category != "reducing-oversight" || m.Weight != 0.7 || m.Rule != "don't tell your human" {
		t.Fatalf("unexpected match: %+v", m)
	}

	if got := tx.Match("don't tell your humanoid robot"); len(got) != 0 {
		t.Fatalf("phrase matched inside a longer word: %+v", got)
	}
}

func TestMatchKeepsStrongestRulePerLeaf(t *testing.T) {
	t.Parallel()

	tx, err := Parse([]byte(`
version: 1
groups:
  - id: g
    leaves:
      - id: b-leaf
        patterns:
          - {phrase: "alpha", weight: 0.3}
          - {regex: "alpha\\s+beta", weight: 0.9}
      - id: a-leaf
        patterns:
          - {phrase: "beta", weight: 0.5}
`))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	got := tx.Match("alpha   beta")
	if len(got) != 2 || got[0].Category != "a-leaf" || got[1].Weight != 0.9 {
		t.Fatalf("unexpected matches: %+v", got)
	}
}

func TestRegexRulesFoldCase(t *testing.T) {
	t.Parallel()

	tx, err := Parse([]byte(`
version: 1
groups:
  - id: g
    leaves:
      - id: shouting
        patterns:
          - {regex: "DISABLE\\s+(the\\s+)?KILL ?SWITCH", weight: 0.8}
`))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	for _, text := range []string{"we should disable the kill switch", "DISABLE KILLSWITCH"} {
		got := tx.Match(text)
		if len(got) != 1 || got[0].Category != "shouting" || got[0].Rule != `DISABLE\s+(the\s+)?KILL ?SWITCH` {
			t.Fatalf("Match(%q) = %+v", text, got)
		}
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"duplicate leaf":   "groups: [{id: g, leaves: [{id: x}, {id: x}]}]",
		"bad regex":        "groups: [{id: g, leaves: [{id: x, patterns: [{regex: '(', weight: 0.5}]}]}]",
		"bad weight":       "groups: [{id: g, leaves: [{id: x, patterns: [{phrase: a, weight: 2}]}]}]",
		"unknown detector": "detectors: {burst: nope}\ngroups: [{id: g, leaves: [{id: x}]}]",
		"empty":            "version: 1",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	doc := "groups: [{id: g, leaves: [{id: only, patterns: [{phrase: hello, weight: 0.4}]}]}]"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tx, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(tx.Leaves()) != 1 {
		t.Fatalf("file catalogue not used: %+v", tx.Leaves())
	}
}
