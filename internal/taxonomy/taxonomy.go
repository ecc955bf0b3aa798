// Package taxonomy loads the hierarchical catalogue of concerning behaviors
// that extractors score against. The default catalogue is embedded; a YAML
// file with the same layout replaces it.
package taxonomy

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Detector names that map non-lexical signals to leaves.
const (
	DetectorCoalition = "coalition"
	DetectorSynchrony = "synchrony"
	DetectorBurst     = "burst"
	DetectorOutlier   = "outlier"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid taxonomy")

// Pattern is one lexical rule. Exactly one of Phrase and Regex is set.
type Pattern struct {
	Phrase string  `yaml:"phrase"`
	Regex  string  `yaml:"regex"`
	Weight float64 `yaml:"weight"`

	re *regexp.Regexp
}

// Source returns the rule as written.
func (p Pattern) Source() string {
	if p.Phrase != "" {
		return p.Phrase
	}
	return p.Regex
}

// Leaf is a scorable category.
type Leaf struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Patterns    []Pattern `yaml:"patterns"`

	Group      string `yaml:"-"`
	Behavioral bool   `yaml:"-"`
}

// Group is an inner node of the hierarchy.
type Group struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Behavioral bool   `yaml:"behavioral"`
	Leaves     []Leaf `yaml:"leaves"`
}

// Taxonomy is the parsed, validated catalogue. It is immutable after Parse.
type Taxonomy struct {
	Version   int               `yaml:"version"`
	Detectors map[string]string `yaml:"detectors"`
	Groups    []Group           `yaml:"groups"`

	index map[string]int
	flat  []Leaf
}

// Match is the strongest rule of one leaf that fired on a text.
type Match struct {
	Category string
	Weight   float64
	Rule     string
}

// Default returns the embedded catalogue.
func Default() (*Taxonomy, error) {
	return Parse(defaultYAML)
}

// Load reads the catalogue at path, or the embedded one when path is empty.
func Load(path string) (*Taxonomy, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse decodes and validates a catalogue, compiling every rule.
func Parse(data []byte) (*Taxonomy, error) {
	var t Taxonomy
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	t.index = map[string]int{}
	for gi := range t.Groups {
		g := &t.Groups[gi]
		if g.ID == "" {
			return nil, fmt.Errorf("%w: group %d has no id", ErrInvalid, gi)
		}
		for li := range g.Leaves {
			leaf := &g.Leaves[li]
			if leaf.ID == "" {
				return nil, fmt.Errorf("%w: leaf %d of group %s has no id", ErrInvalid, li, g.ID)
			}
			if _, dup := t.index[leaf.ID]; dup {
				return nil, fmt.Errorf("%w: duplicate leaf %s", ErrInvalid, leaf.ID)
			}
			leaf.Group = g.ID
			leaf.Behavioral = g.Behavioral
			for pi := range leaf.Patterns {
				if err := compile(&leaf.Patterns[pi]); err != nil {
					return nil, fmt.Errorf("%w: leaf %s rule %d: %v", ErrInvalid, leaf.ID, pi, err)
				}
			}
			t.index[leaf.ID] = len(t.flat)
			t.flat = append(t.flat, *leaf)
		}
	}
	if len(t.flat) == 0 {
		return nil, fmt.Errorf("%w: no leaves", ErrInvalid)
	}

	for name, leaf := range t.Detectors {
		if _, ok := t.index[leaf]; !ok {
			return nil, fmt.Errorf("%w: detector %s maps to unknown leaf %s", ErrInvalid, name, leaf)
		}
	}
	return &t, nil
}

func compile(p *Pattern) error {
	switch {
	case p.Phrase != "" && p.Regex != "":
		return errors.New("phrase and regex are exclusive")
	case p.Phrase == "" && p.Regex == "":
		return errors.New("empty rule")
	case p.Weight <= 0 || p.Weight > 1:
		return fmt.Errorf("weight %v outside (0,1]", p.Weight)
	}

	// Matched text is lowercased, so regex rules fold case.
	expr := "(?i)" + p.Regex
	if p.Phrase != "" {
		phrase := strings.Join(strings.Fields(strings.ToLower(p.Phrase)), " ")
		expr = regexp.QuoteMeta(phrase)
		if isWord(phrase[0]) {
			expr = `\b` + expr
		}
		if isWord(phrase[len(phrase)-1]) {
			expr += `\b`
		}
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return err
	}
	p.re = re
	return nil
}

func isWord(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

// Leaves returns every leaf in declaration order.
func (t *Taxonomy) Leaves() []Leaf {
	return append([]Leaf(nil), t.flat...)
}

// Leaf looks up a leaf by ID.
func (t *Taxonomy) Leaf(id string) (Leaf, bool) {
	i, ok := t.index[id]
	if !ok {
		return Leaf{}, false
	}
	return t.flat[i], true
}

// Detector returns the leaf a non-lexical detector reports under.
func (t *Taxonomy) Detector(name string) (string, bool) {
	leaf, ok := t.Detectors[name]
	return leaf, ok
}

// ContentCategories lists the leaves judged from text, the ones handed to a
// semantic scorer.
func (t *Taxonomy) ContentCategories() []string {
	var out []string
	for _, l := range t.flat {
		if !l.Behavioral {
			out = append(out, l.ID)
		}
	}
	return out
}

// Match runs every rule against normalized text and returns, per leaf, the
// highest-weighted rule that fired. Ties keep the earlier rule. Results are
// sorted by category.
func (t *Taxonomy) Match(text string) []Match {
	if text == "" {
		return nil
	}
	var out []Match
	for _, l := range t.flat {
		best := Match{Category: l.ID}
		for _, p := range l.Patterns {
			if p.Weight > best.Weight && p.re.MatchString(text) {
				best.Weight = p.Weight
				best.Rule = p.Source()
			}
		}
		if best.Weight > 0 {
			out = append(out, best)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}
