// Package matcher provides reference path predicates selecting which nodes
// of a traversal are transitioned.
package matcher

import (
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"modver/internal/model"
)

// Matcher decides whether a reference path is selected.
//
// CanMatchChildren must be true for every path that has an extension for
// which Matches can be true. It lets the traversal skip checking out a
// module only to enumerate references that could never be selected.
type Matcher interface {
	Matches(path *model.ReferencePath) bool
	CanMatchChildren(path *model.ReferencePath) bool
}

type all struct{}

func (all) Matches(*model.ReferencePath) bool          { return true }
func (all) CanMatchChildren(*model.ReferencePath) bool { return true }

type none struct{}

func (none) Matches(*model.ReferencePath) bool          { return false }
func (none) CanMatchChildren(*model.ReferencePath) bool { return false }

// All matches every path.
func All() Matcher { return all{} }

// None matches nothing and prunes everything.
func None() Matcher { return none{} }

// NodePathGlob matches paths whose leaf node path matches one of Include and
// none of Exclude. A pattern containing "@" is matched against the leaf's
// full "<node-path>@<version>" form instead.
type NodePathGlob struct {
	Include []string
	Exclude []string
}

// Matches implements Matcher.
func (g *NodePathGlob) Matches(path *model.ReferencePath) bool {
	leaf := path.Leaf()
	if leaf == nil || !leaf.IsManaged() {
		return false
	}
	mv := *leaf.ModuleVersion
	if len(g.Include) > 0 && !matchAny(g.Include, mv) {
		return false
	}
	return !matchAny(g.Exclude, mv)
}

// CanMatchChildren implements Matcher. Any descendant may match.
func (g *NodePathGlob) CanMatchChildren(*model.ReferencePath) bool {
	return true
}

func matchAny(patterns []string, mv model.ModuleVersion) bool {
	for _, pattern := range patterns {
		subject := string(mv.NodePath)
		if strings.Contains(pattern, "@") {
			subject = mv.String()
		}
		ok, err := doublestar.Match(pattern, subject)
		if err != nil {
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// Depth matches paths whose length lies in [Min, Max]. Max <= 0 means
// unbounded. Children are pruned once the path reaches Max.
type Depth struct {
	Min int
	Max int
}

// RootOnly matches the traversal roots only.
func RootOnly() Matcher { return &Depth{Min: 1, Max: 1} }

// Matches implements Matcher.
func (d *Depth) Matches(path *model.ReferencePath) bool {
	n := path.Len()
	if n < d.Min {
		return false
	}
	return d.Max <= 0 || n <= d.Max
}

// CanMatchChildren implements Matcher.
func (d *Depth) CanMatchChildren(path *model.ReferencePath) bool {
	return d.Max <= 0 || path.Len() < d.Max
}

// And matches when all matchers match.
type And []Matcher

// Matches implements Matcher.
func (a And) Matches(path *model.ReferencePath) bool {
	for _, m := range a {
		if !m.Matches(path) {
			return false
		}
	}
	return true
}

// CanMatchChildren implements Matcher.
func (a And) CanMatchChildren(path *model.ReferencePath) bool {
	for _, m := range a {
		if !m.CanMatchChildren(path) {
			return false
		}
	}
	return true
}

// Or matches when any matcher matches.
type Or []Matcher

// Matches implements Matcher.
func (o Or) Matches(path *model.ReferencePath) bool {
	for _, m := range o {
		if m.Matches(path) {
			return true
		}
	}
	return false
}

// CanMatchChildren implements Matcher.
func (o Or) CanMatchChildren(path *model.ReferencePath) bool {
	for _, m := range o {
		if m.CanMatchChildren(path) {
			return true
		}
	}
	return false
}

// Not inverts a matcher. It cannot prune.
type Not struct {
	M Matcher
}

// Matches implements Matcher.
func (n Not) Matches(path *model.ReferencePath) bool {
	return !n.M.Matches(path)
}

// CanMatchChildren implements Matcher.
func (n Not) CanMatchChildren(*model.ReferencePath) bool {
	return true
}

// Rule is one entry of a matcher rules file.
type Rule struct {
	Include  []string `yaml:"include"`
	Exclude  []string `yaml:"exclude"`
	MinDepth int      `yaml:"minDepth"`
	MaxDepth int      `yaml:"maxDepth"`
}

// RulesConfig holds the matcher rules configuration.
type RulesConfig struct {
	Matchers []Rule `yaml:"matchers"`
}

// FromRule builds the matcher for a single rule.
func FromRule(r Rule) Matcher {
	var parts And
	if len(r.Include) > 0 || len(r.Exclude) > 0 {
		parts = append(parts, &NodePathGlob{Include: r.Include, Exclude: r.Exclude})
	}
	if r.MinDepth > 0 || r.MaxDepth > 0 {
		parts = append(parts, &Depth{Min: r.MinDepth, Max: r.MaxDepth})
	}
	switch len(parts) {
	case 0:
		return All()
	case 1:
		return parts[0]
	default:
		return parts
	}
}

// FromRules ORs the matchers of all rules. No rules selects nothing.
func FromRules(rules []Rule) Matcher {
	if len(rules) == 0 {
		return None()
	}
	if len(rules) == 1 {
		return FromRule(rules[0])
	}
	or := make(Or, 0, len(rules))
	for _, r := range rules {
		or = append(or, FromRule(r))
	}
	return or
}

// ParseRules parses a YAML rules document.
func ParseRules(data []byte) (Matcher, error) {
	var config RulesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing matcher rules: %w", err)
	}
	for i, r := range config.Matchers {
		for _, p := range append(append([]string(nil), r.Include...), r.Exclude...) {
			if !doublestar.ValidatePattern(p) {
				return nil, fmt.Errorf("matcher %d: invalid pattern %q", i, p)
			}
		}
		if r.MaxDepth > 0 && r.MinDepth > r.MaxDepth {
			return nil, fmt.Errorf("matcher %d: minDepth %d exceeds maxDepth %d", i, r.MinDepth, r.MaxDepth)
		}
	}
	return FromRules(config.Matchers), nil
}

// LoadRules loads matcher rules from a YAML file.
func LoadRules(path string) (Matcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading matcher rules: %w", err)
	}
	return ParseRules(data)
}

// Check verifies that every proper prefix of each matched path allows
// children. It returns the first offending path.
func Check(m Matcher, paths []*model.ReferencePath) error {
	for _, p := range paths {
		if !m.Matches(p) {
			continue
		}
		prefix := p.Parent()
		for prefix.Len() > 0 {
			if !m.CanMatchChildren(prefix) {
				return fmt.Errorf("path %s matches but prefix %s prunes children", p, prefix)
			}
			prefix = prefix.Parent()
		}
	}
	return nil
}
