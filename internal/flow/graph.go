package flow

import (
	"fmt"
	"sort"
)

// StateTag marks lifecycle roles of a state within its entity type.
type StateTag string

const (
	// TagAnswered states set answered_at on first entry.
	TagAnswered StateTag = "answered"
	// TagResolved states set resolved_at on first entry; re-entry after the
	// mark is set is rejected.
	TagResolved StateTag = "resolved"
	// TagClosed behaves like TagResolved for closed_at.
	TagClosed StateTag = "closed"
	// TagTerminal states have no outgoing transitions and count as
	// completed for SLA and workload purposes.
	TagTerminal StateTag = "terminal"
)

// State is one declared lifecycle state of an entity type.
type State struct {
	Name string
	Tags []StateTag
}

// Rule is a single declared transition.
type Rule struct {
	EntityType   string   `json:"entity_type"`
	From         string   `json:"from"`
	Name         string   `json:"name"`
	To           string   `json:"to"`
	Requirements []string `json:"requirements,omitempty"`
	Sequence     int      `json:"sequence"`
}

// EntityType declares the full state table of one guarded entity kind.
type EntityType struct {
	Name         string
	Initial      string
	States       []State
	Requirements map[string]Requirement
	Rules        []Rule
}

// HasState reports whether name is a declared state.
func (e EntityType) HasState(name string) bool {
	for _, s := range e.States {
		if s.Name == name {
			return true
		}
	}
	return false
}

// Tagged reports whether the named state carries the tag.
func (e EntityType) Tagged(state string, tag StateTag) bool {
	for _, s := range e.States {
		if s.Name != state {
			continue
		}
		for _, t := range s.Tags {
			if t == tag {
				return true
			}
		}
		return false
	}
	return false
}

// Terminal reports whether the named state is terminal.
func (e EntityType) Terminal(state string) bool {
	return e.Tagged(state, TagTerminal)
}

// Graph is the static transition lookup. It is immutable after construction.
type Graph struct {
	types map[string]EntityType
}

// NewGraph validates the declared entity types and builds the lookup.
// Invalid configuration fails fast here: undeclared states, unknown
// requirement names, duplicate (entity_type, from, name) rules.
func NewGraph(types []EntityType) (*Graph, error) {
	g := &Graph{types: make(map[string]EntityType, len(types))}
	for _, et := range types {
		if et.Name == "" {
			return nil, fmt.Errorf("entity type with empty name")
		}
		if _, dup := g.types[et.Name]; dup {
			return nil, fmt.Errorf("entity type %s declared twice", et.Name)
		}
		if len(et.States) == 0 {
			return nil, fmt.Errorf("entity type %s declares no states", et.Name)
		}
		if !et.HasState(et.Initial) {
			return nil, fmt.Errorf("entity type %s: initial state %q not declared", et.Name, et.Initial)
		}
		for name, req := range et.Requirements {
			if req.Name != "" && req.Name != name {
				return nil, fmt.Errorf("entity type %s: requirement %s has mismatched name %s", et.Name, name, req.Name)
			}
			if !req.Kind.valid() {
				return nil, fmt.Errorf("entity type %s: requirement %s has unknown kind %q", et.Name, name, req.Kind)
			}
			if req.Attribute == "" {
				return nil, fmt.Errorf("entity type %s: requirement %s has no attribute", et.Name, name)
			}
		}
		seen := map[string]bool{}
		rules := make([]Rule, len(et.Rules))
		copy(rules, et.Rules)
		for i, r := range rules {
			rules[i].EntityType = et.Name
			if r.Name == "" {
				return nil, fmt.Errorf("entity type %s: rule with empty name from %s", et.Name, r.From)
			}
			if !et.HasState(r.From) {
				return nil, fmt.Errorf("entity type %s: rule %s: unknown source state %q", et.Name, r.Name, r.From)
			}
			if !et.HasState(r.To) {
				return nil, fmt.Errorf("entity type %s: rule %s: unknown target state %q", et.Name, r.Name, r.To)
			}
			key := r.From + "|" + r.Name
			if seen[key] {
				return nil, fmt.Errorf("entity type %s: duplicate rule %s from state %s", et.Name, r.Name, r.From)
			}
			seen[key] = true
			for _, reqName := range r.Requirements {
				if _, ok := et.Requirements[reqName]; !ok {
					return nil, fmt.Errorf("entity type %s: rule %s references unknown requirement %q", et.Name, r.Name, reqName)
				}
			}
		}
		sort.SliceStable(rules, func(i, j int) bool { return rules[i].Sequence < rules[j].Sequence })
		et.Rules = rules
		g.types[et.Name] = et
	}
	return g, nil
}

// Type returns the declaration for an entity type.
func (g *Graph) Type(name string) (EntityType, bool) {
	et, ok := g.types[name]
	return et, ok
}

// TypeNames returns declared entity type names in ascending order.
func (g *Graph) TypeNames() []string {
	names := make([]string, 0, len(g.types))
	for name := range g.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RulesFor returns the declared transitions out of a state, ordered by
// sequence ascending. An empty result is a terminal state, not an error.
func (g *Graph) RulesFor(entityType, from string) []Rule {
	et, ok := g.types[entityType]
	if !ok {
		return nil
	}
	var out []Rule
	for _, r := range et.Rules {
		if r.From == from {
			out = append(out, r)
		}
	}
	return out
}

// Rule looks up a single transition by name.
func (g *Graph) Rule(entityType, from, name string) (Rule, bool) {
	for _, r := range g.RulesFor(entityType, from) {
		if r.Name == name {
			return r, true
		}
	}
	return Rule{}, false
}

// requirementsOf resolves a rule's requirement names to their declarations,
// preserving declaration order on the rule.
func (g *Graph) requirementsOf(r Rule) []Requirement {
	et, ok := g.types[r.EntityType]
	if !ok {
		return nil
	}
	reqs := make([]Requirement, 0, len(r.Requirements))
	for _, name := range r.Requirements {
		req := et.Requirements[name]
		req.Name = name
		reqs = append(reqs, req)
	}
	return reqs
}
