package flow

import (
	"context"
	"time"

	"caseline/internal/domain"
	"caseline/internal/store"
)

// Controller is the single entry point for listing and executing transitions.
// It holds no mutable state; all persisted state lives behind the store.
type Controller struct {
	Graph *Graph
	Store store.Store
	Now   func() time.Time
}

func NewController(g *Graph, s store.Store) Controller {
	return Controller{Graph: g, Store: s, Now: time.Now}
}

func (c Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// TransitionOption annotates one declared transition with its current
// admissibility. Inadmissible transitions are returned rather than filtered
// so callers can render disabled-but-visible options with a reason.
type TransitionOption struct {
	Rule       Rule
	Admissible bool
	Unmet      []string
}

// ListTransitions returns the record and the full candidate set from its
// current state, ordered by sequence, each annotated with guard results.
// Read-only and idempotent: calling twice with no intervening write yields
// identical results.
func (c Controller) ListTransitions(ctx context.Context, entityType, id string) (domain.WorkItem, []TransitionOption, error) {
	if _, ok := c.Graph.Type(entityType); !ok {
		return domain.WorkItem{}, nil, UnknownEntityTypeError{EntityType: entityType}
	}
	item, err := c.Store.Read(ctx, entityType, id)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	return item, c.Options(item), nil
}

// Options evaluates the candidate set against an already-loaded record.
func (c Controller) Options(item domain.WorkItem) []TransitionOption {
	rules := c.Graph.RulesFor(item.EntityType, item.State)
	opts := make([]TransitionOption, 0, len(rules))
	for _, r := range rules {
		res := EvaluateGuard(item.Attributes, c.Graph.requirementsOf(r))
		opts = append(opts, TransitionOption{Rule: r, Admissible: res.Admissible, Unmet: res.Unmet})
	}
	return opts
}

// Execute runs the named transition. Guards are re-checked against a fresh
// read, never trusted from an earlier listing; the write carries the record
// version read here so a racing writer fails with store.ErrConflict instead
// of silently diverging. The returned record is the store's post-write read.
func (c Controller) Execute(ctx context.Context, entityType, id, name, actor string) (domain.WorkItem, error) {
	et, ok := c.Graph.Type(entityType)
	if !ok {
		return domain.WorkItem{}, UnknownEntityTypeError{EntityType: entityType}
	}
	item, err := c.Store.Read(ctx, entityType, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	rule, ok := c.Graph.Rule(entityType, item.State, name)
	if !ok {
		return domain.WorkItem{}, UnknownTransitionError{EntityType: entityType, State: item.State, Name: name}
	}
	if res := EvaluateGuard(item.Attributes, c.Graph.requirementsOf(rule)); !res.Admissible {
		return domain.WorkItem{}, GuardError{Transition: name, Unmet: res.Unmet}
	}
	if et.Tagged(rule.To, TagResolved) && item.ResolvedAt != nil {
		return domain.WorkItem{}, TerminalReentryError{Transition: name, State: rule.To, Marker: "resolved"}
	}
	if et.Tagged(rule.To, TagClosed) && item.ClosedAt != nil {
		return domain.WorkItem{}, TerminalReentryError{Transition: name, State: rule.To, Marker: "closed"}
	}

	now := c.now().UTC()
	u := store.Update{
		State:          rule.To,
		StateEnteredAt: now,
		Transition:     name,
		Actor:          actor,
	}
	if et.Tagged(rule.To, TagAnswered) && item.AnsweredAt == nil {
		u.AnsweredAt = &now
	}
	if et.Tagged(rule.To, TagResolved) {
		u.ResolvedAt = &now
	}
	if et.Tagged(rule.To, TagClosed) {
		u.ClosedAt = &now
	}
	return c.Store.Write(ctx, entityType, id, u, item.Version)
}
