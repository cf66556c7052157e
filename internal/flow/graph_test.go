package flow_test

import (
	"strings"
	"testing"

	"caseline/internal/flow"
)

func questionType() flow.EntityType {
	return flow.EntityType{
		Name:    "question",
		Initial: "draft",
		States: []flow.State{
			{Name: "draft"},
			{Name: "pending"},
			{Name: "answered", Tags: []flow.StateTag{flow.TagAnswered}},
			{Name: "resolved", Tags: []flow.StateTag{flow.TagResolved}},
			{Name: "closed", Tags: []flow.StateTag{flow.TagClosed, flow.TagTerminal}},
		},
		Requirements: map[string]flow.Requirement{
			"require_answer": {Kind: flow.KindReference, Attribute: "answer"},
		},
		Rules: []flow.Rule{
			{From: "draft", Name: "submit", To: "pending", Sequence: 1},
			{From: "pending", Name: "answer", To: "answered", Requirements: []string{"require_answer"}, Sequence: 2},
			{From: "answered", Name: "resolve", To: "resolved", Sequence: 3},
			{From: "resolved", Name: "reopen", To: "pending", Sequence: 4},
			{From: "resolved", Name: "close", To: "closed", Sequence: 5},
		},
	}
}

func documentType() flow.EntityType {
	return flow.EntityType{
		Name:    "document",
		Initial: "draft",
		States: []flow.State{
			{Name: "draft"},
			{Name: "pending"},
			{Name: "validated", Tags: []flow.StateTag{flow.TagResolved}},
			{Name: "archived", Tags: []flow.StateTag{flow.TagClosed, flow.TagTerminal}},
		},
		Requirements: map[string]flow.Requirement{
			"require_category": {Kind: flow.KindReference, Attribute: "category"},
			"require_amount":   {Kind: flow.KindNumber, Attribute: "amount"},
		},
		Rules: []flow.Rule{
			{From: "draft", Name: "submit", To: "pending", Sequence: 1},
			{From: "pending", Name: "validate", To: "validated", Requirements: []string{"require_category", "require_amount"}, Sequence: 2},
			{From: "pending", Name: "reject", To: "draft", Sequence: 3},
			{From: "validated", Name: "archive", To: "archived", Sequence: 4},
		},
	}
}

func mustGraph(t *testing.T, types ...flow.EntityType) *flow.Graph {
	t.Helper()
	g, err := flow.NewGraph(types)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g
}

func TestNewGraphValid(t *testing.T) {
	g := mustGraph(t, questionType(), documentType())
	names := g.TypeNames()
	if len(names) != 2 || names[0] != "document" || names[1] != "question" {
		t.Fatalf("type names = %v", names)
	}
	et, ok := g.Type("question")
	if !ok {
		t.Fatal("question not found")
	}
	if !et.Terminal("closed") || et.Terminal("resolved") {
		t.Fatalf("terminal tagging wrong")
	}
	if !et.Tagged("answered", flow.TagAnswered) {
		t.Fatal("answered tag missing")
	}
}

func TestNewGraphRejectsInvalid(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*flow.EntityType)
		want   string
	}{
		{"undeclared initial", func(et *flow.EntityType) { et.Initial = "nowhere" }, "initial state"},
		{"unknown target state", func(et *flow.EntityType) { et.Rules[0].To = "nowhere" }, "unknown target state"},
		{"unknown source state", func(et *flow.EntityType) { et.Rules[0].From = "nowhere" }, "unknown source state"},
		{"unknown requirement", func(et *flow.EntityType) {
			et.Rules[1].Requirements = []string{"no_such"}
		}, "unknown requirement"},
		{"duplicate rule", func(et *flow.EntityType) {
			et.Rules = append(et.Rules, flow.Rule{From: "draft", Name: "submit", To: "pending"})
		}, "duplicate rule"},
		{"bad requirement kind", func(et *flow.EntityType) {
			et.Requirements["require_answer"] = flow.Requirement{Kind: "regex", Attribute: "answer"}
		}, "unknown kind"},
		{"requirement without attribute", func(et *flow.EntityType) {
			et.Requirements["require_answer"] = flow.Requirement{Kind: flow.KindBoolean}
		}, "no attribute"},
		{"empty rule name", func(et *flow.EntityType) { et.Rules[0].Name = "" }, "empty name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			et := questionType()
			tc.mutate(&et)
			_, err := flow.NewGraph([]flow.EntityType{et})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestNewGraphRejectsDuplicateType(t *testing.T) {
	_, err := flow.NewGraph([]flow.EntityType{questionType(), questionType()})
	if err == nil || !strings.Contains(err.Error(), "declared twice") {
		t.Fatalf("err = %v", err)
	}
}

func TestRulesForOrderedBySequence(t *testing.T) {
	et := documentType()
	// declare out of order; lookup must come back sequence-ascending
	et.Rules[1], et.Rules[2] = et.Rules[2], et.Rules[1]
	g := mustGraph(t, et)
	rules := g.RulesFor("document", "pending")
	if len(rules) != 2 {
		t.Fatalf("rules = %v", rules)
	}
	if rules[0].Name != "validate" || rules[1].Name != "reject" {
		t.Fatalf("order = %s, %s", rules[0].Name, rules[1].Name)
	}
}

func TestRulesForTerminalStateEmpty(t *testing.T) {
	g := mustGraph(t, questionType())
	if rules := g.RulesFor("question", "closed"); len(rules) != 0 {
		t.Fatalf("terminal state has rules: %v", rules)
	}
}
