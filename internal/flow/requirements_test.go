package flow_test

import (
	"reflect"
	"testing"

	"caseline/internal/flow"
)

func TestEvaluateGuardKinds(t *testing.T) {
	reqs := []flow.Requirement{
		{Name: "require_reviewed", Kind: flow.KindBoolean, Attribute: "reviewed"},
		{Name: "require_amount", Kind: flow.KindNumber, Attribute: "amount"},
		{Name: "require_category", Kind: flow.KindReference, Attribute: "category"},
	}

	cases := []struct {
		name  string
		attrs map[string]any
		unmet []string
	}{
		{"all satisfied", map[string]any{"reviewed": true, "amount": 12.5, "category": "vat"}, nil},
		{"all absent", nil, []string{"require_reviewed", "require_amount", "require_category"}},
		{"boolean false", map[string]any{"reviewed": false, "amount": 1, "category": "vat"}, []string{"require_reviewed"}},
		{"number zero", map[string]any{"reviewed": true, "amount": 0, "category": "vat"}, []string{"require_amount"}},
		{"number as int", map[string]any{"reviewed": true, "amount": int64(3), "category": "vat"}, nil},
		{"reference empty", map[string]any{"reviewed": true, "amount": 1, "category": ""}, []string{"require_category"}},
		{"reference nil", map[string]any{"reviewed": true, "amount": 1, "category": nil}, []string{"require_category"}},
		{"reference non-string", map[string]any{"reviewed": true, "amount": 1, "category": 7}, nil},
		{"wrong type for boolean", map[string]any{"reviewed": "yes", "amount": 1, "category": "vat"}, []string{"require_reviewed"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := flow.EvaluateGuard(tc.attrs, reqs)
			if res.Admissible != (len(tc.unmet) == 0) {
				t.Fatalf("admissible = %v, want %v", res.Admissible, len(tc.unmet) == 0)
			}
			if !reflect.DeepEqual(res.Unmet, tc.unmet) {
				t.Fatalf("unmet = %v, want %v", res.Unmet, tc.unmet)
			}
		})
	}
}

func TestEvaluateGuardDeterministic(t *testing.T) {
	reqs := []flow.Requirement{
		{Name: "b", Kind: flow.KindBoolean, Attribute: "x"},
		{Name: "a", Kind: flow.KindBoolean, Attribute: "y"},
	}
	attrs := map[string]any{}
	first := flow.EvaluateGuard(attrs, reqs)
	for i := 0; i < 10; i++ {
		res := flow.EvaluateGuard(attrs, reqs)
		if !reflect.DeepEqual(res, first) {
			t.Fatalf("run %d: %v != %v", i, res, first)
		}
	}
	// declaration order, not alphabetical
	if !reflect.DeepEqual(first.Unmet, []string{"b", "a"}) {
		t.Fatalf("unmet order = %v", first.Unmet)
	}
}

func TestEvaluateGuardEmptyRequirements(t *testing.T) {
	res := flow.EvaluateGuard(nil, nil)
	if !res.Admissible || len(res.Unmet) != 0 {
		t.Fatalf("empty requirement set must be admissible, got %v", res)
	}
}
