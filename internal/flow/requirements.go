package flow

// RequirementKind is the closed set of guard checks. Free-form predicate
// strings are deliberately not supported: a typo in a requirement name is a
// configuration error caught at graph construction, never a permanently
// inadmissible transition.
type RequirementKind string

const (
	// KindBoolean requires the attribute to be present and true.
	KindBoolean RequirementKind = "boolean"
	// KindNumber requires the attribute to be present and non-zero.
	KindNumber RequirementKind = "number"
	// KindReference requires the attribute to be present, non-null and
	// non-empty.
	KindReference RequirementKind = "reference"
)

func (k RequirementKind) valid() bool {
	switch k {
	case KindBoolean, KindNumber, KindReference:
		return true
	}
	return false
}

// Requirement names a single guard predicate over one attribute.
type Requirement struct {
	Name      string          `json:"name"`
	Kind      RequirementKind `json:"kind"`
	Attribute string          `json:"attribute"`
}

// GuardResult is the outcome of evaluating a requirement set.
type GuardResult struct {
	Admissible bool
	Unmet      []string
}

// EvaluateGuard decides whether every requirement is satisfied by the
// attribute snapshot. Requirements are independent and AND-combined. The
// function is pure: identical inputs always yield identical results, and the
// unmet list preserves requirement declaration order.
func EvaluateGuard(attrs map[string]any, reqs []Requirement) GuardResult {
	res := GuardResult{Admissible: true}
	for _, req := range reqs {
		if req.satisfied(attrs) {
			continue
		}
		res.Admissible = false
		res.Unmet = append(res.Unmet, req.Name)
	}
	return res
}

func (r Requirement) satisfied(attrs map[string]any) bool {
	v, ok := attrs[r.Attribute]
	if !ok || v == nil {
		return false
	}
	switch r.Kind {
	case KindBoolean:
		b, ok := v.(bool)
		return ok && b
	case KindNumber:
		f, ok := asFloat(v)
		return ok && f != 0
	case KindReference:
		if s, ok := v.(string); ok {
			return s != ""
		}
		return true
	}
	return false
}

// asFloat widens the numeric types JSON decoding and in-process callers
// produce.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
