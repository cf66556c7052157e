// Package sla derives elapsed-time metrics and attention classification from
// record timestamps. Everything here is a pure function of its inputs: now is
// always an explicit parameter and nothing is persisted, so classification is
// computed on read and can never drift from ground truth.
package sla

import (
	"time"

	"caseline/internal/domain"
	"caseline/internal/flow"
)

// DefaultAttentionAfter is the fallback age threshold for records still
// sitting in their initial state.
const DefaultAttentionAfter = 48 * time.Hour

// PriorityUrgent marks records that need attention while open regardless of age.
const PriorityUrgent = 3

// Policy carries per-deployment SLA tuning.
type Policy struct {
	AttentionAfter time.Duration
}

func (p Policy) attentionAfter() time.Duration {
	if p.AttentionAfter > 0 {
		return p.AttentionAfter
	}
	return DefaultAttentionAfter
}

// ResponseTime returns hours between creation and the first entry into an
// answered-tagged state, or nil if that has not happened yet.
func ResponseTime(item domain.WorkItem) *float64 {
	return hoursSince(item.CreatedAt, item.AnsweredAt)
}

// ResolutionTime returns hours between creation and resolution, or nil while
// unresolved.
func ResolutionTime(item domain.WorkItem) *float64 {
	return hoursSince(item.CreatedAt, item.ResolvedAt)
}

// NeedsAttention reports whether the record is urgent while still open, or
// has sat in its initial state past the policy threshold.
func NeedsAttention(et flow.EntityType, item domain.WorkItem, now time.Time, p Policy) bool {
	open := !et.Terminal(item.State)
	if item.Priority == PriorityUrgent && open {
		return true
	}
	return open && item.State == et.Initial && now.Sub(item.CreatedAt) >= p.attentionAfter()
}

// IsOverdue reports whether the record carries a deadline attribute in the
// past while not yet terminal. Records without a deadline are never overdue.
func IsOverdue(et flow.EntityType, item domain.WorkItem, now time.Time) bool {
	if et.Terminal(item.State) {
		return false
	}
	deadline, ok := Deadline(item)
	if !ok {
		return false
	}
	return now.After(deadline)
}

// Deadline extracts the deadline attribute, accepting RFC 3339 strings and
// time.Time values.
func Deadline(item domain.WorkItem) (time.Time, bool) {
	v, ok := item.Attributes["deadline"]
	if !ok || v == nil {
		return time.Time{}, false
	}
	switch d := v.(type) {
	case time.Time:
		return d, true
	case string:
		t, err := time.Parse(time.RFC3339, d)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// Report bundles the four derived metrics for one record.
type Report struct {
	ResponseTimeHours   *float64 `json:"response_time_hours,omitempty"`
	ResolutionTimeHours *float64 `json:"resolution_time_hours,omitempty"`
	NeedsAttention      bool     `json:"needs_attention"`
	IsOverdue           bool     `json:"is_overdue"`
}

// Evaluate computes the full report for one record at the given instant.
func Evaluate(et flow.EntityType, item domain.WorkItem, now time.Time, p Policy) Report {
	return Report{
		ResponseTimeHours:   ResponseTime(item),
		ResolutionTimeHours: ResolutionTime(item),
		NeedsAttention:      NeedsAttention(et, item, now, p),
		IsOverdue:           IsOverdue(et, item, now),
	}
}

func hoursSince(from time.Time, until *time.Time) *float64 {
	if until == nil {
		return nil
	}
	h := until.Sub(from).Hours()
	return &h
}
