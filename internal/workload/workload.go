// Package workload builds per-assignee summaries from a record collection.
// Aggregation is a pure function of the given collection; callers select the
// entity type and time window up front, and nothing is cached between calls.
package workload

import (
	"sort"
	"time"

	"caseline/internal/domain"
	"caseline/internal/flow"
	"caseline/internal/sla"
)

// UnassignedKey is the sentinel bucket for records without an assignee.
// Unassigned work is counted, never silently dropped.
const UnassignedKey = "unassigned"

// HighPriorityFloor is the minimum priority counted as high.
const HighPriorityFloor = 2

// Bucket is the rollup for one assignee.
type Bucket struct {
	Assignee       string         `json:"assignee"`
	Total          int            `json:"total"`
	ByState        map[string]int `json:"by_state"`
	Overdue        int            `json:"overdue"`
	HighPriority   int            `json:"high_priority"`
	EstimatedHours float64        `json:"estimated_hours"`
	SpentHours     float64        `json:"spent_hours"`
}

// Totals is the global rollup across all buckets.
type Totals struct {
	Total          int            `json:"total"`
	ByState        map[string]int `json:"by_state"`
	Overdue        int            `json:"overdue"`
	HighPriority   int            `json:"high_priority"`
	EstimatedHours float64        `json:"estimated_hours"`
	SpentHours     float64        `json:"spent_hours"`
	Assignees      int            `json:"assignees"`
}

// Report is the aggregation result. Buckets are in ascending assignee order,
// so repeated calls on unchanged input are byte-identical.
type Report struct {
	Buckets []Bucket `json:"buckets"`
	Totals  Totals   `json:"totals"`
}

// Options controls one aggregation call.
type Options struct {
	// IncludeCompleted keeps terminal-state records in the rollup.
	IncludeCompleted bool
	// Now anchors overdue classification.
	Now time.Time
}

// Aggregate groups the records by assignee and rolls up counters. Effort
// attributes (estimated_hours, spent_hours) count as 0 when absent; the
// record still contributes to every denominator.
func Aggregate(et flow.EntityType, items []domain.WorkItem, opts Options) Report {
	buckets := map[string]*Bucket{}
	totals := Totals{ByState: map[string]int{}}

	for _, item := range items {
		if !opts.IncludeCompleted && et.Terminal(item.State) {
			continue
		}
		key := item.AssigneeOrEmpty()
		if key == "" {
			key = UnassignedKey
		}
		b, ok := buckets[key]
		if !ok {
			b = &Bucket{Assignee: key, ByState: map[string]int{}}
			buckets[key] = b
		}
		overdue := sla.IsOverdue(et, item, opts.Now)
		high := item.Priority >= HighPriorityFloor
		est := effort(item, "estimated_hours")
		spent := effort(item, "spent_hours")

		b.Total++
		b.ByState[item.State]++
		b.EstimatedHours += est
		b.SpentHours += spent
		totals.Total++
		totals.ByState[item.State]++
		totals.EstimatedHours += est
		totals.SpentHours += spent
		if overdue {
			b.Overdue++
			totals.Overdue++
		}
		if high {
			b.HighPriority++
			totals.HighPriority++
		}
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Bucket, 0, len(keys))
	for _, k := range keys {
		out = append(out, *buckets[k])
	}
	totals.Assignees = len(out)
	return Report{Buckets: out, Totals: totals}
}

func effort(item domain.WorkItem, attr string) float64 {
	v, ok := item.Attributes[attr]
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
