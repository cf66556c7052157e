package domain

import (
	"fmt"
	"time"
)

// ValidationError reports caller input no store or transition can act on.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// WorkItem is a guarded record: a client document, a support question, or any
// other entity whose lifecycle is driven by the transition graph.
type WorkItem struct {
	ID             string         `json:"id"`
	EntityType     string         `json:"entity_type"`
	State          string         `json:"state"`
	Priority       int            `json:"priority" minimum:"0" maximum:"3"`
	Assignee       *string        `json:"assignee,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	CreatedAt      time.Time      `json:"created_at" format:"date-time"`
	StateEnteredAt time.Time      `json:"state_entered_at" format:"date-time"`
	AnsweredAt     *time.Time     `json:"answered_at,omitempty" format:"date-time"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty" format:"date-time"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty" format:"date-time"`
	UpdatedAt      time.Time      `json:"updated_at" format:"date-time"`
	Version        int64          `json:"version"`
}

// AssigneeOrEmpty returns the assignee id, or "" when unassigned.
func (w WorkItem) AssigneeOrEmpty() string {
	if w.Assignee == nil {
		return ""
	}
	return *w.Assignee
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityType string `json:"entity_type"`
	RecordID   string `json:"record_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
