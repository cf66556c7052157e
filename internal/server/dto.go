package server

import (
	"time"

	"caseline/internal/domain"
	"caseline/internal/flow"
	"caseline/internal/sla"
	"caseline/internal/workload"
)

type CreateRecordRequest struct {
	ID         string         `json:"id,omitempty"`
	EntityType string         `json:"entity_type"`
	Priority   *int           `json:"priority,omitempty"`
	Assignee   string         `json:"assignee,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type UpdateRecordRequest struct {
	Assignee   *string        `json:"assignee,omitempty"`
	Priority   *int           `json:"priority,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type RunTransitionRequest struct {
	Transition string `json:"transition"`
}

type RecordDTO struct {
	ID             string         `json:"id"`
	EntityType     string         `json:"entity_type"`
	State          string         `json:"state"`
	Priority       int            `json:"priority"`
	Assignee       string         `json:"assignee,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StateEnteredAt time.Time      `json:"state_entered_at"`
	AnsweredAt     *time.Time     `json:"answered_at,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Version        int64          `json:"version"`
}

func toRecordDTO(item domain.WorkItem) RecordDTO {
	return RecordDTO{
		ID:             item.ID,
		EntityType:     item.EntityType,
		State:          item.State,
		Priority:       item.Priority,
		Assignee:       item.AssigneeOrEmpty(),
		Attributes:     item.Attributes,
		CreatedAt:      item.CreatedAt,
		StateEnteredAt: item.StateEnteredAt,
		AnsweredAt:     item.AnsweredAt,
		ResolvedAt:     item.ResolvedAt,
		ClosedAt:       item.ClosedAt,
		UpdatedAt:      item.UpdatedAt,
		Version:        item.Version,
	}
}

func toRecordDTOs(items []domain.WorkItem) []RecordDTO {
	out := make([]RecordDTO, 0, len(items))
	for _, item := range items {
		out = append(out, toRecordDTO(item))
	}
	return out
}

type TransitionOptionDTO struct {
	Name       string   `json:"name"`
	StateTo    string   `json:"state_to"`
	Admissible bool     `json:"admissible"`
	Unmet      []string `json:"unmet,omitempty"`
}

func toTransitionOptionDTOs(options []flow.TransitionOption) []TransitionOptionDTO {
	out := make([]TransitionOptionDTO, 0, len(options))
	for _, opt := range options {
		out = append(out, TransitionOptionDTO{
			Name:       opt.Rule.Name,
			StateTo:    opt.Rule.To,
			Admissible: opt.Admissible,
			Unmet:      opt.Unmet,
		})
	}
	return out
}

type SLAReportDTO struct {
	ResponseTimeHours   *float64 `json:"response_time_hours"`
	ResolutionTimeHours *float64 `json:"resolution_time_hours"`
	NeedsAttention      bool     `json:"needs_attention"`
	IsOverdue           bool     `json:"is_overdue"`
}

func toSLAReportDTO(r sla.Report) SLAReportDTO {
	return SLAReportDTO{
		ResponseTimeHours:   r.ResponseTimeHours,
		ResolutionTimeHours: r.ResolutionTimeHours,
		NeedsAttention:      r.NeedsAttention,
		IsOverdue:           r.IsOverdue,
	}
}

type WorkloadBucketDTO struct {
	Assignee       string         `json:"assignee"`
	Total          int            `json:"total"`
	ByState        map[string]int `json:"by_state"`
	Overdue        int            `json:"overdue"`
	HighPriority   int            `json:"high_priority"`
	EstimatedHours float64        `json:"estimated_hours"`
	SpentHours     float64        `json:"spent_hours"`
}

type WorkloadTotalsDTO struct {
	Total          int            `json:"total"`
	ByState        map[string]int `json:"by_state"`
	Overdue        int            `json:"overdue"`
	HighPriority   int            `json:"high_priority"`
	EstimatedHours float64        `json:"estimated_hours"`
	SpentHours     float64        `json:"spent_hours"`
	Assignees      int            `json:"assignees"`
}

type WorkloadReportDTO struct {
	Buckets []WorkloadBucketDTO `json:"buckets"`
	Totals  WorkloadTotalsDTO   `json:"totals"`
}

func toWorkloadReportDTO(r workload.Report) WorkloadReportDTO {
	buckets := make([]WorkloadBucketDTO, 0, len(r.Buckets))
	for _, b := range r.Buckets {
		buckets = append(buckets, WorkloadBucketDTO{
			Assignee:       b.Assignee,
			Total:          b.Total,
			ByState:        b.ByState,
			Overdue:        b.Overdue,
			HighPriority:   b.HighPriority,
			EstimatedHours: b.EstimatedHours,
			SpentHours:     b.SpentHours,
		})
	}
	return WorkloadReportDTO{
		Buckets: buckets,
		Totals: WorkloadTotalsDTO{
			Total:          r.Totals.Total,
			ByState:        r.Totals.ByState,
			Overdue:        r.Totals.Overdue,
			HighPriority:   r.Totals.HighPriority,
			EstimatedHours: r.Totals.EstimatedHours,
			SpentHours:     r.Totals.SpentHours,
			Assignees:      r.Totals.Assignees,
		},
	}
}

type EventDTO struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityType string `json:"entity_type"`
	RecordID   string `json:"record_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

func toEventDTOs(events []domain.Event) []EventDTO {
	out := make([]EventDTO, 0, len(events))
	for _, e := range events {
		out = append(out, EventDTO{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			EntityType: e.EntityType,
			RecordID:   e.RecordID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return out
}

type StateDTO struct {
	Name string   `json:"name"`
	Tags []string `json:"tags,omitempty"`
}

type RuleDTO struct {
	From         string   `json:"state_from"`
	Name         string   `json:"name"`
	To           string   `json:"state_to"`
	Requirements []string `json:"requirements,omitempty"`
	Sequence     int      `json:"sequence"`
}

type EntityTypeDTO struct {
	Name    string     `json:"name"`
	Initial string     `json:"initial"`
	States  []StateDTO `json:"states"`
	Rules   []RuleDTO  `json:"rules"`
}

func toEntityTypeDTO(et flow.EntityType) EntityTypeDTO {
	states := make([]StateDTO, 0, len(et.States))
	for _, s := range et.States {
		tags := make([]string, 0, len(s.Tags))
		for _, t := range s.Tags {
			tags = append(tags, string(t))
		}
		states = append(states, StateDTO{Name: s.Name, Tags: tags})
	}
	rules := make([]RuleDTO, 0, len(et.Rules))
	for _, r := range et.Rules {
		rules = append(rules, RuleDTO{
			From:         r.From,
			Name:         r.Name,
			To:           r.To,
			Requirements: r.Requirements,
			Sequence:     r.Sequence,
		})
	}
	return EntityTypeDTO{Name: et.Name, Initial: et.Initial, States: states, Rules: rules}
}

type APIKeyDTO struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

func toAPIKeyDTOs(keys []domain.APIKey) []APIKeyDTO {
	out := make([]APIKeyDTO, 0, len(keys))
	for _, k := range keys {
		out = append(out, APIKeyDTO{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
	}
	return out
}
