// Package app wires the store, the transition graph and the controller into
// one handle the CLI and HTTP server share.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/flow"
	"caseline/internal/repo"
	"caseline/internal/sla"
	"caseline/internal/store"
	"caseline/internal/workload"
)

type App struct {
	DB         *sql.DB
	Repo       repo.Repo
	Config     *config.Config
	Graph      *flow.Graph
	Controller flow.Controller
	Now        func() time.Time
}

// New builds the application handle, failing fast on invalid flow config.
func New(db *sql.DB, cfg *config.Config) (App, error) {
	g, err := cfg.Graph()
	if err != nil {
		return App{}, fmt.Errorf("flow config: %w", err)
	}
	r := repo.New(db)
	return App{
		DB:         db,
		Repo:       r,
		Config:     cfg,
		Graph:      g,
		Controller: flow.NewController(g, r),
		Now:        time.Now,
	}, nil
}

func (a App) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// WithClock pins the clock on the app, the controller and the repo; tests use
// this to make timestamps deterministic.
func (a App) WithClock(now func() time.Time) App {
	a.Now = now
	a.Controller.Now = now
	a.Repo.Now = now
	return a
}

// CreateOptions are parameters for creating a record.
type CreateOptions struct {
	EntityType string
	ID         string
	Priority   *int
	Assignee   string
	Attributes map[string]any
	Actor      string
}

// CreateRecord inserts a record in its entity's declared initial state.
func (a App) CreateRecord(ctx context.Context, opts CreateOptions) (domain.WorkItem, error) {
	et, ok := a.Graph.Type(opts.EntityType)
	if !ok {
		return domain.WorkItem{}, flow.UnknownEntityTypeError{EntityType: opts.EntityType}
	}
	priority := 1
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	if priority < 0 || priority > 3 {
		return domain.WorkItem{}, domain.ValidationError{Field: "priority", Message: fmt.Sprintf("%d is outside 0..3", priority)}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := a.now().UTC()
	item := domain.WorkItem{
		ID:             id,
		EntityType:     opts.EntityType,
		State:          et.Initial,
		Priority:       priority,
		Attributes:     opts.Attributes,
		CreatedAt:      now,
		StateEnteredAt: now,
		UpdatedAt:      now,
		Version:        1,
	}
	if opts.Assignee != "" {
		assignee := opts.Assignee
		item.Assignee = &assignee
	}
	return a.Repo.Create(ctx, item, opts.Actor)
}

// SLAReport evaluates the SLA metrics for one record at the given instant.
func (a App) SLAReport(ctx context.Context, entityType, id string, now time.Time) (sla.Report, error) {
	et, ok := a.Graph.Type(entityType)
	if !ok {
		return sla.Report{}, flow.UnknownEntityTypeError{EntityType: entityType}
	}
	item, err := a.Repo.Read(ctx, entityType, id)
	if err != nil {
		return sla.Report{}, err
	}
	return sla.Evaluate(et, item, now, a.Config.SLAPolicy()), nil
}

// Workload aggregates the current record set of one entity type.
func (a App) Workload(ctx context.Context, entityType string, f store.Filter, includeCompleted bool, now time.Time) (workload.Report, error) {
	et, ok := a.Graph.Type(entityType)
	if !ok {
		return workload.Report{}, flow.UnknownEntityTypeError{EntityType: entityType}
	}
	items, err := a.Repo.List(ctx, entityType, f)
	if err != nil {
		return workload.Report{}, err
	}
	return workload.Aggregate(et, items, workload.Options{IncludeCompleted: includeCompleted, Now: now}), nil
}
