package flow_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"caseline/internal/domain"
	"caseline/internal/flow"
	"caseline/internal/store"
)

// memStore is an in-memory store.Store with the same versioning semantics as
// the SQL repo.
type memStore struct {
	items map[string]domain.WorkItem
}

func newMemStore() *memStore {
	return &memStore{items: map[string]domain.WorkItem{}}
}

func (s *memStore) key(entityType, id string) string { return entityType + "/" + id }

func (s *memStore) put(item domain.WorkItem) {
	s.items[s.key(item.EntityType, item.ID)] = item
}

func (s *memStore) Read(ctx context.Context, entityType, id string) (domain.WorkItem, error) {
	item, ok := s.items[s.key(entityType, id)]
	if !ok {
		return domain.WorkItem{}, store.ErrNotFound
	}
	return item, nil
}

func (s *memStore) Write(ctx context.Context, entityType, id string, u store.Update, expectedVersion int64) (domain.WorkItem, error) {
	item, ok := s.items[s.key(entityType, id)]
	if !ok {
		return domain.WorkItem{}, store.ErrNotFound
	}
	if item.Version != expectedVersion {
		return domain.WorkItem{}, store.ErrConflict
	}
	item.State = u.State
	item.StateEnteredAt = u.StateEnteredAt
	if u.AnsweredAt != nil && item.AnsweredAt == nil {
		item.AnsweredAt = u.AnsweredAt
	}
	if u.ResolvedAt != nil && item.ResolvedAt == nil {
		item.ResolvedAt = u.ResolvedAt
	}
	if u.ClosedAt != nil && item.ClosedAt == nil {
		item.ClosedAt = u.ClosedAt
	}
	item.UpdatedAt = u.StateEnteredAt
	item.Version++
	s.items[s.key(entityType, id)] = item
	return item, nil
}

func (s *memStore) List(ctx context.Context, entityType string, f store.Filter) ([]domain.WorkItem, error) {
	var out []domain.WorkItem
	for _, item := range s.items {
		if item.EntityType == entityType {
			out = append(out, item)
		}
	}
	return out, nil
}

func newTestController(t *testing.T, s store.Store) flow.Controller {
	t.Helper()
	g := mustGraph(t, questionType(), documentType())
	c := flow.NewController(g, s)
	c.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func seedQuestion(s *memStore, attrs map[string]any) domain.WorkItem {
	item := domain.WorkItem{
		ID:             "q-1",
		EntityType:     "question",
		State:          "draft",
		Priority:       1,
		Attributes:     attrs,
		CreatedAt:      time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		StateEnteredAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		Version:        1,
	}
	s.put(item)
	return item
}

func TestListTransitionsReportsInadmissible(t *testing.T) {
	s := newMemStore()
	s.put(domain.WorkItem{
		ID: "d-1", EntityType: "document", State: "pending", Version: 1,
		Attributes: map[string]any{"amount": 120.0},
	})
	c := newTestController(t, s)

	_, options, err := c.ListTransitions(context.Background(), "document", "d-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(options) != 2 {
		t.Fatalf("options = %d, want 2", len(options))
	}
	validate := options[0]
	if validate.Rule.Name != "validate" {
		t.Fatalf("first option = %s, want validate", validate.Rule.Name)
	}
	if validate.Admissible {
		t.Fatal("validate admissible without category")
	}
	if !reflect.DeepEqual(validate.Unmet, []string{"require_category"}) {
		t.Fatalf("unmet = %v", validate.Unmet)
	}
	if reject := options[1]; reject.Rule.Name != "reject" || !reject.Admissible {
		t.Fatalf("reject option = %+v", reject)
	}
}

func TestListTransitionsIdempotent(t *testing.T) {
	s := newMemStore()
	seedQuestion(s, nil)
	c := newTestController(t, s)

	_, first, err := c.ListTransitions(context.Background(), "question", "q-1")
	if err != nil {
		t.Fatal(err)
	}
	_, second, err := c.ListTransitions(context.Background(), "question", "q-1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("listings differ: %v vs %v", first, second)
	}
}

func TestExecuteHappyPath(t *testing.T) {
	s := newMemStore()
	seedQuestion(s, map[string]any{"answer": "use form 2042"})
	c := newTestController(t, s)
	ctx := context.Background()

	item, err := c.Execute(ctx, "question", "q-1", "submit", "alice")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if item.State != "pending" || item.Version != 2 {
		t.Fatalf("after submit: state=%s version=%d", item.State, item.Version)
	}
	item, err = c.Execute(ctx, "question", "q-1", "answer", "alice")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if item.AnsweredAt == nil {
		t.Fatal("answered_at not set on entry to answered state")
	}
	item, err = c.Execute(ctx, "question", "q-1", "resolve", "alice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if item.ResolvedAt == nil {
		t.Fatal("resolved_at not set")
	}
	item, err = c.Execute(ctx, "question", "q-1", "close", "alice")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if item.ClosedAt == nil || item.State != "closed" {
		t.Fatalf("after close: %+v", item)
	}
}

func TestExecuteUnknownEntityType(t *testing.T) {
	c := newTestController(t, newMemStore())
	_, err := c.Execute(context.Background(), "invoice", "x", "submit", "alice")
	var ute flow.UnknownEntityTypeError
	if !errors.As(err, &ute) || ute.EntityType != "invoice" {
		t.Fatalf("err = %v", err)
	}
}

func TestExecuteUnknownTransition(t *testing.T) {
	s := newMemStore()
	seedQuestion(s, nil)
	c := newTestController(t, s)

	_, err := c.Execute(context.Background(), "question", "q-1", "resolve", "alice")
	var utr flow.UnknownTransitionError
	if !errors.As(err, &utr) {
		t.Fatalf("err = %v", err)
	}
	if utr.State != "draft" || utr.Name != "resolve" {
		t.Fatalf("err detail = %+v", utr)
	}
}

func TestExecuteGuardNotSatisfied(t *testing.T) {
	s := newMemStore()
	seedQuestion(s, nil)
	c := newTestController(t, s)
	ctx := context.Background()

	if _, err := c.Execute(ctx, "question", "q-1", "submit", "alice"); err != nil {
		t.Fatal(err)
	}
	_, err := c.Execute(ctx, "question", "q-1", "answer", "alice")
	var ge flow.GuardError
	if !errors.As(err, &ge) {
		t.Fatalf("err = %v", err)
	}
	if !reflect.DeepEqual(ge.Unmet, []string{"require_answer"}) {
		t.Fatalf("unmet = %v", ge.Unmet)
	}
	// record must be unchanged
	item, _ := s.Read(ctx, "question", "q-1")
	if item.State != "pending" || item.Version != 2 {
		t.Fatalf("record mutated by failed guard: %+v", item)
	}
}

func TestExecuteTerminalReentry(t *testing.T) {
	s := newMemStore()
	seedQuestion(s, map[string]any{"answer": "42"})
	c := newTestController(t, s)
	ctx := context.Background()

	for _, name := range []string{"submit", "answer", "resolve"} {
		if _, err := c.Execute(ctx, "question", "q-1", name, "alice"); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	if _, err := c.Execute(ctx, "question", "q-1", "reopen", "alice"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	// resolved_at is already set; re-resolving must be rejected
	_, err := c.Execute(ctx, "question", "q-1", "answer", "alice")
	if err != nil {
		t.Fatalf("answer after reopen: %v", err)
	}
	_, err = c.Execute(ctx, "question", "q-1", "resolve", "alice")
	var te flow.TerminalReentryError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v", err)
	}
	if te.Marker != "resolved" {
		t.Fatalf("marker = %s", te.Marker)
	}
}

func TestExecuteAnsweredAtWriteOnce(t *testing.T) {
	s := newMemStore()
	seedQuestion(s, map[string]any{"answer": "v1"})
	c := newTestController(t, s)
	ctx := context.Background()

	if _, err := c.Execute(ctx, "question", "q-1", "submit", "alice"); err != nil {
		t.Fatal(err)
	}
	first, err := c.Execute(ctx, "question", "q-1", "answer", "alice")
	if err != nil {
		t.Fatal(err)
	}
	// resolve, reopen, answer again: the mark keeps its first value
	if _, err := c.Execute(ctx, "question", "q-1", "resolve", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Execute(ctx, "question", "q-1", "reopen", "alice"); err != nil {
		t.Fatal(err)
	}
	second, err := c.Execute(ctx, "question", "q-1", "answer", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if second.AnsweredAt == nil || !second.AnsweredAt.Equal(*first.AnsweredAt) {
		t.Fatalf("answered_at changed: %v -> %v", first.AnsweredAt, second.AnsweredAt)
	}
}

func TestExecuteVersionConflict(t *testing.T) {
	s := newMemStore()
	seedQuestion(s, nil)
	c := newTestController(t, s)
	ctx := context.Background()

	// simulate a racing writer bumping the version between read and write
	racing := &racingStore{memStore: s}
	c.Store = racing
	_, err := c.Execute(ctx, "question", "q-1", "submit", "alice")
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

// racingStore bumps the stored version after every read, so the following
// write always sees a stale expectedVersion.
type racingStore struct {
	*memStore
}

func (s *racingStore) Read(ctx context.Context, entityType, id string) (domain.WorkItem, error) {
	item, err := s.memStore.Read(ctx, entityType, id)
	if err != nil {
		return item, err
	}
	bumped := item
	bumped.Version++
	s.memStore.put(bumped)
	return item, nil
}
