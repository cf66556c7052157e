package caselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Caseline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Record represents the API record model.
type Record struct {
	ID             string         `json:"id"`
	EntityType     string         `json:"entity_type"`
	State          string         `json:"state"`
	Priority       int            `json:"priority"`
	Assignee       string         `json:"assignee,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	CreatedAt      string         `json:"created_at"`
	StateEnteredAt string         `json:"state_entered_at"`
	AnsweredAt     *string        `json:"answered_at,omitempty"`
	ResolvedAt     *string        `json:"resolved_at,omitempty"`
	ClosedAt       *string        `json:"closed_at,omitempty"`
	UpdatedAt      string         `json:"updated_at"`
	Version        int64          `json:"version"`
}

// TransitionOption describes one candidate transition for a record.
type TransitionOption struct {
	Name       string   `json:"name"`
	StateTo    string   `json:"state_to"`
	Admissible bool     `json:"admissible"`
	Unmet      []string `json:"unmet,omitempty"`
}

// SLAReport carries timing metrics for a record.
type SLAReport struct {
	ResponseTimeHours   *float64 `json:"response_time_hours"`
	ResolutionTimeHours *float64 `json:"resolution_time_hours"`
	NeedsAttention      bool     `json:"needs_attention"`
	IsOverdue           bool     `json:"is_overdue"`
}

// WorkloadBucket summarizes one assignee's load.
type WorkloadBucket struct {
	Assignee       string         `json:"assignee"`
	Total          int            `json:"total"`
	ByState        map[string]int `json:"by_state"`
	Overdue        int            `json:"overdue"`
	HighPriority   int            `json:"high_priority"`
	EstimatedHours float64        `json:"estimated_hours"`
	SpentHours     float64        `json:"spent_hours"`
}

// WorkloadReport is the full aggregation.
type WorkloadReport struct {
	Buckets []WorkloadBucket `json:"buckets"`
	Totals  struct {
		Total          int            `json:"total"`
		ByState        map[string]int `json:"by_state"`
		Overdue        int            `json:"overdue"`
		HighPriority   int            `json:"high_priority"`
		EstimatedHours float64        `json:"estimated_hours"`
		SpentHours     float64        `json:"spent_hours"`
		Assignees      int            `json:"assignees"`
	} `json:"totals"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityType string `json:"entity_type"`
	RecordID   string `json:"record_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRecord creates a record in its initial state.
func (c *Client) CreateRecord(ctx context.Context, entityType string, attributes map[string]any) (Record, error) {
	body := map[string]any{
		"entity_type": entityType,
		"attributes":  attributes,
	}
	var resp Record
	err := c.do(ctx, http.MethodPost, "v0/records", body, &resp)
	return resp, err
}

// GetRecord fetches one record.
func (c *Client) GetRecord(ctx context.Context, entityType, id string) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodGet, c.recordPath(entityType, id, ""), nil, &resp)
	return resp, err
}

// ListRecords lists records of one entity type, optionally filtered by state.
func (c *Client) ListRecords(ctx context.Context, entityType, state string) ([]Record, error) {
	endpoint := fmt.Sprintf("v0/records/%s", url.PathEscape(entityType))
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	var resp []Record
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateRecord patches assignee, priority or attributes.
func (c *Client) UpdateRecord(ctx context.Context, entityType, id string, patch map[string]any) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodPatch, c.recordPath(entityType, id, ""), patch, &resp)
	return resp, err
}

// Transitions lists the candidate transitions for a record.
func (c *Client) Transitions(ctx context.Context, entityType, id string) ([]TransitionOption, error) {
	var resp []TransitionOption
	err := c.do(ctx, http.MethodGet, c.recordPath(entityType, id, "transitions"), nil, &resp)
	return resp, err
}

// RunTransition executes a named transition on a record.
func (c *Client) RunTransition(ctx context.Context, entityType, id, transition string) (Record, error) {
	body := map[string]any{"transition": transition}
	var resp Record
	err := c.do(ctx, http.MethodPost, c.recordPath(entityType, id, "transitions"), body, &resp)
	return resp, err
}

// SLA returns the timing report for a record.
func (c *Client) SLA(ctx context.Context, entityType, id string) (SLAReport, error) {
	var resp SLAReport
	err := c.do(ctx, http.MethodGet, c.recordPath(entityType, id, "sla"), nil, &resp)
	return resp, err
}

// Workload returns the per-assignee aggregation for one entity type.
func (c *Client) Workload(ctx context.Context, entityType string, includeCompleted bool) (WorkloadReport, error) {
	endpoint := fmt.Sprintf("v0/workload/%s", url.PathEscape(entityType))
	if includeCompleted {
		endpoint += "?include_completed=true"
	}
	var resp WorkloadReport
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DevLogin exchanges an actor id for a bearer token (dev mode only) and
// stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID string) error {
	body := map[string]any{"actor_id": actorID}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", body, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) recordPath(entityType, id, tail string) string {
	p := fmt.Sprintf("v0/records/%s/%s", url.PathEscape(entityType), url.PathEscape(id))
	if tail != "" {
		p += "/" + tail
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
