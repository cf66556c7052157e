package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"caseline/internal/app"
	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var actorHeaders = map[string]string{"X-Actor-Id": "tester"}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	a, err := app.New(conn, config.Default())
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	a = a.WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) })
	handler, err := New(Config{
		App:      a,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:        "test-secret",
			AllowActorHeader: true,
			DevLogin:         true,
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return envelope.Error.Code
}

func TestHealthNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/records/question", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestQuestionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/records", map[string]any{
		"entity_type": "question",
		"id":          "q-1",
		"attributes":  map[string]any{"answer_text": "use form 2042", "resolution_note": "done"},
	}, actorHeaders)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", createRes.StatusCode, string(data))
	}
	var created RecordDTO
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if created.State != "draft" || created.Version != 1 {
		t.Fatalf("created = %+v", created)
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/records/question/q-1/transitions", nil, actorHeaders)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("transitions status %d: %s", listRes.StatusCode, string(listBody))
	}
	var options []TransitionOptionDTO
	if err := json.Unmarshal(listBody, &options); err != nil {
		t.Fatal(err)
	}
	if len(options) != 1 || options[0].Name != "submit" || !options[0].Admissible {
		t.Fatalf("draft options = %+v", options)
	}

	for _, name := range []string{"submit", "answer", "resolve", "close"} {
		runRes, runBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/records/question/q-1/transitions", map[string]any{
			"transition": name,
		}, actorHeaders)
		if runRes.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", name, runRes.StatusCode, string(runBody))
		}
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/records/question/q-1", nil, actorHeaders)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", getRes.StatusCode)
	}
	var final RecordDTO
	_ = json.Unmarshal(getBody, &final)
	if final.State != "closed" || final.ClosedAt == nil || final.ResolvedAt == nil {
		t.Fatalf("final = %+v", final)
	}
}

func TestGuardFailureReturns422(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/records", map[string]any{
		"entity_type": "question",
		"id":          "q-1",
	}, actorHeaders); res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/records/question/q-1/transitions", map[string]any{
		"transition": "submit",
	}, actorHeaders); res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/records/question/q-1/transitions", map[string]any{
		"transition": "answer",
	}, actorHeaders)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "guard_not_satisfied" {
		t.Fatalf("code = %s", code)
	}
}

func TestUnknownTransitionReturns400(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/records", map[string]any{
		"entity_type": "question", "id": "q-1",
	}, actorHeaders)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/records/question/q-1/transitions", map[string]any{
		"transition": "teleport",
	}, actorHeaders)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unknown_transition" {
		t.Fatalf("code = %s", code)
	}
}

func TestOutOfRangePriorityReturns400(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/records", map[string]any{
		"entity_type": "question", "id": "q-1", "priority": 9,
	}, actorHeaders)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "bad_request" {
		t.Fatalf("code = %s", code)
	}
}

func TestMissingRecordReturns404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/records/question/nope", nil, actorHeaders)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("code = %s", code)
	}
}

func TestSLAAndWorkloadEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/records", map[string]any{
		"entity_type": "document", "id": "d-1", "priority": 3,
		"attributes": map[string]any{"estimated_hours": 4.0},
	}, actorHeaders)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/records", map[string]any{
		"entity_type": "document", "id": "d-2", "assignee": "alice",
	}, actorHeaders)

	slaRes, slaBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/records/document/d-1/sla", nil, actorHeaders)
	if slaRes.StatusCode != http.StatusOK {
		t.Fatalf("sla status %d: %s", slaRes.StatusCode, string(slaBody))
	}
	var report SLAReportDTO
	if err := json.Unmarshal(slaBody, &report); err != nil {
		t.Fatal(err)
	}
	if !report.NeedsAttention {
		t.Fatal("urgent open record must need attention")
	}

	wlRes, wlBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/workload/document", nil, actorHeaders)
	if wlRes.StatusCode != http.StatusOK {
		t.Fatalf("workload status %d: %s", wlRes.StatusCode, string(wlBody))
	}
	var wl WorkloadReportDTO
	if err := json.Unmarshal(wlBody, &wl); err != nil {
		t.Fatal(err)
	}
	if wl.Totals.Total != 2 || wl.Totals.Assignees != 2 {
		t.Fatalf("workload totals = %+v", wl.Totals)
	}
	if wl.Buckets[0].Assignee != "alice" || wl.Buckets[1].Assignee != "unassigned" {
		t.Fatalf("buckets = %+v", wl.Buckets)
	}
}

func TestDevLoginAndBearerAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "alice",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("token: %v %s", err, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records/question", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list with token status %d: %s", res.StatusCode, string(data))
	}
	// garbage token is rejected
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records/question", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status %d", res.StatusCode)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"name": "ci",
	}, actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var created struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	if err := json.Unmarshal(data, &created); err != nil || created.Key == "" {
		t.Fatalf("key: %v %s", err, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records/question", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list with api key status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/apikeys/"+created.ID, nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revoke status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records/question", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key status %d", res.StatusCode)
	}
}

func TestFlowIntrospection(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flow", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("flow status %d: %s", res.StatusCode, string(data))
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "document" {
		t.Fatalf("names = %v", names)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flow/question", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("flow/question status %d", res.StatusCode)
	}
	var et EntityTypeDTO
	if err := json.Unmarshal(data, &et); err != nil {
		t.Fatal(err)
	}
	if et.Initial != "draft" || len(et.States) != 5 {
		t.Fatalf("entity type = %+v", et)
	}
}
