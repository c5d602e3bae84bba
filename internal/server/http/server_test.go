package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/chronicle/internal/config"
	"github.com/rzbill/chronicle/internal/eventlog"
	"github.com/rzbill/chronicle/internal/runtime"
	logpkg "github.com/rzbill/chronicle/pkg/log"
)

func newServerForTest(t *testing.T) (*Server, *runtime.Runtime) {
	t.Helper()
	rt, err := runtime.Open(runtime.Options{Config: cfgpkg.Default(), Logger: logpkg.NewTestLogger()})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return New(rt), rt
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func appendViaAPI(t *testing.T, s *Server, entityID, verb, stage string) eventlog.Event {
	t.Helper()
	body := fmt.Sprintf(`{"entityType":"Contact","entityId":"%s","verb":"%s","conjugation":{"action":"%s","event":"%sd"},"after":{"stage":"%s"}}`,
		entityID, verb, verb, verb, stage)
	w := doJSON(t, s, http.MethodPost, "/v1/events/append", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("append status: %d body=%s", w.Code, w.Body.String())
	}
	var ev eventlog.Event
	if err := json.Unmarshal(w.Body.Bytes(), &ev); err != nil {
		t.Fatalf("decode append response: %v", err)
	}
	return ev
}

func TestHealthHandler(t *testing.T) {
	s, _ := newServerForTest(t)
	w := doJSON(t, s, http.MethodGet, "/v1/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestAppendAndGet(t *testing.T) {
	s, _ := newServerForTest(t)
	ev := appendViaAPI(t, s, "c1", "create", "Lead")
	if ev.Type != "Contact.created" || ev.Sequence != 1 {
		t.Fatalf("unexpected event %+v", ev)
	}

	w := doJSON(t, s, http.MethodGet, "/v1/events/get?id="+ev.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status: %d", w.Code)
	}
	w = doJSON(t, s, http.MethodGet, "/v1/events/get?id=missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing get status: %d", w.Code)
	}
}

func TestAppendRejectsEmptyEntityType(t *testing.T) {
	s, _ := newServerForTest(t)
	w := doJSON(t, s, http.MethodPost, "/v1/events/append", `{"entityId":"c1","verb":"create"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestQueryAndHistoryHandlers(t *testing.T) {
	s, _ := newServerForTest(t)
	appendViaAPI(t, s, "c1", "create", "Lead")
	appendViaAPI(t, s, "c1", "update", "Qualified")
	appendViaAPI(t, s, "c2", "create", "Lead")

	var res struct {
		Events []eventlog.Event `json:"events"`
		Count  int              `json:"count"`
	}
	w := doJSON(t, s, http.MethodGet, "/v1/events/query?verb=create", "")
	if w.Code != http.StatusOK {
		t.Fatalf("query status: %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Count != 2 {
		t.Fatalf("query count: %d", res.Count)
	}

	w = doJSON(t, s, http.MethodGet, "/v1/entities/history?entityType=Contact&entityId=c1", "")
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Count != 2 || res.Events[1].Sequence != 2 {
		t.Fatalf("history: %+v", res)
	}
}

func TestAsOfHandler(t *testing.T) {
	s, _ := newServerForTest(t)
	appendViaAPI(t, s, "c1", "create", "Lead")
	appendViaAPI(t, s, "c1", "update", "Qualified")

	w := doJSON(t, s, http.MethodGet, "/v1/state/asof?entityType=Contact&entityId=c1&version=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("asof status: %d", w.Code)
	}
	var st map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st["stage"] != "Lead" {
		t.Fatalf("asof stage: %v", st["stage"])
	}

	w = doJSON(t, s, http.MethodGet, "/v1/state/asof?entityType=Contact&entityId=nobody", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown entity status: %d", w.Code)
	}
}

func TestDiffHandler(t *testing.T) {
	s, _ := newServerForTest(t)
	appendViaAPI(t, s, "c1", "create", "Lead")
	appendViaAPI(t, s, "c1", "update", "Qualified")

	w := doJSON(t, s, http.MethodGet,
		"/v1/state/diff?entityType=Contact&entityId=c1&fromVersion=1&toVersion=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("diff status: %d", w.Code)
	}
	var diff struct {
		Changes []struct {
			Field string `json:"field"`
		} `json:"changes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &diff); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(diff.Changes) != 1 || diff.Changes[0].Field != "stage" {
		t.Fatalf("diff changes: %+v", diff.Changes)
	}
}

func TestRollbackHandler(t *testing.T) {
	s, rt := newServerForTest(t)
	appendViaAPI(t, s, "c1", "create", "Lead")
	appendViaAPI(t, s, "c1", "update", "Qualified")

	w := doJSON(t, s, http.MethodPost, "/v1/state/rollback",
		`{"entityType":"Contact","entityId":"c1","version":1}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("rollback status: %d body=%s", w.Code, w.Body.String())
	}
	if rt.Log().Size() != 3 {
		t.Fatalf("rollback must append, size=%d", rt.Log().Size())
	}

	w = doJSON(t, s, http.MethodPost, "/v1/state/rollback",
		`{"entityType":"Contact","entityId":"nobody","version":1}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("rollback unknown entity status: %d", w.Code)
	}
}

func TestCDCPollCheckpointAck(t *testing.T) {
	s, _ := newServerForTest(t)
	appendViaAPI(t, s, "c1", "create", "Lead")
	appendViaAPI(t, s, "c1", "update", "Qualified")

	w := doJSON(t, s, http.MethodPost, "/v1/cdc/poll", `{"batchSize":1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("poll status: %d", w.Code)
	}
	var res struct {
		Events  []eventlog.Event `json:"events"`
		Cursor  string           `json:"cursor"`
		HasMore bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Events) != 1 || !res.HasMore {
		t.Fatalf("poll page: %+v", res)
	}

	w = doJSON(t, s, http.MethodPost, "/v1/cdc/checkpoint",
		fmt.Sprintf(`{"consumer":"billing","cursor":"%s"}`, res.Cursor))
	if w.Code != http.StatusNoContent {
		t.Fatalf("checkpoint status: %d", w.Code)
	}
	w = doJSON(t, s, http.MethodPost, "/v1/cdc/ack",
		fmt.Sprintf(`{"consumer":"billing","eventIds":["%s"]}`, res.Events[0].ID))
	if w.Code != http.StatusNoContent {
		t.Fatalf("ack status: %d", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/v1/cdc/poll",
		fmt.Sprintf(`{"after":"%s"}`, res.Cursor))
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Events) != 1 || res.HasMore {
		t.Fatalf("resume poll: %+v", res)
	}
}

func TestCDCPollFilter(t *testing.T) {
	s, _ := newServerForTest(t)
	appendViaAPI(t, s, "c1", "create", "Lead")
	appendViaAPI(t, s, "c1", "update", "Qualified")

	w := doJSON(t, s, http.MethodPost, "/v1/cdc/poll", `{"filter":"verb == \"update\""}`)
	if w.Code != http.StatusOK {
		t.Fatalf("poll status: %d", w.Code)
	}
	var res struct {
		Events []eventlog.Event `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Events) != 1 || res.Events[0].Verb != "update" {
		t.Fatalf("filtered poll: %+v", res)
	}

	w = doJSON(t, s, http.MethodPost, "/v1/cdc/poll", `{"filter":"verb =="}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad filter status: %d", w.Code)
	}
}

func TestSubscribeSSEReplays(t *testing.T) {
	s, _ := newServerForTest(t)
	ev := appendViaAPI(t, s, "c1", "create", "Lead")

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/v1/cdc/subscribe", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type: %s", got)
	}

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "id: "+ev.ID+"\n" {
		t.Fatalf("first line: %q", line)
	}
	line, _ = r.ReadString('\n')
	if line != "event: Contact.created\n" {
		t.Fatalf("second line: %q", line)
	}
}

func TestSubscribeSSERejectsBadFilter(t *testing.T) {
	s, _ := newServerForTest(t)
	w := doJSON(t, s, http.MethodGet, "/v1/cdc/subscribe?filter=verb+%3D%3D", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestMethodGuards(t *testing.T) {
	s, _ := newServerForTest(t)
	if w := doJSON(t, s, http.MethodGet, "/v1/events/append", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("append guard: %d", w.Code)
	}
	if w := doJSON(t, s, http.MethodPost, "/v1/events/query", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("query guard: %d", w.Code)
	}
}
