package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/dukerupert/taskpact/internal/testutil"
)

var pins = map[string]string{"parent": "1111", "alice": "2222", "bob": "3333"}

type testServer struct {
	handler http.Handler
	fam     testutil.Family
	ids     map[string]int64
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	db := testutil.NewTestDB(t)
	fam := testutil.SeedFamily(t, db, "UTC", 0)
	srv := New(db, Config{
		SweepInterval:    time.Hour,
		ExpiryInterval:   time.Hour,
		ScheduleInterval: time.Hour,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ts := &testServer{
		handler: srv.Router(),
		fam:     fam,
		ids:     map[string]int64{"parent": fam.Parent, "alice": fam.Alice, "bob": fam.Bob},
	}
	for who, pin := range pins {
		if err := srv.Services().PINs.SetPIN(context.Background(), ts.ids[who], pin); err != nil {
			t.Fatalf("set pin: %v", err)
		}
	}
	return ts
}

func (ts *testServer) do(t *testing.T, who, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if who != "" {
		req.SetBasicAuth(strconv.FormatInt(ts.ids[who], 10), pins[who])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

func (ts *testServer) createTask(t *testing.T, taskType string) int64 {
	t.Helper()
	rec := ts.do(t, "parent", "POST", "/api/tasks", map[string]any{
		"title":       "Mow the lawn",
		"assigned_to": ts.fam.Alice,
		"points":      10,
		"task_type":   taskType,
		"due_date":    time.Now().Add(2 * time.Hour),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	return int64(decodeBody(t, rec)["id"].(float64))
}

func TestHealth(t *testing.T) {
	ts := setupServer(t)
	rec := ts.do(t, "", "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" || body["schema"] != float64(3) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestRequiresCredentials(t *testing.T) {
	ts := setupServer(t)
	if rec := ts.do(t, "", "GET", "/api/tasks", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestTaskFlow(t *testing.T) {
	ts := setupServer(t)
	id := ts.createTask(t, "non_negotiable")

	for _, step := range []struct{ who, action string }{
		{"alice", "start"},
		{"alice", "complete"},
		{"parent", "approve"},
	} {
		rec := ts.do(t, step.who, "POST", fmt.Sprintf("/api/tasks/%d/%s", id, step.action), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, body = %s", step.action, rec.Code, rec.Body.String())
		}
	}

	rec := ts.do(t, "alice", "GET", fmt.Sprintf("/api/members/%d/ledger", ts.fam.Alice), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ledger: status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["points"]; got != float64(10) {
		t.Errorf("points = %v, want 10", got)
	}

	rec = ts.do(t, "parent", "GET", fmt.Sprintf("/api/tasks/%d", id), nil)
	if got := decodeBody(t, rec)["status"]; got != "approved" {
		t.Errorf("status = %v, want approved", got)
	}
}

func TestErrorStatuses(t *testing.T) {
	ts := setupServer(t)
	id := ts.createTask(t, "non_negotiable")

	tests := []struct {
		name   string
		who    string
		method string
		path   string
		body   any
		want   int
	}{
		{"child creates task", "alice", "POST", "/api/tasks", map[string]any{"title": "x"}, http.StatusForbidden},
		{"missing title", "parent", "POST", "/api/tasks", map[string]any{"assigned_to": ts.fam.Alice}, http.StatusBadRequest},
		{"unknown task", "parent", "GET", "/api/tasks/9999", nil, http.StatusNotFound},
		{"approve pending task", "parent", "POST", fmt.Sprintf("/api/tasks/%d/approve", id), nil, http.StatusBadRequest},
		{"sibling starts task", "bob", "POST", fmt.Sprintf("/api/tasks/%d/start", id), nil, http.StatusForbidden},
		{"unknown action", "alice", "POST", fmt.Sprintf("/api/tasks/%d/dance", id), nil, http.StatusNotFound},
		{"other child's ledger", "bob", "GET", fmt.Sprintf("/api/members/%d/ledger", ts.fam.Alice), nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.who, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestTransferOverHTTP(t *testing.T) {
	ts := setupServer(t)
	id := ts.createTask(t, "negotiable")

	rec := ts.do(t, "alice", "POST", fmt.Sprintf("/api/tasks/%d/transfer", id), map[string]any{
		"recipient_id":                ts.fam.Bob,
		"points_offered_to_recipient": 6,
		"points_kept_by_initiator":    4,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("transfer: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	negID := int64(decodeBody(t, rec)["id"].(float64))

	rec = ts.do(t, "alice", "POST", fmt.Sprintf("/api/negotiations/%d/respond", negID), map[string]any{"decision": "accept"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("initiator accept: status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	rec = ts.do(t, "bob", "POST", fmt.Sprintf("/api/negotiations/%d/respond", negID), map[string]any{"decision": "accept"})
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, "bob", "POST", fmt.Sprintf("/api/negotiations/%d/respond", negID), map[string]any{"decision": "reject"})
	if rec.Code != http.StatusConflict {
		t.Errorf("second response: status = %d, want %d", rec.Code, http.StatusConflict)
	}

	task := decodeBody(t, ts.do(t, "parent", "GET", fmt.Sprintf("/api/tasks/%d", id), nil))
	if task["assigned_to"] != float64(ts.fam.Bob) {
		t.Errorf("assigned_to = %v, want %d", task["assigned_to"], ts.fam.Bob)
	}

	history := decodeBody(t, ts.do(t, "alice", "GET", fmt.Sprintf("/api/tasks/%d/negotiations", id), nil))
	if msgs, _ := history["messages"].([]any); len(msgs) != 2 {
		t.Errorf("messages = %v, want offer and accept", history["messages"])
	}
}
