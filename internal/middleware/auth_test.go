package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/taskpact/internal/auth"
	"github.com/dukerupert/taskpact/internal/model"
	"github.com/dukerupert/taskpact/internal/store"
	"github.com/dukerupert/taskpact/internal/testutil"
)

func setupVerifier(t *testing.T) (*auth.PINVerifier, testutil.Family) {
	t.Helper()
	db := testutil.NewTestDB(t)
	fam := testutil.SeedFamily(t, db, "UTC", 0)
	v := auth.NewPINVerifier(store.NewMemberStore(db))
	if err := v.SetPIN(context.Background(), fam.Alice, "1234"); err != nil {
		t.Fatalf("set pin: %v", err)
	}
	if err := v.SetPIN(context.Background(), fam.Parent, "9876"); err != nil {
		t.Fatalf("set pin: %v", err)
	}
	return v, fam
}

func TestRequireMemberNoCredentials(t *testing.T) {
	v, _ := setupVerifier(t)

	handler := RequireMember(v, nil, slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}
}

func TestRequireMemberBadCredentials(t *testing.T) {
	v, fam := setupVerifier(t)

	handler := RequireMember(v, nil, slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	}))

	tests := []struct {
		name, user, pin string
	}{
		{"wrong pin", itoa(fam.Alice), "0000"},
		{"not a number", "alice", "1234"},
		{"no pin set", itoa(fam.Bob), "1234"},
		{"unknown member", "999", "1234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.SetBasicAuth(tt.user, tt.pin)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestRequireMemberPopulatesActor(t *testing.T) {
	v, fam := setupVerifier(t)

	var got auth.Actor
	handler := RequireMember(v, nil, slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.SetBasicAuth(itoa(fam.Alice), "1234")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got.MemberID != fam.Alice || got.FamilyID != fam.ID || got.Role != model.RoleChild {
		t.Errorf("actor = %+v", got)
	}
}

func TestRequireParent(t *testing.T) {
	v, fam := setupVerifier(t)
	handler := RequireMember(v, nil, slog.Default())(RequireParent(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	tests := []struct {
		name string
		user string
		pin  string
		want int
	}{
		{"child", itoa(fam.Alice), "1234", http.StatusForbidden},
		{"parent", itoa(fam.Parent), "9876", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/", nil)
			req.SetBasicAuth(tt.user, tt.pin)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequireMemberLockout(t *testing.T) {
	v, fam := setupVerifier(t)
	lockout := NewLimiter(3, 15*time.Minute)
	handler := RequireMember(v, lockout, slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(user, pin string) int {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "192.168.1.30:4000"
		req.SetBasicAuth(user, pin)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 3; i++ {
		if code := send(itoa(fam.Alice), "0000"); code != http.StatusUnauthorized {
			t.Fatalf("guess %d: status = %d", i+1, code)
		}
	}
	if code := send(itoa(fam.Alice), "1234"); code != http.StatusTooManyRequests {
		t.Errorf("correct pin while locked: status = %d, want %d", code, http.StatusTooManyRequests)
	}
	if code := send(itoa(fam.Parent), "9876"); code != http.StatusOK {
		t.Errorf("other member: status = %d, want %d", code, http.StatusOK)
	}
}

func TestRequireMemberSuccessResetsFailures(t *testing.T) {
	v, fam := setupVerifier(t)
	lockout := NewLimiter(2, 15*time.Minute)
	handler := RequireMember(v, lockout, slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(pin string) int {
		req := httptest.NewRequest("GET", "/", nil)
		req.SetBasicAuth(itoa(fam.Alice), pin)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for _, step := range []struct {
		pin  string
		want int
	}{
		{"0000", http.StatusUnauthorized},
		{"1234", http.StatusOK},
		{"0000", http.StatusUnauthorized},
		{"1234", http.StatusOK},
	} {
		if code := send(step.pin); code != step.want {
			t.Errorf("pin %s: status = %d, want %d", step.pin, code, step.want)
		}
	}
}

func TestRequestLoggerSetsRequestID(t *testing.T) {
	var seen string
	handler := RequestLogger(slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if seen == "" {
		t.Fatal("request id not in context")
	}
	if rec.Header().Get("X-Request-ID") != seen {
		t.Errorf("X-Request-ID = %q, want %q", rec.Header().Get("X-Request-ID"), seen)
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestRequestLoggerKeepsUpstreamID(t *testing.T) {
	handler := RequestLogger(slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	upstream := "2f1c7c1e-9a57-4c2b-8f59-0d0b2b8a7e11"
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", upstream)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != upstream {
		t.Errorf("X-Request-ID = %q, want %q", got, upstream)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "<script>")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got == "<script>" || got == "" {
		t.Errorf("malformed upstream id should be replaced, got %q", got)
	}
}

func TestRequestLoggerRecordsMember(t *testing.T) {
	v, fam := setupVerifier(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestLogger(logger)(RequireMember(v, nil, slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	req := httptest.NewRequest("GET", "/api/tasks", nil)
	req.SetBasicAuth(itoa(fam.Alice), "1234")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !strings.Contains(buf.String(), `"member_id":`+itoa(fam.Alice)) {
		t.Errorf("log line = %s, want member_id", buf.String())
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
