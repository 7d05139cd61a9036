package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/config"
	"github.com/scalytics/pmdaemon/internal/orchestrator"
	"github.com/scalytics/pmdaemon/internal/store"
)

const testSecret = "s3cret"

func newTestGateway(t *testing.T, token string) (*Server, *orchestrator.Orchestrator) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "pmdaemon.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.Paths.DocumentPath = filepath.Join(dir, "context.md")
	cfg.Slack.SigningSecret = testSecret
	cfg.Server.AuthToken = token
	cfg.Reports.Timezone = "UTC"
	o, err := orchestrator.New(cfg, orchestrator.Deps{Store: st})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return New(cfg, o), o
}

func appendPending(t *testing.T, o *orchestrator.Orchestrator, id string) {
	t.Helper()
	if _, err := o.Queue().Append(action.Action{
		ID: id, Kind: action.KindNotify, Status: action.StatusPending, CreatedAt: time.Now(),
		Payload: &action.Notify{Message: action.Message{Channel: "C1", Text: "hello"}},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func signedRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte("v0:" + ts + ":" + body))
	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestHealthAndStatus(t *testing.T) {
	s, o := newTestGateway(t, "")
	appendPending(t, o, "a1")
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var st orchestrator.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Queue[action.StatusPending] != 1 {
		t.Fatalf("expected one pending action, got %+v", st.Queue)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pmdaemon_queue_actions") {
		t.Fatalf("metrics should expose queue depth: %d", rec.Code)
	}
}

func TestStatusRequiresToken(t *testing.T) {
	s, _ := newTestGateway(t, "tok")
	h := s.Handler()

	for _, tc := range []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer tok2", http.StatusUnauthorized},
		{"prefix", "Bearer to", http.StatusUnauthorized},
		{"valid", "Bearer tok", http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health stays open, got %d", rec.Code)
	}
}

func TestSlackURLVerification(t *testing.T) {
	s, _ := newTestGateway(t, "")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, signedRequest(t, `{"type":"url_verification","challenge":"abc123"}`))
	if rec.Code != http.StatusOK || rec.Body.String() != "abc123" {
		t.Fatalf("challenge: %d %q", rec.Code, rec.Body.String())
	}
}

func TestSlackEventsRejectsBadSignature(t *testing.T) {
	s, _ := newTestGateway(t, "")
	req := signedRequest(t, `{"type":"url_verification","challenge":"x"}`)
	req.Header.Set("X-Slack-Signature", "v0=deadbeef")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAppMentionPublishesIngestTriggerOnce(t *testing.T) {
	s, o := newTestGateway(t, "")
	body := `{"type":"event_callback","event_id":"Ev01","event":{"type":"app_mention","user":"UOP","channel":"C7","text":"<@UBOT> status","ts":"1765368000.000100"}}`

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, signedRequest(t, body))
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: %d %s", i, rec.Code, rec.Body.String())
		}
	}
	if n := o.Bus().TriggerSize(); n != 1 {
		t.Fatalf("redelivery must not queue a second trigger, got %d", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tr, err := o.Bus().ConsumeTrigger(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if tr.Job != orchestrator.JobIngest || tr.Channel != "C7" || tr.EventID != "Ev01" {
		t.Fatalf("unexpected trigger %+v", tr)
	}
}

func TestDecisions(t *testing.T) {
	s, o := newTestGateway(t, "tok")
	appendPending(t, o, "a1")
	h := s.Handler()

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"missing token", "/actions/a1/approve", "", http.StatusUnauthorized},
		{"unknown decision", "/actions/a1/maybe", "tok", http.StatusNotFound},
		{"unknown action", "/actions/nope/approve", "tok", http.StatusNotFound},
		{"approve", "/actions/a1/approve", "tok", http.StatusOK},
		{"already decided", "/actions/a1/reject", "tok", http.StatusConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tc.path, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("got %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}

	a, err := o.Queue().Get("a1")
	if err != nil || a.Status != action.StatusApproved {
		t.Fatalf("a1 should be approved: %+v %v", a, err)
	}
}

func TestPendingListing(t *testing.T) {
	s, o := newTestGateway(t, "")
	appendPending(t, o, "a1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/actions", nil))
	var out struct {
		Actions []action.Action `json:"actions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Actions) != 1 || out.Actions[0].ID != "a1" {
		t.Fatalf("unexpected pending list %+v", out.Actions)
	}
}

func TestTrigger(t *testing.T) {
	s, o := newTestGateway(t, "")
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/trigger?job=bogus", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/trigger?job="+orchestrator.JobCleanup, nil))
	if rec.Code != http.StatusAccepted || o.Bus().TriggerSize() != 1 {
		t.Fatalf("trigger: %d size=%d", rec.Code, o.Bus().TriggerSize())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/trigger?job="+orchestrator.JobCleanup, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET should be refused, got %d", rec.Code)
	}
}
