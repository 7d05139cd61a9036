package channels

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/config"
)

type fakeSlack struct {
	mu       sync.Mutex
	calls    map[string][]url.Values
	handlers map[string]func(w http.ResponseWriter, form url.Values, n int)
}

func newFakeSlack(t *testing.T) (*fakeSlack, *Slack) {
	t.Helper()
	f := &fakeSlack{
		calls:    map[string][]url.Values{},
		handlers: map[string]func(http.ResponseWriter, url.Values, int){},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		method := strings.TrimPrefix(r.URL.Path, "/")
		f.mu.Lock()
		f.calls[method] = append(f.calls[method], r.Form)
		n := len(f.calls[method])
		h := f.handlers[method]
		f.mu.Unlock()
		if h == nil {
			writeJSON(w, map[string]any{"ok": true})
			return
		}
		h(w, r.Form, n)
	}))
	t.Cleanup(srv.Close)

	s := NewSlack(config.SlackConfig{BotToken: "xoxb-test", APIBase: srv.URL, HistoryLimit: 50})
	s.baseDelay = time.Millisecond
	s.now = func() time.Time { return time.Date(2025, 12, 10, 9, 0, 0, 0, time.UTC) }
	return f, s
}

func (f *fakeSlack) handle(method string, h func(w http.ResponseWriter, form url.Values, n int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeSlack) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls[method])
}

func (f *fakeSlack) form(method string, i int) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method][i]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestSendThreaded(t *testing.T) {
	f, s := newFakeSlack(t)
	f.handle("chat.postMessage", func(w http.ResponseWriter, form url.Values, _ int) {
		writeJSON(w, map[string]any{"ok": true, "channel": form.Get("channel"), "ts": "1700.000100"})
	})

	ts, err := s.Send(context.Background(), "C1", "hello", "1699.000000")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ts != "1700.000100" {
		t.Fatalf("unexpected ts %q", ts)
	}
	form := f.form("chat.postMessage", 0)
	if form.Get("channel") != "C1" || form.Get("text") != "hello" || form.Get("thread_ts") != "1699.000000" {
		t.Fatalf("unexpected form %v", form)
	}
}

func TestSendRetriesRateLimit(t *testing.T) {
	f, s := newFakeSlack(t)
	f.handle("chat.postMessage", func(w http.ResponseWriter, _ url.Values, n int) {
		if n == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(w, map[string]any{"ok": true, "channel": "C1", "ts": "1700.000200"})
	})

	ts, err := s.Send(context.Background(), "C1", "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ts != "1700.000200" || f.count("chat.postMessage") != 2 {
		t.Fatalf("expected one retry, got ts=%q calls=%d", ts, f.count("chat.postMessage"))
	}
}

func TestSendDoesNotRetryHardErrors(t *testing.T) {
	f, s := newFakeSlack(t)
	f.handle("chat.postMessage", func(w http.ResponseWriter, _ url.Values, _ int) {
		writeJSON(w, map[string]any{"ok": false, "error": "channel_not_found"})
	})
	if _, err := s.Send(context.Background(), "C404", "hi", ""); err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Fatalf("expected channel_not_found, got %v", err)
	}
	if f.count("chat.postMessage") != 1 {
		t.Fatalf("expected a single attempt, got %d", f.count("chat.postMessage"))
	}
}

func TestSchedule(t *testing.T) {
	f, s := newFakeSlack(t)
	f.handle("chat.scheduleMessage", func(w http.ResponseWriter, form url.Values, _ int) {
		writeJSON(w, map[string]any{"ok": true, "channel": "C1", "scheduled_message_id": "Q1", "post_at": form.Get("post_at")})
	})

	at := time.Date(2025, 12, 11, 10, 0, 0, 0, time.UTC)
	id, err := s.Schedule(context.Background(), "C1", "ship", at)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if id != "Q1" {
		t.Fatalf("unexpected id %q", id)
	}
	if got := f.form("chat.scheduleMessage", 0).Get("post_at"); got != strconv.FormatInt(at.Unix(), 10) {
		t.Fatalf("unexpected post_at %q", got)
	}
}

func TestSchedulePastDue(t *testing.T) {
	f, s := newFakeSlack(t)
	for _, at := range []time.Time{s.now(), s.now().Add(-time.Hour)} {
		if _, err := s.Schedule(context.Background(), "C1", "late", at); !errors.Is(err, ErrPastDue) {
			t.Fatalf("expected ErrPastDue for %v, got %v", at, err)
		}
	}
	if f.count("chat.scheduleMessage") != 0 {
		t.Fatalf("past-due schedule must not reach the API")
	}
}

func TestListRecentOrdersAndIncludesThreadReplies(t *testing.T) {
	f, s := newFakeSlack(t)
	f.handle("conversations.history", func(w http.ResponseWriter, _ url.Values, _ int) {
		writeJSON(w, map[string]any{
			"ok": true,
			"messages": []map[string]any{
				{"type": "message", "user": "U2", "text": "newest", "ts": "1765357300.000000"},
				{"type": "message", "subtype": "channel_join", "user": "U3", "text": "joined", "ts": "1765357250.000000"},
				{"type": "message", "user": "U1", "text": "parent", "ts": "1765357200.000000",
					"thread_ts": "1765357200.000000", "reply_count": 1, "latest_reply": "1765357260.000000"},
			},
			"has_more": false,
		})
	})
	f.handle("conversations.replies", func(w http.ResponseWriter, _ url.Values, _ int) {
		writeJSON(w, map[string]any{
			"ok": true,
			"messages": []map[string]any{
				{"type": "message", "user": "U1", "text": "parent", "ts": "1765357200.000000", "thread_ts": "1765357200.000000"},
				{"type": "message", "user": "U2", "text": "<@UBOT> follow up?", "ts": "1765357260.000000", "thread_ts": "1765357200.000000"},
			},
			"has_more": false,
		})
	})

	since := time.Unix(1765357000, 0)
	events, err := s.ListRecent(context.Background(), "C1", since)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Text != "parent" || events[1].Text != "newest" {
		t.Fatalf("history should be oldest first: %+v", events)
	}
	reply := events[2]
	if reply.ID != "1765357260.000000" || reply.ThreadID != "1765357200.000000" || !reply.Threaded() {
		t.Fatalf("unexpected thread reply %+v", reply)
	}
	if reply.ChannelID != "C1" || reply.Source != SourceSlack {
		t.Fatalf("reply missing origin: %+v", reply)
	}
	if got := f.form("conversations.history", 0).Get("oldest"); got != "1765357000.000000" {
		t.Fatalf("unexpected oldest %q", got)
	}
}

func TestHasRepliedAndThread(t *testing.T) {
	f, s := newFakeSlack(t)
	f.handle("conversations.replies", func(w http.ResponseWriter, _ url.Values, _ int) {
		writeJSON(w, map[string]any{
			"ok": true,
			"messages": []map[string]any{
				{"type": "message", "user": "UBOT", "text": "parent by bot", "ts": "1700.000000"},
				{"type": "message", "user": "U1", "text": "question", "ts": "1700.000100", "thread_ts": "1700.000000"},
			},
		})
	})

	replied, err := s.HasReplied(context.Background(), "C1", "1700.000000", "UBOT")
	if err != nil {
		t.Fatalf("HasReplied: %v", err)
	}
	if replied {
		t.Fatal("authoring the parent is not a reply")
	}
	if replied, _ := s.HasReplied(context.Background(), "C1", "1700.000000", "U1"); !replied {
		t.Fatal("expected U1 reply to be found")
	}

	thread, err := s.Thread(context.Background(), "C1", "1700.000000")
	if err != nil {
		t.Fatalf("Thread: %v", err)
	}
	if len(thread) != 2 || thread[0].SenderID != "UBOT" || thread[1].Text != "question" {
		t.Fatalf("unexpected thread %+v", thread)
	}
}

func TestPollSeedsReactions(t *testing.T) {
	f, s := newFakeSlack(t)
	f.handle("chat.postMessage", func(w http.ResponseWriter, _ url.Values, _ int) {
		writeJSON(w, map[string]any{"ok": true, "channel": "C1", "ts": "1700.000300"})
	})

	ts, err := s.Poll(context.Background(), "C1", "Release day?", []string{"Tue", "Thu", "Fri"}, "")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if ts != "1700.000300" {
		t.Fatalf("unexpected ts %q", ts)
	}
	text := f.form("chat.postMessage", 0).Get("text")
	if !strings.HasPrefix(text, "📊 *Poll: Release day?*") || !strings.Contains(text, ":three: Fri") {
		t.Fatalf("unexpected poll text %q", text)
	}
	if f.count("reactions.add") != 3 {
		t.Fatalf("expected 3 reactions, got %d", f.count("reactions.add"))
	}
	if got := f.form("reactions.add", 1).Get("name"); got != "two" {
		t.Fatalf("unexpected second reaction %q", got)
	}

	if _, err := s.Poll(context.Background(), "C1", "q", []string{"only"}, ""); err == nil {
		t.Fatal("expected error for a single option")
	}
}

func TestParseAndFormatTS(t *testing.T) {
	ts := ParseTS("1699999999.000100")
	if ts.Unix() != 1699999999 || ts.Nanosecond() != 100000 {
		t.Fatalf("unexpected parse %v", ts)
	}
	if got := FormatTS(ts); got != "1699999999.000100" {
		t.Fatalf("unexpected format %q", got)
	}
	if !ParseTS("garbage").IsZero() {
		t.Fatal("garbage should parse to zero time")
	}
}

func TestStripTag(t *testing.T) {
	if got := StripTag("hey <@UBOT>  please  ship <@UBOT>", "UBOT"); got != "hey please ship" {
		t.Fatalf("unexpected %q", got)
	}
	if !Tags("ping <@U1>", "U1") || Tags("ping <@U1>", "") {
		t.Fatal("Tags mismatch")
	}
}

type stubMessenger struct {
	Messenger
	recent map[string][]action.Event
	fail   map[string]error
}

func (m *stubMessenger) ListRecent(_ context.Context, channel string, _ time.Time) ([]action.Event, error) {
	if err := m.fail[channel]; err != nil {
		return nil, err
	}
	return m.recent[channel], nil
}

func TestMentionSourcePulls(t *testing.T) {
	m := &stubMessenger{
		recent: map[string][]action.Event{
			"C1": {
				{ID: "1", ChannelID: "C1", SenderID: "U1", Text: "<@UBOT> status?"},
				{ID: "2", ChannelID: "C1", SenderID: "U2", Text: "lunch"},
				{ID: "3", ChannelID: "C1", SenderID: "U2", Text: "<@UOP> can you review"},
				{ID: "4", ChannelID: "C1", SenderID: "U2", Text: "Deploy BLOCKED again"},
				{ID: "5", ChannelID: "C1", SenderID: "U2", Text: "<@UBOT> <@UOP> both"},
			},
		},
		fail: map[string]error{"C2": errors.New("not_in_channel")},
	}
	src := &MentionSource{Messenger: m, Channels: []string{"C1", "C2"}, BotID: "UBOT", OperatorID: "UOP", Keywords: []string{"blocked"}}

	events, err := src.Fetch(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("one failing channel must not fail the source: %v", err)
	}
	var ids []string
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	if strings.Join(ids, ",") != "1,4,5,3" {
		t.Fatalf("unexpected pull result %v", ids)
	}

	src.Channels = []string{"C2"}
	if _, err := src.Fetch(context.Background(), time.Time{}); err == nil {
		t.Fatal("expected error when every channel fails")
	}
}

func sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte("v0:" + ts + ":" + string(body)))
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	now := time.Unix(1765357200, 0)
	body := []byte(`{"type":"event_callback"}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	h := http.Header{}
	h.Set("X-Slack-Request-Timestamp", ts)
	h.Set("X-Slack-Signature", sign("s3cret", ts, body))
	if err := VerifySignature(body, h, "s3cret", now); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifySignature(body, h, "other", now); err == nil {
		t.Fatal("wrong secret accepted")
	}
	if err := VerifySignature(body, h, "s3cret", now.Add(10*time.Minute)); err == nil {
		t.Fatal("stale timestamp accepted")
	}
	if err := VerifySignature(body, http.Header{}, "", now); err != nil {
		t.Fatalf("empty secret should disable the check: %v", err)
	}
}

func TestParseCallback(t *testing.T) {
	cb, err := ParseCallback([]byte(`{"token":"x","challenge":"abc","type":"url_verification"}`))
	if err != nil || cb.Challenge != "abc" {
		t.Fatalf("url_verification: %+v %v", cb, err)
	}

	body := `{"token":"x","team_id":"T1","api_app_id":"A1","type":"event_callback","event_id":"Ev1","event_time":1765357200,
		"event":{"type":"app_mention","user":"U1","text":"<@UBOT> ship it","ts":"1765357200.000100","channel":"C1","event_ts":"1765357200.000100"}}`
	cb, err = ParseCallback([]byte(body))
	if err != nil {
		t.Fatalf("app_mention: %v", err)
	}
	if cb.Mention == nil {
		t.Fatal("expected mention event")
	}
	if cb.Mention.ID != "1765357200.000100" || cb.Mention.ChannelID != "C1" || cb.Mention.SenderID != "U1" {
		t.Fatalf("unexpected mention %+v", cb.Mention)
	}

	if _, err := ParseCallback([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}
