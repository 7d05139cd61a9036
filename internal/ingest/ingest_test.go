package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/store"
)

type staticSource struct {
	name   string
	events []action.Event
	err    error
	calls  int
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Fetch(context.Context, time.Time) ([]action.Event, error) {
	s.calls++
	return s.events, s.err
}

type fakeThreads struct {
	replied map[string]bool
	threads map[string][]action.ThreadMessage
	checks  int
}

func (f *fakeThreads) HasReplied(_ context.Context, _, threadID, _ string) (bool, error) {
	f.checks++
	return f.replied[threadID], nil
}

func (f *fakeThreads) Thread(_ context.Context, _, threadID string) ([]action.ThreadMessage, error) {
	return f.threads[threadID], nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pmdaemon.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestIngester(st *store.Store, sources ...Source) *Ingester {
	return &Ingester{
		Sources:  sources,
		Markers:  st,
		SelfID:   "UBOT",
		Senders:  []string{"U1", "U2"},
		Lookback: time.Hour,
		Now:      func() time.Time { return time.Date(2025, 12, 10, 9, 0, 0, 0, time.UTC) },
	}
}

func TestIngestIsAtMostOnceAcrossRestarts(t *testing.T) {
	st := newTestStore(t)
	src := &staticSource{name: "slack", events: []action.Event{
		{ID: "e1", Source: "slack", ChannelID: "C1", SenderID: "U1", Text: "remind me tomorrow 10am to ship"},
	}}

	got, _, err := newTestIngester(st, src).Ingest(context.Background())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e1" {
		t.Fatalf("expected e1, got %+v", got)
	}
	if ok, _ := st.IsProcessed("C1:e1"); !ok {
		t.Fatal("marker must exist before planning")
	}

	for i := 0; i < 3; i++ {
		again, rep, err := newTestIngester(st, src).Ingest(context.Background())
		if err != nil {
			t.Fatalf("Ingest #%d: %v", i, err)
		}
		if len(again) != 0 || rep.Processed != 1 {
			t.Fatalf("event resurfaced: %+v %+v", again, rep)
		}
	}
	if n, _ := st.CountProcessed(); n != 1 {
		t.Fatalf("expected exactly one marker, got %d", n)
	}
}

func TestIngestFiltersAndMerges(t *testing.T) {
	st := newTestStore(t)
	a := &staticSource{name: "a", events: []action.Event{
		{ID: "1", ChannelID: "C1", SenderID: "U1", Text: "first"},
		{ID: "2", ChannelID: "C1", SenderID: "UBOT", Text: "my own message"},
		{ID: "3", ChannelID: "C1", SenderID: "U9", Text: "stranger"},
	}}
	b := &staticSource{name: "b", events: []action.Event{
		{ID: "1", ChannelID: "C1", SenderID: "U1", Text: "first, second copy"},
		{ID: "1", ChannelID: "C2", SenderID: "U2", Text: "same ts other channel"},
	}}
	broken := &staticSource{name: "broken", err: errors.New("unreachable")}

	got, rep, err := newTestIngester(st, a, broken, b).Ingest(context.Background())
	if err != nil {
		t.Fatalf("a failing source must not fail ingestion: %v", err)
	}
	if len(got) != 2 || got[0].Text != "first" || got[1].ChannelID != "C2" {
		t.Fatalf("unexpected events %+v", got)
	}
	if rep.Duplicates != 1 || rep.Self != 1 || rep.Unauthorized != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if rep.SourceErrors["broken"] == nil || b.calls != 1 {
		t.Fatalf("sources after a failure must still run: %+v", rep)
	}
	if ok, _ := st.IsProcessed("C1:3"); ok {
		t.Fatal("unauthorized events are not marked")
	}
}

func TestIngestSkipsAnsweredThreads(t *testing.T) {
	st := newTestStore(t)
	src := &staticSource{name: "slack", events: []action.Event{
		{ID: "1700.2", Source: "slack", ChannelID: "C1", SenderID: "U1", ThreadID: "1700.0", Text: "thanks!"},
		{ID: "1800.2", Source: "slack", ChannelID: "C1", SenderID: "U1", ThreadID: "1800.0", Text: "and this?"},
		{ID: "1900.0", Source: "slack", ChannelID: "C1", SenderID: "U2", Text: "top level"},
	}}
	threads := &fakeThreads{
		replied: map[string]bool{"1700.0": true},
		threads: map[string][]action.ThreadMessage{
			"1800.0": {{ID: "1800.0", SenderID: "U2", Text: "parent"}, {ID: "1800.2", SenderID: "U1", Text: "and this?"}},
		},
	}
	in := newTestIngester(st, src)
	in.Threads = map[string]Threads{"slack": threads}

	got, rep, err := in.Ingest(context.Background())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(got) != 2 || got[0].ID != "1800.2" || got[1].ID != "1900.0" {
		t.Fatalf("unexpected events %+v", got)
	}
	if rep.Answered != 1 || threads.checks != 2 {
		t.Fatalf("only threaded events are checked: %+v checks=%d", rep, threads.checks)
	}
	if ok, _ := st.IsProcessed("C1:1700.2"); !ok {
		t.Fatal("answered thread events are marked processed")
	}
	if len(got[0].Thread) != 2 || got[0].Thread[0].Text != "parent" {
		t.Fatalf("thread context missing: %+v", got[0].Thread)
	}
}

// chanConsumer is an in-process Consumer backed by a Go channel.
type chanConsumer struct {
	ch chan ConsumerMessage
}

func newChanConsumer() *chanConsumer {
	return &chanConsumer{ch: make(chan ConsumerMessage, 100)}
}

func (c *chanConsumer) Start(context.Context) error      { return nil }
func (c *chanConsumer) Messages() <-chan ConsumerMessage { return c.ch }
func (c *chanConsumer) Close() error                     { return nil }
func (c *chanConsumer) Send(msg ConsumerMessage)         { c.ch <- msg }

func TestKafkaSourceDrainsBufferedEvents(t *testing.T) {
	consumer := newChanConsumer()
	src := NewKafkaSource(consumer)
	now := time.Date(2025, 12, 10, 9, 0, 0, 0, time.UTC)

	fresh, _ := json.Marshal(map[string]any{"channel_id": "C1", "sender_id": "U1", "text": "deploy done", "timestamp": now})
	old, _ := json.Marshal(map[string]any{"id": "k0", "sender_id": "U1", "text": "old", "timestamp": now.Add(-2 * time.Hour)})
	consumer.Send(ConsumerMessage{Topic: "events", Key: []byte("k1"), Value: fresh})
	consumer.Send(ConsumerMessage{Topic: "events", Key: []byte("bad"), Value: []byte("{")})
	consumer.Send(ConsumerMessage{Topic: "events", Value: old})

	events, err := src.Fetch(context.Background(), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %+v", events)
	}
	if ev := events[0]; ev.ID != "k1" || ev.Source != SourceKafka || ev.ChannelID != "C1" {
		t.Fatalf("unexpected event %+v", ev)
	}

	again, err := src.Fetch(context.Background(), time.Time{})
	if err != nil || len(again) != 0 {
		t.Fatalf("drained source should be empty: %+v %v", again, err)
	}
}

func TestKafkaConsumerCloseStopsReadLoop(t *testing.T) {
	consumer := NewKafkaConsumer("127.0.0.1:1", "pmdaemon-test", "events")
	src := NewKafkaSource(consumer)

	// Scheduled jobs fetch on a context that is never cancelled.
	ctx := context.WithoutCancel(context.Background())
	if _, err := src.Fetch(ctx, time.Time{}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	done := consumer.done

	closed := make(chan struct{})
	go func() {
		_ = src.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("Close did not return")
	}
	select {
	case <-done:
	default:
		t.Fatal("read loop still running after Close")
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
