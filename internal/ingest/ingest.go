// Package ingest pulls events from the configured sources and hands each one
// to planning at most once.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
)

// Source yields recent events. Implementations must return stable ids for the
// same underlying message.
type Source interface {
	Name() string
	Fetch(ctx context.Context, since time.Time) ([]action.Event, error)
}

// Markers is the processed-event marker store.
type Markers interface {
	IsProcessed(key string) (bool, error)
	MarkProcessed(key, channelID string, at time.Time) (bool, error)
}

// Threads answers thread questions for events of one source.
type Threads interface {
	HasReplied(ctx context.Context, channel, threadID, identity string) (bool, error)
	Thread(ctx context.Context, channel, threadID string) ([]action.ThreadMessage, error)
}

// Report counts what one Ingest call dropped, for logs and metrics.
type Report struct {
	Fetched      int
	Duplicates   int
	Self         int
	Unauthorized int
	Processed    int
	Answered     int
	SourceErrors map[string]error
}

// Ingester runs the ingestion pipeline over its sources.
type Ingester struct {
	Sources []Source
	Markers Markers
	// Threads is keyed by Event.Source.
	Threads map[string]Threads
	SelfID  string
	// Senders, when non-empty, is the set of identities whose events are kept.
	Senders  []string
	Lookback time.Duration
	Now      func() time.Time
}

// Ingest returns the events that have never been processed before and marks
// each of them processed before returning.
func (in *Ingester) Ingest(ctx context.Context) ([]action.Event, Report, error) {
	return in.run(ctx, in.Sources)
}

// IngestFrom runs the pipeline over the given sources instead of the configured ones.
func (in *Ingester) IngestFrom(ctx context.Context, sources ...Source) ([]action.Event, Report, error) {
	return in.run(ctx, sources)
}

func (in *Ingester) run(ctx context.Context, sources []Source) ([]action.Event, Report, error) {
	now := in.now()
	since := time.Time{}
	if in.Lookback > 0 {
		since = now.Add(-in.Lookback)
	}
	rep := Report{SourceErrors: map[string]error{}}

	var merged []action.Event
	seen := map[string]bool{}
	for _, src := range sources {
		events, err := src.Fetch(ctx, since)
		if err != nil {
			slog.Warn("Event source failed", "source", src.Name(), "error", err)
			rep.SourceErrors[src.Name()] = err
			continue
		}
		rep.Fetched += len(events)
		for _, ev := range events {
			if seen[ev.Key()] {
				rep.Duplicates++
				continue
			}
			seen[ev.Key()] = true
			merged = append(merged, ev)
		}
	}

	allowed := map[string]bool{}
	for _, id := range in.Senders {
		allowed[id] = true
	}

	var out []action.Event
	for _, ev := range merged {
		if in.SelfID != "" && ev.SenderID == in.SelfID {
			rep.Self++
			continue
		}
		if len(allowed) > 0 && !allowed[ev.SenderID] {
			rep.Unauthorized++
			slog.Debug("Dropping event from unauthorized sender", "event_id", ev.Key(), "sender", ev.SenderID)
			continue
		}
		done, err := in.Markers.IsProcessed(ev.Key())
		if err != nil {
			return nil, rep, fmt.Errorf("ingest: %w", err)
		}
		if done {
			rep.Processed++
			continue
		}

		threads := in.Threads[ev.Source]
		if ev.Threaded() && threads != nil && in.SelfID != "" {
			replied, err := threads.HasReplied(ctx, ev.ChannelID, ev.ThreadID, in.SelfID)
			if err != nil {
				slog.Warn("Thread reply check failed", "event_id", ev.Key(), "error", err)
			} else if replied {
				rep.Answered++
				if _, err := in.Markers.MarkProcessed(ev.Key(), ev.ChannelID, now); err != nil {
					return nil, rep, fmt.Errorf("ingest: %w", err)
				}
				slog.Info("Skipping thread already answered", "event_id", ev.Key(), "thread", ev.ThreadID)
				continue
			}
		}
		if threads != nil {
			msgs, err := threads.Thread(ctx, ev.ChannelID, ev.CorrelationID())
			if err != nil {
				slog.Warn("Thread enrichment failed", "event_id", ev.Key(), "error", err)
			} else {
				ev.Thread = msgs
			}
		}
		out = append(out, ev)
	}

	// Markers go in before planning sees anything.
	kept := out[:0]
	for _, ev := range out {
		created, err := in.Markers.MarkProcessed(ev.Key(), ev.ChannelID, now)
		if err != nil {
			return nil, rep, fmt.Errorf("ingest: %w", err)
		}
		if !created {
			rep.Processed++
			continue
		}
		kept = append(kept, ev)
	}
	if len(kept) > 0 {
		slog.Info("Ingested events", "count", len(kept), "fetched", rep.Fetched)
	}
	return kept, rep, nil
}

func (in *Ingester) now() time.Time {
	if in.Now != nil {
		return in.Now()
	}
	return time.Now()
}
