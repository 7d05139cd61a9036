package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
)

// MentionSource pulls, per monitored channel, the messages that tag the bot
// (or contain a keyword) and the messages that tag the operator.
type MentionSource struct {
	Messenger  Messenger
	Channels   []string
	BotID      string
	OperatorID string
	Keywords   []string
}

// Name identifies the source in logs.
func (m *MentionSource) Name() string { return SourceSlack }

// Fetch returns the merged pulls of every channel. A failing channel is logged
// and skipped; an error is returned only when every channel failed.
func (m *MentionSource) Fetch(ctx context.Context, since time.Time) ([]action.Event, error) {
	var (
		out  []action.Event
		seen = map[string]bool{}
		errs []error
	)
	for _, ch := range m.Channels {
		msgs, err := m.Messenger.ListRecent(ctx, ch, since)
		if err != nil {
			slog.Warn("Mention pull failed", "channel", ch, "error", err)
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
			continue
		}
		for _, pull := range [][]action.Event{m.botPull(msgs), m.operatorPull(msgs)} {
			for _, ev := range pull {
				if seen[ev.Key()] {
					continue
				}
				seen[ev.Key()] = true
				out = append(out, ev)
			}
		}
	}
	if len(errs) > 0 && len(errs) == len(m.Channels) {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (m *MentionSource) botPull(msgs []action.Event) []action.Event {
	var out []action.Event
	for _, ev := range msgs {
		if Tags(ev.Text, m.BotID) || m.hasKeyword(ev.Text) {
			out = append(out, ev)
		}
	}
	return out
}

func (m *MentionSource) operatorPull(msgs []action.Event) []action.Event {
	var out []action.Event
	for _, ev := range msgs {
		if Tags(ev.Text, m.OperatorID) {
			out = append(out, ev)
		}
	}
	return out
}

func (m *MentionSource) hasKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range m.Keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
