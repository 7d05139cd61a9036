package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/config"
)

// SourceSlack is the Event.Source of Slack messages.
const SourceSlack = "slack"

const maxHistoryPages = 10

// pollEmoji are the reaction names seeded on poll options, in order.
var pollEmoji = []string{"one", "two", "three", "four", "five", "six", "seven", "eight", "nine", "keycap_ten"}

// Slack is the Messenger backed by the Slack Web API.
type Slack struct {
	api          *slack.Client
	historyLimit int
	attempts     int
	baseDelay    time.Duration
	now          func() time.Time
}

// NewSlack creates the Slack adapter. cfg.APIBase overrides the Web API root (tests).
func NewSlack(cfg config.SlackConfig) *Slack {
	opts := []slack.Option{slack.OptionHTTPClient(&http.Client{Timeout: 20 * time.Second})}
	if base := strings.TrimSpace(cfg.APIBase); base != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(base, "/")+"/"))
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = 100
	}
	return &Slack{
		api:          slack.New(strings.TrimSpace(cfg.BotToken), opts...),
		historyLimit: limit,
		attempts:     3,
		baseDelay:    500 * time.Millisecond,
		now:          time.Now,
	}
}

// Send posts text, threaded under threadID when set.
func (s *Slack) Send(ctx context.Context, channel, text, threadID string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadID != "" {
		opts = append(opts, slack.MsgOptionTS(threadID))
	}
	var ts string
	err := withRetry(ctx, s.attempts, s.baseDelay, func() (bool, error) {
		_, t, err := s.api.PostMessageContext(ctx, channel, opts...)
		if err != nil {
			return slackRetryDecision(err)
		}
		ts = t
		return false, nil
	})
	if err != nil {
		return "", fmt.Errorf("slack post to %s: %w", channel, err)
	}
	return ts, nil
}

// Schedule uses chat.scheduleMessage. A time not after now fails with ErrPastDue.
func (s *Slack) Schedule(ctx context.Context, channel, text string, at time.Time) (string, error) {
	if !at.After(s.now()) {
		return "", ErrPastDue
	}
	postAt := strconv.FormatInt(at.Unix(), 10)
	var id string
	err := withRetry(ctx, s.attempts, s.baseDelay, func() (bool, error) {
		_, sid, err := s.api.ScheduleMessageContext(ctx, channel, postAt, slack.MsgOptionText(text, false))
		if err != nil {
			return slackRetryDecision(err)
		}
		id = sid
		return false, nil
	})
	if err != nil {
		return "", fmt.Errorf("slack schedule to %s: %w", channel, err)
	}
	return id, nil
}

// ListRecent returns human messages newer than since, oldest first.
func (s *Slack) ListRecent(ctx context.Context, channel string, since time.Time) ([]action.Event, error) {
	params := &slack.GetConversationHistoryParameters{
		ChannelID: channel,
		Limit:     s.historyLimit,
	}
	if !since.IsZero() {
		params.Oldest = FormatTS(since)
	}

	var (
		out     []action.Event
		parents []string
	)
	for page := 0; page < maxHistoryPages; page++ {
		var resp *slack.GetConversationHistoryResponse
		err := withRetry(ctx, s.attempts, s.baseDelay, func() (bool, error) {
			r, err := s.api.GetConversationHistoryContext(ctx, params)
			if err != nil {
				return slackRetryDecision(err)
			}
			resp = r
			return false, nil
		})
		if err != nil {
			return nil, fmt.Errorf("slack history for %s: %w", channel, err)
		}
		for _, m := range resp.Messages {
			if ev, ok := eventFromMsg(channel, m.Msg); ok {
				out = append(out, ev)
			}
			if m.ReplyCount > 0 && ParseTS(m.LatestReply).After(since) {
				parents = append(parents, m.Timestamp)
			}
		}
		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			break
		}
		params.Cursor = resp.ResponseMetaData.NextCursor
	}
	// history is newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	// conversations.history omits thread replies
	for _, parent := range parents {
		msgs, err := s.replies(ctx, channel, parent)
		if err != nil {
			slog.Warn("Skipping thread replies", "channel", channel, "thread", parent, "error", err)
			continue
		}
		for _, m := range msgs {
			if m.Timestamp == parent || !ParseTS(m.Timestamp).After(since) {
				continue
			}
			if ev, ok := eventFromMsg(channel, m.Msg); ok {
				if ev.ThreadID == "" {
					ev.ThreadID = parent
				}
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

// HasReplied reports whether identity posted a reply in the thread.
func (s *Slack) HasReplied(ctx context.Context, channel, threadID, identity string) (bool, error) {
	msgs, err := s.replies(ctx, channel, threadID)
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		if m.Timestamp == threadID {
			continue
		}
		if m.User == identity || (m.BotID != "" && m.BotID == identity) {
			return true, nil
		}
	}
	return false, nil
}

// Thread returns every message of a thread, parent first.
func (s *Slack) Thread(ctx context.Context, channel, threadID string) ([]action.ThreadMessage, error) {
	msgs, err := s.replies(ctx, channel, threadID)
	if err != nil {
		return nil, err
	}
	out := make([]action.ThreadMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, action.ThreadMessage{ID: m.Timestamp, SenderID: senderOf(m.Msg), Text: m.Text})
	}
	return out, nil
}

func (s *Slack) replies(ctx context.Context, channel, threadID string) ([]slack.Message, error) {
	params := &slack.GetConversationRepliesParameters{ChannelID: channel, Timestamp: threadID}
	var out []slack.Message
	for page := 0; page < maxHistoryPages; page++ {
		var (
			msgs    []slack.Message
			hasMore bool
			cursor  string
		)
		err := withRetry(ctx, s.attempts, s.baseDelay, func() (bool, error) {
			var err error
			msgs, hasMore, cursor, err = s.api.GetConversationRepliesContext(ctx, params)
			if err != nil {
				return slackRetryDecision(err)
			}
			return false, nil
		})
		if err != nil {
			return nil, fmt.Errorf("slack replies for %s/%s: %w", channel, threadID, err)
		}
		out = append(out, msgs...)
		if !hasMore || cursor == "" {
			break
		}
		params.Cursor = cursor
	}
	return out, nil
}

// Poll posts a numbered poll and seeds one reaction per option.
func (s *Slack) Poll(ctx context.Context, channel, question string, options []string, threadID string) (string, error) {
	if len(options) < 2 || len(options) > len(pollEmoji) {
		return "", fmt.Errorf("poll needs 2-%d options, got %d", len(pollEmoji), len(options))
	}
	ts, err := s.Send(ctx, channel, PollText(question, options), threadID)
	if err != nil {
		return "", err
	}
	ref := slack.ItemRef{Channel: channel, Timestamp: ts}
	for i := range options {
		if err := s.api.AddReactionContext(ctx, pollEmoji[i], ref); err != nil {
			slog.Warn("Poll reaction failed", "channel", channel, "ts", ts, "emoji", pollEmoji[i], "error", err)
		}
	}
	return ts, nil
}

// PollText renders the poll message body.
func PollText(question string, options []string) string {
	var b strings.Builder
	b.WriteString("📊 *Poll: " + strings.TrimSpace(question) + "*\n")
	for i, opt := range options {
		if i >= len(pollEmoji) {
			break
		}
		fmt.Fprintf(&b, "\n:%s: %s", pollEmoji[i], strings.TrimSpace(opt))
	}
	b.WriteString("\n\n_React with the corresponding emoji to vote!_")
	return b.String()
}

func eventFromMsg(channel string, m slack.Msg) (action.Event, bool) {
	switch m.SubType {
	case "", "thread_broadcast", "bot_message":
	default:
		return action.Event{}, false
	}
	sender := senderOf(m)
	if m.Timestamp == "" || sender == "" {
		return action.Event{}, false
	}
	return action.Event{
		ID:        m.Timestamp,
		Source:    SourceSlack,
		ChannelID: channel,
		SenderID:  sender,
		Text:      m.Text,
		ThreadID:  m.ThreadTimestamp,
		Timestamp: ParseTS(m.Timestamp),
	}, true
}

func senderOf(m slack.Msg) string {
	if m.User != "" {
		return m.User
	}
	return m.BotID
}

// ParseTS converts a Slack message timestamp ("1699999999.000100") to a time.
func ParseTS(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		nsec, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(sec, nsec)
}

// FormatTS renders t as a Slack timestamp with microsecond precision.
func FormatTS(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}
