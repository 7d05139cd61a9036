// Package channels implements the messaging adapter and the chat event sources.
package channels

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
)

// ErrPastDue is returned by Schedule when the dispatch time has already passed.
var ErrPastDue = errors.New("channels: scheduled time is in the past")

// Messenger is the messaging adapter used by ingestion and execution.
type Messenger interface {
	// Send posts text to channel, inside threadID when set. It returns the message id.
	Send(ctx context.Context, channel, text, threadID string) (string, error)
	// Schedule queues text for delivery at an absolute time and returns the scheduled id.
	Schedule(ctx context.Context, channel, text string, at time.Time) (string, error)
	// ListRecent returns messages posted to channel since the given time.
	ListRecent(ctx context.Context, channel string, since time.Time) ([]action.Event, error)
	// HasReplied reports whether identity posted inside the thread.
	HasReplied(ctx context.Context, channel, threadID, identity string) (bool, error)
	// Thread returns every message of a thread, parent first.
	Thread(ctx context.Context, channel, threadID string) ([]action.ThreadMessage, error)
	// Poll posts a reaction poll and returns the message id.
	Poll(ctx context.Context, channel, question string, options []string, threadID string) (string, error)
}

// Tag renders a user mention.
func Tag(userID string) string {
	return "<@" + userID + ">"
}

// Tags reports whether text mentions userID.
func Tags(text, userID string) bool {
	return userID != "" && strings.Contains(text, Tag(userID))
}

var spaces = regexp.MustCompile(`[ \t]{2,}`)

// StripTag removes every mention of userID from text.
func StripTag(text, userID string) string {
	if userID == "" {
		return text
	}
	out := strings.ReplaceAll(text, Tag(userID), "")
	return strings.TrimSpace(spaces.ReplaceAllString(out, " "))
}
