package channels

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack/slackevents"

	"github.com/scalytics/pmdaemon/internal/action"
)

// Callback is the decoded body of an Events API request.
type Callback struct {
	// Challenge is set for url_verification handshakes.
	Challenge string
	EventID   string
	// Mention is set for app_mention callbacks.
	Mention *action.Event
}

// VerifySignature checks the Slack request signature. An empty secret disables the check.
func VerifySignature(body []byte, h http.Header, secret string, now time.Time) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	ts := strings.TrimSpace(h.Get("X-Slack-Request-Timestamp"))
	sig := strings.TrimSpace(h.Get("X-Slack-Signature"))
	if ts == "" || sig == "" {
		return errors.New("missing slack signature headers")
	}
	tsNum, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return err
	}
	if delta := now.Sub(time.Unix(tsNum, 0)); delta > 5*time.Minute || delta < -5*time.Minute {
		return errors.New("slack signature timestamp out of range")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte("v0:" + ts + ":" + string(body)))
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return errors.New("slack signature mismatch")
	}
	return nil
}

// ParseCallback decodes an Events API body. Unhandled event types yield an
// empty Callback and no error.
func ParseCallback(body []byte) (*Callback, error) {
	var head struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, fmt.Errorf("decode slack payload: %w", err)
	}
	if head.Type == slackevents.URLVerification {
		return &Callback{Challenge: head.Challenge}, nil
	}

	ev, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return nil, fmt.Errorf("parse slack event: %w", err)
	}
	cb := &Callback{}
	if ev.Type != slackevents.CallbackEvent {
		return cb, nil
	}
	if outer, ok := ev.Data.(*slackevents.EventsAPICallbackEvent); ok && outer != nil {
		cb.EventID = outer.EventID
	}
	if in, ok := ev.InnerEvent.Data.(*slackevents.AppMentionEvent); ok && in != nil && in.Channel != "" && in.User != "" {
		cb.Mention = &action.Event{
			ID:        in.TimeStamp,
			Source:    SourceSlack,
			ChannelID: in.Channel,
			SenderID:  in.User,
			Text:      in.Text,
			ThreadID:  in.ThreadTimeStamp,
			Timestamp: ParseTS(in.TimeStamp),
		}
	}
	return cb, nil
}
