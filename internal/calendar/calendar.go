// Package calendar creates meetings through the Google Calendar API.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/scalytics/pmdaemon/internal/config"
)

// ErrDisabled is returned when the calendar is not configured.
var ErrDisabled = errors.New("calendar: disabled")

const reminderMinutes = 30

// Event describes a meeting to create.
type Event struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Attendees   []string
}

// Created is the calendar's answer to an insert.
type Created struct {
	ID   string
	Link string
}

// Creator creates calendar events.
type Creator interface {
	CreateEvent(ctx context.Context, ev Event) (*Created, error)
}

// Google is the Creator backed by Google Calendar.
type Google struct {
	cfg    config.CalendarConfig
	client *http.Client
}

// NewGoogle creates the adapter. An explicit client replaces token auth (tests).
func NewGoogle(cfg config.CalendarConfig, client *http.Client) *Google {
	return &Google{cfg: cfg, client: client}
}

func (g *Google) service(ctx context.Context) (*gcal.Service, error) {
	var opts []option.ClientOption
	if g.client != nil {
		opts = append(opts, option.WithHTTPClient(g.client))
	} else {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: g.cfg.AccessToken})
		opts = append(opts, option.WithTokenSource(ts))
	}
	if base := strings.TrimSpace(g.cfg.APIBase); base != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimRight(base, "/")+"/"))
	}
	return gcal.NewService(ctx, opts...)
}

// CreateEvent inserts ev. A zero End defaults to one hour after Start.
func (g *Google) CreateEvent(ctx context.Context, ev Event) (*Created, error) {
	if !g.cfg.Enabled {
		return nil, ErrDisabled
	}
	if strings.TrimSpace(ev.Summary) == "" {
		return nil, errors.New("calendar: summary is required")
	}
	if ev.Start.IsZero() {
		return nil, errors.New("calendar: start time is required")
	}
	end := ev.End
	if end.IsZero() || !end.After(ev.Start) {
		end = ev.Start.Add(time.Hour)
	}

	svc, err := g.service(ctx)
	if err != nil {
		return nil, fmt.Errorf("calendar client: %w", err)
	}
	body := &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: g.cfg.Timezone},
		End:         &gcal.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: g.cfg.Timezone},
		Reminders: &gcal.EventReminders{
			UseDefault:      false,
			Overrides:       []*gcal.EventReminder{{Method: "popup", Minutes: reminderMinutes}},
			ForceSendFields: []string{"UseDefault"},
		},
	}
	for _, email := range ev.Attendees {
		if email = strings.TrimSpace(email); email != "" {
			body.Attendees = append(body.Attendees, &gcal.EventAttendee{Email: email})
		}
	}
	sendUpdates := "none"
	if len(body.Attendees) > 0 {
		sendUpdates = "all"
	}

	calID := g.cfg.CalendarID
	if calID == "" {
		calID = "primary"
	}
	created, err := svc.Events.Insert(calID, body).SendUpdates(sendUpdates).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("calendar insert: %w", err)
	}
	return &Created{ID: created.Id, Link: created.HtmlLink}, nil
}
