// Package gateway serves the operator HTTP surface: health, status,
// metrics, the Slack Events API webhook and action decisions. Status, actions
// and triggers require the bearer token when one is configured.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/scalytics/pmdaemon/internal/approval"
	"github.com/scalytics/pmdaemon/internal/bus"
	"github.com/scalytics/pmdaemon/internal/channels"
	"github.com/scalytics/pmdaemon/internal/config"
	"github.com/scalytics/pmdaemon/internal/orchestrator"
	"github.com/scalytics/pmdaemon/internal/queue"
)

const maxBody = 1 << 20

// Server is the operator HTTP listener.
type Server struct {
	cfg           config.ServerConfig
	signingSecret string
	orch          *orchestrator.Orchestrator
	started       time.Time
	now           func() time.Time
}

// New creates a gateway over o.
func New(cfg *config.Config, o *orchestrator.Orchestrator) *Server {
	return &Server{
		cfg:           cfg.Server,
		signingSecret: cfg.Slack.SigningSecret,
		orch:          o,
		started:       time.Now(),
		now:           time.Now,
	}
}

// Addr is the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":             true,
			"uptime_seconds": int(time.Since(s.started).Seconds()),
		})
	})
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", s.orch.MetricsHandler())
	mux.HandleFunc("/slack/events", s.handleSlackEvents)
	mux.HandleFunc("/actions", s.handlePending)
	mux.HandleFunc("/actions/{id}/{decision}", s.handleDecision)
	mux.HandleFunc("/trigger", s.handleTrigger)
	return mux
}

// Run listens until ctx ends, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(w, r) {
		return
	}
	st, err := s.orch.Status()
	if err != nil {
		slog.Error("Status failed", "error", err)
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSlackEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	if err := channels.VerifySignature(body, r.Header, s.signingSecret, s.now()); err != nil {
		slog.Warn("Slack event rejected", "error", err)
		http.Error(w, "invalid slack signature", http.StatusUnauthorized)
		return
	}
	cb, err := channels.ParseCallback(body)
	if err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if cb.Challenge != "" {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, cb.Challenge)
		return
	}
	// Slack retries unacknowledged deliveries, so the answer is always 200.
	if cb.Mention != nil {
		queued := s.orch.Bus().PublishTrigger(&bus.Trigger{
			Job:     orchestrator.JobIngest,
			Channel: cb.Mention.ChannelID,
			Source:  bus.SourceWebhook,
			EventID: cb.EventID,
		})
		slog.Info("Slack mention received", "event_id", cb.EventID, "channel", cb.Mention.ChannelID, "queued", queued)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(w, r) {
		return
	}
	pending, err := s.orch.Approvals().Pending()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": pending})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(w, r) {
		return
	}
	var approved bool
	switch r.PathValue("decision") {
	case "approve":
		approved = true
	case "reject":
	default:
		http.NotFound(w, r)
		return
	}
	a, err := s.orch.Approvals().Respond(r.PathValue("id"), approved)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		http.Error(w, "action not found", http.StatusNotFound)
		return
	case errors.Is(err, approval.ErrNotPending):
		http.Error(w, "action is not pending", http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(w, r) {
		return
	}
	job := strings.TrimSpace(r.URL.Query().Get("job"))
	if job == "" {
		http.Error(w, "job required", http.StatusBadRequest)
		return
	}
	if !slices.Contains(s.orch.Scheduler().Jobs(), job) {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	ok := s.orch.Bus().PublishTrigger(&bus.Trigger{
		Job:     job,
		Channel: strings.TrimSpace(r.URL.Query().Get("channel")),
		Source:  bus.SourceOperator,
	})
	if !ok {
		http.Error(w, "trigger queue full", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job, "queued": true})
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
