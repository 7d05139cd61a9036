// Package planner packages cycle context into a request for the planning
// oracle and turns its answer into proposals.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/config"
	"github.com/scalytics/pmdaemon/internal/provider"
)

// ErrRateLimited marks an oracle answer that asked the caller to slow down.
var ErrRateLimited = errors.New("planner: rate limited")

// Planner calls the oracle with bounded retry and identity rotation.
type Planner struct {
	pool        *IdentityPool
	limiter     *rate.Limiter
	schema      *jsonschema.Schema
	model       string
	maxTokens   int
	temperature float64
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration

	// preferred is the identity that last answered; new calls start there.
	preferred atomic.Int64
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates a planner over pool using the planner config.
func New(pool *IdentityPool, cfg config.PlannerConfig) (*Planner, error) {
	schema, err := compileResponseSchema()
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(cfg.RequestsPerMinute / 60)
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Planner{
		pool:        pool,
		limiter:     rate.NewLimiter(limit, 1),
		schema:      schema,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxAttempts: attempts,
		baseDelay:   cfg.RetryBaseDelay.Duration(),
		timeout:     cfg.Timeout.Duration(),
		sleep:       sleepCtx,
	}, nil
}

// NewFromConfig builds the identity pool from the configured keys.
func NewFromConfig(cfg config.PlannerConfig) (*Planner, error) {
	pool, err := NewIdentityPool(cfg.APIKeys, func(key string) (provider.LLMProvider, error) {
		return provider.New(provider.Options{
			Provider: cfg.Provider,
			APIKey:   key,
			APIBase:  cfg.APIBase,
			Model:    cfg.Model,
			Timeout:  cfg.Timeout.Duration(),
		})
	})
	if err != nil {
		return nil, err
	}
	return New(pool, cfg)
}

// Plan asks the oracle for proposals. Malformed answers are logged and yield
// no proposals and no error. Transport failures and identity exhaustion are
// returned so the caller can report them; proposals are empty in that case.
func (p *Planner) Plan(ctx context.Context, req Request) ([]action.Proposal, error) {
	if len(req.Events) == 0 {
		return nil, nil
	}
	messages, err := buildMessages(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.call(ctx, &provider.ChatRequest{
		Messages:    messages,
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		JSON:        true,
	})
	if err != nil {
		return nil, err
	}

	analysis, proposals, err := parseResponse(p.schema, resp.Content)
	if err != nil {
		slog.Warn("Discarding malformed planner response", "error", err)
		return []action.Proposal{}, nil
	}
	if analysis != "" {
		slog.Debug("Planner analysis", "analysis", analysis)
	}

	for i := range proposals {
		if proposals[i].Trigger == "" {
			proposals[i].Trigger = req.Events[0].SenderID
			slog.Info("Backfilled proposal trigger from first event",
				"kind", proposals[i].Kind, "trigger", proposals[i].Trigger, "event_id", req.Events[0].ID)
		}
	}
	return proposals, nil
}

func (p *Planner) call(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	handle, err := p.pool.Handle(int(p.preferred.Load()))
	if err != nil {
		return nil, err
	}

	var lastErr error
	for {
		for attempt := 0; attempt < p.maxAttempts; attempt++ {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("planner pacing: %w", err)
			}
			resp, err := p.chat(ctx, handle, req)
			if err == nil {
				p.preferred.Store(int64(handle.Index))
				return resp, nil
			}
			if !IsRateLimited(err) {
				return nil, fmt.Errorf("planner call: %w", err)
			}
			lastErr = fmt.Errorf("%w: %w", ErrRateLimited, err)
			slog.Warn("Planner rate limited", "identity", handle.Index, "attempt", attempt+1, "error", err)
			if attempt+1 < p.maxAttempts {
				if err := p.sleep(ctx, Backoff(p.baseDelay, attempt)); err != nil {
					return nil, err
				}
			}
		}

		next, err := handle.Rotate()
		if errors.Is(err, ErrIdentitiesExhausted) {
			return nil, fmt.Errorf("%w: %w", ErrIdentitiesExhausted, lastErr)
		}
		if err != nil {
			return nil, err
		}
		slog.Warn("Rotating planner identity", "from", handle.Index, "to", next.Index)
		handle = next
	}
}

func (p *Planner) chat(ctx context.Context, h Handle, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return h.Client.Chat(ctx, req)
}

// IsRateLimited reports whether err is a quota or rate-limit failure.
func IsRateLimited(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *provider.APIError
	return errors.As(err, &apiErr) && apiErr.RateLimited()
}

// Backoff returns base * 2^attempt, capped at one minute.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > time.Minute || d <= 0 {
		return time.Minute
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
