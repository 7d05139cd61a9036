package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/scalytics/pmdaemon/internal/action"
	"github.com/scalytics/pmdaemon/internal/config"
	"github.com/scalytics/pmdaemon/internal/orchestrator"
	"github.com/scalytics/pmdaemon/internal/scheduler"
)

// operator is the operator-side view of a daemon.
type operator interface {
	Pending() ([]action.Action, error)
	Respond(id string, approved bool) (action.Action, error)
	Status() (orchestrator.Status, error)
	Close() error
}

// openOperator works on the store directly when no daemon holds the lock,
// and through the running daemon's gateway otherwise.
func openOperator(cfg *config.Config) (operator, error) {
	lock := scheduler.NewFileLock(cfg.Paths.LockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("daemon lock: %w", err)
	}
	if !ok {
		if !cfg.Server.Enabled {
			return nil, errors.New("daemon is running without a gateway, stop it or enable server")
		}
		return newRemote(cfg.Server), nil
	}
	o, err := orchestrator.Open(cfg)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return &localOperator{o: o, lock: lock}, nil
}

type localOperator struct {
	o    *orchestrator.Orchestrator
	lock *scheduler.FileLock
}

func (l *localOperator) Pending() ([]action.Action, error) { return l.o.Approvals().Pending() }

func (l *localOperator) Respond(id string, approved bool) (action.Action, error) {
	return l.o.Approvals().Respond(id, approved)
}

func (l *localOperator) Status() (orchestrator.Status, error) { return l.o.Status() }

func (l *localOperator) Close() error {
	return errors.Join(l.o.Close(), l.lock.Unlock())
}

type remoteOperator struct {
	base   string
	token  string
	client *http.Client
}

func newRemote(cfg config.ServerConfig) *remoteOperator {
	host := cfg.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return &remoteOperator{
		base:   fmt.Sprintf("http://%s:%d", host, cfg.Port),
		token:  cfg.AuthToken,
		client: &http.Client{Timeout: 20 * time.Second},
	}
}

func (r *remoteOperator) Pending() ([]action.Action, error) {
	var out struct {
		Actions []action.Action `json:"actions"`
	}
	err := r.do(http.MethodGet, "/actions", &out)
	return out.Actions, err
}

func (r *remoteOperator) Respond(id string, approved bool) (action.Action, error) {
	decision := "reject"
	if approved {
		decision = "approve"
	}
	var a action.Action
	err := r.do(http.MethodPost, "/actions/"+url.PathEscape(id)+"/"+decision, &a)
	return a, err
}

func (r *remoteOperator) Status() (orchestrator.Status, error) {
	var st orchestrator.Status
	err := r.do(http.MethodGet, "/status", &st)
	return st, err
}

func (r *remoteOperator) Close() error { return nil }

func (r *remoteOperator) do(method, path string, out any) error {
	req, err := http.NewRequest(method, r.base+path, nil)
	if err != nil {
		return err
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", r.base, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode daemon response: %w", err)
	}
	return nil
}
