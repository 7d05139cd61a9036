package cli

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/scalytics/pmdaemon/internal/config"
	"github.com/scalytics/pmdaemon/internal/scheduler"
)

type doctorStatus string

const (
	doctorPass doctorStatus = "PASS"
	doctorWarn doctorStatus = "WARN"
	doctorFail doctorStatus = "FAIL"
)

type doctorCheck struct {
	Name    string
	Status  doctorStatus
	Message string
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run config and setup diagnostics",
	RunE: func(cmd *cobra.Command, args []string) error {
		checks := runDoctor()
		failures := 0
		for _, c := range checks {
			if c.Status == doctorFail {
				failures++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", c.Status, c.Name, c.Message)
		}
		if failures > 0 {
			return fmt.Errorf("doctor found %d failing check(s)", failures)
		}
		return nil
	},
}

func runDoctor() []doctorCheck {
	var checks []doctorCheck
	add := func(name string, st doctorStatus, format string, a ...any) {
		checks = append(checks, doctorCheck{Name: name, Status: st, Message: fmt.Sprintf(format, a...)})
	}

	path, err := config.ConfigPath()
	switch {
	case err != nil:
		add("config_path", doctorFail, "cannot resolve config path: %v", err)
	case fileExists(path):
		add("config_file", doctorPass, "found %s", path)
	default:
		add("config_file", doctorWarn, "config file not found at %s (defaults and env only)", path)
	}

	cfg, err := config.Load()
	if err != nil {
		add("config_load", doctorFail, "%v", err)
		return checks
	}
	if err := cfg.Validate(); err != nil {
		add("config_valid", doctorFail, "%v", err)
	} else {
		add("config_valid", doctorPass, "required settings present")
	}

	if fileExists(cfg.Paths.DocumentPath) {
		add("document", doctorPass, "%s", cfg.Paths.DocumentPath)
	} else {
		add("document", doctorWarn, "%s does not exist yet, it is created on first update", cfg.Paths.DocumentPath)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DBPath), 0o700); err != nil {
		add("database_dir", doctorFail, "%v", err)
	} else {
		add("database_dir", doctorPass, "%s", filepath.Dir(cfg.Paths.DBPath))
	}

	lock := scheduler.NewFileLock(cfg.Paths.LockPath)
	if ok, err := lock.TryLock(); err != nil {
		add("daemon_lock", doctorWarn, "%v", err)
	} else if !ok {
		add("daemon_lock", doctorPass, "daemon running (pid %d)", lock.Holder())
	} else {
		_ = lock.Unlock()
		add("daemon_lock", doctorPass, "daemon not running")
	}

	if cfg.Server.Enabled {
		ip := net.ParseIP(cfg.Server.Host)
		loopback := cfg.Server.Host == "localhost" || (ip != nil && ip.IsLoopback())
		switch {
		case loopback:
			add("gateway_exposure", doctorPass, "listening on loopback %s", cfg.Server.Host)
		case cfg.Server.AuthToken == "":
			add("gateway_exposure", doctorWarn, "%s is reachable from the network without server.authToken", cfg.Server.Host)
		default:
			add("gateway_exposure", doctorPass, "%s protected by auth token", cfg.Server.Host)
		}
		if cfg.Slack.Enabled && cfg.Slack.SigningSecret == "" {
			add("slack_events", doctorWarn, "slack.signingSecret empty, event signatures are not verified")
		}
	}
	return checks
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
