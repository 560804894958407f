package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationIssue represents a single validation finding.
type ValidationIssue struct {
	Key     string
	Message string
	Hint    string
}

// ValidationReport summarizes validation findings.
type ValidationReport struct {
	Errors   []ValidationIssue
	Warnings []ValidationIssue
}

// HasErrors reports whether the validation report contains blocking errors.
func (r ValidationReport) HasErrors() bool {
	return len(r.Errors) > 0
}

// Err folds the blocking findings into one error.
func (r ValidationReport) Err() error {
	if !r.HasErrors() {
		return nil
	}
	parts := make([]string, 0, len(r.Errors))
	for _, issue := range r.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", issue.Key, issue.Message))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(parts, "; "))
}

// Validate checks the client-side settings.
func Validate(cfg Config) ValidationReport {
	var report ValidationReport
	fail := func(key, message, hint string) {
		report.Errors = append(report.Errors, ValidationIssue{Key: key, Message: message, Hint: hint})
	}
	warn := func(key, message, hint string) {
		report.Warnings = append(report.Warnings, ValidationIssue{Key: key, Message: message, Hint: hint})
	}

	if err := checkURL(cfg.Stream.URL, "ws", "wss", "http", "https"); err != nil {
		fail("stream.url", err.Error(), "use ws://host:port/ws")
	}
	if err := checkURL(cfg.API.BaseURL, "http", "https"); err != nil {
		fail("api.base_url", err.Error(), "use http://host:port/api")
	}
	if cfg.Stream.ReconnectInterval <= 0 {
		fail("stream.reconnect_interval", "must be positive", "")
	}
	if cfg.Stream.MaxAttempts < 1 {
		fail("stream.max_attempts", "must be at least 1", "")
	}
	if cfg.Stream.Heartbeat <= 0 {
		fail("stream.heartbeat", "must be positive", "")
	} else if cfg.Stream.Heartbeat < time.Second {
		warn("stream.heartbeat", "under one second", "pings this frequent load the server")
	}
	if cfg.Stream.QueueSize < 1 {
		fail("stream.queue_size", "must be at least 1", "")
	}
	switch cfg.Breakpoint.Granularity {
	case "off", "milestone", "agent":
	default:
		fail("breakpoint.granularity", fmt.Sprintf("unknown granularity %q", cfg.Breakpoint.Granularity), "one of off, milestone, agent")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		warn("log.level", fmt.Sprintf("unknown level %q, using info", cfg.Log.Level), "")
	}
	if cfg.Auth.Token == "" && cfg.Auth.TokenFile == "" {
		warn("auth.token", "no credential configured", "the stream stays disconnected until a token is available")
	}
	if cfg.View.HistoryLimit < 0 {
		fail("view.history_limit", "must not be negative", "")
	}
	return report
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("unparsable url: %v", err)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	for _, scheme := range schemes {
		if strings.EqualFold(u.Scheme, scheme) {
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}
