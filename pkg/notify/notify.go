// Package notify emits lifecycle events from recalibration runs. Delivery is
// best effort: a failed notification is logged and never changes a run's
// outcome.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// EventType classifies a pipeline lifecycle event.
type EventType string

const (
	EventTriggerFired     EventType = "trigger_fired"
	EventValidationResult EventType = "validation_result"
	EventDeployment       EventType = "deployment"
	EventRollback         EventType = "rollback"
	EventRunAborted       EventType = "run_aborted"
)

// Event is one notification payload.
type Event struct {
	Type    EventType `json:"type"`
	Horizon string    `json:"horizon"`
	At      time.Time `json:"at"`

	// Reasons carries trigger reasons or failed validation criteria.
	Reasons []string `json:"reasons,omitempty"`

	// Decision is the attempt decision, when the event settles one.
	Decision string `json:"decision,omitempty"`

	// Deltas summarizes metric movement, e.g. "mae -7.2%".
	Deltas map[string]string `json:"deltas,omitempty"`

	VersionID string `json:"versionId,omitempty"`
	Note      string `json:"note,omitempty"`
}

// Notifier delivers events to one destination.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the structured log. It is the default sink.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier. A nil logger falls back to
// slog.Default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	n.logger.Info("recalibration event",
		"event", string(ev.Type),
		"horizon", ev.Horizon,
		"reasons", ev.Reasons,
		"decision", ev.Decision,
		"version_id", ev.VersionID,
		"note", ev.Note,
	)
	return nil
}

// WebhookNotifier POSTs events as JSON to a single endpoint.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookNotifier creates a webhook notifier. A zero timeout defaults
// to 10s.
func NewWebhookNotifier(url string, headers map[string]string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Multi fans an event out to several notifiers. Failures are logged per sink
// and never propagate.
type Multi struct {
	sinks  []Notifier
	logger *slog.Logger
}

// NewMulti combines notifiers. A nil logger falls back to slog.Default.
func NewMulti(logger *slog.Logger, sinks ...Notifier) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{sinks: sinks, logger: logger}
}

func (m *Multi) Notify(ctx context.Context, ev Event) error {
	for _, s := range m.sinks {
		if err := s.Notify(ctx, ev); err != nil {
			m.logger.Warn("notification delivery failed",
				"event", string(ev.Type),
				"horizon", ev.Horizon,
				"error", err,
			)
		}
	}
	return nil
}
