// Package notify routes operator-facing messages to the configured sink.
//
// Components never format or throttle on their own: they send through a
// Notifier, and chatty senders wrap it in a Throttle so a repeating failure
// (low balance, flapping API) surfaces at most once an hour instead of once
// a tick.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Type classifies a notification for the sink's rendering.
type Type string

const (
	TypeInfo    Type = "info"
	TypeWarning Type = "warning"
	TypeError   Type = "error"
)

// Notifier is the outbound message sink.
type Notifier interface {
	Notify(ctx context.Context, typ Type, message string)
}

// ————————————————————————————————————————————————————————————————————————
// Sinks
// ————————————————————————————————————————————————————————————————————————

// LogNotifier writes notifications to the structured log. Default sink when
// no webhook is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed sink.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, typ Type, message string) {
	switch typ {
	case TypeError:
		n.logger.Error(message)
	case TypeWarning:
		n.logger.Warn(message)
	default:
		n.logger.Info(message)
	}
}

// WebhookNotifier posts notifications to an HTTP endpoint as JSON. Delivery
// is best-effort: a failed post is logged and dropped, never retried into
// the hot path.
type WebhookNotifier struct {
	http    *resty.Client
	channel string
	logger  *slog.Logger
}

type webhookPayload struct {
	Channel string `json:"channel,omitempty"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewWebhookNotifier creates a webhook sink.
func NewWebhookNotifier(url, channel string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		http: resty.New().
			SetBaseURL(url).
			SetTimeout(10 * time.Second),
		channel: channel,
		logger:  logger.With("component", "notify"),
	}
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, typ Type, message string) {
	_, err := n.http.R().
		SetContext(ctx).
		SetBody(webhookPayload{Channel: n.channel, Type: string(typ), Message: message}).
		Post("")
	if err != nil {
		n.logger.Warn("notification delivery failed", "error", err, "message", message)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Throttling
// ————————————————————————————————————————————————————————————————————————

// Throttle suppresses repeats of the same keyed message within the interval.
type Throttle struct {
	sink     Notifier
	interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewThrottle wraps a sink with per-key suppression. An hour is the usual
// interval for recurring operational warnings.
func NewThrottle(sink Notifier, interval time.Duration) *Throttle {
	return &Throttle{
		sink:     sink,
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

// Notify sends at most one message per key per interval; suppressed calls
// are silently dropped.
func (t *Throttle) Notify(ctx context.Context, key string, typ Type, message string) {
	t.mu.Lock()
	now := time.Now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.interval {
		t.mu.Unlock()
		return
	}
	t.last[key] = now
	t.mu.Unlock()

	t.sink.Notify(ctx, typ, message)
}
