// Package alerts delivers security notifications to operators.
//
// Severity decides the fan-out: critical alerts go to every enabled
// channel, high goes to chat only, and medium/low are logged without
// leaving the process. Delivery is best-effort with retries; a failed
// alert never propagates an error to the caller.
package alerts

import (
	"context"
	"log/slog"
	"time"

	"github.com/ilpnet/connector/internal/reputation"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	alertSendTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "connector",
		Subsystem: "alerts",
		Name:      "send_total",
		Help:      "Total alert delivery attempts by channel.",
	}, []string{"channel"})

	alertSendErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "connector",
		Subsystem: "alerts",
		Name:      "send_errors_total",
		Help:      "Total alert deliveries that failed after all retries.",
	}, []string{"channel"})
)

func init() {
	prometheus.MustRegister(alertSendTotal, alertSendErrors)
}

// Alert is a single operator notification.
type Alert struct {
	Severity  reputation.Severity `json:"severity"`
	Rule      string              `json:"rule,omitempty"`
	PeerID    string              `json:"peerId,omitempty"`
	Title     string              `json:"title"`
	Details   string              `json:"details,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Channel delivers one alert to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Config controls retry behavior for every channel.
type Config struct {
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultConfig returns the standard retry settings.
func DefaultConfig() Config {
	return Config{
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// Notifier routes alerts to channels by severity.
type Notifier struct {
	cfg    Config
	email  Channel
	chat   Channel
	logger *slog.Logger

	sleep func(time.Duration)
}

// NewNotifier creates a notifier. Either channel may be nil, in which
// case that leg of the routing is skipped.
func NewNotifier(cfg Config, email, chat Channel, logger *slog.Logger) *Notifier {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Notifier{
		cfg:    cfg,
		email:  email,
		chat:   chat,
		logger: logger,
		sleep:  time.Sleep,
	}
}

// Notify delivers the alert according to its severity. It blocks until
// delivery finishes or all retries are exhausted, and never returns an
// error: callers that must not wait should invoke it on a goroutine.
func (n *Notifier) Notify(ctx context.Context, a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	n.logger.Warn("security alert",
		"severity", string(a.Severity),
		"rule", a.Rule,
		"peer", a.PeerID,
		"title", a.Title,
		"details", a.Details,
	)

	switch a.Severity {
	case reputation.SeverityCritical:
		n.deliver(ctx, n.email, a)
		n.deliver(ctx, n.chat, a)
	case reputation.SeverityHigh:
		n.deliver(ctx, n.chat, a)
	default:
		// Medium and low stay in the log.
	}
}

func (n *Notifier) deliver(ctx context.Context, ch Channel, a Alert) {
	if ch == nil {
		return
	}
	alertSendTotal.WithLabelValues(ch.Name()).Inc()

	var err error
	for attempt := 0; attempt < n.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			n.sleep(n.cfg.RetryDelay * (1 << (attempt - 1)))
		}
		if err = ch.Send(ctx, a); err == nil {
			return
		}
		n.logger.Warn("alert delivery failed",
			"channel", ch.Name(),
			"attempt", attempt+1,
			"error", err,
		)
	}

	alertSendErrors.WithLabelValues(ch.Name()).Inc()
	n.logger.Error("alert delivery exhausted retries",
		"channel", ch.Name(),
		"severity", string(a.Severity),
		"title", a.Title,
		"error", err,
	)
}
