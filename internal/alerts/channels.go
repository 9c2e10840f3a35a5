package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// WebhookChannel posts alerts as JSON to a chat webhook URL.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a chat webhook channel.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *WebhookChannel) Name() string { return "chat" }

func (c *WebhookChannel) Send(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(map[string]interface{}{
		"text": fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), a.Title),
		"alert": map[string]interface{}{
			"severity":  string(a.Severity),
			"rule":      a.Rule,
			"peerId":    a.PeerID,
			"details":   a.Details,
			"timestamp": a.Timestamp.Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// EmailConfig holds SMTP settings for the email channel.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// EmailChannel sends alerts over SMTP.
type EmailChannel struct {
	cfg EmailConfig

	// send is swapped in tests.
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates an SMTP email channel.
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg, send: smtp.SendMail}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, a Alert) error {
	var body bytes.Buffer
	fmt.Fprintf(&body, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(c.cfg.To, ", "))
	fmt.Fprintf(&body, "Subject: [%s] %s\r\n", strings.ToUpper(string(a.Severity)), a.Title)
	body.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&body, "Severity: %s\n", a.Severity)
	if a.Rule != "" {
		fmt.Fprintf(&body, "Rule: %s\n", a.Rule)
	}
	if a.PeerID != "" {
		fmt.Fprintf(&body, "Peer: %s\n", a.PeerID)
	}
	fmt.Fprintf(&body, "Time: %s\n", a.Timestamp.Format(time.RFC3339))
	if a.Details != "" {
		fmt.Fprintf(&body, "\n%s\n", a.Details)
	}

	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	if err := c.send(addr, auth, c.cfg.From, c.cfg.To, body.Bytes()); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}
