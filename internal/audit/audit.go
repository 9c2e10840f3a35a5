// Package audit records security events to the process log stream.
//
// Every record passes through a redaction pass that strips key material
// and credentials before serialization. Callers hand in whatever detail
// map they have; the logger guarantees nothing sensitive reaches disk.
package audit

import (
	"log/slog"
	"strings"
	"time"
)

// EventType identifies a security event.
type EventType string

const (
	EventSignRequest      EventType = "SIGN_REQUEST"
	EventSignSuccess      EventType = "SIGN_SUCCESS"
	EventSignFailure      EventType = "SIGN_FAILURE"
	EventKeyRotationStart EventType = "KEY_ROTATION_START"
	EventKeyRotationDone  EventType = "KEY_ROTATION_COMPLETE"
	EventKeyAccessDenied  EventType = "KEY_ACCESS_DENIED"
	EventPeerPaused       EventType = "PEER_PAUSED"
	EventPeerResumed      EventType = "PEER_RESUMED"
	EventFraudDetected    EventType = "FRAUD_DETECTED"
)

// redactedKeys are matched case-insensitively against detail map keys,
// at any nesting depth. A "signer" prefix redacts the whole subtree.
var redactedKeys = map[string]bool{
	"privatekey":    true,
	"mnemonic":      true,
	"seed":          true,
	"encryptionkey": true,
	"secret":        true,
}

// Logger appends audit records.
type Logger struct {
	nodeID string
	logger *slog.Logger
}

// New creates an audit logger bound to this node's identity.
func New(nodeID string, logger *slog.Logger) *Logger {
	return &Logger{nodeID: nodeID, logger: logger}
}

// Record appends one event. Details may be nil.
func (l *Logger) Record(event EventType, details map[string]interface{}) {
	l.logger.Info("audit",
		"event", string(event),
		"nodeId", l.nodeID,
		"timestamp", time.Now().UTC().Format(time.RFC3339Nano),
		"details", Redact(details),
	)
}

// Redact returns a copy of the map with sensitive values replaced by
// "[REDACTED]". Nested maps are walked; anything under a signer key is
// dropped wholesale.
func Redact(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		lower := strings.ToLower(k)
		if redactedKeys[lower] || strings.HasPrefix(lower, "signer") {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}
