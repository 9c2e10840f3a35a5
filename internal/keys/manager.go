package keys

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"

	"github.com/ilpnet/connector/internal/audit"
	"github.com/ilpnet/connector/internal/metrics"
)

// Manager wraps a backend with audit logging and metrics. Audit records
// carry only key ids and SHA-256 digests of messages and signatures;
// raw values never reach the log.
type Manager struct {
	backend Backend
	auditor *audit.Logger
	logger  *slog.Logger
}

// NewManager creates a key manager over the given backend.
func NewManager(backend Backend, auditor *audit.Logger, logger *slog.Logger) *Manager {
	return &Manager{backend: backend, auditor: auditor, logger: logger}
}

// Backend exposes the underlying backend for components that need direct
// access, such as the rotation manager.
func (m *Manager) Backend() Backend { return m.backend }

// Sign signs message with the named key and records the attempt.
func (m *Manager) Sign(ctx context.Context, keyID string, message []byte) ([]byte, error) {
	m.auditor.Record(audit.EventSignRequest, map[string]interface{}{
		"keyId":       keyID,
		"backend":     m.backend.Name(),
		"messageHash": digest(message),
	})

	sig, err := m.backend.Sign(ctx, keyID, message)
	if err != nil {
		metrics.SignOperations.WithLabelValues(m.backend.Name(), "error").Inc()
		event := audit.EventSignFailure
		if errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrInvalidPin) {
			event = audit.EventKeyAccessDenied
		}
		m.auditor.Record(event, map[string]interface{}{
			"keyId":   keyID,
			"backend": m.backend.Name(),
			"error":   err.Error(),
		})
		return nil, err
	}

	metrics.SignOperations.WithLabelValues(m.backend.Name(), "ok").Inc()
	m.auditor.Record(audit.EventSignSuccess, map[string]interface{}{
		"keyId":         keyID,
		"backend":       m.backend.Name(),
		"messageHash":   digest(message),
		"signatureHash": digest(sig),
	})
	return sig, nil
}

// PublicKey returns the raw public key for the named key.
func (m *Manager) PublicKey(ctx context.Context, keyID string) ([]byte, error) {
	return m.backend.PublicKey(ctx, keyID)
}

// RotateKey creates a replacement key and records the rotation.
func (m *Manager) RotateKey(ctx context.Context, keyID string) (string, error) {
	m.auditor.Record(audit.EventKeyRotationStart, map[string]interface{}{
		"keyId":   keyID,
		"backend": m.backend.Name(),
	})

	newID, err := m.backend.RotateKey(ctx, keyID)
	if err != nil {
		m.logger.Error("key rotation failed", "key", keyID, "error", err)
		return "", err
	}

	m.auditor.Record(audit.EventKeyRotationDone, map[string]interface{}{
		"oldKeyId": keyID,
		"newKeyId": newID,
		"backend":  m.backend.Name(),
	})
	m.logger.Info("key rotated", "old", keyID, "new", newID)
	return newID, nil
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
