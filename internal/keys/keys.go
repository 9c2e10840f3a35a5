// Package keys provides signing over pluggable key backends.
//
// Private key material never crosses the package boundary: callers get
// signatures and public keys, nothing else. Backends cover process-local
// keys, a remote KMS, and a PKCS#11 HSM.
package keys

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrKeyNotFound         = errors.New("keys: key not found")
	ErrAccessDenied        = errors.New("keys: access denied")
	ErrInvalidPin          = errors.New("keys: invalid pin")
	ErrOperationFailed     = errors.New("keys: operation failed")
	ErrRotationUnsupported = errors.New("keys: backend requires manual rotation")
)

// KeyType selects the signing scheme for a key.
type KeyType string

const (
	KeyTypeEVM KeyType = "evm" // ECDSA over secp256k1
	KeyTypeXRP KeyType = "xrp" // Ed25519
)

// DetectKeyType infers the scheme from the key id. Explicit configuration
// wins where available; this is the fallback for ids like "evm-signing-1".
func DetectKeyType(keyID string) KeyType {
	if strings.Contains(strings.ToLower(keyID), "xrp") {
		return KeyTypeXRP
	}
	return KeyTypeEVM
}

// Backend is the uniform contract over key stores.
type Backend interface {
	// Sign signs message with the named key. EVM backends hash with
	// Keccak-256 before signing; XRP backends sign the raw message.
	Sign(ctx context.Context, keyID string, message []byte) ([]byte, error)

	// PublicKey returns the raw public key bytes: 65-byte uncompressed
	// points for EVM keys, 32 bytes for Ed25519.
	PublicKey(ctx context.Context, keyID string) ([]byte, error)

	// RotateKey creates a replacement key and returns its id. Backends
	// without key generation return ErrRotationUnsupported.
	RotateKey(ctx context.Context, keyID string) (string, error)

	// Name identifies the backend in audit records.
	Name() string
}
