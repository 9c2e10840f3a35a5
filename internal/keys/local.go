package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
)

// LocalBackend holds private keys in process memory, loaded once at
// startup. Suitable for development and single-node deployments; rotation
// requires redeploying with new key material.
type LocalBackend struct {
	mu  sync.RWMutex
	evm map[string]*ecdsa.PrivateKey
	ed  map[string]ed25519.PrivateKey
}

// NewLocalBackend creates an empty local backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		evm: make(map[string]*ecdsa.PrivateKey),
		ed:  make(map[string]ed25519.PrivateKey),
	}
}

// LoadHex loads a key from hex-encoded private key material. The key type
// is inferred from the id unless the caller passed one explicitly through
// LoadHexTyped.
func (b *LocalBackend) LoadHex(keyID, privateKeyHex string) error {
	return b.LoadHexTyped(keyID, privateKeyHex, DetectKeyType(keyID))
}

// LoadHexTyped loads a key with an explicit type.
func (b *LocalBackend) LoadHexTyped(keyID, privateKeyHex string, kt KeyType) error {
	raw := strings.TrimPrefix(privateKeyHex, "0x")

	b.mu.Lock()
	defer b.mu.Unlock()

	switch kt {
	case KeyTypeEVM:
		key, err := crypto.HexToECDSA(raw)
		if err != nil {
			return fmt.Errorf("keys: invalid evm private key for %s: %w", keyID, err)
		}
		b.evm[keyID] = key
	case KeyTypeXRP:
		seed, err := hex.DecodeString(raw)
		if err != nil {
			return fmt.Errorf("keys: invalid xrp seed for %s: %w", keyID, err)
		}
		if len(seed) != ed25519.SeedSize {
			return fmt.Errorf("keys: xrp seed for %s must be %d bytes, got %d",
				keyID, ed25519.SeedSize, len(seed))
		}
		b.ed[keyID] = ed25519.NewKeyFromSeed(seed)
	default:
		return fmt.Errorf("keys: unknown key type %q for %s", kt, keyID)
	}
	return nil
}

func (b *LocalBackend) Name() string { return "local" }

func (b *LocalBackend) Sign(ctx context.Context, keyID string, message []byte) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if key, ok := b.evm[keyID]; ok {
		sig, err := crypto.Sign(crypto.Keccak256(message), key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOperationFailed, err)
		}
		return sig, nil
	}
	if key, ok := b.ed[keyID]; ok {
		return ed25519.Sign(key, message), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
}

func (b *LocalBackend) PublicKey(ctx context.Context, keyID string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if key, ok := b.evm[keyID]; ok {
		return crypto.FromECDSAPub(&key.PublicKey), nil
	}
	if key, ok := b.ed[keyID]; ok {
		return key.Public().(ed25519.PublicKey), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
}

// RotateKey is not available for process-local keys.
func (b *LocalBackend) RotateKey(ctx context.Context, keyID string) (string, error) {
	return "", fmt.Errorf("%w: local key %s", ErrRotationUnsupported, keyID)
}
