package keys

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ilpnet/connector/internal/retry"
)

// KMSBackend signs through a remote key-management service over HTTPS.
// The service holds the private keys; this backend only ever sees
// signatures and public keys.
type KMSBackend struct {
	baseURL string
	token   string
	client  *http.Client

	maxAttempts int
	baseDelay   time.Duration
}

// NewKMSBackend creates a KMS backend. token is sent as a bearer token on
// every request.
func NewKMSBackend(baseURL, token string) *KMSBackend {
	return &KMSBackend{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
}

func (b *KMSBackend) Name() string { return "kms" }

type kmsSignRequest struct {
	KeyID   string `json:"keyId"`
	Message string `json:"message"` // base64
	KeyType string `json:"keyType"`
}

type kmsSignResponse struct {
	Signature string `json:"signature"` // base64
}

type kmsPublicKeyResponse struct {
	PublicKey string `json:"publicKey"` // base64, raw or uncompressed
}

type kmsCreateKeyRequest struct {
	KeyType string            `json:"keyType"`
	Tags    map[string]string `json:"tags"`
}

type kmsCreateKeyResponse struct {
	KeyID string `json:"keyId"`
}

func (b *KMSBackend) Sign(ctx context.Context, keyID string, message []byte) ([]byte, error) {
	req := kmsSignRequest{
		KeyID:   keyID,
		Message: base64.StdEncoding.EncodeToString(message),
		KeyType: string(DetectKeyType(keyID)),
	}
	var resp kmsSignResponse
	if err := b.do(ctx, "POST", "/v1/sign", req, &resp); err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed signature encoding", ErrOperationFailed)
	}
	return sig, nil
}

func (b *KMSBackend) PublicKey(ctx context.Context, keyID string) ([]byte, error) {
	var resp kmsPublicKeyResponse
	if err := b.do(ctx, "GET", "/v1/keys/"+keyID+"/public", nil, &resp); err != nil {
		return nil, err
	}
	pub, err := base64.StdEncoding.DecodeString(resp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed public key encoding", ErrOperationFailed)
	}
	return pub, nil
}

// RotateKey creates a replacement key on the service, tagged with its
// purpose and lineage so operators can trace rotations.
func (b *KMSBackend) RotateKey(ctx context.Context, keyID string) (string, error) {
	req := kmsCreateKeyRequest{
		KeyType: string(DetectKeyType(keyID)),
		Tags: map[string]string{
			"purpose":     "connector-signing",
			"keyType":     string(DetectKeyType(keyID)),
			"rotatedFrom": keyID,
		},
	}
	var resp kmsCreateKeyResponse
	if err := b.do(ctx, "POST", "/v1/keys", req, &resp); err != nil {
		return "", err
	}
	return resp.KeyID, nil
}

// do performs one KMS API call. Network errors and 5xx responses are retried
// with backoff; auth failures and missing keys are permanent.
func (b *KMSBackend) do(ctx context.Context, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("keys: failed to marshal request: %w", err)
		}
	}

	return retry.Do(ctx, b.maxAttempts, b.baseDelay, func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
		if err != nil {
			return retry.Permanent(fmt.Errorf("keys: failed to create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+b.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := b.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrOperationFailed, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			// fall through to decode
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return retry.Permanent(fmt.Errorf("%w: kms returned status %d", ErrAccessDenied, resp.StatusCode))
		case resp.StatusCode == http.StatusNotFound:
			return retry.Permanent(fmt.Errorf("%w: kms returned status 404", ErrKeyNotFound))
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: kms returned status %d", ErrOperationFailed, resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("%w: kms returned status %d", ErrOperationFailed, resp.StatusCode))
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return retry.Permanent(fmt.Errorf("%w: malformed kms response: %v", ErrOperationFailed, err))
			}
		}
		return nil
	})
}
