package settlement

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ilpnet/connector/internal/keys"
)

// claimPrefix is the XRPL domain separator for payment channel claims.
var claimPrefix = []byte{'C', 'L', 'M', 0x00}

// XRPConfig configures the XRP payment channel payer.
type XRPConfig struct {
	// KeyID names the ed25519 channel key in the key backend.
	KeyID string
	// ClaimEndpoints maps channel ids to the peer URL that receives
	// signed claims.
	ClaimEndpoints map[string]string
}

// XRPPayer settles by signing cumulative payment channel claims and
// delivering them to the counterparty, which redeems them on-ledger.
type XRPPayer struct {
	cfg    XRPConfig
	signer *keys.Manager
	client *http.Client

	mu      sync.Mutex
	claimed map[string]*big.Int
}

// NewXRPPayer builds a payer over the given signing manager.
func NewXRPPayer(cfg XRPConfig, signer *keys.Manager) *XRPPayer {
	return &XRPPayer{
		cfg:     cfg,
		signer:  signer,
		client:  &http.Client{Timeout: 15 * time.Second},
		claimed: make(map[string]*big.Int),
	}
}

type claimPayload struct {
	ChannelID string `json:"channelId"`
	Amount    string `json:"amount"`
	Signature string `json:"signature"`
}

// Pay extends the cumulative claim on the given channel by amount drops,
// signs it, and posts it to the peer's claim endpoint. The returned
// reference is the claim signature.
func (p *XRPPayer) Pay(ctx context.Context, channelID string, amount *big.Int) (string, error) {
	endpoint, ok := p.cfg.ClaimEndpoints[channelID]
	if !ok {
		return "", fmt.Errorf("settlement: no claim endpoint for channel %s", channelID)
	}

	cumulative := p.extendClaim(channelID, amount)
	msg, err := claimDigest(channelID, cumulative)
	if err != nil {
		return "", err
	}

	sig, err := p.signer.Sign(ctx, p.cfg.KeyID, msg)
	if err != nil {
		return "", fmt.Errorf("settlement: sign claim: %w", err)
	}

	body, err := json.Marshal(claimPayload{
		ChannelID: channelID,
		Amount:    cumulative.String(),
		Signature: hex.EncodeToString(sig),
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("settlement: deliver claim: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("settlement: claim endpoint returned %d", resp.StatusCode)
	}
	return hex.EncodeToString(sig), nil
}

func (p *XRPPayer) extendClaim(channelID string, amount *big.Int) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.claimed[channelID]
	if !ok {
		cur = new(big.Int)
		p.claimed[channelID] = cur
	}
	cur.Add(cur, amount)
	return new(big.Int).Set(cur)
}

// claimDigest builds the signed claim bytes: the CLM prefix, the 32-byte
// channel id, and the cumulative amount in drops as a big-endian uint64.
func claimDigest(channelID string, amount *big.Int) ([]byte, error) {
	id, err := hex.DecodeString(channelID)
	if err != nil || len(id) != 32 {
		return nil, fmt.Errorf("settlement: channel id must be 32 hex bytes, got %q", channelID)
	}
	if !amount.IsUint64() {
		return nil, fmt.Errorf("settlement: claim amount %s exceeds uint64 drops", amount)
	}
	msg := make([]byte, 0, len(claimPrefix)+32+8)
	msg = append(msg, claimPrefix...)
	msg = append(msg, id...)
	msg = binary.BigEndian.AppendUint64(msg, amount.Uint64())
	return msg, nil
}
