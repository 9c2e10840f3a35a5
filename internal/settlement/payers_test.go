package settlement

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ilpnet/connector/internal/audit"
	"github.com/ilpnet/connector/internal/keys"
)

type fakeEVMClient struct {
	nonce    uint64
	gasPrice *big.Int
	sent     *types.Transaction
	sendErr  error
}

func (c *fakeEVMClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return c.nonce, nil
}

func (c *fakeEVMClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return c.gasPrice, nil
}

func (c *fakeEVMClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.sent = tx
	return c.sendErr
}

func (c *fakeEVMClient) Close() {}

func TestEVMPayerSendsSignedTransfer(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	client := &fakeEVMClient{nonce: 7, gasPrice: big.NewInt(2_000_000_000)}
	payer := NewEVMPayerWithClient(client, key, 8453)

	to := "0x000000000000000000000000000000000000dEaD"
	ref, err := payer.Pay(context.Background(), to, big.NewInt(1500))
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if client.sent == nil {
		t.Fatal("no transaction sent")
	}
	if ref != client.sent.Hash().Hex() {
		t.Fatalf("ref = %s, want %s", ref, client.sent.Hash().Hex())
	}

	tx := client.sent
	if tx.Nonce() != 7 {
		t.Fatalf("nonce = %d, want 7", tx.Nonce())
	}
	if tx.To() == nil || *tx.To() != common.HexToAddress(to) {
		t.Fatalf("to = %v", tx.To())
	}
	if tx.Value().Int64() != 1500 {
		t.Fatalf("value = %s, want 1500", tx.Value())
	}
	if tx.Gas() != nativeTransferGas {
		t.Fatalf("gas = %d, want %d", tx.Gas(), nativeTransferGas)
	}

	// Signature recovers the payer's own address.
	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(8453)), tx)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if sender.Hex() != payer.Address() {
		t.Fatalf("sender = %s, want %s", sender.Hex(), payer.Address())
	}
}

func TestEVMPayerRejectsBadAddress(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	payer := NewEVMPayerWithClient(&fakeEVMClient{gasPrice: big.NewInt(1)}, key, 1)
	if _, err := payer.Pay(context.Background(), "not-an-address", big.NewInt(1)); err == nil {
		t.Fatal("Pay accepted an invalid address")
	}
}

func TestClaimDigestLayout(t *testing.T) {
	channelID := strings.Repeat("ab", 32)
	msg, err := claimDigest(channelID, big.NewInt(5000))
	if err != nil {
		t.Fatalf("claimDigest: %v", err)
	}
	if len(msg) != 4+32+8 {
		t.Fatalf("len = %d, want 44", len(msg))
	}
	if string(msg[:3]) != "CLM" || msg[3] != 0 {
		t.Fatalf("prefix = %x", msg[:4])
	}
	if hex.EncodeToString(msg[4:36]) != channelID {
		t.Fatalf("channel bytes = %x", msg[4:36])
	}
	if binary.BigEndian.Uint64(msg[36:]) != 5000 {
		t.Fatalf("amount = %d, want 5000", binary.BigEndian.Uint64(msg[36:]))
	}

	if _, err := claimDigest("abcd", big.NewInt(1)); err == nil {
		t.Fatal("short channel id accepted")
	}
}

func TestXRPPayerDeliversCumulativeClaims(t *testing.T) {
	const keyID = "xrp-settlement"
	seed := strings.Repeat("11", 32)

	backend := keys.NewLocalBackend()
	if err := backend.LoadHex(keyID, seed); err != nil {
		t.Fatalf("LoadHex: %v", err)
	}
	signer := keys.NewManager(backend, audit.New("node-1", testLogger()), testLogger())

	var claims []claimPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var c claimPayload
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			t.Errorf("decode claim: %v", err)
		}
		claims = append(claims, c)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	channelID := strings.Repeat("cd", 32)
	payer := NewXRPPayer(XRPConfig{
		KeyID:          keyID,
		ClaimEndpoints: map[string]string{channelID: srv.URL},
	}, signer)

	ctx := context.Background()
	if _, err := payer.Pay(ctx, channelID, big.NewInt(100)); err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if _, err := payer.Pay(ctx, channelID, big.NewInt(50)); err != nil {
		t.Fatalf("Pay: %v", err)
	}

	if len(claims) != 2 {
		t.Fatalf("claims delivered = %d, want 2", len(claims))
	}
	if claims[0].Amount != "100" || claims[1].Amount != "150" {
		t.Fatalf("claim amounts = %s, %s; want 100, 150", claims[0].Amount, claims[1].Amount)
	}

	// The second claim verifies against the channel key over the
	// cumulative amount.
	pub, err := signer.PublicKey(ctx, keyID)
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	msg, err := claimDigest(channelID, big.NewInt(150))
	if err != nil {
		t.Fatal(err)
	}
	sig, err := hex.DecodeString(claims[1].Signature)
	if err != nil {
		t.Fatal(err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		t.Fatal("claim signature does not verify")
	}
}

func TestXRPPayerUnknownChannel(t *testing.T) {
	backend := keys.NewLocalBackend()
	signer := keys.NewManager(backend, audit.New("node-1", testLogger()), testLogger())
	payer := NewXRPPayer(XRPConfig{KeyID: "xrp-settlement"}, signer)
	if _, err := payer.Pay(context.Background(), strings.Repeat("00", 32), big.NewInt(1)); err == nil {
		t.Fatal("Pay accepted a channel with no endpoint")
	}
}
