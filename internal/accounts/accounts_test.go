package accounts

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/ilpnet/connector/internal/ledger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(cfg Config) (*Manager, *ledger.MemoryStore) {
	if cfg.NodeID == "" {
		cfg.NodeID = "node-1"
	}
	if cfg.Ledger == 0 {
		cfg.Ledger = 1
	}
	store := ledger.NewMemoryStore()
	return NewManager(cfg, store, nil, nil, testLogger()), store
}

func TestDeriveAccountIDDeterministic(t *testing.T) {
	a := DeriveAccountID("node-1", "peer-a", "usd", kindDebit)
	b := DeriveAccountID("node-1", "peer-a", "usd", kindDebit)
	if a != b {
		t.Fatal("same inputs must derive the same id")
	}

	variants := []ledger.ID{
		DeriveAccountID("node-2", "peer-a", "usd", kindDebit),
		DeriveAccountID("node-1", "peer-b", "usd", kindDebit),
		DeriveAccountID("node-1", "peer-a", "eur", kindDebit),
		DeriveAccountID("node-1", "peer-a", "usd", kindCredit),
	}
	for i, v := range variants {
		if v == a {
			t.Errorf("variant %d collides with the base id", i)
		}
	}
}

func TestCreatePeerAccountsIdempotent(t *testing.T) {
	m, store := newTestManager(Config{})
	ctx := context.Background()

	first, err := m.CreatePeerAccounts(ctx, "peer-a", "usd")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := m.CreatePeerAccounts(ctx, "peer-a", "usd")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first != second {
		t.Error("repeated creation must return the same pair")
	}

	accts, _ := store.LookupAccounts(ctx, []ledger.ID{first.DebitAccountID, first.CreditAccountID})
	if len(accts) != 2 {
		t.Fatalf("got %d accounts, want 2", len(accts))
	}
}

func TestCreatePeerAccountsConcurrent(t *testing.T) {
	m, _ := newTestManager(Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.CreatePeerAccounts(ctx, "peer-a", "usd"); err != nil {
				t.Errorf("concurrent create: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestBalanceMissingAccountsReadZero(t *testing.T) {
	m, _ := newTestManager(Config{})
	b, err := m.Balance(context.Background(), "peer-never-seen", "usd")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if b.DebitBalance.Sign() != 0 || b.CreditBalance.Sign() != 0 || b.NetBalance.Sign() != 0 {
		t.Errorf("balances = %+v, want all zero", b)
	}
}

func TestRecordPacketTransfers(t *testing.T) {
	m, _ := newTestManager(Config{})
	ctx := context.Background()

	id1, id2 := testTransferID(1), testTransferID(2)
	err := m.RecordPacketTransfers(ctx, "peer-a", "peer-b", "usd",
		big.NewInt(1000), big.NewInt(990), id1, id2)
	if err != nil {
		t.Fatalf("RecordPacketTransfers: %v", err)
	}

	// peer-a now owes this node 1000.
	from, _ := m.Balance(ctx, "peer-a", "usd")
	if from.DebitBalance.Int64() != 1000 {
		t.Errorf("from debit balance = %s, want 1000", from.DebitBalance)
	}
	if from.NetBalance.Int64() != -1000 {
		t.Errorf("from net balance = %s, want -1000", from.NetBalance)
	}

	// this node now owes peer-b 990.
	to, _ := m.Balance(ctx, "peer-b", "usd")
	if to.CreditBalance.Int64() != 990 {
		t.Errorf("to credit balance = %s, want 990", to.CreditBalance)
	}
	if to.NetBalance.Int64() != 990 {
		t.Errorf("to net balance = %s, want 990", to.NetBalance)
	}
}

func TestRecordPacketTransfersIdempotent(t *testing.T) {
	m, _ := newTestManager(Config{})
	ctx := context.Background()

	id1, id2 := testTransferID(1), testTransferID(2)
	for i := 0; i < 2; i++ {
		err := m.RecordPacketTransfers(ctx, "peer-a", "peer-b", "usd",
			big.NewInt(1000), big.NewInt(990), id1, id2)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	from, _ := m.Balance(ctx, "peer-a", "usd")
	if from.DebitBalance.Int64() != 1000 {
		t.Errorf("debit balance = %s after duplicate submit, want 1000", from.DebitBalance)
	}
}

func TestCheckCreditLimitTiers(t *testing.T) {
	m, _ := newTestManager(Config{
		CreditLimits: Hierarchy{
			PerPair: map[string]*big.Int{PairKey("peer-a", "usd"): big.NewInt(100)},
			PerPeer: map[string]*big.Int{"peer-a": big.NewInt(500), "peer-b": big.NewInt(200)},
			Default: big.NewInt(1000),
		},
	})
	ctx := context.Background()

	// Pair limit wins for peer-a/usd.
	v, err := m.CheckCreditLimit(ctx, "peer-a", "usd", big.NewInt(101))
	if err != nil {
		t.Fatalf("CheckCreditLimit: %v", err)
	}
	if v == nil {
		t.Fatal("101 over a 100 pair limit must violate")
	}
	if v.Limit.Int64() != 100 {
		t.Errorf("violation limit = %s, want the pair limit 100", v.Limit)
	}

	// Peer limit applies for peer-a on other tokens.
	if v, _ := m.CheckCreditLimit(ctx, "peer-a", "eur", big.NewInt(400)); v != nil {
		t.Errorf("400 under the 500 peer limit must pass, got %v", v)
	}

	// Default applies to unknown peers.
	if v, _ := m.CheckCreditLimit(ctx, "peer-z", "usd", big.NewInt(1001)); v == nil {
		t.Error("1001 over the 1000 default must violate")
	}
}

func TestCheckCreditLimitBoundary(t *testing.T) {
	m, _ := newTestManager(Config{
		CreditLimits: Hierarchy{Default: big.NewInt(100)},
	})
	ctx := context.Background()

	// Exactly at the limit passes; one over does not.
	if v, _ := m.CheckCreditLimit(ctx, "peer-a", "usd", big.NewInt(100)); v != nil {
		t.Errorf("amount equal to the limit must pass, got %v", v)
	}
	if v, _ := m.CheckCreditLimit(ctx, "peer-a", "usd", big.NewInt(101)); v == nil {
		t.Error("amount over the limit must violate")
	}
}

func TestCheckCreditLimitCountsExistingBalance(t *testing.T) {
	m, _ := newTestManager(Config{
		CreditLimits: Hierarchy{Default: big.NewInt(1500)},
	})
	ctx := context.Background()

	err := m.RecordPacketTransfers(ctx, "peer-a", "peer-b", "usd",
		big.NewInt(1000), big.NewInt(1000), testTransferID(1), testTransferID(2))
	if err != nil {
		t.Fatalf("RecordPacketTransfers: %v", err)
	}

	if v, _ := m.CheckCreditLimit(ctx, "peer-a", "usd", big.NewInt(500)); v != nil {
		t.Errorf("1000 + 500 at the 1500 limit must pass, got %v", v)
	}
	v, _ := m.CheckCreditLimit(ctx, "peer-a", "usd", big.NewInt(501))
	if v == nil {
		t.Fatal("1000 + 501 over the 1500 limit must violate")
	}
	if v.Balance.Int64() != 1000 {
		t.Errorf("violation balance = %s, want 1000", v.Balance)
	}
}

func TestCheckCreditLimitUnlimited(t *testing.T) {
	m, _ := newTestManager(Config{})
	v, err := m.CheckCreditLimit(context.Background(), "peer-a", "usd", big.NewInt(1<<40))
	if err != nil || v != nil {
		t.Errorf("no configured limit means unlimited, got %v, %v", v, err)
	}
}

func TestHierarchyCeiling(t *testing.T) {
	h := Hierarchy{
		PerPeer: map[string]*big.Int{"peer-a": big.NewInt(5000)},
		Ceiling: big.NewInt(1000),
	}
	if got := h.Lookup("peer-a", "usd"); got.Int64() != 1000 {
		t.Errorf("ceiling must cap the peer limit, got %s", got)
	}
	// Unlimited is also capped.
	if got := h.Lookup("peer-z", "usd"); got.Int64() != 1000 {
		t.Errorf("ceiling must cap the unlimited case, got %s", got)
	}
}

func TestRecordSettlement(t *testing.T) {
	m, store := newTestManager(Config{})
	ctx := context.Background()

	// Build up 990 owed to peer-b.
	err := m.RecordPacketTransfers(ctx, "peer-a", "peer-b", "usd",
		big.NewInt(1000), big.NewInt(990), testTransferID(1), testTransferID(2))
	if err != nil {
		t.Fatalf("RecordPacketTransfers: %v", err)
	}

	id, err := m.RecordSettlement(ctx, "peer-b", "usd", big.NewInt(990))
	if err != nil {
		t.Fatalf("RecordSettlement: %v", err)
	}
	if id.IsZero() {
		t.Error("settlement transfer id must not be zero")
	}

	b, _ := m.Balance(ctx, "peer-b", "usd")
	if b.CreditBalance.Sign() != 0 {
		t.Errorf("credit balance after settlement = %s, want 0", b.CreditBalance)
	}
	if b.NetBalance.Sign() != 0 {
		t.Errorf("net balance after settlement = %s, want 0", b.NetBalance)
	}

	if tr, ok := store.LookupTransfer(id); !ok || tr.Code != ledger.CodeSettlement {
		t.Error("settlement transfer must be stored with the settlement code")
	}
}

// balanceRecorder captures balance telemetry.
type balanceRecorder struct {
	mu    sync.Mutex
	peers []string
}

func (r *balanceRecorder) EmitAccountBalance(peerID, tokenID string, b Balances) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = append(r.peers, peerID)
}

func TestBalanceTelemetryEmitted(t *testing.T) {
	rec := &balanceRecorder{}
	store := ledger.NewMemoryStore()
	m := NewManager(Config{NodeID: "node-1", Ledger: 1}, store, nil, rec, testLogger())

	err := m.RecordPacketTransfers(context.Background(), "peer-a", "peer-b", "usd",
		big.NewInt(10), big.NewInt(10), testTransferID(1), testTransferID(2))
	if err != nil {
		t.Fatalf("RecordPacketTransfers: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.peers) != 2 {
		t.Fatalf("telemetry for %v, want both peers", rec.peers)
	}
}

func testTransferID(b byte) ledger.ID {
	var id ledger.ID
	id[0] = 0xFF // keep transfer ids disjoint from account ids
	id[15] = b
	return id
}
