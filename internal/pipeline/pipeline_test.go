package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ilpnet/connector/internal/accounts"
	"github.com/ilpnet/connector/internal/fraud"
	"github.com/ilpnet/connector/internal/ledger"
	"github.com/ilpnet/connector/internal/ratelimit"
	"github.com/ilpnet/connector/internal/reputation"
	"github.com/ilpnet/connector/internal/routing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	mu    sync.Mutex
	sends []struct {
		peerID string
		packet []byte
	}
	err error
}

func (t *fakeTransport) Send(_ context.Context, peerID string, packet []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sends = append(t.sends, struct {
		peerID string
		packet []byte
	}{peerID, packet})
	return nil
}

func (t *fakeTransport) OnPacket(func(string, []byte)) {}
func (t *fakeTransport) Close() error                  { return nil }

type eventRecorder struct {
	mu       sync.Mutex
	received int
	sent     int
	lookups  []*string
}

func (r *eventRecorder) EmitPacketReceived(string, string, string, *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received++
}

func (r *eventRecorder) EmitPacketSent(string, string, string, *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent++
}

func (r *eventRecorder) EmitRouteLookup(_, _ string, selectedPeer *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups = append(r.lookups, selectedPeer)
}

type fixture struct {
	pipeline  *Pipeline
	limiter   *ratelimit.Limiter
	detector  *fraud.Detector
	routes    *routing.Table
	mgr       *accounts.Manager
	transport *fakeTransport
	events    *eventRecorder
}

func newFixture(t *testing.T, limits accounts.Hierarchy) *fixture {
	t.Helper()

	limiter, err := ratelimit.New(ratelimit.Config{
		Capacity:           100,
		RefillRate:         100,
		ViolationThreshold: 5,
		ViolationWindow:    time.Minute,
		BlockDuration:      30 * time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	t.Cleanup(limiter.Stop)

	detector := fraud.NewDetector(nil, testLogger())
	routes := routing.NewTable()
	routes.Insert("g.b.", "peer-b", 0)

	mgr := accounts.NewManager(accounts.Config{
		NodeID:       "node-1",
		Ledger:       1,
		CreditLimits: limits,
	}, ledger.NewMemoryStore(), nil, nil, testLogger())

	tr := &fakeTransport{}
	events := &eventRecorder{}

	p, err := New(Config{TokenID: "ILP", DecodeWorkers: 2},
		limiter, detector, routes, mgr, tr, events, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Shutdown)

	return &fixture{
		pipeline:  p,
		limiter:   limiter,
		detector:  detector,
		routes:    routes,
		mgr:       mgr,
		transport: tr,
		events:    events,
	}
}

func testPacket(t *testing.T, destination string, amount int64) []byte {
	t.Helper()
	raw, err := (&Packet{
		Destination: destination,
		Amount:      big.NewInt(amount),
		ExpiresAt:   time.Now().Add(30 * time.Second),
		Payload:     []byte("fulfillment-data"),
	}).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func TestPacketCodecRoundTrip(t *testing.T) {
	var condition [32]byte
	condition[0] = 0xAA
	expiry := time.Now().Add(time.Minute).Truncate(time.Millisecond).UTC()

	in := &Packet{
		Destination:        "g.b.alice",
		Amount:             big.NewInt(982451653),
		ExecutionCondition: condition,
		ExpiresAt:          expiry,
		Payload:            []byte{1, 2, 3},
	}
	raw, err := in.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := DecodePacket(raw)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if out.Destination != in.Destination || out.Amount.Cmp(in.Amount) != 0 {
		t.Fatalf("decoded %+v", out)
	}
	if out.ExecutionCondition != condition || !out.ExpiresAt.Equal(expiry) {
		t.Fatalf("decoded trailer %x %s", out.ExecutionCondition, out.ExpiresAt)
	}
	if string(out.Payload) != string(in.Payload) {
		t.Fatalf("payload = %x", out.Payload)
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	cases := map[string][]byte{
		"empty":            {},
		"bad version":      {9, 0, 1, 'g'},
		"zero destination": {1, 0, 0},
		"truncated":        {1, 0, 5, 'g', '.', 'b'},
	}
	for name, raw := range cases {
		if _, err := DecodePacket(raw); !errors.Is(err, ErrMalformedPacket) {
			t.Errorf("%s: err = %v, want ErrMalformedPacket", name, err)
		}
	}
}

func TestSingleHopSuccess(t *testing.T) {
	f := newFixture(t, accounts.Hierarchy{})
	ctx := context.Background()

	fwd, err := f.pipeline.ProcessPacket(ctx, "peer-a", testPacket(t, "g.b.alice", 1000))
	if err != nil {
		t.Fatalf("ProcessPacket: %v", err)
	}
	if fwd.NextHop != "peer-b" || fwd.Amount.Int64() != 1000 {
		t.Fatalf("forwarded = %+v", fwd)
	}

	bal, err := f.mgr.Balance(ctx, "peer-a", "ILP")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.DebitBalance.Int64() != 1000 {
		t.Fatalf("debit balance = %s, want 1000", bal.DebitBalance)
	}

	if len(f.transport.sends) != 1 || f.transport.sends[0].peerID != "peer-b" {
		t.Fatalf("sends = %+v", f.transport.sends)
	}
	if f.events.received != 1 || f.events.sent != 1 {
		t.Fatalf("events received=%d sent=%d, want 1/1", f.events.received, f.events.sent)
	}
}

func TestCreditLimitRejection(t *testing.T) {
	f := newFixture(t, accounts.Hierarchy{
		PerPeer: map[string]*big.Int{"peer-a": big.NewInt(500)},
	})
	ctx := context.Background()

	_, err := f.pipeline.ProcessPacket(ctx, "peer-a", testPacket(t, "g.b.alice", 1000))
	if code, ok := RejectCodeOf(err); !ok || code != RejectInsufficientLiquidity {
		t.Fatalf("err = %v, want INSUFFICIENT_LIQUIDITY", err)
	}

	// No transfers committed.
	bal, err := f.mgr.Balance(ctx, "peer-a", "ILP")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.DebitBalance.Sign() != 0 {
		t.Fatalf("debit balance = %s, want 0", bal.DebitBalance)
	}
	if len(f.transport.sends) != 0 {
		t.Fatalf("sends = %d, want 0", len(f.transport.sends))
	}
}

func TestRateLimitedBeforeAnyWork(t *testing.T) {
	f := newFixture(t, accounts.Hierarchy{})
	f.limiter.SetOverride("peer-a", ratelimit.Override{Capacity: 1, RefillRate: 0.001})
	ctx := context.Background()

	if _, err := f.pipeline.ProcessPacket(ctx, "peer-a", testPacket(t, "g.b.alice", 10)); err != nil {
		t.Fatalf("first packet: %v", err)
	}
	_, err := f.pipeline.ProcessPacket(ctx, "peer-a", testPacket(t, "g.b.alice", 10))
	if code, ok := RejectCodeOf(err); !ok || code != RejectRateLimited {
		t.Fatalf("err = %v, want RATE_LIMITED", err)
	}

	// Only the first packet posted a transfer.
	bal, _ := f.mgr.Balance(ctx, "peer-a", "ILP")
	if bal.DebitBalance.Int64() != 10 {
		t.Fatalf("debit balance = %s, want 10", bal.DebitBalance)
	}
}

func TestPausedPeerRejected(t *testing.T) {
	f := newFixture(t, accounts.Hierarchy{})
	f.detector.PausePeer("peer-a", "fraud suspected", "DoubleSpendDetectionRule", reputation.SeverityHigh)

	_, err := f.pipeline.ProcessPacket(context.Background(), "peer-a", testPacket(t, "g.b.alice", 10))
	if code, ok := RejectCodeOf(err); !ok || code != RejectPeerPaused {
		t.Fatalf("err = %v, want PEER_PAUSED", err)
	}

	f.detector.ResumePeer("peer-a")
	if _, err := f.pipeline.ProcessPacket(context.Background(), "peer-a", testPacket(t, "g.b.alice", 10)); err != nil {
		t.Fatalf("after resume: %v", err)
	}
}

func TestNoRouteEmitsNullLookup(t *testing.T) {
	f := newFixture(t, accounts.Hierarchy{})

	_, err := f.pipeline.ProcessPacket(context.Background(), "peer-a", testPacket(t, "private.unknown", 10))
	if code, ok := RejectCodeOf(err); !ok || code != RejectNoRoute {
		t.Fatalf("err = %v, want NO_ROUTE", err)
	}
	if len(f.events.lookups) != 1 || f.events.lookups[0] != nil {
		t.Fatalf("lookups = %+v, want one null selection", f.events.lookups)
	}
}

func TestExpiredPacketRejectedLocally(t *testing.T) {
	f := newFixture(t, accounts.Hierarchy{})
	raw, err := (&Packet{
		Destination: "g.b.alice",
		Amount:      big.NewInt(10),
		ExpiresAt:   time.Now().Add(-time.Second),
	}).Encode()
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.pipeline.ProcessPacket(context.Background(), "peer-a", raw)
	if code, ok := RejectCodeOf(err); !ok || code != RejectExpired {
		t.Fatalf("err = %v, want EXPIRED", err)
	}
	if len(f.transport.sends) != 0 {
		t.Fatal("expired packet was forwarded")
	}
}

func TestMalformedPacketRejected(t *testing.T) {
	f := newFixture(t, accounts.Hierarchy{})
	_, err := f.pipeline.ProcessPacket(context.Background(), "peer-a", []byte{0xFF, 0x01})
	if code, ok := RejectCodeOf(err); !ok || code != RejectInternal {
		t.Fatalf("err = %v, want INTERNAL", err)
	}
}

func TestTransportFailureRejectsInternal(t *testing.T) {
	f := newFixture(t, accounts.Hierarchy{})
	f.transport.err = errors.New("peer socket gone")

	_, err := f.pipeline.ProcessPacket(context.Background(), "peer-a", testPacket(t, "g.b.alice", 10))
	if code, ok := RejectCodeOf(err); !ok || code != RejectInternal {
		t.Fatalf("err = %v, want INTERNAL", err)
	}
}

func TestCreditLimitAtBoundaryForwards(t *testing.T) {
	f := newFixture(t, accounts.Hierarchy{
		PerPeer: map[string]*big.Int{"peer-a": big.NewInt(1000)},
	})
	ctx := context.Background()

	// Exactly at the limit passes; the next unit is rejected.
	if _, err := f.pipeline.ProcessPacket(ctx, "peer-a", testPacket(t, "g.b.alice", 1000)); err != nil {
		t.Fatalf("at-limit packet: %v", err)
	}
	_, err := f.pipeline.ProcessPacket(ctx, "peer-a", testPacket(t, "g.b.alice", 1))
	if code, ok := RejectCodeOf(err); !ok || code != RejectInsufficientLiquidity {
		t.Fatalf("err = %v, want INSUFFICIENT_LIQUIDITY", err)
	}
}
