package fraud

import (
	"math/big"
	"testing"
	"time"
)

func claimEvent(peer, channel string, amount int64, ts time.Time) Event {
	return Event{
		Type:        EventClaim,
		PeerID:      peer,
		ChannelID:   channel,
		ClaimAmount: big.NewInt(amount),
		Timestamp:   ts,
	}
}

func TestDoubleSpendRule(t *testing.T) {
	r := NewDoubleSpendRule()
	now := time.Now()

	if det := r.Check(claimEvent("peer-a", "chan-1", 100, now)); det.Detected {
		t.Error("first claim must not detect")
	}
	if det := r.Check(claimEvent("peer-a", "chan-1", 200, now)); det.Detected {
		t.Error("increasing claim must not detect")
	}
	det := r.Check(claimEvent("peer-a", "chan-1", 150, now))
	if !det.Detected {
		t.Fatal("decreasing claim must detect")
	}
	if det.PeerID != "peer-a" {
		t.Errorf("expected peer-a, got %q", det.PeerID)
	}
}

func TestDoubleSpendRuleIsPerChannel(t *testing.T) {
	r := NewDoubleSpendRule()
	now := time.Now()

	r.Check(claimEvent("peer-a", "chan-1", 200, now))
	if det := r.Check(claimEvent("peer-a", "chan-2", 100, now)); det.Detected {
		t.Error("different channel must not detect")
	}
	if det := r.Check(claimEvent("peer-b", "chan-1", 100, now)); det.Detected {
		t.Error("different peer must not detect")
	}
}

func TestBalanceManipulationNegativeBalance(t *testing.T) {
	r := NewBalanceManipulationRule()
	det := r.Check(Event{
		Type:       EventBalanceUpdate,
		PeerID:     "peer-a",
		NewBalance: big.NewInt(-1),
	})
	if !det.Detected {
		t.Error("negative balance must detect")
	}
}

func TestBalanceManipulationDeltaMismatch(t *testing.T) {
	r := NewBalanceManipulationRule()

	ok := r.Check(Event{
		Type:            EventBalanceUpdate,
		PeerID:          "peer-a",
		PreviousBalance: big.NewInt(1000),
		NewBalance:      big.NewInt(400),
		ExpectedAmount:  big.NewInt(600),
	})
	if ok.Detected {
		t.Error("matching delta must not detect")
	}

	bad := r.Check(Event{
		Type:            EventBalanceUpdate,
		PeerID:          "peer-a",
		PreviousBalance: big.NewInt(1000),
		NewBalance:      big.NewInt(300),
		ExpectedAmount:  big.NewInt(600),
	})
	if !bad.Detected {
		t.Error("mismatched delta must detect")
	}
}

func TestRapidChannelClosure(t *testing.T) {
	r := NewRapidChannelClosureRule(3, time.Hour)
	base := time.Now()

	for i := 0; i < 3; i++ {
		ev := Event{Type: EventChannelClosure, PeerID: "peer-a", ChannelID: "c", Timestamp: base}
		if det := r.Check(ev); det.Detected {
			t.Errorf("closure %d within limit must not detect", i)
		}
	}
	det := r.Check(Event{Type: EventChannelClosure, PeerID: "peer-a", ChannelID: "c", Timestamp: base})
	if !det.Detected {
		t.Error("fourth closure within window must detect")
	}
}

func TestRapidChannelClosureEvictsOldEntries(t *testing.T) {
	r := NewRapidChannelClosureRule(3, time.Hour)
	base := time.Now()

	for i := 0; i < 3; i++ {
		r.Check(Event{Type: EventChannelClosure, PeerID: "peer-a", ChannelID: "c", Timestamp: base})
	}
	// Two hours later the old closures have aged out.
	later := base.Add(2 * time.Hour)
	det := r.Check(Event{Type: EventChannelClosure, PeerID: "peer-a", ChannelID: "c", Timestamp: later})
	if det.Detected {
		t.Error("closure after window must not detect")
	}
}

func TestUnusualSettlementRule(t *testing.T) {
	r := NewUnusualSettlementRule(big.NewInt(10000))

	ok := r.Check(Event{Type: EventSettlement, PeerID: "peer-a", Amount: big.NewInt(10000)})
	if ok.Detected {
		t.Error("amount at the ceiling must not detect")
	}
	bad := r.Check(Event{Type: EventSettlement, PeerID: "peer-a", Amount: big.NewInt(10001)})
	if !bad.Detected {
		t.Error("amount over the ceiling must detect")
	}
}

func TestTrafficSpikeRule(t *testing.T) {
	r := NewTrafficSpikeRule(10, time.Hour)
	base := time.Now()

	sample := func(count int64, at time.Time) Detection {
		return r.Check(Event{Type: EventTraffic, PeerID: "peer-a", PacketCount: count, Timestamp: at})
	}

	// Fewer than two prior samples: never detects.
	if det := sample(100, base); det.Detected {
		t.Error("first sample must not detect")
	}
	if det := sample(1000, base.Add(time.Minute)); det.Detected {
		t.Error("second sample must not detect (needs 2 prior)")
	}

	// Average of (100, 1000) is 550; 5500 is exactly 10x.
	det := sample(5500, base.Add(2*time.Minute))
	if !det.Detected {
		t.Error("10x spike must detect")
	}
}

func TestTrafficSpikeBelowThreshold(t *testing.T) {
	r := NewTrafficSpikeRule(10, time.Hour)
	base := time.Now()

	r.Check(Event{Type: EventTraffic, PeerID: "peer-a", PacketCount: 100, Timestamp: base})
	r.Check(Event{Type: EventTraffic, PeerID: "peer-a", PacketCount: 100, Timestamp: base.Add(time.Minute)})
	det := r.Check(Event{Type: EventTraffic, PeerID: "peer-a", PacketCount: 500, Timestamp: base.Add(2 * time.Minute)})
	if det.Detected {
		t.Error("5x under a 10x threshold must not detect")
	}
}
