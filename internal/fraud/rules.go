// Package fraud implements pluggable fraud rules and the event-driven
// detector that runs them.
package fraud

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ilpnet/connector/internal/reputation"
)

// EventType classifies fraud observations reported by other components.
type EventType string

const (
	EventClaim          EventType = "claim"
	EventBalanceUpdate  EventType = "balance_update"
	EventChannelClosure EventType = "channel_closure"
	EventSettlement     EventType = "settlement"
	EventTraffic        EventType = "traffic"
)

// Event is a typed fraud observation. Fields are populated per event type;
// unused fields are nil or zero.
type Event struct {
	Type      EventType
	PeerID    string
	ChannelID string
	Timestamp time.Time

	// Claim events
	ClaimAmount *big.Int

	// Balance events
	PreviousBalance *big.Int
	NewBalance      *big.Int
	ExpectedAmount  *big.Int

	// Settlement events
	Amount *big.Int

	// Traffic events
	PacketCount int64
}

// Detection is a rule's verdict for one event.
type Detection struct {
	Detected bool
	PeerID   string
	Details  string
}

// Rule is a pluggable fraud predicate over the event stream. Rules keep
// private state and are invoked serially by the detector.
type Rule interface {
	Name() string
	Severity() reputation.Severity
	Check(ev Event) Detection
}

// --- DoubleSpendRule ---

// DoubleSpendRule reports a claim whose amount is strictly less than the
// last recorded claim on the same (peer, channel). Payment-channel claims
// are cumulative, so a lower claim is an attempted rollback.
type DoubleSpendRule struct {
	mu     sync.Mutex
	claims map[string]*big.Int // "peer|channel" -> last claim
}

// NewDoubleSpendRule creates the rule.
func NewDoubleSpendRule() *DoubleSpendRule {
	return &DoubleSpendRule{claims: make(map[string]*big.Int)}
}

func (r *DoubleSpendRule) Name() string                  { return "double_spend_detection" }
func (r *DoubleSpendRule) Severity() reputation.Severity { return reputation.SeverityCritical }

func (r *DoubleSpendRule) Check(ev Event) Detection {
	if ev.Type != EventClaim || ev.ClaimAmount == nil {
		return Detection{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := ev.PeerID + "|" + ev.ChannelID
	last, ok := r.claims[key]
	if ok && ev.ClaimAmount.Cmp(last) < 0 {
		return Detection{
			Detected: true,
			PeerID:   ev.PeerID,
			Details: fmt.Sprintf("claim %s below last recorded claim %s on channel %s",
				ev.ClaimAmount, last, ev.ChannelID),
		}
	}
	r.claims[key] = new(big.Int).Set(ev.ClaimAmount)
	return Detection{}
}

// --- BalanceManipulationRule ---

// BalanceManipulationRule reports negative balances and settlement deltas
// that do not match the expected settlement amount.
type BalanceManipulationRule struct{}

// NewBalanceManipulationRule creates the rule.
func NewBalanceManipulationRule() *BalanceManipulationRule {
	return &BalanceManipulationRule{}
}

func (r *BalanceManipulationRule) Name() string                  { return "balance_manipulation" }
func (r *BalanceManipulationRule) Severity() reputation.Severity { return reputation.SeverityCritical }

func (r *BalanceManipulationRule) Check(ev Event) Detection {
	if ev.Type != EventBalanceUpdate || ev.NewBalance == nil {
		return Detection{}
	}

	if ev.NewBalance.Sign() < 0 {
		return Detection{
			Detected: true,
			PeerID:   ev.PeerID,
			Details:  fmt.Sprintf("negative balance %s", ev.NewBalance),
		}
	}

	if ev.PreviousBalance != nil && ev.ExpectedAmount != nil {
		delta := new(big.Int).Sub(ev.PreviousBalance, ev.NewBalance)
		if delta.Cmp(ev.ExpectedAmount) != 0 {
			return Detection{
				Detected: true,
				PeerID:   ev.PeerID,
				Details: fmt.Sprintf("balance delta %s does not match expected settlement %s",
					delta, ev.ExpectedAmount),
			}
		}
	}
	return Detection{}
}

// --- RapidChannelClosureRule ---

// RapidChannelClosureRule reports a peer closing more than maxClosures
// channels within the time window.
type RapidChannelClosureRule struct {
	mu          sync.Mutex
	maxClosures int
	window      time.Duration
	closures    map[string][]closure
}

type closure struct {
	channelID string
	ts        time.Time
}

// NewRapidChannelClosureRule creates the rule. Zero arguments select the
// defaults (3 closures in 1 hour).
func NewRapidChannelClosureRule(maxClosures int, window time.Duration) *RapidChannelClosureRule {
	if maxClosures <= 0 {
		maxClosures = 3
	}
	if window <= 0 {
		window = time.Hour
	}
	return &RapidChannelClosureRule{
		maxClosures: maxClosures,
		window:      window,
		closures:    make(map[string][]closure),
	}
}

func (r *RapidChannelClosureRule) Name() string                  { return "rapid_channel_closure" }
func (r *RapidChannelClosureRule) Severity() reputation.Severity { return reputation.SeverityHigh }

func (r *RapidChannelClosureRule) Check(ev Event) Detection {
	if ev.Type != EventChannelClosure {
		return Detection{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := ev.Timestamp.Add(-r.window)
	kept := r.closures[ev.PeerID][:0]
	for _, c := range r.closures[ev.PeerID] {
		if c.ts.After(cutoff) {
			kept = append(kept, c)
		}
	}
	kept = append(kept, closure{channelID: ev.ChannelID, ts: ev.Timestamp})
	r.closures[ev.PeerID] = kept

	if len(kept) > r.maxClosures {
		return Detection{
			Detected: true,
			PeerID:   ev.PeerID,
			Details: fmt.Sprintf("%d channel closures within %s (max %d)",
				len(kept), r.window, r.maxClosures),
		}
	}
	return Detection{}
}

// --- UnusualSettlementRule ---

// UnusualSettlementRule reports settlement amounts above the configured
// ceiling.
type UnusualSettlementRule struct {
	maxAmount *big.Int
}

// NewUnusualSettlementRule creates the rule.
func NewUnusualSettlementRule(maxAmount *big.Int) *UnusualSettlementRule {
	return &UnusualSettlementRule{maxAmount: maxAmount}
}

func (r *UnusualSettlementRule) Name() string                  { return "unusual_settlement_amount" }
func (r *UnusualSettlementRule) Severity() reputation.Severity { return reputation.SeverityHigh }

func (r *UnusualSettlementRule) Check(ev Event) Detection {
	if ev.Type != EventSettlement || ev.Amount == nil || r.maxAmount == nil {
		return Detection{}
	}
	if ev.Amount.Cmp(r.maxAmount) > 0 {
		return Detection{
			Detected: true,
			PeerID:   ev.PeerID,
			Details:  fmt.Sprintf("settlement %s exceeds maximum %s", ev.Amount, r.maxAmount),
		}
	}
	return Detection{}
}

// --- TrafficSpikeRule ---

// TrafficSpikeRule reports a packet-count sample that exceeds the peer's
// historical average by the spike factor. Needs at least two prior samples
// and a positive average before it starts judging.
type TrafficSpikeRule struct {
	mu        sync.Mutex
	window    time.Duration
	threshold float64
	samples   map[string][]trafficSample
}

type trafficSample struct {
	count int64
	ts    time.Time
}

// NewTrafficSpikeRule creates the rule. Zero arguments select the defaults
// (10x spike over a 1 hour window).
func NewTrafficSpikeRule(threshold float64, window time.Duration) *TrafficSpikeRule {
	if threshold <= 0 {
		threshold = 10
	}
	if window <= 0 {
		window = time.Hour
	}
	return &TrafficSpikeRule{
		window:    window,
		threshold: threshold,
		samples:   make(map[string][]trafficSample),
	}
}

func (r *TrafficSpikeRule) Name() string                  { return "sudden_traffic_spike" }
func (r *TrafficSpikeRule) Severity() reputation.Severity { return reputation.SeverityMedium }

func (r *TrafficSpikeRule) Check(ev Event) Detection {
	if ev.Type != EventTraffic {
		return Detection{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := ev.Timestamp.Add(-r.window)
	kept := r.samples[ev.PeerID][:0]
	for _, s := range r.samples[ev.PeerID] {
		if s.ts.After(cutoff) {
			kept = append(kept, s)
		}
	}

	var det Detection
	if len(kept) >= 2 {
		var total int64
		for _, s := range kept {
			total += s.count
		}
		avg := float64(total) / float64(len(kept))
		if avg > 0 && float64(ev.PacketCount)/avg >= r.threshold {
			det = Detection{
				Detected: true,
				PeerID:   ev.PeerID,
				Details: fmt.Sprintf("packet count %d is %.1fx the historical average %.1f",
					ev.PacketCount, float64(ev.PacketCount)/avg, avg),
			}
		}
	}

	r.samples[ev.PeerID] = append(kept, trafficSample{count: ev.PacketCount, ts: ev.Timestamp})
	return det
}
