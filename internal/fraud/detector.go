package fraud

import (
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ilpnet/connector/internal/metrics"
	"github.com/ilpnet/connector/internal/reputation"
)

// PauseInfo records why a peer is out of the packet flow.
type PauseInfo struct {
	Reason       string              `json:"reason"`
	RuleViolated string              `json:"ruleViolated,omitempty"`
	Severity     reputation.Severity `json:"severity,omitempty"`
	Since        time.Time           `json:"since"`
}

// DetectionHandler receives every rule hit. The orchestrator installs a
// handler that updates reputation, notifies, audits, and auto-pauses.
// Handlers must not block: the detector calls them inline per event.
type DetectionHandler func(rule Rule, det Detection, ev Event)

// Detector routes fraud observations through all registered rules and owns
// the peer paused set. The packet pipeline consults IsPaused only; it
// never holds a reference back into the detector.
type Detector struct {
	rules   []Rule
	logger  *slog.Logger
	handler DetectionHandler

	mu     sync.RWMutex
	paused map[string]PauseInfo
}

// NewDetector creates a detector over the given rule set.
func NewDetector(rules []Rule, logger *slog.Logger) *Detector {
	return &Detector{
		rules:  rules,
		logger: logger,
		paused: make(map[string]PauseInfo),
	}
}

// DefaultRules returns the standard rule set.
func DefaultRules(cfg RulesConfig) []Rule {
	return []Rule{
		NewDoubleSpendRule(),
		NewBalanceManipulationRule(),
		NewRapidChannelClosureRule(cfg.MaxChannelClosures, cfg.ChannelClosureWindow),
		NewUnusualSettlementRule(cfg.MaxSettlementAmount),
		NewTrafficSpikeRule(cfg.SpikeThreshold, cfg.TrafficWindow),
	}
}

// RulesConfig parameterizes the default rule set. Zero values select each
// rule's own defaults.
type RulesConfig struct {
	MaxChannelClosures   int
	ChannelClosureWindow time.Duration
	MaxSettlementAmount  *big.Int
	SpikeThreshold       float64
	TrafficWindow        time.Duration
}

// OnDetection installs the detection handler. Must be called before the
// first AnalyzeEvent.
func (d *Detector) OnDetection(h DetectionHandler) {
	d.handler = h
}

// AnalyzeEvent runs every rule over the event. Rule order is not
// observable: all rules run for each event, and each hit is reported.
func (d *Detector) AnalyzeEvent(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for _, rule := range d.rules {
		det := rule.Check(ev)
		if !det.Detected {
			continue
		}
		if det.PeerID == "" {
			det.PeerID = ev.PeerID
		}
		metrics.FraudDetections.WithLabelValues(rule.Name(), string(rule.Severity())).Inc()
		d.logger.Warn("fraud detected",
			"rule", rule.Name(),
			"severity", string(rule.Severity()),
			"peer", det.PeerID,
			"details", det.Details,
		)
		if d.handler != nil {
			d.handler(rule, det, ev)
		}
	}
}

// PausePeer takes a peer out of the packet flow.
func (d *Detector) PausePeer(peerID, reason, ruleViolated string, severity reputation.Severity) {
	d.mu.Lock()
	if _, already := d.paused[peerID]; !already {
		d.paused[peerID] = PauseInfo{
			Reason:       reason,
			RuleViolated: ruleViolated,
			Severity:     severity,
			Since:        time.Now(),
		}
		metrics.PausedPeers.Set(float64(len(d.paused)))
	}
	d.mu.Unlock()

	d.logger.Warn("peer paused", "peer", peerID, "reason", reason, "rule", ruleViolated)
}

// ResumePeer puts a paused peer back into the packet flow.
func (d *Detector) ResumePeer(peerID string) {
	d.mu.Lock()
	delete(d.paused, peerID)
	metrics.PausedPeers.Set(float64(len(d.paused)))
	d.mu.Unlock()

	d.logger.Info("peer resumed", "peer", peerID)
}

// IsPaused reports whether the peer is currently paused. This is the
// read-only query the pipeline uses.
func (d *Detector) IsPaused(peerID string) bool {
	d.mu.RLock()
	_, ok := d.paused[peerID]
	d.mu.RUnlock()
	return ok
}

// PausedPeers returns a copy of the paused set.
func (d *Detector) PausedPeers() map[string]PauseInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]PauseInfo, len(d.paused))
	for k, v := range d.paused {
		out[k] = v
	}
	return out
}
