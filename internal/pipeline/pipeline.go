// Package pipeline is the packet hot path: admission, decode, routing,
// credit check, ledger posting, and forwarding.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ilpnet/connector/internal/accounts"
	"github.com/ilpnet/connector/internal/idgen"
	"github.com/ilpnet/connector/internal/ledger"
	"github.com/ilpnet/connector/internal/metrics"
	"github.com/ilpnet/connector/internal/ratelimit"
	"github.com/ilpnet/connector/internal/routing"
	"github.com/ilpnet/connector/internal/syncutil"
	"github.com/ilpnet/connector/internal/traces"
	"github.com/ilpnet/connector/internal/transport"
	"github.com/ilpnet/connector/internal/workerpool"
)

// Admission is the rate limiter slice the pipeline uses.
type Admission interface {
	CheckLimit(peerID string, reqType ratelimit.RequestType) bool
}

// PauseChecker is the fraud detector's read-only pause query.
type PauseChecker interface {
	IsPaused(peerID string) bool
}

// EventSink receives pipeline observations. All calls are fire-and-forget.
type EventSink interface {
	EmitPacketReceived(correlationID, fromPeer, destination string, amount *big.Int)
	EmitPacketSent(correlationID, toPeer, destination string, amount *big.Int)
	EmitRouteLookup(correlationID, destination string, selectedPeer *string)
}

// Config holds pipeline settings.
type Config struct {
	// TokenID is the settlement token packets are accounted in.
	TokenID string
	// DecodeWorkers sizes the decode worker pool.
	DecodeWorkers int
	// MaxQueueSize bounds the decode queue; zero means the pool default.
	MaxQueueSize int
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.TokenID == "" {
		return fmt.Errorf("pipeline: token id required")
	}
	if c.DecodeWorkers <= 0 {
		return fmt.Errorf("pipeline: decode workers must be positive, got %d", c.DecodeWorkers)
	}
	return nil
}

// Forwarded describes a successfully forwarded packet.
type Forwarded struct {
	CorrelationID string
	NextHop       string
	Destination   string
	Amount        *big.Int
}

// Pipeline processes inbound packets end to end.
type Pipeline struct {
	cfg       Config
	admission Admission
	pauses    PauseChecker
	routes    *routing.Table
	accounts  *accounts.Manager
	transport transport.PeerTransport
	events    EventSink
	pool      *workerpool.Pool[[]byte, *Packet]
	creditMu  *syncutil.ContextShardedMutex
	logger    *slog.Logger
	now       func() time.Time
}

// New wires a pipeline and starts its decode pool. events may be nil.
func New(cfg Config, admission Admission, pauses PauseChecker, routes *routing.Table, mgr *accounts.Manager, tr transport.PeerTransport, events EventSink, logger *slog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pool, err := workerpool.New(workerpool.Config{
		Workers:      cfg.DecodeWorkers,
		MaxQueueSize: cfg.MaxQueueSize,
	}, func(_ context.Context, raw []byte) (*Packet, error) {
		return DecodePacket(raw)
	}, logger)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:       cfg,
		admission: admission,
		pauses:    pauses,
		routes:    routes,
		accounts:  mgr,
		transport: tr,
		events:    events,
		pool:      pool,
		creditMu:  syncutil.NewContextShardedMutex(),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// ProcessPacket runs one packet through the full pipeline. On rejection
// it returns a *RejectError the caller mirrors to the sending peer; no
// transfer is recorded for rejected packets.
func (p *Pipeline) ProcessPacket(ctx context.Context, fromPeer string, raw []byte) (*Forwarded, error) {
	correlationID := idgen.Correlation()
	ctx, span := traces.StartSpan(ctx, "pipeline.ProcessPacket",
		traces.PeerID(fromPeer),
		traces.CorrelationID(correlationID))
	defer span.End()

	start := p.now()
	defer func() {
		metrics.PacketDuration.Observe(p.now().Sub(start).Seconds())
	}()

	// Admission.
	if !p.admission.CheckLimit(fromPeer, ratelimit.RequestPacket) {
		metrics.PacketsTotal.WithLabelValues("rate_limited").Inc()
		return nil, reject(RejectRateLimited, fromPeer, "rate limit exceeded")
	}

	// Pause check.
	if p.pauses.IsPaused(fromPeer) {
		metrics.PacketsTotal.WithLabelValues("peer_paused").Inc()
		return nil, reject(RejectPeerPaused, fromPeer, "peer is paused")
	}

	// Decode on the worker pool.
	pkt, err := p.decode(ctx, raw)
	if err != nil {
		metrics.PacketsTotal.WithLabelValues("internal_error").Inc()
		return nil, reject(RejectInternal, fromPeer, "decode: %v", err)
	}
	span.SetAttributes(traces.Destination(pkt.Destination), traces.Amount(pkt.Amount.String()))

	if p.events != nil {
		p.events.EmitPacketReceived(correlationID, fromPeer, pkt.Destination, pkt.Amount)
	}

	// Local expiry.
	if !p.now().Before(pkt.ExpiresAt) {
		metrics.PacketsTotal.WithLabelValues("expired").Inc()
		return nil, reject(RejectExpired, fromPeer, "packet expired at %s", pkt.ExpiresAt.Format(time.RFC3339))
	}

	// Routing.
	route := p.routes.LongestPrefixMatch(pkt.Destination)
	if p.events != nil {
		var selected *string
		if route != nil {
			selected = &route.NextHop
		}
		p.events.EmitRouteLookup(correlationID, pkt.Destination, selected)
	}
	if route == nil {
		metrics.PacketsTotal.WithLabelValues("no_route").Inc()
		return nil, reject(RejectNoRoute, fromPeer, "no route for %s", pkt.Destination)
	}

	// Credit limit and ledger posting run under a per-sender lock so
	// two in-flight packets cannot both pass the limit check before
	// either posts its transfers.
	unlock, err := p.creditMu.LockContext(ctx, fromPeer)
	if err != nil {
		metrics.PacketsTotal.WithLabelValues("internal_error").Inc()
		return nil, reject(RejectInternal, fromPeer, "processing cancelled")
	}

	violation, err := p.accounts.CheckCreditLimit(ctx, fromPeer, p.cfg.TokenID, pkt.Amount)
	if err != nil {
		unlock()
		metrics.PacketsTotal.WithLabelValues("internal_error").Inc()
		p.logger.Error("credit check failed", "peerId", fromPeer, "error", err)
		return nil, reject(RejectInternal, fromPeer, "credit check unavailable")
	}
	if violation != nil {
		unlock()
		metrics.PacketsTotal.WithLabelValues("insufficient_liquidity").Inc()
		return nil, reject(RejectInsufficientLiquidity, fromPeer, "%s", violation)
	}

	id1 := ledger.IDFromBytes(idgen.Bytes(16))
	id2 := ledger.IDFromBytes(idgen.Bytes(16))
	if err := p.accounts.RecordPacketTransfers(ctx, fromPeer, route.NextHop, p.cfg.TokenID, pkt.Amount, pkt.Amount, id1, id2); err != nil {
		unlock()
		metrics.PacketsTotal.WithLabelValues("internal_error").Inc()
		p.logger.Error("packet transfer posting failed",
			"correlationId", correlationID,
			"fromPeer", fromPeer,
			"toPeer", route.NextHop,
			"error", err)
		return nil, reject(RejectInternal, fromPeer, "ledger unavailable")
	}
	unlock()

	// Forward.
	if err := p.transport.Send(ctx, route.NextHop, raw); err != nil {
		metrics.PacketsTotal.WithLabelValues("internal_error").Inc()
		p.logger.Error("packet forward failed",
			"correlationId", correlationID,
			"toPeer", route.NextHop,
			"error", err)
		return nil, reject(RejectInternal, fromPeer, "forward to %s failed", route.NextHop)
	}

	if p.events != nil {
		p.events.EmitPacketSent(correlationID, route.NextHop, pkt.Destination, pkt.Amount)
	}
	metrics.PacketsTotal.WithLabelValues("forwarded").Inc()
	p.logger.Debug("packet forwarded",
		"correlationId", correlationID,
		"fromPeer", fromPeer,
		"toPeer", route.NextHop,
		"destination", pkt.Destination,
		"amount", pkt.Amount.String())

	return &Forwarded{
		CorrelationID: correlationID,
		NextHop:       route.NextHop,
		Destination:   pkt.Destination,
		Amount:        pkt.Amount,
	}, nil
}

func (p *Pipeline) decode(ctx context.Context, raw []byte) (*Packet, error) {
	done, err := p.pool.Execute(ctx, raw)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-done:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops the decode pool, failing queued packets.
func (p *Pipeline) Shutdown() {
	p.pool.Shutdown()
}
