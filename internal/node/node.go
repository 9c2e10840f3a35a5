// Package node wires every connector component together: keys, ledger
// accounting, fraud controls, settlement, the packet pipeline, transport,
// telemetry, and the admin API. Construction order follows the dependency
// graph; Shutdown unwinds it in reverse.
package node

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/ilpnet/connector/internal/accounts"
	"github.com/ilpnet/connector/internal/admin"
	"github.com/ilpnet/connector/internal/alerts"
	"github.com/ilpnet/connector/internal/audit"
	"github.com/ilpnet/connector/internal/batch"
	"github.com/ilpnet/connector/internal/config"
	"github.com/ilpnet/connector/internal/fraud"
	"github.com/ilpnet/connector/internal/health"
	"github.com/ilpnet/connector/internal/keys"
	"github.com/ilpnet/connector/internal/ledger"
	"github.com/ilpnet/connector/internal/logging"
	"github.com/ilpnet/connector/internal/pipeline"
	"github.com/ilpnet/connector/internal/ratelimit"
	"github.com/ilpnet/connector/internal/reputation"
	"github.com/ilpnet/connector/internal/routing"
	"github.com/ilpnet/connector/internal/security"
	"github.com/ilpnet/connector/internal/settlement"
	"github.com/ilpnet/connector/internal/telemetry"
	"github.com/ilpnet/connector/internal/transport"
)

// Signing key ids in the local backend.
const (
	EVMKeyID = "evm-settlement"
	XRPKeyID = "xrp-settlement"
)

// Route is a static routing table entry installed at startup.
type Route struct {
	Prefix   string
	NextHop  string
	Priority int
}

// Config assembles everything a node needs beyond the environment: the
// peer settlement rails and the static routing table, which come from
// deployment wiring rather than env vars.
type Config struct {
	App *config.Config

	// SettlementPeers maps peer ids to their on-chain rail. Peers
	// absent here settle ledger-only.
	SettlementPeers map[string]settlement.PeerConfig
	// XRPClaimEndpoints maps payment channel ids to the peer URLs that
	// receive signed claims.
	XRPClaimEndpoints map[string]string
	// StaticRoutes seed the routing table.
	StaticRoutes []Route
}

// Node is the assembled connector.
type Node struct {
	cfg    Config
	logger *slog.Logger
	bridge *logging.BridgeHandler

	auditor  *audit.Logger
	keys     *keys.Manager
	rotator  *keys.Rotator
	store    ledger.Store
	writer   *batch.Writer[ledger.Transfer]
	emitter  *telemetry.Emitter
	accounts *accounts.Manager
	tracker  *reputation.Tracker
	notifier *alerts.Notifier
	detector *fraud.Detector
	limiter  *ratelimit.Limiter
	monitor  *settlement.Monitor
	executor *settlement.Executor
	routes   *routing.Table
	pipeline *pipeline.Pipeline
	hub      *transport.Hub
	admin    *admin.Server

	trafficMu sync.Mutex
	traffic   map[string]int64

	startedAt time.Time
}

// New builds the node. Nothing runs until Start.
func New(cfg Config) (*Node, error) {
	app := cfg.App
	if app == nil {
		return nil, fmt.Errorf("node: app config required")
	}
	if err := app.Validate(); err != nil {
		return nil, err
	}
	if err := validateEndpoints(cfg); err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg, traffic: make(map[string]int64)}

	// Logger first: everything downstream logs through the bridge so
	// records can be mirrored to telemetry once the emitter exists.
	base := logging.New(app.LogLevel, logFormat(app))
	n.bridge = logging.NewBridgeHandler(base.Handler())
	n.logger = slog.New(n.bridge)

	n.auditor = audit.New(app.NodeID, n.logger)

	backend, err := n.buildKeyBackend()
	if err != nil {
		return nil, err
	}
	n.keys = keys.NewManager(backend, n.auditor, n.logger)

	if app.RotationEnabled {
		rotCfg := keys.RotationConfig{
			Enabled:          true,
			IntervalDays:     app.RotationInterval,
			OverlapDays:      app.RotationOverlap,
			NotifyBeforeDays: app.RotationNotifyDays,
		}
		if err := rotCfg.Validate(); err != nil {
			return nil, err
		}
		n.rotator = keys.NewRotator(rotCfg, n.keys, managedKeyIDs(app), n.logger)
	}

	if err := n.buildLedger(); err != nil {
		return nil, err
	}

	if app.TelemetryURL != "" {
		n.emitter = telemetry.New(telemetry.Config{
			URL:           app.TelemetryURL,
			NodeID:        app.NodeID,
			Buffered:      app.TelemetryBuffered,
			BatchSize:     app.BatchSize,
			FlushInterval: app.FlushInterval,
		}, n.logger)
		n.bridge.SetSink(n.emitter)
	}

	if err := n.buildAccounts(); err != nil {
		return nil, err
	}
	n.buildFraudControls()
	if err := n.buildRateLimiter(); err != nil {
		return nil, err
	}
	if err := n.buildSettlement(); err != nil {
		return nil, err
	}

	n.routes = routing.NewTable()
	for _, r := range cfg.StaticRoutes {
		n.routes.Insert(r.Prefix, r.NextHop, r.Priority)
	}

	n.hub = transport.NewHub(n.logger)

	var sink pipeline.EventSink
	if n.emitter != nil {
		sink = n.emitter
	}
	n.pipeline, err = pipeline.New(pipeline.Config{
		TokenID:       app.TokenID,
		DecodeWorkers: app.DecodeWorkers,
		MaxQueueSize:  app.MaxQueueSize,
	}, n.limiter, n.detector, n.routes, n.accounts, n.hub, sink, n.logger)
	if err != nil {
		return nil, err
	}
	n.hub.OnPacket(n.handlePacket)

	handler := admin.NewHandler(app.TokenID).
		WithPauseService(n.detector).
		WithRateLimitService(n.limiter).
		WithSettlementService(n.executor).
		WithBalanceService(n.accounts).
		WithReputationService(n.tracker).
		WithSettlementStates(n.monitor).
		WithRoutingTable(n.routes)
	if n.rotator != nil {
		handler = handler.WithKeyRotation(n.rotator)
	}
	n.admin = admin.NewServer(admin.ServerConfig{
		Port:       app.Port,
		Secret:     app.AdminSecret,
		Production: app.IsProduction(),
	}, handler, n.hub, n.buildHealthChecks(), n.logger)

	return n, nil
}

// Logger exposes the bridged process logger.
func (n *Node) Logger() *slog.Logger { return n.logger }

// Run starts background components and serves until the context ends or
// the admin listener fails, then shuts everything down.
func (n *Node) Run(ctx context.Context) error {
	n.startedAt = time.Now()

	if n.emitter != nil {
		if err := n.emitter.Connect(ctx); err != nil {
			n.logger.Warn("telemetry connect failed, will retry in background", "error", err)
		}
		n.emitter.EmitNodeStatus("started", 0)
	}
	if n.rotator != nil {
		n.rotator.Start()
	}
	n.monitor.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.admin.Run(gctx)
	})
	g.Go(func() error {
		n.sampleTraffic(gctx)
		return nil
	})
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := n.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	return err
}

// Shutdown stops components in reverse construction order. Pending
// pipeline work fails with a shutdown error; the batch writer drains.
func (n *Node) Shutdown(ctx context.Context) error {
	n.logger.Info("starting graceful shutdown")

	var errs []error

	if err := n.admin.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	n.monitor.Stop()
	if n.rotator != nil {
		n.rotator.Stop()
	}
	n.pipeline.Shutdown()
	if err := n.hub.Close(); err != nil {
		errs = append(errs, err)
	}
	if n.writer != nil {
		if err := n.writer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if n.emitter != nil {
		n.emitter.EmitNodeStatus("stopping", time.Since(n.startedAt))
		if err := n.emitter.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := n.store.Close(); err != nil {
		errs = append(errs, err)
	}

	n.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// handlePacket is the transport ingress. Rejections are mirrored back to
// the sending peer as a JSON control frame; forwards need no reply.
func (n *Node) handlePacket(peerID string, packet []byte) {
	n.noteTraffic(peerID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := n.pipeline.ProcessPacket(ctx, peerID, packet)
	if err == nil {
		return
	}

	code, ok := pipeline.RejectCodeOf(err)
	if !ok {
		code = pipeline.RejectInternal
	}
	frame, merr := json.Marshal(map[string]string{
		"type":    "reject",
		"code":    string(code),
		"message": err.Error(),
	})
	if merr != nil {
		return
	}
	if serr := n.hub.Send(ctx, peerID, frame); serr != nil {
		n.logger.Debug("reject delivery failed", "peer", peerID, "error", serr)
	}
}

func (n *Node) buildHealthChecks() *health.Registry {
	checks := health.NewRegistry()

	checks.Register("ledger", func(ctx context.Context) health.Status {
		if _, err := n.store.LookupAccounts(ctx, nil); err != nil {
			return health.Status{Name: "ledger", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "ledger", Healthy: true}
	})
	checks.Register("batch_writer", func(ctx context.Context) health.Status {
		depth := n.writer.Depth()
		if depth > n.cfg.App.BatchSize*10 {
			return health.Status{Name: "batch_writer", Healthy: false,
				Detail: fmt.Sprintf("queue depth %d", depth)}
		}
		return health.Status{Name: "batch_writer", Healthy: true}
	})
	if n.emitter != nil {
		// Telemetry loss is tolerable; report it without degrading the
		// aggregate so load balancers keep routing packets.
		checks.Register("telemetry", func(ctx context.Context) health.Status {
			s := health.Status{Name: "telemetry", Healthy: true}
			if !n.emitter.Connected() {
				s.Detail = "disconnected"
			}
			return s
		})
	}
	return checks
}

func (n *Node) buildKeyBackend() (keys.Backend, error) {
	app := n.cfg.App
	switch app.KeyBackend {
	case "local":
		backend := keys.NewLocalBackend()
		if app.EVMPrivateKey != "" {
			if err := backend.LoadHexTyped(EVMKeyID, app.EVMPrivateKey, keys.KeyTypeEVM); err != nil {
				return nil, err
			}
		}
		if app.XRPPrivateKey != "" {
			id := app.XRPSigningKeyID
			if id == "" {
				id = XRPKeyID
			}
			if err := backend.LoadHexTyped(id, app.XRPPrivateKey, keys.KeyTypeXRP); err != nil {
				return nil, err
			}
		}
		return backend, nil
	case "kms":
		return keys.NewKMSBackend(app.KMSBaseURL, app.KMSToken), nil
	case "hsm":
		return keys.NewHSMBackend(app.HSMModule, app.HSMPin)
	default:
		return nil, fmt.Errorf("node: unknown key backend %q", app.KeyBackend)
	}
}

func (n *Node) buildLedger() error {
	app := n.cfg.App
	if app.DatabaseURL == "" {
		n.logger.Info("using in-memory ledger store")
		n.store = ledger.NewMemoryStore()
	} else {
		db, err := sql.Open("postgres", app.DatabaseURL)
		if err != nil {
			return fmt.Errorf("node: open ledger database: %w", err)
		}
		if err := db.Ping(); err != nil {
			return fmt.Errorf("node: ping ledger database: %w", err)
		}
		n.logger.Info("using postgres ledger store")
		n.store = ledger.NewPostgresStore(db)
	}

	n.writer = batch.NewWriter("ledger", batch.Config{
		BatchSize:     app.BatchSize,
		FlushInterval: app.FlushInterval,
	}, func(ctx context.Context, items []ledger.Transfer) error {
		return ledger.FirstError(n.store.CreateTransfers(ctx, items))
	}, n.logger)
	return nil
}

func (n *Node) buildAccounts() error {
	app := n.cfg.App

	limits := accounts.Hierarchy{}
	if app.DefaultCreditLimit != "" {
		v, err := parseBig(app.DefaultCreditLimit)
		if err != nil {
			return fmt.Errorf("node: DEFAULT_CREDIT_LIMIT: %w", err)
		}
		limits.Default = v
	}
	if app.CreditCeiling != "" {
		v, err := parseBig(app.CreditCeiling)
		if err != nil {
			return fmt.Errorf("node: CREDIT_CEILING: %w", err)
		}
		limits.Ceiling = v
	}

	var emitter accounts.BalanceEmitter
	if n.emitter != nil {
		emitter = n.emitter
	}
	n.accounts = accounts.NewManager(accounts.Config{
		NodeID:         app.NodeID,
		Ledger:         app.LedgerNumber,
		CreditLimits:   limits,
		UseBatchWriter: true,
	}, n.store, n.writer, emitter, n.logger)
	return nil
}

func (n *Node) buildFraudControls() {
	n.tracker = reputation.NewTracker(reputation.DefaultConfig(), n.logger)

	var email, chat alerts.Channel
	app := n.cfg.App
	if app.AlertWebhookURL != "" {
		chat = alerts.NewWebhookChannel(app.AlertWebhookURL)
	}
	if app.SMTPHost != "" {
		email = alerts.NewEmailChannel(alerts.EmailConfig{
			Host:     app.SMTPHost,
			Port:     app.SMTPPort,
			Username: app.SMTPUsername,
			Password: app.SMTPPassword,
			From:     app.AlertEmailFrom,
			To:       app.AlertEmailTo,
		})
	}
	n.notifier = alerts.NewNotifier(alerts.DefaultConfig(), email, chat, n.logger)

	n.detector = fraud.NewDetector(fraud.DefaultRules(fraud.RulesConfig{}), n.logger)
	n.detector.OnDetection(func(rule fraud.Rule, det fraud.Detection, ev fraud.Event) {
		n.tracker.RecordViolation(det.PeerID, rule.Name(), rule.Severity(), ev.Timestamp)

		// Notify retries with backoff; the detector calls this handler
		// inline on the packet path, so the alert leg runs detached.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			n.notifier.Notify(ctx, alerts.Alert{
				Severity:  rule.Severity(),
				Rule:      rule.Name(),
				PeerID:    det.PeerID,
				Title:     "fraud detected: " + rule.Name(),
				Details:   det.Details,
				Timestamp: ev.Timestamp,
			})
		}()

		n.auditor.Record(audit.EventFraudDetected, map[string]interface{}{
			"peerId":   det.PeerID,
			"rule":     rule.Name(),
			"severity": string(rule.Severity()),
		})

		if n.tracker.ShouldAutoPause(det.PeerID) && !n.detector.IsPaused(det.PeerID) {
			n.detector.PausePeer(det.PeerID, "reputation below auto-pause threshold", rule.Name(), rule.Severity())
		}
	})
}

func (n *Node) buildRateLimiter() error {
	app := n.cfg.App
	limiter, err := ratelimit.New(ratelimit.Config{
		Capacity:           app.RateCapacity,
		RefillRate:         app.RateRefillPerSec,
		ViolationThreshold: app.ViolationThreshold,
		ViolationWindow:    app.ViolationWindow,
		BlockDuration:      app.BlockDuration,
		Adaptive:           app.AdaptiveRate,
	}, n.logger)
	if err != nil {
		return err
	}
	for _, peer := range app.TrustedPeers {
		limiter.SetTrusted(peer, true)
	}
	n.limiter = limiter
	return nil
}

func (n *Node) buildSettlement() error {
	app := n.cfg.App

	thresholds := accounts.Hierarchy{}
	if app.SettlementThreshold != "" {
		v, err := parseBig(app.SettlementThreshold)
		if err != nil {
			return fmt.Errorf("node: SETTLEMENT_THRESHOLD: %w", err)
		}
		thresholds.Default = v
	}

	pairs := make([]settlement.Pair, 0, len(n.cfg.SettlementPeers))
	seen := make(map[string]bool)
	for peerID := range n.cfg.SettlementPeers {
		pairs = append(pairs, settlement.Pair{PeerID: peerID, TokenID: app.TokenID})
		seen[peerID] = true
	}
	for _, r := range n.cfg.StaticRoutes {
		if !seen[r.NextHop] {
			pairs = append(pairs, settlement.Pair{PeerID: r.NextHop, TokenID: app.TokenID})
			seen[r.NextHop] = true
		}
	}

	var emitter settlement.EventEmitter
	var completion settlement.CompletionEmitter
	if n.emitter != nil {
		emitter = n.emitter
		completion = n.emitter
	}

	monitor, err := settlement.NewMonitor(settlement.Config{
		PollingInterval: app.SettlementPollInterval,
		Thresholds:      thresholds,
	}, pairs, n.accounts, n.onSettlementRequired, emitter, n.logger)
	if err != nil {
		return err
	}
	n.monitor = monitor

	payers := make(map[settlement.Method]settlement.Payer)
	if app.EVMRPCURL != "" {
		evm, err := settlement.NewEVMPayer(app.EVMRPCURL, app.EVMPrivateKey, app.EVMChainID)
		if err != nil {
			return err
		}
		payers[settlement.MethodEVM] = evm
	}
	if app.XRPSigningKeyID != "" || app.XRPPrivateKey != "" {
		keyID := app.XRPSigningKeyID
		if keyID == "" {
			keyID = XRPKeyID
		}
		payers[settlement.MethodXRP] = settlement.NewXRPPayer(settlement.XRPConfig{
			KeyID:          keyID,
			ClaimEndpoints: n.cfg.XRPClaimEndpoints,
		}, n.keys)
	}

	n.executor = settlement.NewExecutor(n.accounts, monitor, payers, n.cfg.SettlementPeers, completion, n.detector, n.logger)
	return nil
}

// onSettlementRequired fires from the monitor's polling goroutine, so
// the settlement itself runs on its own goroutine.
func (n *Node) onSettlementRequired(t settlement.Trigger) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := n.executor.Settle(ctx, t); err != nil {
			n.logger.Error("settlement execution failed",
				"peerId", t.PeerID,
				"tokenId", t.TokenID,
				"error", err)
		}
	}()
}

// trafficSampleInterval sets how often per-peer packet counts become
// fraud traffic samples.
const trafficSampleInterval = time.Minute

func (n *Node) noteTraffic(peerID string) {
	n.trafficMu.Lock()
	n.traffic[peerID]++
	n.trafficMu.Unlock()
}

func (n *Node) sampleTraffic(ctx context.Context) {
	ticker := time.NewTicker(trafficSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n.flushTrafficSample(now)
		}
	}
}

// flushTrafficSample drains the counters into one traffic event per
// peer, feeding the spike rule its per-interval samples.
func (n *Node) flushTrafficSample(now time.Time) {
	n.trafficMu.Lock()
	counts := n.traffic
	n.traffic = make(map[string]int64)
	n.trafficMu.Unlock()

	for peerID, count := range counts {
		n.detector.AnalyzeEvent(fraud.Event{
			Type:        fraud.EventTraffic,
			PeerID:      peerID,
			Timestamp:   now,
			PacketCount: count,
		})
	}
}

// validateEndpoints rejects operator-supplied URLs that resolve to
// internal addresses before any outbound client is built. Development
// mode is exempt so local test endpoints work.
func validateEndpoints(cfg Config) error {
	if cfg.App.IsDevelopment() {
		return nil
	}
	if u := cfg.App.AlertWebhookURL; u != "" {
		if err := security.ValidateEndpointURL(u); err != nil {
			return fmt.Errorf("node: alert webhook url: %w", err)
		}
	}
	for channel, u := range cfg.XRPClaimEndpoints {
		if err := security.ValidateEndpointURL(u); err != nil {
			return fmt.Errorf("node: claim endpoint for channel %s: %w", channel, err)
		}
	}
	return nil
}

func managedKeyIDs(app *config.Config) []string {
	var ids []string
	if app.EVMPrivateKey != "" || app.KeyBackend != "local" {
		ids = append(ids, EVMKeyID)
	}
	if app.XRPSigningKeyID != "" {
		ids = append(ids, app.XRPSigningKeyID)
	} else if app.XRPPrivateKey != "" {
		ids = append(ids, XRPKeyID)
	}
	return ids
}

func logFormat(app *config.Config) string {
	if app.IsProduction() {
		return "json"
	}
	return "text"
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a base-10 integer: %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("must not be negative: %q", s)
	}
	return v, nil
}
