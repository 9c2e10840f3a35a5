package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ilpnet/connector/internal/accounts"
	"github.com/ilpnet/connector/internal/batch"
	"github.com/ilpnet/connector/internal/metrics"
)

// connState is the emitter's connection state machine.
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateClosing
)

// Config configures the emitter.
type Config struct {
	URL    string
	NodeID string

	// Buffered routes events through a size+interval batch instead of
	// writing each one as it arrives.
	Buffered      bool
	BatchSize     int
	FlushInterval time.Duration

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// DefaultConfig returns the standard emitter settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     50,
		FlushInterval: 200 * time.Millisecond,
		ReconnectMin:  1 * time.Second,
		ReconnectMax:  16 * time.Second,
	}
}

// Emitter streams events over one long-lived websocket. Every Emit method
// is non-blocking: events are dropped (and logged at debug) while the
// socket is down, and send errors are logged, never returned.
type Emitter struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	state       connState
	intentional bool

	buffer *batch.Writer[json.RawMessage]

	dial  func(ctx context.Context, url string) (*websocket.Conn, error)
	sleep func(time.Duration)
	now   func() time.Time
}

// New creates an emitter. Connect must be called before events flow.
func New(cfg Config, logger *slog.Logger) *Emitter {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = def.ReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	e := &Emitter{
		cfg:    cfg,
		logger: logger,
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
		sleep: time.Sleep,
		now:   time.Now,
	}
	if cfg.Buffered {
		e.buffer = batch.NewWriter("telemetry", batch.Config{
			BatchSize:     cfg.BatchSize,
			FlushInterval: cfg.FlushInterval,
		}, e.flushBatch, logger)
	}
	return e
}

// Connect opens the socket. It returns once the connection is up; later
// disconnects reconnect automatically with exponential backoff.
func (e *Emitter) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.state == stateConnected || e.state == stateConnecting {
		e.mu.Unlock()
		return nil
	}
	e.state = stateConnecting
	e.intentional = false
	e.mu.Unlock()

	conn, err := e.dial(ctx, e.cfg.URL)
	if err != nil {
		e.mu.Lock()
		e.state = stateDisconnected
		e.mu.Unlock()
		return fmt.Errorf("telemetry: connect %s: %w", e.cfg.URL, err)
	}
	e.adopt(conn)
	return nil
}

func (e *Emitter) adopt(conn *websocket.Conn) {
	e.mu.Lock()
	e.conn = conn
	e.state = stateConnected
	e.mu.Unlock()
	e.logger.Info("telemetry connected", "url", e.cfg.URL)
	go e.readLoop(conn)
}

// readLoop exists to notice remote disconnects; inbound frames are
// discarded.
func (e *Emitter) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			e.handleDisconnect(conn, err)
			return
		}
	}
}

func (e *Emitter) handleDisconnect(conn *websocket.Conn, err error) {
	e.mu.Lock()
	if e.conn != conn {
		// A newer connection already replaced this one.
		e.mu.Unlock()
		return
	}
	e.conn = nil
	intentional := e.intentional
	if intentional {
		e.state = stateDisconnected
	} else {
		e.state = stateConnecting
	}
	e.mu.Unlock()

	conn.Close()
	if intentional {
		return
	}
	e.logger.Warn("telemetry disconnected", "error", err)
	go e.reconnectLoop()
}

func (e *Emitter) reconnectLoop() {
	delay := e.cfg.ReconnectMin
	for {
		e.mu.Lock()
		if e.intentional {
			e.state = stateDisconnected
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		e.sleep(delay)
		conn, err := e.dial(context.Background(), e.cfg.URL)
		if err == nil {
			e.adopt(conn)
			return
		}
		e.logger.Debug("telemetry reconnect failed", "error", err, "nextDelay", delay)
		if delay *= 2; delay > e.cfg.ReconnectMax {
			delay = e.cfg.ReconnectMax
		}
	}
}

// Disconnect closes the socket and suppresses reconnection.
func (e *Emitter) Disconnect() {
	e.mu.Lock()
	e.intentional = true
	e.state = stateClosing
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			e.now().Add(time.Second))
		conn.Close()
	}

	e.mu.Lock()
	e.state = stateDisconnected
	e.mu.Unlock()
}

// Shutdown flushes buffered events and closes the socket.
func (e *Emitter) Shutdown(ctx context.Context) error {
	var err error
	if e.buffer != nil {
		err = e.buffer.Shutdown(ctx)
	}
	e.Disconnect()
	return err
}

// Connected reports whether the socket is up.
func (e *Emitter) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateConnected
}

// Emit serializes and sends one event. It never blocks the caller beyond
// a single state check plus, when unbuffered, one socket write.
func (e *Emitter) Emit(eventType EventType, fields map[string]any) {
	raw, err := json.Marshal(Event{
		Type:      eventType,
		NodeID:    e.cfg.NodeID,
		Timestamp: e.now(),
		Fields:    fields,
	})
	if err != nil {
		e.logger.Error("telemetry marshal failed", "type", eventType, "error", err)
		return
	}

	if !e.Connected() {
		metrics.TelemetryEvents.WithLabelValues("dropped").Inc()
		e.logger.Debug("telemetry event dropped", "type", eventType)
		return
	}

	if e.buffer != nil {
		e.buffer.Add(json.RawMessage(raw))
		metrics.TelemetryEvents.WithLabelValues("buffered").Inc()
		return
	}
	e.write(raw)
}

func (e *Emitter) write(payload []byte) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		metrics.TelemetryEvents.WithLabelValues("dropped").Inc()
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		e.logger.Warn("telemetry send failed", "error", err)
		metrics.TelemetryEvents.WithLabelValues("dropped").Inc()
		return
	}
	metrics.TelemetryEvents.WithLabelValues("sent").Inc()
}

// flushBatch sends one envelope carrying the whole batch.
func (e *Emitter) flushBatch(_ context.Context, events []json.RawMessage) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("telemetry: not connected")
	}
	payload, err := json.Marshal(map[string]any{"batch": events})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}
	metrics.TelemetryEvents.WithLabelValues("sent").Add(float64(len(events)))
	return nil
}

// EmitNodeStatus reports liveness and identity.
func (e *Emitter) EmitNodeStatus(status string, uptime time.Duration) {
	e.Emit(EventNodeStatus, map[string]any{
		"status":        status,
		"uptimeSeconds": int64(uptime.Seconds()),
	})
}

// EmitPacketReceived reports an inbound packet before processing.
func (e *Emitter) EmitPacketReceived(correlationID, fromPeer, destination string, amount *big.Int) {
	e.Emit(EventPacketReceived, map[string]any{
		"correlationId": correlationID,
		"fromPeer":      fromPeer,
		"destination":   destination,
		"amount":        amount,
	})
}

// EmitPacketSent reports a forwarded packet.
func (e *Emitter) EmitPacketSent(correlationID, toPeer, destination string, amount *big.Int) {
	e.Emit(EventPacketSent, map[string]any{
		"correlationId": correlationID,
		"toPeer":        toPeer,
		"destination":   destination,
		"amount":        amount,
	})
}

// EmitRouteLookup reports a routing decision. selectedPeer is nil when no
// route matched.
func (e *Emitter) EmitRouteLookup(correlationID, destination string, selectedPeer *string) {
	var peer any
	if selectedPeer != nil {
		peer = *selectedPeer
	}
	e.Emit(EventRouteLookup, map[string]any{
		"correlationId": correlationID,
		"destination":   destination,
		"selectedPeer":  peer,
	})
}

// EmitLog mirrors a structured log record. Implements logging.LogSink.
func (e *Emitter) EmitLog(level, message, correlationID string, fields map[string]any) {
	e.Emit(EventLog, map[string]any{
		"level":         level,
		"message":       message,
		"correlationId": correlationID,
		"context":       fields,
	})
}

// EmitAccountBalance reports a balance change. Implements
// accounts.BalanceEmitter.
func (e *Emitter) EmitAccountBalance(peerID, tokenID string, balances accounts.Balances) {
	e.Emit(EventAccountBalance, map[string]any{
		"peerId":        peerID,
		"tokenId":       tokenID,
		"debitBalance":  balances.DebitBalance,
		"creditBalance": balances.CreditBalance,
		"netBalance":    balances.NetBalance,
	})
}

// EmitSettlementTriggered reports a threshold crossing. Implements
// settlement.EventEmitter.
func (e *Emitter) EmitSettlementTriggered(peerID, tokenID string, balance, threshold *big.Int) {
	e.Emit(EventSettlementTriggered, map[string]any{
		"peerId":    peerID,
		"tokenId":   tokenID,
		"balance":   balance,
		"threshold": threshold,
	})
}

// EmitSettlementCompleted reports a finished settlement. Implements
// settlement.CompletionEmitter.
func (e *Emitter) EmitSettlementCompleted(peerID, tokenID string, amount *big.Int, txRef string) {
	e.Emit(EventSettlementCompleted, map[string]any{
		"peerId":  peerID,
		"tokenId": tokenID,
		"amount":  amount,
		"txRef":   txRef,
	})
}

// EmitXRPChannel reports payment channel lifecycle events. eventType must
// be one of the XRP_CHANNEL_* types.
func (e *Emitter) EmitXRPChannel(eventType EventType, channelID string, amount *big.Int) {
	e.Emit(eventType, map[string]any{
		"channelId": channelID,
		"amount":    amount,
	})
}
