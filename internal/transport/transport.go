// Package transport delivers raw ILP packets between peers. The bundled
// implementation is a websocket hub: each peer holds one long-lived
// connection, identified by the X-Peer-Id header at upgrade time.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ilpnet/connector/internal/metrics"
)

// PeerTransport moves packets to and from peers.
type PeerTransport interface {
	// Send delivers a packet to the named peer.
	Send(ctx context.Context, peerID string, packet []byte) error
	// OnPacket registers the inbound packet handler. Only one handler
	// is active; later calls replace it.
	OnPacket(handler func(peerID string, packet []byte))
	// Close disconnects all peers.
	Close() error
}

var (
	ErrPeerNotConnected = errors.New("transport: peer not connected")
	ErrPeerBackpressure = errors.New("transport: peer send queue full")
	ErrClosed           = errors.New("transport: closed")
)

const (
	writeDeadline  = 10 * time.Second
	pongDeadline   = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxPacketBytes = 64 * 1024
	sendQueueSize  = 256
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type peerConn struct {
	peerID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub is a websocket PeerTransport. Peers dial in; the connector accepts
// one connection per peer id, newest wins.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	peers  map[string]*peerConn
	closed bool

	handler atomic.Pointer[func(peerID string, packet []byte)]
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		peers:  make(map[string]*peerConn),
	}
}

// OnPacket registers the inbound handler.
func (h *Hub) OnPacket(handler func(peerID string, packet []byte)) {
	h.handler.Store(&handler)
}

// HandleWebSocket upgrades an HTTP request into a peer connection. The
// peer identifies itself with the X-Peer-Id header or a peer query
// parameter.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	peerID := r.Header.Get("X-Peer-Id")
	if peerID == "" {
		peerID = r.URL.Query().Get("peer")
	}
	if peerID == "" {
		http.Error(w, "missing peer id", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("peer upgrade failed", "peerId", peerID, "error", err)
		return
	}

	pc := &peerConn{
		peerID: peerID,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
	}

	h.mu.Lock()
	if old, ok := h.peers[peerID]; ok {
		close(old.send)
	}
	h.peers[peerID] = pc
	n := len(h.peers)
	h.mu.Unlock()
	metrics.ConnectedPeers.Set(float64(n))
	h.logger.Info("peer connected", "peerId", peerID, "total", n)

	go h.writePump(pc)
	go h.readPump(pc)
}

// Send queues a packet for the named peer. It fails fast when the peer is
// not connected or its queue is full.
func (h *Hub) Send(_ context.Context, peerID string, packet []byte) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	pc, ok := h.peers[peerID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}

	select {
	case pc.send <- packet:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrPeerBackpressure, peerID)
	}
}

// ConnectedPeers lists peer ids with an open connection.
func (h *Hub) ConnectedPeers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.peers))
	for id := range h.peers {
		out = append(out, id)
	}
	return out
}

// Close disconnects every peer and rejects further sends.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for id, pc := range h.peers {
		close(pc.send)
		delete(h.peers, id)
	}
	h.mu.Unlock()
	metrics.ConnectedPeers.Set(0)
	return nil
}

func (h *Hub) drop(pc *peerConn) {
	h.mu.Lock()
	if cur, ok := h.peers[pc.peerID]; ok && cur == pc {
		delete(h.peers, pc.peerID)
		close(pc.send)
	}
	n := len(h.peers)
	closed := h.closed
	h.mu.Unlock()
	if !closed {
		metrics.ConnectedPeers.Set(float64(n))
		h.logger.Info("peer disconnected", "peerId", pc.peerID, "total", n)
	}
}

func (h *Hub) readPump(pc *peerConn) {
	defer func() {
		h.drop(pc)
		pc.conn.Close()
	}()

	pc.conn.SetReadLimit(maxPacketBytes)
	pc.conn.SetReadDeadline(time.Now().Add(pongDeadline))
	pc.conn.SetPongHandler(func(string) error {
		pc.conn.SetReadDeadline(time.Now().Add(pongDeadline))
		return nil
	})

	for {
		_, packet, err := pc.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				h.logger.Warn("peer read error", "peerId", pc.peerID, "error", err)
			}
			return
		}
		if handler := h.handler.Load(); handler != nil {
			(*handler)(pc.peerID, packet)
		}
	}
}

func (h *Hub) writePump(pc *peerConn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		pc.conn.Close()
	}()

	for {
		select {
		case packet, ok := <-pc.send:
			pc.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				pc.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := pc.conn.WriteMessage(websocket.BinaryMessage, packet); err != nil {
				h.logger.Warn("peer write error", "peerId", pc.peerID, "error", err)
				return
			}
		case <-ticker.C:
			pc.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := pc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
