package node

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ilpnet/connector/internal/alerts"
	"github.com/ilpnet/connector/internal/config"
	"github.com/ilpnet/connector/internal/fraud"
	"github.com/ilpnet/connector/internal/pipeline"
)

func testAppConfig() *config.Config {
	return &config.Config{
		NodeID:                 "node-1",
		Port:                   "0",
		Env:                    "development",
		LogLevel:               "error",
		AdminSecret:            "test-secret",
		TokenID:                "ILP",
		LedgerNumber:           1,
		RateCapacity:           100,
		RateRefillPerSec:       100,
		ViolationThreshold:     5,
		ViolationWindow:        time.Minute,
		BlockDuration:          30 * time.Second,
		SettlementPollInterval: time.Hour,
		KeyBackend:             "local",
		DecodeWorkers:          2,
		BatchSize:              10,
		FlushInterval:          20 * time.Millisecond,
	}
}

func newTestNode(t *testing.T, mutate func(*Config)) *Node {
	t.Helper()
	cfg := Config{
		App: testAppConfig(),
		StaticRoutes: []Route{
			{Prefix: "g.b.", NextHop: "peer-b", Priority: 10},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.Shutdown(ctx)
	})
	return n
}

func dialPeer(t *testing.T, srv *httptest.Server, peerID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/peers?peer=" + peerID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", peerID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func encodePacket(t *testing.T, destination string, amount int64) []byte {
	t.Helper()
	p := &pipeline.Packet{
		Destination: destination,
		Amount:      big.NewInt(amount),
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	raw, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return raw
}

func adminGet(t *testing.T, srv *httptest.Server, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer test-secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestNewWiresNode(t *testing.T) {
	n := newTestNode(t, nil)

	srv := httptest.NewServer(n.admin.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	resp = adminGet(t, srv, "/admin/routes")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("routes status = %d", resp.StatusCode)
	}
	var routes struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&routes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if routes.Count != 1 {
		t.Fatalf("routes count = %d", routes.Count)
	}
}

func TestPacketForwardedBetweenPeers(t *testing.T) {
	n := newTestNode(t, nil)

	srv := httptest.NewServer(n.admin.Router())
	defer srv.Close()

	sender := dialPeer(t, srv, "peer-a")
	receiver := dialPeer(t, srv, "peer-b")
	time.Sleep(50 * time.Millisecond)

	raw := encodePacket(t, "g.b.alice", 1000)
	if err := sender.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	receiver.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, got, err := receiver.ReadMessage()
	if err != nil {
		t.Fatalf("receiver read: %v", err)
	}
	decoded, err := pipeline.DecodePacket(got)
	if err != nil {
		t.Fatalf("decode forwarded packet: %v", err)
	}
	if decoded.Destination != "g.b.alice" || decoded.Amount.Int64() != 1000 {
		t.Fatalf("forwarded packet = %s/%s", decoded.Destination, decoded.Amount)
	}

	// The ledger batch flushes on its interval; poll the balance until
	// the debit shows up.
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp := adminGet(t, srv, "/admin/peers/peer-a/balance")
		var bal struct {
			DebitBalance string `json:"debitBalance"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&bal); err != nil {
			t.Fatalf("decode balance: %v", err)
		}
		if bal.DebitBalance == "1000" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("debit balance = %s, want 1000", bal.DebitBalance)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestRejectFrameMirroredToSender(t *testing.T) {
	n := newTestNode(t, nil)

	srv := httptest.NewServer(n.admin.Router())
	defer srv.Close()

	sender := dialPeer(t, srv, "peer-a")
	time.Sleep(50 * time.Millisecond)

	raw := encodePacket(t, "g.unknown.dest", 100)
	if err := sender.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	sender.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err := sender.ReadMessage()
	if err != nil {
		t.Fatalf("sender read: %v", err)
	}
	var reject struct {
		Type string `json:"type"`
		Code string `json:"code"`
	}
	if err := json.Unmarshal(frame, &reject); err != nil {
		t.Fatalf("unmarshal reject: %v", err)
	}
	if reject.Type != "reject" || reject.Code != string(pipeline.RejectNoRoute) {
		t.Fatalf("reject = %+v", reject)
	}
}

func TestFraudDetectionAutoPausesPeer(t *testing.T) {
	n := newTestNode(t, nil)

	// Three critical double-spend hits take the score to 25, under the
	// auto-pause floor of 50.
	now := time.Now()
	claims := []int64{100, 50, 40, 30}
	for _, amount := range claims {
		n.detector.AnalyzeEvent(fraud.Event{
			Type:        fraud.EventClaim,
			PeerID:      "peer-evil",
			ChannelID:   "chan-1",
			Timestamp:   now,
			ClaimAmount: big.NewInt(amount),
		})
	}

	if !n.detector.IsPaused("peer-evil") {
		t.Fatal("peer-evil not auto-paused")
	}
	score := n.tracker.Get("peer-evil")
	if score == nil || score.Score != 25 {
		t.Fatalf("score = %+v", score)
	}
}

func TestTrafficSampleFeedsSpikeRule(t *testing.T) {
	n := newTestNode(t, nil)

	base := time.Now()
	// Two quiet samples establish the peer's average before the spike
	// rule starts judging.
	for i := 0; i < 10; i++ {
		n.noteTraffic("peer-busy")
	}
	n.flushTrafficSample(base)
	for i := 0; i < 10; i++ {
		n.noteTraffic("peer-busy")
	}
	n.flushTrafficSample(base.Add(time.Minute))
	if s := n.tracker.Get("peer-busy"); s != nil && len(s.Violations) != 0 {
		t.Fatalf("baseline samples flagged: %+v", s.Violations)
	}

	for i := 0; i < 200; i++ {
		n.noteTraffic("peer-busy")
	}
	n.flushTrafficSample(base.Add(2 * time.Minute))

	s := n.tracker.Get("peer-busy")
	if s == nil || len(s.Violations) != 1 {
		t.Fatalf("score = %+v", s)
	}
	if s.Violations[0].RuleName != "sudden_traffic_spike" {
		t.Fatalf("rule = %q", s.Violations[0].RuleName)
	}
}

// gatedChannel holds every delivery until the gate opens.
type gatedChannel struct {
	gate chan struct{}
	sent chan alerts.Alert
}

func (c *gatedChannel) Name() string { return "gated" }

func (c *gatedChannel) Send(ctx context.Context, a alerts.Alert) error {
	<-c.gate
	c.sent <- a
	return nil
}

func TestDetectionAlertDoesNotBlockAnalysis(t *testing.T) {
	n := newTestNode(t, nil)
	ch := &gatedChannel{gate: make(chan struct{}), sent: make(chan alerts.Alert, 1)}
	n.notifier = alerts.NewNotifier(alerts.DefaultConfig(), nil, ch, n.logger)

	done := make(chan struct{})
	go func() {
		now := time.Now()
		for _, amount := range []int64{100, 50} {
			n.detector.AnalyzeEvent(fraud.Event{
				Type:        fraud.EventClaim,
				PeerID:      "peer-slow",
				ChannelID:   "chan-9",
				Timestamp:   now,
				ClaimAmount: big.NewInt(amount),
			})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event analysis blocked on alert delivery")
	}

	close(ch.gate)
	select {
	case a := <-ch.sent:
		if a.PeerID != "peer-slow" {
			t.Fatalf("alert peer = %q", a.PeerID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alert never delivered")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	app := testAppConfig()
	app.NodeID = ""
	if _, err := New(Config{App: app}); err == nil {
		t.Fatal("missing node id accepted")
	}

	if _, err := New(Config{}); err == nil {
		t.Fatal("nil app config accepted")
	}
}
