// Connector - an Interledger-style payment packet router
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/ilpnet/connector/internal/config"
	"github.com/ilpnet/connector/internal/logging"
	"github.com/ilpnet/connector/internal/node"
	"github.com/ilpnet/connector/internal/settlement"
	"github.com/ilpnet/connector/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting connector",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"node_id", cfg.NodeID,
		"token", cfg.TokenID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer func() { _ = shutdownTraces(context.Background()) }()
	}

	n, err := node.New(node.Config{
		App:               cfg,
		SettlementPeers:   parseSettlementPeers(os.Getenv("SETTLEMENT_PEERS")),
		XRPClaimEndpoints: parsePairs(os.Getenv("XRP_CLAIM_ENDPOINTS")),
		StaticRoutes:      parseRoutes(os.Getenv("STATIC_ROUTES")),
	})
	if err != nil {
		logger.Error("failed to build node", "error", err)
		os.Exit(1)
	}

	if err := n.Run(ctx); err != nil {
		n.Logger().Error("node error", "error", err)
		os.Exit(1)
	}
}

// parseRoutes reads "prefix:nextHop:priority" entries, comma separated.
// Priority is optional and defaults to 0.
func parseRoutes(s string) []node.Route {
	var routes []node.Route
	for _, part := range splitList(s) {
		fields := strings.Split(part, ":")
		if len(fields) < 2 {
			continue
		}
		r := node.Route{Prefix: fields[0], NextHop: fields[1]}
		if len(fields) >= 3 {
			if p, err := strconv.Atoi(fields[2]); err == nil {
				r.Priority = p
			}
		}
		routes = append(routes, r)
	}
	return routes
}

// parseSettlementPeers reads "peer:method:address" entries, comma
// separated. Method is evm or xrp.
func parseSettlementPeers(s string) map[string]settlement.PeerConfig {
	peers := make(map[string]settlement.PeerConfig)
	for _, part := range splitList(s) {
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			continue
		}
		peers[fields[0]] = settlement.PeerConfig{
			Method:  settlement.Method(fields[1]),
			Address: fields[2],
		}
	}
	return peers
}

// parsePairs reads "key=value" entries, comma separated.
func parsePairs(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range splitList(s) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
