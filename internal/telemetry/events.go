// Package telemetry streams connector events to an external observability
// endpoint over a single long-lived websocket.
package telemetry

import (
	"encoding/json"
	"math/big"
	"time"
)

// EventType tags a telemetry event.
type EventType string

const (
	EventNodeStatus          EventType = "NODE_STATUS"
	EventPacketReceived      EventType = "PACKET_RECEIVED"
	EventPacketSent          EventType = "PACKET_SENT"
	EventRouteLookup         EventType = "ROUTE_LOOKUP"
	EventLog                 EventType = "LOG"
	EventAccountBalance      EventType = "ACCOUNT_BALANCE"
	EventSettlementTriggered EventType = "SETTLEMENT_TRIGGERED"
	EventSettlementCompleted EventType = "SETTLEMENT_COMPLETED"
	EventXRPChannelOpened    EventType = "XRP_CHANNEL_OPENED"
	EventXRPChannelClaimed   EventType = "XRP_CHANNEL_CLAIMED"
	EventXRPChannelClosed    EventType = "XRP_CHANNEL_CLOSED"
	EventAgentBalanceChanged EventType = "AGENT_BALANCE_CHANGED"
)

// Event is one telemetry record. It serializes flat: type, nodeId, and
// timestamp sit beside the event-specific fields rather than nesting
// them. Monetary values are strings; timestamps are RFC 3339.
type Event struct {
	Type      EventType
	NodeID    string
	Timestamp time.Time
	Fields    map[string]any
}

func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		flat[k] = normalize(v)
	}
	flat["type"] = string(e.Type)
	flat["nodeId"] = e.NodeID
	flat["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339)
	return json.Marshal(flat)
}

// normalize converts values that must not serialize as JSON numbers or
// native time encodings.
func normalize(v any) any {
	switch x := v.(type) {
	case *big.Int:
		if x == nil {
			return nil
		}
		return x.String()
	case big.Int:
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalize(val)
		}
		return out
	default:
		return v
	}
}
