package relayer

import (
	"time"
)

const (
	StatsRelayerRelay = "stats.relayer-relay"
	TypeRelayerRelay  = "relayer_relay"
)

type RelayStatsRecord struct {
	RequestReceivedAt time.Time     `json:"request_received_at"`
	Duration          time.Duration `json:"duration"`
	DurationInMS      int64         `json:"duration_in_ms"`
	ReqID             string        `json:"req_id"`
	ClientIP          string        `json:"client_ip"`
	NodeID            string        `json:"node_id"`
	Signature         string        `json:"signature"`
	FeePayer          string        `json:"fee_payer"`
	Versioned         bool          `json:"versioned"`
	PayloadSize       int           `json:"payload_size"`
	UnitsConsumed     uint64        `json:"units_consumed"`
	BroadcastAttempts int           `json:"broadcast_attempts"`
	Succeeded         bool          `json:"succeeded"`
	ResponseCode      int           `json:"response_code"`
	Err               string        `json:"Err"`
	UserAgent         string        `json:"user_agent"`
}
