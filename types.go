package relayer

import "time"

// RelayParams holds the input parameters for relaying a transaction.
type RelayParams struct {
	// The time when the relay request was received.
	ReceivedAt time.Time
	// The raw request body, expected to be {"transactionBase64": "..."}.
	Payload []byte
	// Client identity used for access control and rate limiting.
	ClientIP string
	RequestID string
	UserAgent string
}

// RelayResponse is the body of a successful relay.
type RelayResponse struct {
	Signature string `json:"signature"`
	Status    string `json:"status"`
}

const (
	StatusSuccess = "success"
	StatusOK      = "ok"
	StatusError   = "error"

	ModeProduction = "Production"
	ModeDev        = "Dev (random keypair)"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string  `json:"status"`
	RelayerPubkey string  `json:"relayerPubkey,omitempty"`
	Balance       uint64  `json:"balance"`
	BalanceSOL    float64 `json:"balanceSOL"`
	RPCURL        string  `json:"rpcUrl,omitempty"`
	Uptime        float64 `json:"uptime"`
	Mode          string  `json:"mode,omitempty"`
}

type HealthErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}
