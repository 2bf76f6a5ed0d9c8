package common

const (
	PathIndex   = "/"
	PathRelay   = "/relay"
	PathHealth  = "/health"
	PathMetrics = "/metrics"

	// Blink action metadata is served elsewhere; only preflight is answered here.
	PathActionsPrefix = "/actions"
	PathActions       = "/actions/*"
)
