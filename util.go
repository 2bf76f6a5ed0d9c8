package relayer

import (
	"fmt"
	"math/big"
	"net"
	"net/http"
	"regexp"
)

const LamportsPerSOL = 1_000_000_000

// ClientIP returns the host part of RemoteAddr, the rate-limit identity.
// Forwarding headers are only honoured once middleware.RealIP has rewritten
// RemoteAddr, which the server does behind a trusted proxy.
func ClientIP(r *http.Request) string {
	// RemoteAddr may be "host:port", "[host]:port" or a bare host
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

var credentialsInURL = regexp.MustCompile(`//.*:.*@`)

// maskRPCURL hides user:password credentials embedded in an RPC URL.
func maskRPCURL(url string) string {
	return credentialsInURL.ReplaceAllString(url, "//***@")
}

func lamportsToSOL(lamports uint64) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetUint64(lamports), big.NewFloat(LamportsPerSOL)).Float64()
	return f
}

// lamportsToSOLString formats lamports with all nine decimals.
func lamportsToSOLString(lamports uint64) string {
	return fmt.Sprintf("%d.%09d", lamports/LamportsPerSOL, lamports%LamportsPerSOL)
}
