package common

const (
	MediaTypeJSON = "application/json"

	HeaderAccept          = "Accept"
	HeaderContentType     = "Content-Type"
	HeaderUserAgent       = "User-Agent"
	HeaderXForwardedFor   = "X-Forwarded-For"
	HeaderContentEncoding = "Content-Encoding"
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderAuthorization   = "Authorization"
	HeaderRequestID       = "X-Request-Id"
)

// CORSAllowedHeaders is the header list advertised on relay and action
// preflight responses.
var CORSAllowedHeaders = []string{
	HeaderContentType,
	HeaderAuthorization,
	HeaderContentEncoding,
	HeaderAcceptEncoding,
}
