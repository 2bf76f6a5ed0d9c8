package relayer

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/viral-sync/relayer/fluentstats"
	"github.com/viral-sync/relayer/ratelimit"
)

type ServerOption func(*Server)

func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithService(svc IService) ServerOption {
	return func(s *Server) {
		s.svc = svc
	}
}

func WithListenAddress(address string) ServerOption {
	return func(s *Server) {
		s.listenAddress = address
	}
}

func WithTracer(tracer trace.Tracer) ServerOption {
	return func(s *Server) {
		s.tracer = tracer
	}
}

func WithFluentD(fluentD fluentstats.Stats) ServerOption {
	return func(s *Server) {
		s.fluentD = fluentD
	}
}

func WithAccessFilter(filter AccessFilter) ServerOption {
	return func(s *Server) {
		s.accessFilter = filter
	}
}

func WithRateLimiter(store ratelimit.Store) ServerOption {
	return func(s *Server) {
		s.limiter = store
	}
}

func WithServerNodeID(nodeID string) ServerOption {
	return func(s *Server) {
		s.NodeID = nodeID
	}
}

// WithMaxBodyBytes caps how much of a relay body is read.
func WithMaxBodyBytes(n int64) ServerOption {
	return func(s *Server) {
		s.maxBodyBytes = n
	}
}

// WithTrustProxy makes the server take the client address from
// True-Client-IP, X-Real-IP or X-Forwarded-For. Enable it only when every
// request passes through a proxy that overwrites those headers.
func WithTrustProxy(trust bool) ServerOption {
	return func(s *Server) {
		s.trustProxy = trust
	}
}

func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		s.now = now
	}
}

type ServiceOption func(*Service)

func WithSvcLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithNodeID(nodeID string) ServiceOption {
	return func(s *Service) {
		s.nodeID = nodeID
	}
}

func WithSvcTracer(tracer trace.Tracer) ServiceOption {
	return func(s *Service) {
		s.tracer = tracer
	}
}

func WithSvcFluentD(fluentD fluentstats.Stats) ServiceOption {
	return func(s *Service) {
		s.fluentD = fluentD
	}
}

func WithAuthority(authority *Authority) ServiceOption {
	return func(s *Service) {
		s.authority = authority
	}
}

func WithRPCClient(client RPCClient) ServiceOption {
	return func(s *Service) {
		s.rpc = client
	}
}

// WithBroadcastRetries sets how many extra broadcast attempts a transport
// failure may trigger, and the first delay between them.
func WithBroadcastRetries(retries int, initialDelay time.Duration) ServiceOption {
	return func(s *Service) {
		s.broadcastRetries = retries
		s.broadcastBackoff = initialDelay
	}
}

func WithHealthTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		s.healthTimeout = timeout
	}
}

func WithStartTime(t time.Time) ServiceOption {
	return func(s *Service) {
		s.startedAt = t
	}
}

func WithMaxTransactionSize(base64Len int) ServiceOption {
	return func(s *Service) {
		s.maxBase64Len = base64Len
	}
}
