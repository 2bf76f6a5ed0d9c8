package relayer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	gjson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/viral-sync/relayer/common"
	"github.com/viral-sync/relayer/fluentstats"
	"github.com/viral-sync/relayer/ratelimit"
)

// bodyHeadroom covers the JSON wrapper around the encoded transaction.
const bodyHeadroom = 1 << 10

type contextKey string

var keyClientIP contextKey = "clientIP"

type Server struct {
	logger        *zap.Logger
	server        *http.Server
	svc           IService
	listenAddress string

	tracer       trace.Tracer
	fluentD      fluentstats.Stats
	accessFilter AccessFilter
	limiter      ratelimit.Store
	maxBodyBytes int64
	trustProxy   bool
	now          func() time.Time

	NodeID string
}

func New(opts ...ServerOption) *Server {
	server := &Server{
		logger:  zap.NewNop(),
		tracer:  noop.NewTracerProvider().Tracer("relayer"),
		fluentD: fluentstats.NoStats{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(server)
	}
	if server.maxBodyBytes == 0 {
		server.maxBodyBytes = int64(maxTransactionSize(server.svc)) + bodyHeadroom
	}
	return server
}

// maxTransactionSize is the encoded transaction ceiling the service enforces,
// so the body cap never rejects a transaction the service would accept.
func maxTransactionSize(svc IService) int {
	if sized, ok := svc.(interface{ MaxTransactionSize() int }); ok && sized.MaxTransactionSize() > 0 {
		return sized.MaxTransactionSize()
	}
	return MaxTransactionBase64Len
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.listenAddress,
		Handler:           s.InitHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       10 * time.Second,
	}
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) InitHandler() *chi.Mux {
	handler := chi.NewRouter()
	handler.Use(middleware.RequestID)
	if s.trustProxy {
		handler.Use(middleware.RealIP)
	}
	handler.Use(middleware.Recoverer)
	handler.Use(addCORS())

	handler.Get(common.PathIndex, s.HandleIndex)
	handler.Get(common.PathHealth, s.HandleHealth)
	handler.Method(http.MethodGet, common.PathMetrics, promhttp.Handler())

	handler.Options(common.PathRelay, s.HandleOptions)
	handler.Options(common.PathActions, s.HandleOptions)
	handler.With(s.Middleware).Post(common.PathRelay, s.HandleRelay)

	s.logger.Info("init relayer handler")
	return handler
}

func addCORS() func(next http.Handler) http.Handler {
	corsOpts := cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: common.CORSAllowedHeaders,
	}
	return cors.Handler(corsOpts)
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.authorize(w, r, next)
	})
}

// authorize applies the access lists and the per-identity rate limit. A
// failing rate-limit store lets the request through.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, next http.Handler) {
	clientIP := ClientIP(r)
	allowed, blocked := s.accessFilter.IPs.Check(clientIP)
	if blocked {
		s.logger.Warn("ip access denied", zap.String("ip", clientIP), zap.String("url", r.URL.String()))
		RelayRequestsTotal.WithLabelValues(outcomeDenied).Inc()
		writeJSON(w, http.StatusForbidden, &ErrorResp{Message: errMsgAccessDenied})
		return
	}

	if !allowed && s.limiter != nil {
		ok, err := s.limiter.Allow(r.Context(), clientIP, s.now())
		switch {
		case err != nil:
			RateLimitErrorsTotal.Inc()
			s.logger.Warn("rate limit store unavailable, allowing request", zap.String("ip", clientIP), zap.Error(err))
		case !ok:
			s.logger.Warn("rate limit exceeded", zap.String("ip", clientIP))
			RelayRequestsTotal.WithLabelValues(outcomeRateLimited).Inc()
			writeJSON(w, http.StatusTooManyRequests, &ErrorResp{Message: errMsgRateLimited})
			return
		}
	}

	ctx := context.WithValue(r.Context(), keyClientIP, clientIP)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func (s *Server) HandleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", strings.Join(common.CORSAllowedHeaders, ", "))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) HandleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "relayer", "nodeID": s.NodeID})
}

func (s *Server) HandleRelay(w http.ResponseWriter, r *http.Request) {
	receivedAt := s.now()
	parentSpan := trace.SpanFromContext(r.Context())
	ctx := trace.ContextWithSpan(context.Background(), parentSpan)
	ctx, span := s.tracer.Start(ctx, "HandleRelay-start")
	defer span.End()

	clientIP, _ := r.Context().Value(keyClientIP).(string)
	if clientIP == "" {
		clientIP = ClientIP(r)
	}
	reqID := middleware.GetReqID(r.Context())
	if reqID == "" {
		reqID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("method", relayMethod),
		attribute.String("clientIP", clientIP),
		attribute.String("reqID", reqID),
		attribute.String("traceID", span.SpanContext().TraceID().String()),
	)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		logMetric := NewLogMetric([]zap.Field{zap.String("clientIP", clientIP), zap.String("reqID", reqID)}, nil)
		logMetric.Error(err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			RelayRequestsTotal.WithLabelValues(outcomeInvalid).Inc()
			respondError(ctx, relayMethod, w, toErrorResp(http.StatusBadRequest, errMsgTooLarge), s.logger, s.tracer, logMetric)
			return
		}
		respondError(ctx, relayMethod, w, toErrorResp(http.StatusBadRequest, errMsgMissingTransaction), s.logger, s.tracer, logMetric)
		return
	}

	out, logMetric, err := s.svc.Relay(ctx, &RelayParams{
		ReceivedAt: receivedAt,
		Payload:    body,
		ClientIP:   clientIP,
		RequestID:  reqID,
		UserAgent:  r.Header.Get(common.HeaderUserAgent),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		respondError(ctx, relayMethod, w, err, s.logger, s.tracer, logMetric)
		return
	}
	respondOK(ctx, relayMethod, w, out, s.logger, s.tracer, logMetric)
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	parentSpan := trace.SpanFromContext(r.Context())
	ctx := trace.ContextWithSpan(context.Background(), parentSpan)
	ctx, span := s.tracer.Start(ctx, "HandleHealth-start")
	defer span.End()

	out, err := s.svc.Health(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, &HealthErrorResponse{Status: StatusError, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set(common.HeaderContentType, common.MediaTypeJSON)
	w.WriteHeader(code)
	_ = gjson.NewEncoder(w).Encode(body)
}

func respondOK(ctx context.Context, method string, w http.ResponseWriter, response any, log *zap.Logger, tracer trace.Tracer, logMetric *LogMetric) {
	_, span := tracer.Start(ctx, "respondOK-"+method)
	defer span.End()
	if logMetric == nil {
		logMetric = NewLogMetric(nil, nil)
	}
	logMetric.Attributes(
		attribute.String("method", method),
		attribute.Int("responseCode", http.StatusOK),
		attribute.String("traceID", span.SpanContext().TraceID().String()),
	)
	span.SetAttributes(logMetric.GetAttributes()...)

	w.Header().Set(common.HeaderContentType, common.MediaTypeJSON)
	if err := gjson.NewEncoder(w).Encode(response); err != nil {
		span.SetStatus(codes.Error, "couldn't write OK response")
		log.Error("couldn't write OK response", append(logMetric.GetFields(), zap.Error(err))...)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	log.Info(method+" succeeded", logMetric.GetFields()...)
}

func respondError(ctx context.Context, method string, w http.ResponseWriter, err error, log *zap.Logger, tracer trace.Tracer, logMetric *LogMetric) {
	_, span := tracer.Start(ctx, "respondError-"+method)
	defer span.End()
	if logMetric == nil {
		logMetric = NewLogMetric(nil, nil)
	}
	logMetric.Attributes(
		attribute.String("method", method),
		attribute.String("Err", err.Error()),
		attribute.String("traceID", span.SpanContext().TraceID().String()),
	)
	span.SetAttributes(logMetric.GetAttributes()...)

	var resp *ErrorResp
	if !errors.As(err, &resp) {
		log.Error("failed to typecast error response", append(logMetric.GetFields(), zap.Error(err))...)
		span.SetStatus(codes.Error, "failed to typecast error response")
		writeJSON(w, http.StatusInternalServerError, &ErrorResp{Message: err.Error()})
		return
	}
	span.SetAttributes(attribute.Int("responseCode", resp.Code))

	logMetric.Fields(resp.fields...)
	fields := append(logMetric.GetFields(), zap.Int("responseCode", resp.Code), zap.String("error", resp.Message))
	if resp.Code >= http.StatusInternalServerError {
		log.Error(method+" failed", fields...)
	} else {
		log.Warn(method+" rejected", fields...)
	}

	w.Header().Set(common.HeaderContentType, common.MediaTypeJSON)
	w.WriteHeader(resp.Code)
	if err := gjson.NewEncoder(w).Encode(resp); err != nil {
		span.SetStatus(codes.Error, "couldn't write error response")
		log.Error("couldn't write error response", append(logMetric.GetFields(), zap.Error(err))...)
	}
}
