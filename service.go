package relayer

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/valyala/fastjson"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/viral-sync/relayer/fluentstats"
	"github.com/viral-sync/relayer/rpcclient"
	"github.com/viral-sync/relayer/solanatx"
)

const (
	// MaxTransactionBase64Len bounds the encoded payload before any decoding.
	MaxTransactionBase64Len = 2_000_000

	maxSimulationLogs       = 10
	defaultHealthTimeout    = 3 * time.Second
	defaultBroadcastRetries = 3
	defaultBroadcastBackoff = 200 * time.Millisecond

	relayMethod  = "relay"
	healthMethod = "health"

	fieldTransactionBase64 = "transactionBase64"
)

// RPCClient is the subset of the node API the relay pipeline needs.
type RPCClient interface {
	SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*rpcclient.SimulationResult, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error)
	URL() string
}

type IService interface {
	Relay(ctx context.Context, in *RelayParams) (*RelayResponse, *LogMetric, error)
	Health(ctx context.Context) (*HealthResponse, error)
}

type Service struct {
	logger  *zap.Logger
	nodeID  string
	tracer  trace.Tracer
	fluentD fluentstats.Stats

	authority *Authority
	rpc       RPCClient

	startedAt        time.Time
	maxBase64Len     int
	healthTimeout    time.Duration
	broadcastRetries int
	broadcastBackoff time.Duration

	parserPool fastjson.ParserPool
}

func NewService(opts ...ServiceOption) *Service {
	svc := &Service{
		logger:           zap.NewNop(),
		tracer:           noop.NewTracerProvider().Tracer("relayer"),
		fluentD:          fluentstats.NoStats{},
		startedAt:        time.Now(),
		maxBase64Len:     MaxTransactionBase64Len,
		healthTimeout:    defaultHealthTimeout,
		broadcastRetries: defaultBroadcastRetries,
		broadcastBackoff: defaultBroadcastBackoff,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Relay validates, co-signs, simulates and broadcasts one transaction. Every
// failure is an *ErrorResp carrying the HTTP status to answer with.
func (s *Service) Relay(ctx context.Context, in *RelayParams) (_ *RelayResponse, _ *LogMetric, err error) {
	ctx, span := s.tracer.Start(ctx, "relay-start")
	defer span.End()

	logMetric := NewLogMetric(
		[]zap.Field{
			zap.String("method", relayMethod),
			zap.String("clientIP", in.ClientIP),
			zap.String("reqID", in.RequestID),
			zap.String("traceID", span.SpanContext().TraceID().String()),
			zap.Int("payloadSize", len(in.Payload)),
		},
		[]attribute.KeyValue{
			attribute.String("method", relayMethod),
			attribute.String("clientIP", in.ClientIP),
			attribute.String("reqID", in.RequestID),
			attribute.String("traceID", span.SpanContext().TraceID().String()),
			attribute.Int("payloadSize", len(in.Payload)),
		},
	)
	logMetric.Time("receivedAt", in.ReceivedAt)
	span.SetAttributes(logMetric.GetAttributes()...)

	record := RelayStatsRecord{
		RequestReceivedAt: in.ReceivedAt,
		ReqID:             in.RequestID,
		ClientIP:          in.ClientIP,
		NodeID:            s.nodeID,
		PayloadSize:       len(in.Payload),
		UserAgent:         in.UserAgent,
	}
	outcome := outcomeInvalid
	defer func() {
		record.Duration = time.Since(in.ReceivedAt)
		record.DurationInMS = record.Duration.Milliseconds()
		record.Succeeded = err == nil
		record.ResponseCode = http.StatusOK
		if err != nil {
			record.Err = err.Error()
			var resp *ErrorResp
			if errors.As(err, &resp) {
				record.ResponseCode = resp.Code
			}
			span.SetStatus(otelcodes.Error, err.Error())
		}
		if err == nil {
			outcome = outcomeSuccess
		}
		RelayRequestsTotal.WithLabelValues(outcome).Inc()
		RelayDurationSeconds.WithLabelValues(outcome).Observe(record.Duration.Seconds())
		s.fluentD.LogToFluentD(fluentstats.Record{
			Type: TypeRelayerRelay,
			Data: record,
		}, time.Now().UTC(), s.nodeID, StatsRelayerRelay)
	}()

	txBase64, errResp := s.parseRelayRequest(in.Payload)
	if errResp != nil {
		logMetric.String("relayError", errResp.Message)
		return nil, logMetric, errResp
	}

	_, decodeSpan := s.tracer.Start(ctx, "relay-decode")
	tx, errResp := decodeTransaction(txBase64)
	decodeSpan.End()
	if errResp != nil {
		logMetric.String("relayError", errResp.Message)
		return nil, logMetric, errResp
	}
	record.Versioned = tx.Message.IsVersioned()
	logMetric.Bool("versioned", record.Versioned)
	if payer, ok := solanatx.FeePayer(tx); ok {
		record.FeePayer = payer.String()
		logMetric.String("feePayer", payer.String())
	}

	if err := s.authority.CoSign(tx); err != nil {
		logMetric.Error(err)
		if errors.Is(err, solanatx.ErrNotSigner) {
			return nil, logMetric, toErrorResp(http.StatusBadRequest, errMsgNotFeePayer, logMetric.GetFields()...)
		}
		outcome = outcomeRPCError
		return nil, logMetric, toErrorResp(http.StatusInternalServerError, err.Error(), logMetric.GetFields()...)
	}
	simCtx, simSpan := s.tracer.Start(ctx, "relay-simulate")
	sim, err := s.rpc.SimulateTransaction(simCtx, tx)
	simSpan.End()
	if err != nil {
		logMetric.Error(err)
		var simErr *rpcclient.SimulationError
		if errors.As(err, &simErr) {
			outcome = outcomeSimulationFailed
			s.logger.Warn("simulation failed", append(logMetric.GetFields(), zap.ByteString("simulationErr", simErr.Err))...)
			resp := toErrorResp(http.StatusBadRequest, errMsgSimulationFailed, logMetric.GetFields()...)
			resp.Logs = simErr.LastLogs(maxSimulationLogs)
			return nil, logMetric, resp
		}
		outcome = outcomeRPCError
		return nil, logMetric, toErrorResp(http.StatusInternalServerError, err.Error(), logMetric.GetFields()...)
	}
	record.UnitsConsumed = sim.UnitsConsumed
	logMetric.Int64("unitsConsumed", int64(sim.UnitsConsumed))

	sendCtx, sendSpan := s.tracer.Start(ctx, "relay-broadcast")
	broadcastStart := time.Now()
	signature, attempts, err := s.broadcast(sendCtx, tx)
	sendSpan.SetAttributes(attribute.Int("attempts", attempts))
	sendSpan.End()
	record.BroadcastAttempts = attempts
	logMetric.Int64("broadcastAttempts", int64(attempts))
	logMetric.Duration("broadcastDuration", time.Since(broadcastStart))
	if err != nil {
		outcome = outcomeBroadcastFailed
		logMetric.Error(err)
		return nil, logMetric, toErrorResp(http.StatusInternalServerError, err.Error(), logMetric.GetFields()...)
	}

	record.Signature = signature
	logMetric.String("signature", signature)
	return &RelayResponse{Signature: signature, Status: StatusSuccess}, logMetric, nil
}

// parseRelayRequest checks the body shape and the encoded length before
// anything is decoded.
func (s *Service) parseRelayRequest(payload []byte) (string, *ErrorResp) {
	p := s.parserPool.Get()
	defer s.parserPool.Put(p)

	v, err := p.ParseBytes(payload)
	if err != nil || v.Type() != fastjson.TypeObject {
		return "", toErrorResp(http.StatusBadRequest, errMsgMissingTransaction)
	}
	field := v.Get(fieldTransactionBase64)
	if field == nil || field.Type() != fastjson.TypeString {
		return "", toErrorResp(http.StatusBadRequest, errMsgMissingTransaction)
	}
	encoded := field.GetStringBytes()
	if len(encoded) == 0 {
		return "", toErrorResp(http.StatusBadRequest, errMsgMissingTransaction)
	}
	if len(encoded) > s.maxBase64Len {
		return "", toErrorResp(http.StatusBadRequest, errMsgTooLarge)
	}
	return string(encoded), nil
}

func decodeTransaction(txBase64 string) (*solana.Transaction, *ErrorResp) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return nil, toErrorResp(http.StatusBadRequest, errMsgInvalidEncoding, zap.Error(err))
	}
	tx, err := solanatx.Decode(raw)
	if err != nil {
		return nil, toErrorResp(http.StatusBadRequest, errMsgInvalidTransaction+": "+err.Error(), zap.Error(err))
	}
	return tx, nil
}

// broadcast sends tx, repeating only on transport failures. Errors the node
// answered with are final.
func (s *Service) broadcast(ctx context.Context, tx *solana.Transaction) (string, int, error) {
	var (
		signature string
		attempts  int
	)
	op := func() error {
		attempts++
		if attempts > 1 {
			BroadcastRetriesTotal.Inc()
		}
		sig, err := s.rpc.SendTransaction(ctx, tx)
		if err != nil {
			if !rpcclient.IsTransportError(err) {
				return backoff.Permanent(err)
			}
			s.logger.Warn("broadcast attempt failed", zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
		signature = sig.String()
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.broadcastBackoff
	b.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.broadcastRetries)), ctx))
	return signature, attempts, err
}

// Health reads the authority balance within the health timeout.
func (s *Service) Health(ctx context.Context) (*HealthResponse, error) {
	ctx, span := s.tracer.Start(ctx, "health-start")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.healthTimeout)
	defer cancel()

	pubkey := s.authority.PublicKey()
	balance, err := s.rpc.GetBalance(ctx, pubkey)
	if err != nil {
		RPCUp.Set(0)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, toErrorResp(http.StatusInternalServerError, errMsgRPCOffline+": "+err.Error(), zap.String("method", healthMethod), zap.Error(err))
	}
	RPCUp.Set(1)
	BalanceLamports.Set(float64(balance))
	span.SetAttributes(attribute.Int64("balance", int64(balance)))

	return &HealthResponse{
		Status:        StatusOK,
		RelayerPubkey: pubkey.String(),
		Balance:       balance,
		BalanceSOL:    lamportsToSOL(balance),
		RPCURL:        maskRPCURL(s.rpc.URL()),
		Uptime:        time.Since(s.startedAt).Seconds(),
		Mode:          s.authority.Mode(),
	}, nil
}

func (s *Service) Authority() *Authority { return s.authority }

// MaxTransactionSize is the longest accepted base64 transaction.
func (s *Service) MaxTransactionSize() int { return s.maxBase64Len }
