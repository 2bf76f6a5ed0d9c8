package relayer

import (
	"context"
	"net"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

const (
	HealthServiceName = "relayer"

	DefaultMonitorInterval = 30 * time.Second
	// DefaultMinBalance is 0.01 SOL; below it the monitor warns on every poll.
	DefaultMinBalance = LamportsPerSOL / 100
)

type BalanceReader interface {
	GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error)
}

// HealthMonitor polls the fee payer balance and mirrors RPC reachability
// into the gRPC health service and the balance gauges.
type HealthMonitor struct {
	logger     *zap.Logger
	rpc        BalanceReader
	pubkey     solana.PublicKey
	interval   time.Duration
	timeout    time.Duration
	minBalance uint64

	health *health.Server
}

func NewHealthMonitor(rpc BalanceReader, pubkey solana.PublicKey, logger *zap.Logger) *HealthMonitor {
	m := &HealthMonitor{
		logger:     logger,
		rpc:        rpc,
		pubkey:     pubkey,
		interval:   DefaultMonitorInterval,
		timeout:    defaultHealthTimeout,
		minBalance: DefaultMinBalance,
		health:     health.NewServer(),
	}
	m.health.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return m
}

func (m *HealthMonitor) SetInterval(interval time.Duration) {
	if interval > 0 {
		m.interval = interval
	}
}

func (m *HealthMonitor) SetMinBalance(lamports uint64) { m.minBalance = lamports }

func (m *HealthMonitor) HealthServer() *health.Server { return m.health }

// Check runs one poll and returns the balance it read.
func (m *HealthMonitor) Check(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	balance, err := m.rpc.GetBalance(ctx, m.pubkey)
	if err != nil {
		RPCUp.Set(0)
		m.health.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		m.logger.Warn("rpc balance check failed", zap.Error(err))
		return 0, err
	}
	RPCUp.Set(1)
	BalanceLamports.Set(float64(balance))
	m.health.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
	if balance < m.minBalance {
		m.logger.Warn("relayer balance is low",
			zap.String("pubkey", m.pubkey.String()),
			zap.String("balanceSOL", lamportsToSOLString(balance)))
	}
	return balance, nil
}

// Run polls until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) {
	_, _ = m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.health.Shutdown()
			return
		case <-ticker.C:
			_, _ = m.Check(ctx)
		}
	}
}

// Serve exposes grpc.health.v1.Health on lis until ctx is done.
func (m *HealthMonitor) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    time.Minute,
		Timeout: 20 * time.Second,
	}))
	healthpb.RegisterHealthServer(srv, m.health)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	m.logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return errors.Wrap(err, "grpc health server")
	}
	return nil
}

// ListenAndServe is Serve on a new TCP listener.
func (m *HealthMonitor) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "could not listen on %s", addr)
	}
	return m.Serve(ctx, lis)
}
