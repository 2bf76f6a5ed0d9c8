package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fluent/fluent-logger-golang/fluent"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/uptrace/uptrace-go/uptrace"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/viral-sync/relayer"
	"github.com/viral-sync/relayer/fluentstats"
	"github.com/viral-sync/relayer/ratelimit"
	"github.com/viral-sync/relayer/rpcclient"
)

const (
	defaultBufferLimit = 32 * 1024
	tag                = "relayer.go.log"
	messageField       = "msg"
	timestampFormat    = "2006-01-02T15:04:05.000Z07:00"
)

var (
	// Included in the build process
	_BuildVersion string
	_AppName      = "relayer"
)

func main() {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	var (
		relayerSecret = flag.String("relayer-secret", getEnv("RELAYER_SECRET", ""), "base58 secret key of the fee payer; empty starts in dev mode")
		rpcURL        = flag.String("rpc-url", getEnv("RPC_URL", "https://api.devnet.solana.com"), "solana JSON-RPC endpoint")
		port          = flag.String("port", getEnv("PORT", "3001"), "http listening port")
		grpcAddr      = flag.String("grpc-addr", getEnv("GRPC_ADDR", ""), "grpc health listening address, empty to disable")
		redisURL      = flag.String("redis-url", getEnv("REDIS_URL", ""), "redis URL for a shared rate limit, empty for in-process")
		accessFile    = flag.String("access-list-file", getEnv("ACCESS_LIST_FILE", ""), "yaml file with allow and block lists")
		ipAllowList   = flag.String("ip-allow-list", getEnv("IP_ALLOW_LIST", ""), "comma separated list of identities exempt from the rate limit")
		ipBlockList   = flag.String("ip-block-list", getEnv("IP_BLOCK_LIST", ""), "comma separated list of identities to reject")
		fluentDHost   = flag.String("fluentd-host", getEnv("FLUENTD_HOST", ""), "fluentd host:port")
		uptraceDSN    = flag.String("uptrace-dsn", getEnv("UPTRACE_DSN", ""), "uptrace DSN")
		nodeID        = flag.String("node-id", getEnv("NODE_ID", fmt.Sprintf("relayer-%v", uuid.New().String())), "unique identifier for the node")
		maxRequests   = flag.Int("rate-limit-max", getEnvInt("RATE_LIMIT_MAX", ratelimit.DefaultMaxRequests), "requests allowed per identity per window")
		window        = flag.Duration("rate-limit-window", getEnvDuration("RATE_LIMIT_WINDOW", ratelimit.DefaultWindow), "rate limit window")
		maxTxSize     = flag.Int("max-tx-base64", getEnvInt("MAX_TX_BASE64", relayer.MaxTransactionBase64Len), "longest accepted base64 transaction")
		trustProxy    = flag.Bool("trust-proxy", getEnvBool("TRUST_PROXY", false), "take the client address from X-Forwarded-For and X-Real-IP; only behind a proxy that sets them")
		monitorEvery  = flag.Duration("monitor-interval", getEnvDuration("MONITOR_INTERVAL", relayer.DefaultMonitorInterval), "balance poll interval")
	)
	flag.Parse()

	l := newLogger(_AppName, _BuildVersion)
	if *fluentDHost != "" {
		l = withFluentHook(l, *fluentDHost, *nodeID)
	}
	defer func() {
		if err := l.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "Error syncing log: %v\n", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uptrace.ConfigureOpentelemetry(
		uptrace.WithDSN(*uptraceDSN),
		uptrace.WithServiceName(_AppName),
		uptrace.WithServiceVersion(_BuildVersion),
		uptrace.WithDeploymentEnvironment(*nodeID),
	)
	defer func() {
		ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := uptrace.Shutdown(ctxWithTimeout); err != nil {
			l.Error("failed to shutdown uptrace", zap.Error(err))
		}
	}()
	tracer := otel.Tracer("main")

	fluentLogger := fluentstats.NewStats(*fluentDHost, l)

	authority, err := relayer.LoadAuthority(*relayerSecret, l)
	if err != nil {
		l.Fatal("failed to load relayer keypair", zap.Error(err))
	}

	rpc := rpcclient.New(*rpcURL, rpcclient.WithHTTPClient(&http.Client{Timeout: rpcclient.DefaultTimeout}))
	defer rpc.Close()

	accessList := relayer.NewAccessList(*ipAllowList, *ipBlockList)
	if *accessFile != "" {
		fromFile, err := relayer.LoadAccessListFromYAML(*accessFile)
		if err != nil {
			l.Fatal("could not load access list", zap.Error(err))
		}
		accessList = accessList.Merge(fromFile)
	}

	limitCfg := ratelimit.Config{MaxRequests: *maxRequests, Window: *window}
	var limiter ratelimit.Store
	if *redisURL != "" {
		store, err := ratelimit.NewRedisStoreFromURL(ctx, *redisURL, limitCfg)
		if err != nil {
			l.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer store.Close()
		limiter = store
	} else {
		store := ratelimit.NewMemoryStore(limitCfg)
		go ratelimit.RunSweeper(ctx, store, ratelimit.DefaultSweepInterval, l)
		limiter = store
	}

	svc := relayer.NewService(
		relayer.WithSvcLogger(l),
		relayer.WithNodeID(*nodeID),
		relayer.WithSvcTracer(tracer),
		relayer.WithSvcFluentD(fluentLogger),
		relayer.WithAuthority(authority),
		relayer.WithRPCClient(rpc),
		relayer.WithMaxTransactionSize(*maxTxSize),
	)

	listenAddr := ":" + *port
	server := relayer.New(
		relayer.WithLogger(l),
		relayer.WithListenAddress(listenAddr),
		relayer.WithService(svc),
		relayer.WithTracer(tracer),
		relayer.WithFluentD(fluentLogger),
		relayer.WithAccessFilter(relayer.AccessFilter{IPs: accessList}),
		relayer.WithRateLimiter(limiter),
		relayer.WithTrustProxy(*trustProxy),
		relayer.WithServerNodeID(*nodeID),
	)

	monitor := relayer.NewHealthMonitor(rpc, authority.PublicKey(), l)
	monitor.SetInterval(*monitorEvery)
	go monitor.Run(ctx)
	if *grpcAddr != "" {
		go func() {
			if err := monitor.ListenAndServe(ctx, *grpcAddr); err != nil {
				l.Error("grpc health server stopped", zap.Error(err))
			}
		}()
	}

	l.Info("relayer started",
		zap.String("port", *port),
		zap.String("rpc", *rpcURL),
		zap.String("relayerPubkey", authority.PublicKey().String()),
		zap.String("mode", authority.Mode()),
		zap.String("nodeID", *nodeID),
		zap.String("grpcAddr", *grpcAddr),
		zap.Bool("redisRateLimit", *redisURL != ""),
		zap.Int("rateLimitMax", limitCfg.MaxRequests),
		zap.Duration("rateLimitWindow", limitCfg.Window),
		zap.Int("allowListed", len(accessList.AllowList)),
		zap.Int("blockListed", len(accessList.BlockList)),
	)

	exit := make(chan struct{})
	go func() {
		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
		<-shutdown
		l.Warn("shutting down")
		signal.Stop(shutdown)
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := server.Stop(stopCtx); err != nil {
			l.Error("failed to stop http server", zap.Error(err))
		}
		close(exit)
	}()

	if err := server.Start(); err != nil {
		l.Fatal("http server failed", zap.Error(err))
	}
	<-exit
}

func newLogger(appName, version string) *zap.Logger {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if lvl, ok := os.LookupEnv("LOG_LEVEL"); ok {
		if parsed, err := zapcore.ParseLevel(lvl); err == nil {
			level.SetLevel(parsed)
		}
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339Nano)

	logWriter := zapcore.AddSync(&zapcore.BufferedWriteSyncer{
		WS:            zapcore.Lock(os.Stdout),
		Size:          256 * 1024,
		FlushInterval: time.Second,
	})

	zapCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), logWriter, level)
	logger := zap.New(zapCore, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr)))
	return logger.With(zap.String("app", appName), zap.String("buildVersion", version))
}

// withFluentHook mirrors every log entry to fluentd.
func withFluentHook(l *zap.Logger, fluentDHost, nodeID string) *zap.Logger {
	host, port, err := net.SplitHostPort(fluentDHost)
	if err != nil {
		l.Fatal("error parsing fluentd host", zap.Error(err))
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		l.Fatal("error parsing fluentd port", zap.Error(err))
	}
	fluentLogger, err := fluent.New(fluent.Config{
		FluentHost:    host,
		FluentPort:    portInt,
		MarshalAsJSON: true,
		Async:         true,
		BufferLimit:   defaultBufferLimit,
	})
	if err != nil {
		l.Fatal("failed to create fluentd logger", zap.Error(err))
	}
	return l.WithOptions(zap.Hooks(func(entry zapcore.Entry) error {
		return fluentLogger.EncodeAndPostData(tag, time.Now(), map[string]string{
			messageField: entry.Message,
			"level":      entry.Level.String(),
			"instance":   nodeID,
			"timestamp":  time.Now().Format(timestampFormat),
		})
	}))
}

func getEnv(key string, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
