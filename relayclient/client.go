// Package relayclient is the client half of the gasless relay protocol: it
// ships session-signed transactions to a relayer and tracks their outcome.
package relayclient

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/viral-sync/relayer/common"
	"github.com/viral-sync/relayer/httpclient"
	"github.com/viral-sync/relayer/solanatx"
)

const (
	DefaultURL           = "http://localhost:3001"
	DefaultHealthTimeout = 3 * time.Second
	DefaultMaxAttempts   = 3
	DefaultBaseDelay     = 600 * time.Millisecond
)

var ErrRelayerOffline = errors.New("relayer offline")

type Client struct {
	url         string
	httpClient  *http.Client
	logger      *zap.Logger
	maxAttempts int
	baseDelay   time.Duration
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(cl *Client) {
		cl.maxAttempts = max(1, maxAttempts)
		cl.baseDelay = max(100*time.Millisecond, baseDelay)
	}
}

func New(url string, opts ...Option) *Client {
	if url == "" {
		url = DefaultURL
	}
	c := &Client{
		url:         strings.TrimRight(url, "/"),
		httpClient:  http.DefaultClient,
		logger:      zap.NewNop(),
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type relayRequest struct {
	TransactionBase64 string `json:"transactionBase64"`
}

type relayResponse struct {
	Signature string `json:"signature"`
	Status    string `json:"status"`
}

// Result is a relayed transaction's id and how many attempts it took.
type Result struct {
	Signature string
	Attempts  int
}

// Relay posts tx once. Empty signature slots are sent as zeros for the
// relayer to fill. A rejection by the relayer is returned as
// *httpclient.ResponseError carrying the relayer's message and logs.
func (c *Client) Relay(ctx context.Context, tx *solana.Transaction) (*Result, error) {
	encoded, err := solanatx.EncodeBase64(tx)
	if err != nil {
		return nil, err
	}
	var resp relayResponse
	_, duration, err := httpclient.Fetch(ctx, c.httpClient, http.MethodPost, c.url+common.PathRelay, relayRequest{TransactionBase64: encoded}, &resp, nil)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("relayed transaction", zap.String("signature", resp.Signature), zap.Int64("durationMs", duration))
	return &Result{Signature: resp.Signature, Attempts: 1}, nil
}

// RelayWithRetry calls Relay until it succeeds or the attempts run out.
// Validation and simulation rejections are not retried.
func (c *Client) RelayWithRetry(ctx context.Context, tx *solana.Transaction) (*Result, error) {
	attempts := 0
	var result *Result
	op := func() error {
		attempts++
		res, err := c.Relay(ctx, tx)
		if err != nil {
			if !Recoverable(err) {
				return backoff.Permanent(err)
			}
			c.logger.Warn("relay attempt failed", zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
		result = res
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxAttempts-1)), ctx))
	if err != nil {
		return nil, err
	}
	result.Attempts = attempts
	return result, nil
}

// Recoverable reports whether a failed relay may succeed if sent again:
// network errors, rate limiting and server-side failures.
func Recoverable(err error) bool {
	var respErr *httpclient.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode >= http.StatusInternalServerError || respErr.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// Health is the relayer's /health answer.
type Health struct {
	Status        string  `json:"status"`
	RelayerPubkey string  `json:"relayerPubkey"`
	Balance       uint64  `json:"balance"`
	BalanceSOL    float64 `json:"balanceSOL"`
	RPCURL        string  `json:"rpcUrl"`
	Uptime        float64 `json:"uptime"`
	Mode          string  `json:"mode"`
}

// CheckHealth fails with ErrRelayerOffline when the relayer does not answer
// 200 within DefaultHealthTimeout.
func (c *Client) CheckHealth(ctx context.Context) (*Health, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultHealthTimeout)
	defer cancel()
	var h Health
	if _, _, err := httpclient.Fetch(ctx, c.httpClient, http.MethodGet, c.url+common.PathHealth, nil, &h, nil); err != nil {
		return nil, errors.Join(ErrRelayerOffline, err)
	}
	return &h, nil
}
