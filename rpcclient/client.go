// Package rpcclient talks to a Solana JSON-RPC node.
package rpcclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	gjson "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultCommitment  = rpc.CommitmentConfirmed
	DefaultSendRetries = 3
)

type Client struct {
	url        string
	httpClient *http.Client
	rpc        *rpc.Client
	commitment rpc.CommitmentType
	maxRetries uint
}

type Option func(*config)

type config struct {
	httpClient *http.Client
	headers    map[string]string
	commitment rpc.CommitmentType
	maxRetries uint
}

func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) {
		cfg.httpClient = c
	}
}

func WithHeader(key, value string) Option {
	return func(cfg *config) {
		cfg.headers[key] = value
	}
}

func WithCommitment(commitment rpc.CommitmentType) Option {
	return func(cfg *config) {
		cfg.commitment = commitment
	}
}

// WithMaxRetries sets the maxRetries hint the node uses when forwarding a
// sent transaction to the leader.
func WithMaxRetries(n uint) Option {
	return func(cfg *config) {
		cfg.maxRetries = n
	}
}

func New(url string, opts ...Option) *Client {
	cfg := &config{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		headers:    map[string]string{},
		commitment: DefaultCommitment,
		maxRetries: DefaultSendRetries,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	transport := jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{
		HTTPClient:    cfg.httpClient,
		CustomHeaders: cfg.headers,
	})
	return &Client{
		url:        url,
		httpClient: cfg.httpClient,
		rpc:        rpc.NewWithCustomRPCClient(transport),
		commitment: cfg.commitment,
		maxRetries: cfg.maxRetries,
	}
}

func (c *Client) URL() string { return c.url }

func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// SimulationResult is the outcome of a simulateTransaction call. Err is the
// raw transaction error and is empty when the simulation succeeded.
type SimulationResult struct {
	Err           gjson.RawMessage
	Logs          []string
	UnitsConsumed uint64
}

// SimulationError reports a transaction that executed with an error during
// simulation.
type SimulationError struct {
	Err  gjson.RawMessage
	Logs []string
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("transaction simulation failed: %s", string(e.Err))
}

// LastLogs returns at most n trailing log lines.
func (e *SimulationError) LastLogs(n int) []string {
	if len(e.Logs) <= n {
		return e.Logs
	}
	return e.Logs[len(e.Logs)-n:]
}

// SimulateTransaction runs tx against the node without signature
// verification. A transaction error is returned as *SimulationError
// together with the result; transport and node errors are returned alone.
func (c *Client) SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error) {
	out, err := c.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:  false,
		Commitment: c.commitment,
	})
	if err != nil {
		return nil, errors.Wrap(err, "simulateTransaction")
	}
	if out == nil || out.Value == nil {
		return nil, errors.New("simulateTransaction: empty result")
	}
	res := &SimulationResult{Logs: out.Value.Logs}
	if out.Value.UnitsConsumed != nil {
		res.UnitsConsumed = *out.Value.UnitsConsumed
	}
	if out.Value.Err == nil {
		return res, nil
	}
	res.Err, err = gjson.Marshal(out.Value.Err)
	if err != nil {
		res.Err = gjson.RawMessage(fmt.Sprintf("%q", fmt.Sprint(out.Value.Err)))
	}
	return res, &SimulationError{Err: res.Err, Logs: res.Logs}
}

// SendTransaction submits tx without node preflight and returns the
// signature the node reports.
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return solana.Signature{}, errors.Wrap(err, "encoding transaction")
	}
	maxRetries := c.maxRetries
	sig, err := c.rpc.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: c.commitment,
		MaxRetries:          &maxRetries,
	})
	if err != nil {
		return solana.Signature{}, errors.Wrap(err, "sendTransaction")
	}
	return sig, nil
}

func (c *Client) GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	out, err := c.rpc.GetBalance(ctx, account, c.commitment)
	if err != nil {
		return 0, errors.Wrap(err, "getBalance")
	}
	return out.Value, nil
}

// GetLatestBlockhash returns the blockhash and the last block height at
// which it is still valid.
func (c *Client) GetLatestBlockhash(ctx context.Context) (solana.Hash, uint64, error) {
	out, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return solana.Hash{}, 0, errors.Wrap(err, "getLatestBlockhash")
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, 0, errors.New("getLatestBlockhash: empty result")
	}
	return out.Value.Blockhash, out.Value.LastValidBlockHeight, nil
}

type SignatureStatus struct {
	Slot               uint64
	Confirmations      *uint64
	Err                gjson.RawMessage
	ConfirmationStatus rpc.ConfirmationStatusType
}

func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// Confirmed reports whether the transaction reached confirmed or finalized
// commitment.
func (s *SignatureStatus) Confirmed() bool {
	return s.ConfirmationStatus == rpc.ConfirmationStatusConfirmed || s.ConfirmationStatus == rpc.ConfirmationStatusFinalized
}

// GetSignatureStatus looks the base58 signature up including transaction
// history. A nil status means the node does not know the signature yet.
func (c *Client) GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, errors.Wrap(err, "invalid signature")
	}
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, errors.Wrap(err, "getSignatureStatuses")
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil
	}
	v := out.Value[0]
	status := &SignatureStatus{
		Slot:               v.Slot,
		Confirmations:      v.Confirmations,
		ConfirmationStatus: v.ConfirmationStatus,
	}
	if v.Err != nil {
		if status.Err, err = gjson.Marshal(v.Err); err != nil {
			status.Err = gjson.RawMessage(fmt.Sprintf("%q", fmt.Sprint(v.Err)))
		}
	}
	return status, nil
}

// IsTransportError reports whether err happened before the node returned a
// JSON-RPC answer. Node-side errors are final and must not be retried.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	var simErr *SimulationError
	if errors.As(err, &simErr) {
		return false
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code >= http.StatusInternalServerError || httpErr.Code == http.StatusTooManyRequests
	}
	return true
}
