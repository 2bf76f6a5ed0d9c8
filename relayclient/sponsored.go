package relayclient

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"
	gjson "github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/viral-sync/relayer/rpcclient"
	"github.com/viral-sync/relayer/solanatx"
)

type ActionKind string

const (
	ActionClaimReferral  ActionKind = "claim_referral"
	ActionRedeemPurchase ActionKind = "redeem_purchase"
	ActionPOSAck         ActionKind = "pos_ack"
)

const maxMemoLen = 760

// SponsoredAction is recorded on chain as a memo paid for by the relayer.
type SponsoredAction struct {
	Kind     ActionKind `json:"kind"`
	Merchant string     `json:"merchant"`
	Consumer string     `json:"consumer"`
	Referrer string     `json:"referrer,omitempty"`
	Context  string     `json:"context,omitempty"`
}

type memoPayload struct {
	App string `json:"app"`
	V   int    `json:"v"`
	SponsoredAction
	TS int64 `json:"ts"`
}

// MemoPayload encodes action as the memo text, truncated with "..." past
// 760 bytes. The cut never splits a UTF-8 sequence, since the memo program
// rejects invalid UTF-8.
func MemoPayload(action SponsoredAction, now time.Time) ([]byte, error) {
	raw, err := gjson.Marshal(memoPayload{App: "viral-sync", V: 1, SponsoredAction: action, TS: now.UnixMilli()})
	if err != nil {
		return nil, errors.Wrap(err, "encoding memo payload")
	}
	if len(raw) > maxMemoLen {
		cut := maxMemoLen
		for cut > 0 && !utf8.RuneStart(raw[cut]) {
			cut--
		}
		raw = append(raw[:cut:cut], "..."...)
	}
	return raw, nil
}

// BuildSponsoredActionTx builds an unsigned legacy memo transaction with the
// relayer as fee payer. Extra signers, such as a session key, follow the fee
// payer.
func BuildSponsoredActionTx(relayer solana.PublicKey, blockhash solana.Hash, action SponsoredAction, now time.Time, signers ...solana.PublicKey) (*solana.Transaction, error) {
	memo, err := MemoPayload(action, now)
	if err != nil {
		return nil, err
	}
	return solanatx.NewMemoTransaction(false, blockhash, memo, append([]solana.PublicKey{relayer}, signers...)...)
}

// StatusGetter is satisfied by *rpcclient.Client.
type StatusGetter interface {
	GetSignatureStatus(ctx context.Context, signature string) (*rpcclient.SignatureStatus, error)
}

var ErrConfirmTimeout = errors.New("transaction not confirmed before timeout")

// ConfirmSignature polls until signature is confirmed or finalized. A
// transaction that landed with an error is reported as such.
func ConfirmSignature(ctx context.Context, rpc StatusGetter, signature string, timeout, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := rpc.GetSignatureStatus(ctx, signature)
		if err == nil && status != nil {
			if status.Failed() {
				return errors.Errorf("transaction %s failed: %s", signature, string(status.Err))
			}
			if status.Confirmed() {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ErrConfirmTimeout
		case <-ticker.C:
		}
	}
}
