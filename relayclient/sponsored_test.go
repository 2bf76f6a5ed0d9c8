package relayclient

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	gjson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viral-sync/relayer/rpcclient"
	"github.com/viral-sync/relayer/solanatx"
)

func TestMemoPayload(t *testing.T) {
	now := time.UnixMilli(1_767_225_600_000)
	action := SponsoredAction{Kind: ActionClaimReferral, Merchant: "M1", Consumer: "C1", Referrer: "R1"}

	raw, err := MemoPayload(action, now)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, gjson.Unmarshal(raw, &got))
	assert.Equal(t, "viral-sync", got["app"])
	assert.EqualValues(t, 1, got["v"])
	assert.Equal(t, "claim_referral", got["kind"])
	assert.Equal(t, "M1", got["merchant"])
	assert.Equal(t, "R1", got["referrer"])
	assert.EqualValues(t, now.UnixMilli(), got["ts"])
	assert.NotContains(t, got, "context")
}

func TestMemoPayload_Truncated(t *testing.T) {
	action := SponsoredAction{Kind: ActionPOSAck, Merchant: "M1", Consumer: "C1", Context: strings.Repeat("x", 2000)}

	raw, err := MemoPayload(action, time.Now())
	require.NoError(t, err)
	assert.Len(t, raw, maxMemoLen+3)
	assert.True(t, strings.HasSuffix(string(raw), "..."))
}

func TestMemoPayload_TruncatedOnRuneBoundary(t *testing.T) {
	shortened := 0
	for pad := 0; pad < 3; pad++ {
		action := SponsoredAction{Kind: ActionPOSAck, Merchant: "M1", Consumer: "C1", Context: strings.Repeat("x", pad) + strings.Repeat("€", 400)}

		raw, err := MemoPayload(action, time.Now())
		require.NoError(t, err)
		assert.True(t, utf8.Valid(raw), "pad %d", pad)
		assert.True(t, strings.HasSuffix(string(raw), "€..."), "pad %d", pad)
		assert.LessOrEqual(t, len(raw), maxMemoLen+3)
		if len(raw) < maxMemoLen+3 {
			shortened++
		}
	}
	assert.Equal(t, 2, shortened)
}

func TestBuildSponsoredActionTx(t *testing.T) {
	relayer := solanatx.MustNewKey()
	session := solanatx.MustNewKey()
	blockhash := solanatx.RandomHash()

	tx, err := BuildSponsoredActionTx(relayer.PublicKey(), blockhash, SponsoredAction{Kind: ActionRedeemPurchase, Merchant: "M", Consumer: "C"}, time.Now(), session.PublicKey())
	require.NoError(t, err)

	assert.False(t, tx.Message.IsVersioned())
	assert.Equal(t, blockhash, tx.Message.RecentBlockhash)
	payer, ok := solanatx.FeePayer(tx)
	require.True(t, ok)
	assert.Equal(t, relayer.PublicKey(), payer)
	signers, err := solanatx.Signers(tx)
	require.NoError(t, err)
	assert.Equal(t, []solana.PublicKey{relayer.PublicKey(), session.PublicKey()}, signers)
	assert.Equal(t, solanatx.MemoProgramID, tx.Message.AccountKeys[len(tx.Message.AccountKeys)-1])

	require.NoError(t, solanatx.CoSign(tx, session))
	missing, err := solanatx.VerifySignatures(tx)
	require.NoError(t, err)
	assert.Equal(t, []solana.PublicKey{relayer.PublicKey()}, missing)
}

type statusFunc func(ctx context.Context, signature string) (*rpcclient.SignatureStatus, error)

func (f statusFunc) GetSignatureStatus(ctx context.Context, signature string) (*rpcclient.SignatureStatus, error) {
	return f(ctx, signature)
}

func TestConfirmSignature(t *testing.T) {
	t.Run("confirmed after polling", func(t *testing.T) {
		var polls atomic.Int32
		node := statusFunc(func(context.Context, string) (*rpcclient.SignatureStatus, error) {
			switch polls.Add(1) {
			case 1:
				return nil, nil
			case 2:
				return &rpcclient.SignatureStatus{ConfirmationStatus: rpc.ConfirmationStatusProcessed}, nil
			default:
				return &rpcclient.SignatureStatus{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}, nil
			}
		})
		require.NoError(t, ConfirmSignature(context.Background(), node, "sig", time.Second, 5*time.Millisecond))
		assert.EqualValues(t, 3, polls.Load())
	})

	t.Run("landed with error", func(t *testing.T) {
		node := statusFunc(func(context.Context, string) (*rpcclient.SignatureStatus, error) {
			return &rpcclient.SignatureStatus{ConfirmationStatus: rpc.ConfirmationStatusConfirmed, Err: []byte(`{"InstructionError":[0,"InvalidArgument"]}`)}, nil
		})
		err := ConfirmSignature(context.Background(), node, "sig", time.Second, 5*time.Millisecond)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "InvalidArgument")
	})

	t.Run("timeout", func(t *testing.T) {
		node := statusFunc(func(context.Context, string) (*rpcclient.SignatureStatus, error) {
			return nil, nil
		})
		err := ConfirmSignature(context.Background(), node, "sig", 30*time.Millisecond, 5*time.Millisecond)
		assert.ErrorIs(t, err, ErrConfirmTimeout)
	})
}
