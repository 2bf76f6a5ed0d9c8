package solanatx

import (
	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
)

var MemoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

// NewMemoTransaction builds an unsigned transaction that requires every key
// in signers, fee payer first, and invokes the memo program once with memo
// as data. Every signer is passed to the memo instruction so the program
// checks them. Signature slots are allocated and left empty.
func NewMemoTransaction(versioned bool, blockhash solana.Hash, memo []byte, signers ...solana.PublicKey) (*solana.Transaction, error) {
	if len(signers) == 0 {
		return nil, errors.New("memo transaction needs a fee payer")
	}
	accounts := make(solana.AccountMetaSlice, 0, len(signers))
	for _, signer := range signers {
		accounts = append(accounts, solana.NewAccountMeta(signer, false, true))
	}
	tx, err := solana.NewTransaction(
		[]solana.Instruction{solana.NewInstruction(MemoProgramID, accounts, memo)},
		blockhash,
		solana.TransactionPayer(signers[0]),
	)
	if err != nil {
		return nil, errors.Wrap(err, "building memo transaction")
	}
	if versioned {
		tx.Message.SetVersion(solana.MessageVersionV0)
	}
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	return tx, nil
}
