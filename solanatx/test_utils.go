package solanatx

import (
	"crypto/rand"

	"github.com/gagliardetto/solana-go"
)

func RandomHash() solana.Hash {
	var h solana.Hash
	_, _ = rand.Read(h[:])
	return h
}

// NewTestTransaction builds an unsigned memo transaction over a random
// blockhash. It panics when signers is empty.
func NewTestTransaction(versioned bool, memo []byte, signers ...solana.PublicKey) *solana.Transaction {
	tx, err := NewMemoTransaction(versioned, RandomHash(), memo, signers...)
	if err != nil {
		panic(err)
	}
	return tx
}

// MustNewKey panics when the system random source fails.
func MustNewKey() solana.PrivateKey {
	key, err := NewKey()
	if err != nil {
		panic(err)
	}
	return key
}
