// Package solanatx holds the transaction handling the relayer and its
// clients share on top of solana-go: wire decoding with strict checks,
// additive co-signing and sponsored memo transactions.
package solanatx

import (
	"crypto/ed25519"
	"crypto/subtle"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

func NewKey() (solana.PrivateKey, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generating ed25519 keypair")
	}
	return key, nil
}

// KeyFromSecret accepts either the 64 byte secret key layout (seed followed
// by public key) or a bare 32 byte seed. For the 64 byte form the embedded
// public key must match the one derived from the seed. secret is not
// retained.
func KeyFromSecret(secret []byte) (solana.PrivateKey, error) {
	switch len(secret) {
	case ed25519.SeedSize:
		return solana.PrivateKey(ed25519.NewKeyFromSeed(secret)), nil
	case ed25519.PrivateKeySize:
		key := ed25519.NewKeyFromSeed(secret[:ed25519.SeedSize])
		if subtle.ConstantTimeCompare(key[ed25519.SeedSize:], secret[ed25519.SeedSize:]) != 1 {
			Wipe(solana.PrivateKey(key))
			return nil, errors.New("secret key public half does not match its seed")
		}
		return solana.PrivateKey(key), nil
	default:
		return nil, fmt.Errorf("secret key has %d bytes, want %d or %d", len(secret), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

func KeyFromBase58(secret string) (solana.PrivateKey, error) {
	b, err := base58.Decode(secret)
	if err != nil {
		return nil, errors.Wrap(err, "invalid base58 secret key")
	}
	defer Wipe(b)
	return KeyFromSecret(b)
}

// Wipe zeroes key in place. The key must not be used afterwards.
func Wipe(key []byte) {
	if len(key) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, key, make([]byte, len(key)))
}
