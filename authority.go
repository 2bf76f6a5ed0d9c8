package relayer

import (
	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/viral-sync/relayer/solanatx"
)

// Authority is the operator keypair that pays fees for relayed
// transactions. It is loaded once and only read afterwards.
type Authority struct {
	key  solana.PrivateKey
	mode string
}

// LoadAuthority decodes a base58 secret key. An empty secret starts the
// relayer in dev mode with a throwaway keypair.
func LoadAuthority(secret string, logger *zap.Logger) (*Authority, error) {
	if secret == "" {
		key, err := solanatx.NewKey()
		if err != nil {
			return nil, errors.Wrap(err, "could not generate relayer keypair")
		}
		logger.Warn("no relayer secret configured, using a random keypair", zap.String("pubkey", key.PublicKey().String()))
		return &Authority{key: key, mode: ModeDev}, nil
	}
	key, err := solanatx.KeyFromBase58(secret)
	if err != nil {
		return nil, errors.Wrap(err, "could not decode relayer secret")
	}
	return &Authority{key: key, mode: ModeProduction}, nil
}

func NewAuthority(key solana.PrivateKey, mode string) *Authority {
	return &Authority{key: key, mode: mode}
}

func (a *Authority) PublicKey() solana.PublicKey { return a.key.PublicKey() }
func (a *Authority) Mode() string                { return a.mode }

// CoSign adds the authority's signature to tx without touching other slots.
func (a *Authority) CoSign(tx *solana.Transaction) error {
	return solanatx.CoSign(tx, a.key)
}
