package solanatx

import (
	"encoding/base64"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
)

var (
	ErrNotSigner      = errors.New("key is not a required signer of this transaction")
	ErrSignatureCount = errors.New("signature count does not match required signers")
	ErrTooManySigners = errors.New("required signers exceed account keys")
	ErrTrailingBytes  = errors.New("trailing bytes after transaction")
)

// Decode parses a wire transaction in either the versioned or the legacy
// message encoding. Trailing bytes and a signature count that differs from
// the message header are rejected.
func Decode(raw []byte) (*solana.Transaction, error) {
	decoder := bin.NewBinDecoder(raw)
	tx, err := solana.TransactionFromDecoder(decoder)
	if err != nil {
		return nil, errors.Wrap(err, "decoding transaction")
	}
	if decoder.HasRemaining() {
		return nil, ErrTrailingBytes
	}
	if int(tx.Message.Header.NumRequiredSignatures) > len(tx.Message.AccountKeys) {
		return nil, ErrTooManySigners
	}
	if len(tx.Signatures) != int(tx.Message.Header.NumRequiredSignatures) {
		return nil, ErrSignatureCount
	}
	return tx, nil
}

func DecodeBase64(in string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(in)
	if err != nil {
		return nil, errors.Wrap(err, "invalid base64 transaction")
	}
	return Decode(raw)
}

// Encode serializes tx. Every required signer must have a slot, filled or
// not.
func Encode(tx *solana.Transaction) ([]byte, error) {
	if len(tx.Signatures) != int(tx.Message.Header.NumRequiredSignatures) {
		return nil, ErrSignatureCount
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encoding transaction")
	}
	return raw, nil
}

func EncodeBase64(tx *solana.Transaction) (string, error) {
	raw, err := Encode(tx)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Signers returns the account keys that must sign, fee payer first.
func Signers(tx *solana.Transaction) ([]solana.PublicKey, error) {
	n := int(tx.Message.Header.NumRequiredSignatures)
	if n > len(tx.Message.AccountKeys) {
		return nil, ErrTooManySigners
	}
	return tx.Message.AccountKeys[:n], nil
}

func FeePayer(tx *solana.Transaction) (solana.PublicKey, bool) {
	signers, err := Signers(tx)
	if err != nil || len(signers) == 0 {
		return solana.PublicKey{}, false
	}
	return signers[0], true
}

func signerIndex(signers []solana.PublicKey, pk solana.PublicKey) int {
	for i, signer := range signers {
		if signer.Equals(pk) {
			return i
		}
	}
	return -1
}

// CoSign adds a signature for every key and leaves signatures of other
// signers untouched. Missing slots are allocated. Every key must be a
// required signer; on error no slot is modified.
func CoSign(tx *solana.Transaction, keys ...solana.PrivateKey) error {
	signers, err := Signers(tx)
	if err != nil {
		return err
	}
	if n := len(tx.Signatures); n != 0 && n != len(signers) {
		return ErrSignatureCount
	}
	byPubkey := make(map[solana.PublicKey]*solana.PrivateKey, len(keys))
	for i := range keys {
		pk := keys[i].PublicKey()
		if signerIndex(signers, pk) < 0 {
			return errors.Wrap(ErrNotSigner, pk.String())
		}
		byPubkey[pk] = &keys[i]
	}
	if _, err := tx.PartialSign(func(pk solana.PublicKey) *solana.PrivateKey {
		return byPubkey[pk]
	}); err != nil {
		return errors.Wrap(err, "signing transaction")
	}
	return nil
}

// SignatureOf returns the signature slot for pk and whether it is filled.
func SignatureOf(tx *solana.Transaction, pk solana.PublicKey) (solana.Signature, bool) {
	signers, err := Signers(tx)
	if err != nil {
		return solana.Signature{}, false
	}
	idx := signerIndex(signers, pk)
	if idx < 0 || idx >= len(tx.Signatures) {
		return solana.Signature{}, false
	}
	sig := tx.Signatures[idx]
	return sig, sig != solana.Signature{}
}

// VerifySignatures checks every filled slot. Empty slots are reported as
// missing rather than invalid.
func VerifySignatures(tx *solana.Transaction) (missing []solana.PublicKey, err error) {
	signers, err := Signers(tx)
	if err != nil {
		return nil, err
	}
	if len(tx.Signatures) != len(signers) {
		return nil, ErrSignatureCount
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encoding message")
	}
	for i, signer := range signers {
		sig := tx.Signatures[i]
		if sig == (solana.Signature{}) {
			missing = append(missing, signer)
			continue
		}
		if !sig.Verify(signer, msg) {
			return missing, errors.Errorf("invalid signature for %s", signer)
		}
	}
	return missing, nil
}

// ID is the first signature, which the network uses as the transaction id.
func ID(tx *solana.Transaction) (solana.Signature, bool) {
	if len(tx.Signatures) == 0 || tx.Signatures[0] == (solana.Signature{}) {
		return solana.Signature{}, false
	}
	return tx.Signatures[0], true
}
