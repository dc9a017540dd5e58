package siwe

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignature is returned when a signature cannot be decoded or no
// public key can be recovered from it.
var ErrInvalidSignature = errors.New("siwe: invalid signature")

const (
	compactSignatureLength = 64
	signatureLength        = crypto.SignatureLength
)

// DecodeSignature parses a hex signature, with or without the 0x prefix.
func DecodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	sig, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return sig, nil
}

// Verify recovers the address whose key produced signature over the
// personal-sign (EIP-191) hash of message. It only proves key possession;
// callers decide what the address is allowed to do.
func Verify(message string, signature []byte) (common.Address, error) {
	sig, err := normalize(signature)
	if err != nil {
		return common.Address{}, err
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[64], r, s, false) {
		return common.Address{}, fmt.Errorf("%w: r or s out of range", ErrInvalidSignature)
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// normalize returns a fresh 65-byte r||s||v slice with v in {0, 1}.
// Wallets emit v as 27/28; EIP-2098 compact signatures fold v into the top
// bit of s.
func normalize(signature []byte) ([]byte, error) {
	sig := make([]byte, signatureLength)
	switch len(signature) {
	case signatureLength:
		copy(sig, signature)
		v := sig[64]
		if v >= 27 {
			v -= 27
		}
		if v > 1 {
			return nil, fmt.Errorf("%w: bad recovery id %d", ErrInvalidSignature, signature[64])
		}
		sig[64] = v
	case compactSignatureLength:
		copy(sig, signature)
		sig[64] = sig[32] >> 7
		sig[32] &= 0x7f
	default:
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(signature))
	}
	return sig, nil
}
