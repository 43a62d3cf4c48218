// Package keyderive turns a biometric PRF secret into a secp256k1 wallet key.
//
// The derivation is deliberately simple and must stay bit-compatible with wallets
// already derived in the browser: the secret is rendered as hex, truncated or
// right-padded with '0' to 64 characters, read as a big-endian integer and reduced
// modulo the curve order when it is not already below it.
package keyderive

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SecretHexLength is the normalized secret length in hex characters (32 bytes).
const SecretHexLength = 64

var (
	// ErrInvalidSecret is returned for empty or malformed secrets and for secrets that
	// reduce to the zero scalar. Callers must re-derive with a different credential.
	ErrInvalidSecret = errors.New("invalid secret")

	// ErrInvalidPrivateKey is returned when stored key material cannot be parsed.
	ErrInvalidPrivateKey = errors.New("invalid private key")

	// N is the order of the secp256k1 group.
	N = new(big.Int).Set(secp256k1.S256().N)
)

// Key is a derived wallet key and its Ethereum address.
type Key struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
}

// Hex returns the private key as 64 lowercase hex characters without a 0x prefix.
func (k *Key) Hex() string {
	return hex.EncodeToString(crypto.FromECDSA(k.PrivateKey))
}

// Derive derives a key from raw secret bytes.
func Derive(secret []byte) (*Key, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: secret is empty", ErrInvalidSecret)
	}
	return DeriveHex(hex.EncodeToString(secret))
}

// DeriveHex derives a key from a hex encoded secret, which is how the PRF output
// leaves the authenticator. An optional 0x prefix is accepted.
func DeriveHex(secretHex string) (*Key, error) {
	secretHex = strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(secretHex, "0x"), "0X"))
	if secretHex == "" {
		return nil, fmt.Errorf("%w: secret is empty", ErrInvalidSecret)
	}

	normalized := Normalize(secretHex)
	raw, err := hex.DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}

	// SetByteSlice reduces values >= N modulo the group order.
	var scalar secp256k1.ModNScalar
	scalar.SetByteSlice(raw)
	if scalar.IsZero() {
		return nil, fmt.Errorf("%w: secret reduces to zero", ErrInvalidSecret)
	}

	keyBytes := scalar.Bytes()
	return fromBytes(keyBytes[:])
}

// Normalize truncates or right-pads a hex secret with '0' to SecretHexLength characters.
// Short secrets lose entropy and long ones are cut; both are kept for compatibility
// with existing wallets.
func Normalize(secretHex string) string {
	if len(secretHex) > SecretHexLength {
		return secretHex[:SecretHexLength]
	}
	return secretHex + strings.Repeat("0", SecretHexLength-len(secretHex))
}

// FromHex rebuilds a Key from a stored private key.
func FromHex(privateKeyHex string) (*Key, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	if len(privateKeyHex) != SecretHexLength {
		return nil, fmt.Errorf("%w: expected %d hex characters", ErrInvalidPrivateKey, SecretHexLength)
	}
	raw, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	key, err := fromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return key, nil
}

func fromBytes(raw []byte) (*Key, error) {
	privateKey, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, err
	}
	return &Key{
		PrivateKey: privateKey,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}
