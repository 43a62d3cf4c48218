package keyderive

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// Address of the private key 1.
var addressOfOne = common.HexToAddress("0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf")

func scalarBytes(v *big.Int) []byte {
	return v.FillBytes(make([]byte, 32))
}

func TestDerive_Deterministic(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, 32)

	first, err := Derive(secret)
	require.NoError(t, err)
	second, err := Derive(secret)
	require.NoError(t, err)

	require.Equal(t, first.Hex(), second.Hex())
	require.Equal(t, first.Address, second.Address)
	require.Equal(t, strings.Repeat("42", 32), first.Hex())
}

func TestDerive_KnownVector(t *testing.T) {
	key, err := Derive(scalarBytes(big.NewInt(1)))
	require.NoError(t, err)
	require.Equal(t, addressOfOne, key.Address)
}

func TestDerive_CurveOrderReduction(t *testing.T) {
	tests := []struct {
		name   string
		secret *big.Int
	}{
		{name: "order plus one", secret: new(big.Int).Add(N, big.NewInt(1))},
		{name: "order plus large offset", secret: new(big.Int).Add(N, big.NewInt(0xdeadbeef))},
		{name: "max 256-bit value", secret: new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := Derive(scalarBytes(tt.secret))
			require.NoError(t, err)

			expected := new(big.Int).Mod(tt.secret, N)
			got := new(big.Int).SetBytes(crypto.FromECDSA(key.PrivateKey))

			require.Zero(t, expected.Cmp(got))
			require.Equal(t, 1, got.Sign())
			require.Equal(t, -1, got.Cmp(N))
		})
	}

	t.Run("order plus one maps to key one", func(t *testing.T) {
		key, err := Derive(scalarBytes(new(big.Int).Add(N, big.NewInt(1))))
		require.NoError(t, err)
		require.Equal(t, addressOfOne, key.Address)
	})

	t.Run("value below order is unmodified", func(t *testing.T) {
		below := new(big.Int).Sub(N, big.NewInt(1))
		key, err := Derive(scalarBytes(below))
		require.NoError(t, err)
		require.Equal(t, hex.EncodeToString(scalarBytes(below)), key.Hex())
	})
}

func TestDerive_PaddingAndTruncation(t *testing.T) {
	t.Run("short secret is right padded with zeros", func(t *testing.T) {
		short := []byte{0xab, 0xcd}
		padded := append([]byte{0xab, 0xcd}, make([]byte, 30)...)

		a, err := Derive(short)
		require.NoError(t, err)
		b, err := Derive(padded)
		require.NoError(t, err)

		require.Equal(t, b.Hex(), a.Hex())
		require.Equal(t, "abcd"+strings.Repeat("0", 60), a.Hex())
	})

	t.Run("long secret is truncated to 32 bytes", func(t *testing.T) {
		long := make([]byte, 64)
		for i := range long {
			long[i] = byte(i + 1)
		}

		a, err := Derive(long)
		require.NoError(t, err)
		b, err := Derive(long[:32])
		require.NoError(t, err)

		require.Equal(t, b.Hex(), a.Hex())
	})

	t.Run("odd length hex pads a single nibble", func(t *testing.T) {
		key, err := DeriveHex("abc")
		require.NoError(t, err)
		require.Equal(t, "abc"+strings.Repeat("0", 61), key.Hex())
	})

	t.Run("hex prefix and case are ignored", func(t *testing.T) {
		a, err := DeriveHex("0xABCD")
		require.NoError(t, err)
		b, err := DeriveHex("abcd")
		require.NoError(t, err)
		require.Equal(t, a.Hex(), b.Hex())
	})
}

func TestDerive_InvalidSecret(t *testing.T) {
	tests := []struct {
		name   string
		derive func() (*Key, error)
	}{
		{name: "empty bytes", derive: func() (*Key, error) { return Derive(nil) }},
		{name: "empty hex", derive: func() (*Key, error) { return DeriveHex("") }},
		{name: "prefix only", derive: func() (*Key, error) { return DeriveHex("0x") }},
		{name: "not hex", derive: func() (*Key, error) { return DeriveHex("zz") }},
		{name: "all zero", derive: func() (*Key, error) { return Derive(make([]byte, 32)) }},
		{name: "equal to order", derive: func() (*Key, error) { return Derive(scalarBytes(N)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.derive()
			require.ErrorIs(t, err, ErrInvalidSecret)
		})
	}
}

func TestNormalize(t *testing.T) {
	require.Len(t, Normalize("1"), SecretHexLength)
	require.Equal(t, strings.Repeat("f", 64), Normalize(strings.Repeat("f", 80)))
}

func TestFromHex(t *testing.T) {
	derived, err := Derive(bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)

	t.Run("round trips derived key", func(t *testing.T) {
		key, err := FromHex(derived.Hex())
		require.NoError(t, err)
		require.Equal(t, derived.Address, key.Address)

		prefixed, err := FromHex("0x" + derived.Hex())
		require.NoError(t, err)
		require.Equal(t, derived.Address, prefixed.Address)
	})

	t.Run("rejects malformed keys", func(t *testing.T) {
		for _, in := range []string{"", "abcd", strings.Repeat("zz", 32), strings.Repeat("0", 64)} {
			_, err := FromHex(in)
			require.ErrorIs(t, err, ErrInvalidPrivateKey, in)
		}
	})
}
