package payment

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/biopay/internal/keyderive"
	"github.com/wolfeidau/biopay/internal/models"
)

const receiverHex = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"

type fakeChain struct {
	chainID  *big.Int
	gasPrice *big.Int
	nonce    uint64
	sendErr  error

	nonceFor common.Address
	sent     []*types.Transaction
}

func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.nonceFor = account
	return f.nonce, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func testSession(t *testing.T) (*models.Session, *keyderive.Key) {
	t.Helper()
	key, err := keyderive.DeriveHex(strings.Repeat("ab", 32))
	require.NoError(t, err)
	now := time.Now()
	return &models.Session{
		Token:         "tok",
		PrivateKey:    key.Hex(),
		WalletAddress: key.Address.Hex(),
		CreatedAt:     now,
		ExpiresAt:     now.Add(5 * time.Minute),
	}, key
}

func TestExecutor_Pay(t *testing.T) {
	chain := &fakeChain{chainID: big.NewInt(11155111), gasPrice: big.NewInt(2_000_000_000), nonce: 7}
	session, key := testSession(t)

	receipt, err := NewExecutor(chain).Pay(context.Background(), session, receiverHex, "0.001")
	require.NoError(t, err)
	require.Len(t, chain.sent, 1)

	tx := chain.sent[0]
	require.Equal(t, uint8(types.LegacyTxType), tx.Type())
	require.Equal(t, uint64(TransferGasLimit), tx.Gas())
	require.Equal(t, chain.gasPrice, tx.GasPrice())
	require.Equal(t, uint64(7), tx.Nonce())
	require.Equal(t, common.HexToAddress(receiverHex), *tx.To())
	require.Equal(t, big.NewInt(1_000_000_000_000_000), tx.Value())
	require.Equal(t, chain.chainID, tx.ChainId())

	sender, err := types.Sender(types.LatestSignerForChainID(chain.chainID), tx)
	require.NoError(t, err)
	require.Equal(t, key.Address, sender)
	require.Equal(t, key.Address, chain.nonceFor)

	require.Equal(t, tx.Hash(), receipt.TxHash)
	require.Equal(t, key.Address, receipt.From)
}

func TestExecutor_PinnedChainID(t *testing.T) {
	chain := &fakeChain{chainID: big.NewInt(1), gasPrice: big.NewInt(1)}
	session, _ := testSession(t)

	_, err := NewExecutor(chain, WithChainID(big.NewInt(31337))).Pay(context.Background(), session, receiverHex, "1")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(31337), chain.sent[0].ChainId())
}

func TestExecutor_Validation(t *testing.T) {
	tests := []struct {
		name     string
		receiver string
		amount   string
		wantErr  error
	}{
		{name: "bad receiver", receiver: "0x1234", amount: "1", wantErr: ErrInvalidReceiver},
		{name: "receiver checked before amount", receiver: "nope", amount: "0", wantErr: ErrInvalidReceiver},
		{name: "zero amount", receiver: receiverHex, amount: "0", wantErr: ErrInvalidAmount},
		{name: "negative amount", receiver: receiverHex, amount: "-0.5", wantErr: ErrInvalidAmount},
		{name: "not a number", receiver: receiverHex, amount: "abc", wantErr: ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := &fakeChain{chainID: big.NewInt(1), gasPrice: big.NewInt(1)}
			session, _ := testSession(t)

			_, err := NewExecutor(chain).Pay(context.Background(), session, tt.receiver, tt.amount)
			require.ErrorIs(t, err, tt.wantErr)
			require.ErrorIs(t, err, ErrInvalidInput)
			require.Empty(t, chain.sent)
		})
	}
}

func TestExecutor_SendFailure(t *testing.T) {
	chain := &fakeChain{chainID: big.NewInt(1), gasPrice: big.NewInt(1), sendErr: errors.New("insufficient funds for gas * price + value")}
	session, _ := testSession(t)

	_, err := NewExecutor(chain).Pay(context.Background(), session, receiverHex, "1")
	require.ErrorIs(t, err, ErrExecution)
	require.Contains(t, err.Error(), "insufficient funds")
}

func TestParseEther(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "1", want: "1000000000000000000"},
		{in: "0.001", want: "1000000000000000"},
		{in: "0.5", want: "500000000000000000"},
		{in: "1e-3", want: "1000000000000000"},
		{in: "0.000000000000000001", want: "1"},
		{in: " 2.5 ", want: "2500000000000000000"},
		{in: "0.0000000000000000001", wantErr: true},
		{in: "1/3", wantErr: true},
		{in: "", wantErr: true},
		{in: "eth", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEther(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got.String())
		})
	}
}

func TestFormatEther(t *testing.T) {
	require.Equal(t, "1", FormatEther(big.NewInt(1_000_000_000_000_000_000)))
	require.Equal(t, "0.001", FormatEther(big.NewInt(1_000_000_000_000_000)))
	require.Equal(t, "0", FormatEther(big.NewInt(0)))
}
