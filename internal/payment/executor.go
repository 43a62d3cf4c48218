// Package payment signs and broadcasts native ether transfers with a session key.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/biopay/internal/keyderive"
	"github.com/wolfeidau/biopay/internal/models"
	"github.com/wolfeidau/biopay/internal/telemetry"
)

// TransferGasLimit is the fixed gas of a plain value transfer.
const TransferGasLimit = 21000

var (
	ErrInvalidInput    = errors.New("invalid payment request")
	ErrInvalidReceiver = fmt.Errorf("%w: invalid receiver address", ErrInvalidInput)
	ErrInvalidAmount   = fmt.Errorf("%w: amount must be greater than 0", ErrInvalidInput)
	ErrExecution       = errors.New("payment execution failed")
)

// Chain is the subset of an Ethereum JSON-RPC client the executor needs.
type Chain interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

var _ Chain = (*ethclient.Client)(nil)

// Receipt describes a broadcast transfer. It is not a mined receipt.
type Receipt struct {
	TxHash   common.Hash
	From     common.Address
	To       common.Address
	Value    *big.Int
	Nonce    uint64
	GasPrice *big.Int
}

// Executor pays from session keys. Payments are never retried: a broadcast that
// errors may still have reached the network.
type Executor struct {
	chain   Chain
	chainID *big.Int
	metrics *telemetry.Metrics
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithChainID pins the chain id instead of asking the node on every payment.
func WithChainID(id *big.Int) ExecutorOption {
	return func(e *Executor) {
		e.chainID = new(big.Int).Set(id)
	}
}

// NewExecutor creates an executor over chain.
func NewExecutor(chain Chain, opts ...ExecutorOption) *Executor {
	e := &Executor{
		chain:   chain,
		metrics: telemetry.GetMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc endpoint: %w", err)
	}
	return client, nil
}

// Validate checks receiver then amount, returning the amount in wei.
func Validate(receiver, amount string) (common.Address, *big.Int, error) {
	if !common.IsHexAddress(receiver) {
		return common.Address{}, nil, ErrInvalidReceiver
	}

	wei, err := ParseEther(amount)
	if err != nil {
		return common.Address{}, nil, err
	}
	if wei.Sign() <= 0 {
		return common.Address{}, nil, ErrInvalidAmount
	}

	return common.HexToAddress(receiver), wei, nil
}

// Pay transfers amount ether from the session's wallet to receiver.
func (e *Executor) Pay(ctx context.Context, session *models.Session, receiver, amount string) (*Receipt, error) {
	to, value, err := Validate(receiver, amount)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	defer func() {
		e.metrics.PaymentDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	}()

	receipt, err := e.transfer(ctx, session, to, value)
	if err != nil {
		e.metrics.PaymentsFailedTotal.Add(ctx, 1)
		log.Error().Err(err).Str("to", to.Hex()).Str("amount", amount).Msg("Payment failed")
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}

	e.metrics.PaymentsSubmittedTotal.Add(ctx, 1)
	log.Info().
		Str("tx_hash", receipt.TxHash.Hex()).
		Str("from", receipt.From.Hex()).
		Str("to", receipt.To.Hex()).
		Str("amount", FormatEther(value)).
		Msg("Payment broadcast")

	return receipt, nil
}

func (e *Executor) transfer(ctx context.Context, session *models.Session, to common.Address, value *big.Int) (*Receipt, error) {
	key, err := keyderive.FromHex(session.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}

	chainID := e.chainID
	if chainID == nil {
		chainID, err = e.chain.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get chain id: %w", err)
		}
	}

	gasPrice, err := e.chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	nonce, err := e.chain.PendingNonceAt(ctx, key.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      TransferGasLimit,
		To:       &to,
		Value:    value,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := e.chain.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	return &Receipt{
		TxHash:   signed.Hash(),
		From:     key.Address,
		To:       to,
		Value:    value,
		Nonce:    nonce,
		GasPrice: gasPrice,
	}, nil
}
