// Package policy applies the agent's spending limit and merchant allow-list before a
// payment is attempted.
package policy

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/biopay/internal/payment"
)

// DefaultSpendingLimit is the per-payment ceiling in ether when none is configured.
const DefaultSpendingLimit = "1.0"

var (
	ErrLimitExceeded   = errors.New("amount exceeds spending limit")
	ErrNonPositive     = errors.New("amount must be greater than 0")
	ErrUnknownMerchant = errors.New("receiver is not a recognized merchant")
	ErrInvalidPolicy   = errors.New("invalid policy")
)

// Merchant is an allowed payment receiver.
type Merchant struct {
	Name            string `yaml:"name"`
	Description     string `yaml:"description,omitempty"`
	ReceiverAddress string `yaml:"receiver_address"`
}

// Policy is the agent's payment policy.
type Policy struct {
	SpendingLimit string     `yaml:"spending_limit"`
	Merchants     []Merchant `yaml:"merchants"`

	limitWei *big.Int
}

// Load reads a YAML policy file.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML policy.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := p.init(); err != nil {
		return nil, err
	}
	return &p, nil
}

// New builds a policy in code.
func New(spendingLimit string, merchants ...Merchant) (*Policy, error) {
	p := &Policy{SpendingLimit: spendingLimit, Merchants: merchants}
	if err := p.init(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) init() error {
	if p.SpendingLimit == "" {
		p.SpendingLimit = DefaultSpendingLimit
	}

	limit, err := payment.ParseEther(p.SpendingLimit)
	if err != nil {
		return fmt.Errorf("%w: spending limit: %v", ErrInvalidPolicy, err)
	}
	if limit.Sign() <= 0 {
		return fmt.Errorf("%w: spending limit must be positive", ErrInvalidPolicy)
	}
	p.limitWei = limit

	for i, m := range p.Merchants {
		if m.Name == "" {
			return fmt.Errorf("%w: merchant %d has no name", ErrInvalidPolicy, i)
		}
		if !common.IsHexAddress(m.ReceiverAddress) {
			return fmt.Errorf("%w: merchant %q has an invalid receiver address", ErrInvalidPolicy, m.Name)
		}
	}

	return nil
}

// Check validates a payment against the limit and the merchant list, returning the
// matched merchant. Receiver matching ignores case.
func (p *Policy) Check(receiver, amount string) (*Merchant, error) {
	wei, err := payment.ParseEther(amount)
	if err != nil {
		return nil, err
	}
	if wei.Cmp(p.limitWei) > 0 {
		return nil, fmt.Errorf("%w: %s ETH is over the limit of %s ETH", ErrLimitExceeded, amount, p.SpendingLimit)
	}
	if wei.Sign() <= 0 {
		return nil, fmt.Errorf("%w: received %s ETH", ErrNonPositive, amount)
	}

	for i := range p.Merchants {
		if strings.EqualFold(p.Merchants[i].ReceiverAddress, receiver) {
			return &p.Merchants[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownMerchant, receiver)
}
