package payment

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

var weiPerEther = new(big.Rat).SetInt(big.NewInt(params.Ether))

// ParseEther converts a decimal ether amount such as "0.001" or "1e-3" to wei. More
// than 18 decimal places cannot be represented and is rejected.
func ParseEther(amount string) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" || strings.ContainsAny(amount, "/") {
		return nil, fmt.Errorf("%w: %q is not a decimal ether amount", ErrInvalidInput, amount)
	}

	r, ok := new(big.Rat).SetString(amount)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a decimal ether amount", ErrInvalidInput, amount)
	}

	wei := r.Mul(r, weiPerEther)
	if !wei.IsInt() {
		return nil, fmt.Errorf("%w: %q has more than 18 decimal places", ErrInvalidInput, amount)
	}

	return new(big.Int).Set(wei.Num()), nil
}

// FormatEther renders wei as a decimal ether string without trailing zeros.
func FormatEther(wei *big.Int) string {
	r := new(big.Rat).SetFrac(wei, big.NewInt(params.Ether))
	s := r.FloatString(18)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
