package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/biopay/internal/keyderive"
)

type DeriveCmd struct {
	Secret string `arg:"" help:"PRF secret as hex"`
}

func (d *DeriveCmd) Run(ctx context.Context, globals *Globals) error {
	key, err := keyderive.DeriveHex(d.Secret)
	if err != nil {
		return err
	}

	fmt.Fprintf(globals.out(), "Private key: %s\n", key.Hex())
	fmt.Fprintf(globals.out(), "Address:     %s\n", key.Address.Hex())
	return nil
}
