package commands

import (
	"context"
	"fmt"
)

type PendingCmd struct {
	ServerFlags `embed:""`
}

func (p *PendingCmd) Run(ctx context.Context, globals *Globals) error {
	token, ok, err := p.client().PendingAuth(ctx)
	if err != nil {
		return err
	}

	if !ok {
		fmt.Fprintln(globals.out(), "No pending authorization")
		return nil
	}
	fmt.Fprintln(globals.out(), token)
	return nil
}
