package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/biopay/internal/client"
	"github.com/wolfeidau/biopay/internal/policy"
)

type PayCmd struct {
	ServerFlags `embed:""`

	Receiver     string `help:"receiver wallet address" required:""`
	Amount       string `help:"amount in ETH" required:""`
	SessionToken string `help:"session token from an earlier authorization, requests a new one when empty" env:"BIOPAY_SESSION_TOKEN"`
	Policy       string `help:"YAML policy file with the spending limit and merchant list" type:"existingfile"`
}

func (p *PayCmd) Run(ctx context.Context, globals *Globals) error {
	var opts []client.AgentOption
	if p.Policy != "" {
		pol, err := policy.Load(p.Policy)
		if err != nil {
			return err
		}
		opts = append(opts, client.WithPolicy(pol))
	}
	if p.SessionToken != "" {
		opts = append(opts, client.WithSessionToken(p.SessionToken))
	}

	agent := client.NewAgent(p.client(), opts...)

	payment, err := agent.Pay(ctx, p.Receiver, p.Amount)
	if err != nil {
		return fmt.Errorf("payment failed: %w", err)
	}

	out := globals.out()
	if payment.Merchant != nil {
		fmt.Fprintf(out, "Paid %s ETH to %s (%s)\n", payment.Amount, payment.Merchant.Name, payment.Receiver)
	} else {
		fmt.Fprintf(out, "Paid %s ETH to %s\n", payment.Amount, payment.Receiver)
	}
	fmt.Fprintf(out, "Transaction:   %s\n", payment.TxHash)
	fmt.Fprintf(out, "Session token: %s\n", payment.SessionToken)
	return nil
}
