package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

type AuthorizeCmd struct {
	ServerFlags `embed:""`
}

func (a *AuthorizeCmd) Run(ctx context.Context, globals *Globals) error {
	log.Info().Str("server", a.Server).Msg("Waiting for authorization")

	token, err := a.client().RegisterToken(ctx)
	if err != nil {
		return fmt.Errorf("authorization failed: %w", err)
	}

	fmt.Fprintln(globals.out(), token)
	return nil
}
