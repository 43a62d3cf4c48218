package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/biopay/cmd/cli/internal/commands"
	"github.com/wolfeidau/biopay/internal/logger"
)

var (
	version = "dev"
	cli     struct {
		Derive    commands.DeriveCmd    `cmd:"" help:"Derive a wallet from a PRF secret"`
		Authorize commands.AuthorizeCmd `cmd:"" help:"Request authorization and wait for the human"`
		Pay       commands.PayCmd       `cmd:"" help:"Pay a merchant as the agent"`
		Pending   commands.PendingCmd   `cmd:"" help:"Show the oldest pending authorization"`
		Approve   commands.ApproveCmd   `cmd:"" help:"Approve pending authorizations with a software authenticator"`
		Debug     bool                  `help:"Enable debug mode."`
		Version   kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	log.Logger = logger.Setup(cli.Debug)
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
