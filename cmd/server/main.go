package main

import (
	"context"

	"github.com/alecthomas/kong"

	"github.com/wolfeidau/biopay/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool `help:"Enable debug mode." env:"BIOPAY_DEBUG"`
		Version kong.VersionFlag
		Serve   commands.ServerCmd  `cmd:"" help:"Start the authorization broker API"`
		Migrate commands.MigrateCmd `cmd:"" help:"Apply PostgreSQL schema migrations"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
