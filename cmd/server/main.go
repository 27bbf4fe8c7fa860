package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/tlslistener/cmd/server/internal/commands"
	"github.com/wolfeidau/tlslistener/internal/config"
)

var (
	version = "dev"
	cli     struct {
		Config  kong.ConfigFlag     `help:"Load defaults from a YAML configuration file."`
		Debug   bool                `help:"Enable debug mode." env:"TLSLISTENER_DEBUG"`
		Version kong.VersionFlag
		Serve   commands.ServeCmd   `cmd:"" help:"Accept TLS connections and echo what clients send"`
		Inspect commands.InspectCmd `cmd:"" help:"List the PEM blocks in files and check them as server credentials"`
		Issue   commands.IssueCmd   `cmd:"" help:"Issue a certificate and key for local development"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("tlslistener"),
		kong.Description("TLS-terminating echo server and PEM credential tools."),
		kong.Configuration(config.YAML),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
