// Package cli implements the crawlscope command line: the API server, one-off
// syncs, migrations and a config dump.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/crawlscope/crawlscope/pkg/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Debug      bool
	Version    string
}

// NewRootCommand creates the root command for the crawlscope CLI.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{Version: version}

	cmd := &cobra.Command{
		Use:     "crawlscope",
		Short:   "crawlscope - AI crawler traffic analytics",
		Long:    "Pulls AI crawler traffic from Cloudflare zone analytics and keeps daily per-agent and per-path rollups.",
		Version: version,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "path to config file (missing file falls back to environment)")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "enable debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

func (o *RootOptions) loadConfig() (*config.Config, error) {
	return config.LoadFile(o.ConfigPath, o.Version)
}
