package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/glimte/cachesync-go/config"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// settings carries the viper instance shared by all subcommands. Flags are
// bound by the command that runs, and win over the environment and the
// config file when set.
type settings struct {
	v          *viper.Viper
	configPath string
}

func (s *settings) load() (*config.Config, error) {
	return config.Load(s.v, s.configPath)
}

func (s *settings) bind(cmd *cobra.Command, key, flag string) {
	if err := s.v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}

func newRootCmd() *cobra.Command {
	s := &settings{v: config.New()}

	rootCmd := &cobra.Command{
		Use:   "cachesync",
		Short: "Keep service caches consistent over RabbitMQ",
		Long: `cachesync runs the API gateway or one of the user, product and order
services. Services publish domain events, consume their inbox queue and keep
local copies of the users and products they depend on. The gateway verifies
access tokens and forwards the caller's capabilities to the services.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&s.configPath, "config", "c", "", "YAML config file; environment variables take precedence")

	rootCmd.AddCommand(
		newGatewayCmd(s),
		newServeCmd(s),
		newSetupTopologyCmd(s),
		newQueuesCmd(s),
		newPublishCmd(s),
		newTokenCmd(s),
	)

	return rootCmd
}
