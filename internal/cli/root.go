package cli

import (
	"github.com/spf13/cobra"
	"go.viam.com/rdk/logging"

	"valveautomation"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	ConfigPath string

	// dial overrides the serial dialer in tests.
	dial valveautomation.Dialer
}

// NewRootCommand creates the root command for the valvectl CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "valvectl",
		Short: "Operate the valve automation controller",
		Long: `Operate the valve automation controller outside the robot runtime:
inspect and edit the electrode assignment, talk to the valve controller
directly, and dry-run an automation session against simulated electrodes.`,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "valvectl.yaml", "path to configuration file")

	cmd.AddCommand(NewPortsCommand(opts))
	cmd.AddCommand(NewMapCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))

	return cmd
}

func (o *RootOptions) logger() logging.Logger {
	logger := logging.NewLogger("valvectl")
	if o.Verbose {
		logger.SetLevel(logging.DEBUG)
	}
	return logger
}

func (o *RootOptions) dialer(cfg *Config) valveautomation.Dialer {
	if o.dial != nil {
		return o.dial
	}
	return valveautomation.SerialDialer(cfg.BaudRate)
}
