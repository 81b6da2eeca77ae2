package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"valveautomation"
)

type sendOptions struct {
	port string
}

// NewSendCommand creates the send command, which writes one open or close
// frame to the valve controller.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send <open|close> <valve>...",
		Short: "Open or close valves directly",
		Long: `Send one open or close frame to the valve controller.

The port is taken from --port, else from valve_ports in the config, else
every discovered serial port is tried in order.`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, rootOpts, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.port, "port", "p", "", "serial port of the valve controller")

	return cmd
}

func runSend(cmd *cobra.Command, rootOpts *RootOptions, opts *sendOptions, args []string) error {
	var build func([]valveautomation.ValveID) valveautomation.ValveCommand
	switch args[0] {
	case "open":
		build = valveautomation.OpenValves
	case "close":
		build = valveautomation.CloseValves
	default:
		return fmt.Errorf("unknown action %q: must be open or close", args[0])
	}

	valves := make([]valveautomation.ValveID, 0, len(args)-1)
	for _, a := range args[1:] {
		v, err := parseUint(a, "valve")
		if err != nil {
			return err
		}
		valves = append(valves, valveautomation.ValveID(v))
	}

	cfg, err := LoadConfig(rootOpts.ConfigPath)
	if err != nil {
		return err
	}
	candidates := []string{opts.port}
	if opts.port == "" {
		if candidates, err = cfg.candidatePorts(); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	link, err := valveautomation.Connect(ctx, candidates, rootOpts.dialer(cfg),
		valveautomation.FrameFormat(cfg.FrameFormat), rootOpts.logger())
	if err != nil {
		return err
	}
	if link == nil {
		return errors.New("no valve controller found")
	}
	defer link.Close()

	c := build(valves)
	if err := link.Send(ctx, c); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %v via %s\n", c.Kind, c.Valves, link.Port())
	return nil
}
