package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"valveautomation"
)

type simulateOptions struct {
	electrodes []uint
	noLink     bool
	noLog      bool
}

// NewSimulateCommand creates the simulate command, which dry-runs one
// automation session against electrodes that drain on every read.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an automation session against simulated electrodes",
		Long: `Run one automation session against simulated electrodes.

Valve commands go to the real controller unless --no-link is given. The step
log is written to log_dir and the session summary is printed as YAML.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().UintSliceVarP(&opts.electrodes, "electrodes", "e", nil, "activated electrode ids (required)")
	cmd.Flags().BoolVar(&opts.noLink, "no-link", false, "do not connect to the valve controller")
	cmd.Flags().BoolVar(&opts.noLog, "no-log", false, "do not write the step log")
	_ = cmd.MarkFlagRequired("electrodes")

	return cmd
}

func runSimulate(cmd *cobra.Command, rootOpts *RootOptions, opts *simulateOptions) error {
	cfg, err := LoadConfig(rootOpts.ConfigPath)
	if err != nil {
		return err
	}
	assignment, err := valveautomation.LoadAssignment(cfg.AssignmentPath)
	if err != nil {
		return err
	}
	valves, err := assignment.Invert()
	if err != nil {
		return err
	}

	logger := rootOpts.logger()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var session *valveautomation.Session
	source := valveautomation.NewSimulatedSource(cfg.Simulation.InitialPF, cfg.Simulation.DrainPFPerRead, cfg.Simulation.FloorPF)
	if opts.noLink {
		session = valveautomation.NewSession(cfg.sessionConfig(), valves, nil, source, nil, logger)
	} else {
		link, err := connectLink(ctx, rootOpts, cfg)
		if err != nil {
			return err
		}
		if link != nil {
			defer link.Close()
			session = valveautomation.NewSession(cfg.sessionConfig(), valves, link, source, nil, logger)
		} else {
			session = valveautomation.NewSession(cfg.sessionConfig(), valves, nil, source, nil, logger)
		}
	}

	activated := make([]valveautomation.ElectrodeID, len(opts.electrodes))
	for i, e := range opts.electrodes {
		activated[i] = valveautomation.ElectrodeID(e)
	}

	res := session.Run(ctx, activated)
	summary := res.Summary()
	if !opts.noLog {
		path, err := res.Log.Flush(cfg.LogDir, res.Started)
		if err != nil {
			return err
		}
		summary["log_path"] = path
	}

	out, err := yaml.Marshal(summary)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))

	if res.State == valveautomation.StateAborted {
		return fmt.Errorf("session %s aborted: %w", res.ID, res.Err)
	}
	return nil
}

func connectLink(ctx context.Context, rootOpts *RootOptions, cfg *Config) (*valveautomation.ValveLink, error) {
	candidates, err := cfg.candidatePorts()
	if err != nil {
		return nil, err
	}
	return valveautomation.Connect(ctx, candidates, rootOpts.dialer(cfg),
		valveautomation.FrameFormat(cfg.FrameFormat), rootOpts.logger())
}
