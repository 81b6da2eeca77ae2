package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"valveautomation"
)

// NewMapCommand creates the map command group for the electrode assignment.
func NewMapCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "map",
		Short: "Show or edit the valve to electrode assignment",
	}
	cmd.AddCommand(newMapShowCommand(rootOpts))
	cmd.AddCommand(newMapSetCommand(rootOpts))
	cmd.AddCommand(newMapUnsetCommand(rootOpts))
	return cmd
}

func newMapShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show",
		Short:         "Print the assignment, one valve per line",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			a, err := valveautomation.LoadAssignment(cfg.AssignmentPath)
			if err != nil {
				return err
			}
			if _, err := a.Invert(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "VALVE\tELECTRODE")
			for _, v := range a.Valves() {
				fmt.Fprintf(out, "%d\t%d\n", v, a[v])
			}
			return nil
		},
	}
}

func newMapSetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <valve> <electrode>",
		Short: "Assign an electrode to a valve",
		Long: `Assign an electrode to a valve and save the table.

The change is rejected if the electrode is already on another valve.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			valve, err := parseUint(args[0], "valve")
			if err != nil {
				return err
			}
			electrode, err := parseUint(args[1], "electrode")
			if err != nil {
				return err
			}
			return editAssignment(rootOpts, cmd, func(a valveautomation.Assignment) {
				a[valveautomation.ValveID(valve)] = valveautomation.ElectrodeID(electrode)
			})
		},
	}
}

func newMapUnsetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "unset <valve>",
		Short:         "Remove a valve from the assignment",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			valve, err := parseUint(args[0], "valve")
			if err != nil {
				return err
			}
			return editAssignment(rootOpts, cmd, func(a valveautomation.Assignment) {
				delete(a, valveautomation.ValveID(valve))
			})
		},
	}
}

// editAssignment loads the table (empty if the file does not exist yet),
// applies edit, checks the result inverts cleanly and saves it.
func editAssignment(rootOpts *RootOptions, cmd *cobra.Command, edit func(valveautomation.Assignment)) error {
	cfg, err := LoadConfig(rootOpts.ConfigPath)
	if err != nil {
		return err
	}

	a := valveautomation.Assignment{}
	if _, err := os.Stat(cfg.AssignmentPath); err == nil {
		if a, err = valveautomation.LoadAssignment(cfg.AssignmentPath); err != nil {
			return err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	edit(a)
	if _, err := a.Invert(); err != nil {
		return err
	}
	if err := valveautomation.SaveAssignment(cfg.AssignmentPath, a); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "saved %d assignments to %s\n", len(a), cfg.AssignmentPath)
	return nil
}

func parseUint(s, what string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: must be a non-negative integer", what, s)
	}
	return uint32(v), nil
}
