package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/machinefabric/plughub-go/hub"
)

func newPluginsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "Start every configured plugin and report its status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, specs, cleanup, err := opts.newEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			startErr := engine.Start(cmd.Context(), specs...)

			cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
			fmt.Fprintf(cmd.OutOrStdout(), "%s (run %s)\n\n", cyan("Plugins"), engine.RunID())

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PLUGIN\tVERSION\tSTATE\tQUERIES")
			for _, p := range engine.Plugins() {
				fmt.Fprintf(w, "%s/%s\t%s\t%s\t%s\n",
					p.Descriptor.Publisher, p.Descriptor.Name, p.Descriptor.Version,
					stateColor(p.State)(string(p.State)), strings.Join(p.Queries, ", "))
			}
			w.Flush()

			red := color.New(color.FgRed).SprintFunc()
			for _, p := range engine.Plugins() {
				if p.Err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "\n%s %s: %v\n", red("✗"), p.Descriptor, p.Err)
				}
			}
			if startErr != nil {
				return fmt.Errorf("not every plugin started")
			}
			return nil
		},
	}
}

func stateColor(s hub.PluginState) func(a ...any) string {
	switch s {
	case hub.PluginRunning:
		return color.New(color.FgGreen).SprintFunc()
	case hub.PluginFailed:
		return color.New(color.FgRed).SprintFunc()
	case hub.PluginStopped:
		return color.New(color.FgYellow).SprintFunc()
	default:
		return color.New(color.FgHiBlack).SprintFunc()
	}
}
