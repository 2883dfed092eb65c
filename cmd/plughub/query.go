package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newQueryCommand(opts *globalOptions) *cobra.Command {
	var startAll bool
	cmd := &cobra.Command{
		Use:   "query <publisher> <plugin> <query> [key-json]",
		Short: "Resolve one query and print its output",
		Example: `  # Count commits of a repository
  plughub -c plughub.yaml query mitre git commits '{"repo":"github.com/mitre/hipcheck"}'`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key json.RawMessage
			if len(args) == 4 {
				key = json.RawMessage(args[3])
				if !json.Valid(key) {
					return fmt.Errorf("key is not valid JSON: %s", args[3])
				}
			}

			engine, specs, cleanup, err := opts.newEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			if startAll {
				if err := engine.Start(ctx, specs...); err != nil {
					return err
				}
			}

			res, err := engine.Query(ctx, args[0], args[1], args[2], key)
			if err != nil {
				return err
			}

			var out bytes.Buffer
			if err := json.Indent(&out, res.Output, "", "  "); err != nil {
				out.Reset()
				out.Write(res.Output)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.String())

			yellow := color.New(color.FgYellow).SprintFunc()
			for _, c := range res.Concerns {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", yellow("concern:"), c)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&startAll, "start-all", false, "start every configured plugin before querying")
	return cmd
}
