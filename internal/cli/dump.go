package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/release-engineering/dockpulp/internal/pulp"
	"github.com/release-engineering/dockpulp/pkg/logger"
)

// NewDumpCommand snapshots every repo's configuration as JSON.
func NewDumpCommand(a *App) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Dump repository configuration as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			dump, err := client.Dump(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(dump); err != nil {
				return err
			}
			logger.Info("dumped environment", "environment", dump.Environment, "repos", len(dump.Repos))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the dump to a file instead of stdout")
	return cmd
}

// NewRestoreCommand replays a dump file into the current environment.
func NewRestoreCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "restore DUMP-FILE",
		Short: "Recreate repositories from a dump file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var dump pulp.EnvironmentDump
			if err := json.Unmarshal(data, &dump); err != nil {
				return err
			}
			if err := client.Restore(cmd.Context(), &dump); err != nil {
				return err
			}
			logger.Info("restored environment", "repos", len(dump.Repos))
			return nil
		},
	}
}
