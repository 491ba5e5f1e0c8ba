package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/release-engineering/dockpulp/internal/crane"
	"github.com/release-engineering/dockpulp/internal/pulp"
	"github.com/release-engineering/dockpulp/pkg/logger"
)

// NewReleaseCommand publishes repositories to the CDN through their attached
// distributors.
func NewReleaseCommand(a *App) *cobra.Command {
	var opts pulp.PublishOptions

	cmd := &cobra.Command{
		Use:   "release REPO-ID...",
		Short: "Publish repositories to the CDN",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			for _, id := range args {
				repoOpts := opts
				repoOpts.SigStore = id == pulp.SigstoreRepo
				if err := client.Publish(cmd.Context(), id, repoOpts); err != nil {
					return err
				}
				logger.Info("published repo", "repo", id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.SkipFastForward, "skip-fast-forward", false, "republish every unit instead of only new ones")
	cmd.Flags().BoolVar(&opts.ForceRefresh, "force-refresh", false, "force a full metadata refresh")
	return cmd
}

// NewConfirmCommand verifies published content is actually servable from
// crane and the CDN, and exits nonzero when anything is missing or corrupt.
func NewConfirmCommand(a *App) *cobra.Command {
	var opts crane.Options

	cmd := &cobra.Command{
		Use:   "confirm [REPO-ID...]",
		Short: "Confirm published content is servable",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			confirmer := crane.NewConfirmer(client, a.InsecureTLS)
			result, err := confirmer.ConfirmRepos(cmd.Context(), args, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, id := range sortedViewKeys(result.Repos) {
				rr := result.Repos[id]
				status := "ok"
				if rr.NumErrors > 0 {
					status = fmt.Sprintf("%d errors", rr.NumErrors)
				}
				fmt.Fprintf(out, "%s: %s\n", rr.RepoID, status)
				for _, check := range rr.Checks {
					if !check.Failed() {
						continue
					}
					fmt.Fprintf(out, "  %s %s %s: %s\n", check.State, check.Name, check.Target, check.Detail)
				}
			}
			if result.NumErrors > 0 {
				return &exitError{code: 1, msg: fmt.Sprintf("%d confirmation errors", result.NumErrors)}
			}
			logger.Info("all published content confirmed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.CheckLayers, "check-layers", false, "stream and digest-verify every layer and blob")
	cmd.Flags().BoolVar(&opts.SkipV2, "skip-v2", false, "skip the v2 endpoint checks")
	return cmd
}
