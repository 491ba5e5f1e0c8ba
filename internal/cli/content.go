package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/release-engineering/dockpulp/internal/config"
	"github.com/release-engineering/dockpulp/internal/pulp"
	"github.com/release-engineering/dockpulp/pkg/logger"
)

// NewCopyCommand copies content units into a repository. References are v1
// image ids, v2 digests or signature names; the source defaults to the
// hidden everything-repo.
func NewCopyCommand(a *App) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "copy REPO-ID REFERENCE...",
		Short: "Copy content units into a repository",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			for _, raw := range args[1:] {
				ref := pulp.ParseUnitRef(raw)
				if err := client.Copy(cmd.Context(), args[0], ref, source); err != nil {
					return err
				}
				logger.Info("copied unit", "repo", args[0], "unit", ref.String())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "repository to copy from (defaults to the hidden repo)")
	return cmd
}

// NewRemoveCommand removes content units from a repository.
func NewRemoveCommand(a *App) *cobra.Command {
	var sigs bool

	cmd := &cobra.Command{
		Use:   "remove REPO-ID REFERENCE...",
		Short: "Remove content units from a repository",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			for _, raw := range args[1:] {
				ref := pulp.ParseUnitRef(raw)
				if err := client.Remove(cmd.Context(), args[0], ref, sigs); err != nil {
					return err
				}
				logger.Info("removed unit", "repo", args[0], "unit", ref.String())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&sigs, "sigs", false, "also remove signatures covering removed manifests")
	return cmd
}

// NewTagCommand sets the tags of an image: "t1,t2:IMAGE-ID" adds tags,
// ":IMAGE-ID" removes all of the image's tags.
func NewTagCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "tag REPO-ID TAGS:IMAGE-ID",
		Short: "Tag an image in a repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			return client.UpdateRepo(cmd.Context(), args[0], map[string]string{"tag": args[1]})
		},
	}
}

// NewAncestryCommand prints an image's parent chain, oldest last.
func NewAncestryCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "ancestry REPO-ID IMAGE-ID",
		Short: "Print the ancestry of an image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			chain, err := client.Ancestry(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			for _, id := range chain {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

// NewImageIDsCommand resolves a (possibly abbreviated) image id prefix.
func NewImageIDsCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "imageids REPO-ID PREFIX",
		Short: "List image ids matching a prefix",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			ids, err := client.ImageIDsMatching(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

// NewOrphansCommand lists or deletes units not associated with any repo.
func NewOrphansCommand(a *App) *cobra.Command {
	var clean bool

	cmd := &cobra.Command{
		Use:   "orphans [TYPE-ID...]",
		Short: "List or clean orphaned content units",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			types := args
			if len(types) == 0 {
				types = pulp.AllContentTypes
			}
			for _, typeID := range types {
				orphans, err := client.ListOrphans(cmd.Context(), typeID)
				if err != nil {
					return err
				}
				for _, o := range orphans {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", o.TypeID, o.ID)
				}
				if clean && len(orphans) > 0 {
					if err := client.CleanOrphans(cmd.Context(), typeID); err != nil {
						return err
					}
					logger.Info("cleaned orphans", "type", typeID, "count", len(orphans))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&clean, "remove", false, "delete the listed orphans")
	return cmd
}

// NewTaskCommand prints the current state of server-side tasks.
func NewTaskCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "task TASK-ID...",
		Short: "Show server task state",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			for _, id := range args {
				task, err := client.GetTask(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tstarted=%s\tfinished=%s\n",
					task.ID, task.State, task.StartTime, task.FinishTime)
				if task.Traceback != "" {
					fmt.Fprintln(cmd.OutOrStdout(), task.Traceback)
				}
			}
			return nil
		},
	}
}

// NewSyncCommand syncs a repository from another environment's registry.
func NewSyncCommand(a *App) *cobra.Command {
	var opts pulp.SyncOptions

	cmd := &cobra.Command{
		Use:   "sync SOURCE-ENV REPO-ID",
		Short: "Sync a repository from another environment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			var from *config.Environment
			if opts.Feed == "" {
				from, err = config.LoadEnvironment(a.ConfigFile, args[0])
				if err != nil {
					return err
				}
			}
			return client.SyncRepo(cmd.Context(), from, args[1], opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.Feed, "feed", "", "registry url to sync from (defaults to the source environment's registry)")
	flags.StringVar(&opts.Username, "feed-username", "", "username for the feed registry")
	flags.StringVar(&opts.Password, "feed-password", "", "password for the feed registry")
	flags.StringVar(&opts.UpstreamName, "upstream-name", "", "upstream repo name (defaults to the repo's registry id)")
	return cmd
}
