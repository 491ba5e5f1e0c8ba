package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/release-engineering/dockpulp/internal/common"
	"github.com/release-engineering/dockpulp/internal/pulp"
	"github.com/release-engineering/dockpulp/pkg/logger"
)

// NewCreateCommand registers a new docker repository.
func NewCreateCommand(a *App) *cobra.Command {
	var opts pulp.CreateOptions
	var download bool

	cmd := &cobra.Command{
		Use:   "create REPO-ID CONTENT-URL",
		Short: "Create a docker repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			opts.URL = args[1]
			if cmd.Flags().Changed("download") {
				opts.Download = &download
			}
			repo, err := client.CreateRepo(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			logger.Info("created repo", "repo", repo.ID, "registry-id", repo.RegistryID())
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.RegistryID, "registry-id", "", "docker id to publish under (derived from the repo id when omitted)")
	flags.StringVar(&opts.ProductLine, "product-line", "", "product line prefix of the repo id")
	flags.BoolVar(&opts.Library, "library", false, "create a library-level repo (no product namespace)")
	flags.StringVar(&opts.Title, "title", "", "display title")
	flags.StringVar(&opts.Description, "description", "", "repo description")
	flags.StringVar(&opts.Distribution, "distribution", "", "distribution scope")
	flags.StringSliceVar(&opts.Distributors, "distributor", nil, "distributor template to attach (repeatable)")
	flags.BoolVar(&opts.Protected, "protected", false, "require entitlement certificates to pull")
	flags.BoolVar(&download, "download", false, "set the download service note")
	flags.StringVar(&opts.RelURL, "rel-url", "", "relative publish url override")
	return cmd
}

// NewCloneCommand copies an existing repo's configuration and content into a
// new repo id.
func NewCloneCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "clone SOURCE-REPO NEW-REPO",
		Short: "Clone a repository, configuration and content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			repo, err := client.CloneRepo(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			logger.Info("cloned repo", "source", args[0], "repo", repo.ID)
			return nil
		},
	}
}

// NewDeleteCommand removes repositories, optionally publishing the emptied
// state to the CDN first so content disappears from crane.
func NewDeleteCommand(a *App) *cobra.Command {
	var publish, sigs bool

	cmd := &cobra.Command{
		Use:   "delete REPO-ID...",
		Short: "Delete repositories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := client.DeleteRepo(cmd.Context(), id, publish, sigs); err != nil {
					return err
				}
				logger.Info("deleted repo", "repo", id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "empty and publish before deleting so the CDN forgets the content")
	cmd.Flags().BoolVar(&sigs, "sigs", false, "also remove the repo's signatures from the sigstore")
	return cmd
}

// NewEmptyCommand removes every content unit from repositories without
// touching their configuration.
func NewEmptyCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "empty REPO-ID...",
		Short: "Remove all content from repositories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := client.EmptyRepo(cmd.Context(), id); err != nil {
					return err
				}
				logger.Info("emptied repo", "repo", id)
			}
			return nil
		},
	}
}

// NewUpdateCommand applies KEY=VALUE settings to a repository. Tag updates
// use the key "tag" with a "t1,t2:image-id" value.
func NewUpdateCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "update REPO-ID KEY=VALUE...",
		Short: "Update repository settings",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			delta := map[string]string{}
			for _, kv := range args[1:] {
				key, value, ok := strings.Cut(kv, "=")
				if !ok {
					return common.Errorf(common.ErrConfig, "expected KEY=VALUE, got %q", kv)
				}
				delta[key] = value
			}
			return client.UpdateRepo(cmd.Context(), args[0], delta)
		},
	}
}

// NewListCommand prints repositories, with optional content detail.
func NewListCommand(a *App) *cobra.Command {
	var opts pulp.ListOptions

	cmd := &cobra.Command{
		Use:   "list [REPO-ID...]",
		Short: "List repositories and their content",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			views, err := client.ListRepos(cmd.Context(), args, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, view := range views {
				printRepoView(out, view, opts)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.BoolVarP(&opts.Content, "content", "c", false, "include content units")
	flags.BoolVar(&opts.History, "history", false, "include publish history")
	flags.BoolVar(&opts.Labels, "labels", false, "include manifest labels (implies --content)")
	flags.StringVar(&opts.Since, "since", "", "only content associated on or after this ISO8601 timestamp")
	flags.BoolVar(&opts.Paginate, "paginate", true, "page content searches in fixed windows")
	return cmd
}

func printRepoView(out io.Writer, view *pulp.RepoView, opts pulp.ListOptions) {
	fmt.Fprintf(out, "%s\n", view.ID)
	if view.RegistryID != "" {
		fmt.Fprintf(out, "  registry id: %s\n", view.RegistryID)
	}
	if view.RedirectURL != "" {
		fmt.Fprintf(out, "  redirect: %s\n", view.RedirectURL)
	}
	if view.Distribution != "" {
		fmt.Fprintf(out, "  distribution: %s\n", view.Distribution)
	}
	if !opts.Content && !opts.Labels {
		return
	}
	for _, img := range view.Images {
		fmt.Fprintf(out, "  image: %s\n", img.ImageID)
		for _, tag := range tagsFor(view.Tags, img.ImageID) {
			fmt.Fprintf(out, "    tag: %s\n", tag)
		}
	}
	for _, d := range sortedViewKeys(view.Manifests) {
		fmt.Fprintf(out, "  manifest: %s\n", d)
	}
	for _, d := range sortedViewKeys(view.ManifestLists) {
		fmt.Fprintf(out, "  manifest list: %s\n", d)
	}
	for _, blob := range view.Blobs {
		fmt.Fprintf(out, "  blob: %s\n", blob)
	}
	for _, tag := range sortedViewKeys(view.TagUnits) {
		fmt.Fprintf(out, "  v2 tag: %s -> %s\n", tag, view.TagUnits[tag])
	}
	for _, sig := range view.Signatures {
		fmt.Fprintf(out, "  signature: %s\n", sig.Name)
	}
}

func tagsFor(tags map[string]string, imageID string) []string {
	var out []string
	for tag, id := range tags {
		if id == imageID {
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}

func sortedViewKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NewJSONCommand dumps the same views list produces, as JSON.
func NewJSONCommand(a *App) *cobra.Command {
	var opts pulp.ListOptions

	cmd := &cobra.Command{
		Use:   "json [REPO-ID...]",
		Short: "Print repositories as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			views, err := client.ListRepos(cmd.Context(), args, opts)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(views)
		},
	}
	flags := cmd.Flags()
	flags.BoolVarP(&opts.Content, "content", "c", false, "include content units")
	flags.BoolVar(&opts.History, "history", false, "include publish history")
	flags.BoolVar(&opts.Labels, "labels", false, "include manifest labels (implies --content)")
	flags.StringVar(&opts.Since, "since", "", "only content associated on or after this ISO8601 timestamp")
	flags.BoolVar(&opts.Paginate, "paginate", true, "page content searches in fixed windows")
	return cmd
}

// NewAssociateCommand attaches a distributor template to a repository.
func NewAssociateCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "associate DISTRIBUTOR REPO-ID",
		Short: "Associate a distributor with a repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			return client.AssociateDistributor(cmd.Context(), args[0], args[1])
		},
	}
}

// NewDisassociateCommand detaches a distributor from a repository.
func NewDisassociateCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "disassociate DISTRIBUTOR REPO-ID",
		Short: "Disassociate a distributor from a repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			return client.DisassociateDistributor(cmd.Context(), args[0], args[1])
		},
	}
}
