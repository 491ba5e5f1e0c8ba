package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/release-engineering/dockpulp/internal/common"
	"github.com/release-engineering/dockpulp/internal/pulp"
	"github.com/release-engineering/dockpulp/pkg/imagetar"
	"github.com/release-engineering/dockpulp/pkg/logger"
)

// inspectArchive validates an image archive before any server traffic. The
// repositories check maps to dedicated exit codes so build pipelines can
// tell a missing repositories file from an ambiguous one.
func inspectArchive(path string) (*imagetar.Archive, error) {
	if strings.HasSuffix(path, ".xz") {
		return nil, common.Errorf(common.ErrConfig, "%s: xz archives are not supported, decompress first", path)
	}
	archive, err := imagetar.Inspect(path)
	if err != nil {
		return nil, err
	}
	if code := archive.CheckRepositories(); code != imagetar.RepoOK {
		msg := map[imagetar.RepoCheck]string{
			imagetar.RepoMissing:   "no repositories file",
			imagetar.RepoMultiple:  "more than one repository in the repositories file",
			imagetar.RepoUnknownID: "repositories file references an unknown image id",
		}[code]
		return nil, &exitError{code: 2 + int(code), msg: fmt.Sprintf("%s: %s", path, msg)}
	}
	return archive, nil
}

// NewUploadCommand streams a docker save archive into the hidden repo and
// optionally copies its layers into the named repos.
func NewUploadCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "upload ARCHIVE [REPO-ID...]",
		Short: "Upload a docker save archive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := inspectArchive(args[0])
			if err != nil {
				return err
			}
			client, err := a.Client()
			if err != nil {
				return err
			}
			res, err := client.UploadImage(cmd.Context(), archive, args[1:])
			if err != nil {
				return err
			}
			logger.Info("upload complete", "top-layer", res.TopLayer, "layers", len(res.LayerIDs), "bytes", res.BytesSent)
			fmt.Fprintln(cmd.OutOrStdout(), res.TopLayer)
			return nil
		},
	}
}

// NewPushToPulpCommand is the one-shot build pipeline entry point: upload the
// archive, copy it into the target repo, apply tags and publish.
func NewPushToPulpCommand(a *App) *cobra.Command {
	var tags string
	var noPublish bool

	cmd := &cobra.Command{
		Use:   "push_to_pulp ARCHIVE REPO-ID",
		Short: "Upload, tag and publish an image in one step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := inspectArchive(args[0])
			if err != nil {
				return err
			}
			client, err := a.Client()
			if err != nil {
				return err
			}
			repoID := args[1]

			res, err := client.UploadImage(cmd.Context(), archive, []string{repoID})
			if err != nil {
				return err
			}

			if tags != "" {
				spec := tags + ":" + res.TopLayer
				if err := client.UpdateRepo(cmd.Context(), repoID, map[string]string{"tag": spec}); err != nil {
					return err
				}
			}

			if !noPublish {
				if err := client.Publish(cmd.Context(), repoID, pulp.PublishOptions{}); err != nil {
					return err
				}
			}
			logger.Info("pushed image", "repo", repoID, "top-layer", res.TopLayer)
			return nil
		},
	}
	cmd.Flags().StringVar(&tags, "tags", "", "comma-separated tags to apply to the uploaded image")
	cmd.Flags().BoolVar(&noPublish, "no-publish", false, "skip the publish step")
	return cmd
}
