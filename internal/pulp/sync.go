package pulp

import (
	"context"

	"github.com/release-engineering/dockpulp/internal/config"
	"github.com/release-engineering/dockpulp/pkg/logger"
)

// SyncOptions tunes a server-side importer sync.
type SyncOptions struct {
	Feed         string
	Username     string
	Password     string
	UpstreamName string
}

// SyncRepo triggers an importer sync of repoID from the upstream
// environment, then copies the newly arrived units into the hidden repo so
// they can never be orphaned. Blobs ride along with their manifests and are
// not filtered separately.
func (c *Client) SyncRepo(ctx context.Context, from *config.Environment, repoID string, opts SyncOptions) error {
	repo, err := c.GetRepo(ctx, repoID)
	if err != nil {
		return err
	}

	feed := opts.Feed
	if feed == "" && from != nil {
		feed = from.RegistryURL
	}
	upstream := opts.UpstreamName
	if upstream == "" {
		upstream = repo.RegistryID()
	}

	override := map[string]interface{}{
		"feed":          feed,
		"upstream_name": upstream,
	}
	if opts.Username != "" {
		override["basic_auth_username"] = opts.Username
		override["basic_auth_password"] = opts.Password
	}

	taskID, err := c.postTask(ctx, "/repositories/"+repoID+"/actions/sync/", map[string]interface{}{
		"override_config": override,
	})
	if err != nil {
		return err
	}
	task, err := c.WatchTask(ctx, taskID, 0)
	if err != nil {
		return err
	}
	logger.Info("sync finished", "repo", repoID, "feed", feed, "task", taskID)

	// Only units associated since the sync started are new.
	units, err := c.searchUnitsSince(ctx, repoID,
		[]string{TypeImage, TypeManifest, TypeManifestList}, nil, task.StartTime, false)
	if err != nil {
		return err
	}

	var imageIDs, digests []string
	for _, u := range units {
		switch {
		case u.Image != nil:
			imageIDs = append(imageIDs, u.Image.ImageID)
		case u.Manifest != nil:
			digests = append(digests, u.Manifest.Digest)
		case u.ManifestList != nil:
			digests = append(digests, u.ManifestList.Digest)
		}
	}
	if len(imageIDs) == 0 && len(digests) == 0 {
		logger.Info("sync added no new units", "repo", repoID)
		return nil
	}

	// Manifests and manifest lists share the manifest_digest key; empty
	// $in branches are suppressed.
	var or []map[string]interface{}
	if len(imageIDs) > 0 {
		or = append(or, map[string]interface{}{
			"image_id": map[string]interface{}{"$in": imageIDs},
		})
	}
	if len(digests) > 0 {
		or = append(or, map[string]interface{}{
			"manifest_digest": map[string]interface{}{"$in": digests},
		})
	}

	return c.CopyFilters(ctx, HiddenRepo, repoID, criteria{
		TypeIDs: []string{TypeImage, TypeManifest, TypeManifestList},
		Filters: map[string]interface{}{
			"unit": map[string]interface{}{"$or": or},
		},
	})
}
