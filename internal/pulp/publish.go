package pulp

import (
	"context"

	"github.com/release-engineering/dockpulp/pkg/logger"
)

// PublishOptions shapes a release to the downstream registry.
type PublishOptions struct {
	SkipFastForward bool
	ForceRefresh    bool
	// SigStore publishes with the signature release order.
	SigStore bool
}

// Publish pushes a repo through each release distributor in order, awaiting
// every publish task in sequence.
func (c *Client) Publish(ctx context.Context, repoID string, opts PublishOptions) error {
	repo, err := c.GetRepo(ctx, repoID)
	if err != nil {
		return err
	}

	attached := map[string]bool{}
	for _, d := range repo.Distributors {
		attached[d.ID] = true
	}

	// Version negotiation has run by now; the order is final.
	order := c.releaseOrder
	if opts.SigStore && len(c.env.SigReleaseOrder) > 0 {
		order = c.env.SigReleaseOrder
	}

	for _, name := range order {
		tmpl, ok := c.distributors[name]
		if !ok {
			logger.Warn("release order names unknown distributor", "distributor", name)
			continue
		}
		if !attached[tmpl.DistributorID] {
			logger.Warn("distributor not attached, skipping", "repo", repoID, "distributor", tmpl.DistributorID)
			continue
		}
		taskID, err := c.postTask(ctx, "/repositories/"+repoID+"/actions/publish/", map[string]interface{}{
			"id": tmpl.DistributorID,
			"override_config": map[string]interface{}{
				"skip_fast_forward": opts.SkipFastForward,
				"force_full":        opts.ForceRefresh,
			},
		})
		if err != nil {
			return err
		}
		if _, err := c.WatchTask(ctx, taskID, 0); err != nil {
			return err
		}
		logger.Info("published", "repo", repoID, "distributor", tmpl.DistributorID)
	}
	return nil
}
