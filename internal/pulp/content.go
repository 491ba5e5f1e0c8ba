package pulp

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/release-engineering/dockpulp/pkg/logger"
)

// Copy associates a unit from source (the hidden repo when empty) into dest.
// Membership is additive: the unit stays in its source.
func (c *Client) Copy(ctx context.Context, dest string, ref UnitRef, source string) error {
	if source == "" {
		source = HiddenRepo
	}
	return c.CopyFilters(ctx, dest, source, refCriteria(ref))
}

// CopyFilters associates every unit matching crit from source into dest and
// awaits the task.
func (c *Client) CopyFilters(ctx context.Context, dest, source string, crit criteria) error {
	taskID, err := c.postTask(ctx, "/repositories/"+dest+"/actions/associate/", map[string]interface{}{
		"source_repo_id": source,
		"criteria":       crit,
	})
	if err != nil {
		return err
	}
	if _, err := c.WatchTask(ctx, taskID, 0); err != nil {
		return err
	}
	logger.Info("copied units", "from", source, "to", dest)
	return nil
}

// Remove disassociates a unit from a repo. Removing a v2 manifest with sigs
// set also drops matching detached signatures from the sigstore.
func (c *Client) Remove(ctx context.Context, repoID string, ref UnitRef, sigs bool) error {
	if err := c.unassociate(ctx, repoID, refCriteria(ref)); err != nil {
		return err
	}

	if d, ok := ref.(V2Digest); ok && sigs {
		repo, err := c.GetRepo(ctx, repoID)
		if err != nil {
			return err
		}
		algo := d.Digest.Algorithm().String()
		hex := d.Digest.Encoded()
		pattern := fmt.Sprintf("^%s@%s=%s/signature-[0-9]+$",
			regexp.QuoteMeta(repo.RegistryID()), regexp.QuoteMeta(algo), regexp.QuoteMeta(hex))
		return c.removeSignaturesMatching(ctx, pattern)
	}
	return nil
}

// RemoveRepoSignatures drops every sigstore signature published under the
// repo's docker id.
func (c *Client) RemoveRepoSignatures(ctx context.Context, repo *Repo) error {
	pattern := "^" + regexp.QuoteMeta(repo.RegistryID()) + "@.*/signature-[0-9]+$"
	return c.removeSignaturesMatching(ctx, pattern)
}

func (c *Client) removeSignaturesMatching(ctx context.Context, pattern string) error {
	return c.unassociate(ctx, SigstoreRepo, criteria{
		TypeIDs: []string{TypeISO},
		Filters: map[string]interface{}{
			"unit": map[string]interface{}{
				"name": map[string]interface{}{"$regex": pattern},
			},
		},
	})
}

// EmptyRepo disassociates every content unit from a repo. The units survive
// in their other repos (the hidden repo at minimum).
func (c *Client) EmptyRepo(ctx context.Context, id string) error {
	return c.unassociate(ctx, id, criteria{TypeIDs: AllContentTypes})
}

func (c *Client) unassociate(ctx context.Context, repoID string, crit criteria) error {
	taskID, err := c.postTask(ctx, "/repositories/"+repoID+"/actions/unassociate/", map[string]interface{}{
		"criteria": crit,
	})
	if err != nil {
		return err
	}
	_, err = c.WatchTask(ctx, taskID, 0)
	return err
}

// Ancestry returns the v1 parent chain of an image id within a repo,
// starting at the image itself. The result is freshly allocated per call.
func (c *Client) Ancestry(ctx context.Context, repoID, imageID string) ([]string, error) {
	units, err := c.searchUnits(ctx, repoID, []string{TypeImage}, nil, false)
	if err != nil {
		return nil, err
	}
	parents := map[string]string{}
	for _, u := range units {
		if u.Image != nil {
			parents[u.Image.ImageID] = u.Image.ParentID
		}
	}

	var chain []string
	seen := map[string]bool{}
	for id := imageID; id != "" && !seen[id]; {
		parent, ok := parents[id]
		if !ok {
			break
		}
		chain = append(chain, id)
		seen[id] = true
		id = parent
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("image %s not found in %s", imageID, repoID)
	}
	return chain, nil
}

// ImageIDsMatching returns every v1 image id in the repo with the given
// prefix, for resolving abbreviated ids at the CLI.
func (c *Client) ImageIDsMatching(ctx context.Context, repoID, prefix string) ([]string, error) {
	units, err := c.searchUnits(ctx, repoID, []string{TypeImage}, nil, false)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, u := range units {
		if u.Image != nil && strings.HasPrefix(u.Image.ImageID, prefix) {
			ids = append(ids, u.Image.ImageID)
		}
	}
	return ids, nil
}
