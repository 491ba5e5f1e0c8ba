package pulp

import (
	"context"
	"sort"
	"strings"

	"github.com/release-engineering/dockpulp/pkg/logger"
)

// RepoDump is the portable snapshot of one repository's configuration.
type RepoDump struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	RegistryID   string            `json:"registry_id"`
	RedirectURL  string            `json:"redirect_url"`
	Protected    bool              `json:"protected"`
	Distribution string            `json:"distribution,omitempty"`
	Distributors []Distributor     `json:"distributors"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// EnvironmentDump is the whole environment's repo configuration, suitable
// for replay into an empty environment.
type EnvironmentDump struct {
	Environment string     `json:"environment"`
	Repos       []RepoDump `json:"repos"`
}

// Dump snapshots every docker repo's configuration.
func (c *Client) Dump(ctx context.Context) (*EnvironmentDump, error) {
	views, err := c.ListRepos(ctx, nil, ListOptions{})
	if err != nil {
		return nil, err
	}

	dump := &EnvironmentDump{Environment: c.env.Name}
	for _, view := range views {
		repo, err := c.GetRepo(ctx, view.ID)
		if err != nil {
			return nil, err
		}
		dump.Repos = append(dump.Repos, RepoDump{
			ID:           repo.ID,
			Title:        repo.DisplayName,
			Description:  repo.Description,
			RegistryID:   repo.RegistryID(),
			RedirectURL:  view.RedirectURL,
			Protected:    view.Protected,
			Distribution: repo.Distribution(),
			Distributors: repo.Distributors,
			Tags:         view.Tags,
		})
	}
	sort.Slice(dump.Repos, func(i, j int) bool { return dump.Repos[i].ID < dump.Repos[j].ID })
	return dump, nil
}

// Restore replays a dump into the current environment, recreating repo ids,
// titles, descriptions, redirects, distributor configs and tag associations.
// Tags are applied sorted by the id they point at for reproducible replay.
func (c *Client) Restore(ctx context.Context, dump *EnvironmentDump) error {
	for _, r := range dump.Repos {
		if r.ID == HiddenRepo || r.ID == SigstoreRepo {
			if _, err := c.CreateRepo(ctx, r.ID, CreateOptions{}); err != nil {
				return err
			}
			continue
		}

		opts := CreateOptions{
			RegistryID:        r.RegistryID,
			Description:       r.Description,
			Title:             r.Title,
			Protected:         r.Protected,
			Distribution:      r.Distribution,
			Library:           !strings.Contains(r.RegistryID, "/"),
			ExactDistributors: r.Distributors,
		}
		// Without dumped distributors, fall back to the environment
		// templates with the dumped redirect path.
		if len(r.Distributors) == 0 && r.RedirectURL != "" {
			opts.URL = strings.TrimPrefix(r.RedirectURL, c.env.FilerURL)
		}
		if _, err := c.CreateRepo(ctx, r.ID, opts); err != nil {
			return err
		}

		// Group tags by target id so each id gets one update call.
		byID := map[string][]string{}
		for tag, id := range r.Tags {
			byID[id] = append(byID[id], tag)
		}
		ids := make([]string, 0, len(byID))
		for id := range byID {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			tags := byID[id]
			sort.Strings(tags)
			delta := map[string]string{"tag": strings.Join(tags, ",") + ":" + id}
			if err := c.UpdateRepo(ctx, r.ID, delta); err != nil {
				return err
			}
		}
		logger.Info("restored repo", "repo", r.ID)
	}
	return nil
}
