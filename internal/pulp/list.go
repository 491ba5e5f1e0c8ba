package pulp

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/release-engineering/dockpulp/internal/common"
	"github.com/release-engineering/dockpulp/pkg/logger"
)

// contentWindow is the fixed pagination window for unit searches.
const contentWindow = 10000

// ListOptions selects how much of each repo to materialize.
type ListOptions struct {
	Content  bool
	History  bool
	Labels   bool
	Since    string
	Paginate bool
}

// RepoView is the client-side normalized view of one repository.
type RepoView struct {
	ID              string
	RegistryID      string
	RedirectURL     string
	Description     string
	Title           string
	Distribution    string
	Protected       bool
	DownloadService bool

	Tags map[string]string

	Images         []ImageUnit
	ImagesChildren ImageTree
	Manifests      map[string]*ManifestUnit
	ManifestLists  map[string]*ManifestListUnit
	Blobs          []string
	TagUnits       map[string]string
	Signatures     []SignatureUnit

	History json.RawMessage
}

// unitEnvelope is one decoded row of a unit search.
type unitEnvelope struct {
	TypeID       string
	Image        *ImageUnit
	Manifest     *ManifestUnit
	ManifestList *ManifestListUnit
	Blob         *BlobUnit
	Tag          *TagUnit
	Signature    *SignatureUnit
}

// ListRepos returns normalized views of the named repos, or of every docker
// repo when ids is empty.
func (c *Client) ListRepos(ctx context.Context, ids []string, opts ListOptions) ([]*RepoView, error) {
	if opts.Labels {
		opts.Content = true
	}
	var repos []*Repo
	if len(ids) == 0 {
		if err := c.postJSON(ctx, "/repositories/search/", map[string]interface{}{
			"criteria": map[string]interface{}{
				"filters": map[string]interface{}{
					"notes._repo-type": map[string]interface{}{"$regex": "docker-repo"},
				},
			},
			"distributors": true,
		}, &repos); err != nil {
			return nil, err
		}
	} else {
		for _, id := range ids {
			repo, err := c.GetRepo(ctx, id)
			if err != nil {
				return nil, err
			}
			repos = append(repos, repo)
		}
	}

	views := make([]*RepoView, 0, len(repos))
	for _, repo := range repos {
		if err := ensureDockerRepo(repo); err != nil {
			return nil, err
		}
		view := newRepoView(repo)
		if opts.Content {
			if err := c.fillContent(ctx, repo, view, opts); err != nil {
				return nil, err
			}
		}
		if opts.History {
			var history json.RawMessage
			if err := c.getJSON(ctx, "/repositories/"+repo.ID+"/history/", nil, &history); err == nil {
				view.History = history
			}
		}
		views = append(views, view)
	}
	return views, nil
}

func newRepoView(repo *Repo) *RepoView {
	view := &RepoView{
		ID:            repo.ID,
		RegistryID:    repo.RegistryID(),
		Description:   repo.Description,
		Title:         repo.DisplayName,
		Distribution:  repo.Distribution(),
		Tags:          map[string]string{},
		Manifests:     map[string]*ManifestUnit{},
		ManifestLists: map[string]*ManifestListUnit{},
		TagUnits:      map[string]string{},
	}
	for _, d := range repo.Distributors {
		if v, ok := d.Config["redirect-url"].(string); ok && view.RedirectURL == "" {
			view.RedirectURL = v
		}
		if v, ok := d.Config["protected"].(bool); ok {
			view.Protected = view.Protected || v
		}
	}
	if v, ok := repo.Notes["include_in_download_service"].(bool); ok {
		view.DownloadService = v
	}
	if raw, ok := repo.Scratchpad["tags"].(map[string]interface{}); ok {
		for tag, id := range raw {
			if s, ok := id.(string); ok {
				view.Tags[tag] = s
			}
		}
	}
	return view
}

func (c *Client) fillContent(ctx context.Context, repo *Repo, view *RepoView, opts ListOptions) error {
	units, err := c.searchUnitsSince(ctx, repo.ID, AllContentTypes, nil, opts.Since, opts.Paginate)
	if err != nil {
		return err
	}

	parents := map[string]string{}
	for _, u := range units {
		switch {
		case u.Image != nil:
			view.Images = append(view.Images, *u.Image)
			parents[u.Image.ImageID] = u.Image.ParentID
		case u.Manifest != nil:
			view.Manifests[u.Manifest.Digest] = u.Manifest
		case u.ManifestList != nil:
			view.ManifestLists[u.ManifestList.Digest] = u.ManifestList
		case u.Blob != nil:
			view.Blobs = append(view.Blobs, u.Blob.Digest)
		case u.Tag != nil:
			view.TagUnits[u.Tag.Name] = u.Tag.ManifestDigest
		case u.Signature != nil:
			view.Signatures = append(view.Signatures, *u.Signature)
		}
	}
	sort.Slice(view.Images, func(i, j int) bool { return view.Images[i].ImageID < view.Images[j].ImageID })
	sort.Strings(view.Blobs)
	view.ImagesChildren = BuildImageTree(parents)

	if opts.Labels {
		c.enrichManifests(ctx, view)
	}
	return nil
}

// enrichManifests follows each manifest back to its v1 compatibility
// metadata to pick up labels and the parent image id. Failures only degrade
// the view; listing still succeeds.
func (c *Client) enrichManifests(ctx context.Context, view *RepoView) {
	for digest, m := range view.Manifests {
		info, err := c.fetchV1Compatibility(ctx, view.RegistryID, digest)
		if err != nil {
			logger.Debug("no v1 metadata for manifest", "repo", view.ID, "digest", digest, "error", err)
			continue
		}
		m.Labels = info.Labels
		m.V1Parent = info.Parent
	}
}

// searchUnits enumerates content units of the given types. With paginate the
// search walks fixed windows under a stable `_last_updated <= now` filter so
// units landing mid-scan cannot loop it forever.
func (c *Client) searchUnits(ctx context.Context, repoID string, types []string, unitFilter map[string]interface{}, paginate bool) ([]unitEnvelope, error) {
	return c.searchUnitsSince(ctx, repoID, types, unitFilter, "", paginate)
}

func (c *Client) searchUnitsSince(ctx context.Context, repoID string, types []string, unitFilter map[string]interface{}, since string, paginate bool) ([]unitEnvelope, error) {
	filters := map[string]interface{}{}
	if unitFilter != nil {
		filters["unit"] = unitFilter
	}
	assoc := map[string]interface{}{}
	if since != "" {
		assoc["created"] = map[string]interface{}{"$gte": since}
	}
	if paginate {
		assoc["_last_updated"] = map[string]interface{}{
			"$lte": float64(time.Now().Unix()),
		}
	}
	if len(assoc) > 0 {
		filters["association"] = assoc
	}

	var all []unitEnvelope
	skip := 0
	for {
		crit := criteria{TypeIDs: types}
		if len(filters) > 0 {
			crit.Filters = filters
		}
		if paginate {
			crit.Limit = contentWindow
			crit.Skip = skip
		}

		var rows []struct {
			UnitTypeID string          `json:"unit_type_id"`
			Metadata   json.RawMessage `json:"metadata"`
		}
		if err := c.postJSON(ctx, "/repositories/"+repoID+"/search/units/", map[string]interface{}{
			"criteria": crit,
		}, &rows); err != nil {
			return nil, err
		}
		for _, row := range rows {
			env, err := decodeUnit(row.UnitTypeID, row.Metadata)
			if err != nil {
				return nil, err
			}
			all = append(all, env)
		}

		if !paginate || len(rows) == 0 {
			break
		}
		skip += contentWindow
	}
	return all, nil
}

func decodeUnit(typeID string, metadata json.RawMessage) (unitEnvelope, error) {
	env := unitEnvelope{TypeID: typeID}
	var err error
	switch typeID {
	case TypeImage:
		var u ImageUnit
		err = json.Unmarshal(metadata, &u)
		env.Image = &u
	case TypeManifest:
		var meta struct {
			Digest        string `json:"digest"`
			SchemaVersion int    `json:"schema_version"`
			Tag           string `json:"tag"`
			FSLayers      []struct {
				BlobSum string `json:"blob_sum"`
			} `json:"fs_layers"`
			ConfigLayer string `json:"config_layer"`
		}
		err = json.Unmarshal(metadata, &meta)
		u := ManifestUnit{
			Digest:        meta.Digest,
			SchemaVersion: meta.SchemaVersion,
			Tag:           meta.Tag,
			ConfigDigest:  meta.ConfigLayer,
		}
		for _, l := range meta.FSLayers {
			u.FSLayers = append(u.FSLayers, l.BlobSum)
		}
		env.Manifest = &u
	case TypeManifestList:
		var u ManifestListUnit
		err = json.Unmarshal(metadata, &u)
		env.ManifestList = &u
	case TypeBlob:
		var u BlobUnit
		err = json.Unmarshal(metadata, &u)
		env.Blob = &u
	case TypeTag:
		var u TagUnit
		err = json.Unmarshal(metadata, &u)
		env.Tag = &u
	case TypeISO:
		var u SignatureUnit
		err = json.Unmarshal(metadata, &u)
		env.Signature = &u
	default:
		// Unknown unit types are carried as opaque envelopes.
	}
	if err != nil {
		return env, &common.Error{Kind: common.ErrProtocol, Message: "cannot decode " + typeID + " unit", Err: err}
	}
	return env, nil
}
