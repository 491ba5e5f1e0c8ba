package pulp

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/release-engineering/dockpulp/internal/common"
	"github.com/release-engineering/dockpulp/internal/config"
	"github.com/release-engineering/dockpulp/pkg/logger"
)

// Repo is the server-side repository document.
type Repo struct {
	ID           string                 `json:"id"`
	DisplayName  string                 `json:"display_name"`
	Description  string                 `json:"description"`
	Notes        map[string]interface{} `json:"notes"`
	Distributors []Distributor          `json:"distributors"`
	Scratchpad   map[string]interface{} `json:"scratchpad"`
}

// Distributor is one publishing plugin attached to a repo.
type Distributor struct {
	ID                string                 `json:"id"`
	DistributorTypeID string                 `json:"distributor_type_id"`
	Config            map[string]interface{} `json:"config"`
	AutoPublish       bool                   `json:"auto_publish"`
}

// RegistryID returns the docker id this distributor publishes under.
func (d Distributor) RegistryID() string {
	if v, ok := d.Config["repo-registry-id"].(string); ok {
		return v
	}
	return ""
}

// CreateOptions shapes a new repository.
type CreateOptions struct {
	URL          string
	RegistryID   string
	Distributors []string
	ProductLine  string
	Library      bool
	Distribution string
	Download     *bool
	RelURL       string
	RepoType     string
	Protected    bool
	Description  string
	Title        string

	// ExactDistributors bypasses the template catalog and attaches the
	// given distributor documents verbatim. Restore uses this to replay
	// dumped configurations.
	ExactDistributors []Distributor
}

// deriveRegistryID computes the docker id for a repo id, `product/name`.
func deriveRegistryID(id string, opts CreateOptions) string {
	if opts.RegistryID != "" {
		return opts.RegistryID
	}
	base := strings.TrimPrefix(id, repoPrefix)
	if opts.Library {
		return base
	}
	if opts.ProductLine != "" {
		rest := strings.TrimPrefix(base, opts.ProductLine+"-")
		return opts.ProductLine + "/" + rest
	}
	return strings.Replace(base, "-", "/", 1)
}

func validateRepoNaming(id, registryID string, library bool) error {
	if strings.Contains(id, "/") {
		return common.Errorf(common.ErrConfig, "repo id %q must not contain '/'", id)
	}
	if !strings.HasPrefix(id, repoPrefix) {
		return common.Errorf(common.ErrConfig, "repo id %q must start with %q", id, repoPrefix)
	}
	if library {
		if strings.Contains(registryID, "/") {
			return common.Errorf(common.ErrConfig, "library registry id %q must not contain '/'", registryID)
		}
		return nil
	}
	slash := strings.Index(registryID, "/")
	if slash < 0 || strings.Index(registryID[slash+1:], "/") >= 0 {
		return common.Errorf(common.ErrConfig, "registry id %q must contain exactly one '/'", registryID)
	}
	if strings.Contains(registryID[:slash], "-") {
		return common.Errorf(common.ErrConfig, "registry id %q must not contain '-' before '/'", registryID)
	}
	return nil
}

// CreateRepo validates naming and distribution policy, composes distributors
// from the environment templates and posts the create. Creating the hidden or
// sigstore repo attaches no distributors and marks the repo as origin.
func (c *Client) CreateRepo(ctx context.Context, id string, opts CreateOptions) (*Repo, error) {
	origin := id == HiddenRepo || id == SigstoreRepo

	registryID := deriveRegistryID(id, opts)
	if !origin {
		if err := validateRepoNaming(id, registryID, opts.Library); err != nil {
			return nil, err
		}
	}

	notes := map[string]interface{}{
		"_repo-type": "docker-repo",
	}
	if opts.RepoType != "" {
		notes["_repo-type"] = opts.RepoType
	}
	if origin {
		notes["origin"] = true
	}
	if opts.Download != nil {
		notes["include_in_download_service"] = *opts.Download
	}

	if opts.Distribution != "" {
		policy, err := c.distributionPolicy(opts.Distribution)
		if err != nil {
			return nil, err
		}
		if err := policy.Validate(id, opts.URL); err != nil {
			return nil, err
		}
		notes["distribution"] = opts.Distribution
		if policy.Signature != "" {
			notes["signatures"] = policy.Signature
		}
	}

	var distributors []map[string]interface{}
	if !origin && len(opts.ExactDistributors) > 0 {
		for _, d := range opts.ExactDistributors {
			distributors = append(distributors, map[string]interface{}{
				"distributor_type_id": d.DistributorTypeID,
				"distributor_id":      d.ID,
				"distributor_config":  d.Config,
				"auto_publish":        d.AutoPublish,
			})
		}
	} else if !origin {
		names := opts.Distributors
		if len(names) == 0 {
			names = c.env.Distributors
		}
		for _, name := range names {
			tmpl, ok := c.distributors[name]
			if !ok {
				return nil, common.Errorf(common.ErrConfig, "distributor %q is not defined for %s", name, c.env.Name)
			}
			tmpl = tmpl.Clone()
			tmpl.Config["repo-registry-id"] = registryID
			tmpl.Config["protected"] = opts.Protected
			if opts.URL != "" {
				tmpl.Config["redirect-url"] = c.env.FilerURL + opts.URL
			}
			if opts.RelURL != "" {
				tmpl.Config["rel-url"] = opts.RelURL
			}
			distributors = append(distributors, map[string]interface{}{
				"distributor_type_id": tmpl.DistributorTypeID,
				"distributor_id":      tmpl.DistributorID,
				"distributor_config":  tmpl.Config,
				"auto_publish":        tmpl.AutoPublish,
			})
		}
	}

	title := opts.Title
	if title == "" {
		title = id
	}

	body := map[string]interface{}{
		"id":               id,
		"display_name":     title,
		"description":      opts.Description,
		"notes":            notes,
		"importer_type_id": "docker_importer",
		"importer_config":  map[string]interface{}{},
		"distributors":     distributors,
	}
	if err := c.postJSON(ctx, "/repositories/", body, nil); err != nil {
		return nil, err
	}
	logger.Info("created repo", "repo", id, "registry-id", registryID)
	return c.GetRepo(ctx, id)
}

func (c *Client) distributionPolicy(name string) (config.DistributionPolicy, error) {
	if !c.env.DistributionEnabled {
		return config.DistributionPolicy{}, common.Errorf(common.ErrConfig,
			"distribution enforcement is not enabled for %s", c.env.Name)
	}
	policy, ok := c.policies[name]
	if !ok {
		return config.DistributionPolicy{}, common.Errorf(common.ErrConfig, "unknown distribution %q", name)
	}
	return policy, nil
}

// GetRepo fetches one repository with its distributors.
func (c *Client) GetRepo(ctx context.Context, id string) (*Repo, error) {
	params := url.Values{"details": []string{"true"}}
	var repo Repo
	if err := c.getJSON(ctx, "/repositories/"+id+"/", params, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// CloneRepo creates newID with the source repo's configuration and copies
// every content unit across.
func (c *Client) CloneRepo(ctx context.Context, sourceID, newID string) (*Repo, error) {
	source, err := c.GetRepo(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	opts := CreateOptions{
		Description: source.Description,
		Title:       source.DisplayName,
	}
	if len(source.Distributors) > 0 {
		d := source.Distributors[0]
		if v, ok := d.Config["redirect-url"].(string); ok {
			opts.URL = strings.TrimPrefix(v, c.env.FilerURL)
		}
		if v, ok := d.Config["protected"].(bool); ok {
			opts.Protected = v
		}
	}
	if _, err := c.CreateRepo(ctx, newID, opts); err != nil {
		return nil, err
	}

	taskID, err := c.postTask(ctx, "/repositories/"+newID+"/actions/associate/", map[string]interface{}{
		"source_repo_id": sourceID,
		"criteria":       criteria{TypeIDs: AllContentTypes},
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.WatchTask(ctx, taskID, 0); err != nil {
		return nil, err
	}
	return c.GetRepo(ctx, newID)
}

// updatableKeys is the exact set UpdateRepo recognizes. Everything else is
// ignored with a warning.
var updatableKeys = map[string]bool{
	"redirect-url":     true,
	"repo-registry-id": true,
	"description":      true,
	"display_name":     true,
	"tag":              true,
	"protected":        true,
	"signature":        true,
	"distribution":     true,
	"download":         true,
	"auto_publish":     true,
	"rel-url":          true,
}

// UpdateRepo applies a delta of recognized keys. Distributor-config keys are
// broadcast to every attached distributor.
func (c *Client) UpdateRepo(ctx context.Context, id string, delta map[string]string) error {
	repo, err := c.GetRepo(ctx, id)
	if err != nil {
		return err
	}

	repoDelta := map[string]interface{}{}
	notes := map[string]interface{}{}
	distConfig := map[string]interface{}{}
	var autoPublish *bool

	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := delta[key]
		if !updatableKeys[key] {
			logger.Warn("ignoring unknown update key", "repo", id, "key", key)
			continue
		}
		switch key {
		case "description":
			repoDelta["description"] = value
		case "display_name":
			repoDelta["display_name"] = value
		case "redirect-url":
			u, err := url.Parse(value)
			if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
				return common.Errorf(common.ErrConfig, "redirect-url %q must be an absolute http(s) url", value)
			}
			distConfig["redirect-url"] = value
		case "repo-registry-id":
			distConfig["repo-registry-id"] = value
		case "protected":
			distConfig["protected"] = parseBool(value)
		case "signature":
			distConfig["signature"] = value
		case "rel-url":
			distConfig["rel-url"] = value
		case "download":
			notes["include_in_download_service"] = parseBool(value)
		case "auto_publish":
			v := parseBool(value)
			autoPublish = &v
		case "distribution":
			if err := c.checkDistributionTransition(repo, value); err != nil {
				return err
			}
			notes["distribution"] = value
		case "tag":
			if err := c.applyTags(ctx, repo, value); err != nil {
				return err
			}
		}
	}

	if len(notes) > 0 {
		repoDelta["notes"] = notes
	}

	body := map[string]interface{}{}
	if len(repoDelta) > 0 {
		body["delta"] = repoDelta
	}
	if len(distConfig) > 0 {
		configs := map[string]interface{}{}
		for _, d := range repo.Distributors {
			configs[d.ID] = distConfig
		}
		body["distributor_configs"] = configs
	}
	if len(body) > 0 {
		res, err := c.call(ctx, http.MethodPut, "/repositories/"+id+"/", nil, body, nil)
		if err != nil {
			return err
		}
		if res.TaskID != "" {
			if _, err := c.WatchTask(ctx, res.TaskID, 0); err != nil {
				return err
			}
		}
	}

	if autoPublish != nil {
		for _, d := range repo.Distributors {
			res, err := c.call(ctx, http.MethodPut, "/repositories/"+id+"/distributors/"+d.ID+"/", nil,
				map[string]interface{}{"auto_publish": *autoPublish}, nil)
			if err != nil {
				return err
			}
			if res.TaskID != "" {
				if _, err := c.WatchTask(ctx, res.TaskID, 0); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// checkDistributionTransition rejects moving a repo between distributions
// and revalidates the naming rules of the new one.
func (c *Client) checkDistributionTransition(repo *Repo, newDist string) error {
	policy, err := c.distributionPolicy(newDist)
	if err != nil {
		return err
	}
	if current, ok := repo.Notes["distribution"].(string); ok && current != "" && current != newDist {
		return common.Errorf(common.ErrConfig,
			"repo %s already belongs to distribution %q, cannot move to %q", repo.ID, current, newDist)
	}
	return policy.Validate(repo.ID, "")
}

// applyTags handles the `tag1,tag2:<id>` grammar. The empty-tags form
// `:<id>` drops every tag of that id. Tags live in the repo scratchpad.
func (c *Client) applyTags(ctx context.Context, repo *Repo, spec string) error {
	colon := strings.Index(spec, ":")
	if colon < 0 {
		return common.Errorf(common.ErrConfig, "tag value %q must be of the form tag1,tag2:<id>", spec)
	}
	tagPart, unitID := spec[:colon], spec[colon+1:]
	if unitID == "" {
		return common.Errorf(common.ErrConfig, "tag value %q names no image or manifest id", spec)
	}

	tags := map[string]string{}
	if raw, ok := repo.Scratchpad["tags"].(map[string]interface{}); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				tags[k] = s
			}
		}
	}
	for tag, id := range tags {
		if id == unitID {
			delete(tags, tag)
		}
	}
	for _, tag := range strings.Split(tagPart, ",") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			tags[tag] = unitID
		}
	}

	res, err := c.call(ctx, http.MethodPut, "/repositories/"+repo.ID+"/", nil, map[string]interface{}{
		"delta": map[string]interface{}{
			"scratchpad": map[string]interface{}{"tags": tags},
		},
	}, nil)
	if err != nil {
		return err
	}
	if res.TaskID != "" {
		if _, err := c.WatchTask(ctx, res.TaskID, 0); err != nil {
			return err
		}
	}
	repo.Scratchpad = map[string]interface{}{"tags": toInterfaceMap(tags)}
	return nil
}

func toInterfaceMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DeleteRepo removes a repository. With publish, the repo is emptied and
// republished first so the downstream registry reflects the removal; with
// sigs, matching signatures leave the sigstore too.
func (c *Client) DeleteRepo(ctx context.Context, id string, publish, sigs bool) error {
	if publish || sigs {
		repo, err := c.GetRepo(ctx, id)
		if err != nil {
			return err
		}
		if sigs {
			if err := c.RemoveRepoSignatures(ctx, repo); err != nil {
				return err
			}
		}
		if publish {
			if err := c.EmptyRepo(ctx, id); err != nil {
				return err
			}
			if err := c.Publish(ctx, id, PublishOptions{}); err != nil {
				return err
			}
			if sigs {
				if err := c.Publish(ctx, SigstoreRepo, PublishOptions{SigStore: true}); err != nil {
					return err
				}
			}
		}
	}

	res, err := c.call(ctx, http.MethodDelete, "/repositories/"+id+"/", nil, nil, nil)
	if err != nil {
		return err
	}
	if res.TaskID != "" {
		if _, err := c.WatchTask(ctx, res.TaskID, 0); err != nil {
			return err
		}
	}
	logger.Info("deleted repo", "repo", id)
	return nil
}

// AssociateDistributor attaches a template-defined distributor to a repo.
func (c *Client) AssociateDistributor(ctx context.Context, name, repoID string) error {
	tmpl, ok := c.distributors[name]
	if !ok {
		return common.Errorf(common.ErrConfig, "distributor %q is not defined for %s", name, c.env.Name)
	}
	body := map[string]interface{}{
		"distributor_type_id": tmpl.DistributorTypeID,
		"distributor_id":      tmpl.DistributorID,
		"distributor_config":  tmpl.Clone().Config,
		"auto_publish":        tmpl.AutoPublish,
	}
	return c.postJSON(ctx, "/repositories/"+repoID+"/distributors/", body, nil)
}

// DisassociateDistributor detaches a named distributor from a repo.
func (c *Client) DisassociateDistributor(ctx context.Context, name, repoID string) error {
	tmpl, ok := c.distributors[name]
	if !ok {
		return common.Errorf(common.ErrConfig, "distributor %q is not defined for %s", name, c.env.Name)
	}
	res, err := c.call(ctx, http.MethodDelete, "/repositories/"+repoID+"/distributors/"+tmpl.DistributorID+"/", nil, nil, nil)
	if err != nil {
		return err
	}
	if res.TaskID != "" {
		if _, err := c.WatchTask(ctx, res.TaskID, 0); err != nil {
			return err
		}
	}
	return nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1", "on":
		return true
	}
	return false
}

// RegistryID resolves the docker id a repo publishes under, preferring the
// distributor config and falling back to the conventional derivation.
func (r *Repo) RegistryID() string {
	for _, d := range r.Distributors {
		if id := d.RegistryID(); id != "" {
			return id
		}
	}
	base := strings.TrimPrefix(r.ID, repoPrefix)
	return strings.Replace(base, "-", "/", 1)
}

// Distribution returns the distribution note, if set.
func (r *Repo) Distribution() string {
	if v, ok := r.Notes["distribution"].(string); ok {
		return v
	}
	return ""
}

// ensureDockerRepo guards against the server handing back a repo of another
// content family.
func ensureDockerRepo(r *Repo) error {
	t, ok := r.Notes["_repo-type"].(string)
	if !ok || !strings.HasPrefix(t, "docker-") {
		return common.Errorf(common.ErrInternal, "%s is not a docker repo (repo-type %v)", r.ID, r.Notes["_repo-type"])
	}
	return nil
}
