package crane

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/release-engineering/dockpulp/internal/pulp"
)

// checkManifests verifies each manifest's media type and that every layer
// and config digest it names is among the blobs Pulp published.
func (cf *Confirmer) checkManifests(ctx context.Context, view *pulp.RepoView, rr *RepoResult) {
	published := map[string]bool{}
	for _, blob := range view.Blobs {
		published[blob] = true
	}

	digests := sortedKeys(view.Manifests)
	for _, d := range digests {
		url := fmt.Sprintf("%s/v2/%s/manifests/%s", cf.env.RegistryURL, view.RegistryID, d)
		check := rr.newCheck("v2-manifest", url)
		check.probe()

		body, mediaType, err := cf.fetchManifest(ctx, url, pulp.MediaTypeManifestV2)
		if err != nil {
			check.missing(err.Error())
			rr.MissingManifests = append(rr.MissingManifests, d)
			rr.fail(1)
			continue
		}
		if mediaType != pulp.MediaTypeManifestV2 {
			check.corrupt("unexpected mediaType " + mediaType)
			rr.fail(1)
			continue
		}

		var manifest struct {
			Config struct {
				Digest string `json:"digest"`
			} `json:"config"`
			Layers []struct {
				Digest string `json:"digest"`
			} `json:"layers"`
		}
		if err := json.Unmarshal(body, &manifest); err != nil {
			check.corrupt("unparseable manifest: " + err.Error())
			rr.fail(1)
			continue
		}

		bad := 0
		refs := make([]string, 0, len(manifest.Layers)+1)
		if manifest.Config.Digest != "" {
			refs = append(refs, manifest.Config.Digest)
		}
		for _, l := range manifest.Layers {
			refs = append(refs, l.Digest)
		}
		for _, ref := range refs {
			if !published[ref] {
				rr.MissingBlobs = append(rr.MissingBlobs, ref)
				bad++
			}
		}
		if bad > 0 {
			check.corrupt(fmt.Sprintf("%d referenced blobs not published", bad))
			rr.fail(bad)
			continue
		}
		check.ok()
	}
}

// checkManifestLists verifies list media types and that every child manifest
// is reachable.
func (cf *Confirmer) checkManifestLists(ctx context.Context, view *pulp.RepoView, rr *RepoResult) {
	digests := sortedKeys(view.ManifestLists)
	for _, d := range digests {
		url := fmt.Sprintf("%s/v2/%s/manifests/%s", cf.env.RegistryURL, view.RegistryID, d)
		check := rr.newCheck("v2-manifest-list", url)
		check.probe()

		body, mediaType, err := cf.fetchManifest(ctx, url, pulp.MediaTypeManifestList)
		if err != nil {
			check.missing(err.Error())
			rr.MissingManifests = append(rr.MissingManifests, d)
			rr.fail(1)
			continue
		}
		if mediaType != pulp.MediaTypeManifestList {
			check.corrupt("unexpected mediaType " + mediaType)
			rr.fail(1)
			continue
		}

		var list struct {
			Manifests []struct {
				Digest string `json:"digest"`
			} `json:"manifests"`
		}
		if err := json.Unmarshal(body, &list); err != nil {
			check.corrupt("unparseable manifest list: " + err.Error())
			rr.fail(1)
			continue
		}

		bad := 0
		for _, child := range list.Manifests {
			childURL := fmt.Sprintf("%s/v2/%s/manifests/%s", cf.env.RegistryURL, view.RegistryID, child.Digest)
			status, err := cf.head(ctx, childURL)
			if err != nil || status != http.StatusOK {
				rr.MissingManifests = append(rr.MissingManifests, child.Digest)
				bad++
			}
		}
		if bad > 0 {
			check.corrupt(fmt.Sprintf("%d child manifests unreachable", bad))
			rr.fail(bad)
			continue
		}
		check.ok()
	}
}

// checkBlobs HEADs every published blob, following redirects. With
// CheckLayers each blob is also streamed and digest-verified.
func (cf *Confirmer) checkBlobs(ctx context.Context, view *pulp.RepoView, rr *RepoResult, opts Options) {
	for _, blob := range view.Blobs {
		url := fmt.Sprintf("%s/v2/%s/blobs/%s", cf.env.RegistryURL, view.RegistryID, blob)
		check := rr.newCheck("v2-blob", url)
		check.probe()

		status, err := cf.head(ctx, url)
		if err != nil || status != http.StatusOK {
			check.missing(fmt.Sprintf("HTTP %d %v", status, err))
			rr.MissingBlobs = append(rr.MissingBlobs, blob)
			rr.fail(1)
			continue
		}
		check.ok()

		if opts.CheckLayers {
			if err := cf.verifyBlobDigest(ctx, url, blob); err != nil {
				check.corrupt(err.Error())
				rr.CorruptBlobs = append(rr.CorruptBlobs, blob)
				rr.fail(1)
			}
		}
	}
}

// verifyBlobDigest streams the blob through a digest verifier.
func (cf *Confirmer) verifyBlobDigest(ctx context.Context, url, want string) error {
	expected, err := digest.Parse(want)
	if err != nil {
		return fmt.Errorf("bad expected digest %q: %w", want, err)
	}
	resp, _, err := cf.get(ctx, url, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d fetching blob", resp.StatusCode)
	}

	verifier := expected.Verifier()
	if _, err := io.Copy(verifier, io.LimitReader(resp.Body, maxLayerCheckBytes)); err != nil {
		return fmt.Errorf("failed to stream blob: %w", err)
	}
	if !verifier.Verified() {
		return fmt.Errorf("blob content does not match %s", want)
	}
	return nil
}

// checkTags reconciles the registry's tags/list with Pulp's tag units and
// reports the symmetric difference.
func (cf *Confirmer) checkTags(ctx context.Context, view *pulp.RepoView, rr *RepoResult) {
	if len(view.TagUnits) == 0 {
		return
	}
	url := fmt.Sprintf("%s/v2/%s/tags/list", cf.env.RegistryURL, view.RegistryID)
	check := rr.newCheck("v2-tags", url)
	check.probe()

	resp, _, err := cf.get(ctx, url, "")
	if err != nil {
		check.missing(err.Error())
		rr.fail(1)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		check.missing(fmt.Sprintf("HTTP %d", resp.StatusCode))
		rr.fail(1)
		return
	}

	var tags struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		check.corrupt("unparseable tags list: " + err.Error())
		rr.fail(1)
		return
	}

	inCrane := map[string]bool{}
	for _, t := range tags.Tags {
		inCrane[t] = true
	}
	for t := range view.TagUnits {
		if !inCrane[t] {
			rr.MissingTags = append(rr.MissingTags, t)
		}
	}
	for t := range inCrane {
		if _, ok := view.TagUnits[t]; !ok {
			rr.ExtraTags = append(rr.ExtraTags, t)
		}
	}
	sort.Strings(rr.MissingTags)
	sort.Strings(rr.ExtraTags)

	if n := len(rr.MissingTags) + len(rr.ExtraTags); n > 0 {
		check.corrupt(fmt.Sprintf("%d tags out of sync", n))
		rr.fail(n)
		return
	}
	check.ok()
}

func (cf *Confirmer) fetchManifest(ctx context.Context, url, accept string) ([]byte, string, error) {
	resp, _, err := cf.get(ctx, url, accept)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}

	mediaType := resp.Header.Get("Content-Type")
	var envelope struct {
		MediaType string `json:"mediaType"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.MediaType != "" {
		mediaType = envelope.MediaType
	}
	return body, mediaType, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
