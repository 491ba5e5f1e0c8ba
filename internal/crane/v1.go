package crane

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/release-engineering/dockpulp/internal/pulp"
)

// maxLayerCheckBytes bounds how much of a layer a content check reads.
const maxLayerCheckBytes = 512 << 20

// checkV1 reconciles the v1 image set with the registry and probes each
// image's json/ancestry/layer files under the redirect URL. The return value
// reports a TLS failure that must short-circuit the rest of the ladder.
func (cf *Confirmer) checkV1(ctx context.Context, view *pulp.RepoView, rr *RepoResult, opts Options) bool {
	url := fmt.Sprintf("%s/v1/repositories/%s/images", cf.env.RegistryURL, view.RegistryID)
	check := rr.newCheck("v1-images", url)
	check.probe()

	resp, tlsFailed, err := cf.get(ctx, url, "")
	if err != nil {
		check.missing(err.Error())
		if tlsFailed {
			return true
		}
		rr.fail(1)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		check.missing(fmt.Sprintf("HTTP %d", resp.StatusCode))
		rr.fail(1)
		return false
	}

	var listed []struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		check.corrupt("unparseable image list: " + err.Error())
		rr.fail(1)
		return false
	}
	check.ok()

	inCrane := map[string]bool{}
	for _, img := range listed {
		inCrane[img.ID] = true
	}
	inPulp := map[string]bool{}
	for _, img := range view.Images {
		inPulp[img.ImageID] = true
	}

	for id := range inPulp {
		if !inCrane[id] {
			rr.InPulpNotCrane = append(rr.InPulpNotCrane, id)
		}
	}
	for id := range inCrane {
		if !inPulp[id] {
			rr.InCraneNotPulp = append(rr.InCraneNotPulp, id)
		}
	}
	sort.Strings(rr.InPulpNotCrane)
	sort.Strings(rr.InCraneNotPulp)
	rr.fail(len(rr.InPulpNotCrane) + len(rr.InCraneNotPulp))

	if view.RedirectURL == "" {
		return false
	}
	for _, img := range view.Images {
		for _, part := range []string{"json", "ancestry", "layer"} {
			target := fmt.Sprintf("%s/%s/%s", view.RedirectURL, img.ImageID, part)
			c := rr.newCheck("v1-"+part, target)
			c.probe()
			status, err := cf.head(ctx, target)
			if err != nil || status != http.StatusOK {
				c.missing(fmt.Sprintf("HTTP %d %v", status, err))
				rr.MissingLayers = append(rr.MissingLayers, img.ImageID+"/"+part)
				rr.fail(1)
				continue
			}
			c.ok()

			if part == "layer" && opts.CheckLayers {
				if err := cf.validateLayerTar(ctx, target); err != nil {
					c.corrupt(err.Error())
					rr.fail(1)
				}
			}
		}
	}
	return false
}

// validateLayerTar pulls a layer and confirms it reads as a tar stream.
func (cf *Confirmer) validateLayerTar(ctx context.Context, url string) error {
	resp, _, err := cf.get(ctx, url, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d fetching layer", resp.StatusCode)
	}

	limited := bufio.NewReader(io.LimitReader(resp.Body, maxLayerCheckBytes))
	var tr *tar.Reader
	if magic, err := limited.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(limited)
		if err != nil {
			return fmt.Errorf("layer gzip stream is corrupt: %w", err)
		}
		defer gz.Close()
		tr = tar.NewReader(gz)
	} else {
		// Some layers are stored uncompressed.
		tr = tar.NewReader(limited)
	}
	for {
		if _, err := tr.Next(); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("layer is not a valid tar: %w", err)
		}
	}
}
