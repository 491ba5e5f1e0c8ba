package pulp

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/release-engineering/dockpulp/internal/common"
)

// Media types the downstream registry serves.
const (
	MediaTypeManifestV1     = "application/vnd.docker.distribution.manifest.v1+json"
	MediaTypeManifestV2     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeManifestList   = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeContainerImage = "application/vnd.docker.container.image.v1+json"
)

// V1Info is the v1 compatibility metadata behind a manifest or image.
type V1Info struct {
	ID     string
	Parent string
	Labels map[string]string
}

func (c *Client) registryHTTP() *http.Client {
	return &http.Client{
		Timeout: time.Minute,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: c.insecure}, // #nosec G402
		},
	}
}

// fetchV1Compatibility pulls the schema1 rendering of a manifest from the
// registry and extracts the embedded v1 metadata of its top layer.
func (c *Client) fetchV1Compatibility(ctx context.Context, dockerID, reference string) (*V1Info, error) {
	u := fmt.Sprintf("%s/v2/%s/manifests/%s", c.env.RegistryURL, dockerID, reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", MediaTypeManifestV1)

	resp, err := c.registryHTTP().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &common.Error{Kind: common.ErrProtocol, Message: "manifest fetch failed", Status: resp.StatusCode, URL: u}
	}

	var manifest struct {
		History []struct {
			V1Compatibility string `json:"v1Compatibility"`
		} `json:"history"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, &common.Error{Kind: common.ErrProtocol, Message: "cannot parse schema1 manifest", URL: u, Err: err}
	}
	if len(manifest.History) == 0 {
		return nil, &common.Error{Kind: common.ErrProtocol, Message: "schema1 manifest has no history", URL: u}
	}
	return parseV1Compatibility([]byte(manifest.History[0].V1Compatibility))
}

// FetchV1Info reads the v1 JSON endpoint for one image id.
func (c *Client) FetchV1Info(ctx context.Context, imageID string) (*V1Info, error) {
	u := fmt.Sprintf("%s/v1/images/%s/json", c.env.RegistryURL, imageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.registryHTTP().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &common.Error{Kind: common.ErrProtocol, Message: "v1 json fetch failed", Status: resp.StatusCode, URL: u}
	}
	var body json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &common.Error{Kind: common.ErrProtocol, Message: "cannot parse v1 json", URL: u, Err: err}
	}
	return parseV1Compatibility(body)
}

func parseV1Compatibility(data []byte) (*V1Info, error) {
	var compat struct {
		ID     string `json:"id"`
		Parent string `json:"parent"`
		Config struct {
			Labels map[string]string `json:"Labels"`
		} `json:"config"`
	}
	if err := json.Unmarshal(data, &compat); err != nil {
		return nil, &common.Error{Kind: common.ErrProtocol, Message: "cannot parse v1 compatibility metadata", Err: err}
	}
	return &V1Info{ID: compat.ID, Parent: compat.Parent, Labels: compat.Config.Labels}, nil
}
