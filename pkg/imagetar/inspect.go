// Package imagetar inspects archives produced by "docker save" without
// extracting them to disk.
package imagetar

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// minDockerVersion is the oldest docker that produced layers Pulp can import.
var minDockerVersion = semver.MustParse("0.10.0")

// RepoCheck is the result of validating the archive's repositories file.
type RepoCheck int

const (
	RepoOK        RepoCheck = 0
	RepoMissing   RepoCheck = 1
	RepoMultiple  RepoCheck = 2
	RepoUnknownID RepoCheck = 3
)

// Layer is the metadata of a single image layer inside the archive.
type Layer struct {
	ID            string `json:"id"`
	Parent        string `json:"parent"`
	Size          int64  `json:"Size"`
	DockerVersion string `json:"docker_version"`
}

// Archive is the parsed view of a docker save tarball.
type Archive struct {
	Path   string
	Layers map[string]*Layer

	repoName string
	repoTags map[string]string
	hasRepos bool
}

// Inspect opens and parses the archive at path. It fails if any layer was
// built by a docker older than 0.10.
func Inspect(p string) (*Archive, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	a := &Archive{
		Path:     p,
		Layers:   make(map[string]*Layer),
		repoTags: make(map[string]string),
	}
	if err := a.scan(f); err != nil {
		return nil, err
	}
	if len(a.Layers) == 0 {
		return nil, fmt.Errorf("no image layers found in %s", p)
	}
	for id, layer := range a.Layers {
		if err := checkDockerVersion(layer.DockerVersion); err != nil {
			return nil, fmt.Errorf("layer %s: %w", id, err)
		}
	}
	return a, nil
}

func (a *Archive) scan(f io.Reader) error {
	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err != nil {
		return fmt.Errorf("failed to read archive header: %w", err)
	}

	var tr *tar.Reader
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		tr = tar.NewReader(gz)
	} else {
		tr = tar.NewReader(br)
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar member: %w", err)
		}
		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		switch {
		case path.Base(name) == "json" && strings.Count(name, "/") == 1:
			var layer Layer
			if err := json.NewDecoder(tr).Decode(&layer); err != nil {
				return fmt.Errorf("failed to parse %s: %w", hdr.Name, err)
			}
			if layer.ID == "" {
				layer.ID = path.Dir(name)
			}
			a.Layers[layer.ID] = &layer
		case name == "repositories":
			if err := a.parseRepositories(tr); err != nil {
				return err
			}
		}
	}
}

func (a *Archive) parseRepositories(r io.Reader) error {
	var repos map[string]map[string]string
	if err := json.NewDecoder(r).Decode(&repos); err != nil {
		return fmt.Errorf("failed to parse repositories file: %w", err)
	}
	a.hasRepos = true
	for name, tags := range repos {
		if a.repoName != "" {
			// Remember that more than one repo was defined; the
			// check method reports it.
			a.repoName = a.repoName + "\x00" + name
			continue
		}
		a.repoName = name
		for tag, id := range tags {
			a.repoTags[tag] = id
		}
	}
	return nil
}

// CheckRepositories validates the repositories member: 0 ok, 1 missing,
// 2 more than one repository defined, 3 a tag references an unknown id.
func (a *Archive) CheckRepositories() RepoCheck {
	if !a.hasRepos {
		return RepoMissing
	}
	if strings.Contains(a.repoName, "\x00") {
		return RepoMultiple
	}
	for _, id := range a.repoTags {
		if _, ok := a.Layers[id]; !ok {
			return RepoUnknownID
		}
	}
	return RepoOK
}

// Repository returns the single repository name and its tag map.
func (a *Archive) Repository() (string, map[string]string) {
	name := a.repoName
	if i := strings.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return name, a.repoTags
}

// LayerIDs returns every layer id in the archive, sorted.
func (a *Archive) LayerIDs() []string {
	ids := make([]string, 0, len(a.Layers))
	for id := range a.Layers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TopLayer returns the layer that no other layer names as its parent. When
// several layers qualify the one with the longest ancestor chain wins.
func (a *Archive) TopLayer() (string, error) {
	parents := make(map[string]bool, len(a.Layers))
	for _, layer := range a.Layers {
		if layer.Parent != "" {
			parents[layer.Parent] = true
		}
	}

	best := ""
	bestDepth := -1
	for id := range a.Layers {
		if parents[id] {
			continue
		}
		d := a.depth(id)
		if d > bestDepth || (d == bestDepth && id < best) {
			best, bestDepth = id, d
		}
	}
	if best == "" {
		return "", fmt.Errorf("no top layer found in %s", a.Path)
	}
	return best, nil
}

func (a *Archive) depth(id string) int {
	d := 0
	seen := make(map[string]bool)
	for {
		layer, ok := a.Layers[id]
		if !ok || layer.Parent == "" || seen[id] {
			return d
		}
		seen[id] = true
		id = layer.Parent
		d++
	}
}

// AncestryOf walks the parent chain of id, including id itself. The result
// is a fresh slice on every call.
func (a *Archive) AncestryOf(id string) []string {
	var chain []string
	seen := make(map[string]bool)
	for id != "" && !seen[id] {
		layer, ok := a.Layers[id]
		if !ok {
			break
		}
		chain = append(chain, id)
		seen[id] = true
		id = layer.Parent
	}
	return chain
}

func checkDockerVersion(v string) error {
	if v == "" {
		return nil
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("unparseable docker_version %q: %w", v, err)
	}
	if parsed.LessThan(minDockerVersion) {
		return fmt.Errorf("built by docker %s, 0.10 or newer required", v)
	}
	return nil
}
