package pulp

import (
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Pulp content type ids.
const (
	TypeImage        = "docker_image"
	TypeManifest     = "docker_manifest"
	TypeManifestList = "docker_manifest_list"
	TypeBlob         = "docker_blob"
	TypeTag          = "docker_tag"
	TypeISO          = "iso"
)

// v2Types is the whole v2 family a digest reference can resolve to.
var v2Types = []string{TypeManifest, TypeManifestList, TypeBlob, TypeTag}

// AllContentTypes lists every content type a docker repo can hold.
var AllContentTypes = []string{TypeImage, TypeManifest, TypeManifestList, TypeBlob, TypeTag, TypeISO}

// UnitRef identifies one content unit by the shape of its id. The variant
// decides which type family a server-side criteria targets, so nothing below
// the CLI sniffs strings.
type UnitRef interface {
	// TypeIDs is the content type family the reference can match.
	TypeIDs() []string
	// UnitFilter is the unit-level filter for association criteria.
	UnitFilter() map[string]interface{}
	// String returns the original id.
	String() string
}

// V1Image references a v1 image layer by its image id.
type V1Image struct{ ID string }

func (r V1Image) TypeIDs() []string { return []string{TypeImage} }
func (r V1Image) String() string    { return r.ID }
func (r V1Image) UnitFilter() map[string]interface{} {
	return map[string]interface{}{"image_id": r.ID}
}

// V2Digest references any v2 unit (manifest, manifest list, blob or tag) by
// digest.
type V2Digest struct{ Digest digest.Digest }

func (r V2Digest) TypeIDs() []string { return v2Types }
func (r V2Digest) String() string    { return r.Digest.String() }
func (r V2Digest) UnitFilter() map[string]interface{} {
	return map[string]interface{}{
		"$or": []map[string]interface{}{
			{"digest": r.Digest.String()},
			{"manifest_digest": r.Digest.String()},
		},
	}
}

// SignatureRef references a detached signature iso unit by name,
// `<docker-id>@<algo>=<hex>/signature-N`.
type SignatureRef struct{ Name string }

func (r SignatureRef) TypeIDs() []string { return []string{TypeISO} }
func (r SignatureRef) String() string    { return r.Name }
func (r SignatureRef) UnitFilter() map[string]interface{} {
	return map[string]interface{}{"name": r.Name}
}

var signatureName = regexp.MustCompile(`^.+@[a-z0-9]+=[a-fA-F0-9]+/signature-\d+$`)

// ParseUnitRef maps an id string onto its unit variant. This is the only
// place id shapes are sniffed.
func ParseUnitRef(s string) UnitRef {
	if strings.HasPrefix(s, "sha256:") {
		return V2Digest{Digest: digest.Digest(s)}
	}
	if signatureName.MatchString(s) {
		return SignatureRef{Name: s}
	}
	return V1Image{ID: s}
}

// criteria is the Pulp association criteria document.
type criteria struct {
	TypeIDs []string               `json:"type_ids"`
	Filters map[string]interface{} `json:"filters,omitempty"`
	Limit   int                    `json:"limit,omitempty"`
	Skip    int                    `json:"skip,omitempty"`
	Fields  []string               `json:"fields,omitempty"`
}

func refCriteria(ref UnitRef) criteria {
	return criteria{
		TypeIDs: ref.TypeIDs(),
		Filters: map[string]interface{}{"unit": ref.UnitFilter()},
	}
}

// ImageUnit is a v1 image content unit.
type ImageUnit struct {
	ImageID  string `json:"image_id"`
	ParentID string `json:"parent_id"`
}

// ManifestUnit is a v2 manifest content unit.
type ManifestUnit struct {
	Digest        string   `json:"digest"`
	SchemaVersion int      `json:"schema_version"`
	Tag           string   `json:"tag"`
	FSLayers      []string `json:"-"`
	ConfigDigest  string   `json:"config_layer"`

	// Enrichment filled in by listRepos.
	Labels   map[string]string `json:"-"`
	V1Parent string            `json:"-"`
}

// ManifestListUnit is a v2 manifest list content unit.
type ManifestListUnit struct {
	Digest    string   `json:"digest"`
	Manifests []string `json:"manifests"`
	Tags      []string `json:"tags"`
}

// BlobUnit is a v2 blob content unit.
type BlobUnit struct {
	Digest string `json:"digest"`
}

// TagUnit names a manifest.
type TagUnit struct {
	Name           string `json:"name"`
	ManifestDigest string `json:"manifest_digest"`
}

// SignatureUnit is an iso unit in the sigstore repo.
type SignatureUnit struct {
	Name     string `json:"name"`
	Checksum string `json:"checksum"`
}

// ImageTree maps an image id to the tree of its children.
type ImageTree map[string]ImageTree

// BuildImageTree arranges v1 layers into parent/child trees. Keys of the
// returned tree are root ids: layers whose parent is not in the set.
func BuildImageTree(parents map[string]string) ImageTree {
	children := make(map[string][]string)
	for id, parent := range parents {
		if parent == "" {
			continue
		}
		if _, known := parents[parent]; known {
			children[parent] = append(children[parent], id)
		}
	}

	var build func(id string) ImageTree
	build = func(id string) ImageTree {
		tree := ImageTree{}
		for _, child := range children[id] {
			tree[child] = build(child)
		}
		return tree
	}

	roots := ImageTree{}
	for id, parent := range parents {
		if _, known := parents[parent]; parent == "" || !known {
			roots[id] = build(id)
		}
	}
	return roots
}
