package pulp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUnitRef(t *testing.T) {
	ref := ParseUnitRef("2bf9a0b2e19e9deb5e1a68b9b8c0b2b3e6a2f7f3e8d9c0b1a2c3d4e5f6070809")
	img, ok := ref.(V1Image)
	require.True(t, ok)
	assert.Equal(t, []string{TypeImage}, img.TypeIDs())
	assert.Equal(t, map[string]interface{}{"image_id": img.ID}, img.UnitFilter())

	ref = ParseUnitRef("sha256:5f70bf18a086007016e948b04aed3b82103a36bea41755b6cddfaf10ace3c6ef")
	dig, ok := ref.(V2Digest)
	require.True(t, ok)
	assert.Equal(t, v2Types, dig.TypeIDs())
	filter := dig.UnitFilter()
	or, ok := filter["$or"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, or, 2)
	assert.Equal(t, dig.String(), or[0]["digest"])
	assert.Equal(t, dig.String(), or[1]["manifest_digest"])

	ref = ParseUnitRef("myproduct/myrepo@sha256=abc123/signature-1")
	sig, ok := ref.(SignatureRef)
	require.True(t, ok)
	assert.Equal(t, []string{TypeISO}, sig.TypeIDs())
	assert.Equal(t, map[string]interface{}{"name": sig.Name}, sig.UnitFilter())
}

func TestParseUnitRef_SignatureShapes(t *testing.T) {
	for _, name := range []string{
		"repo@sha256=abcdef/signature-1",
		"ns/repo@sha512=ABCdef123/signature-42",
	} {
		_, ok := ParseUnitRef(name).(SignatureRef)
		assert.True(t, ok, name)
	}
	for _, name := range []string{
		"repo@sha256=abcdef/signature-",
		"repo@sha256/signature-1",
		"plain-image-id",
	} {
		_, ok := ParseUnitRef(name).(V1Image)
		assert.True(t, ok, name)
	}
}

func TestBuildImageTree(t *testing.T) {
	parents := map[string]string{
		"base":  "",
		"mid":   "base",
		"leaf1": "mid",
		"leaf2": "mid",
		"loner": "outside",
	}
	tree := BuildImageTree(parents)

	require.Contains(t, tree, "base")
	assert.Contains(t, tree["base"], "mid")
	assert.Contains(t, tree["base"]["mid"], "leaf1")
	assert.Contains(t, tree["base"]["mid"], "leaf2")
	// A parent outside the set makes the layer a root.
	assert.Contains(t, tree, "loner")
}

func TestRefCriteria(t *testing.T) {
	crit := refCriteria(V1Image{ID: "abc"})
	assert.Equal(t, []string{TypeImage}, crit.TypeIDs)
	unit, ok := crit.Filters["unit"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "abc", unit["image_id"])
}
