package pulp

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDump(t *testing.T) {
	repoDoc := map[string]interface{}{
		"id":           "redhat-foo-bar",
		"display_name": "Foo Bar",
		"description":  "words",
		"notes":        map[string]interface{}{"_repo-type": "docker-repo"},
		"distributors": []map[string]interface{}{
			{"id": "web", "config": map[string]interface{}{
				"repo-registry-id": "foo/bar",
				"redirect-url":     "https://cdn.example.com/content/foo/bar",
				"protected":        true,
			}},
		},
		"scratchpad": map[string]interface{}{
			"tags": map[string]interface{}{"latest": "abc"},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/pulp/api/v2/repositories/search/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, []map[string]interface{}{repoDoc})
	})
	serveRepo(t, mux, repoDoc)

	c, _ := newTestClient(t, mux)
	dump, err := c.Dump(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "test", dump.Environment)
	require.Len(t, dump.Repos, 1)
	r := dump.Repos[0]
	assert.Equal(t, "redhat-foo-bar", r.ID)
	assert.Equal(t, "Foo Bar", r.Title)
	assert.Equal(t, "foo/bar", r.RegistryID)
	assert.Equal(t, "https://cdn.example.com/content/foo/bar", r.RedirectURL)
	assert.True(t, r.Protected)
	assert.Equal(t, "abc", r.Tags["latest"])
}

func TestRestore(t *testing.T) {
	var created []map[string]interface{}
	var tagPuts []string
	mux := http.NewServeMux()
	mux.HandleFunc("/pulp/api/v2/repositories/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		created = append(created, body)
		writeJSON(t, w, http.StatusCreated, map[string]string{})
	})
	mux.HandleFunc("/pulp/api/v2/repositories/redhat-foo-bar/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			data, _ := json.Marshal(body)
			tagPuts = append(tagPuts, string(data))
			writeJSON(t, w, http.StatusOK, map[string]string{})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]interface{}{
			"id":    "redhat-foo-bar",
			"notes": map[string]interface{}{"_repo-type": "docker-repo"},
		})
	})
	serveRepo(t, mux, map[string]interface{}{
		"id":    HiddenRepo,
		"notes": map[string]interface{}{"_repo-type": "docker-repo", "origin": true},
	})

	c, _ := newTestClient(t, mux, WithDistributors(webDistributorCatalog()))
	c.env.FilerURL = "https://cdn.example.com"

	dump := &EnvironmentDump{
		Environment: "test",
		Repos: []RepoDump{
			{ID: HiddenRepo},
			{
				ID:         "redhat-foo-bar",
				Title:      "Foo Bar",
				RegistryID: "foo/bar",
				Tags:       map[string]string{"latest": "abc", "v1": "abc"},
				Distributors: []Distributor{
					{
						ID:                "docker_web_distributor_name_cli",
						DistributorTypeID: "docker_distributor_web",
						Config: map[string]interface{}{
							"repo-registry-id": "foo/bar",
							"rel-url":          "content/foo/bar",
							"protected":        true,
						},
						AutoPublish: true,
					},
				},
			},
		},
	}
	require.NoError(t, c.Restore(context.Background(), dump))

	require.Len(t, created, 2)
	assert.Equal(t, HiddenRepo, created[0]["id"])
	assert.Equal(t, "redhat-foo-bar", created[1]["id"])

	// The dumped distributor document is replayed verbatim, not rebuilt
	// from the environment templates.
	dists := created[1]["distributors"].([]interface{})
	require.Len(t, dists, 1)
	dist := dists[0].(map[string]interface{})
	assert.Equal(t, "docker_web_distributor_name_cli", dist["distributor_id"])
	assert.Equal(t, "docker_distributor_web", dist["distributor_type_id"])
	assert.Equal(t, true, dist["auto_publish"])
	cfg := dist["distributor_config"].(map[string]interface{})
	assert.Equal(t, "content/foo/bar", cfg["rel-url"])
	assert.Equal(t, true, cfg["protected"])

	// Both tags point at the same id, so one scratchpad update covers them.
	require.Len(t, tagPuts, 1)
	assert.Contains(t, tagPuts[0], `"latest":"abc"`)
	assert.Contains(t, tagPuts[0], `"v1":"abc"`)
}
