package pulp

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/release-engineering/dockpulp/internal/config"
)

func syncFixture(t *testing.T, newUnits []map[string]interface{}) (*http.ServeMux, *map[string]interface{}, *map[string]interface{}, *int) {
	t.Helper()
	syncBody := map[string]interface{}{}
	associateBody := map[string]interface{}{}
	associates := 0

	mux := http.NewServeMux()
	serveRepo(t, mux, map[string]interface{}{
		"id":    "redhat-foo-bar",
		"notes": map[string]interface{}{"_repo-type": "docker-repo"},
		"distributors": []map[string]interface{}{
			{"id": "web", "config": map[string]interface{}{"repo-registry-id": "foo/bar"}},
		},
	})
	mux.HandleFunc("/pulp/api/v2/repositories/redhat-foo-bar/actions/sync/", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&syncBody))
		writeJSON(t, w, http.StatusAccepted, map[string]interface{}{
			"spawned_tasks": []map[string]string{{"task_id": "t-sync"}},
		})
	})
	mux.HandleFunc("/pulp/api/v2/tasks/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]string{
			"state":      TaskFinished,
			"start_time": "2026-08-30T12:00:00Z",
		})
	})
	mux.HandleFunc("/pulp/api/v2/repositories/redhat-foo-bar/search/units/", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Criteria criteria `json:"criteria"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assoc := body.Criteria.Filters["association"].(map[string]interface{})
		created := assoc["created"].(map[string]interface{})
		require.Equal(t, "2026-08-30T12:00:00Z", created["$gte"])
		writeJSON(t, w, http.StatusOK, newUnits)
	})
	mux.HandleFunc("/pulp/api/v2/repositories/"+HiddenRepo+"/actions/associate/", func(w http.ResponseWriter, r *http.Request) {
		associates++
		require.NoError(t, json.NewDecoder(r.Body).Decode(&associateBody))
		writeJSON(t, w, http.StatusAccepted, map[string]interface{}{
			"spawned_tasks": []map[string]string{{"task_id": "t-assoc"}},
		})
	})
	return mux, &syncBody, &associateBody, &associates
}

func TestSyncRepo_CopiesNewUnitsToHiddenRepo(t *testing.T) {
	mux, syncBody, associateBody, _ := syncFixture(t, []map[string]interface{}{
		{"unit_type_id": TypeImage, "metadata": map[string]string{"image_id": "img1"}},
		{"unit_type_id": TypeManifest, "metadata": map[string]interface{}{"digest": testDigest}},
	})

	c, _ := newTestClient(t, mux)
	from := &config.Environment{Name: "prod", RegistryURL: "https://registry.example.com"}
	require.NoError(t, c.SyncRepo(context.Background(), from, "redhat-foo-bar", SyncOptions{}))

	override := (*syncBody)["override_config"].(map[string]interface{})
	assert.Equal(t, "https://registry.example.com", override["feed"])
	assert.Equal(t, "foo/bar", override["upstream_name"])
	assert.NotContains(t, override, "basic_auth_username")

	crit := (*associateBody)["criteria"].(map[string]interface{})
	or := crit["filters"].(map[string]interface{})["unit"].(map[string]interface{})["$or"].([]interface{})
	require.Len(t, or, 2)
	imageIn := or[0].(map[string]interface{})["image_id"].(map[string]interface{})["$in"].([]interface{})
	assert.Equal(t, []interface{}{"img1"}, imageIn)
	digestIn := or[1].(map[string]interface{})["manifest_digest"].(map[string]interface{})["$in"].([]interface{})
	assert.Equal(t, []interface{}{testDigest}, digestIn)
}

func TestSyncRepo_SuppressesEmptyFilterBranches(t *testing.T) {
	mux, _, associateBody, _ := syncFixture(t, []map[string]interface{}{
		{"unit_type_id": TypeImage, "metadata": map[string]string{"image_id": "img1"}},
	})

	c, _ := newTestClient(t, mux)
	require.NoError(t, c.SyncRepo(context.Background(), nil, "redhat-foo-bar", SyncOptions{Feed: "https://other.example.com"}))

	or := (*associateBody)["criteria"].(map[string]interface{})["filters"].(map[string]interface{})["unit"].(map[string]interface{})["$or"].([]interface{})
	require.Len(t, or, 1)
	assert.Contains(t, or[0].(map[string]interface{}), "image_id")
}

func TestSyncRepo_NoNewUnitsSkipsCopy(t *testing.T) {
	mux, _, _, associates := syncFixture(t, []map[string]interface{}{})

	c, _ := newTestClient(t, mux)
	require.NoError(t, c.SyncRepo(context.Background(), nil, "redhat-foo-bar", SyncOptions{Feed: "https://other.example.com"}))
	assert.Equal(t, 0, *associates)
}

func TestSyncRepo_FeedCredentials(t *testing.T) {
	mux, syncBody, _, _ := syncFixture(t, []map[string]interface{}{})

	c, _ := newTestClient(t, mux)
	err := c.SyncRepo(context.Background(), nil, "redhat-foo-bar", SyncOptions{
		Feed:         "https://other.example.com",
		Username:     "syncer",
		Password:     "sekret",
		UpstreamName: "upstream/name",
	})
	require.NoError(t, err)

	override := (*syncBody)["override_config"].(map[string]interface{})
	assert.Equal(t, "syncer", override["basic_auth_username"])
	assert.Equal(t, "sekret", override["basic_auth_password"])
	assert.Equal(t, "upstream/name", override["upstream_name"])
}
