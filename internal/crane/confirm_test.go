package crane

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/release-engineering/dockpulp/internal/config"
	"github.com/release-engineering/dockpulp/internal/pulp"
)

func newTestConfirmer(t *testing.T, handler http.Handler) (*Confirmer, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	env := &config.Environment{
		Name:          "test",
		PulpURL:       srv.URL,
		RegistryURL:   srv.URL,
		FilerURL:      srv.URL,
		SigExceptions: map[string]bool{},
	}
	client := pulp.NewClient(env)
	return NewConfirmer(client, false), srv
}

func TestCheckV1_ReconcilesImageSets(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/repositories/foo/bar/images", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"shared"},{"id":"crane-only"}]`))
	})
	cf, _ := newTestConfirmer(t, mux)

	view := &pulp.RepoView{
		ID:         "redhat-foo-bar",
		RegistryID: "foo/bar",
		Images: []pulp.ImageUnit{
			{ImageID: "shared"},
			{ImageID: "pulp-only"},
		},
	}
	rr := &RepoResult{RepoID: view.ID}

	tlsFailed := cf.checkV1(context.Background(), view, rr, Options{})
	assert.False(t, tlsFailed)
	assert.Equal(t, []string{"pulp-only"}, rr.InPulpNotCrane)
	assert.Equal(t, []string{"crane-only"}, rr.InCraneNotPulp)
	assert.Equal(t, 2, rr.NumErrors)
}

func TestCheckV1_ProbesRedirectFiles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/repositories/foo/bar/images", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"img1"}]`))
	})
	mux.HandleFunc("/cdn/img1/json", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/cdn/img1/ancestry", func(w http.ResponseWriter, r *http.Request) {})
	// No /cdn/img1/layer handler: the probe sees 404.
	cf, srv := newTestConfirmer(t, mux)

	view := &pulp.RepoView{
		ID:          "redhat-foo-bar",
		RegistryID:  "foo/bar",
		RedirectURL: srv.URL + "/cdn",
		Images:      []pulp.ImageUnit{{ImageID: "img1"}},
	}
	rr := &RepoResult{RepoID: view.ID}

	cf.checkV1(context.Background(), view, rr, Options{})
	assert.Equal(t, []string{"img1/layer"}, rr.MissingLayers)
	assert.Equal(t, 1, rr.NumErrors)
}

func TestCheckV1_TLSFailureShortCircuits(t *testing.T) {
	tlsSrv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(tlsSrv.Close)

	env := &config.Environment{Name: "test", RegistryURL: tlsSrv.URL, FilerURL: tlsSrv.URL}
	cf := NewConfirmer(pulp.NewClient(env), false)

	view := &pulp.RepoView{ID: "redhat-foo-bar", RegistryID: "foo/bar"}
	rr := &RepoResult{RepoID: view.ID}

	// The self-signed certificate fails verification.
	assert.True(t, cf.checkV1(context.Background(), view, rr, Options{}))
}

func TestCheckTags_SymmetricDifference(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/foo/bar/tags/list", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"foo/bar","tags":["latest","crane-extra"]}`))
	})
	cf, _ := newTestConfirmer(t, mux)

	view := &pulp.RepoView{
		ID:         "redhat-foo-bar",
		RegistryID: "foo/bar",
		TagUnits: map[string]string{
			"latest":       "sha256:aaa",
			"pulp-missing": "sha256:bbb",
		},
	}
	rr := &RepoResult{RepoID: view.ID}

	cf.checkTags(context.Background(), view, rr)
	assert.Equal(t, []string{"pulp-missing"}, rr.MissingTags)
	assert.Equal(t, []string{"crane-extra"}, rr.ExtraTags)
	assert.Equal(t, 2, rr.NumErrors)
}

func TestCheckTags_NoTagUnitsNoProbe(t *testing.T) {
	var hits int
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { hits++ })
	cf, _ := newTestConfirmer(t, mux)

	rr := &RepoResult{}
	cf.checkTags(context.Background(), &pulp.RepoView{RegistryID: "foo/bar"}, rr)
	assert.Zero(t, hits)
	assert.Zero(t, rr.NumErrors)
}
