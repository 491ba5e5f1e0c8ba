package pulp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/release-engineering/dockpulp/internal/common"
	"github.com/release-engineering/dockpulp/internal/config"
)

// newTestClient points a client at an httptest server with fast polling.
func newTestClient(t *testing.T, handler http.Handler, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	env := &config.Environment{
		Name:        "test",
		PulpURL:     srv.URL,
		RegistryURL: srv.URL,
		FilerURL:    srv.URL,
		Retries:     1,
	}
	opts = append([]Option{WithPollInterval(5 * time.Millisecond)}, opts...)
	return NewClient(env, opts...), srv
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestCall_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]string{"pong": "ok"})
	}))

	var out map[string]string
	err := c.getJSON(context.Background(), "/ping/", nil, &out)
	require.NoError(t, err)
	assert.Equal(t, "ok", out["pong"])
	assert.Equal(t, int32(2), attempts.Load())
}

func TestCall_ServerErrorAfterRetries(t *testing.T) {
	var attempts atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	err := c.getJSON(context.Background(), "/ping/", nil, nil)
	require.Error(t, err)
	assert.Equal(t, common.ErrServer, common.KindOf(err))
	// First attempt plus the configured retry.
	assert.Equal(t, int32(2), attempts.Load())
}

func TestCall_NotFoundIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	err := c.getJSON(context.Background(), "/ping/", nil, nil)
	require.Error(t, err)
	assert.Equal(t, common.ErrProtocol, common.KindOf(err))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestCall_ForbiddenIsLoginError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	err := c.getJSON(context.Background(), "/repositories/redhat-foo/", nil, nil)
	require.Error(t, err)
	assert.Equal(t, common.ErrLogin, common.KindOf(err))
}

func TestCall_ConflictIsServerError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	err := c.postJSON(context.Background(), "/repositories/", map[string]string{"id": "redhat-foo"}, nil)
	require.Error(t, err)
	assert.Equal(t, common.ErrServer, common.KindOf(err))
}

func TestPostTask_ReturnsSpawnedTask(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusAccepted, map[string]interface{}{
			"spawned_tasks": []map[string]string{{"task_id": "task-123"}},
		})
	}))

	id, err := c.postTask(context.Background(), "/repositories/redhat-foo/actions/publish/", nil)
	require.NoError(t, err)
	assert.Equal(t, "task-123", id)
}

func TestPostTask_AcceptedWithoutTask(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusAccepted, map[string]interface{}{"spawned_tasks": []string{}})
	}))

	_, err := c.postTask(context.Background(), "/repositories/redhat-foo/actions/publish/", nil)
	require.Error(t, err)
	assert.Equal(t, common.ErrProtocol, common.KindOf(err))
}

func TestNegotiateVersion_SwitchesReleaseOrder(t *testing.T) {
	var statusCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/pulp/api/v2/status/", func(w http.ResponseWriter, r *http.Request) {
		statusCalls.Add(1)
		writeJSON(t, w, http.StatusOK, map[string]interface{}{
			"versions": map[string]string{"platform_version": "2.6.1"},
		})
	})
	mux.HandleFunc("/pulp/api/v2/ping/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]string{})
	})

	c, _ := newTestClient(t, mux)
	c.env.ReleaseOrder = []string{"web", "export"}
	c.env.SwitchVer = "2.6"
	c.env.SwitchRelease = []string{"export", "web"}
	c.releaseOrder = c.env.ReleaseOrder

	require.NoError(t, c.getJSON(context.Background(), "/ping/", nil, nil))
	assert.Equal(t, []string{"export", "web"}, c.ReleaseOrder())

	// Negotiation runs once per client, not per call.
	require.NoError(t, c.getJSON(context.Background(), "/ping/", nil, nil))
	assert.Equal(t, int32(1), statusCalls.Load())
}

func TestNegotiateVersion_BelowThreshold(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/pulp/api/v2/status/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]interface{}{
			"versions": map[string]string{"platform_version": "2.5.3"},
		})
	})
	mux.HandleFunc("/pulp/api/v2/ping/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]string{})
	})

	c, _ := newTestClient(t, mux)
	c.env.ReleaseOrder = []string{"web", "export"}
	c.env.SwitchVer = "2.6"
	c.env.SwitchRelease = []string{"export", "web"}
	c.releaseOrder = c.env.ReleaseOrder

	require.NoError(t, c.getJSON(context.Background(), "/ping/", nil, nil))
	assert.Equal(t, []string{"web", "export"}, c.ReleaseOrder())
}

func TestLogin_StoresCredentials(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pulp/api/v2/actions/login/", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "admin", user)
		require.Equal(t, "hunter2", pass)
		writeJSON(t, w, http.StatusOK, map[string]string{
			"certificate": "CERT-PEM",
			"key":         "KEY-PEM",
		})
	}))

	session, err := c.Login(context.Background(), "admin", "hunter2")
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	cert, err := os.ReadFile(session.CertPath)
	require.NoError(t, err)
	assert.Equal(t, "CERT-PEM", string(cert))

	key, err := os.ReadFile(session.KeyPath)
	require.NoError(t, err)
	assert.Equal(t, "KEY-PEM", string(key))

	assert.Same(t, session, c.Session())
}

func TestLogin_InvalidCredentials(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.Login(context.Background(), "admin", "wrong")
	require.Error(t, err)
	assert.Equal(t, common.ErrLogin, common.KindOf(err))
}

func TestSession_SaveTo(t *testing.T) {
	session, err := NewSession()
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	require.NoError(t, session.Write([]byte("cert"), []byte("key")))

	dir := filepath.Join(t.TempDir(), "creds")
	require.NoError(t, session.SaveTo(dir))

	data, err := os.ReadFile(filepath.Join(dir, CertFile))
	require.NoError(t, err)
	assert.Equal(t, "cert", string(data))
}
