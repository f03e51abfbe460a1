package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetauth/services/authsync"
)

const localAuth = `{"last_refresh":"2026-03-01T10:00:00Z","auths":{"openai":{"token":"tok-local"}}}`

type fakeCoordinator struct {
	mu       sync.Mutex
	requests []authsync.Request
	keys     []string
	reply    func(req authsync.Request) (int, any)
}

func (f *fakeCoordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req authsync.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.keys = append(f.keys, r.Header.Get("X-API-Key"))
	f.mu.Unlock()

	status, body := f.reply(req)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newTestService(t *testing.T, api string) (*Service, Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		API:               api,
		APIKey:            "key-1",
		AuthPath:          filepath.Join(dir, "auth.json"),
		StatePath:         filepath.Join(dir, "state", "state.json"),
		AllowInsecureHTTP: true,
	}
	svc, err := NewService(cfg, http.DefaultClient, zerolog.Nop())
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc, svc.config
}

func canonicalDoc(t *testing.T, token string) (*authsync.Document, string) {
	t.Helper()
	var doc authsync.Document
	require.NoError(t, json.Unmarshal([]byte(`{"last_refresh":"2026-03-01T11:00:00Z","auths":{"openai":{"token":"`+token+`"}}}`), &doc))
	digest, err := doc.Digest()
	require.NoError(t, err)
	return &doc, digest
}

func readState(t *testing.T, path string) State {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var st State
	require.NoError(t, json.Unmarshal(data, &st))
	return st
}

func TestSyncOnceWritesUpdatedAuth(t *testing.T) {
	doc, digest := canonicalDoc(t, "tok-canonical")
	coord := &fakeCoordinator{reply: func(authsync.Request) (int, any) {
		return http.StatusOK, authsync.Response{Status: authsync.StatusUpdated, CanonicalDigest: digest, Auth: doc}
	}}
	srv := httptest.NewServer(coord)
	defer srv.Close()

	svc, cfg := newTestService(t, srv.URL)
	status, err := svc.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, authsync.StatusUpdated, status)

	require.Len(t, coord.requests, 1)
	assert.Equal(t, authsync.CommandRetrieve, coord.requests[0].Command)
	assert.Empty(t, coord.requests[0].Digest)
	assert.Equal(t, "key-1", coord.keys[0])

	info, err := os.Stat(cfg.AuthPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(cfg.AuthPath)
	require.NoError(t, err)
	var written authsync.Document
	require.NoError(t, json.Unmarshal(data, &written))
	writtenDigest, err := written.Digest()
	require.NoError(t, err)
	assert.Equal(t, digest, writtenDigest)

	st := readState(t, cfg.StatePath)
	assert.Equal(t, digest, st.CanonicalDigest)
	assert.Equal(t, authsync.StatusUpdated, st.LastStatus)
}

func TestSyncOnceReportsLocalDigest(t *testing.T) {
	coord := &fakeCoordinator{}
	coord.reply = func(req authsync.Request) (int, any) {
		return http.StatusOK, authsync.Response{Status: authsync.StatusUnchanged, CanonicalDigest: req.Digest}
	}
	srv := httptest.NewServer(coord)
	defer srv.Close()

	svc, cfg := newTestService(t, srv.URL)
	require.NoError(t, os.WriteFile(cfg.AuthPath, []byte(localAuth), 0o600))

	var local authsync.Document
	require.NoError(t, json.Unmarshal([]byte(localAuth), &local))
	want, err := local.Digest()
	require.NoError(t, err)

	status, err := svc.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, authsync.StatusUnchanged, status)
	require.Len(t, coord.requests, 1)
	assert.Equal(t, want, coord.requests[0].Digest)
	assert.Equal(t, "2026-03-01T10:00:00Z", coord.requests[0].LastRefresh)

	data, err := os.ReadFile(cfg.AuthPath)
	require.NoError(t, err)
	assert.Equal(t, localAuth, string(data))
	assert.Equal(t, want, readState(t, cfg.StatePath).CanonicalDigest)
}

func TestSyncOncePushesLocalCopyWhenAsked(t *testing.T) {
	for _, first := range []string{authsync.StatusUploadRequired, authsync.StatusMissing} {
		t.Run(first, func(t *testing.T) {
			coord := &fakeCoordinator{}
			coord.reply = func(req authsync.Request) (int, any) {
				if req.Command == authsync.CommandStore {
					digest, _ := req.Auth.Digest()
					return http.StatusOK, authsync.Response{Status: authsync.StatusCreated, CanonicalDigest: digest}
				}
				return http.StatusOK, authsync.Response{Status: first}
			}
			srv := httptest.NewServer(coord)
			defer srv.Close()

			svc, cfg := newTestService(t, srv.URL)
			require.NoError(t, os.WriteFile(cfg.AuthPath, []byte(localAuth), 0o600))

			status, err := svc.SyncOnce(context.Background())
			require.NoError(t, err)
			assert.Equal(t, authsync.StatusCreated, status)

			require.Len(t, coord.requests, 2)
			store := coord.requests[1]
			assert.Equal(t, authsync.CommandStore, store.Command)
			require.NotNil(t, store.Auth)
			assert.Equal(t, "tok-local", store.Auth.Auths["openai"].Token)
			assert.Equal(t, authsync.StatusCreated, readState(t, cfg.StatePath).LastStatus)
		})
	}
}

func TestSyncOnceWithoutLocalCopyDoesNotStore(t *testing.T) {
	coord := &fakeCoordinator{reply: func(authsync.Request) (int, any) {
		return http.StatusOK, authsync.Response{Status: authsync.StatusMissing}
	}}
	srv := httptest.NewServer(coord)
	defer srv.Close()

	svc, cfg := newTestService(t, srv.URL)
	status, err := svc.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, authsync.StatusMissing, status)
	assert.Len(t, coord.requests, 1)
	_, err = os.Stat(cfg.AuthPath)
	assert.True(t, os.IsNotExist(err))
}

func TestSyncOnceSurfacesErrorStatus(t *testing.T) {
	coord := &fakeCoordinator{reply: func(authsync.Request) (int, any) {
		return http.StatusUnauthorized, map[string]string{"error": "invalid api key"}
	}}
	srv := httptest.NewServer(coord)
	defer srv.Close()

	svc, cfg := newTestService(t, srv.URL)
	_, err := svc.SyncOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	_, err = os.Stat(cfg.StatePath)
	assert.True(t, os.IsNotExist(err))
}

func TestNewServiceRequiresHTTPS(t *testing.T) {
	_, err := NewService(Config{API: "http://coord.example.com", APIKey: "k"}, nil, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "https")

	_, err = NewService(Config{API: "coord.example.com", APIKey: "k"}, nil, zerolog.Nop())
	require.Error(t, err)

	_, err = NewService(Config{API: "https://coord.example.com"}, nil, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")

	svc, err := NewService(Config{API: "https://coord.example.com", APIKey: "k"}, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, defaultInterval, svc.config.Interval)
}

func TestLoadConfigAppliesDefaultsAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api: http://coord.internal\napi_key: from-file\ninterval: 1s\n"), 0o600))

	t.Setenv("FLEETAUTH_API_KEY", "")
	t.Setenv("FLEETAUTH_ALLOW_INSECURE_HTTP", "")
	_, err := LoadConfig(path)
	require.Error(t, err)

	t.Setenv("FLEETAUTH_API_KEY", "from-env")
	t.Setenv("FLEETAUTH_ALLOW_INSECURE_HTTP", "yes")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.APIKey)
	assert.Equal(t, minInterval, cfg.Interval)
	assert.Equal(t, defaultAuthPath, cfg.AuthPath)
	assert.Equal(t, defaultStatePath, cfg.StatePath)
}

func TestBootstrapWritesUsableConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/install/tok", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"host_id":  "b3c1",
			"fqdn":     "a.example.com",
			"secure":   true,
			"api_key":  "issued-key",
			"base_url": "http://coord.internal",
			"sync_url": "http://coord.internal/v1/auth",
		})
	}))
	defer srv.Close()

	_, err := Bootstrap(context.Background(), srv.Client(), srv.URL+"/v1/install/tok", Config{})
	require.Error(t, err)

	cfg, err := Bootstrap(context.Background(), srv.Client(), srv.URL+"/v1/install/tok", Config{AllowInsecureHTTP: true})
	require.NoError(t, err)
	assert.Equal(t, "issued-key", cfg.APIKey)
	assert.Equal(t, "http://coord.internal", cfg.API)

	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, WriteConfig(path, cfg))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	t.Setenv("FLEETAUTH_API_KEY", "")
	t.Setenv("FLEETAUTH_ALLOW_INSECURE_HTTP", "")
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestBootstrapRejectsUsedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"install token invalid or already used"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Bootstrap(context.Background(), srv.Client(), srv.URL+"/v1/install/tok", Config{AllowInsecureHTTP: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
