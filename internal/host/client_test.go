package host

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newAPIKeyConfig(serverURL string) *Config {
	return &Config{
		ID:           "testhost",
		Name:         "Test Host",
		AuthScheme:   AuthAPIKey,
		RequiresAuth: true,
		UploadURL:    serverURL + "/upload",
		DeleteURL:    serverURL + "/delete?file={file_id}",
		UserInfoURL:  serverURL + "/account",
		FileField:    "file",
		URLPath:      "file.url",
		FileIDPath:   "file.id",
		Enabled:      true,
	}
}

func TestUploadFile_Success(t *testing.T) {
	var gotKey, gotFilename string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, header, err := r.FormFile("file")
		require.NoError(t, err)
		f.Close()
		gotFilename = header.Filename
		json.NewEncoder(w).Encode(map[string]any{
			"file": map[string]any{"url": "https://files.example/x", "id": "x1"},
		})
	}))
	defer srv.Close()

	c, err := NewClient(newAPIKeyConfig(srv.URL), "secret-key", nil, nil, nil)
	require.NoError(t, err)

	path := writeTempFile(t, "payload.bin", "hello")
	res, err := c.UploadFile(context.Background(), path, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://files.example/x", res.URL)
	assert.Equal(t, "x1", res.FileID)
	assert.Equal(t, "secret-key", gotKey)
	assert.Equal(t, "payload.bin", gotFilename)
}

func TestUploadFile_MissingAPIKey(t *testing.T) {
	c, err := NewClient(newAPIKeyConfig("http://unused"), "", nil, nil, nil)
	require.NoError(t, err)

	path := writeTempFile(t, "payload.bin", "hello")
	_, err = c.UploadFile(context.Background(), path, nil, nil)
	assert.True(t, IsKind(err, KindSecurity))
}

func TestUploadFile_ErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": "quota exceeded"})
	}))
	defer srv.Close()

	c, err := NewClient(newAPIKeyConfig(srv.URL), "k", nil, nil, nil)
	require.NoError(t, err)

	path := writeTempFile(t, "payload.bin", "hello")
	_, err = c.UploadFile(context.Background(), path, nil, nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUpload))

	var hostErr *Error
	require.ErrorAs(t, err, &hostErr)
	assert.Equal(t, "host reported an error payload", hostErr.Reason)
	assert.Contains(t, hostErr.Raw, "quota exceeded")
	assert.NotEqual(t, hostErr.Reason, hostErr.Raw)
}

func newTokenConfig(serverURL string) *Config {
	return &Config{
		ID:              "tokenhost",
		Name:            "Token Host",
		AuthScheme:      AuthTokenLogin,
		RequiresAuth:    true,
		LoginURL:        serverURL + "/login",
		UploadURL:       serverURL + "/upload",
		FileField:       "file",
		URLPath:         "file.url",
		FileIDPath:      "file.id",
		TokenPath:       "token",
		TokenTTLSeconds: 3000,
		Enabled:         true,
	}
}

// startTokenServer returns a server whose /upload accepts only the most
// recently minted token.
func startTokenServer(t *testing.T, logins, uploads *int, rejectToken func(string) bool) *httptest.Server {
	t.Helper()
	current := ""
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			*logins++
			current = fmt.Sprintf("tok-%d", *logins)
			json.NewEncoder(w).Encode(map[string]any{"token": current})
		case "/upload":
			*uploads++
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+current || (rejectToken != nil && rejectToken(auth)) {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"file": map[string]any{"url": "https://files.example/y", "id": "y1"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestUploadFile_ReauthenticatesOnceOnStaleToken(t *testing.T) {
	var logins, uploads int
	srv := startTokenServer(t, &logins, &uploads, func(auth string) bool {
		// The first minted token is stale by the time the upload lands.
		return auth == "Bearer tok-1"
	})
	defer srv.Close()

	c, err := NewClient(newTokenConfig(srv.URL), "user:pass", nil, nil, nil)
	require.NoError(t, err)

	path := writeTempFile(t, "payload.bin", "hello")
	res, err := c.UploadFile(context.Background(), path, nil, nil)
	require.NoError(t, err, "a stale session is refreshed transparently")
	assert.Equal(t, "https://files.example/y", res.URL)
	assert.Equal(t, 2, logins, "initial login plus exactly one refresh")
	assert.Equal(t, 2, uploads, "rejected attempt plus exactly one retry")
}

func TestUploadFile_AuthFailureSurfacesAfterOneRetry(t *testing.T) {
	var logins, uploads int
	srv := startTokenServer(t, &logins, &uploads, func(string) bool { return true })
	defer srv.Close()

	c, err := NewClient(newTokenConfig(srv.URL), "user:pass", nil, nil, nil)
	require.NoError(t, err)

	path := writeTempFile(t, "payload.bin", "hello")
	_, err = c.UploadFile(context.Background(), path, nil, nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindAuth))
	assert.Equal(t, 2, uploads, "exactly one retry, never a loop")
}

func TestUploadFile_RejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewClient(newTokenConfig(srv.URL), "user:wrong", nil, nil, nil)
	require.NoError(t, err)

	path := writeTempFile(t, "payload.bin", "hello")
	_, err = c.UploadFile(context.Background(), path, nil, nil)
	assert.True(t, IsKind(err, KindAuth))
}

func TestUploadFile_StopRequested(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"file": map[string]any{"url": "u", "id": "i"},
		})
	}))
	defer srv.Close()

	c, err := NewClient(newAPIKeyConfig(srv.URL), "k", nil, nil, nil)
	require.NoError(t, err)

	path := writeTempFile(t, "payload.bin", "hello")
	_, err = c.UploadFile(context.Background(), path, nil, func() bool { return true })
	require.Error(t, err)
	assert.True(t, IsStopped(err))
}

func TestDeleteFile_Idempotent(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "gone", r.URL.Query().Get("file"))
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := NewClient(newAPIKeyConfig(srv.URL), "k", nil, nil, nil)
	require.NoError(t, err)

	// An already-deleted file is success, both times.
	require.NoError(t, c.DeleteFile(context.Background(), "gone"))
	require.NoError(t, c.DeleteFile(context.Background(), "gone"))
	assert.Equal(t, 2, calls)
}

func TestDeleteFile_NotSupported(t *testing.T) {
	cfg := newAPIKeyConfig("http://unused")
	cfg.DeleteURL = ""
	c, err := NewClient(cfg, "k", nil, nil, nil)
	require.NoError(t, err)

	err = c.DeleteFile(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestGetUserInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"storage": map[string]any{"total": 1000, "used": 400},
			"premium": true,
		})
	}))
	defer srv.Close()

	c, err := NewClient(newAPIKeyConfig(srv.URL), "k", nil, nil, nil)
	require.NoError(t, err)

	info, err := c.GetUserInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), info.StorageTotal)
	assert.Equal(t, int64(400), info.StorageUsed)
	assert.Equal(t, int64(600), info.StorageLeft)
	assert.True(t, info.Premium)
}

func TestGetUserInfo_NotSupported(t *testing.T) {
	cfg := newAPIKeyConfig("http://unused")
	cfg.UserInfoURL = ""
	c, err := NewClient(cfg, "k", nil, nil, nil)
	require.NoError(t, err)

	_, err = c.GetUserInfo(context.Background())
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestTestUpload_CleansUpProbe(t *testing.T) {
	var deleted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/upload":
			json.NewEncoder(w).Encode(map[string]any{
				"file": map[string]any{"url": "https://files.example/probe", "id": "probe-1"},
			})
		case "/delete":
			deleted = r.URL.Query().Get("file")
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c, err := NewClient(newAPIKeyConfig(srv.URL), "k", nil, nil, nil)
	require.NoError(t, err)

	res, err := c.TestUpload(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "probe-1", res.FileID)
	assert.Equal(t, "probe-1", deleted)
	assert.Empty(t, res.OrphanFileID)
}

func TestTokenCache_RoundTrip(t *testing.T) {
	cache, err := NewTokenCache(t.TempDir())
	require.NoError(t, err)

	missing, err := cache.Get("nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	state := &SessionState{Token: "tok", IssuedAt: time.Now()}
	require.NoError(t, cache.Put("tokenhost", state))

	got, err := cache.Get("tokenhost")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tok", got.Token)

	require.NoError(t, cache.Invalidate("tokenhost"))
	gone, err := cache.Get("tokenhost")
	require.NoError(t, err)
	assert.Nil(t, gone)

	// Invalidating twice is fine.
	require.NoError(t, cache.Invalidate("tokenhost"))
}

func TestSessionState_Expired(t *testing.T) {
	var nilState *SessionState
	assert.True(t, nilState.Expired(time.Hour))
	assert.True(t, (&SessionState{}).Expired(0), "state with no material is always expired")

	fresh := &SessionState{Token: "t", IssuedAt: time.Now()}
	assert.False(t, fresh.Expired(time.Hour))
	assert.False(t, fresh.Expired(0), "zero ttl never expires")

	// Within the refresh margin counts as expired.
	nearly := &SessionState{Token: "t", IssuedAt: time.Now().Add(-50 * time.Second)}
	assert.True(t, nearly.Expired(100*time.Second))

	old := &SessionState{Token: "t", IssuedAt: time.Now().Add(-2 * time.Hour)}
	assert.True(t, old.Expired(time.Hour))
}

func TestLoadConfigs_MergesOverrides(t *testing.T) {
	builtin, err := LoadConfigs(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.NotEmpty(t, builtin)
	ids := make(map[string]bool)
	for _, c := range builtin {
		ids[c.ID] = true
	}
	assert.True(t, ids["imx"])
	assert.True(t, ids["rapidgator"])

	override := `[{
		"id": "imx",
		"auth_scheme": "api_key",
		"requires_auth": true,
		"upload_url": "https://mirror.example/upload",
		"file_field": "image",
		"url_path": "data.image_url",
		"enabled": true
	}]`
	path := writeTempFile(t, "hosts.json", override)
	merged, err := LoadConfigs(path)
	require.NoError(t, err)
	assert.Len(t, merged, len(builtin))
	for _, c := range merged {
		if c.ID == "imx" {
			assert.Equal(t, "https://mirror.example/upload", c.UploadURL)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{ID: "x", UploadURL: "http://x", AuthScheme: AuthAPIKey}
	assert.NoError(t, cfg.Validate())

	assert.Error(t, (&Config{UploadURL: "http://x", AuthScheme: AuthAPIKey}).Validate())
	assert.Error(t, (&Config{ID: "x", AuthScheme: AuthAPIKey}).Validate())
	assert.Error(t, (&Config{ID: "x", UploadURL: "http://x", AuthScheme: "magic"}).Validate())
	assert.Error(t, (&Config{ID: "x", UploadURL: "http://x", AuthScheme: AuthTokenLogin, RequiresAuth: true}).Validate())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	fileHost, err := NewClient(newAPIKeyConfig("http://a"), "k", nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.Register(fileHost))
	assert.Error(t, r.Register(fileHost), "duplicate registration is rejected")

	imgCfg := newAPIKeyConfig("http://b")
	imgCfg.ID = "imagehost"
	img, err := NewImageClient(imgCfg, "k", nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.RegisterImage(img))

	got, ok := r.Image("")
	require.True(t, ok, "first registered image host is the primary")
	assert.Equal(t, "imagehost", got.HostID())

	_, ok = r.Get("testhost")
	assert.True(t, ok)
	assert.Error(t, r.SetPrimary("nope"))
	assert.Len(t, r.All(), 1)
}
