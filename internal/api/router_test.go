package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/file-finder/backend/internal/auth"
	"github.com/file-finder/backend/internal/config"
	"github.com/file-finder/backend/internal/db"
	"github.com/file-finder/backend/internal/db/models"
	"github.com/file-finder/backend/internal/job"
	"github.com/file-finder/backend/internal/search"
	"github.com/file-finder/backend/internal/storage"
)

type testServer struct {
	*httptest.Server
	base afero.Fs
	db   *db.Database
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	base := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(base, "/srv/Reports/q1-report.pdf", []byte("quarter one"), 0o644))
	require.NoError(t, afero.WriteFile(base, "/srv/Reports/notes.txt", []byte("n"), 0o644))
	require.NoError(t, afero.WriteFile(base, "/srv/report.txt", []byte("top"), 0o644))

	database, err := db.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	_, err = database.EnsureAdmin("admin", "secret")
	require.NoError(t, err)
	_, err = database.CreateUser("viewer", "viewpass", models.RoleViewer)
	require.NoError(t, err)

	cfg := &config.Config{
		Server: config.ServerConfig{CORSOrigins: []string{"*"}, LoginRateLimit: 100, MaxBodyBytes: 1 << 16},
		Search: config.SearchConfig{DefaultRoot: "/srv", Timeout: time.Minute},
	}

	files := storage.NewFileSystem(base)
	engine := search.NewEngine(storage.NewWalker(files), zerolog.Nop())
	queue := job.NewJobQueue(database.DB(), zerolog.Nop())
	queue.RegisterHandler(job.JobSearch, job.SearchHandler(engine, time.Minute))
	queue.Start()

	router, limiter := NewRouter(Deps{
		Database: database,
		JWT:      auth.NewJWTService("test-secret", time.Hour),
		Config:   cfg,
		Engine:   engine,
		Files:    files,
		Jobs:     queue,
		Logger:   zerolog.Nop(),
		Version:  "test",
	})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		limiter.Close()
		queue.Stop()
		database.Close()
	})
	return &testServer{Server: srv, base: base, db: database}
}

func (s *testServer) login(t *testing.T, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(s.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Token)
	return out.Token
}

func (s *testServer) do(t *testing.T, token, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, "", http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/api/auth/me", "/api/files/search?q=x", "/api/jobs"} {
		resp := s.do(t, "", http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, "", http.MethodPost, "/api/auth/login", map[string]string{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMe(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "viewer", "viewpass")

	resp := s.do(t, token, http.MethodGet, "/api/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var user models.User
	decode(t, resp, &user)
	assert.Equal(t, "viewer", user.Username)
	assert.Equal(t, models.RoleViewer, user.Role)
}

type searchBody struct {
	Root      string `json:"root"`
	Status    string `json:"status"`
	FileCount int    `json:"file_count"`
	DirCount  int    `json:"dir_count"`
	Entries   []struct {
		Path        string `json:"path"`
		Name        string `json:"name"`
		Type        string `json:"type"`
		SizeHuman   string `json:"size_human"`
		DownloadURL string `json:"download_url"`
	} `json:"entries"`
	Skipped []storage.SkippedPath `json:"skipped"`
	Error   string                `json:"error"`
}

func TestSearchUsesDefaultRoot(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "admin", "secret")

	resp := s.do(t, token, http.MethodGet, "/api/files/search?q=REPORT&sizes=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body searchBody
	decode(t, resp, &body)
	assert.Equal(t, "/srv", body.Root)
	assert.Equal(t, "complete", body.Status)
	require.Len(t, body.Entries, 3)
	assert.Equal(t, "/srv/Reports", body.Entries[0].Path)
	assert.Equal(t, "dir", body.Entries[0].Type)
	assert.Empty(t, body.Entries[0].DownloadURL)
	assert.Equal(t, "/srv/Reports/q1-report.pdf", body.Entries[1].Path)
	assert.Equal(t, "11 bytes", body.Entries[1].SizeHuman)
	assert.Equal(t, "/srv/report.txt", body.Entries[2].Path)
	assert.Equal(t, 2, body.FileCount)
	assert.Equal(t, 1, body.DirCount)
	assert.NotNil(t, body.Skipped)
}

func TestSearchExact(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "admin", "secret")

	resp := s.do(t, token, http.MethodGet, "/api/files/search?root=/srv&q=Report.TXT&exact=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body searchBody
	decode(t, resp, &body)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "report.txt", body.Entries[0].Name)
}

func TestSearchErrors(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "admin", "secret")

	tests := []struct {
		name    string
		query   string
		status  int
		message string
	}{
		{"blank term", "?q=%20%20", http.StatusBadRequest, "search term"},
		{"missing root", "?q=x&root=/nowhere", http.StatusBadRequest, "/nowhere"},
		{"root is a file", "?q=x&root=/srv/report.txt", http.StatusBadRequest, "not a directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, token, http.MethodGet, "/api/files/search"+tt.query, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			var body searchBody
			decode(t, resp, &body)
			assert.Contains(t, body.Error, tt.message)
		})
	}
}

func TestDownload(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "admin", "secret")

	resp := s.do(t, token, http.MethodGet, "/api/files/download?path="+url.QueryEscape("/srv/Reports/q1-report.pdf"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename=q1-report.pdf`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "11", resp.Header.Get("Content-Length"))
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-cache")
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "quarter one", string(data))
}

func TestDownloadWithQueryToken(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "viewer", "viewpass")

	resp := s.do(t, "", http.MethodGet, "/api/files/download?path=/srv/report.txt&access_token="+token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDownloadStaleEntry(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "admin", "secret")

	resp := s.do(t, token, http.MethodGet, "/api/files/search?q=notes", nil)
	var body searchBody
	decode(t, resp, &body)
	require.Len(t, body.Entries, 1)
	link := body.Entries[0].DownloadURL
	require.NotEmpty(t, link)

	require.NoError(t, s.base.Remove("/srv/Reports/notes.txt"))
	resp = s.do(t, token, http.MethodGet, link, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, token, http.MethodGet, "/api/files/download?path=/srv/Reports", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, token, http.MethodGet, "/api/files/download", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func waitJob(t *testing.T, s *testServer, token, id string, status job.JobStatus) job.Job {
	t.Helper()
	var j job.Job
	require.Eventually(t, func() bool {
		resp := s.do(t, token, http.MethodGet, "/api/jobs/"+id, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		decode(t, resp, &j)
		return j.Status == status
	}, 5*time.Second, 20*time.Millisecond)
	return j
}

func TestSearchJobLifecycle(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "viewer", "viewpass")

	resp := s.do(t, token, http.MethodPost, "/api/jobs/search", map[string]any{"term": "report"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created job.Job
	decode(t, resp, &created)
	assert.Equal(t, "/srv", created.Root)

	done := waitJob(t, s, token, created.ID, job.StatusCompleted)
	var result search.Result
	require.NoError(t, json.Unmarshal(done.Result, &result))
	assert.Len(t, result.Entries, 3)

	resp = s.do(t, token, http.MethodGet, "/api/jobs", nil)
	var jobs []job.Job
	decode(t, resp, &jobs)
	assert.Len(t, jobs, 1)

	resp = s.do(t, token, http.MethodPost, "/api/jobs/"+created.ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSearchJobValidation(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "admin", "secret")

	resp := s.do(t, token, http.MethodPost, "/api/jobs/search", map[string]any{"term": " "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, token, http.MethodGet, "/api/jobs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobsAreScopedToOwner(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin", "secret")
	viewer := s.login(t, "viewer", "viewpass")

	resp := s.do(t, admin, http.MethodPost, "/api/jobs/search", map[string]any{"term": "notes"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created job.Job
	decode(t, resp, &created)

	resp = s.do(t, viewer, http.MethodGet, "/api/jobs/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = s.do(t, viewer, http.MethodDelete, "/api/jobs/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, viewer, http.MethodGet, "/api/jobs", nil)
	var jobs []job.Job
	decode(t, resp, &jobs)
	assert.Empty(t, jobs)

	resp = s.do(t, admin, http.MethodGet, "/api/jobs/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin", "secret")
	viewer := s.login(t, "viewer", "viewpass")

	resp := s.do(t, viewer, http.MethodGet, "/api/admin/users", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, admin, http.MethodPost, "/api/admin/users", map[string]string{"username": "dana", "password": "pw"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID   int64  `json:"id"`
		Role string `json:"role"`
	}
	decode(t, resp, &created)
	assert.Equal(t, models.RoleViewer, created.Role)

	resp = s.do(t, admin, http.MethodPost, "/api/admin/users", map[string]string{"username": "dana", "password": "pw"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = s.do(t, admin, http.MethodPost, "/api/admin/users", map[string]string{"username": "eve", "password": "pw", "role": "root"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, admin, http.MethodGet, "/api/admin/users", nil)
	var users []models.User
	decode(t, resp, &users)
	assert.Len(t, users, 3)

	me, err := s.db.GetUserByUsername("admin")
	require.NoError(t, err)
	resp = s.do(t, admin, http.MethodDelete, "/api/admin/users/"+strconv.FormatInt(me.ID, 10), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, admin, http.MethodDelete, "/api/admin/users/"+strconv.FormatInt(created.ID, 10), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = s.do(t, admin, http.MethodDelete, "/api/admin/users/"+strconv.FormatInt(created.ID, 10), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, admin, http.MethodGet, "/api/admin/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats struct {
		UserCount int `json:"user_count"`
	}
	decode(t, resp, &stats)
	assert.Equal(t, 2, stats.UserCount)
}
