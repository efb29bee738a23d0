package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/wizardsync/internal/config"
	"github.com/wesm/wizardsync/internal/db"
	"github.com/wesm/wizardsync/internal/wizard"
)

const testAdminToken = "admin-secret"

// authoritySetup is what a test authority is built from.
type authoritySetup struct {
	cfg   config.Config
	opts  []Option
	delay time.Duration
}

type testOption func(*authoritySetup)

// withHandlerDelay makes every timeout-wrapped handler sleep
// for d before running.
func withHandlerDelay(d time.Duration) testOption {
	return func(a *authoritySetup) { a.delay = d }
}

func withAdminToken(tok string) testOption {
	return func(a *authoritySetup) { a.cfg.AdminToken = tok }
}

func withServerOption(o Option) testOption {
	return func(a *authoritySetup) { a.opts = append(a.opts, o) }
}

func testServer(t *testing.T, writeTimeout time.Duration) *Server {
	t.Helper()
	return testServerOpts(t, writeTimeout)
}

// testServerOpts builds an authority over a fresh database in a
// temp dir. The database is closed on cleanup.
func testServerOpts(
	t *testing.T, writeTimeout time.Duration, opts ...testOption,
) *Server {
	t.Helper()
	dir := t.TempDir()
	a := authoritySetup{cfg: config.Config{
		Host:         "127.0.0.1",
		DataDir:      dir,
		ServerDBPath: filepath.Join(dir, "authority.db"),
		AdminToken:   testAdminToken,
		WriteTimeout: writeTimeout,
	}}
	for _, opt := range opts {
		opt(&a)
	}

	database, err := db.Open(a.cfg.ServerDBPath)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	s := New(a.cfg, database, wizard.Default(), a.opts...)
	s.handlerDelay = a.delay
	return s
}

func createTestUser(t *testing.T, s *Server, email string) db.NewUser {
	t.Helper()
	u, err := s.db.CreateUser(context.Background(), email, true)
	require.NoError(t, err)
	return u
}

// timedOut reports whether resp is the JSON 503 that
// withTimeout writes.
func timedOut(resp *http.Response) bool {
	if resp.StatusCode != http.StatusServiceUnavailable ||
		resp.Header.Get("Content-Type") != "application/json" {
		return false
	}
	var body jsonError
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Error == "request timed out"
}

// newTestContext returns a recorder and a bare GET request.
func newTestContext(
	t *testing.T, query string,
) (*httptest.ResponseRecorder, *http.Request) {
	t.Helper()
	target := "/api/v1/progress"
	if query != "" {
		target += "?" + query
	}
	return httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, target, nil)
}

func assertRecorderStatus(
	t *testing.T, w *httptest.ResponseRecorder, code int,
) {
	t.Helper()
	require.Equalf(t, code, w.Code, "body: %s", w.Body.String())
}

func assertContentType(
	t *testing.T, w *httptest.ResponseRecorder, want string,
) {
	t.Helper()
	assert.Equal(t, want, w.Header().Get("Content-Type"))
}

// expiredCtx returns a context whose deadline has passed.
func expiredCtx(
	t *testing.T,
) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithDeadline(
		context.Background(), time.Now().Add(-time.Hour),
	)
}
