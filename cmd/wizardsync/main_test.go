package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/wizardsync/internal/config"
	"github.com/wesm/wizardsync/internal/db"
	"github.com/wesm/wizardsync/internal/remote"
	"github.com/wesm/wizardsync/internal/server"
	"github.com/wesm/wizardsync/internal/sync"
	"github.com/wesm/wizardsync/internal/wizard"
)

// isolate points every config source at a fresh data dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("WIZARDSYNC_DATA_DIR", dir)
	for _, k := range []string{
		"WIZARDSYNC_SERVER_URL", "WIZARDSYNC_TOKEN",
		"WIZARDSYNC_AUTH_COMMAND", "WIZARDSYNC_ADMIN_TOKEN",
	} {
		t.Setenv(k, "")
	}
	return dir
}

func TestLoadServeConfig(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantHost string
		wantPort int
	}{
		{
			name:     "DefaultArgs",
			args:     []string{},
			wantHost: "127.0.0.1",
			wantPort: 8090,
		},
		{
			name:     "ExplicitFlags",
			args:     []string{"-host", "0.0.0.0", "-port", "9090"},
			wantHost: "0.0.0.0",
			wantPort: 9090,
		},
		{
			name:     "PartialFlags",
			args:     []string{"-port", "3000"},
			wantHost: "127.0.0.1",
			wantPort: 3000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			cfg, err := loadServeConfig(tt.args)
			if err != nil {
				t.Fatalf("loadServeConfig: %v", err)
			}
			if cfg.Host != tt.wantHost {
				t.Errorf("Host = %q, want %q", cfg.Host, tt.wantHost)
			}
			if cfg.Port != tt.wantPort {
				t.Errorf("Port = %d, want %d", cfg.Port, tt.wantPort)
			}
			want := filepath.Join(dir, "authority.db")
			if cfg.ServerDBPath != want {
				t.Errorf("ServerDBPath = %q, want %q", cfg.ServerDBPath, want)
			}
		})
	}
}

func TestLoadClientConfig(t *testing.T) {
	isolate(t)
	cfg, rest, err := loadClientConfig("save", []string{
		"-server", "http://authority.test", "-ttl", "1m",
		"team", `{"invites":[]}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "http://authority.test", cfg.ServerURL)
	assert.Equal(t, time.Minute, cfg.CacheTTL)
	assert.Equal(t, []string{"team", `{"invites":[]}`}, rest)

	_, _, err = loadClientConfig("status", []string{"-ttl", "-1s"})
	assert.Error(t, err)
}

func TestTokenSource(t *testing.T) {
	ctx := context.Background()

	ts, err := tokenSource(config.Config{Token: "tok", AuthCommand: "false"})
	require.NoError(t, err)
	got, err := ts(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok", got)

	ts, err = tokenSource(config.Config{AuthCommand: "echo from-helper"})
	require.NoError(t, err)
	got, err = ts(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from-helper", got)

	_, err = tokenSource(config.Config{})
	assert.ErrorContains(t, err, "no credentials")
}

func TestParseSaveArgs(t *testing.T) {
	def := wizard.Default()

	step, p, err := parseSaveArgs(def, []string{"company-profile", `{"name":"Acme","size":12}`})
	require.NoError(t, err)
	assert.Equal(t, wizard.StepCompanyProfile, step)
	assert.Equal(t, wizard.Payload{"name": "Acme", "size": float64(12)}, p)

	_, p, err = parseSaveArgs(def, []string{"account-verified"})
	require.NoError(t, err)
	assert.Equal(t, wizard.Payload{}, p)

	_, _, err = parseSaveArgs(def, []string{"billing"})
	assert.True(t, errors.Is(err, sync.ErrUnknownStep))

	_, _, err = parseSaveArgs(def, []string{"team", `[1,2]`})
	assert.Error(t, err)
	_, _, err = parseSaveArgs(def, []string{"team", `{oops`})
	assert.Error(t, err)
	_, _, err = parseSaveArgs(def, nil)
	assert.Error(t, err)
}

func TestPrintState(t *testing.T) {
	var buf bytes.Buffer
	printState(&buf, wizard.Default(), sync.State{
		CurrentStep:    wizard.StepOrgChoice,
		CompletedSteps: wizard.NewStepSet(wizard.StepAccountVerified),
		Progress:       20,
		User:           wizard.User{Email: "a@example.com"},
		Error:          errors.New("offline"),
	})
	out := buf.String()
	assert.Contains(t, out, "Progress: 20% (a@example.com)")
	assert.Contains(t, out, "[x] Verify account")
	assert.Contains(t, out, "[>] Choose organization")
	assert.Contains(t, out, "[ ] Invite team (optional)")
	assert.Contains(t, out, "Error: offline")
}

func TestPrintValidation(t *testing.T) {
	var buf bytes.Buffer
	printValidation(&buf, &remote.ValidationError{
		Message: "invalid payload",
		Fields:  []remote.FieldError{{Field: "mode", Message: "is required"}},
	})
	assert.Equal(t, "Rejected: invalid payload\n  mode: is required\n", buf.String())
}

func TestSameProgress(t *testing.T) {
	a := sync.State{CurrentStep: wizard.StepTeam, IsLoading: true}
	b := sync.State{CurrentStep: wizard.StepTeam, IsSaving: true}
	assert.True(t, sameProgress(a, b))
	b.Error = errors.New("x")
	assert.False(t, sameProgress(a, b))
	b = sync.State{CurrentStep: wizard.StepFirstRFP}
	assert.False(t, sameProgress(a, b))
}

func TestCommandsAgainstLocalAuthority(t *testing.T) {
	dir := isolate(t)

	var out bytes.Buffer
	require.NoError(t, runAddUser([]string{"-email", "cli@example.com", "-save"}, &out))
	assert.Contains(t, out.String(), "Token saved to config.")

	authority, err := db.Open(filepath.Join(dir, "authority.db"))
	require.NoError(t, err)
	defer authority.Close()
	srv := server.New(config.Config{WriteTimeout: 5 * time.Second},
		authority, wizard.Default())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	t.Setenv("WIZARDSYNC_SERVER_URL", ts.URL)

	out.Reset()
	require.NoError(t, runSave([]string{"account-verified"}, &out))
	assert.Contains(t, out.String(), "Saved account-verified, next step: org-choice")

	out.Reset()
	err = runSave([]string{"org-choice", `{}`}, &out)
	require.True(t, remote.IsValidation(err), "got %v", err)
	assert.Contains(t, out.String(), "mode: is required")

	out.Reset()
	err = runSave([]string{"first-rfp", `{"title":"x"}`}, &out)
	assert.ErrorContains(t, err, "not reachable")

	out.Reset()
	require.NoError(t, runStatus(nil, &out))
	assert.Contains(t, out.String(), "[x] Verify account")
	assert.Contains(t, out.String(), "(cli@example.com)")
}

func TestResetRequiresUser(t *testing.T) {
	isolate(t)
	assert.Error(t, runReset(nil, io.Discard))
	assert.Error(t, runAddUser(nil, io.Discard))
}

func TestWatchSessionPrintsChanges(t *testing.T) {
	dir := isolate(t)
	authority, err := db.Open(filepath.Join(dir, "authority.db"))
	require.NoError(t, err)
	defer authority.Close()
	u, err := authority.CreateUser(context.Background(), "w@example.com", true)
	require.NoError(t, err)
	srv := server.New(config.Config{WriteTimeout: 5 * time.Second},
		authority, wizard.Default())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cfg, _, err := loadClientConfig("watch", []string{
		"-server", ts.URL, "-token", u.Token,
	})
	require.NoError(t, err)
	s, err := openSession(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var out lockedBuffer
	done := make(chan error, 1)
	go func() { done <- watchSession(ctx, s, &out) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[>] Verify account")
	}, 5*time.Second, 10*time.Millisecond)

	_, err = s.engine.SaveImmediate(context.Background(),
		wizard.StepAccountVerified, wizard.Payload{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[x] Verify account")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSetupLogFile(t *testing.T) {
	origOutput := log.Writer()
	t.Cleanup(func() { log.SetOutput(origOutput) })

	dir := t.TempDir()
	setupLogFile(dir)
	log.Print("test-log-message")

	data, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "test-log-message") {
		t.Errorf("log file missing message, got: %q", data)
	}
}

func TestSetupLogFileOpenFailure(t *testing.T) {
	origOutput := log.Writer()
	t.Cleanup(func() { log.SetOutput(origOutput) })

	var buf bytes.Buffer
	log.SetOutput(io.MultiWriter(origOutput, &buf))

	// A regular file used as the directory.
	tmpFile := filepath.Join(t.TempDir(), "notadir")
	os.WriteFile(tmpFile, []byte("x"), 0o644)

	setupLogFile(tmpFile)

	if !strings.Contains(buf.String(), "cannot open log file") {
		t.Errorf("expected warning about log file, got: %q", buf.String())
	}
}

func TestTruncateLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	os.WriteFile(path, bytes.Repeat([]byte("x"), 1024), 0o644)

	truncateLogFile(path, 512)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat after truncate: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("size after truncate = %d, want 0", info.Size())
	}
}

func TestTruncateLogFileUnderLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	content := []byte("small log content")
	os.WriteFile(path, content, 0o644)

	truncateLogFile(path, 1024)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read after truncate: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("content changed: got %q", data)
	}
}

func TestTruncateLogFileSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.log")
	link := filepath.Join(dir, "link.log")
	os.WriteFile(target, bytes.Repeat([]byte("x"), 1024), 0o644)
	os.Symlink(target, link)

	truncateLogFile(link, 512)

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if len(data) != 1024 {
		t.Errorf("symlink target was truncated: size=%d, want 1024", len(data))
	}
}

type lockedBuffer struct {
	mu  gosync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
