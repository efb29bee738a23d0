package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func readConfigMap(t *testing.T, dir string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, configFileName))
	if err != nil {
		t.Fatalf("reading config file: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("parsing config file: %v", err)
	}
	return m
}

func TestSaveToken_PersistsAndReloads(t *testing.T) {
	dir := setupConfigDir(t)
	writeConfigRaw(t, dir, `{"server_url": "https://a.example.com"}`)

	cfg, err := LoadMinimal()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.SaveToken("tok-1"); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	if cfg.Token != "tok-1" {
		t.Errorf("Token = %q, want tok-1", cfg.Token)
	}

	m := readConfigMap(t, dir)
	if m["token"] != "tok-1" {
		t.Errorf("file token = %v", m["token"])
	}
	if m["server_url"] != "https://a.example.com" {
		t.Errorf("server_url lost: %v", m)
	}

	again, err := LoadMinimal()
	if err != nil {
		t.Fatal(err)
	}
	if again.Token != "tok-1" {
		t.Errorf("reloaded Token = %q", again.Token)
	}
}

func TestSaveToken_CreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	cfg := Config{DataDir: dir}
	if err := cfg.SaveToken("x"); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	if m := readConfigMap(t, dir); m["token"] != "x" {
		t.Errorf("file token = %v", m["token"])
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dir, configFileName))
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm() & 0o077; perm != 0 {
			t.Errorf("config.json is group/other accessible: %o", perm)
		}
	}
}

func TestSaveToken_RefusesInvalidExisting(t *testing.T) {
	dir := t.TempDir()
	writeConfigRaw(t, dir, "{broken")
	cfg := Config{DataDir: dir}
	if err := cfg.SaveToken("x"); err == nil {
		t.Fatal("expected error for invalid existing config")
	}
	if cfg.Token != "" {
		t.Errorf("Token set despite failure: %q", cfg.Token)
	}
}

func TestEnsureAdminToken_GeneratedOnce(t *testing.T) {
	dir := setupConfigDir(t)

	cfg1, err := LoadMinimal()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg1.EnsureAdminToken(); err != nil {
		t.Fatalf("EnsureAdminToken: %v", err)
	}
	if len(cfg1.AdminToken) < 40 {
		t.Fatalf("admin token too short: %q", cfg1.AdminToken)
	}
	if m := readConfigMap(t, dir); m["admin_token"] != cfg1.AdminToken {
		t.Errorf("file admin_token = %v", m["admin_token"])
	}

	cfg2, err := LoadMinimal()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg2.EnsureAdminToken(); err != nil {
		t.Fatal(err)
	}
	if cfg2.AdminToken != cfg1.AdminToken {
		t.Errorf("admin token regenerated: %q != %q",
			cfg2.AdminToken, cfg1.AdminToken)
	}
}

func TestEnsureAdminToken_KeepsEnvToken(t *testing.T) {
	dir := setupConfigDir(t)
	t.Setenv("WIZARDSYNC_ADMIN_TOKEN", "from-env")

	cfg, err := LoadMinimal()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.EnsureAdminToken(); err != nil {
		t.Fatal(err)
	}
	if cfg.AdminToken != "from-env" {
		t.Errorf("AdminToken = %q", cfg.AdminToken)
	}
	if _, err := os.Stat(filepath.Join(dir, configFileName)); !os.IsNotExist(err) {
		t.Errorf("config file written unexpectedly: %v", err)
	}
}
