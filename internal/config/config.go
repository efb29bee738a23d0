package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const configFileName = "config.json"

// Config holds all application configuration.
type Config struct {
	DataDir        string        `json:"data_dir"`
	CachePath      string        `json:"-"`
	ServerURL      string        `json:"server_url"`
	Token          string        `json:"token,omitempty"`
	AuthCommand    string        `json:"auth_command,omitempty"`
	CacheTTL       time.Duration `json:"-"`
	Debounce       time.Duration `json:"-"`
	RequestTimeout time.Duration `json:"-"`

	// Reference authority server.
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ServerDBPath string        `json:"-"`
	AdminToken   string        `json:"admin_token,omitempty"`
	WriteTimeout time.Duration `json:"-"`
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf(
			"determining home directory: %w", err,
		)
	}
	return Config{
		DataDir:        filepath.Join(home, ".wizardsync"),
		ServerURL:      "http://127.0.0.1:8090",
		CacheTTL:       5 * time.Minute,
		Debounce:       300 * time.Millisecond,
		RequestTimeout: 30 * time.Second,
		Host:           "127.0.0.1",
		Port:           8090,
		WriteTimeout:   30 * time.Second,
	}, nil
}

// Load builds a Config by layering: defaults < config file < env < flags.
// The provided FlagSet must already be parsed by the caller.
// Only flags that were explicitly set override the lower layers.
func Load(fs *flag.FlagSet) (Config, error) {
	cfg, err := LoadMinimal()
	if err != nil {
		return cfg, err
	}
	if err := applyFlags(&cfg, fs); err != nil {
		return cfg, err
	}
	cfg.derivePaths()
	return cfg, nil
}

// LoadMinimal builds a Config from defaults, config file and
// env, without looking at CLI flags.
func LoadMinimal() (Config, error) {
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}
	// The data dir decides where the config file lives, so it
	// is the one setting taken from env before the file.
	if v := os.Getenv("WIZARDSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	cfg.loadEnv()
	cfg.derivePaths()
	return cfg, nil
}

func (c *Config) derivePaths() {
	c.CachePath = filepath.Join(c.DataDir, "cache.db")
	c.ServerDBPath = filepath.Join(c.DataDir, "authority.db")
}

func (c *Config) configPath() string {
	return filepath.Join(c.DataDir, configFileName)
}

func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.configPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file struct {
		ServerURL      string `json:"server_url"`
		Token          string `json:"token"`
		AuthCommand    string `json:"auth_command"`
		AdminToken     string `json:"admin_token"`
		Host           string `json:"host"`
		Port           int    `json:"port"`
		CacheTTL       string `json:"cache_ttl"`
		Debounce       string `json:"debounce"`
		RequestTimeout string `json:"request_timeout"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if file.ServerURL != "" {
		c.ServerURL = file.ServerURL
	}
	if file.Token != "" {
		c.Token = file.Token
	}
	if file.AuthCommand != "" {
		c.AuthCommand = file.AuthCommand
	}
	if file.AdminToken != "" {
		c.AdminToken = file.AdminToken
	}
	if file.Host != "" {
		c.Host = file.Host
	}
	if file.Port != 0 {
		c.Port = file.Port
	}
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"cache_ttl", file.CacheTTL, &c.CacheTTL},
		{"debounce", file.Debounce, &c.Debounce},
		{"request_timeout", file.RequestTimeout, &c.RequestTimeout},
	} {
		if d.raw == "" {
			continue
		}
		v, err := parsePositiveDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) loadEnv() {
	if v := os.Getenv("WIZARDSYNC_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("WIZARDSYNC_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("WIZARDSYNC_AUTH_COMMAND"); v != "" {
		c.AuthCommand = v
	}
	if v := os.Getenv("WIZARDSYNC_ADMIN_TOKEN"); v != "" {
		c.AdminToken = v
	}
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", s)
	}
	return d, nil
}

// RegisterServeFlags registers serve-command flags on fs.
// The caller must call fs.Parse before passing fs to Load.
func RegisterServeFlags(fs *flag.FlagSet) {
	fs.String("host", "127.0.0.1", "Host to bind to")
	fs.Int("port", 8090, "Port to listen on")
}

// RegisterClientFlags registers the flags shared by the
// commands that talk to an authority.
func RegisterClientFlags(fs *flag.FlagSet) {
	fs.String("server", "", "Authority base URL")
	fs.String("token", "", "Bearer token (overrides auth command)")
	fs.Duration("ttl", 5*time.Minute, "Cache freshness window")
	fs.Duration("debounce", 300*time.Millisecond, "Debounced save delay")
	fs.Duration("timeout", 30*time.Second, "Request timeout")
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *flag.FlagSet) error {
	if fs == nil {
		return nil
	}
	var ferr error
	fs.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		switch f.Name {
		case "host":
			cfg.Host = v
		case "port":
			// flag already validated the int; ignore parse error
			cfg.Port, _ = strconv.Atoi(v)
		case "server":
			cfg.ServerURL = v
		case "token":
			cfg.Token = v
		case "ttl", "debounce", "timeout":
			d, err := parsePositiveDuration(v)
			if err != nil {
				if ferr == nil {
					ferr = fmt.Errorf("-%s: %w", f.Name, err)
				}
				return
			}
			switch f.Name {
			case "ttl":
				cfg.CacheTTL = d
			case "debounce":
				cfg.Debounce = d
			default:
				cfg.RequestTimeout = d
			}
		}
	})
	return ferr
}

// SaveToken persists the bearer token to the config file.
func (c *Config) SaveToken(token string) error {
	if err := c.saveKey("token", token); err != nil {
		return err
	}
	c.Token = token
	return nil
}

// EnsureAdminToken generates and persists an admin token if
// none is configured.
func (c *Config) EnsureAdminToken() error {
	if c.AdminToken != "" {
		return nil
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("generating admin token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(b)
	if err := c.saveKey("admin_token", token); err != nil {
		return err
	}
	c.AdminToken = token
	return nil
}

// saveKey sets one key in config.json, keeping every other key
// as found.
func (c *Config) saveKey(key string, value any) error {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	existing := make(map[string]any)
	data, err := os.ReadFile(c.configPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf(
				"existing config is invalid, cannot update: %w",
				err,
			)
		}
	}

	existing[key] = value
	out, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(c.configPath(), out, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
