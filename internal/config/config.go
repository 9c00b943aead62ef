// Package config loads the broker's JSON configuration file. The file is
// read once at startup; changing it requires a restart.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/tailscale/hujson"

	"localbroker/internal/pathguard"
)

const FileName = "localbroker.json"

var ErrConfigInvalid = errors.New("config_invalid")

var defaultProxyAllowedHosts = []string{
	"api.openai.com",
	"generativelanguage.googleapis.com",
}

type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	SavePath      string `json:"save_path"`
	ImageSavePath string `json:"image_save_path"`
	VideoSavePath string `json:"video_save_path"`

	// Enforced on Windows only; other platforms derive the allowed set from
	// the configured save paths.
	AllowedRoots []string `json:"allowed_roots"`

	ProxyAllowedHosts []string `json:"proxy_allowed_hosts"`
	// Seconds; 0 disables the proxy timeout entirely.
	ProxyTimeout int `json:"proxy_timeout"`

	AutoCreateDir   bool `json:"auto_create_dir"`
	AllowOverwrite  bool `json:"allow_overwrite"`
	LogEnabled      bool `json:"log_enabled"`
	ConvertPNGToJPG bool `json:"convert_png_to_jpg"`
	JPGQuality      int  `json:"jpg_quality"`

	EngineEnabled bool   `json:"engine_enabled"`
	EngineURL     string `json:"engine_url"`
	WorkflowsDir  string `json:"workflows_dir"`

	// Cron expression for the maintenance sweep, robfig/cron syntax.
	JanitorSpec string `json:"janitor_spec"`
}

func Default() Config {
	home, _ := os.UserHomeDir()
	save := filepath.Join(home, "Downloads", "LocalBroker")
	return Config{
		Host:              "127.0.0.1",
		Port:              9527,
		SavePath:          save,
		AllowedRoots:      []string{filepath.Join(home, "Downloads")},
		ProxyAllowedHosts: append([]string(nil), defaultProxyAllowedHosts...),
		ProxyTimeout:      300,
		AutoCreateDir:     true,
		AllowOverwrite:    false,
		LogEnabled:        true,
		ConvertPNGToJPG:   true,
		JPGQuality:        95,
		EngineEnabled:     false,
		EngineURL:         "http://127.0.0.1:8188",
		WorkflowsDir:      "workflows",
		JanitorSpec:       "@hourly",
	}
}

// Load reads path (JSON with comments and trailing commas tolerated) over the
// defaults. A missing file is not an error: the defaults stand as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	std, err := hujson.Standardize(data)
	if err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %v", ErrConfigInvalid, path, err)
	}
	if err := json.Unmarshal(std, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: decode %s: %v", ErrConfigInvalid, path, err)
	}
	cfg.clamp()
	return cfg, nil
}

func (c *Config) clamp() {
	if c.JPGQuality < 1 {
		c.JPGQuality = 1
	}
	if c.JPGQuality > 100 {
		c.JPGQuality = 100
	}
	if c.ProxyTimeout < 0 {
		c.ProxyTimeout = 0
	}
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = Default().Port
	}
	if strings.TrimSpace(c.Host) == "" {
		c.Host = Default().Host
	}
	if strings.TrimSpace(c.JanitorSpec) == "" {
		c.JanitorSpec = Default().JanitorSpec
	}
}

// EffectiveRoots is the allowed-roots set file operations are checked
// against. The explicit allow-list is only authoritative on Windows; other
// platforms trust the configured save paths and nothing else.
func (c Config) EffectiveRoots() []string {
	if runtime.GOOS == "windows" && len(c.AllowedRoots) > 0 {
		return append([]string(nil), c.AllowedRoots...)
	}
	roots := []string{c.SavePath}
	if c.ImageSavePath != "" {
		roots = append(roots, c.ImageSavePath)
	}
	if c.VideoSavePath != "" {
		roots = append(roots, c.VideoSavePath)
	}
	return roots
}

// SaveRoots lists the configured save directories in lookup priority order.
func (c Config) SaveRoots() []string {
	roots := []string{c.SavePath}
	if c.VideoSavePath != "" {
		roots = append(roots, c.VideoSavePath)
	}
	if c.ImageSavePath != "" {
		roots = append(roots, c.ImageSavePath)
	}
	return roots
}

// Validate rejects configurations the broker must not run under. On Windows
// the save path has to sit inside one of the allowed roots.
func (c Config) Validate() error {
	return c.validateFor(runtime.GOOS)
}

func (c Config) validateFor(goos string) error {
	if strings.TrimSpace(c.SavePath) == "" {
		return fmt.Errorf("%w: save_path is required", ErrConfigInvalid)
	}
	if goos != "windows" {
		return nil
	}
	if len(c.AllowedRoots) == 0 {
		return fmt.Errorf("%w: allowed_roots must not be empty", ErrConfigInvalid)
	}
	guard := pathguard.New(c.AllowedRoots)
	for _, p := range []string{c.SavePath, c.ImageSavePath, c.VideoSavePath} {
		if p == "" {
			continue
		}
		if !guard.Allowed(p) {
			return fmt.Errorf("%w: save path %q is outside allowed_roots", ErrConfigInvalid, p)
		}
	}
	return nil
}
