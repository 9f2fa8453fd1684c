package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const (
	// EnvRootDir names the installation directory holding settings.yml.
	EnvRootDir     = "MARTEC_ROOTDIR"
	DefaultRootDir = "/opt/martecompiler"
	SettingsFile   = "settings.yml"
	PIDFileName    = "martec-compiler.pid"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// DefaultPath returns $MARTEC_ROOTDIR/settings.yml, falling back to the
// stock installation directory.
func DefaultPath() string {
	root := os.Getenv(EnvRootDir)
	if strings.TrimSpace(root) == "" {
		root = DefaultRootDir
	}
	return filepath.Join(root, SettingsFile)
}

// Load reads, interpolates, defaults and validates the settings file.
func Load(configPath string) (*Settings, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w\n"+
			"Hint: set %s or pass --config", absPath, err, EnvRootDir)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", absPath, err)
	}

	cfg.Path = absPath
	cfg.Fingerprint = Fingerprint(data)
	applyDefaults(cfg)
	resolvePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", absPath, err)
	}
	return cfg, nil
}

// Fingerprint returns the hex BLAKE3 digest of the raw settings bytes.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ListenAddr is the HTTP listen address: Listen when set, otherwise all
// interfaces on HTTPPort.
func (s *Settings) ListenAddr() string {
	if s.Listen != "" {
		return s.Listen
	}
	return fmt.Sprintf("0.0.0.0:%d", s.HTTPPort)
}

// PIDPath is the lock file location, next to the workspace root by default.
func (s *Settings) PIDPath() string {
	if s.PIDFile != "" {
		return s.PIDFile
	}
	return filepath.Join(filepath.Dir(filepath.Clean(s.TempDirectory)), PIDFileName)
}

// applyDefaults restores defaults for keys present but left empty.
func applyDefaults(cfg *Settings) {
	defaults := Defaults()

	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = defaults.HTTPPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = defaults.LogFormat
	}
	if cfg.Build.Docker == "" {
		cfg.Build.Docker = defaults.Build.Docker
	}
	if cfg.Build.Image == "" {
		cfg.Build.Image = defaults.Build.Image
	}
	if cfg.Build.MountPoint == "" {
		cfg.Build.MountPoint = defaults.Build.MountPoint
	}
	if len(cfg.Build.Command) == 0 {
		cfg.Build.Command = defaults.Build.Command
	}
	if cfg.Build.LogFile == "" {
		cfg.Build.LogFile = defaults.Build.LogFile
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
}

// resolvePaths anchors relative filesystem paths at the config directory.
func resolvePaths(cfg *Settings, baseDir string) {
	anchor := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	cfg.TempDirectory = anchor(cfg.TempDirectory)
	cfg.History.Path = anchor(cfg.History.Path)
	cfg.PIDFile = anchor(cfg.PIDFile)
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and caught by validate.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Settings) error {
	if strings.TrimSpace(cfg.TempDirectory) == "" {
		return fmt.Errorf("temp_directory is required")
	}
	if cfg.Listen == "" && (cfg.HTTPPort < 1 || cfg.HTTPPort > 65535) {
		return fmt.Errorf("http_port must be between 1 and 65535 (got %d)", cfg.HTTPPort)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error (got %q)", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return fmt.Errorf("log_format must be json or text (got %q)", cfg.LogFormat)
	}

	for key, value := range map[string]string{
		"temp_directory": cfg.TempDirectory,
		"api_key":        cfg.APIKey,
		"history.path":   cfg.History.Path,
	} {
		if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
			return fmt.Errorf("%s: environment variable ${%s} is not set", key, m[1])
		}
	}
	return nil
}
