package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), SettingsFile)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Settings)
	}{
		{
			name: "legacy settings file",
			yaml: `
temp_directory: /opt/martecompiler/tmp
http_port: 5000
period: 1 day
keep_for: 2 days
trim_to: 500mb
username: martec
password: secret
ftp_port: 2121
`,
			checkFn: func(t *testing.T, cfg *Settings) {
				if cfg.TempDirectory != "/opt/martecompiler/tmp" {
					t.Errorf("temp_directory = %q", cfg.TempDirectory)
				}
				if cfg.ListenAddr() != "0.0.0.0:5000" {
					t.Errorf("ListenAddr() = %q", cfg.ListenAddr())
				}
				if cfg.Period != "1 day" || cfg.KeepFor != "2 days" || cfg.TrimTo != "500mb" {
					t.Errorf("retention strings not parsed: %+v", cfg)
				}
				if cfg.FTPPort != 2121 {
					t.Errorf("ftp_port = %d", cfg.FTPPort)
				}
			},
		},
		{
			name: "defaults applied",
			yaml: "temp_directory: /srv/ws\n",
			checkFn: func(t *testing.T, cfg *Settings) {
				if cfg.HTTPPort != 8080 {
					t.Errorf("http_port default = %d", cfg.HTTPPort)
				}
				if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
					t.Errorf("log defaults = %q/%q", cfg.LogLevel, cfg.LogFormat)
				}
				if cfg.Build.Image != "sudilav1/martesim:latest" {
					t.Errorf("build.image default = %q", cfg.Build.Image)
				}
				if strings.Join(cfg.Build.Command, " ") != "make -f Makefile.x86-linux" {
					t.Errorf("build.command default = %v", cfg.Build.Command)
				}
				if !cfg.Retention.GuardRunning() {
					t.Error("protect_running should default to true")
				}
				if cfg.History.Path != "" {
					t.Errorf("history disabled by default, got %q", cfg.History.Path)
				}
				if cfg.PIDPath() != "/srv/martec-compiler.pid" {
					t.Errorf("PIDPath() = %q", cfg.PIDPath())
				}
			},
		},
		{
			name: "build and retention overrides",
			yaml: `
temp_directory: /srv/ws
listen: 127.0.0.1:9000
log_level: DEBUG
log_format: text
build:
  image: example/toolchain:2
  command: [make, all]
  strict_exit_code: true
retention:
  protect_running: false
`,
			checkFn: func(t *testing.T, cfg *Settings) {
				if cfg.ListenAddr() != "127.0.0.1:9000" {
					t.Errorf("ListenAddr() = %q", cfg.ListenAddr())
				}
				if cfg.LogLevel != "debug" {
					t.Errorf("log_level not normalized: %q", cfg.LogLevel)
				}
				if cfg.Build.Image != "example/toolchain:2" || !cfg.Build.StrictExitCode {
					t.Errorf("build overrides lost: %+v", cfg.Build)
				}
				if strings.Join(cfg.Build.Command, " ") != "make all" {
					t.Errorf("build.command = %v", cfg.Build.Command)
				}
				if cfg.Build.Docker != "docker" {
					t.Errorf("build.docker default lost: %q", cfg.Build.Docker)
				}
				if cfg.Retention.GuardRunning() {
					t.Error("protect_running: false ignored")
				}
			},
		},
		{
			name: "env interpolation",
			yaml: `
temp_directory: ${MARTEC_TEST_WS}
api_key: ${MARTEC_TEST_KEY}
`,
			env: map[string]string{"MARTEC_TEST_WS": "/data/ws", "MARTEC_TEST_KEY": "s3cret"},
			checkFn: func(t *testing.T, cfg *Settings) {
				if cfg.TempDirectory != "/data/ws" {
					t.Errorf("temp_directory = %q", cfg.TempDirectory)
				}
				if cfg.APIKey != "s3cret" {
					t.Errorf("api_key = %q", cfg.APIKey)
				}
			},
		},
		{
			name:    "unset env var",
			yaml:    "temp_directory: /srv/ws\napi_key: ${MARTEC_TEST_UNSET_KEY}\n",
			wantErr: "MARTEC_TEST_UNSET_KEY",
		},
		{
			name:    "missing temp_directory",
			yaml:    "http_port: 8080\n",
			wantErr: "temp_directory is required",
		},
		{
			name:    "bad log level",
			yaml:    "temp_directory: /srv/ws\nlog_level: loud\n",
			wantErr: "log_level",
		},
		{
			name:    "bad port",
			yaml:    "temp_directory: /srv/ws\nhttp_port: 70000\n",
			wantErr: "http_port",
		},
		{
			name:    "malformed yaml",
			yaml:    "temp_directory: [unterminated\n",
			wantErr: "parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load(writeSettings(t, tt.yaml))
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error %q does not contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.checkFn(t, cfg)
		})
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	path := writeSettings(t, "temp_directory: ws\nhistory:\n  path: data/history.db\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	dir := filepath.Dir(path)
	if cfg.TempDirectory != filepath.Join(dir, "ws") {
		t.Errorf("temp_directory = %q", cfg.TempDirectory)
	}
	if cfg.History.Path != filepath.Join(dir, "data", "history.db") {
		t.Errorf("history.path = %q", cfg.History.Path)
	}
	if cfg.Path != path {
		t.Errorf("Path = %q, want %q", cfg.Path, path)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), EnvRootDir) {
		t.Errorf("error should hint at %s: %v", EnvRootDir, err)
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("temp_directory: /a\n"))
	b := Fingerprint([]byte("temp_directory: /b\n"))
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(a))
	}
	if a == b {
		t.Error("different content produced the same fingerprint")
	}
	if a != Fingerprint([]byte("temp_directory: /a\n")) {
		t.Error("fingerprint is not deterministic")
	}

	path := writeSettings(t, "temp_directory: /a\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Fingerprint != a {
		t.Errorf("Load fingerprint = %q, want %q", cfg.Fingerprint, a)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvRootDir, "/srv/martec")
	if got := DefaultPath(); got != "/srv/martec/settings.yml" {
		t.Errorf("DefaultPath() = %q", got)
	}
	t.Setenv(EnvRootDir, "")
	if got := DefaultPath(); got != "/opt/martecompiler/settings.yml" {
		t.Errorf("DefaultPath() = %q", got)
	}
}
