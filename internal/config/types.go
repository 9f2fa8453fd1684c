package config

// Settings is the complete martec-compiler configuration. It is loaded once
// at startup and treated as read-only afterwards.
type Settings struct {
	// TempDirectory is the workspace root. Every job owns
	// <temp_directory>/<job id>.
	TempDirectory string `yaml:"temp_directory"`
	HTTPPort      int    `yaml:"http_port"`
	Listen        string `yaml:"listen"`

	// Retention bounds in human-readable form ("1 day", "500mb"). Parsed by
	// the sweeper; empty disables the bound.
	Period  string `yaml:"period"`
	KeepFor string `yaml:"keep_for"`
	TrimTo  string `yaml:"trim_to"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	APIKey    string `yaml:"api_key"`
	PIDFile   string `yaml:"pid_file"`

	History   HistoryConfig   `yaml:"history"`
	Build     BuildConfig     `yaml:"build"`
	Retention RetentionConfig `yaml:"retention"`

	// Credentials for the file-transfer daemon that shares this file. Not
	// used by the compile service.
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	FTPPort  int    `yaml:"ftp_port,omitempty"`

	// Path and Fingerprint are filled in by Load.
	Path        string `yaml:"-"`
	Fingerprint string `yaml:"-"`
}

// HistoryConfig controls job history persistence.
type HistoryConfig struct {
	// Path of the SQLite database. Empty disables persistence.
	Path string `yaml:"path"`
}

// BuildConfig is the container command template.
type BuildConfig struct {
	Docker         string   `yaml:"docker"`
	Image          string   `yaml:"image"`
	MountPoint     string   `yaml:"mount_point"`
	Command        []string `yaml:"command"`
	LogFile        string   `yaml:"log_file"`
	StrictExitCode bool     `yaml:"strict_exit_code"`
}

type RetentionConfig struct {
	ProtectRunning *bool `yaml:"protect_running"`
}

// GuardRunning reports whether the sweeper must skip running workspaces.
// Defaults to true.
func (r RetentionConfig) GuardRunning() bool {
	return r.ProtectRunning == nil || *r.ProtectRunning
}

// Defaults returns a Settings with default values.
func Defaults() *Settings {
	return &Settings{
		HTTPPort:  8080,
		LogLevel:  "info",
		LogFormat: "json",
		Build: BuildConfig{
			Docker:     "docker",
			Image:      "sudilav1/martesim:latest",
			MountPoint: "/root/compilation",
			Command:    []string{"make", "-f", "Makefile.x86-linux"},
			LogFile:    "output.log",
		},
	}
}
