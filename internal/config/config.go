package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	defaultConfigPath = "~/.config/nvis/config.json"
	defaultParallel   = 2
	defaultPort       = 8000
)

// Viewer modes for the static file server.
const (
	ServerBuiltin  = "builtin"
	ServerExternal = "external"
)

// Config holds user-editable settings for both tools.
type Config struct {
	Viewer     Viewer     `json:"viewer"`
	Blur       Blur       `json:"blur"`
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
}

// Viewer configures the image-sequence viewer launcher.
type Viewer struct {
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	Root          string   `json:"root"`           // directory served and written to
	ConfigFile    string   `json:"config_file"`    // manifest file name inside Root
	HTMLFile      string   `json:"html_file"`      // HTML shell file name inside Root
	Script        string   `json:"script"`         // client viewer script URL
	ManifestName  string   `json:"manifest_name"`  // top-level manifest "name"
	ServerMode    string   `json:"server_mode"`    // builtin, external
	ServerCommand []string `json:"server_command"` // argv for external mode, port is appended
	OpenBrowser   bool     `json:"open_browser"`
	Watch         bool     `json:"watch"`
	WatchDebounce string   `json:"watch_debounce"` // time.Duration string
}

// Blur configures blur map estimation and diff rendering.
type Blur struct {
	TopK         int     `json:"top_k"` // 0 derives max(1, window/2-1)
	Step         int     `json:"step"`
	Tolerance    float64 `json:"tolerance"`
	Multiplier   float64 `json:"multiplier"`
	OutputDir    string  `json:"output_dir"`
	MaxDimension int     `json:"max_dimension"` // 0 keeps full resolution
	DegreeTopK   int     `json:"degree_top_k"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs"`
	Workers      int `json:"workers"` // goroutines per blur map, 0 uses all CPUs
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json, pretty
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures persistent locations.
type Paths struct {
	DatabasePath string `json:"database_path"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(Path())
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}

	return cfg, nil
}

// Path returns the config file location, honouring NVIS_CONFIG.
func Path() string {
	if p := os.Getenv("NVIS_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Viewer.Port < 0 || c.Viewer.Port > 65535 {
		return fmt.Errorf("viewer.port out of range: %d", c.Viewer.Port)
	}
	switch c.Viewer.ServerMode {
	case ServerBuiltin:
	case ServerExternal:
		if len(c.Viewer.ServerCommand) == 0 {
			return errors.New("viewer.server_command is required in external mode")
		}
	default:
		return fmt.Errorf("unknown viewer.server_mode %q", c.Viewer.ServerMode)
	}
	if c.Viewer.ConfigFile == "" || c.Viewer.HTMLFile == "" {
		return errors.New("viewer.config_file and viewer.html_file must be set")
	}
	if c.Blur.TopK < 0 {
		return fmt.Errorf("blur.top_k must not be negative: %d", c.Blur.TopK)
	}
	if c.Blur.Step < 1 {
		return fmt.Errorf("blur.step must be at least 1: %d", c.Blur.Step)
	}
	if c.Blur.Tolerance < 0 {
		return fmt.Errorf("blur.tolerance must not be negative: %v", c.Blur.Tolerance)
	}
	if c.Blur.MaxDimension < 0 {
		return fmt.Errorf("blur.max_dimension must not be negative: %d", c.Blur.MaxDimension)
	}
	if c.Processing.ParallelJobs < 1 {
		return fmt.Errorf("processing.parallel_jobs must be at least 1: %d", c.Processing.ParallelJobs)
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Viewer: Viewer{
			Host:          "localhost",
			Port:          defaultPort,
			Root:          ".",
			ConfigFile:    "nvis_config.json",
			HTMLFile:      "index.html",
			Script:        "nvis.js",
			ManifestName:  "Pytorch output images",
			ServerMode:    ServerBuiltin,
			ServerCommand: []string{"python3", "-m", "http.server", "--bind", "localhost"},
			OpenBrowser:   true,
			WatchDebounce: "500ms",
		},
		Blur: Blur{
			Step:       1,
			Tolerance:  0.0,
			Multiplier: 1.0,
			OutputDir:  ".",
			DegreeTopK: 10,
		},
		Processing: Processing{
			ParallelJobs: defaultParallel,
			Workers:      runtime.NumCPU(),
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
			LogDir: "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "nvis.db"),
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
