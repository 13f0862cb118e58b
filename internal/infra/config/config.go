package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Python     PythonConfig     `yaml:"python"`
	Runner     RunnerConfig     `yaml:"runner"`
	Progress   ProgressConfig   `yaml:"progress"`
	Generation GenerationConfig `yaml:"generation"`
	History    HistoryConfig    `yaml:"history"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Audit      AuditConfig      `yaml:"audit"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
}

// PythonConfig locates the interpreter and the generation script.
type PythonConfig struct {
	Executable   string        `yaml:"executable"`    // e.g. "python", "C:/Python311/python.exe"
	Script       string        `yaml:"script"`        // path to generate.py
	SearchRoots  []string      `yaml:"search_roots"`  // roots scanned by doctor / suggestions
	ProbeTimeout time.Duration `yaml:"probe_timeout"` // per probe invocation
}

// RunnerConfig controls the child process lifecycle.
type RunnerConfig struct {
	KillGrace time.Duration     `yaml:"kill_grace"` // force kill after cancel if still alive
	ChunkSize int               `yaml:"chunk_size"` // max bytes per OutputEvent
	Env       map[string]string `yaml:"env,omitempty"`
}

// ProgressConfig holds the percent-mapping constants used by the output parser.
// The defaults reproduce the 70/29 loading/generation split.
type ProgressConfig struct {
	LoadingBand       int           `yaml:"loading_band"`       // percent reserved for loading (70)
	GenerationSpan    int           `yaml:"generation_span"`    // percent covered by sampling steps (29)
	T5Floor           int           `yaml:"t5_floor"`           // 10
	VAEFloor          int           `yaml:"vae_floor"`          // 20
	ModelFloor        int           `yaml:"model_floor"`        // 25
	ShardBase         int           `yaml:"shard_base"`         // 30
	ShardFactor       float64       `yaml:"shard_factor"`       // 0.4
	SavingPercent     int           `yaml:"saving_percent"`     // 99
	AnimationStart    int           `yaml:"animation_start"`    // 5
	AnimationStep     int           `yaml:"animation_step"`     // 2
	AnimationCap      int           `yaml:"animation_cap"`      // 65
	AnimationInterval time.Duration `yaml:"animation_interval"` // 800ms
	MaxLogBytes       int           `yaml:"max_log_bytes"`      // raw log ring buffer size
}

// GenerationConfig holds the defaults used to build generate.py arguments.
type GenerationConfig struct {
	Task          string  `yaml:"task"`
	Size          string  `yaml:"size"`
	CheckpointDir string  `yaml:"ckpt_dir"`
	OutputDir     string  `yaml:"output_dir"`
	FPS           int     `yaml:"fps"`
	LengthSeconds float64 `yaml:"length_seconds"`
	Steps         int     `yaml:"steps"` // 0 = task default
	OffloadModel  bool    `yaml:"offload_model"`
	ConvertDtype  bool    `yaml:"convert_model_dtype"`
	T5CPU         bool    `yaml:"t5_cpu"`
}

// HistoryConfig holds job history persistence settings.
type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`           // SQLite database file
	Retention     time.Duration `yaml:"retention"`      // 0 keeps every job
	PruneSchedule string        `yaml:"prune_schedule"` // cron expression or duration
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Addr           string        `yaml:"addr"`
	Tokens         []TokenConfig `yaml:"tokens,omitempty"`
	RequestsPerMin int           `yaml:"requests_per_min"`
	Burst          int           `yaml:"burst"`
	MDNS           bool          `yaml:"mdns"` // advertise _wanctl._tcp on the local network
}

// TokenConfig holds a single gateway auth token. Either the plain token or
// its bcrypt hash (see `wanctl hash-token`) is set.
type TokenConfig struct {
	Token     string `yaml:"token,omitempty"`
	TokenHash string `yaml:"token_hash,omitempty"`
	Name      string `yaml:"name"`
}

// AuditConfig holds the gateway audit trail settings.
type AuditConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`     // JSON lines file
	MaxAge  time.Duration `yaml:"max_age"`  // 0 = keep forever
	MaxSize string        `yaml:"max_size"` // e.g. "10MB"; empty = unbounded
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// DataDir returns the persistent data directory under $HOME/.wanctl.
// Falls back to "./data" if $HOME cannot be determined.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".wanctl")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := DataDir()
	return &Config{
		Python: PythonConfig{
			Executable:   "python",
			Script:       "",
			SearchRoots:  []string{".", ".."},
			ProbeTimeout: 30 * time.Second,
		},
		Runner: RunnerConfig{
			KillGrace: 10 * time.Second,
			ChunkSize: 32 * 1024,
		},
		Progress: ProgressConfig{
			LoadingBand:       70,
			GenerationSpan:    29,
			T5Floor:           10,
			VAEFloor:          20,
			ModelFloor:        25,
			ShardBase:         30,
			ShardFactor:       0.4,
			SavingPercent:     99,
			AnimationStart:    5,
			AnimationStep:     2,
			AnimationCap:      65,
			AnimationInterval: 800 * time.Millisecond,
			MaxLogBytes:       4 * 1024 * 1024,
		},
		Generation: GenerationConfig{
			Task:          "t2v-A14B",
			Size:          "1280*720",
			FPS:           16,
			LengthSeconds: 5,
			OffloadModel:  true,
		},
		History: HistoryConfig{
			Enabled:       true,
			Path:          filepath.Join(dataDir, "history.db"),
			PruneSchedule: "@daily",
		},
		Gateway: GatewayConfig{
			Addr:           "127.0.0.1:7860",
			RequestsPerMin: 120,
			Burst:          20,
		},
		Audit: AuditConfig{
			Path: filepath.Join(dataDir, "audit.jsonl"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads the YAML config at path on top of Defaults, applies WANCTL_*
// environment overrides and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML to path, creating parent directories as needed.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ApplyEnvOverrides applies WANCTL_* environment variables on top of cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WANCTL_PYTHON"); v != "" {
		cfg.Python.Executable = v
	}
	if v := os.Getenv("WANCTL_SCRIPT"); v != "" {
		cfg.Python.Script = v
	}
	if v := os.Getenv("WANCTL_SEARCH_ROOTS"); v != "" {
		cfg.Python.SearchRoots = splitAndTrim(v, string(os.PathListSeparator))
	}
	if v := os.Getenv("WANCTL_CKPT_DIR"); v != "" {
		cfg.Generation.CheckpointDir = v
	}
	if v := os.Getenv("WANCTL_OUTPUT_DIR"); v != "" {
		cfg.Generation.OutputDir = v
	}
	if v := os.Getenv("WANCTL_TASK"); v != "" {
		cfg.Generation.Task = v
	}
	if v := os.Getenv("WANCTL_RUNNER_KILL_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Runner.KillGrace = d
		}
	}
	if v := os.Getenv("WANCTL_PROGRESS_MAX_LOG_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Progress.MaxLogBytes = n
		}
	}
	if v := os.Getenv("WANCTL_HISTORY_ENABLED"); v != "" {
		cfg.History.Enabled = v == "true"
	}
	if v := os.Getenv("WANCTL_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv("WANCTL_HISTORY_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.History.Retention = d
		}
	}
	if v := os.Getenv("WANCTL_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("WANCTL_GATEWAY_MDNS"); v != "" {
		cfg.Gateway.MDNS = v == "true"
	}
	if v := os.Getenv("WANCTL_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Tokens = append(cfg.Gateway.Tokens, TokenConfig{Token: v, Name: "env"})
	}
	if v := os.Getenv("WANCTL_AUDIT_ENABLED"); v != "" {
		cfg.Audit.Enabled = v == "true"
	}
	if v := os.Getenv("WANCTL_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("WANCTL_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("WANCTL_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("WANCTL_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("WANCTL_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("WANCTL_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
