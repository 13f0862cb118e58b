package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validatePython(cfg, ve)
	validateRunner(cfg, ve)
	validateProgress(cfg, ve)
	validateGeneration(cfg, ve)
	validateHistory(cfg, ve)
	validateGateway(cfg, ve)
	validateAudit(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validatePython(cfg *Config, ve *ValidationError) {
	if cfg.Python.Executable == "" {
		ve.Add("python.executable is required")
	}
	if cfg.Python.ProbeTimeout <= 0 {
		ve.Add("python.probe_timeout must be > 0")
	}
}

func validateRunner(cfg *Config, ve *ValidationError) {
	if cfg.Runner.KillGrace <= 0 {
		ve.Add("runner.kill_grace must be > 0")
	}
	if cfg.Runner.ChunkSize < 512 {
		ve.Add("runner.chunk_size must be >= 512, got %d", cfg.Runner.ChunkSize)
	}
}

func validateProgress(cfg *Config, ve *ValidationError) {
	p := cfg.Progress
	inRange := func(name string, v int) {
		if v < 0 || v > 100 {
			ve.Add("progress.%s must be within [0,100], got %d", name, v)
		}
	}
	inRange("loading_band", p.LoadingBand)
	inRange("t5_floor", p.T5Floor)
	inRange("vae_floor", p.VAEFloor)
	inRange("model_floor", p.ModelFloor)
	inRange("shard_base", p.ShardBase)
	inRange("saving_percent", p.SavingPercent)
	inRange("animation_start", p.AnimationStart)
	inRange("animation_cap", p.AnimationCap)
	if p.GenerationSpan < 0 || p.LoadingBand+p.GenerationSpan > 100 {
		ve.Add("progress.loading_band + progress.generation_span must be <= 100")
	}
	if p.ShardFactor < 0 || float64(p.ShardBase)+100*p.ShardFactor > 100 {
		ve.Add("progress.shard_base + 100*progress.shard_factor must be <= 100")
	}
	if p.AnimationStep <= 0 {
		ve.Add("progress.animation_step must be > 0")
	}
	if p.AnimationInterval <= 0 {
		ve.Add("progress.animation_interval must be > 0")
	}
	if p.MaxLogBytes < 1024 {
		ve.Add("progress.max_log_bytes must be >= 1024")
	}
}

var sizePattern = regexp.MustCompile(`^\d+\*\d+$`)

func validateGeneration(cfg *Config, ve *ValidationError) {
	g := cfg.Generation
	if g.Size != "" && !sizePattern.MatchString(g.Size) {
		ve.Add("generation.size must look like WIDTH*HEIGHT, got %q", g.Size)
	}
	if g.FPS < 0 {
		ve.Add("generation.fps must be >= 0")
	}
	if g.LengthSeconds < 0 {
		ve.Add("generation.length_seconds must be >= 0")
	}
	if g.Steps < 0 {
		ve.Add("generation.steps must be >= 0")
	}
}

func validateHistory(cfg *Config, ve *ValidationError) {
	if cfg.History.Enabled && cfg.History.Path == "" {
		ve.Add("history.path is required when history is enabled")
	}
	if cfg.History.Retention < 0 {
		ve.Add("history.retention must be >= 0")
	}
	if cfg.History.Retention > 0 && cfg.History.PruneSchedule == "" {
		ve.Add("history.prune_schedule is required when history.retention is set")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
			ve.Add("gateway.addr %q is not host:port: %v", cfg.Gateway.Addr, err)
		}
	}
	if cfg.Gateway.RequestsPerMin < 0 || cfg.Gateway.Burst < 0 {
		ve.Add("gateway rate limits must be >= 0")
	}
	for i, tok := range cfg.Gateway.Tokens {
		switch {
		case tok.Token == "" && tok.TokenHash == "":
			ve.Add("gateway.tokens[%d].token or token_hash is required", i)
		case tok.Token != "" && tok.TokenHash != "":
			ve.Add("gateway.tokens[%d] sets both token and token_hash", i)
		case tok.TokenHash != "" && !strings.HasPrefix(tok.TokenHash, "$2"):
			ve.Add("gateway.tokens[%d].token_hash is not a bcrypt hash", i)
		}
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	if cfg.Audit.Enabled && cfg.Audit.Path == "" {
		ve.Add("audit.path is required when audit is enabled")
	}
	if cfg.Audit.MaxAge < 0 {
		ve.Add("audit.max_age must be >= 0")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format must be text or json, got %q", cfg.Logger.Format)
	}
}
