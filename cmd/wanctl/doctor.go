package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"wanctl/internal/adapter/store"
	"wanctl/internal/adapter/wan"
	"wanctl/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(ctx context.Context, cfg *config.Config) CheckResult
}

// maxParallelChecks bounds concurrent python probes.
const maxParallelChecks = 4

func runDoctor(args []string) error {
	cfgPath := configPath(args)

	// some checks still make sense without a valid file
	cfg, cfgErr := config.Load(cfgPath)
	if cfgErr != nil {
		cfg = config.Defaults()
		config.ApplyEnvOverrides(cfg)
	}

	prober := wan.NewProber(cfg.Python.ProbeTimeout)
	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Python", Fn: checkPython(prober)},
		{Name: "GPU", Fn: checkGPU(prober)},
		{Name: "Script", Fn: checkScript},
		{Name: "Checkpoints", Fn: checkCheckpoints},
		{Name: "History store", Fn: checkHistory},
	}

	fmt.Println("wanctl doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	results := runChecks(context.Background(), cfg, checks)
	fail := printResults(os.Stdout, results)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

// runChecks runs every check concurrently and returns results in check order.
func runChecks(ctx context.Context, cfg *config.Config, checks []Check) []CheckResult {
	results := make([]CheckResult, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelChecks)
	for i, check := range checks {
		g.Go(func() error {
			r := check.Fn(gctx, cfg)
			r.Name = check.Name
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// printResults writes the report and returns the number of failures.
func printResults(w io.Writer, results []CheckResult) int {
	var pass, warn, fail int
	for _, result := range results {
		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	switch {
	case fail > 0:
		fmt.Fprintln(w, "\nFix the FAIL issues above before generating.")
	case warn > 0:
		fmt.Fprintln(w, "\nwanctl should work, but consider addressing the warnings.")
	default:
		fmt.Fprintln(w, "\nAll checks passed! wanctl is ready to run.")
	}
	return fail
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports whether the config file exists and parses. A
// missing file is only a warning because defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(context.Context, *config.Config) CheckResult {
	return func(context.Context, *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Fix " + cfgPath + " or remove it to use defaults",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config at %s, using defaults", cfgPath),
				Fix:     "Create " + cfgPath + " to set python.script and generation.ckpt_dir",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkPython(p *wan.Prober) func(context.Context, *config.Config) CheckResult {
	return func(ctx context.Context, cfg *config.Config) CheckResult {
		info, err := p.ProbePython(ctx, cfg.Python.Executable)
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("%s does not run: %v", cfg.Python.Executable, err),
				Fix:     "Set python.executable or WANCTL_PYTHON",
			}
		}
		msg := fmt.Sprintf("%s (torch %s, cuda %s, diffusers %s, PIL %s)",
			info.Version, info.Torch, info.CUDA, info.Diffusers, info.PIL)
		if info.Torch == "missing" {
			return CheckResult{Status: StatusFail, Message: msg, Fix: "pip install torch in this interpreter"}
		}
		if info.Diffusers == "missing" || info.PIL == "missing" {
			return CheckResult{Status: StatusWarn, Message: msg, Fix: "pip install diffusers pillow"}
		}
		return CheckResult{Status: StatusPass, Message: msg}
	}
}

func checkGPU(p *wan.Prober) func(context.Context, *config.Config) CheckResult {
	return func(ctx context.Context, cfg *config.Config) CheckResult {
		gpu, err := p.ProbeGPU(ctx, cfg.Python.Executable)
		if err != nil {
			return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("GPU probe failed: %v", err)}
		}
		if !gpu.Available {
			return CheckResult{
				Status:  StatusWarn,
				Message: "no CUDA device, generation will be very slow",
				Fix:     "Install a CUDA build of torch",
			}
		}
		msg := fmt.Sprintf("%s, %.1f GiB, CUDA %s, bf16 %t, flash-attn %t",
			gpu.Name, float64(gpu.TotalMemory)/(1<<30), gpu.CUDAVersion, gpu.BF16, gpu.FlashAttn)
		return CheckResult{Status: StatusPass, Message: msg}
	}
}

func checkScript(_ context.Context, cfg *config.Config) CheckResult {
	if cfg.Python.Script != "" {
		if _, err := os.Stat(cfg.Python.Script); err == nil {
			return CheckResult{Status: StatusPass, Message: cfg.Python.Script}
		}
	}
	found := wan.FindScripts(cfg.Python.SearchRoots)
	if len(found) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "generate.py not found",
			Fix:     "Clone the Wan2.2 repository and set python.script",
		}
	}
	msg := "python.script is not set"
	if cfg.Python.Script != "" {
		msg = "script not found: " + cfg.Python.Script
	}
	return CheckResult{
		Status:  StatusWarn,
		Message: msg,
		Fix:     "Set python.script to " + found[0],
	}
}

func checkCheckpoints(_ context.Context, cfg *config.Config) CheckResult {
	dir := cfg.Generation.CheckpointDir
	if dir != "" && wan.LooksLikeCheckpointDir(dir) {
		return CheckResult{Status: StatusPass, Message: dir}
	}
	suggestions := wan.SuggestCheckpoints(cfg.Generation.Task, cfg.Python.SearchRoots)
	msg := "generation.ckpt_dir is not set"
	if dir != "" {
		msg = dir + " does not look like a checkpoint directory"
	}
	if len(suggestions) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: msg,
			Fix:     "Download the " + cfg.Generation.Task + " weights and set generation.ckpt_dir",
		}
	}
	return CheckResult{
		Status:  StatusWarn,
		Message: msg,
		Fix:     "Set generation.ckpt_dir to " + suggestions[0],
	}
}

func checkHistory(ctx context.Context, cfg *config.Config) CheckResult {
	if !cfg.History.Enabled {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}
	st, err := store.NewSQLiteJobStore(cfg.History.Path)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("cannot open %s: %v", cfg.History.Path, err),
			Fix:     "Fix history.path or set history.enabled: false",
		}
	}
	defer st.Close()
	recs, err := st.List(ctx, 1)
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: err.Error()}
	}
	msg := cfg.History.Path
	if len(recs) > 0 {
		msg += fmt.Sprintf(" (last job %s, %s)", recs[0].StartedAt.Format("2006-01-02 15:04"), recs[0].Phase)
	}
	return CheckResult{Status: StatusPass, Message: msg}
}
