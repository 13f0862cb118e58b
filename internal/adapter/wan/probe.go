package wan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"wanctl/internal/domain"
)

// DefaultProbeTimeout bounds each interpreter invocation.
const DefaultProbeTimeout = 30 * time.Second

const (
	torchProbe     = "import torch,sys;print(torch.__version__);print(torch.cuda.is_available())"
	diffusersProbe = "import diffusers;import PIL;print(diffusers.__version__);print(PIL.__version__)"
	gpuProbe       = `import json, torch, sys
avail = torch.cuda.is_available()
name = torch.cuda.get_device_name(0) if avail else ""
mem = torch.cuda.get_device_properties(0).total_memory if avail else 0
bf16 = torch.cuda.is_bf16_supported() if avail else False
cuda_ver = getattr(torch.version, "cuda", None)
has_flash = False
try:
    import flash_attn
    has_flash = True
except Exception:
    pass
print(json.dumps({"available": avail, "name": name, "total_memory": int(mem), "bf16": bf16, "cuda_version": cuda_ver or "", "flash_attn": has_flash}))`
)

// PythonInfo summarises an interpreter. Library fields are "missing" when
// the import failed.
type PythonInfo struct {
	Executable string `json:"executable"`
	Version    string `json:"version"`
	Torch      string `json:"torch"`
	CUDA       string `json:"cuda"` // "available", "not available" or "unknown"
	Diffusers  string `json:"diffusers"`
	PIL        string `json:"pil"`
}

// Prober runs diagnostic one-liners through a Python interpreter.
type Prober struct {
	Timeout time.Duration
}

// NewProber returns a Prober; timeout <= 0 selects DefaultProbeTimeout.
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{Timeout: timeout}
}

// ProbePython checks that python runs and reports its library versions.
// Only a failing "python -V" is an error.
func (p *Prober) ProbePython(ctx context.Context, python string) (*PythonInfo, error) {
	out, err := p.run(ctx, python, "-V")
	if err != nil {
		return nil, domain.NewSubSystemError("wan", "Prober.ProbePython", domain.ErrProbeFailed, err.Error())
	}
	info := &PythonInfo{
		Executable: python,
		Version:    strings.TrimSpace(out),
		Torch:      "missing",
		CUDA:       "unknown",
		Diffusers:  "missing",
		PIL:        "missing",
	}
	if out, err := p.run(ctx, python, "-c", torchProbe); err == nil {
		lines := splitLines(out)
		info.Torch = lineOr(lines, 0, "unknown")
		if lineOr(lines, 1, "") == "True" {
			info.CUDA = "available"
		} else {
			info.CUDA = "not available"
		}
	}
	if out, err := p.run(ctx, python, "-c", diffusersProbe); err == nil {
		lines := splitLines(out)
		info.Diffusers = lineOr(lines, 0, "unknown")
		info.PIL = lineOr(lines, 1, "unknown")
	}
	return info, nil
}

// ProbeGPU asks torch for the first CUDA device.
func (p *Prober) ProbeGPU(ctx context.Context, python string) (*GPUInfo, error) {
	out, err := p.run(ctx, python, "-c", gpuProbe)
	if err != nil {
		return nil, domain.NewSubSystemError("wan", "Prober.ProbeGPU", domain.ErrProbeFailed, err.Error())
	}
	lines := splitLines(out)
	if len(lines) == 0 {
		return nil, domain.NewSubSystemError("wan", "Prober.ProbeGPU", domain.ErrProbeFailed, "empty probe output")
	}
	var info GPUInfo
	// the JSON is the last line; torch may print warnings first
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &info); err != nil {
		return nil, domain.NewSubSystemError("wan", "Prober.ProbeGPU", domain.ErrProbeFailed,
			fmt.Sprintf("decode probe output: %v", err))
	}
	return &info, nil
}

func (p *Prober) run(ctx context.Context, python string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, python, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(cmd.Environ(), "PYTHONIOENCODING=utf-8", "PYTHONUTF8=1")
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, lastLine(msg))
		}
		return "", err
	}
	// Python 2 printed the version on stderr.
	if stdout.Len() == 0 {
		return stderr.String(), nil
	}
	return stdout.String(), nil
}

func splitLines(s string) []string {
	var out []string
	for _, l := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func lineOr(lines []string, i int, def string) string {
	if i < len(lines) {
		return lines[i]
	}
	return def
}

func lastLine(s string) string {
	lines := splitLines(s)
	if len(lines) == 0 {
		return s
	}
	return lines[len(lines)-1]
}
