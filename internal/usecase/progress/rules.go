package progress

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"wanctl/internal/domain"
)

// rule is one independent (pattern, effect) pair. Every rule is tried on
// every complete line; a match never stops later rules.
type rule struct {
	name  string
	re    *regexp.Regexp
	apply func(in *Interpreter, m []string)
}

var (
	reJobArgs    = regexp.MustCompile(`Generation job args: Namespace\((.*)\)`)
	reStepsTotal = regexp.MustCompile(`\[progress\] steps_total=(\d+)`)
	reStep       = regexp.MustCompile(`\[progress\] step=(\d+)/(\d*)`)
	rePipeline   = regexp.MustCompile(`(?i)Creating Wan(TI2V|T2V|I2V) pipeline`)
	reLoadT5     = regexp.MustCompile(`(?i)loading .*umt5.*\.pth`)
	reLoadVAE    = regexp.MustCompile(`(?i)loading .*VAE.*\.pth`)
	reWanModel   = regexp.MustCompile(`(?i)Creating WanModel`)
	reShards     = regexp.MustCompile(`(?i)Loading checkpoint shards:\s*(\d+)%`)
	reGenerating = regexp.MustCompile(`(?i)Generating video`)
	reSaving     = regexp.MustCompile(`(?i)Saving generated video to (.*\.mp4)`)
)

// defaultRules is evaluated in order for each line.
var defaultRules = []rule{
	{name: "job_args", re: reJobArgs, apply: applyJobArgs},
	{name: "steps_total", re: reStepsTotal, apply: applyStepsTotal},
	{name: "step", re: reStep, apply: applyStep},
	{name: "pipeline", re: rePipeline, apply: applyPipeline},
	{name: "load_t5", re: reLoadT5, apply: func(in *Interpreter, _ []string) {
		in.setPhaseFloor(domain.PhaseLoadingT5, in.mapping.T5Floor)
	}},
	{name: "load_vae", re: reLoadVAE, apply: func(in *Interpreter, _ []string) {
		in.setPhaseFloor(domain.PhaseLoadingVAE, in.mapping.VAEFloor)
	}},
	{name: "wan_model", re: reWanModel, apply: func(in *Interpreter, _ []string) {
		in.setPhaseFloor(domain.PhaseBuildingModel, in.mapping.ModelFloor)
	}},
	{name: "shards", re: reShards, apply: applyShards},
	{name: "generating", re: reGenerating, apply: applyGenerating},
	{name: "saving", re: reSaving, apply: applySaving},
}

// applyJobArgs fills Meta from the first Namespace(...) announcement of a run.
func applyJobArgs(in *Interpreter, m []string) {
	if in.metaSeen {
		return
	}
	in.metaSeen = true
	ns := m[1]
	steps, _ := strconv.Atoi(namespaceValue(ns, "sample_steps"))
	if in.stepsExplicit {
		steps = in.state.Meta.Steps
	}
	frames, _ := strconv.Atoi(namespaceValue(ns, "frame_num"))
	in.state.Meta = domain.JobMeta{
		Steps:  steps,
		Frames: frames,
		Size:   namespaceValue(ns, "size"),
		Task:   namespaceValue(ns, "task"),
	}
}

func applyStepsTotal(in *Interpreter, m []string) {
	if n, err := strconv.Atoi(m[1]); err == nil {
		in.state.Meta.Steps = n
		in.stepsExplicit = true
	}
	in.genStart = in.now()
}

func applyStep(in *Interpreter, m []string) {
	cur, err := strconv.Atoi(m[1])
	if err != nil {
		return
	}
	tot, _ := strconv.Atoi(m[2])
	if tot <= 0 {
		tot = in.state.Meta.Steps
	}
	if tot <= 0 {
		tot = 1
	}
	in.raise(in.mapping.stepPercent(cur, tot))

	start := in.genStart
	if start.IsZero() {
		start = in.runStart
	}
	elapsed := in.now().Sub(start)
	perStep := elapsed / time.Duration(max(1, cur))
	in.state.ETA = formatETA(time.Duration(tot-cur) * perStep)
}

func applyPipeline(in *Interpreter, _ []string) {
	in.state.Phase = domain.PhaseInitializing
	in.startAnimation()
}

func applyShards(in *Interpreter, m []string) {
	pct, err := strconv.Atoi(m[1])
	if err != nil {
		return
	}
	in.state.Phase = domain.PhaseLoadingCheckpoints
	in.raise(in.mapping.shardPercent(pct))
}

func applyGenerating(in *Interpreter, _ []string) {
	in.state.Phase = domain.PhaseGenerating
	in.stopAnimation()
}

func applySaving(in *Interpreter, m []string) {
	in.state.Phase = domain.PhaseSaving
	in.state.LastOutputPath = strings.TrimSpace(m[1])
	in.raise(in.mapping.SavingPercent)
}

var nsValueCache = map[string]*regexp.Regexp{}

func init() {
	for _, k := range []string{"sample_steps", "frame_num", "size", "task"} {
		nsValueCache[k] = regexp.MustCompile(`(?:^|[\s,(])` + regexp.QuoteMeta(k) + `=([^,)]+)`)
	}
}

// namespaceValue reads key=value from a Python argparse Namespace repr.
// Surrounding quotes are stripped.
func namespaceValue(ns, key string) string {
	re, ok := nsValueCache[key]
	if !ok {
		return ""
	}
	m := re.FindStringSubmatch(ns)
	if m == nil {
		return ""
	}
	return strings.Trim(strings.TrimSpace(m[1]), `'"`)
}

// formatETA renders d as "<m>m <s>s" with floor semantics.
func formatETA(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%dm %ds", secs/60, secs%60)
}
