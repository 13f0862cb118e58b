// Package wan knows the Wan2.2 generate.py command line: it builds argument
// lists, estimates run time and locates scripts, checkpoints and a working
// Python environment.
package wan

import (
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"wanctl/internal/domain"
)

// Known task identifiers accepted by generate.py --task.
const (
	TaskT2V  = "t2v-A14B"
	TaskI2V  = "i2v-A14B"
	TaskTI2V = "ti2v-5B"
	TaskS2V  = "s2v-14B"
)

const defaultArea = 1280 * 704

// Params is the user-facing description of one generation.
type Params struct {
	Task          string  `json:"task"`
	Size          string  `json:"size"` // "WIDTH*HEIGHT"
	CheckpointDir string  `json:"ckpt_dir"`
	Prompt        string  `json:"prompt"`
	ImagePath     string  `json:"image,omitempty"`
	FPS           int     `json:"fps"`
	LengthSeconds float64 `json:"length_seconds"`
	Steps         int     `json:"steps,omitempty"` // 0 = task default
	OffloadModel  bool    `json:"offload_model"`
	ConvertDtype  bool    `json:"convert_model_dtype,omitempty"`
	T5CPU         bool    `json:"t5_cpu,omitempty"`
	OutputDir     string  `json:"output_dir,omitempty"`
	OutputName    string  `json:"output_name,omitempty"`
}

// IsTI2V reports whether the task is the text+image 5B model.
func (p Params) IsTI2V() bool { return strings.Contains(strings.ToLower(p.Task), "ti2v") }

// IsT2V reports whether the task is text-only, which takes no --image.
func (p Params) IsT2V() bool { return strings.HasPrefix(strings.ToLower(p.Task), "t2v") }

// FrameNum converts fps*length into the 4n+1 frame count the model expects.
func (p Params) FrameNum() int {
	n := int(math.Round(float64(p.FPS) * p.LengthSeconds / 4))
	return 4*max(1, n) + 1
}

// SampleSteps returns Steps or the task default (50 for ti2v, else 40).
func (p Params) SampleSteps() int {
	if p.Steps > 0 {
		return p.Steps
	}
	if p.IsTI2V() {
		return 50
	}
	return 40
}

// SavePath joins OutputDir and OutputName, adding ".mp4" when missing.
// It is empty unless both are set.
func (p Params) SavePath() string {
	if p.OutputDir == "" || p.OutputName == "" {
		return ""
	}
	name := p.OutputName
	if !strings.HasSuffix(strings.ToLower(name), ".mp4") {
		name += ".mp4"
	}
	if strings.HasSuffix(p.OutputDir, "/") || strings.HasSuffix(p.OutputDir, `\`) {
		return p.OutputDir + name
	}
	return p.OutputDir + string(filepath.Separator) + name
}

// Area returns width*height from Size, or the 1280*704 default when Size
// cannot be parsed.
func (p Params) Area() int {
	w, h, ok := ParseSize(p.Size)
	if !ok {
		return defaultArea
	}
	return w * h
}

var sizeRe = regexp.MustCompile(`(\d+)\*(\d+)`)

// ParseSize extracts width and height from "W*H".
func ParseSize(s string) (w, h int, ok bool) {
	m := sizeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	w, _ = strconv.Atoi(m[1])
	h, _ = strconv.Atoi(m[2])
	return w, h, w > 0 && h > 0
}

// Validate reports the first missing required field.
func (p Params) Validate() error {
	var missing string
	switch {
	case p.Task == "":
		missing = "task"
	case p.Size == "":
		missing = "size"
	case p.CheckpointDir == "":
		missing = "checkpoint directory"
	case p.Prompt == "":
		missing = "prompt"
	}
	if missing != "" {
		return domain.NewSubSystemError("wan", "Params.Validate", domain.ErrInvalidInput, missing+" is required")
	}
	if _, _, ok := ParseSize(p.Size); !ok {
		return domain.NewSubSystemError("wan", "Params.Validate", domain.ErrInvalidInput,
			fmt.Sprintf("size %q is not WIDTH*HEIGHT", p.Size))
	}
	return nil
}

// Args renders generate.py flags as discrete tokens.
func (p Params) Args() []string {
	a := []string{
		"--task", p.Task,
		"--size", p.Size,
		"--ckpt_dir", p.CheckpointDir,
		"--prompt", p.Prompt,
	}
	if !p.IsT2V() && p.ImagePath != "" {
		a = append(a, "--image", p.ImagePath)
	}
	if p.OffloadModel {
		a = append(a, "--offload_model", "True")
	}
	if p.ConvertDtype {
		a = append(a, "--convert_model_dtype")
	}
	if p.T5CPU {
		a = append(a, "--t5_cpu")
	}
	a = append(a,
		"--frame_num", strconv.Itoa(p.FrameNum()),
		"--sample_steps", strconv.Itoa(p.SampleSteps()),
	)
	if save := p.SavePath(); save != "" {
		a = append(a, "--save_file", save)
	}
	return a
}
