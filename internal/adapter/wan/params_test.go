package wan

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanctl/internal/domain"
)

func baseParams() Params {
	return Params{
		Task:          TaskTI2V,
		Size:          "1280*704",
		CheckpointDir: "/models/Wan2.2-TI2V-5B",
		Prompt:        "a red fox running through snow",
		FPS:           24,
		LengthSeconds: 5,
	}
}

func TestFrameNum(t *testing.T) {
	tests := []struct {
		fps    int
		length float64
		want   int
	}{
		{24, 5, 121},
		{16, 5, 81},
		{16, 0, 5},
		{0, 10, 5},
		{30, 2.5, 77}, // 75/4 = 18.75 rounds to 19
		{1, 1, 5},
	}
	for _, tt := range tests {
		p := Params{FPS: tt.fps, LengthSeconds: tt.length}
		assert.Equal(t, tt.want, p.FrameNum(), "fps=%d len=%v", tt.fps, tt.length)
		assert.Equal(t, 1, p.FrameNum()%4, "frame count is 4n+1")
	}
}

func TestSampleSteps(t *testing.T) {
	assert.Equal(t, 50, Params{Task: TaskTI2V}.SampleSteps())
	assert.Equal(t, 40, Params{Task: TaskT2V}.SampleSteps())
	assert.Equal(t, 40, Params{Task: TaskI2V}.SampleSteps())
	assert.Equal(t, 12, Params{Task: TaskTI2V, Steps: 12}.SampleSteps())
}

func TestSavePath(t *testing.T) {
	sep := string(filepath.Separator)
	tests := []struct {
		dir, name, want string
	}{
		{"", "clip", ""},
		{"/out", "", ""},
		{"/out", "clip", "/out" + sep + "clip.mp4"},
		{"/out/", "clip.mp4", "/out/clip.mp4"},
		{`C:\out\`, "clip.MP4", `C:\out\clip.MP4`},
	}
	for _, tt := range tests {
		p := Params{OutputDir: tt.dir, OutputName: tt.name}
		assert.Equal(t, tt.want, p.SavePath(), "%q + %q", tt.dir, tt.name)
	}
}

func TestArgsOrderAndFlags(t *testing.T) {
	p := baseParams()
	p.ImagePath = "/in/fox.png"
	p.OffloadModel = true
	p.ConvertDtype = true
	p.T5CPU = true
	p.OutputDir = "/out/"
	p.OutputName = "fox"

	want := []string{
		"--task", "ti2v-5B",
		"--size", "1280*704",
		"--ckpt_dir", "/models/Wan2.2-TI2V-5B",
		"--prompt", "a red fox running through snow",
		"--image", "/in/fox.png",
		"--offload_model", "True",
		"--convert_model_dtype",
		"--t5_cpu",
		"--frame_num", "121",
		"--sample_steps", "50",
		"--save_file", "/out/fox.mp4",
	}
	assert.Equal(t, want, p.Args())
}

func TestArgsT2VDropsImage(t *testing.T) {
	p := baseParams()
	p.Task = TaskT2V
	p.ImagePath = "/in/ignored.png"
	args := p.Args()
	assert.NotContains(t, args, "--image")
	assert.NotContains(t, args, "--offload_model")
	assert.NotContains(t, args, "--save_file")
	assert.Equal(t, []string{"--sample_steps", "40"}, args[len(args)-2:])
}

func TestParseSize(t *testing.T) {
	w, h, ok := ParseSize("1280*720")
	require.True(t, ok)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)

	_, _, ok = ParseSize("1280x720")
	assert.False(t, ok)
	assert.Equal(t, 1280*704, Params{Size: "big"}.Area())
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, baseParams().Validate())

	tests := []struct {
		name   string
		mutate func(*Params)
		want   string
	}{
		{"task", func(p *Params) { p.Task = "" }, "task is required"},
		{"size", func(p *Params) { p.Size = "" }, "size is required"},
		{"ckpt", func(p *Params) { p.CheckpointDir = "" }, "checkpoint directory is required"},
		{"prompt", func(p *Params) { p.Prompt = "" }, "prompt is required"},
		{"bad size", func(p *Params) { p.Size = "wide" }, "not WIDTH*HEIGHT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := baseParams()
			tt.mutate(&p)
			err := p.Validate()
			require.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
