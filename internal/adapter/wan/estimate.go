package wan

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// GPUInfo is the JSON printed by the torch probe.
type GPUInfo struct {
	Available   bool   `json:"available"`
	Name        string `json:"name"`
	TotalMemory int64  `json:"total_memory"`
	BF16        bool   `json:"bf16"`
	CUDAVersion string `json:"cuda_version"`
	FlashAttn   bool   `json:"flash_attn"`
}

// Estimate predicts wall time from reference runs of each task, scaled by
// steps, pixel area and frame count. A nil gpu is treated as a CUDA device
// with half precision and no flash attention.
func Estimate(p Params, gpu *GPUInfo) time.Duration {
	baseSec, baseSteps, baseFrames := 300.0, 40.0, 81.0
	area := float64(p.Area())
	refArea := 480.0 * 832

	task := strings.ToLower(p.Task)
	switch {
	case strings.Contains(task, "ti2v"):
		baseSec, baseSteps, baseFrames, refArea = 540, 50, 121, 1280*704
	case strings.Contains(task, "t2v"):
		if strings.Contains(p.Size, "1280*720") || strings.Contains(p.Size, "720*1280") {
			baseSec, refArea = 360, 1280*720
		} else {
			baseSec, refArea = 180, 480*832
		}
	case strings.Contains(task, "i2v"):
		baseSec, baseSteps, baseFrames, refArea = 240, 40, 81, area
	}

	est := baseSec *
		(float64(p.SampleSteps()) / baseSteps) *
		(area / refArea) *
		(float64(p.FrameNum()) / baseFrames)

	if gpu != nil {
		if !gpu.Available {
			est *= 8
		}
		if !gpu.BF16 {
			est *= 1.4
		}
		if gpu.FlashAttn {
			est *= 0.85
		}
	}
	return time.Duration(math.Round(est)) * time.Second
}

// FormatEstimate renders d as "<m>m <s>s".
func FormatEstimate(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%dm %ds", secs/60, secs%60)
}
