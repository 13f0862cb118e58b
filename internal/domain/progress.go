package domain

// Phase is a coarse, human-readable label for the current stage of generation.
// Only the values below are ever produced.
type Phase string

const (
	PhaseIdle               Phase = "Idle"
	PhaseInitializing       Phase = "Initializing"
	PhaseLoadingT5          Phase = "Loading T5"
	PhaseLoadingVAE         Phase = "Loading VAE"
	PhaseBuildingModel      Phase = "Building model"
	PhaseLoadingCheckpoints Phase = "Loading checkpoints"
	PhaseGenerating         Phase = "Generating"
	PhaseSaving             Phase = "Saving"
	PhaseFinished           Phase = "Finished"
	PhaseFailed             Phase = "Failed"
	PhaseCancelled          Phase = "Cancelled"
)

// Terminal reports whether no further output may change the state.
func (p Phase) Terminal() bool {
	return p == PhaseFinished || p == PhaseFailed || p == PhaseCancelled
}

// JobMeta holds the values parsed from the script's one-time
// "Generation job args: Namespace(...)" announcement.
type JobMeta struct {
	Steps  int    `json:"steps,omitempty"`
	Frames int    `json:"frames,omitempty"`
	Size   string `json:"size,omitempty"`
	Task   string `json:"task,omitempty"`
}

// ProgressState is the display-ready model derived from the output stream.
type ProgressState struct {
	Phase          Phase   `json:"phase"`
	Percent        int     `json:"percent"`
	ETA            string  `json:"eta,omitempty"`
	LastOutputPath string  `json:"last_output_path,omitempty"`
	Meta           JobMeta `json:"meta"`
}
