package types

// GenerationRequest is the JSON body of POST /generations.
type GenerationRequest struct {
	// Model identifier; empty uses the server default.
	// example: latentmix-small
	Model string `json:"model,omitempty" example:"latentmix-small"`
	// Prompt text to condition on.
	// example: a lighthouse at dusk, slow pan
	Prompt string `json:"prompt" example:"a lighthouse at dusk, slow pan"`
	// Optional negative prompt used for the unconditional guidance pass.
	NegativePrompt string `json:"negative_prompt,omitempty"`
	// Number of output frames.
	// example: 40
	Frames int `json:"frames" example:"40"`
	// Random seed; identical requests with identical seeds reproduce output.
	// example: 42
	Seed uint64 `json:"seed,omitempty" example:"42"`
	// Denoising steps per window; 0 uses the model default.
	// example: 20
	Steps int `json:"steps,omitempty" example:"20"`
	// Classifier-free guidance scale; 0 uses the model default.
	// example: 5
	GuidanceScale float64 `json:"guidance_scale,omitempty" example:"5"`
	// Frames per window; 0 uses the model default.
	// example: 24
	WindowFrames int `json:"window_frames,omitempty" example:"24"`
	// Frames shared by consecutive windows; 0 uses the model default.
	// example: 8
	OverlapFrames int `json:"overlap_frames,omitempty" example:"8"`
	// Residency profile name; empty uses the active profile.
	// example: low-vram
	Profile string `json:"profile,omitempty" example:"low-vram"`
	// Adapter stack, applied in order.
	Adapters []AdapterRef `json:"adapters,omitempty"`
	// Step-skip acceleration settings.
	Acceleration *Acceleration `json:"acceleration,omitempty"`
}

// AdapterRef selects an adapter for a request.
type AdapterRef struct {
	// Adapter name. LoRA adapters are resolved from the weight store.
	// example: film-grain
	Name string `json:"name" example:"film-grain"`
	// "lora" or "control".
	// example: lora
	Kind string `json:"kind,omitempty" example:"lora"`
	// Compatibility tag; must be accepted by the model.
	// example: style
	Tag string `json:"tag" example:"style"`
	// Strength multiplier.
	// example: 0.5
	Strength float64 `json:"strength" example:"0.5"`
	// Layers a control signal is injected at.
	Layers []string `json:"layers,omitempty"`
	// Control signal, frame-major: Signal[frame][feature].
	Signal [][]float64 `json:"signal,omitempty"`
}

// Acceleration configures step skipping.
type Acceleration struct {
	Enabled bool `json:"enabled"`
	// Relative L1 change below which a step is skipped.
	// example: 0.05
	Tolerance float64 `json:"tolerance,omitempty" example:"0.05"`
	// Steps that are always computed at the start of a window.
	SkipEarlySteps int `json:"skip_early_steps,omitempty"`
	// Upper bound on consecutive skipped steps; 0 means unlimited.
	MaxConsecutiveSkips int `json:"max_consecutive_skips,omitempty"`
}

// GenerationStatus is returned by POST /generations and GET /generations/{id}.
type GenerationStatus struct {
	// example: 5b7c1f8e-3f7e-4a57-9d36-2f1a0d6c9b10
	ID string `json:"id"`
	// running, succeeded, failed or cancelled
	// example: running
	State string `json:"state" example:"running"`
	// Monotonic completion fraction in [0, 1].
	// example: 0.5
	Progress float64 `json:"progress" example:"0.5"`
	Window   int     `json:"window"`
	Windows  int     `json:"windows"`
	Step     int     `json:"step"`
	Steps    int     `json:"steps"`
	Error    string  `json:"error,omitempty"`
	// Error classification when State is failed or cancelled.
	// example: resource_exhausted
	ErrorKind string `json:"error_kind,omitempty" example:"resource_exhausted"`
}

// GenerationResult is returned by GET /generations/{id}/result.
type GenerationResult struct {
	ID             string       `json:"id"`
	Model          string       `json:"model"`
	Profile        string       `json:"profile"`
	FrameCount     int          `json:"frame_count"`
	FrameShape     []int        `json:"frame_shape"`
	Frames         [][]float64  `json:"frames,omitempty"`
	Windows        []WindowInfo `json:"windows"`
	LogicalSteps   int          `json:"logical_steps"`
	ComputedSteps  int          `json:"computed_steps"`
	SkippedSteps   int          `json:"skipped_steps"`
	Downgraded     []string     `json:"downgraded,omitempty"`
	Warnings       []string     `json:"warnings,omitempty"`
	DurationMillis int64        `json:"duration_ms"`
}

// WindowInfo describes one planned window.
type WindowInfo struct {
	Index int    `json:"index"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Seed  uint64 `json:"seed"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// ProfilesResponse is returned by GET /profiles.
type ProfilesResponse struct {
	Active   string    `json:"active"`
	Profiles []Profile `json:"profiles"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Error classification.
	// example: invalid_request
	Kind string `json:"kind,omitempty" example:"invalid_request"`
}

// ModuleStatus summarizes one tracked submodule for /status.
type ModuleStatus struct {
	// example: latentmix-small
	Model string `json:"model"`
	// example: denoiser
	Submodule string `json:"submodule"`
	// accelerator, host or unloaded
	// example: accelerator
	Location string `json:"location"`
	// example: fp16
	Precision string `json:"precision"`
	// example: 1200
	SizeMB int `json:"size_mb"`
	// Last access (unix seconds).
	LastUsed int64 `json:"last_used_unix"`
	// Outstanding borrows.
	Borrows int  `json:"borrows"`
	Pinned  bool `json:"pinned"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Active residency profile.
	// example: low-vram
	Profile string `json:"profile"`
	// example: 8192
	BudgetMB int `json:"budget_mb"`
	// example: 512
	MarginMB int `json:"margin_mb"`
	// Accelerator-resident weights in MB.
	// example: 2048
	ResidentMB int `json:"resident_mb"`
	// Host-resident weights in MB.
	HostMB int `json:"host_mb"`
	// Handles borrowed and not yet released.
	Outstanding int            `json:"outstanding"`
	Modules     []ModuleStatus `json:"modules"`
	// Generations currently running.
	Active          int    `json:"active_generations"`
	EvictionsTotal  uint64 `json:"evictions_total"`
	PromotionsTotal uint64 `json:"promotions_total"`
	LoadsTotal      uint64 `json:"loads_total"`
	LastError       string `json:"last_error,omitempty"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	ServerTimeUnix  int64  `json:"server_time_unix"`
}

// GenerationEvent is one NDJSON line of a streamed generation
// (POST /generations?stream=1). Exactly one field is set.
type GenerationEvent struct {
	Status *GenerationStatus `json:"status,omitempty"`
	Result *GenerationResult `json:"result,omitempty"`
	Error  *ErrorResponse    `json:"error,omitempty"`
}
