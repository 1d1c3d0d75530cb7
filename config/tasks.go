package config

import "time"

// TaskType identifies the kind of synthetic workload a node simulates.
type TaskType string

const (
	TaskImage  TaskType = "image"
	TaskText   TaskType = "text"
	TaskThreeD TaskType = "three_d"
	TaskVideo  TaskType = "video"
)

// TaskTypes lists all task types in distribution order. The order matters:
// type selection compares a uniform random value against the cumulative
// distribution, first interval wins.
var TaskTypes = []TaskType{TaskImage, TaskText, TaskThreeD, TaskVideo}

// Tier is the coarse hardware capability tier assigned at device
// registration. It scales reward multipliers and completion speed.
type Tier string

const (
	TierWebGPU Tier = "webgpu"
	TierWASM   Tier = "wasm"
	TierWebGL  Tier = "webgl"
	TierCPU    Tier = "cpu"
)

// ValidTier reports whether t is a known hardware tier.
func ValidTier(t Tier) bool {
	switch t {
	case TierWebGPU, TierWASM, TierWebGL, TierCPU:
		return true
	}
	return false
}

// Distribution holds the task type generation weights. Weights sum to 1.0.
var Distribution = map[TaskType]float64{
	TaskImage:  0.4,
	TaskText:   0.3,
	TaskThreeD: 0.2,
	TaskVideo:  0.1,
}

// BaseRewards holds the per-type base reward in tokens. Rewards reported to
// the backend must be integral: reward = round(base * multiplier).
var BaseRewards = map[TaskType]float64{
	TaskImage:  10,
	TaskText:   5,
	TaskThreeD: 15,
	TaskVideo:  30,
}

// HardwareMultipliers scales base rewards by capability tier.
var HardwareMultipliers = map[Tier]float64{
	TierWebGPU: 2.0,
	TierWASM:   1.6,
	TierWebGL:  1.3,
	TierCPU:    1.0,
}

// CompletionTimes holds simulated task completion time in seconds, keyed by
// hardware tier then task type. Faster tiers finish the same task sooner.
var CompletionTimes = map[Tier]map[TaskType]int{
	TierWebGPU: {TaskImage: 30, TaskText: 15, TaskThreeD: 60, TaskVideo: 120},
	TierWASM:   {TaskImage: 45, TaskText: 20, TaskThreeD: 90, TaskVideo: 180},
	TierWebGL:  {TaskImage: 60, TaskText: 30, TaskThreeD: 120, TaskVideo: 240},
	TierCPU:    {TaskImage: 90, TaskText: 45, TaskThreeD: 180, TaskVideo: 360},
}

// CompletionTime returns the simulated duration for one task of the given
// type on the given tier. Unknown tiers fall back to the cpu tier.
func CompletionTime(tier Tier, typ TaskType) time.Duration {
	row, ok := CompletionTimes[tier]
	if !ok {
		row = CompletionTimes[TierCPU]
	}
	return time.Duration(row[typ]) * time.Second
}

// WorstCaseCompletionTime returns the longest completion time any task type
// can take on the given tier. Lock timeouts are derived from this so that a
// tier change alters the stale-lock horizon too.
func WorstCaseCompletionTime(tier Tier) time.Duration {
	row, ok := CompletionTimes[tier]
	if !ok {
		row = CompletionTimes[TierCPU]
	}
	max := 0
	for _, secs := range row {
		if secs > max {
			max = secs
		}
	}
	return time.Duration(max) * time.Second
}

// Reward computes the integral reward for completing a task of the given
// type on the given tier. The backend rejects fractional amounts, so the
// product is rounded to the nearest whole token.
func Reward(typ TaskType, tier Tier) int64 {
	mult, ok := HardwareMultipliers[tier]
	if !ok {
		mult = HardwareMultipliers[TierCPU]
	}
	v := BaseRewards[typ] * mult
	return int64(v + 0.5)
}

// TaskModels maps each task type to the model name stamped on generated
// tasks.
var TaskModels = map[TaskType]string{
	TaskImage:  "stable-diffusion-xl",
	TaskText:   "llama-3-8b",
	TaskThreeD: "3d-diffusion",
	TaskVideo:  "stable-video-diffusion",
}

// SamplePrompts provides the static per-type prompt pool for generated
// tasks.
var SamplePrompts = map[TaskType][]string{
	TaskImage: {
		"Generate a realistic landscape with mountains",
		"Create a futuristic cityscape at sunset",
		"Design a minimalist tech logo",
		"Render a cozy coffee shop interior",
		"Generate abstract art with vibrant colors",
	},
	TaskText: {
		"Write a creative story about space exploration",
		"Generate a product description for smart watch",
		"Create a professional email template",
		"Write a blog post about sustainable living",
		"Generate marketing copy for new app",
	},
	TaskThreeD: {
		"Create a 3D model of modern chair",
		"Generate low-poly character design",
		"Model a futuristic vehicle",
		"Create architectural visualization",
		"Generate organic shapes and forms",
	},
	TaskVideo: {
		"Generate short animation of flowing water",
		"Create product showcase video",
		"Generate abstract motion graphics",
		"Create time-lapse style video",
		"Generate particle effects animation",
	},
}

// Plan is the subscription tier the authenticated user is on. It bounds
// daily uptime, concurrent devices, and task throughput.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanBasic      Plan = "basic"
	PlanUltimate   Plan = "ultimate"
	PlanEnterprise Plan = "enterprise"
)

// PlanLimits bounds what a subscription plan allows a node to do.
type PlanLimits struct {
	// MaxUptime is the daily uptime allowance in seconds. The controller
	// hard-stops a node when the allowance is exhausted.
	MaxUptime int64
	// DeviceLimit is how many devices may be registered.
	DeviceLimit int
	// PendingQueueSize caps the pending task queue.
	PendingQueueSize int
	// MaxConcurrentProcessing caps tasks in the processing state.
	MaxConcurrentProcessing int
	// TickInterval is the engine's periodic rescan interval.
	TickInterval time.Duration
	// MinTasks and MaxTasks bound a single generation batch.
	MinTasks int
	MaxTasks int
}

var planLimits = map[Plan]PlanLimits{
	PlanFree: {
		MaxUptime:               4 * 60 * 60,
		DeviceLimit:             1,
		PendingQueueSize:        4,
		MaxConcurrentProcessing: 1,
		TickInterval:            time.Second,
		MinTasks:                2,
		MaxTasks:                5,
	},
	PlanBasic: {
		MaxUptime:               10 * 60 * 60,
		DeviceLimit:             2,
		PendingQueueSize:        6,
		MaxConcurrentProcessing: 2,
		TickInterval:            time.Second,
		MinTasks:                2,
		MaxTasks:                5,
	},
	PlanUltimate: {
		MaxUptime:               16 * 60 * 60,
		DeviceLimit:             6,
		PendingQueueSize:        8,
		MaxConcurrentProcessing: 3,
		TickInterval:            time.Second,
		MinTasks:                3,
		MaxTasks:                6,
	},
	PlanEnterprise: {
		MaxUptime:               24 * 60 * 60,
		DeviceLimit:             10,
		PendingQueueSize:        12,
		MaxConcurrentProcessing: 4,
		TickInterval:            time.Second,
		MinTasks:                3,
		MaxTasks:                8,
	},
}

// GetPlanLimits returns the limits for the named plan. Unknown plan names
// resolve to the free plan rather than erroring, matching how the backend
// treats unrecognized tiers.
func GetPlanLimits(p Plan) PlanLimits {
	if l, ok := planLimits[p]; ok {
		return l
	}
	return planLimits[PlanFree]
}
