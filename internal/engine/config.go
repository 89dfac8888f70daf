package engine

import "time"

// AILMode selects when agent-in-the-loop gates trigger (§4.7).
type AILMode string

const (
	AILPerLayer AILMode = "per_layer"
	AILOnError  AILMode = "on_error"
	AILManual   AILMode = "manual"
	AILOff      AILMode = "off"
)

// HILMode selects when human-in-the-loop approval is required (§4.7).
type HILMode string

const (
	HILAlways       HILMode = "always"
	HILCriticalOnly HILMode = "critical_only"
	HILNever        HILMode = "never"
)

// Timeouts match §5's fixed defaults; only test code should override them.
var (
	AILTimeout               = 60 * time.Second
	HILTimeout               = 300 * time.Second
	PermissionEscalationWait = 300 * time.Second
	DefaultTaskTimeout       = 30 * time.Second
)

// Config is the Configuration envelope of §6, assembled by the host process.
type Config struct {
	AILEnabled  bool
	AILMode     AILMode
	HILEnabled  bool
	HILApproval HILMode

	SpeculationEnabled             bool
	SpeculationConfidenceThreshold float64
	SpeculationMaxConcurrent       int

	EventStreamMaxBuffer int
	MaxReplans           int
}

// DefaultConfig returns the documented defaults (§6, §4.8, §4.9).
func DefaultConfig() Config {
	return Config{
		AILEnabled:                     false,
		AILMode:                        AILOff,
		HILEnabled:                     false,
		HILApproval:                    HILNever,
		SpeculationEnabled:             false,
		SpeculationConfidenceThreshold: 0.7,
		SpeculationMaxConcurrent:       4,
		EventStreamMaxBuffer:           1024,
		MaxReplans:                     3,
	}
}
