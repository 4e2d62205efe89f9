// Package model defines the job, stage, and attempt records the
// orchestration engine persists and dispatches on.
package model

// Stage identifies one step of the fixed migration pipeline.
type Stage string

const (
	StageCloneSource      Stage = "CLONE_SOURCE"
	StageCloneTarget      Stage = "CLONE_TARGET"
	StageIntakeUIContract Stage = "INTAKE_UI_CONTRACT"
	StageDesignDBSchema   Stage = "DESIGN_DB_SCHEMA"
	StageDesignAPI        Stage = "DESIGN_API"
	StageGenerateBackend  Stage = "GENERATE_BACKEND"
	StageAddAsync         Stage = "ADD_ASYNC"
	StageWireFrontend     Stage = "WIRE_FRONTEND"
	StageVerify           Stage = "VERIFY"
	StageCreatePR         Stage = "CREATE_PR"
)

// stageOrder is the total order the engine enforces. Transitions only ever
// advance one element at a time; there is no skipping and no parallelism
// within a job.
var stageOrder = []Stage{
	StageCloneSource,
	StageCloneTarget,
	StageIntakeUIContract,
	StageDesignDBSchema,
	StageDesignAPI,
	StageGenerateBackend,
	StageAddAsync,
	StageWireFrontend,
	StageVerify,
	StageCreatePR,
}

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// FirstStage returns the stage every new job starts at.
func FirstStage() Stage {
	return stageOrder[0]
}

// IsValid checks if the stage is a known pipeline stage.
func (s Stage) IsValid() bool {
	return s.Index() >= 0
}

// String returns the string representation of the stage.
func (s Stage) String() string {
	return string(s)
}

// Index returns the stage's position in the pipeline order, or -1 for an
// unknown stage.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s. The second return is false when s
// is the final stage or unknown.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(stageOrder) {
		return "", false
	}
	return stageOrder[i+1], true
}

// IsLast reports whether s is the final pipeline stage.
func (s Stage) IsLast() bool {
	return s == stageOrder[len(stageOrder)-1]
}

// Before reports whether s comes strictly before other in the pipeline
// order. Unknown stages are never before anything.
func (s Stage) Before(other Stage) bool {
	si, oi := s.Index(), other.Index()
	return si >= 0 && oi >= 0 && si < oi
}

// ParseStage converts a string to a Stage, returning empty for invalid
// values.
func ParseStage(s string) Stage {
	stage := Stage(s)
	if stage.IsValid() {
		return stage
	}
	return ""
}
