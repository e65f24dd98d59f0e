package enums

import "fmt"

// PipelineStage is the orchestrator state of a single run.
type PipelineStage string

const (
	StageIdle         PipelineStage = "idle"
	StageFetching     PipelineStage = "fetching"
	StageTransforming PipelineStage = "transforming"
	StageLoading      PipelineStage = "loading"
	StageDone         PipelineStage = "done"
	StageFailed       PipelineStage = "failed"
)

var validPipelineStages = []PipelineStage{
	StageIdle,
	StageFetching,
	StageTransforming,
	StageLoading,
	StageDone,
	StageFailed,
}

func (s PipelineStage) String() string {
	return string(s)
}

// IsValid reports whether the value matches a known stage.
func (s PipelineStage) IsValid() bool {
	for _, candidate := range validPipelineStages {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition may leave this stage.
func (s PipelineStage) IsTerminal() bool {
	return s == StageDone || s == StageFailed
}

// ParsePipelineStage converts raw input into PipelineStage.
func ParsePipelineStage(value string) (PipelineStage, error) {
	for _, candidate := range validPipelineStages {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid pipeline stage %q", value)
}
