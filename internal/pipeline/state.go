package pipeline

import (
	"fmt"

	"github.com/angelmondragon/storefront-funnel/pkg/enums"
)

var transitions = map[enums.PipelineStage][]enums.PipelineStage{
	enums.StageIdle:         {enums.StageFetching, enums.StageFailed},
	enums.StageFetching:     {enums.StageTransforming, enums.StageFailed},
	enums.StageTransforming: {enums.StageLoading, enums.StageFailed},
	enums.StageLoading:      {enums.StageDone, enums.StageFailed},
}

// machine tracks the stage of one run. Done and failed are terminal.
type machine struct {
	current enums.PipelineStage
}

func newMachine() *machine {
	return &machine{current: enums.StageIdle}
}

func (m *machine) Current() enums.PipelineStage {
	return m.current
}

func (m *machine) advance(next enums.PipelineStage) error {
	for _, allowed := range transitions[m.current] {
		if allowed == next {
			m.current = next
			return nil
		}
	}
	return fmt.Errorf("invalid stage transition %s -> %s", m.current, next)
}

// StageError names the stage a run failed in.
type StageError struct {
	Stage enums.PipelineStage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
