package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/FranGenoa/HeadlineArt/coreengine/agents"
	"github.com/FranGenoa/HeadlineArt/coreengine/config"
	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
)

// safeProcess runs one stage visit, converting a panic into a stage error
// so a misbehaving stage ends its own run instead of the process.
func (r *PipelineRunner) safeProcess(ctx context.Context, stage agents.Stage, run *envelope.Run, events agents.EventContext) (edge config.Edge, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.Logger.Error("stage_panic_recovered",
				"run_id", run.RunID,
				"stage", stage.Name(),
				"panic", fmt.Sprint(p),
				"stack", string(debug.Stack()),
			)
			edge = ""
			err = agents.NewStageError(stage.Name(), fmt.Errorf("panic: %v", p))
		}
	}()
	return stage.Process(ctx, run, events)
}
