// Package runtime provides the PipelineRunner - pipeline orchestration engine.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FranGenoa/HeadlineArt/commbus"
	"github.com/FranGenoa/HeadlineArt/coreengine/agents"
	"github.com/FranGenoa/HeadlineArt/coreengine/config"
	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
	"github.com/FranGenoa/HeadlineArt/coreengine/observability"
)

var (
	// ErrNoOutput is returned when the terminal edge is taken without an output.
	ErrNoOutput = errors.New("runtime: artifact stage returned terminal edge without output")
	// ErrUnknownStage is returned when routing reaches a stage with no implementation.
	ErrUnknownStage = errors.New("runtime: unknown stage")
	// ErrEdgeLimitExceeded is returned when an edge is traversed too often.
	ErrEdgeLimitExceeded = errors.New("runtime: edge limit exceeded")
	// ErrMaxHopsExceeded is returned when a run visits more stages than the hop bound.
	ErrMaxHopsExceeded = errors.New("runtime: max stage hops exceeded")
)

// PersistenceAdapter handles state persistence.
type PersistenceAdapter interface {
	SaveState(ctx context.Context, runID string, state map[string]any) error
	LoadState(ctx context.Context, runID string) (map[string]any, error)
}

// PipelineRunner executes the stage graph for any number of independent runs.
type PipelineRunner struct {
	Config      *config.PipelineConfig
	Logger      agents.Logger
	Bus         commbus.CommBus
	Persistence PersistenceAdapter

	stages map[string]agents.Stage

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewPipelineRunner creates a new PipelineRunner. bus may be nil.
func NewPipelineRunner(
	cfg *config.PipelineConfig,
	stages map[string]agents.Stage,
	bus commbus.CommBus,
	logger agents.Logger,
) (*PipelineRunner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runner := &PipelineRunner{
		Config: cfg,
		Logger: logger.Bind("pipeline", cfg.Name),
		Bus:    bus,
		stages: make(map[string]agents.Stage, len(stages)),
		active: make(map[string]context.CancelFunc),
	}
	for name, stage := range stages {
		runner.stages[name] = stage
	}
	for _, name := range cfg.GetStageOrder() {
		if _, ok := runner.stages[name]; !ok {
			runner.Logger.Warn("runtime_stage_missing", "stage", name)
		}
	}

	runner.Logger.Info("runtime_stages_built",
		"stage_count", len(runner.stages),
		"stages", cfg.GetStageOrder(),
	)
	return runner, nil
}

// RegisterHandlers wires the CancelRun command to this runner.
func (r *PipelineRunner) RegisterHandlers(bus commbus.CommBus) error {
	return bus.RegisterHandler("CancelRun", func(ctx context.Context, msg commbus.Message) (any, error) {
		cmd, ok := msg.(*commbus.CancelRun)
		if !ok {
			return nil, fmt.Errorf("unexpected message type %T", msg)
		}
		return r.Cancel(cmd.RunID, cmd.Reason), nil
	})
}

// NewRun creates a run bound to this pipeline's review ceiling.
func (r *PipelineRunner) NewRun(input string) *envelope.Run {
	return envelope.NewRun(input, r.Config.MaxReviewCycles)
}

// =============================================================================
// EXECUTION
// =============================================================================

// Run executes a run to completion without streaming.
func (r *PipelineRunner) Run(ctx context.Context, input string) (*envelope.Run, error) {
	run := r.NewRun(input)
	err := r.Execute(ctx, run, nil)
	return run, err
}

// Handle is an in-flight streamed run.
// Events must be drained; sends block until received.
type Handle struct {
	Run    *envelope.Run
	Events <-chan envelope.StageEvent

	done chan struct{}
	err  error
}

// Wait blocks until the run ends.
func (h *Handle) Wait() (*envelope.Run, error) {
	<-h.done
	return h.Run, h.err
}

// Done is closed when the run ends, after Events is closed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stream starts a run in the background and delivers its events in order.
// The event channel is closed when the run ends.
func (r *PipelineRunner) Stream(ctx context.Context, input string) *Handle {
	return r.StreamRun(ctx, r.NewRun(input))
}

// StreamRun is Stream for a caller-created run.
func (r *PipelineRunner) StreamRun(ctx context.Context, run *envelope.Run) *Handle {
	events := make(chan envelope.StageEvent)
	h := &Handle{Run: run, Events: events, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer close(events)
		h.err = r.Execute(ctx, run, events)
	}()
	return h
}

// Execute drives run through the graph, sending events to sink when non-nil.
func (r *PipelineRunner) Execute(ctx context.Context, run *envelope.Run, sink chan<- envelope.StageEvent) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.track(run.RunID, cancel)
	defer r.untrack(run.RunID)

	observability.RunStarted()
	defer observability.RunFinished()

	startTime := time.Now()
	r.Logger.Info("pipeline_started",
		"run_id", run.RunID,
		"request_id", run.RequestID,
		"entry_stage", r.Config.EntryStage,
		"max_review_cycles", run.MaxReviewCycles,
	)
	r.publish(ctx, &commbus.PipelineStarted{
		RunID:     run.RunID,
		RequestID: run.RequestID,
		Pipeline:  r.Config.Name,
		Input:     run.Input,
		StartedAt: run.CreatedAt,
	})

	events := newEmitter(run, sink, r.Bus, r.Logger)
	err := r.runSequentialCore(ctx, run, events)

	durationMS := int(time.Since(startTime).Milliseconds())
	status := RunStatus(run, err)
	observability.RecordPipelineExecution(r.Config.Name, status, durationMS)

	r.Logger.Info("pipeline_completed",
		"run_id", run.RunID,
		"status", status,
		"terminal_reason", string(run.Reason()),
		"visits", len(run.Visits),
		"review_cycle", run.Cycle(),
		"duration_ms", durationMS,
	)

	// The run context may be cancelled; history is still written.
	finishCtx := context.WithoutCancel(ctx)
	r.persistState(finishCtx, run)

	completed := &commbus.PipelineCompleted{
		RunID:      run.RunID,
		Pipeline:   r.Config.Name,
		Status:     status,
		DurationMS: durationMS,
		State:      run.ToStateDict(),
	}
	if err != nil {
		completed.Error = err.Error()
	}
	r.publish(finishCtx, completed)
	return err
}

// runSequentialCore visits one stage at a time following labeled edges.
func (r *PipelineRunner) runSequentialCore(ctx context.Context, run *envelope.Run, events agents.EventContext) error {
	edgeTraversals := make(map[string]int)
	hopBound := r.Config.HopBound()
	current := r.Config.EntryStage

	for hops := 0; ; hops++ {
		if err := ctx.Err(); err != nil {
			r.Logger.Info("pipeline_cancelled", "run_id", run.RunID, "stage", current, "reason", err.Error())
			run.Terminate(envelope.TerminalReasonCancelled, err.Error())
			return err
		}
		if hops >= hopBound {
			r.Logger.Warn("pipeline_bounds_exceeded", "run_id", run.RunID, "hops", hops, "bound", hopBound)
			run.Terminate(envelope.TerminalReasonMaxHopsExceeded, fmt.Sprintf("hop bound %d reached at %s", hopBound, current))
			return fmt.Errorf("%w: %d", ErrMaxHopsExceeded, hopBound)
		}

		stage, ok := r.stages[current]
		if !ok {
			r.Logger.Error("pipeline_unknown_stage", "run_id", run.RunID, "stage", current)
			run.Terminate(envelope.TerminalReasonUnknownStage, current)
			return fmt.Errorf("%w: %s", ErrUnknownStage, current)
		}

		run.RecordVisit(current)
		edge, err := r.safeProcess(ctx, stage, run, events)
		if err != nil {
			if ctx.Err() != nil {
				run.Terminate(envelope.TerminalReasonCancelled, ctx.Err().Error())
				return ctx.Err()
			}
			r.Logger.Error("pipeline_stage_error", "run_id", run.RunID, "stage", current, "error", err.Error())
			run.Terminate(envelope.TerminalReasonCapabilityFailed, err.Error())
			return err
		}

		switch edge {
		case config.EdgeTerminal:
			if run.Output == nil {
				run.Terminate(envelope.TerminalReasonCapabilityFailed, ErrNoOutput.Error())
				return ErrNoOutput
			}
			run.Terminate(envelope.TerminalReasonCompleted, "")
			return nil
		case config.EdgeNone:
			r.Logger.Info("pipeline_dropped", "run_id", run.RunID, "stage", current)
			run.Terminate(envelope.TerminalReasonDropped, current)
			return nil
		}

		next, err := r.Config.Successor(current, edge)
		if err != nil {
			run.Terminate(envelope.TerminalReasonUnknownStage, err.Error())
			return fmt.Errorf("%w: %v", ErrUnknownStage, err)
		}

		edgeKey := current + "->" + next
		edgeTraversals[edgeKey]++
		if limit := r.Config.GetEdgeLimit(current, next); limit > 0 && edgeTraversals[edgeKey] > limit {
			r.Logger.Warn("edge_limit_exceeded",
				"run_id", run.RunID,
				"edge", edgeKey,
				"limit", limit,
				"traversals", edgeTraversals[edgeKey],
			)
			run.Terminate(envelope.TerminalReasonEdgeLimitExceeded, edgeKey)
			return fmt.Errorf("%w: %s", ErrEdgeLimitExceeded, edgeKey)
		}

		r.Logger.Debug("stage_routed", "run_id", run.RunID, "from", current, "edge", string(edge), "to", next)
		r.persistState(ctx, run)
		current = next
	}
}

// RunStatus maps a finished run onto the metric and event status label.
func RunStatus(run *envelope.Run, err error) string {
	switch {
	case err != nil:
		return "error"
	case run.Reason() == envelope.TerminalReasonDropped:
		return "dropped"
	default:
		return "success"
	}
}

// =============================================================================
// CANCELLATION
// =============================================================================

// Cancel stops an in-flight run. Returns false for unknown runs.
func (r *PipelineRunner) Cancel(runID, reason string) bool {
	r.mu.Lock()
	cancel, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.Logger.Info("pipeline_cancel_requested", "run_id", runID, "reason", reason)
	cancel()
	return true
}

// ActiveRuns returns the number of in-flight runs.
func (r *PipelineRunner) ActiveRuns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *PipelineRunner) track(runID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[runID] = cancel
}

func (r *PipelineRunner) untrack(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, runID)
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// persistState saves state if persistence is configured.
func (r *PipelineRunner) persistState(ctx context.Context, run *envelope.Run) {
	if r.Persistence == nil {
		return
	}
	if err := r.Persistence.SaveState(ctx, run.RunID, run.ToStateDict()); err != nil {
		r.Logger.Warn("state_persist_error", "run_id", run.RunID, "error", err.Error())
	}
}

// GetState gets persisted state for a run.
func (r *PipelineRunner) GetState(ctx context.Context, runID string) (map[string]any, error) {
	if r.Persistence == nil {
		return nil, nil
	}
	return r.Persistence.LoadState(ctx, runID)
}

func (r *PipelineRunner) publish(ctx context.Context, msg commbus.Message) {
	if r.Bus == nil {
		return
	}
	if err := r.Bus.Publish(ctx, msg); err != nil {
		r.Logger.Warn("event_publish_failed", "type", commbus.GetMessageType(msg), "error", err.Error())
	}
}
