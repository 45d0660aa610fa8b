package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FranGenoa/HeadlineArt/coreengine/config"
	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
	"github.com/FranGenoa/HeadlineArt/coreengine/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PreviewLimit bounds the first-part text carried by a stage event.
const PreviewLimit = 200

var tracer = otel.Tracer("headlineart/agents")

// Agent is the shared transform stage: send the transcript to the text
// capability, append what comes back, emit one preview per capability message.
type Agent struct {
	Config      *config.StageConfig
	Logger      Logger
	Text        TextCapability
	Instruction config.Instruction
}

// NewAgent creates a new Agent.
func NewAgent(cfg *config.StageConfig, logger Logger, text TextCapability, inst config.Instruction) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if text == nil {
		return nil, fmt.Errorf("stage '%s' has no text capability", cfg.Name)
	}
	return &Agent{
		Config:      cfg,
		Logger:      logger.Bind("stage", cfg.Name),
		Text:        text,
		Instruction: inst,
	}, nil
}

// Name returns the stage id.
func (a *Agent) Name() string { return a.Config.Name }

// Process runs the transform template once.
func (a *Agent) Process(ctx context.Context, run *envelope.Run, events EventContext) (edge config.Edge, err error) {
	ctx, span := a.startSpan(ctx, run)
	defer span.End()

	startTime := time.Now()
	outcome := StageOutcomeSuccess
	defer func() { a.finish(span, startTime, outcome, err) }()

	if a.Config.SkipWhenApproved {
		if d, ok := run.Transcript.LatestDirective(); ok && d.Kind == envelope.DirectiveFinalApproved {
			outcome = StageOutcomeSkipped
			a.Logger.Info(fmt.Sprintf("%s_skipped", a.Name()), "reason", "final_approved")
			return config.EdgeNone, nil
		}
	}

	msgs, err := a.invoke(ctx, run, nil)
	if err != nil {
		outcome = StageOutcomeError
		return "", NewStageError(a.Name(), err)
	}
	a.appendAndEmit(ctx, run, events, msgs)
	return config.EdgeNext, nil
}

// invoke calls the text capability with the full transcript and an optional
// extra directive, under the stage's per-call deadline.
func (a *Agent) invoke(ctx context.Context, run *envelope.Run, directive *envelope.Message) ([]envelope.Message, error) {
	req := TextRequest{
		Stage:           a.Name(),
		Instructions:    a.Instruction.Body,
		Model:           a.Instruction.Meta.Model,
		Temperature:     a.Instruction.Meta.Temperature,
		SearchGrounding: a.Config.SearchGrounding,
		Transcript:      run.Transcript.Messages(),
		Directive:       directive,
	}

	if a.Config.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(a.Config.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	msgs, err := a.Text.Invoke(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("text capability: %w", err)
	}
	a.Logger.Debug(fmt.Sprintf("%s_capability_response", a.Name()), "messages", len(msgs))
	return msgs, nil
}

// appendAndEmit appends msgs in order, then emits one preview per
// capability message. Emission failures are logged and swallowed.
func (a *Agent) appendAndEmit(ctx context.Context, run *envelope.Run, events EventContext, msgs []envelope.Message) {
	run.Transcript.Append(a.Name(), msgs...)
	for _, m := range msgs {
		if m.Role != envelope.RoleCapability {
			continue
		}
		a.emit(ctx, events, envelope.Preview(a.Config.DisplayName, m.FirstPart(), PreviewLimit))
	}
}

func (a *Agent) emit(ctx context.Context, events EventContext, text string) {
	if events == nil {
		return
	}
	if err := events.EmitStageUpdate(ctx, a.Name(), text); err != nil {
		a.Logger.Warn(fmt.Sprintf("%s_emit_failed", a.Name()), "error", err.Error())
	}
}

func (a *Agent) startSpan(ctx context.Context, run *envelope.Run) (context.Context, trace.Span) {
	return tracer.Start(ctx, "stage.process",
		trace.WithAttributes(
			attribute.String("headlineart.stage.name", a.Name()),
			attribute.String("headlineart.stage.kind", string(a.Config.Kind)),
			attribute.String("headlineart.run.id", run.RunID),
			attribute.Int("headlineart.review.cycle", run.Cycle()),
		),
	)
}

func (a *Agent) finish(span trace.Span, startTime time.Time, outcome StageOutcome, err error) {
	durationMS := int(time.Since(startTime).Milliseconds())
	span.SetAttributes(attribute.Int("duration_ms", durationMS))

	if err != nil {
		outcome = StageOutcomeError
		observability.RecordStageExecution(a.Name(), string(outcome), durationMS)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.Logger.Error(fmt.Sprintf("%s_error", a.Name()),
			"error", err.Error(),
			"duration_ms", durationMS,
			"timeout", errors.Is(err, context.DeadlineExceeded),
		)
		return
	}

	observability.RecordStageExecution(a.Name(), string(outcome), durationMS)
	span.SetStatus(codes.Ok, string(outcome))
	a.Logger.Info(fmt.Sprintf("%s_completed", a.Name()), "duration_ms", durationMS, "outcome", string(outcome))
}
