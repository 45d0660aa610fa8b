// Package agents provides the pipeline stages and the contracts they consume.
//
// Stage kinds:
//   - Agent: the shared transform template (ingest, curate, brief, draft, caption)
//   - QualityGate: review state machine choosing the approve or revise edge
//   - ArtifactStage: prompt extraction plus the two-candidate image fallback loop
//
// Capabilities are opaque collaborators injected at construction.
package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/FranGenoa/HeadlineArt/coreengine/config"
	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
)

// =============================================================================
// ENUMS
// =============================================================================

// StageOutcome is the recorded outcome of one stage invocation.
type StageOutcome string

const (
	StageOutcomeSuccess StageOutcome = "success"
	StageOutcomeError   StageOutcome = "error"
	StageOutcomeSkipped StageOutcome = "skipped"
)

// StageOutcomeFromString parses an outcome string.
func StageOutcomeFromString(value string) (StageOutcome, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "success":
		return StageOutcomeSuccess, nil
	case "error":
		return StageOutcomeError, nil
	case "skipped":
		return StageOutcomeSkipped, nil
	default:
		return "", fmt.Errorf("invalid stage outcome '%s'. Must be one of: success, error, skipped", value)
	}
}

// =============================================================================
// CAPABILITIES
// =============================================================================

// TextRequest is one call to the text capability.
type TextRequest struct {
	Stage           string
	Instructions    string
	Model           string
	Temperature     *float64
	SearchGrounding bool
	// Transcript is the full run history, oldest first.
	Transcript []envelope.Message
	// Directive is an optional extra instruction that is not persisted.
	Directive *envelope.Message
}

// TextCapability turns a transcript into response messages.
type TextCapability interface {
	Invoke(ctx context.Context, req TextRequest) ([]envelope.Message, error)
}

// ImageCapability renders a prompt into raw image bytes.
type ImageCapability interface {
	Generate(ctx context.Context, prompt string, size string) ([]byte, error)
}

// ArtifactStore persists generated bytes and returns their location.
type ArtifactStore interface {
	Save(ctx context.Context, data []byte) (string, error)
}

// =============================================================================
// RUNTIME CONTRACTS
// =============================================================================

// Logger is the interface for logging.
type Logger interface {
	Info(msg string, fields ...any)
	Debug(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	Bind(fields ...any) Logger
}

// EventContext receives the ordered stage events of one run.
type EventContext interface {
	EmitStageUpdate(ctx context.Context, stage string, text string) error
}

// Stage is one node of the pipeline graph.
type Stage interface {
	Name() string
	Process(ctx context.Context, run *envelope.Run, events EventContext) (config.Edge, error)
}

// =============================================================================
// ERRORS
// =============================================================================

// StageError is a fatal capability failure inside a stage.
type StageError struct {
	Stage string
	Cause error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Cause)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// NewStageError wraps cause for stage.
func NewStageError(stage string, cause error) *StageError {
	return &StageError{Stage: stage, Cause: cause}
}
