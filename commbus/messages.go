package commbus

import (
	"time"

	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
)

// =============================================================================
// MESSAGE CATEGORIES
// =============================================================================

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	// MessageCategoryEvent represents fire-and-forget, fan-out to all subscribers.
	MessageCategoryEvent MessageCategory = "event"
	// MessageCategoryQuery represents request-response, single handler.
	MessageCategoryQuery MessageCategory = "query"
	// MessageCategoryCommand represents fire-and-forget, single handler.
	MessageCategoryCommand MessageCategory = "command"
)

// =============================================================================
// PIPELINE LIFECYCLE EVENTS
// =============================================================================

// PipelineStarted is emitted when a run enters its entry stage.
type PipelineStarted struct {
	RunID     string    `json:"run_id"`
	RequestID string    `json:"request_id"`
	Pipeline  string    `json:"pipeline"`
	Input     string    `json:"input"`
	StartedAt time.Time `json:"started_at"`
}

// Category implements the Message interface.
func (m *PipelineStarted) Category() string { return string(MessageCategoryEvent) }

// StageUpdated carries one ordered stage event of a run.
type StageUpdated struct {
	Event envelope.StageEvent `json:"event"`
}

// Category implements the Message interface.
func (m *StageUpdated) Category() string { return string(MessageCategoryEvent) }

// ReviewDecided is emitted once per quality gate invocation.
type ReviewDecided struct {
	RunID    string `json:"run_id"`
	Cycle    int    `json:"cycle"`
	Approved bool   `json:"approved"`
	Forced   bool   `json:"forced"`
}

// Category implements the Message interface.
func (m *ReviewDecided) Category() string { return string(MessageCategoryEvent) }

// ArtifactAttempted is emitted once per artifact generation attempt.
type ArtifactAttempted struct {
	RunID   string                   `json:"run_id"`
	Attempt envelope.ArtifactAttempt `json:"attempt"`
}

// Category implements the Message interface.
func (m *ArtifactAttempted) Category() string { return string(MessageCategoryEvent) }

// PipelineCompleted is emitted when a run ends, successfully or not.
type PipelineCompleted struct {
	RunID      string         `json:"run_id"`
	Pipeline   string         `json:"pipeline"`
	Status     string         `json:"status"` // success, error, dropped
	Error      string         `json:"error,omitempty"`
	DurationMS int            `json:"duration_ms"`
	State      map[string]any `json:"state"`
}

// Category implements the Message interface.
func (m *PipelineCompleted) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// QUERIES
// =============================================================================

// GetRun asks the run history for a run's persisted state.
type GetRun struct {
	RunID string `json:"run_id"`
}

// Category implements the Message interface.
func (m *GetRun) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *GetRun) IsQuery() {}

// ListRunEvents asks the run history for a run's ordered events.
type ListRunEvents struct {
	RunID string `json:"run_id"`
}

// Category implements the Message interface.
func (m *ListRunEvents) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *ListRunEvents) IsQuery() {}

// =============================================================================
// COMMANDS
// =============================================================================

// CancelRun asks the runtime to cancel an in-flight run.
type CancelRun struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// Category implements the Message interface.
func (m *CancelRun) Category() string { return string(MessageCategoryCommand) }

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// TypedMessage is an optional interface for messages that can provide their own type name.
type TypedMessage interface {
	Message
	MessageType() string
}

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *PipelineStarted:
		return "PipelineStarted"
	case *StageUpdated:
		return "StageUpdated"
	case *ReviewDecided:
		return "ReviewDecided"
	case *ArtifactAttempted:
		return "ArtifactAttempted"
	case *PipelineCompleted:
		return "PipelineCompleted"
	case *GetRun:
		return "GetRun"
	case *ListRunEvents:
		return "ListRunEvents"
	case *CancelRun:
		return "CancelRun"
	default:
		return "Unknown"
	}
}
