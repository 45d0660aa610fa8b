// Package envelope provides the run-scoped state carried through the pipeline.
//
//   - Transcript: append-only message history shared by every stage of a run
//   - Directive: structured control payload attached to SYSTEM_DIRECTIVE messages
//   - Run: one end-to-end execution (transcript, review counter, visit path, events, output)
package envelope

// Role identifies who produced a transcript message.
type Role string

const (
	// RoleInitiator marks the message that started the run.
	RoleInitiator Role = "initiator"
	// RoleCapability marks output returned by a generative capability.
	RoleCapability Role = "capability"
	// RoleSystemDirective marks synthetic control messages.
	RoleSystemDirective Role = "system_directive"
)

// DirectiveKind is the tag of a directive message.
type DirectiveKind string

const (
	DirectiveNone              DirectiveKind = "none"
	DirectiveReviewRequest     DirectiveKind = "review_request"
	DirectivePromptExtraction  DirectiveKind = "prompt_extraction"
	DirectiveFinalApproved     DirectiveKind = "final_approved"
	DirectiveRevisionRequested DirectiveKind = "revision_requested"
)

// IsRouting reports whether the directive kind affects stage routing.
func (k DirectiveKind) IsRouting() bool {
	return k == DirectiveFinalApproved || k == DirectiveRevisionRequested
}

// TerminalReason represents why a run stopped - exactly one per run.
type TerminalReason string

const (
	// TerminalReasonCompleted indicates the artifact stage produced the terminal output.
	TerminalReasonCompleted TerminalReason = "completed"
	// TerminalReasonDropped indicates a re-entry guard consumed the transcript without forwarding.
	TerminalReasonDropped TerminalReason = "dropped_by_guard"
	// TerminalReasonCapabilityFailed indicates a fatal text capability failure.
	TerminalReasonCapabilityFailed TerminalReason = "capability_failed"
	// TerminalReasonEdgeLimitExceeded indicates an edge was traversed more often than allowed.
	TerminalReasonEdgeLimitExceeded TerminalReason = "edge_limit_exceeded"
	// TerminalReasonMaxHopsExceeded indicates the stage hop bound was reached.
	TerminalReasonMaxHopsExceeded TerminalReason = "max_hops_exceeded"
	// TerminalReasonCancelled indicates the run context was cancelled.
	TerminalReasonCancelled TerminalReason = "cancelled"
	// TerminalReasonUnknownStage indicates routing reached a stage with no implementation.
	TerminalReasonUnknownStage TerminalReason = "unknown_stage"
)

// ReviewStatus values rendered into the approval summary.
const (
	ReviewStatusApproved = "APPROVED"
	ReviewStatusForced   = "APPROVED (max cycles reached)"
)

// Text markers rendered into directive messages for the capability's benefit.
// Routing never reads them back; it uses Message.Directive.
const (
	MarkerFinalApproved     = "[FINAL_APPROVED]"
	MarkerRevisionRequested = "[REVISION REQUESTED]"
)
