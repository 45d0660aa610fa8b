package envelope

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// FinalPackageHeader opens every composed terminal output.
const FinalPackageHeader = "=== HEADLINEART FINAL PACKAGE ==="

// ImageFailedSentinel replaces the image location when every candidate failed.
const ImageFailedSentinel = "(image generation failed)"

// DisplayPromptLimit bounds the prompt shown in the terminal output.
const DisplayPromptLimit = 300

// StageEvent is one ordered observability record of a run.
type StageEvent struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Stage     string    `json:"stage"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ArtifactAttempt records one try of the artifact retry loop.
type ArtifactAttempt struct {
	Index    int    `json:"index"`
	Prompt   string `json:"prompt"`
	Location string `json:"location,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Succeeded reports whether the attempt persisted an artifact.
func (a ArtifactAttempt) Succeeded() bool {
	return a.Location != "" && a.Reason == ""
}

// TerminalOutput is the run's sole functional result.
type TerminalOutput struct {
	ImageLocation  string `json:"image_location"`
	ImageGenerated bool   `json:"image_generated"`
	Prompt         string `json:"prompt"`
	Summary        string `json:"summary"`
}

// Text composes the human-readable final package.
func (o TerminalOutput) Text() string {
	return fmt.Sprintf("%s\n\nImage: %s\nPrompt: %s\n\n%s",
		FinalPackageHeader,
		o.ImageLocation,
		TruncateRunes(o.Prompt, DisplayPromptLimit),
		o.Summary,
	)
}

// Run is one end-to-end execution of the stage graph.
type Run struct {
	RunID      string      `json:"run_id"`
	RequestID  string      `json:"request_id"`
	Input      string      `json:"input"`
	Transcript *Transcript `json:"-"`

	ReviewCycle     int `json:"review_cycle"`
	MaxReviewCycles int `json:"max_review_cycles"`

	CurrentStage string   `json:"current_stage"`
	Visits       []string `json:"visits"`

	Attempts []ArtifactAttempt `json:"attempts,omitempty"`
	Output   *TerminalOutput   `json:"output,omitempty"`

	Terminated        bool            `json:"terminated"`
	TerminalReason    *TerminalReason `json:"terminal_reason,omitempty"`
	TerminationDetail string          `json:"termination_detail,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	mu sync.Mutex
}

// NewRun creates a run seeded with the initiating message.
func NewRun(input string, maxReviewCycles int) *Run {
	return &Run{
		RunID:           "run_" + uuid.New().String(),
		RequestID:       "req_" + uuid.New().String()[:16],
		Input:           input,
		Transcript:      NewTranscript(NewTextMessage(RoleInitiator, input)),
		MaxReviewCycles: maxReviewCycles,
		Visits:          []string{},
		CreatedAt:       time.Now().UTC(),
	}
}

// IncrementReviewCycle advances the review counter, never past the maximum.
func (r *Run) IncrementReviewCycle() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ReviewCycle < r.MaxReviewCycles {
		r.ReviewCycle++
	}
	return r.ReviewCycle
}

// Cycle returns the current review counter.
func (r *Run) Cycle() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ReviewCycle
}

// RecordVisit appends a stage to the traversal path.
func (r *Run) RecordVisit(stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CurrentStage = stage
	r.Visits = append(r.Visits, stage)
}

// RecordAttempt appends an artifact attempt.
func (r *Run) RecordAttempt(a ArtifactAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Attempts = append(r.Attempts, a)
}

// SetOutput stores the terminal output.
func (r *Run) SetOutput(out TerminalOutput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Output = &out
}

// Terminate marks the run as finished.
func (r *Run) Terminate(reason TerminalReason, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Terminated {
		return
	}
	now := time.Now().UTC()
	r.Terminated = true
	r.TerminalReason = &reason
	r.TerminationDetail = detail
	r.CompletedAt = &now
}

// Reason returns the terminal reason, or "" while the run is active.
func (r *Run) Reason() TerminalReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.TerminalReason == nil {
		return ""
	}
	return *r.TerminalReason
}

// ToStateDict converts the run to a map for persistence and APIs.
func (r *Run) ToStateDict() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := map[string]any{
		"run_id":            r.RunID,
		"request_id":        r.RequestID,
		"input":             r.Input,
		"review_cycle":      r.ReviewCycle,
		"max_review_cycles": r.MaxReviewCycles,
		"current_stage":     r.CurrentStage,
		"visits":            append([]string(nil), r.Visits...),
		"terminated":        r.Terminated,
		"transcript":        r.Transcript.Messages(),
		"created_at":        r.CreatedAt.Format(time.RFC3339),
	}
	if r.TerminalReason != nil {
		state["terminal_reason"] = string(*r.TerminalReason)
	}
	if r.TerminationDetail != "" {
		state["termination_detail"] = r.TerminationDetail
	}
	if r.Output != nil {
		state["output"] = *r.Output
		state["output_text"] = r.Output.Text()
	}
	if r.CompletedAt != nil {
		state["completed_at"] = r.CompletedAt.Format(time.RFC3339)
	}
	return state
}

// TruncateRunes cuts s to at most n runes without splitting a character.
func TruncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	var b strings.Builder
	i := 0
	for _, r := range s {
		if i == n {
			break
		}
		b.WriteRune(r)
		i++
	}
	return b.String()
}

// Preview formats a stage-tagged, truncated observability preview.
// The ellipsis is always appended.
func Preview(displayName, text string, limit int) string {
	return fmt.Sprintf("[%s] %s...", displayName, TruncateRunes(text, limit))
}
