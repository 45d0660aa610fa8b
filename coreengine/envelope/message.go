package envelope

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Part is one content part of a message.
type Part struct {
	Text string `json:"text"`
}

// Directive is the structured payload of a SYSTEM_DIRECTIVE message.
type Directive struct {
	Kind      DirectiveKind `json:"kind"`
	Cycle     int           `json:"cycle,omitempty"`
	MaxCycles int           `json:"max_cycles,omitempty"`
	// Status is ReviewStatusApproved or ReviewStatusForced for FinalApproved.
	Status string `json:"status,omitempty"`
	// Summary is the approval summary without any marker.
	Summary string `json:"summary,omitempty"`
	// Feedback is the reviewer's verdict text for RevisionRequested.
	Feedback string `json:"feedback,omitempty"`
}

// Message is one turn in the transcript. Immutable once appended.
type Message struct {
	Index     int        `json:"index"`
	Role      Role       `json:"role"`
	Parts     []Part     `json:"parts"`
	Author    string     `json:"author,omitempty"`
	Directive *Directive `json:"directive,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// NewTextMessage creates a single-part message.
func NewTextMessage(role Role, text string) Message {
	return Message{
		Role:      role,
		Parts:     []Part{{Text: text}},
		CreatedAt: time.Now().UTC(),
	}
}

// Text joins all parts with newlines.
func (m Message) Text() string {
	if len(m.Parts) == 1 {
		return m.Parts[0].Text
	}
	texts := make([]string, len(m.Parts))
	for i, p := range m.Parts {
		texts[i] = p.Text
	}
	return strings.Join(texts, "\n")
}

// FirstPart returns the text of the first part, or "" for an empty message.
func (m Message) FirstPart() string {
	if len(m.Parts) == 0 {
		return ""
	}
	return m.Parts[0].Text
}

// Kind returns the directive kind, DirectiveNone for ordinary messages.
func (m Message) Kind() DirectiveKind {
	if m.Directive == nil {
		return DirectiveNone
	}
	return m.Directive.Kind
}

func (m Message) clone() Message {
	c := m
	c.Parts = append([]Part(nil), m.Parts...)
	if m.Directive != nil {
		d := *m.Directive
		c.Directive = &d
	}
	return c
}

// =============================================================================
// Directive constructors
// =============================================================================

// NewReviewRequest builds the directive sent to the quality reviewer.
func NewReviewRequest(cycle, maxCycles int) Message {
	msg := NewTextMessage(RoleSystemDirective, fmt.Sprintf(
		"[Review cycle %d/%d] Review the complete content package above. "+
			"Respond with APPROVED or REVISION_NEEDED as the first word, "+
			"followed by your detailed assessment.", cycle, maxCycles))
	msg.Directive = &Directive{Kind: DirectiveReviewRequest, Cycle: cycle, MaxCycles: maxCycles}
	return msg
}

// NewPromptExtraction builds the directive asking for a short rendering prompt.
func NewPromptExtraction(instructions string) Message {
	msg := NewTextMessage(RoleSystemDirective, instructions)
	msg.Directive = &Directive{Kind: DirectivePromptExtraction}
	return msg
}

// ApprovalSummary formats the human-readable approval summary.
func ApprovalSummary(cycle int, status, verdict string) string {
	return fmt.Sprintf("Review cycle: %d\nStatus: %s\n\n%s", cycle, status, verdict)
}

// NewFinalApproved builds the approval directive appended by the gate.
func NewFinalApproved(cycle int, status, verdict string) Message {
	summary := ApprovalSummary(cycle, status, verdict)
	msg := NewTextMessage(RoleSystemDirective, MarkerFinalApproved+"\n\n"+summary)
	msg.Directive = &Directive{
		Kind:    DirectiveFinalApproved,
		Cycle:   cycle,
		Status:  status,
		Summary: summary,
	}
	return msg
}

// NewRevisionRequested builds the revision directive appended by the gate.
func NewRevisionRequested(cycle int, feedback string) Message {
	msg := NewTextMessage(RoleSystemDirective, fmt.Sprintf(
		"[REVISION REQUESTED - Cycle %d]\n"+
			"The quality reviewer has requested revisions. "+
			"Please revise your work based on this feedback:\n\n%s", cycle, feedback))
	msg.Directive = &Directive{
		Kind:     DirectiveRevisionRequested,
		Cycle:    cycle,
		Feedback: feedback,
	}
	return msg
}

// =============================================================================
// Transcript
// =============================================================================

// Transcript is the append-only message history of a run.
// Callers only ever receive copies of its messages.
type Transcript struct {
	mu       sync.RWMutex
	messages []Message
}

// NewTranscript creates a transcript seeded with the given messages.
func NewTranscript(msgs ...Message) *Transcript {
	t := &Transcript{}
	t.Append("", msgs...)
	return t
}

// Append adds messages in order, assigning creation indexes and the author.
// An empty author leaves each message's Author untouched.
func (t *Transcript) Append(author string, msgs ...Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range msgs {
		c := m.clone()
		c.Index = len(t.messages)
		if author != "" {
			c.Author = author
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
		t.messages = append(t.messages, c)
	}
}

// Messages returns a deep copy of the transcript.
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.clone()
	}
	return out
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// LatestDirective returns the most recent routing directive, if any.
// Review and extraction requests are never persisted, so only
// FinalApproved and RevisionRequested can be found.
func (t *Transcript) LatestDirective() (Directive, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := len(t.messages) - 1; i >= 0; i-- {
		m := t.messages[i]
		if m.Role != RoleSystemDirective || m.Directive == nil {
			continue
		}
		if m.Directive.Kind.IsRouting() {
			return *m.Directive, true
		}
	}
	return Directive{Kind: DirectiveNone}, false
}

// LatestOfKind returns the most recent directive with the given kind.
func (t *Transcript) LatestOfKind(kind DirectiveKind) (Directive, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := len(t.messages) - 1; i >= 0; i-- {
		if d := t.messages[i].Directive; d != nil && d.Kind == kind {
			return *d, true
		}
	}
	return Directive{Kind: DirectiveNone}, false
}
