package agents

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/FranGenoa/HeadlineArt/commbus"
	"github.com/FranGenoa/HeadlineArt/coreengine/config"
	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
	"github.com/FranGenoa/HeadlineArt/coreengine/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ApprovalToken is the verdict word that approves a package.
const ApprovalToken = "APPROVED"

// ReviewState is the gate's per-invocation state.
type ReviewState string

const (
	ReviewStateReviewing         ReviewState = "reviewing"
	ReviewStateApproved          ReviewState = "approved"
	ReviewStateRevisionRequested ReviewState = "revision_requested"
)

// VerdictMatcher reports whether a verdict carries the approval token.
type VerdictMatcher func(verdict string) bool

// ContainsApproval matches the token anywhere, case-insensitively.
// "NOT APPROVED" therefore counts as approval.
func ContainsApproval(verdict string) bool {
	return strings.Contains(strings.ToUpper(verdict), ApprovalToken)
}

// LeadingApproval matches only when the first word is the token.
// Surrounding punctuation and markdown emphasis are ignored.
func LeadingApproval(verdict string) bool {
	fields := strings.Fields(verdict)
	if len(fields) == 0 {
		return false
	}
	first := strings.TrimFunc(fields[0], func(r rune) bool {
		return !unicode.IsLetter(r) && r != '_'
	})
	return strings.EqualFold(first, ApprovalToken)
}

// MatcherForMode returns the matcher named by a verdict mode setting.
func MatcherForMode(mode string) (VerdictMatcher, error) {
	switch mode {
	case "", config.VerdictModeContains:
		return ContainsApproval, nil
	case config.VerdictModeLeading:
		return LeadingApproval, nil
	default:
		return nil, fmt.Errorf("unknown verdict mode %q", mode)
	}
}

// Decision is the outcome of one review.
type Decision struct {
	State   ReviewState
	Cycle   int
	Forced  bool
	Status  string
	Verdict string
}

// Edge returns the outgoing edge for the decision.
func (d Decision) Edge() config.Edge {
	if d.State == ReviewStateApproved {
		return config.EdgeApprove
	}
	return config.EdgeRevise
}

// Decide applies the approval rule: the token matched or the cycle bound is reached.
func Decide(cycle, maxCycles int, verdict string, match VerdictMatcher) Decision {
	d := Decision{State: ReviewStateReviewing, Cycle: cycle, Verdict: verdict}
	earned := match(verdict)
	switch {
	case earned:
		d.State = ReviewStateApproved
		d.Status = envelope.ReviewStatusApproved
	case cycle >= maxCycles:
		d.State = ReviewStateApproved
		d.Status = envelope.ReviewStatusForced
		d.Forced = true
	default:
		d.State = ReviewStateRevisionRequested
	}
	return d
}

// QualityGate reviews the accumulated package and routes it forward or back.
type QualityGate struct {
	*Agent
	Match VerdictMatcher
	Bus   commbus.CommBus
}

// NewQualityGate creates the gate stage. A nil matcher selects ContainsApproval.
func NewQualityGate(agent *Agent, match VerdictMatcher, bus commbus.CommBus) *QualityGate {
	if match == nil {
		match = ContainsApproval
	}
	return &QualityGate{Agent: agent, Match: match, Bus: bus}
}

// Process runs one review cycle.
func (g *QualityGate) Process(ctx context.Context, run *envelope.Run, events EventContext) (edge config.Edge, err error) {
	ctx, span := g.startSpan(ctx, run)
	defer span.End()

	startTime := time.Now()
	defer func() { g.finish(span, startTime, StageOutcomeSuccess, err) }()

	cycle := run.IncrementReviewCycle()
	request := envelope.NewReviewRequest(cycle, run.MaxReviewCycles)

	msgs, err := g.invoke(ctx, run, &request)
	if err != nil {
		return "", NewStageError(g.Name(), err)
	}

	decision := Decide(cycle, run.MaxReviewCycles, verdictText(msgs), g.Match)
	g.appendAndEmit(ctx, run, events, msgs)

	if decision.State == ReviewStateApproved {
		run.Transcript.Append(g.Name(), envelope.NewFinalApproved(cycle, decision.Status, decision.Verdict))
	} else {
		run.Transcript.Append(g.Name(), envelope.NewRevisionRequested(cycle, decision.Verdict))
	}

	g.record(ctx, span, run, decision)
	return decision.Edge(), nil
}

func (g *QualityGate) record(ctx context.Context, span trace.Span, run *envelope.Run, d Decision) {
	outcome := string(d.State)
	if d.Forced {
		outcome = "forced"
	}
	observability.RecordReviewDecision(outcome, d.Cycle)
	span.SetAttributes(
		attribute.String("headlineart.review.outcome", outcome),
		attribute.Int("headlineart.review.cycle", d.Cycle),
	)
	g.Logger.Info("review_decided",
		"cycle", d.Cycle,
		"max_cycles", run.MaxReviewCycles,
		"outcome", outcome,
	)

	if g.Bus == nil {
		return
	}
	if err := g.Bus.Publish(ctx, &commbus.ReviewDecided{
		RunID:    run.RunID,
		Cycle:    d.Cycle,
		Approved: d.State == ReviewStateApproved,
		Forced:   d.Forced,
	}); err != nil {
		g.Logger.Warn("review_publish_failed", "error", err.Error(), "cycle", d.Cycle)
	}
}

// verdictText joins the text of every capability message.
func verdictText(msgs []envelope.Message) string {
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == envelope.RoleCapability {
			texts = append(texts, m.Text())
		}
	}
	return strings.Join(texts, "\n")
}
