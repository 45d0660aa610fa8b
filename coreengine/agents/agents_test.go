package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/FranGenoa/HeadlineArt/coreengine/config"
	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (l nopLogger) Bind(...any) Logger { return l }

// stubText replies with scripted texts, one per call.
type stubText struct {
	replies []string
	err     error
	reqs    []TextRequest
	mu      sync.Mutex
}

func (s *stubText) Invoke(ctx context.Context, req TextRequest) ([]envelope.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.reqs)
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	text := fmt.Sprintf("reply %d", n+1)
	if len(s.replies) > 0 {
		text = s.replies[min(n, len(s.replies)-1)]
	}
	return []envelope.Message{envelope.NewTextMessage(envelope.RoleCapability, text)}, nil
}

type stubImage struct {
	outcomes []error
	prompts  []string
}

func (s *stubImage) Generate(ctx context.Context, prompt, size string) ([]byte, error) {
	n := len(s.prompts)
	s.prompts = append(s.prompts, prompt)
	if n < len(s.outcomes) && s.outcomes[n] != nil {
		return nil, s.outcomes[n]
	}
	return []byte("png"), nil
}

type stubStore struct {
	saved []string
	err   error
}

func (s *stubStore) Save(ctx context.Context, data []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	loc := fmt.Sprintf("generated_images/quadro_%d.png", len(s.saved)+1)
	s.saved = append(s.saved, loc)
	return loc, nil
}

type recordingEvents struct {
	stages []string
	texts  []string
	err    error
}

func (r *recordingEvents) EmitStageUpdate(ctx context.Context, stage, text string) error {
	r.stages = append(r.stages, stage)
	r.texts = append(r.texts, text)
	return r.err
}

func stageConfig(name string, kind config.StageKind) *config.StageConfig {
	cfg := &config.StageConfig{Name: name, DisplayName: strings.ToUpper(name[:1]) + name[1:], Kind: kind}
	switch kind {
	case config.StageTransform:
		cfg.Next = "downstream"
	case config.StageGate:
		cfg.ApproveNext = "artifact"
		cfg.ReviseNext = "brief"
	}
	return cfg
}

func newTestAgent(t *testing.T, name string, kind config.StageKind, text TextCapability) *Agent {
	t.Helper()
	a, err := NewAgent(stageConfig(name, kind), nopLogger{}, text, config.Instruction{Key: name, Body: "be brief"})
	require.NoError(t, err)
	return a
}

func approvedRun(t *testing.T) *envelope.Run {
	t.Helper()
	run := envelope.NewRun("today's top stories", 3)
	run.IncrementReviewCycle()
	run.Transcript.Append("gate", envelope.NewFinalApproved(1, envelope.ReviewStatusApproved, "APPROVED looks great"))
	return run
}

func revisionRun() *envelope.Run {
	run := envelope.NewRun("today's top stories", 3)
	run.IncrementReviewCycle()
	run.Transcript.Append("gate", envelope.NewRevisionRequested(1, "REVISION_NEEDED more colour"))
	return run
}

// =============================================================================
// CONTRACT TESTS
// =============================================================================

func TestStageOutcomeFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    StageOutcome
		wantErr bool
	}{
		{"success", StageOutcomeSuccess, false},
		{"  Skipped ", StageOutcomeSkipped, false},
		{"ERROR", StageOutcomeError, false},
		{"ok", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := StageOutcomeFromString(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid stage outcome")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStageErrorUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewStageError("news_scout", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "stage news_scout failed: connection reset", err.Error())
}

func TestNewAgentRequiresText(t *testing.T) {
	_, err := NewAgent(stageConfig("scout", config.StageTransform), nopLogger{}, nil, config.Instruction{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no text capability")
}

// =============================================================================
// TRANSFORM TEMPLATE TESTS
// =============================================================================

func TestAgentAppendsAndEmitsPreview(t *testing.T) {
	long := strings.Repeat("é", 250)
	text := &stubText{replies: []string{long}}
	a := newTestAgent(t, "scout", config.StageTransform, text)
	run := envelope.NewRun("today's top stories", 3)
	events := &recordingEvents{}

	before := run.Transcript.Len()
	edge, err := a.Process(context.Background(), run, events)

	require.NoError(t, err)
	assert.Equal(t, config.EdgeNext, edge)
	assert.Equal(t, before+1, run.Transcript.Len())

	last := run.Transcript.Messages()[before]
	assert.Equal(t, long, last.Text(), "transcript keeps the untruncated text")
	assert.Equal(t, "scout", last.Author)

	require.Len(t, events.texts, 1)
	assert.Equal(t, "[Scout] "+strings.Repeat("é", PreviewLimit)+"...", events.texts[0])
	assert.Equal(t, []string{"scout"}, events.stages)

	require.Len(t, text.reqs, 1)
	assert.Equal(t, "be brief", text.reqs[0].Instructions)
	assert.Len(t, text.reqs[0].Transcript, before)
	assert.Nil(t, text.reqs[0].Directive)
}

func TestAgentCapabilityFailureIsFatal(t *testing.T) {
	a := newTestAgent(t, "scout", config.StageTransform, &stubText{err: errors.New("503")})
	run := envelope.NewRun("x", 3)

	_, err := a.Process(context.Background(), run, &recordingEvents{})

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "scout", stageErr.Stage)
	assert.Equal(t, 1, run.Transcript.Len())
}

func TestAgentEmitFailureDoesNotAbort(t *testing.T) {
	a := newTestAgent(t, "scout", config.StageTransform, &stubText{})
	run := envelope.NewRun("x", 3)

	edge, err := a.Process(context.Background(), run, &recordingEvents{err: errors.New("consumer gone")})

	require.NoError(t, err)
	assert.Equal(t, config.EdgeNext, edge)
	assert.Equal(t, 2, run.Transcript.Len())
}

func TestAgentTranscriptMonotonic(t *testing.T) {
	text := &stubText{}
	stages := []*Agent{
		newTestAgent(t, "scout", config.StageTransform, text),
		newTestAgent(t, "analyst", config.StageTransform, text),
		newTestAgent(t, "brief", config.StageTransform, text),
	}
	run := envelope.NewRun("x", 3)

	var prev []envelope.Message
	for _, s := range stages {
		prev = run.Transcript.Messages()
		_, err := s.Process(context.Background(), run, nil)
		require.NoError(t, err)

		now := run.Transcript.Messages()
		require.GreaterOrEqual(t, len(now), len(prev))
		for i := range prev {
			assert.Equal(t, prev[i].Text(), now[i].Text())
			assert.Equal(t, prev[i].Index, now[i].Index)
		}
	}
}

func TestBriefGuard(t *testing.T) {
	tests := []struct {
		name      string
		run       func(t *testing.T) *envelope.Run
		wantEdge  config.Edge
		wantCalls int
	}{
		{"final approved skips", approvedRun, config.EdgeNone, 0},
		{"revision requested runs", func(*testing.T) *envelope.Run { return revisionRun() }, config.EdgeNext, 1},
		{"no directive runs", func(*testing.T) *envelope.Run { return envelope.NewRun("x", 3) }, config.EdgeNext, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := &stubText{}
			cfg := stageConfig("brief", config.StageTransform)
			cfg.SkipWhenApproved = true
			a, err := NewAgent(cfg, nopLogger{}, text, config.Instruction{})
			require.NoError(t, err)

			run := tt.run(t)
			before := run.Transcript.Len()
			events := &recordingEvents{}
			edge, err := a.Process(context.Background(), run, events)

			require.NoError(t, err)
			assert.Equal(t, tt.wantEdge, edge)
			assert.Len(t, text.reqs, tt.wantCalls)
			if tt.wantCalls == 0 {
				assert.Equal(t, before, run.Transcript.Len())
				assert.Empty(t, events.texts)
			}
		})
	}
}

// =============================================================================
// QUALITY GATE TESTS
// =============================================================================

func TestVerdictMatchers(t *testing.T) {
	tests := []struct {
		verdict  string
		contains bool
		leading  bool
	}{
		{"APPROVED. Great work.", true, true},
		{"**Approved** with minor notes", true, true},
		{"REVISION_NEEDED: weak caption", false, false},
		{"REVISION_NEEDED: this is not approved yet", true, false},
		{"", false, false},
		{"approvedish", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.verdict, func(t *testing.T) {
			assert.Equal(t, tt.contains, ContainsApproval(tt.verdict))
			assert.Equal(t, tt.leading, LeadingApproval(tt.verdict))
		})
	}
}

func TestMatcherForMode(t *testing.T) {
	m, err := MatcherForMode(config.VerdictModeLeading)
	require.NoError(t, err)
	assert.False(t, m("REVISION_NEEDED not approved"))

	m, err = MatcherForMode("")
	require.NoError(t, err)
	assert.True(t, m("REVISION_NEEDED not approved"))

	_, err = MatcherForMode("regex")
	assert.Error(t, err)
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		cycle      int
		verdict    string
		wantState  ReviewState
		wantStatus string
		wantForced bool
		wantEdge   config.Edge
	}{
		{"earned", 1, "APPROVED", ReviewStateApproved, envelope.ReviewStatusApproved, false, config.EdgeApprove},
		{"revise", 1, "REVISION_NEEDED", ReviewStateRevisionRequested, "", false, config.EdgeRevise},
		{"forced at bound", 3, "REVISION_NEEDED", ReviewStateApproved, envelope.ReviewStatusForced, true, config.EdgeApprove},
		{"earned at bound", 3, "APPROVED", ReviewStateApproved, envelope.ReviewStatusApproved, false, config.EdgeApprove},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.cycle, 3, tt.verdict, ContainsApproval)
			assert.Equal(t, tt.wantState, d.State)
			assert.Equal(t, tt.wantStatus, d.Status)
			assert.Equal(t, tt.wantForced, d.Forced)
			assert.Equal(t, tt.wantEdge, d.Edge())
		})
	}
}

func TestQualityGateApproves(t *testing.T) {
	text := &stubText{replies: []string{"APPROVED. Ship it."}}
	gate := NewQualityGate(newTestAgent(t, "reviewer", config.StageGate, text), nil, nil)
	run := envelope.NewRun("x", 3)

	edge, err := gate.Process(context.Background(), run, &recordingEvents{})

	require.NoError(t, err)
	assert.Equal(t, config.EdgeApprove, edge)
	assert.Equal(t, 1, run.Cycle())

	require.Len(t, text.reqs, 1)
	require.NotNil(t, text.reqs[0].Directive)
	assert.Equal(t, envelope.DirectiveReviewRequest, text.reqs[0].Directive.Kind())
	assert.Contains(t, text.reqs[0].Directive.Text(), "[Review cycle 1/3]")

	d, ok := run.Transcript.LatestDirective()
	require.True(t, ok)
	assert.Equal(t, envelope.DirectiveFinalApproved, d.Kind)
	assert.Equal(t, "Review cycle: 1\nStatus: APPROVED\n\nAPPROVED. Ship it.", d.Summary)

	// the review request itself is never persisted
	for _, m := range run.Transcript.Messages() {
		assert.NotEqual(t, envelope.DirectiveReviewRequest, m.Kind())
	}
}

func TestQualityGateRevisesThenForces(t *testing.T) {
	text := &stubText{replies: []string{"REVISION_NEEDED: more contrast"}}
	gate := NewQualityGate(newTestAgent(t, "reviewer", config.StageGate, text), LeadingApproval, nil)
	run := envelope.NewRun("x", 2)

	edge, err := gate.Process(context.Background(), run, nil)
	require.NoError(t, err)
	assert.Equal(t, config.EdgeRevise, edge)

	d, _ := run.Transcript.LatestDirective()
	assert.Equal(t, envelope.DirectiveRevisionRequested, d.Kind)
	assert.Equal(t, "REVISION_NEEDED: more contrast", d.Feedback)

	edge, err = gate.Process(context.Background(), run, nil)
	require.NoError(t, err)
	assert.Equal(t, config.EdgeApprove, edge)

	d, _ = run.Transcript.LatestDirective()
	assert.Equal(t, envelope.DirectiveFinalApproved, d.Kind)
	assert.Equal(t, envelope.ReviewStatusForced, d.Status)
	assert.Equal(t, 2, d.Cycle)
}

// =============================================================================
// ARTIFACT STAGE TESTS
// =============================================================================

func newArtifact(t *testing.T, text *stubText, image *stubImage, store *stubStore) *ArtifactStage {
	t.Helper()
	cfg := &config.StageConfig{Name: "image_creator", DisplayName: "ImageCreator", Kind: config.StageArtifact}
	agent, err := NewAgent(cfg, nopLogger{}, text, config.Instruction{})
	require.NoError(t, err)
	s, err := NewArtifactStage(agent, image, store, "", nil)
	require.NoError(t, err)
	return s
}

func TestArtifactGuardOnRevision(t *testing.T) {
	text := &stubText{}
	image := &stubImage{}
	store := &stubStore{}
	s := newArtifact(t, text, image, store)
	run := revisionRun()

	edge, err := s.Process(context.Background(), run, &recordingEvents{})

	require.NoError(t, err)
	assert.Equal(t, config.EdgeNone, edge)
	assert.Empty(t, text.reqs)
	assert.Empty(t, image.prompts)
	assert.Empty(t, store.saved)
	assert.Nil(t, run.Output)
}

func TestArtifactFirstCandidateSucceeds(t *testing.T) {
	text := &stubText{replies: []string{"  Indigo waves under amber light  "}}
	image := &stubImage{}
	store := &stubStore{}
	s := newArtifact(t, text, image, store)
	run := approvedRun(t)
	events := &recordingEvents{}

	edge, err := s.Process(context.Background(), run, events)

	require.NoError(t, err)
	assert.Equal(t, config.EdgeTerminal, edge)
	assert.Equal(t, []string{"Indigo waves under amber light"}, image.prompts)
	require.Len(t, store.saved, 1)

	require.NotNil(t, run.Output)
	assert.True(t, run.Output.ImageGenerated)
	assert.Equal(t, store.saved[0], run.Output.ImageLocation)
	assert.Equal(t, "Review cycle: 1\nStatus: APPROVED\n\nAPPROVED looks great", run.Output.Summary)

	assert.Equal(t, []string{
		"[ImageCreator] Extracting prompt and generating image...",
		"[ImageCreator] Image saved to: " + store.saved[0],
	}, events.texts)

	require.Len(t, text.reqs, 1)
	assert.Equal(t, envelope.DirectivePromptExtraction, text.reqs[0].Directive.Kind())
}

func TestArtifactFallbackSucceedsOnRetry(t *testing.T) {
	image := &stubImage{outcomes: []error{errors.New("content_policy_violation"), nil}}
	store := &stubStore{}
	s := newArtifact(t, &stubText{replies: []string{"risky prompt"}}, image, store)
	run := approvedRun(t)
	events := &recordingEvents{}

	_, err := s.Process(context.Background(), run, events)

	require.NoError(t, err)
	assert.Equal(t, []string{"risky prompt", FallbackImagePrompt}, image.prompts)
	require.Len(t, store.saved, 1)
	assert.Equal(t, store.saved[0], run.Output.ImageLocation)
	assert.Equal(t, FallbackImagePrompt, run.Output.Prompt)

	require.Len(t, run.Attempts, 2)
	assert.False(t, run.Attempts[0].Succeeded())
	assert.True(t, run.Attempts[1].Succeeded())

	assert.Equal(t, []string{
		"[ImageCreator] Extracting prompt and generating image...",
		"[ImageCreator] Attempt 1 failed: image capability: content_policy_violation",
		"[ImageCreator] Prompt was blocked by content filter, retrying with safer prompt...",
		"[ImageCreator] Image saved to: " + store.saved[0],
	}, events.texts)
}

func TestArtifactFallbackExhaustion(t *testing.T) {
	fail := errors.New("moderation_blocked")
	image := &stubImage{outcomes: []error{fail, fail, fail}}
	store := &stubStore{}
	s := newArtifact(t, &stubText{replies: []string{"prompt"}}, image, store)
	run := approvedRun(t)
	events := &recordingEvents{}

	edge, err := s.Process(context.Background(), run, events)

	require.NoError(t, err)
	assert.Equal(t, config.EdgeTerminal, edge)
	assert.Len(t, image.prompts, 2)
	assert.Empty(t, store.saved)

	require.NotNil(t, run.Output)
	assert.False(t, run.Output.ImageGenerated)
	assert.Equal(t, envelope.ImageFailedSentinel, run.Output.ImageLocation)
	assert.Equal(t, "prompt", run.Output.Prompt)
	assert.Contains(t, run.Output.Text(), "Image: (image generation failed)")

	assert.Equal(t, "[ImageCreator] Image generation error after 2 attempts: image capability: moderation_blocked",
		events.texts[len(events.texts)-1])
	assert.Len(t, run.Attempts, 2)
}

func TestArtifactStoreFailureCountsAsAttempt(t *testing.T) {
	image := &stubImage{}
	s := newArtifact(t, &stubText{replies: []string{"prompt"}}, image, &stubStore{err: errors.New("read-only fs")})
	run := approvedRun(t)

	_, err := s.Process(context.Background(), run, nil)

	require.NoError(t, err)
	assert.Len(t, image.prompts, 2)
	assert.Equal(t, envelope.ImageFailedSentinel, run.Output.ImageLocation)
	assert.Contains(t, run.Attempts[0].Reason, "persist artifact")
}

func TestArtifactExtractionDefaultsAndTruncates(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"empty reply uses default", "   ", DefaultImagePrompt},
		{"long reply truncated", strings.Repeat("a", 900), strings.Repeat("a", MaxPromptRunes)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image := &stubImage{}
			s := newArtifact(t, &stubText{replies: []string{tt.reply}}, image, &stubStore{})
			_, err := s.Process(context.Background(), approvedRun(t), nil)
			require.NoError(t, err)
			require.NotEmpty(t, image.prompts)
			assert.Equal(t, tt.want, image.prompts[0])
		})
	}
}

func TestArtifactExtractionFailureIsFatal(t *testing.T) {
	image := &stubImage{}
	s := newArtifact(t, &stubText{err: errors.New("timeout")}, image, &stubStore{})

	_, err := s.Process(context.Background(), approvedRun(t), nil)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Empty(t, image.prompts)
}
