// Package testutil provides shared test utilities and mocks for integration tests.
//
// All mocks in this package are designed for testing the coreengine components
// in isolation without requiring external dependencies.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/FranGenoa/HeadlineArt/coreengine/agents"
	"github.com/FranGenoa/HeadlineArt/coreengine/config"
	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
)

// =============================================================================
// MOCK TEXT CAPABILITY
// =============================================================================

// MockTextCapability implements agents.TextCapability for testing.
// Replies are scripted per stage; the last scripted reply repeats.
type MockTextCapability struct {
	// Replies maps stage ids to successive reply texts.
	Replies map[string][]string

	// Errors makes a stage's calls fail.
	Errors map[string]error

	// Delay simulates capability latency.
	Delay time.Duration

	// InvokeFunc overrides scripted behavior when set.
	InvokeFunc func(context.Context, agents.TextRequest) ([]envelope.Message, error)

	// Calls records all requests for assertion.
	Calls []agents.TextRequest

	perStage map[string]int
	mu       sync.Mutex
}

// NewMockTextCapability creates a MockTextCapability with empty scripts.
func NewMockTextCapability() *MockTextCapability {
	return &MockTextCapability{
		Replies:  make(map[string][]string),
		Errors:   make(map[string]error),
		perStage: make(map[string]int),
	}
}

// Invoke implements agents.TextCapability.
func (m *MockTextCapability) Invoke(ctx context.Context, req agents.TextRequest) ([]envelope.Message, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	n := m.perStage[req.Stage]
	m.perStage[req.Stage] = n + 1
	custom := m.InvokeFunc
	replies := m.Replies[req.Stage]
	stageErr := m.Errors[req.Stage]
	m.mu.Unlock()

	if custom != nil {
		return custom(ctx, req)
	}

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if stageErr != nil {
		return nil, stageErr
	}

	text := fmt.Sprintf("%s output %d", req.Stage, n+1)
	if len(replies) > 0 {
		if n >= len(replies) {
			n = len(replies) - 1
		}
		text = replies[n]
	}
	return []envelope.Message{envelope.NewTextMessage(envelope.RoleCapability, text)}, nil
}

// WithReplies scripts successive replies for a stage.
func (m *MockTextCapability) WithReplies(stage string, replies ...string) *MockTextCapability {
	m.Replies[stage] = replies
	return m
}

// WithError makes every call for stage fail.
func (m *MockTextCapability) WithError(stage string, err error) *MockTextCapability {
	m.Errors[stage] = err
	return m
}

// CallCount returns the number of calls for a stage, or all calls for "".
func (m *MockTextCapability) CallCount(stage string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stage == "" {
		return len(m.Calls)
	}
	return m.perStage[stage]
}

// CalledStages returns the stage of every call in order.
func (m *MockTextCapability) CalledStages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	stages := make([]string, len(m.Calls))
	for i, c := range m.Calls {
		stages[i] = c.Stage
	}
	return stages
}

// =============================================================================
// MOCK IMAGE CAPABILITY
// =============================================================================

// MockImageCapability implements agents.ImageCapability for testing.
// Outcomes are consumed per call; nil means success. Calls beyond the
// script succeed.
type MockImageCapability struct {
	Outcomes []error
	Data     []byte

	// Prompts records every prompt for assertion.
	Prompts []string

	mu sync.Mutex
}

// NewMockImageCapability creates a capability returning fixed PNG-ish bytes.
func NewMockImageCapability(outcomes ...error) *MockImageCapability {
	return &MockImageCapability{
		Outcomes: outcomes,
		Data:     []byte("\x89PNG fake image"),
	}
}

// AlwaysFailing returns a capability that rejects every prompt.
func AlwaysFailing(reason string) *MockImageCapability {
	m := NewMockImageCapability()
	for i := 0; i < 8; i++ {
		m.Outcomes = append(m.Outcomes, fmt.Errorf("%s", reason))
	}
	return m
}

// Generate implements agents.ImageCapability.
func (m *MockImageCapability) Generate(ctx context.Context, prompt string, size string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.Prompts)
	m.Prompts = append(m.Prompts, prompt)
	if n < len(m.Outcomes) && m.Outcomes[n] != nil {
		return nil, m.Outcomes[n]
	}
	return append([]byte(nil), m.Data...), nil
}

// CallCount returns the number of Generate calls.
func (m *MockImageCapability) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Prompts)
}

// =============================================================================
// MOCK ARTIFACT STORE
// =============================================================================

// MockArtifactStore implements agents.ArtifactStore in memory.
type MockArtifactStore struct {
	Saved map[string][]byte
	Order []string
	Error error

	mu sync.Mutex
}

// NewMockArtifactStore creates an empty store.
func NewMockArtifactStore() *MockArtifactStore {
	return &MockArtifactStore{Saved: make(map[string][]byte)}
}

// Save implements agents.ArtifactStore.
func (m *MockArtifactStore) Save(ctx context.Context, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Error != nil {
		return "", m.Error
	}
	location := fmt.Sprintf("mem://generated_images/quadro_%d.png", len(m.Order)+1)
	m.Saved[location] = append([]byte(nil), data...)
	m.Order = append(m.Order, location)
	return location, nil
}

// Count returns the number of persisted artifacts.
func (m *MockArtifactStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Order)
}

// =============================================================================
// MOCK EVENT CONTEXT
// =============================================================================

// MockEventContext captures stage events for assertion.
type MockEventContext struct {
	// Events captures all emitted events.
	Events []envelope.StageEvent

	// Error causes EmitStageUpdate to return this error after recording.
	Error error

	mu sync.Mutex
}

// NewMockEventContext creates a MockEventContext.
func NewMockEventContext() *MockEventContext {
	return &MockEventContext{
		Events: make([]envelope.StageEvent, 0),
	}
}

// EmitStageUpdate implements agents.EventContext.
func (m *MockEventContext) EmitStageUpdate(ctx context.Context, stage string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, envelope.StageEvent{
		Seq:       len(m.Events) + 1,
		Stage:     stage,
		Text:      text,
		Timestamp: time.Now(),
	})
	return m.Error
}

// Texts returns every event text in order.
func (m *MockEventContext) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	texts := make([]string, len(m.Events))
	for i, e := range m.Events {
		texts[i] = e.Text
	}
	return texts
}

// Stages returns every event's stage in order.
func (m *MockEventContext) Stages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	stages := make([]string, len(m.Events))
	for i, e := range m.Events {
		stages[i] = e.Stage
	}
	return stages
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger implements agents.Logger for testing.
type MockLogger struct {
	// Logs captures all log entries.
	Logs []LogEntry

	mu sync.Mutex
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{
		Logs: make([]LogEntry, 0),
	}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.log("debug", msg, keysAndValues...)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.log("info", msg, keysAndValues...)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.log("warn", msg, keysAndValues...)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.log("error", msg, keysAndValues...)
}

func (m *MockLogger) Bind(fields ...any) agents.Logger {
	return m
}

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields := make(map[string]any)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}

	m.Logs = append(m.Logs, LogEntry{
		Level:   level,
		Message: msg,
		Fields:  fields,
	})
}

// GetLogs returns captured logs (thread-safe).
func (m *MockLogger) GetLogs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]LogEntry, len(m.Logs))
	copy(copied, m.Logs)
	return copied
}

// HasLog checks if a log message exists at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, log := range m.Logs {
		if log.Level == level && log.Message == message {
			return true
		}
	}
	return false
}

// =============================================================================
// PIPELINE HELPERS
// =============================================================================

// NewTestPipelineConfig returns the validated HeadlineArt graph with no
// stage timeouts.
func NewTestPipelineConfig(maxReviewCycles int) *config.PipelineConfig {
	cfg := config.NewHeadlinePipeline(maxReviewCycles, false)
	cfg.DefaultTimeoutSeconds = 0
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

// Fixture bundles the collaborators a full stage set is built from.
type Fixture struct {
	Config *config.PipelineConfig
	Text   *MockTextCapability
	Image  *MockImageCapability
	Store  *MockArtifactStore
	Logger *MockLogger
}

// NewFixture creates mocks for a pipeline with the given review bound.
// The reviewer approves on its first call unless re-scripted.
func NewFixture(maxReviewCycles int) *Fixture {
	text := NewMockTextCapability().
		WithReplies(config.StageQualityReviewer, "APPROVED. Strong package.").
		WithReplies(config.StageImageCreator, "Abstract waves of indigo and amber light")
	return &Fixture{
		Config: NewTestPipelineConfig(maxReviewCycles),
		Text:   text,
		Image:  NewMockImageCapability(),
		Store:  NewMockArtifactStore(),
		Logger: NewMockLogger(),
	}
}

// Stages builds every stage of the fixture's pipeline.
func (f *Fixture) Stages(match agents.VerdictMatcher) (map[string]agents.Stage, error) {
	stages := make(map[string]agents.Stage, len(f.Config.Stages))
	for _, cfg := range f.Config.Stages {
		agent, err := agents.NewAgent(cfg, f.Logger, f.Text, config.Instruction{Key: cfg.InstructionKey})
		if err != nil {
			return nil, err
		}
		switch cfg.Kind {
		case config.StageGate:
			stages[cfg.Name] = agents.NewQualityGate(agent, match, nil)
		case config.StageArtifact:
			artifact, err := agents.NewArtifactStage(agent, f.Image, f.Store, "", nil)
			if err != nil {
				return nil, err
			}
			stages[cfg.Name] = artifact
		default:
			stages[cfg.Name] = agent
		}
	}
	return stages, nil
}

// Revisions scripts the reviewer to request n revisions before approving.
func (f *Fixture) Revisions(n int) *Fixture {
	replies := make([]string, 0, n+1)
	for i := 1; i <= n; i++ {
		replies = append(replies, fmt.Sprintf("REVISION_NEEDED: tighten the caption (round %d)", i))
	}
	replies = append(replies, "APPROVED. Ready to publish.")
	f.Text.WithReplies(config.StageQualityReviewer, replies...)
	return f
}

// NeverApprove scripts the reviewer to always ask for revisions.
func (f *Fixture) NeverApprove() *Fixture {
	f.Text.WithReplies(config.StageQualityReviewer, "REVISION_NEEDED: the composition is unclear")
	return f
}

// ContainsAll reports whether every needle occurs in haystack.
func ContainsAll(haystack string, needles ...string) bool {
	for _, n := range needles {
		if !strings.Contains(haystack, n) {
			return false
		}
	}
	return true
}
