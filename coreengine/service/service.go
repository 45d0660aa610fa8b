// Package service assembles a runnable pipeline from settings: the bus, the
// capabilities, the stage graph, run history and the submission limiter.
// Every front door (HTTP, gRPC, MCP, CLI) is built on a Service.
package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/FranGenoa/HeadlineArt/commbus"
	"github.com/FranGenoa/HeadlineArt/coreengine/agents"
	"github.com/FranGenoa/HeadlineArt/coreengine/artifacts"
	"github.com/FranGenoa/HeadlineArt/coreengine/config"
	"github.com/FranGenoa/HeadlineArt/coreengine/providers/openai"
	"github.com/FranGenoa/HeadlineArt/coreengine/ratelimit"
	"github.com/FranGenoa/HeadlineArt/coreengine/runtime"
	"github.com/FranGenoa/HeadlineArt/coreengine/storage"
	"github.com/FranGenoa/HeadlineArt/coreengine/storage/sqlite"
)

const (
	queryTimeout = 5 * time.Second

	// History writes are skipped for a while after this many consecutive failures.
	historyFailureThreshold = 5
	historyResetTimeout     = 30 * time.Second
)

// Service is a fully wired pipeline.
type Service struct {
	Settings *config.Settings
	Logger   agents.Logger
	Bus      *commbus.InMemoryCommBus
	Runner   *runtime.PipelineRunner
	Limiter  *ratelimit.Limiter

	store    storage.RunStore
	recorder *storage.Recorder
}

type options struct {
	text  agents.TextCapability
	image agents.ImageCapability
	files agents.ArtifactStore
	store storage.RunStore
}

// Option overrides a collaborator that would otherwise be built from settings.
type Option func(*options)

// WithTextCapability replaces the OpenAI chat client.
func WithTextCapability(text agents.TextCapability) Option {
	return func(o *options) { o.text = text }
}

// WithImageCapability replaces the OpenAI image client.
func WithImageCapability(image agents.ImageCapability) Option {
	return func(o *options) { o.image = image }
}

// WithArtifactStore replaces the file store under pipeline.output_dir.
func WithArtifactStore(store agents.ArtifactStore) Option {
	return func(o *options) { o.files = store }
}

// WithRunStore replaces the sqlite run history.
func WithRunStore(store storage.RunStore) Option {
	return func(o *options) { o.store = store }
}

// New builds a Service. Run history is disabled when storage.db_path is empty
// and no store is supplied.
func New(settings *config.Settings, logger agents.Logger, opts ...Option) (*Service, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	bus := commbus.NewInMemoryCommBus(queryTimeout, logger)
	bus.AddMiddleware(commbus.NewLoggingMiddleware(logger))
	bus.AddMiddleware(commbus.NewCircuitBreakerMiddleware(
		historyFailureThreshold,
		historyResetTimeout,
		[]string{"PipelineStarted", "PipelineCompleted", "ReviewDecided", "ArtifactAttempted", "GetRun", "ListRunEvents", "CancelRun"},
		logger,
	))

	svc := &Service{
		Settings: settings,
		Logger:   logger,
		Bus:      bus,
		Limiter:  ratelimit.New(ratelimit.Config{RunsPerMinute: settings.Server.RunsPerMinute}),
	}

	if err := svc.openHistory(o.store); err != nil {
		return nil, err
	}

	runner, err := svc.buildRunner(o)
	if err != nil {
		_ = svc.Close()
		return nil, err
	}
	svc.Runner = runner

	logger.Info("service_ready",
		"pipeline", runner.Config.Name,
		"max_review_cycles", runner.Config.MaxReviewCycles,
		"history", svc.store != nil,
		"runs_per_minute", settings.Server.RunsPerMinute,
	)
	return svc, nil
}

func (s *Service) openHistory(store storage.RunStore) error {
	if store == nil && s.Settings.Storage.DBPath != "" {
		opened, err := sqlite.New(s.Settings.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("open run history: %w", err)
		}
		store = opened
	}
	if store == nil {
		return nil
	}

	recorder := storage.NewRecorder(store, s.Logger)
	if err := recorder.Attach(s.Bus); err != nil {
		_ = store.Close()
		return fmt.Errorf("attach run history: %w", err)
	}
	s.store = store
	s.recorder = recorder
	return nil
}

func (s *Service) buildRunner(o *options) (*runtime.PipelineRunner, error) {
	cfg := s.Settings.PipelineGraph()

	instructions, err := config.LoadInstructions(s.Settings.Pipeline.SpecsDir)
	if err != nil {
		return nil, err
	}
	if len(instructions) == 0 {
		s.Logger.Warn("instructions_missing", "dir", s.Settings.Pipeline.SpecsDir)
	}

	match, err := agents.MatcherForMode(s.Settings.Pipeline.VerdictMode)
	if err != nil {
		return nil, err
	}

	t, i := s.Settings.Text, s.Settings.Image
	text, image, files := o.text, o.image, o.files
	if text == nil {
		text = openai.NewTextProvider(newClient(t.Endpoint, t.APIKey, t.APIVersion, t.TimeoutSeconds), t.Model)
	}
	if image == nil {
		image = openai.NewImageProvider(newClient(i.Endpoint, i.APIKey, i.APIVersion, i.TimeoutSeconds), i.Model)
	}
	if files == nil {
		files = artifacts.NewFileStore(s.Settings.Pipeline.OutputDir)
	}

	stages, err := runtime.BuildStages(cfg, runtime.StageDeps{
		Text:         text,
		Image:        image,
		Store:        files,
		Instructions: instructions,
		Match:        match,
		ImageSize:    s.Settings.Image.Size,
		Bus:          s.Bus,
		Logger:       s.Logger,
	})
	if err != nil {
		return nil, err
	}

	runner, err := runtime.NewPipelineRunner(cfg, stages, s.Bus, s.Logger)
	if err != nil {
		return nil, err
	}
	if s.store != nil {
		runner.Persistence = s.store
	}
	if err := runner.RegisterHandlers(s.Bus); err != nil {
		return nil, err
	}
	return runner, nil
}

func newClient(endpoint, apiKey, apiVersion string, timeoutSeconds int) *openai.Client {
	var opts []openai.ClientOption
	if timeoutSeconds > 0 {
		opts = append(opts, openai.WithTimeout(time.Duration(timeoutSeconds)*time.Second))
	}
	if apiVersion != "" {
		opts = append(opts, openai.WithAPIVersion(apiVersion))
	}
	return openai.NewClient(endpoint, apiKey, opts...)
}

// HistoryEnabled reports whether runs are persisted.
func (s *Service) HistoryEnabled() bool { return s.store != nil }

// RunTimeout is the per-run deadline applied by the front doors.
func (s *Service) RunTimeout() time.Duration { return s.Settings.RequestTimeout() }

// Close detaches run history and closes the store.
func (s *Service) Close() error {
	var errs []error
	if s.recorder != nil {
		s.recorder.Detach()
		s.recorder = nil
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
		s.store = nil
	}
	return errors.Join(errs...)
}
