package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/FranGenoa/HeadlineArt/commbus"
	"github.com/FranGenoa/HeadlineArt/coreengine/config"
	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
	"github.com/FranGenoa/HeadlineArt/coreengine/observability"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// MaxPromptRunes bounds the extracted prompt sent to the image capability.
	MaxPromptRunes = 800

	// DefaultImagePrompt is used when extraction returns no text.
	DefaultImagePrompt = "Abstract digital art with flowing gradients of blue and gold, surreal landscape, dreamy atmosphere"

	// FallbackImagePrompt is the second, content-safe candidate.
	FallbackImagePrompt = "Abstract digital artwork with flowing organic shapes, vibrant gradients " +
		"of teal, coral, and gold, surreal dreamlike atmosphere, soft glowing light, " +
		"modern contemporary art style, Instagram aesthetic, 1024x1024"

	// DefaultImageSize is requested when the stage has no size configured.
	DefaultImageSize = "1024x1024"
)

// ExtractionInstructions asks the text capability for a short abstract rendering prompt.
const ExtractionInstructions = "Based on the entire conversation above, create a SHORT image generation " +
	"prompt (max 150 words) for creating the HeadlineArt artwork. " +
	"IMPORTANT RULES:\n" +
	"- Describe ONLY abstract art, colors, shapes, textures, and artistic styles\n" +
	"- Do NOT mention any real people, public figures, brands, or company names\n" +
	"- Do NOT reference violence, conflict, weapons, or political events\n" +
	"- Do NOT include any text or words to render in the image\n" +
	"- Focus on: artistic style, color palette, composition, mood, and visual metaphors\n" +
	"- Use terms like 'abstract', 'digital art', 'surreal', 'impressionist' etc.\n" +
	"Return ONLY the prompt text, nothing else."

// ArtifactStage turns an approved package into an image and the final output.
type ArtifactStage struct {
	*Agent
	Image ImageCapability
	Store ArtifactStore
	Size  string
	Bus   commbus.CommBus
}

// NewArtifactStage creates the terminal stage.
func NewArtifactStage(agent *Agent, image ImageCapability, store ArtifactStore, size string, bus commbus.CommBus) (*ArtifactStage, error) {
	if image == nil {
		return nil, fmt.Errorf("stage '%s' has no image capability", agent.Name())
	}
	if store == nil {
		return nil, fmt.Errorf("stage '%s' has no artifact store", agent.Name())
	}
	if size == "" {
		size = DefaultImageSize
	}
	return &ArtifactStage{Agent: agent, Image: image, Store: store, Size: size, Bus: bus}, nil
}

// Process extracts a prompt, runs the candidate loop and composes the terminal output.
// Only a text capability failure during extraction is fatal.
func (s *ArtifactStage) Process(ctx context.Context, run *envelope.Run, events EventContext) (edge config.Edge, err error) {
	ctx, span := s.startSpan(ctx, run)
	defer span.End()

	startTime := time.Now()
	outcome := StageOutcomeSuccess
	defer func() { s.finish(span, startTime, outcome, err) }()

	approval, ok := run.Transcript.LatestDirective()
	if !ok || approval.Kind != envelope.DirectiveFinalApproved {
		outcome = StageOutcomeSkipped
		s.Logger.Info(fmt.Sprintf("%s_skipped", s.Name()), "reason", "not_approved", "directive", string(approval.Kind))
		return config.EdgeNone, nil
	}

	extracted, err := s.extractPrompt(ctx, run)
	if err != nil {
		return "", NewStageError(s.Name(), err)
	}
	s.emit(ctx, events, fmt.Sprintf("[%s] Extracting prompt and generating image...", s.Config.DisplayName))

	location, used := s.generate(ctx, run, events, []string{extracted, FallbackImagePrompt})
	generated := location != ""
	if !generated {
		location = envelope.ImageFailedSentinel
		used = extracted
	}
	span.SetAttributes(attribute.Bool("headlineart.artifact.generated", generated))

	run.SetOutput(envelope.TerminalOutput{
		ImageLocation:  location,
		ImageGenerated: generated,
		Prompt:         used,
		Summary:        strings.TrimSpace(approval.Summary),
	})
	return config.EdgeTerminal, nil
}

// extractPrompt asks the text capability for a rendering prompt.
// The extraction directive is passed alongside the transcript, never appended.
func (s *ArtifactStage) extractPrompt(ctx context.Context, run *envelope.Run) (string, error) {
	directive := envelope.NewPromptExtraction(ExtractionInstructions)
	msgs, err := s.invoke(ctx, run, &directive)
	if err != nil {
		return "", err
	}
	prompt := strings.TrimSpace(verdictText(msgs))
	if prompt == "" {
		prompt = DefaultImagePrompt
	}
	return envelope.TruncateRunes(prompt, MaxPromptRunes), nil
}

// generate tries each candidate once, stopping at the first persisted image.
// It returns the location and prompt of the success, or empty strings.
func (s *ArtifactStage) generate(ctx context.Context, run *envelope.Run, events EventContext, candidates []string) (string, string) {
	display := s.Config.DisplayName
	for i, prompt := range candidates {
		attempt := envelope.ArtifactAttempt{Index: i + 1, Prompt: prompt}

		location, err := s.attempt(ctx, prompt)
		if err != nil {
			attempt.Reason = err.Error()
		} else {
			attempt.Location = location
		}
		s.recordAttempt(ctx, run, attempt)

		if err == nil {
			s.emit(ctx, events, fmt.Sprintf("[%s] Image saved to: %s", display, location))
			return location, prompt
		}

		s.Logger.Warn(fmt.Sprintf("%s_attempt_failed", s.Name()), "attempt", i+1, "error", err.Error())
		if i == len(candidates)-1 {
			s.emit(ctx, events, fmt.Sprintf("[%s] Image generation error after %d attempts: %s", display, i+1, err.Error()))
			break
		}
		s.emit(ctx, events, fmt.Sprintf("[%s] Attempt %d failed: %s", display, i+1, err.Error()))
		s.emit(ctx, events, fmt.Sprintf("[%s] Prompt was blocked by content filter, retrying with safer prompt...", display))
	}
	return "", ""
}

// attempt generates and persists one candidate. A store failure fails the attempt.
func (s *ArtifactStage) attempt(ctx context.Context, prompt string) (string, error) {
	if s.Config.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.Config.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	data, err := s.Image.Generate(ctx, prompt, s.Size)
	if err != nil {
		return "", fmt.Errorf("image capability: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("image capability returned no data")
	}
	location, err := s.Store.Save(ctx, data)
	if err != nil {
		return "", fmt.Errorf("persist artifact: %w", err)
	}
	s.Logger.Info(fmt.Sprintf("%s_image_saved", s.Name()), "location", location, "bytes", len(data))
	return location, nil
}

func (s *ArtifactStage) recordAttempt(ctx context.Context, run *envelope.Run, attempt envelope.ArtifactAttempt) {
	run.RecordAttempt(attempt)
	observability.RecordArtifactAttempt(attempt.Index, attempt.Succeeded())
	if s.Bus == nil {
		return
	}
	if err := s.Bus.Publish(ctx, &commbus.ArtifactAttempted{RunID: run.RunID, Attempt: attempt}); err != nil {
		s.Logger.Warn("artifact_publish_failed", "error", err.Error())
	}
}
