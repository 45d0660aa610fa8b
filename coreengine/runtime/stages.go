package runtime

import (
	"fmt"

	"github.com/FranGenoa/HeadlineArt/commbus"
	"github.com/FranGenoa/HeadlineArt/coreengine/agents"
	"github.com/FranGenoa/HeadlineArt/coreengine/config"
)

// StageDeps are the collaborators every stage of a pipeline is built from.
type StageDeps struct {
	Text         agents.TextCapability
	Image        agents.ImageCapability
	Store        agents.ArtifactStore
	Instructions config.Instructions
	Match        agents.VerdictMatcher
	ImageSize    string
	Bus          commbus.CommBus
	Logger       agents.Logger
}

// BuildStages creates one stage per configured stage, choosing the
// implementation from the stage kind.
func BuildStages(cfg *config.PipelineConfig, deps StageDeps) (map[string]agents.Stage, error) {
	stages := make(map[string]agents.Stage, len(cfg.Stages))
	for _, sc := range cfg.Stages {
		agent, err := agents.NewAgent(sc, deps.Logger, deps.Text, deps.Instructions.Get(sc.InstructionKey))
		if err != nil {
			return nil, err
		}

		switch sc.Kind {
		case config.StageGate:
			stages[sc.Name] = agents.NewQualityGate(agent, deps.Match, deps.Bus)
		case config.StageArtifact:
			artifact, err := agents.NewArtifactStage(agent, deps.Image, deps.Store, deps.ImageSize, deps.Bus)
			if err != nil {
				return nil, err
			}
			stages[sc.Name] = artifact
		case config.StageTransform:
			stages[sc.Name] = agent
		default:
			return nil, fmt.Errorf("stage '%s' has unsupported kind %q", sc.Name, sc.Kind)
		}
	}
	return stages, nil
}
