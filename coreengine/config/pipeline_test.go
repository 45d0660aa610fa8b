package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// StageConfig Tests
// =============================================================================

func TestStageConfigValidate(t *testing.T) {
	t.Run("valid transform defaults", func(t *testing.T) {
		stage := &StageConfig{Name: "a", Next: "b"}
		require.NoError(t, stage.Validate())
		assert.Equal(t, StageTransform, stage.Kind)
		assert.Equal(t, "a", stage.DisplayName)
	})

	t.Run("missing name", func(t *testing.T) {
		err := (&StageConfig{}).Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Name is required")
	})

	t.Run("transform without next", func(t *testing.T) {
		err := (&StageConfig{Name: "a"}).Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "has no next")
	})

	t.Run("gate needs both edges", func(t *testing.T) {
		err := (&StageConfig{Name: "g", Kind: StageGate, ApproveNext: "x"}).Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "approve_next and revise_next")
	})

	t.Run("artifact with successor", func(t *testing.T) {
		err := (&StageConfig{Name: "s", Kind: StageArtifact, Next: "x"}).Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must not have successors")
	})

	t.Run("unknown kind", func(t *testing.T) {
		err := (&StageConfig{Name: "s", Kind: "fanout"}).Validate()
		require.Error(t, err)
	})
}

// =============================================================================
// PipelineConfig Tests
// =============================================================================

func TestHeadlinePipelineValidates(t *testing.T) {
	p := NewHeadlinePipeline(3, false)
	require.NoError(t, p.Validate())

	assert.Equal(t, StageNewsScout, p.EntryStage)
	assert.Equal(t, StageQualityReviewer, p.GateStage())
	assert.Equal(t, StageImageCreator, p.ArtifactStage())
	assert.Equal(t, []string{
		StageNewsScout, StageNewsAnalyst, StageCreativeDirector, StageArtGenerator,
		StageCopywriter, StageQualityReviewer, StageImageCreator,
	}, p.GetStageOrder())
	assert.Equal(t, 2, p.GetEdgeLimit(StageQualityReviewer, StageCreativeDirector))
	assert.Equal(t, 0, p.GetEdgeLimit(StageNewsScout, StageNewsAnalyst))
	assert.True(t, p.GetStage(StageCreativeDirector).SkipWhenApproved)
}

func TestHeadlinePipelineSearchGroundingOnlyOnScout(t *testing.T) {
	p := NewHeadlinePipeline(3, true)
	for _, stage := range p.Stages {
		assert.Equal(t, stage.Name == StageNewsScout, stage.SearchGrounding, stage.Name)
	}
}

func TestHeadlinePipelineSingleCycleHasNoReviseLimit(t *testing.T) {
	p := NewHeadlinePipeline(1, false)
	require.NoError(t, p.Validate())
	assert.Empty(t, p.EdgeLimits)
}

func TestPipelineSuccessor(t *testing.T) {
	p := NewHeadlinePipeline(3, false)
	require.NoError(t, p.Validate())

	tests := []struct {
		stage   string
		edge    Edge
		want    string
		wantErr bool
	}{
		{StageNewsScout, EdgeNext, StageNewsAnalyst, false},
		{StageQualityReviewer, EdgeApprove, StageImageCreator, false},
		{StageQualityReviewer, EdgeRevise, StageCreativeDirector, false},
		{StageQualityReviewer, EdgeNext, "", true},
		{StageNewsScout, EdgeApprove, "", true},
		{StageImageCreator, EdgeNext, "", true},
		{"ghost", EdgeNext, "", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.edge)+"_"+tt.stage, func(t *testing.T) {
			got, err := p.Successor(tt.stage, tt.edge)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// threeStage builds a minimal valid graph: a -> gate -> (sink | a).
func threeStage() *PipelineConfig {
	p := NewPipelineConfig("mini")
	p.Stages = []*StageConfig{
		{Name: "a", Order: 1, Next: "gate"},
		{Name: "gate", Order: 2, Kind: StageGate, ApproveNext: "sink", ReviseNext: "a"},
		{Name: "sink", Order: 3, Kind: StageArtifact},
	}
	return p
}

func TestPipelineValidate(t *testing.T) {
	t.Run("minimal graph", func(t *testing.T) {
		p := threeStage()
		require.NoError(t, p.Validate())
		assert.Equal(t, "a", p.EntryStage)
		assert.Equal(t, 12, p.HopBound())
	})

	t.Run("missing name", func(t *testing.T) {
		p := threeStage()
		p.Name = ""
		require.Error(t, p.Validate())
	})

	t.Run("zero review cycles", func(t *testing.T) {
		p := threeStage()
		p.MaxReviewCycles = 0
		err := p.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_review_cycles")
	})

	t.Run("duplicate names", func(t *testing.T) {
		p := threeStage()
		p.Stages = append(p.Stages, &StageConfig{Name: "a", Order: 4, Next: "gate"})
		err := p.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate stage name")
	})

	t.Run("unknown target", func(t *testing.T) {
		p := threeStage()
		p.Stages[0].Next = "nowhere"
		err := p.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown target 'nowhere'")
	})

	t.Run("two gates", func(t *testing.T) {
		p := threeStage()
		p.Stages = append(p.Stages, &StageConfig{Name: "gate2", Order: 4, Kind: StageGate, ApproveNext: "sink", ReviseNext: "a"})
		err := p.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "more than one gate")
	})

	t.Run("no artifact stage", func(t *testing.T) {
		p := threeStage()
		p.Stages = p.Stages[:2]
		p.Stages[1].ApproveNext = "a"
		err := p.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no artifact stage")
	})

	t.Run("forward cycle", func(t *testing.T) {
		p := NewPipelineConfig("loop")
		p.Stages = []*StageConfig{
			{Name: "a", Order: 1, Next: "b"},
			{Name: "b", Order: 2, Next: "a"},
			{Name: "gate", Order: 3, Kind: StageGate, ApproveNext: "sink", ReviseNext: "a"},
			{Name: "sink", Order: 4, Kind: StageArtifact},
		}
		err := p.Validate()
		require.Error(t, err)
	})

	t.Run("unreachable stage", func(t *testing.T) {
		p := threeStage()
		p.Stages = append(p.Stages, &StageConfig{Name: "orphan", Order: 0, Next: "gate"})
		p.EntryStage = "a"
		err := p.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not reachable")
	})

	t.Run("revise target not upstream", func(t *testing.T) {
		p := threeStage()
		p.Stages[1].ReviseNext = "sink"
		err := p.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not lead back")
	})

	t.Run("unknown entry", func(t *testing.T) {
		p := threeStage()
		p.EntryStage = "ghost"
		err := p.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "entry stage 'ghost' not found")
	})

	t.Run("edge limit unknown stage", func(t *testing.T) {
		p := threeStage()
		p.EdgeLimits = []EdgeLimit{{From: "gate", To: "ghost", MaxCount: 1}}
		require.Error(t, p.Validate())
	})
}

func TestPipelineConfigGetEdgeLimit(t *testing.T) {
	t.Run("no limits configured", func(t *testing.T) {
		p := NewPipelineConfig("test")
		assert.Equal(t, 0, p.GetEdgeLimit("a", "b"))
	})

	t.Run("matching limit", func(t *testing.T) {
		p := NewPipelineConfig("test")
		p.EdgeLimits = []EdgeLimit{{From: "a", To: "b", MaxCount: 5}}
		assert.Equal(t, 5, p.GetEdgeLimit("a", "b"))
		assert.Equal(t, 0, p.GetEdgeLimit("b", "a"))
	})
}

func TestHopBoundOverride(t *testing.T) {
	p := threeStage()
	p.MaxStageHops = 4
	assert.Equal(t, 4, p.HopBound())
}
