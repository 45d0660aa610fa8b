package config

// Stage ids of the HeadlineArt pipeline.
const (
	StageNewsScout        = "news_scout"
	StageNewsAnalyst      = "news_analyst"
	StageCreativeDirector = "creative_director"
	StageArtGenerator     = "art_generator"
	StageCopywriter       = "copywriter"
	StageQualityReviewer  = "quality_reviewer"
	StageImageCreator     = "image_creator"
)

// HeadlinePipelineName names the default pipeline in logs and metrics.
const HeadlinePipelineName = "headlineart"

// NewHeadlinePipeline builds the seven-stage news-to-art graph:
//
//	news_scout -> news_analyst -> creative_director -> art_generator -> copywriter -> quality_reviewer
//	quality_reviewer --approve--> image_creator
//	quality_reviewer --revise---> creative_director
//
// The revise edge may be traversed at most maxReviewCycles-1 times.
func NewHeadlinePipeline(maxReviewCycles int, searchGrounding bool) *PipelineConfig {
	p := NewPipelineConfig(HeadlinePipelineName)
	p.MaxReviewCycles = maxReviewCycles
	p.EntryStage = StageNewsScout

	p.Stages = []*StageConfig{
		{
			Name:            StageNewsScout,
			DisplayName:     "NewsScout",
			Kind:            StageTransform,
			Order:           1,
			InstructionKey:  "01_news_scout",
			ModelRole:       "text",
			SearchGrounding: searchGrounding,
			Next:            StageNewsAnalyst,
		},
		{
			Name:           StageNewsAnalyst,
			DisplayName:    "NewsAnalyst",
			Kind:           StageTransform,
			Order:          2,
			InstructionKey: "02_news_analyst",
			ModelRole:      "text",
			Next:           StageCreativeDirector,
		},
		{
			Name:             StageCreativeDirector,
			DisplayName:      "CreativeDirector",
			Kind:             StageTransform,
			Order:            3,
			InstructionKey:   "03_creative_director",
			ModelRole:        "text",
			Next:             StageArtGenerator,
			SkipWhenApproved: true,
		},
		{
			Name:           StageArtGenerator,
			DisplayName:    "ArtGenerator",
			Kind:           StageTransform,
			Order:          4,
			InstructionKey: "04_art_generator",
			ModelRole:      "text",
			Next:           StageCopywriter,
		},
		{
			Name:           StageCopywriter,
			DisplayName:    "Copywriter",
			Kind:           StageTransform,
			Order:          5,
			InstructionKey: "05_copywriter",
			ModelRole:      "text",
			Next:           StageQualityReviewer,
		},
		{
			Name:           StageQualityReviewer,
			DisplayName:    "QualityReviewer",
			Kind:           StageGate,
			Order:          6,
			InstructionKey: "06_quality_reviewer",
			ModelRole:      "text",
			ApproveNext:    StageImageCreator,
			ReviseNext:     StageCreativeDirector,
		},
		{
			Name:           StageImageCreator,
			DisplayName:    "ImageCreator",
			Kind:           StageArtifact,
			Order:          7,
			InstructionKey: "07_image_creator",
			ModelRole:      "image",
		},
	}

	if maxReviewCycles > 1 {
		p.EdgeLimits = []EdgeLimit{
			{From: StageQualityReviewer, To: StageCreativeDirector, MaxCount: maxReviewCycles - 1},
		}
	}
	return p
}
