package storage

import (
	"encoding/json"
	"testing"

	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// SUMMARY TESTS
// =============================================================================

func completedRun() *envelope.Run {
	run := envelope.NewRun("go", 3)
	run.IncrementReviewCycle()
	run.IncrementReviewCycle()
	run.SetOutput(envelope.TerminalOutput{
		ImageLocation:  "generated_images/quadro_20260204_103005.png",
		ImageGenerated: true,
		Prompt:         "abstract tides",
		Summary:        "Approved.",
	})
	return run
}

func TestSummaryFromLiveState(t *testing.T) {
	run := completedRun()
	rec := &RunRecord{RunID: run.RunID, Status: StatusSuccess, State: run.ToStateDict()}

	s := rec.Summary()
	assert.Equal(t, run.RunID, s.RunID)
	assert.Equal(t, StatusSuccess, s.Status)
	assert.Equal(t, 2, s.ReviewCycles)
	assert.Equal(t, "generated_images/quadro_20260204_103005.png", s.ImageLocation)
	assert.True(t, s.ImageGenerated)
	assert.Contains(t, s.OutputText, envelope.FinalPackageHeader)
}

func TestSummaryFromDecodedState(t *testing.T) {
	run := completedRun()
	raw, err := json.Marshal(run.ToStateDict())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	rec := &RunRecord{RunID: run.RunID, Status: StatusSuccess, State: decoded}

	s := rec.Summary()
	assert.Equal(t, 2, s.ReviewCycles)
	assert.Equal(t, "generated_images/quadro_20260204_103005.png", s.ImageLocation)
	assert.True(t, s.ImageGenerated)
	assert.Contains(t, s.OutputText, envelope.FinalPackageHeader)
}

func TestSummaryToleratesMissingAndMistypedFields(t *testing.T) {
	rec := &RunRecord{
		RunID:  "run_1",
		Status: StatusError,
		Error:  "stage creative_director failed",
		State: map[string]any{
			"review_cycle": "two",
			"visits":       []any{"news_scout", 7},
			"output":       "not a map",
		},
	}

	s := rec.Summary()
	assert.Equal(t, 0, s.ReviewCycles)
	assert.Nil(t, s.Visits)
	assert.Empty(t, s.ImageLocation)
	assert.False(t, s.ImageGenerated)
	assert.Equal(t, "stage creative_director failed", s.Error)
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"output.image_location", []string{"output", "image_location"}},
		{"a..b.", []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, splitPath(tt.path))
		})
	}
}
