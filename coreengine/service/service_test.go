package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/FranGenoa/HeadlineArt/commbus"
	"github.com/FranGenoa/HeadlineArt/coreengine/config"
	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
	"github.com/FranGenoa/HeadlineArt/coreengine/storage"
	"github.com/FranGenoa/HeadlineArt/coreengine/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	s, err := config.LoadSettings("")
	require.NoError(t, err)
	dir := t.TempDir()
	s.Pipeline.SpecsDir = filepath.Join(dir, "specs")
	s.Pipeline.OutputDir = filepath.Join(dir, "images")
	s.Storage.DBPath = filepath.Join(dir, "data", "runs.db")
	return s
}

func newTestService(t *testing.T, s *config.Settings, f *testutil.Fixture) *Service {
	t.Helper()
	svc, err := New(s, f.Logger,
		WithTextCapability(f.Text),
		WithImageCapability(f.Image),
		WithArtifactStore(f.Store),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// =============================================================================
// ASSEMBLY TESTS
// =============================================================================

func TestNewRunsPipelineAndRecordsHistory(t *testing.T) {
	f := testutil.NewFixture(3)
	svc := newTestService(t, testSettings(t), f)
	require.True(t, svc.HistoryEnabled())

	run, err := svc.Runner.Run(context.Background(), "today's news")
	require.NoError(t, err)
	require.NotNil(t, run.Output)
	assert.True(t, run.Output.ImageGenerated)

	rec, err := svc.Bus.QuerySync(context.Background(), &commbus.GetRun{RunID: run.RunID})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSuccess, rec.(*storage.RunRecord).Status)

	events, err := svc.Bus.QuerySync(context.Background(), &commbus.ListRunEvents{RunID: run.RunID})
	require.NoError(t, err)
	assert.Len(t, events.([]envelope.StageEvent), 8)
}

func TestNewWithoutHistory(t *testing.T) {
	s := testSettings(t)
	s.Storage.DBPath = ""
	svc := newTestService(t, s, testutil.NewFixture(3))

	assert.False(t, svc.HistoryEnabled())
	_, err := svc.Bus.QuerySync(context.Background(), &commbus.GetRun{RunID: "run_x"})
	var noHandler *commbus.NoHandlerError
	assert.ErrorAs(t, err, &noHandler)
}

func TestNewLoadsInstructions(t *testing.T) {
	s := testSettings(t)
	require.NoError(t, os.MkdirAll(s.Pipeline.SpecsDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(s.Pipeline.SpecsDir, "01_news_scout.md"),
		[]byte("---\ntitle: Scout\n---\nFind the three biggest stories."),
		0o644,
	))

	f := testutil.NewFixture(3)
	svc := newTestService(t, s, f)
	_, err := svc.Runner.Run(context.Background(), "go")
	require.NoError(t, err)

	require.NotEmpty(t, f.Text.Calls)
	assert.Equal(t, config.StageNewsScout, f.Text.Calls[0].Stage)
	assert.Equal(t, "Find the three biggest stories.", f.Text.Calls[0].Instructions)
}

func TestNewRejectsBadSettings(t *testing.T) {
	s := testSettings(t)
	s.Pipeline.VerdictMode = "fuzzy"
	_, err := New(s, testutil.NewMockLogger(),
		WithTextCapability(testutil.NewMockTextCapability()),
		WithImageCapability(testutil.NewMockImageCapability()),
	)
	assert.ErrorContains(t, err, "unknown verdict mode")
}

func TestCancelRunCommandReachesRunner(t *testing.T) {
	f := testutil.NewFixture(3)
	svc := newTestService(t, testSettings(t), f)

	// Unknown runs are ignored; the command has a handler so Send succeeds.
	require.NoError(t, svc.Bus.Send(context.Background(), &commbus.CancelRun{RunID: "run_missing"}))
	assert.Equal(t, 0, svc.Runner.ActiveRuns())
}

func TestCloseIsIdempotent(t *testing.T) {
	svc := newTestService(t, testSettings(t), testutil.NewFixture(3))
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
	assert.False(t, svc.HistoryEnabled())
}
