package eval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezhong0/aiassistant-sub012/orchestration"
)

func TestGradeUnderstanding(t *testing.T) {
	answered := &orchestration.Envelope{
		Answer:    "Here are the 2 most urgent emails:",
		Citations: []orchestration.Citation{{NodeID: "n2", ItemID: "m1"}},
	}
	clarified := &orchestration.Envelope{
		Answer: "I need a bit more information before I can answer. Did you mean David Kim or David Li?",
	}

	assert.Equal(t, 1.0, gradeUnderstanding(Case{ExpectedItems: []string{"m1"}}, answered))
	assert.Equal(t, 0.0, gradeUnderstanding(Case{ExpectClarification: true}, answered))
	assert.Equal(t, 1.0, gradeUnderstanding(Case{ExpectClarification: true}, clarified))
	assert.Equal(t, 0.0, gradeUnderstanding(Case{ExpectedItems: []string{"m1"}}, clarified))

	empty := &orchestration.Envelope{Answer: "I didn't find anything matching that."}
	assert.Equal(t, 0.0, gradeUnderstanding(Case{ExpectedItems: []string{"m1"}}, empty),
		"expected items with no citations means the query was misunderstood")
}

func TestGradeRetrieval(t *testing.T) {
	envelope := &orchestration.Envelope{Citations: []orchestration.Citation{
		{NodeID: "n2", ItemID: "m1"},
		{NodeID: "n2", ItemID: "m2"},
	}}

	assert.Equal(t, 1.0, gradeRetrieval(Case{ExpectedItems: []string{"m1", "m2"}}, envelope))
	assert.Equal(t, 0.5, gradeRetrieval(Case{ExpectedItems: []string{"m1", "m9"}}, envelope))
	assert.Equal(t, 0.0, gradeRetrieval(Case{ExpectedItems: []string{"m8", "m9"}}, envelope))
	assert.Equal(t, 1.0, gradeRetrieval(Case{}, envelope), "unlabeled cases do not penalize")

	// Forbidden hits cost half each
	assert.Equal(t, 0.5, gradeRetrieval(Case{
		ExpectedItems:  []string{"m1"},
		ForbiddenItems: []string{"m2"},
	}, envelope))
}

func TestGradeRanking(t *testing.T) {
	ordered := &orchestration.Envelope{Citations: []orchestration.Citation{
		{ItemID: "m1"}, {ItemID: "m2"}, {ItemID: "m3"},
	}}
	reversed := &orchestration.Envelope{Citations: []orchestration.Citation{
		{ItemID: "m3"}, {ItemID: "m2"}, {ItemID: "m1"},
	}}

	want := []string{"m1", "m2", "m3"}
	assert.Equal(t, 1.0, gradeRanking(Case{ExpectedItems: want}, ordered))
	assert.Equal(t, 0.0, gradeRanking(Case{ExpectedItems: want}, reversed))
	assert.Equal(t, 1.0, gradeRanking(Case{ExpectedItems: []string{"m1"}}, reversed),
		"a single expected item has no ordering to grade")

	// One inverted pair out of three
	partial := &orchestration.Envelope{Citations: []orchestration.Citation{
		{ItemID: "m1"}, {ItemID: "m3"}, {ItemID: "m2"},
	}}
	assert.InDelta(t, 2.0/3.0, gradeRanking(Case{ExpectedItems: want}, partial), 1e-9)
}

func TestGradePresentation(t *testing.T) {
	envelope := &orchestration.Envelope{
		Answer:    "Here are the 2 most urgent emails: Term sheet",
		Citations: []orchestration.Citation{{NodeID: "n2", ItemID: "m1"}},
	}

	assert.Equal(t, 1.0, gradePresentation(Case{ExpectedPhrases: []string{"urgent", "term sheet"}}, envelope))
	assert.Equal(t, 0.5, gradePresentation(Case{ExpectedPhrases: []string{"urgent", "missing phrase"}}, envelope))
	assert.Equal(t, 0.0, gradePresentation(Case{}, &orchestration.Envelope{Answer: "   "}))

	ungrounded := &orchestration.Envelope{
		Answer:    "answer",
		Citations: []orchestration.Citation{{NodeID: "", ItemID: ""}},
	}
	assert.Equal(t, 0.75, gradePresentation(Case{}, ungrounded))
}

func TestRunFullModeOverSyntheticCorpus(t *testing.T) {
	evaluator := New(NewSyntheticPipeline())

	report, err := evaluator.Run(context.Background(), ModeFull, Corpus())
	require.NoError(t, err)
	require.Len(t, report.Cases, 4)

	for _, result := range report.Cases {
		assert.Empty(t, result.Err, result.CaseID)
		assert.False(t, result.FromCache, result.CaseID)
		assert.Equal(t, 1.0, result.Scores.Understanding, result.CaseID)
		assert.Equal(t, 1.0, result.Scores.Retrieval, result.CaseID)
		assert.Equal(t, 1.0, result.Scores.Ranking, result.CaseID)
	}
	assert.Greater(t, report.Overall, 0.9)
}

func TestRunIsDeterministic(t *testing.T) {
	evaluator := New(NewSyntheticPipeline())
	ctx := context.Background()

	first, err := evaluator.Run(ctx, ModeFull, Corpus())
	require.NoError(t, err)
	second, err := evaluator.Run(ctx, ModeFull, Corpus())
	require.NoError(t, err)

	assert.Equal(t, first.Mean, second.Mean)
	for i := range first.Cases {
		assert.Equal(t, first.Cases[i].Answer, second.Cases[i].Answer)
		assert.Equal(t, first.Cases[i].Scores, second.Cases[i].Scores)
	}
}

// countingProcessor tracks live pipeline invocations for cache-mode tests
type countingProcessor struct {
	inner Processor
	calls int
}

func (p *countingProcessor) Process(ctx context.Context, req *orchestration.Request) (*orchestration.Envelope, error) {
	p.calls++
	return p.inner.Process(ctx, req)
}

func TestCachedModeReusesEnvelopes(t *testing.T) {
	counting := &countingProcessor{inner: NewSyntheticPipeline()}
	cache := orchestration.NewMemoryCache()
	evaluator := New(counting, WithCache(cache))
	ctx := context.Background()

	full, err := evaluator.Run(ctx, ModeFull, Corpus())
	require.NoError(t, err)
	liveCalls := counting.calls
	require.Equal(t, 4, liveCalls)

	cached, err := evaluator.Run(ctx, ModeCached, Corpus())
	require.NoError(t, err)
	assert.Equal(t, liveCalls, counting.calls, "cached mode must not re-run the pipeline")
	assert.Equal(t, full.Mean, cached.Mean, "grades are identical either way")
	for _, result := range cached.Cases {
		assert.True(t, result.FromCache, result.CaseID)
	}
}

func TestCachedModeFallsBackOnMiss(t *testing.T) {
	counting := &countingProcessor{inner: NewSyntheticPipeline()}
	evaluator := New(counting)

	report, err := evaluator.Run(context.Background(), ModeCached, Corpus()[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, counting.calls, "a cold cache falls back to a live run")
	assert.False(t, report.Cases[0].FromCache)
}

func TestRunRejectsEmptyCorpus(t *testing.T) {
	evaluator := New(NewSyntheticPipeline())
	_, err := evaluator.Run(context.Background(), ModeFull, nil)
	assert.Error(t, err)
}

// failingProcessor simulates a pipeline outage; the case records the error
type failingProcessor struct{}

func (failingProcessor) Process(ctx context.Context, req *orchestration.Request) (*orchestration.Envelope, error) {
	return nil, errors.New("pipeline down")
}

func TestRunRecordsCaseErrors(t *testing.T) {
	evaluator := New(failingProcessor{})
	report, err := evaluator.Run(context.Background(), ModeFull, Corpus()[:1])
	require.NoError(t, err)
	require.Len(t, report.Cases, 1)
	assert.Contains(t, report.Cases[0].Err, "pipeline down")
	assert.Zero(t, report.Cases[0].Scores.Overall())
}
