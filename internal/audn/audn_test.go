package audn

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/KrishnaShettyDev/cortex/internal/model"
	"github.com/KrishnaShettyDev/cortex/internal/registry/judge"
)

type fakeJudge struct {
	verdict judge.Verdict
	reason  string
	err     error
	calls   int
}

func (j *fakeJudge) Classify(_ context.Context, _, _ string) (judge.Verdict, string, error) {
	j.calls++
	return j.verdict, j.reason, j.err
}

func (j *fakeJudge) Name() string { return "fake" }

func memoryWith(updatedAt time.Time) *model.Memory {
	return &model.Memory{ID: uuid.New(), Content: "existing", UpdatedAt: updatedAt}
}

func TestDecideNoCandidates(t *testing.T) {
	j := &fakeJudge{}
	e := NewEngine(j, 0.85, 5)

	d := e.Decide(context.Background(), "new content", nil)
	require.Equal(t, model.ActionAdd, d.Action)
	require.Nil(t, d.Target)
	require.Zero(t, j.calls)
}

func TestDecideBelowThresholdSkipsJudge(t *testing.T) {
	j := &fakeJudge{verdict: judge.VerdictSame}
	e := NewEngine(j, 0.85, 5)

	d := e.Decide(context.Background(), "new content", []Candidate{
		{Memory: memoryWith(time.Now()), Similarity: 0.5},
	})
	require.Equal(t, model.ActionAdd, d.Action)
	require.Contains(t, d.Reason, "below threshold")
	require.Zero(t, j.calls)
}

func TestDecideVerdictMapping(t *testing.T) {
	cases := []struct {
		verdict judge.Verdict
		action  model.AUDNAction
	}{
		{judge.VerdictSame, model.ActionNoop},
		{judge.VerdictExtends, model.ActionUpdate},
		{judge.VerdictContradicts, model.ActionDeleteAndAdd},
	}
	for _, tc := range cases {
		t.Run(string(tc.verdict), func(t *testing.T) {
			target := memoryWith(time.Now())
			e := NewEngine(&fakeJudge{verdict: tc.verdict, reason: "because"}, 0.85, 5)

			d := e.Decide(context.Background(), "new content", []Candidate{
				{Memory: target, Similarity: 0.95},
			})
			require.Equal(t, tc.action, d.Action)
			require.Equal(t, target, d.Target)
			require.Equal(t, "because", d.Reason)
			require.False(t, d.Degraded)
		})
	}
}

func TestDecideExactDuplicateSkipsJudge(t *testing.T) {
	j := &fakeJudge{err: judge.ErrUnavailable}
	e := NewEngine(j, 0.85, 5)
	target := memoryWith(time.Now())

	d := e.Decide(context.Background(), "existing", []Candidate{
		{Memory: target, Similarity: 1.0},
	})
	require.Equal(t, model.ActionNoop, d.Action)
	require.Equal(t, target, d.Target)
	require.False(t, d.Degraded)
	require.Zero(t, j.calls)
}

func TestDecideJudgeUnavailableFallsBackToAdd(t *testing.T) {
	e := NewEngine(&fakeJudge{err: judge.ErrUnavailable}, 0.85, 5)

	d := e.Decide(context.Background(), "new content", []Candidate{
		{Memory: memoryWith(time.Now()), Similarity: 0.95},
	})
	require.Equal(t, model.ActionAdd, d.Action)
	require.True(t, d.Degraded)
}

func TestDecidePicksMostSimilarCandidate(t *testing.T) {
	best := memoryWith(time.Now())
	e := NewEngine(&fakeJudge{verdict: judge.VerdictSame}, 0.85, 5)

	d := e.Decide(context.Background(), "new content", []Candidate{
		{Memory: memoryWith(time.Now()), Similarity: 0.88},
		{Memory: best, Similarity: 0.97},
		{Memory: memoryWith(time.Now()), Similarity: 0.9},
	})
	require.Equal(t, best, d.Target)
	require.InDelta(t, 0.97, d.Similarity, 1e-9)
}

func TestDecideTieBreaksOnNewestThenID(t *testing.T) {
	now := time.Now()
	older := memoryWith(now.Add(-time.Hour))
	newer := memoryWith(now)
	e := NewEngine(&fakeJudge{verdict: judge.VerdictExtends}, 0.85, 5)

	d := e.Decide(context.Background(), "new content", []Candidate{
		{Memory: older, Similarity: 0.9},
		{Memory: newer, Similarity: 0.9},
	})
	require.Equal(t, newer, d.Target)

	a := &model.Memory{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), UpdatedAt: now}
	b := &model.Memory{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), UpdatedAt: now}
	d = e.Decide(context.Background(), "new content", []Candidate{
		{Memory: b, Similarity: 0.9},
		{Memory: a, Similarity: 0.9},
	})
	require.Equal(t, a, d.Target)
}

func TestCosineSimilarity(t *testing.T) {
	require.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-9)
	require.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	require.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	require.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 2}))
	require.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 2}))
}
