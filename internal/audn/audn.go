// Package audn implements the four-way deduplication decision for new
// content: add, update, noop, or delete_and_add.
package audn

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/charmbracelet/log"

	"github.com/KrishnaShettyDev/cortex/internal/model"
	"github.com/KrishnaShettyDev/cortex/internal/observability"
	"github.com/KrishnaShettyDev/cortex/internal/registry/judge"
)

// Candidate is an existing head memory scored against the new content.
type Candidate struct {
	Memory     *model.Memory
	Similarity float64
}

// Decision is the outcome of one dedup evaluation.
type Decision struct {
	Action     model.AUDNAction
	Target     *model.Memory // set for update and delete_and_add
	Similarity float64       // similarity of the closest candidate, 0 when none
	Reason     string
	Degraded   bool // true when the judge was unavailable and we fell back to add
}

// exactDuplicateSimilarity is the cosine similarity above which content is
// treated as a restatement without consulting the judge.
const exactDuplicateSimilarity = 0.999

// Engine decides whether new content duplicates, extends, or contradicts an
// existing memory. Candidates below the similarity threshold never reach the
// judge.
type Engine struct {
	judge     judge.Judge
	threshold float64
	topK      int
}

func NewEngine(j judge.Judge, threshold float64, topK int) *Engine {
	return &Engine{judge: j, threshold: threshold, topK: topK}
}

// Decide evaluates the new content against the candidate set and returns
// exactly one action. Ties between equally similar candidates break
// deterministically: newest UpdatedAt first, then lowest id.
func (e *Engine) Decide(ctx context.Context, content string, candidates []Candidate) Decision {
	decision := e.decide(ctx, content, candidates)
	if observability.AUDNDecisionsTotal != nil {
		observability.AUDNDecisionsTotal.WithLabelValues(string(decision.Action)).Inc()
	}
	return decision
}

func (e *Engine) decide(ctx context.Context, content string, candidates []Candidate) Decision {
	ranked := e.rank(candidates)
	if len(ranked) == 0 {
		return Decision{
			Action: model.ActionAdd,
			Reason: "no existing memories to compare against",
		}
	}

	closest := ranked[0]
	if closest.Similarity < e.threshold {
		return Decision{
			Action:     model.ActionAdd,
			Similarity: closest.Similarity,
			Reason:     fmt.Sprintf("top similarity %.3f below threshold %.3f", closest.Similarity, e.threshold),
		}
	}

	// An exact duplicate needs no judgment call. This also keeps repeat
	// ingestion idempotent when no judge is configured.
	if closest.Similarity >= exactDuplicateSimilarity {
		return Decision{
			Action:     model.ActionNoop,
			Target:     closest.Memory,
			Similarity: closest.Similarity,
			Reason:     fmt.Sprintf("exact duplicate of existing memory, similarity %.3f", closest.Similarity),
		}
	}

	verdict, reason, err := e.judge.Classify(ctx, content, closest.Memory.Content)
	if err != nil {
		if !errors.Is(err, judge.ErrUnavailable) {
			log.Warn("Dedup judge failed, falling back to add", "error", err)
		}
		return Decision{
			Action:     model.ActionAdd,
			Similarity: closest.Similarity,
			Reason:     fmt.Sprintf("judge unavailable, added despite similarity %.3f", closest.Similarity),
			Degraded:   true,
		}
	}

	switch verdict {
	case judge.VerdictSame:
		return Decision{
			Action:     model.ActionNoop,
			Target:     closest.Memory,
			Similarity: closest.Similarity,
			Reason:     reason,
		}
	case judge.VerdictExtends:
		return Decision{
			Action:     model.ActionUpdate,
			Target:     closest.Memory,
			Similarity: closest.Similarity,
			Reason:     reason,
		}
	case judge.VerdictContradicts:
		return Decision{
			Action:     model.ActionDeleteAndAdd,
			Target:     closest.Memory,
			Similarity: closest.Similarity,
			Reason:     reason,
		}
	default:
		log.Warn("Dedup judge returned unknown verdict, falling back to add", "verdict", verdict)
		return Decision{
			Action:     model.ActionAdd,
			Similarity: closest.Similarity,
			Reason:     fmt.Sprintf("unknown verdict %q", verdict),
			Degraded:   true,
		}
	}
}

// rank sorts candidates best-first and truncates to topK.
func (e *Engine) rank(candidates []Candidate) []Candidate {
	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Similarity != ranked[j].Similarity {
			return ranked[i].Similarity > ranked[j].Similarity
		}
		if !ranked[i].Memory.UpdatedAt.Equal(ranked[j].Memory.UpdatedAt) {
			return ranked[i].Memory.UpdatedAt.After(ranked[j].Memory.UpdatedAt)
		}
		return ranked[i].Memory.ID.String() < ranked[j].Memory.ID.String()
	})
	if e.topK > 0 && len(ranked) > e.topK {
		ranked = ranked[:e.topK]
	}
	return ranked
}

// CosineSimilarity returns the cosine of the angle between two vectors, or 0
// when either is zero-length or zero-magnitude.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
