package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/KrishnaShettyDev/cortex/internal/model"
	"github.com/KrishnaShettyDev/cortex/internal/registry/vector"
)

// staticFactMarkers signal stable attributes of the speaker. Anything else
// that reads like a first-person statement is treated as a dynamic fact.
var staticFactMarkers = []string{
	"my name is", "i am a", "i am an", "i'm a", "i'm an",
	"i work", "i live", "i was born", "my job", "my birthday",
}

var dynamicFactMarkers = []string{
	"i like", "i love", "i hate", "i prefer", "i enjoy",
	"i feel", "i am ", "i'm ", "my favorite", "i want",
}

func (e *Executor) stageExtracting(_ context.Context, st *stageState) error {
	now := time.Now()
	for _, sentence := range splitSentences(st.memory.Content) {
		lower := strings.ToLower(sentence)
		kind, ok := classifyFact(lower)
		if !ok {
			continue
		}
		st.facts = append(st.facts, model.Fact{
			ID:           uuid.New(),
			OwnerID:      st.ownerID,
			ContainerTag: st.container,
			Kind:         kind,
			Content:      sentence,
			MemoryID:     st.memory.ID,
			CreatedAt:    now,
		})
	}
	return nil
}

func classifyFact(sentence string) (model.FactKind, bool) {
	for _, m := range staticFactMarkers {
		if strings.Contains(sentence, m) {
			return model.FactStatic, true
		}
	}
	for _, m := range dynamicFactMarkers {
		if strings.Contains(sentence, m) {
			return model.FactDynamic, true
		}
	}
	return "", false
}

func (e *Executor) stageChunking(_ context.Context, st *stageState) error {
	pieces := splitChunks(st.memory.Content, e.cfg.ChunkMaxSize, e.cfg.ChunkOverlap)
	if len(pieces) == 0 {
		return fmt.Errorf("memory %s has no chunkable content", st.memory.ID)
	}
	now := time.Now()
	st.chunks = make([]model.Chunk, len(pieces))
	for i, piece := range pieces {
		st.chunks[i] = model.Chunk{
			ID:        uuid.New(),
			MemoryID:  st.memory.ID,
			Seq:       i,
			Content:   piece,
			CreatedAt: now,
		}
	}
	return nil
}

func (e *Executor) stageEmbedding(ctx context.Context, st *stageState) error {
	texts := make([]string, len(st.chunks))
	for i, c := range st.chunks {
		texts[i] = c.Content
	}
	embeddings, err := e.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding %d chunks: %w", len(texts), err)
	}
	if len(embeddings) != len(st.chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(embeddings), len(st.chunks))
	}
	st.embeddings = embeddings
	return nil
}

// stageIndexing replaces the memory's chunks and vectors. Replacement rather
// than append keeps redelivered attempts from stacking duplicates.
func (e *Executor) stageIndexing(ctx context.Context, st *stageState) error {
	if err := e.store.DeleteChunksByMemoryID(ctx, st.memory.ID); err != nil {
		return fmt.Errorf("clearing old chunks: %w", err)
	}
	if err := e.store.SaveChunks(ctx, st.chunks); err != nil {
		return fmt.Errorf("saving chunks: %w", err)
	}
	if e.vector == nil || !e.vector.IsEnabled() {
		return nil
	}
	if err := e.vector.DeleteByMemoryID(ctx, st.memory.ID); err != nil {
		return fmt.Errorf("clearing old vectors: %w", err)
	}
	items := make([]vector.UpsertItem, len(st.chunks))
	for i, c := range st.chunks {
		items[i] = vector.UpsertItem{
			ChunkID:      c.ID,
			MemoryID:     st.memory.ID,
			OwnerID:      st.ownerID,
			ContainerTag: st.container,
			Embedding:    st.embeddings[i],
			ModelName:    e.embedder.ModelName(),
		}
	}
	if err := e.vector.Upsert(ctx, items); err != nil {
		return fmt.Errorf("indexing vectors: %w", err)
	}
	return nil
}

var isoDatePattern = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)

func (e *Executor) stageTemporal(_ context.Context, st *stageState) error {
	eventAt := extractEventTime(st.memory.Content, st.memory.CreatedAt)
	st.memory.EventAt = eventAt
	return nil
}

// extractEventTime resolves relative day references and explicit ISO dates
// against the memory's creation time. Returns nil when the content carries no
// temporal signal.
func extractEventTime(content string, ref time.Time) *time.Time {
	if m := isoDatePattern.FindString(content); m != "" {
		if t, err := time.ParseInLocation("2006-01-02", m, ref.Location()); err == nil {
			return &t
		}
	}

	lower := strings.ToLower(content)
	day := func(offset int) *time.Time {
		t := ref.AddDate(0, 0, offset)
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		return &t
	}
	switch {
	case strings.Contains(lower, "yesterday"):
		return day(-1)
	case strings.Contains(lower, "tomorrow"):
		return day(1)
	case strings.Contains(lower, "today"), strings.Contains(lower, "tonight"):
		return day(0)
	case strings.Contains(lower, "next week"):
		return day(7)
	case strings.Contains(lower, "last week"):
		return day(-7)
	}
	return nil
}

// entityStopwords are capitalized tokens that are not entities.
var entityStopwords = map[string]bool{
	"I": true, "The": true, "A": true, "An": true, "My": true,
	"We": true, "He": true, "She": true, "They": true, "It": true,
	"This": true, "That": true, "But": true, "And": true, "Or": true,
	"Today": true, "Tomorrow": true, "Yesterday": true,
}

func (e *Executor) stageEntities(_ context.Context, st *stageState) error {
	st.memory.Entities = extractEntities(st.memory.Content)
	return nil
}

// extractEntities collects capitalized multi-word runs that are not sentence
// openers or stopwords. A crude stand-in for a model-backed extractor, but
// deterministic and dependency-free.
func extractEntities(content string) []string {
	var entities []string
	seen := map[string]bool{}

	for _, sentence := range splitSentences(content) {
		words := strings.Fields(sentence)
		var run []string
		flush := func() {
			if len(run) > 0 {
				entity := strings.Join(run, " ")
				if !seen[entity] {
					seen[entity] = true
					entities = append(entities, entity)
				}
				run = nil
			}
		}
		for i, w := range words {
			w = strings.Trim(w, ".,!?;:\"'()")
			if w == "" {
				flush()
				continue
			}
			first := rune(w[0])
			capitalized := unicode.IsUpper(first) && !entityStopwords[w]
			// the first word of a sentence is only an entity when it
			// continues into a capitalized run
			if capitalized && (i > 0 || (i+1 < len(words) && startsUpper(words[i+1]))) {
				run = append(run, w)
			} else {
				flush()
			}
		}
		flush()
	}
	return entities
}

func startsUpper(w string) bool {
	w = strings.Trim(w, ".,!?;:\"'()")
	return w != "" && unicode.IsUpper(rune(w[0]))
}

func (e *Executor) stageImportance(_ context.Context, st *stageState) error {
	st.memory.Importance = scoreImportance(st)
	return nil
}

// scoreImportance assigns a 0..1 salience score from structural signals:
// extracted facts and entities raise it, longer content raises it slightly.
func scoreImportance(st *stageState) float64 {
	score := 0.3
	if len(st.facts) > 0 {
		score += 0.2
	}
	for _, f := range st.facts {
		if f.Kind == model.FactStatic {
			score += 0.1
			break
		}
	}
	if len(st.memory.Entities) > 0 {
		score += 0.1
	}
	if len(st.memory.Content) > 200 {
		score += 0.1
	}
	if st.memory.EventAt != nil {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

var commitmentMarkers = []string{
	"i will ", "i'll ", "i need to ", "i have to ", "i must ",
	"i promised ", "remind me to ", "i plan to ",
}

func (e *Executor) stageCommitments(_ context.Context, st *stageState) error {
	now := time.Now()
	for _, sentence := range splitSentences(st.memory.Content) {
		lower := strings.ToLower(sentence)
		matched := false
		for _, m := range commitmentMarkers {
			if strings.Contains(lower, m) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		st.commitments = append(st.commitments, model.Commitment{
			ID:        uuid.New(),
			OwnerID:   st.ownerID,
			MemoryID:  st.memory.ID,
			Content:   sentence,
			DueAt:     extractEventTime(sentence, st.memory.CreatedAt),
			CreatedAt: now,
		})
	}
	return nil
}
