package matcher

import (
	"context"
	"log/slog"
	"math"
	"strings"

	"github.com/agenthands/cardforge/internal/core/common"
	"github.com/agenthands/cardforge/internal/core/model"
	"github.com/agenthands/cardforge/internal/llm"
)

// Scorer rates how well each card answers a requirement. Scores are in
// [0,1] and line up with cards.
type Scorer interface {
	Name() string
	Score(ctx context.Context, req *model.RFPRequirement, cards []*model.KnowledgeCard) ([]float64, error)
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "do": true, "does": true, "for": true, "from": true,
	"has": true, "have": true, "how": true, "in": true, "is": true, "it": true,
	"its": true, "must": true, "of": true, "on": true, "or": true, "our": true,
	"provide": true, "shall": true, "should": true, "that": true, "the": true,
	"their": true, "this": true, "to": true, "vendor": true, "we": true,
	"what": true, "which": true, "will": true, "with": true, "you": true, "your": true,
}

func contentTokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range common.Tokens(s) {
		if !stopwords[t] {
			out[t] = true
		}
	}
	return out
}

// cardText is what a requirement is matched against: topic, description,
// fact keys and values, and tags.
func cardText(c *model.KnowledgeCard) string {
	var b strings.Builder
	b.WriteString(c.Topic)
	b.WriteByte(' ')
	b.WriteString(c.Description)
	for k, v := range c.Facts {
		b.WriteByte(' ')
		b.WriteString(strings.ReplaceAll(k, "_", " "))
		b.WriteByte(' ')
		b.WriteString(v)
	}
	for _, t := range c.Tags {
		b.WriteByte(' ')
		b.WriteString(t)
	}
	return b.String()
}

const DefaultTagBonus = 0.1

// LexicalScorer scores the share of requirement words found in the card,
// plus a bonus for every card tag the requirement mentions.
type LexicalScorer struct {
	TagBonus float64
}

func (LexicalScorer) Name() string { return "lexical" }

func (s LexicalScorer) Score(ctx context.Context, req *model.RFPRequirement, cards []*model.KnowledgeCard) ([]float64, error) {
	want := contentTokens(req.RequirementText)
	out := make([]float64, len(cards))
	if len(want) == 0 {
		return out, nil
	}
	for i, c := range cards {
		have := contentTokens(cardText(c))
		hit := 0
		for t := range want {
			if have[t] {
				hit++
			}
		}
		score := float64(hit) / float64(len(want))
		for _, tag := range c.Tags {
			for _, t := range common.Tokens(tag) {
				if want[t] {
					score += s.TagBonus
					break
				}
			}
		}
		out[i] = math.Min(1, score)
	}
	return out, nil
}

// EmbeddingScorer scores by cosine similarity of embeddings. Any embedding
// error falls back to Fallback for the whole batch.
type EmbeddingScorer struct {
	Embedder llm.EmbedderClient
	Fallback Scorer
	Log      *slog.Logger
}

func NewEmbeddingScorer(e llm.EmbedderClient, log *slog.Logger) *EmbeddingScorer {
	if log == nil {
		log = slog.Default()
	}
	return &EmbeddingScorer{Embedder: e, Fallback: LexicalScorer{TagBonus: DefaultTagBonus}, Log: log}
}

func (*EmbeddingScorer) Name() string { return "embedding" }

func (s *EmbeddingScorer) Score(ctx context.Context, req *model.RFPRequirement, cards []*model.KnowledgeCard) ([]float64, error) {
	out, err := s.embedScores(ctx, req, cards)
	if err == nil {
		return out, nil
	}
	s.Log.Warn("embedding scoring failed, using fallback", "requirement_id", req.ID, "error", err)
	return s.Fallback.Score(ctx, req, cards)
}

func (s *EmbeddingScorer) embedScores(ctx context.Context, req *model.RFPRequirement, cards []*model.KnowledgeCard) ([]float64, error) {
	texts := make([]string, 0, len(cards)+1)
	texts = append(texts, req.RequirementText)
	for _, c := range cards {
		text := cardText(c)
		if v := c.PrimaryVariant(); v != nil {
			text += " " + v.Content
		}
		texts = append(texts, text)
	}
	vecs, err := llm.EmbedAll(ctx, s.Embedder, texts)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(cards))
	for i := range cards {
		out[i] = math.Max(0, cosine(vecs[0], vecs[i+1]))
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
