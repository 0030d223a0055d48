package conflict

import (
	"fmt"

	"github.com/agenthands/cardforge/internal/core/common"
	"github.com/agenthands/cardforge/internal/core/model"
)

// Similarity scores two strings in [0,1].
type Similarity interface {
	Name() string
	Score(a, b string) float64
}

// BigramDice is the Sørensen-Dice coefficient over character bigrams of the
// compacted strings. Separators are dropped first so "ISO 27001" and
// "ISO27001" share every bigram.
type BigramDice struct{}

func (BigramDice) Name() string { return "bigram_dice" }

func (BigramDice) Score(a, b string) float64 {
	ra, rb := []rune(common.Compact(a)), []rune(common.Compact(b))
	if len(ra) == 0 && len(rb) == 0 {
		return 1
	}
	if len(ra) < 2 || len(rb) < 2 {
		if string(ra) == string(rb) {
			return 1
		}
		return 0
	}
	counts := make(map[[2]rune]int, len(ra))
	for i := 0; i+1 < len(ra); i++ {
		counts[[2]rune{ra[i], ra[i+1]}]++
	}
	shared := 0
	for i := 0; i+1 < len(rb); i++ {
		k := [2]rune{rb[i], rb[i+1]}
		if counts[k] > 0 {
			counts[k]--
			shared++
		}
	}
	return float64(2*shared) / float64(len(ra)-1+len(rb)-1)
}

// TokenJaccard is the Jaccard index of the normalized word sets.
type TokenJaccard struct{}

func (TokenJaccard) Name() string { return "token_jaccard" }

func (TokenJaccard) Score(a, b string) float64 {
	sa, sb := tokenSet(a), tokenSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	inter := 0
	for t := range sa {
		if sb[t] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range common.Tokens(s) {
		out[t] = true
	}
	return out
}

// SimilarityByName resolves the configured similarity strategy.
func SimilarityByName(name string) (Similarity, error) {
	switch name {
	case "", "bigram_dice":
		return BigramDice{}, nil
	case "token_jaccard":
		return TokenJaccard{}, nil
	default:
		return nil, fmt.Errorf("unknown similarity %q", name)
	}
}

// FactAgreement is the share of agreeing key/value pairs relative to the
// smaller fact set. It is zero when the sets share nothing.
func FactAgreement(a, b map[string]string) float64 {
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	if len(small) == 0 {
		return 0
	}
	agree := 0
	for k, v := range small {
		if w, ok := large[k]; ok && common.FactValuesEqual(v, w) {
			agree++
		}
	}
	return float64(agree) / float64(len(small))
}

// PairScore is how alike two cards are.
type PairScore struct {
	Topic   float64
	Facts   float64
	Content float64
	Score   float64
}

const (
	topicWeight = 0.6
	factWeight  = 0.4
)

// ScoreCards blends topic similarity with fact agreement when both cards
// carry facts, and takes the larger of that and the similarity of the
// cards' primary variant contents.
func ScoreCards(sim Similarity, a, b *model.KnowledgeCard) PairScore {
	ps := PairScore{Topic: sim.Score(a.Topic, b.Topic)}
	blended := ps.Topic
	if len(a.Facts) > 0 && len(b.Facts) > 0 {
		ps.Facts = FactAgreement(a.Facts, b.Facts)
		blended = topicWeight*ps.Topic + factWeight*ps.Facts
	}
	if va, vb := a.PrimaryVariant(), b.PrimaryVariant(); va != nil && vb != nil {
		ps.Content = sim.Score(va.Content, vb.Content)
	}
	ps.Score = blended
	if ps.Content > ps.Score {
		ps.Score = ps.Content
	}
	return ps
}
