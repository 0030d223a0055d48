package registry

import (
	"fmt"
	"math"

	"github.com/agenthands/cardforge/internal/core/model"
)

// ConfidenceAggregator derives a card's overall confidence from its anchors.
// current reports whether an anchor belongs to the latest revision of a live
// document.
type ConfidenceAggregator interface {
	Name() string
	Aggregate(anchors []model.SourceAnchor, current func(model.SourceAnchor) bool) float64
}

// WeightedMean averages the anchors of current document revisions. Anchors
// that carry fail reasons count half. When no anchor is current every anchor
// is used, so a card never drops to zero just because its sources aged.
type WeightedMean struct{}

func (WeightedMean) Name() string { return "weighted_mean" }

func (WeightedMean) Aggregate(anchors []model.SourceAnchor, current func(model.SourceAnchor) bool) float64 {
	use := selectCurrent(anchors, current)
	var sum, weight float64
	for _, a := range use {
		w := 1.0
		if len(a.FailReasons) > 0 {
			w = 0.5
		}
		sum += a.AnchorConfidence * w
		weight += w
	}
	if weight == 0 {
		return 0
	}
	return round4(sum / weight)
}

// Minimum takes the weakest current anchor.
type Minimum struct{}

func (Minimum) Name() string { return "minimum" }

func (Minimum) Aggregate(anchors []model.SourceAnchor, current func(model.SourceAnchor) bool) float64 {
	use := selectCurrent(anchors, current)
	if len(use) == 0 {
		return 0
	}
	m := 1.0
	for _, a := range use {
		m = math.Min(m, a.AnchorConfidence)
	}
	return round4(m)
}

// AggregatorByName resolves the configured aggregation strategy.
func AggregatorByName(name string) (ConfidenceAggregator, error) {
	switch name {
	case "", "weighted_mean":
		return WeightedMean{}, nil
	case "minimum":
		return Minimum{}, nil
	default:
		return nil, fmt.Errorf("unknown confidence aggregation %q", name)
	}
}

func selectCurrent(anchors []model.SourceAnchor, current func(model.SourceAnchor) bool) []model.SourceAnchor {
	if current == nil {
		return anchors
	}
	var out []model.SourceAnchor
	for _, a := range anchors {
		if current(a) {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return anchors
	}
	return out
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
