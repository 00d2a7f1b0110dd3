package viewgraph

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/parallax-data/sfm/internal/config"
	"github.com/parallax-data/sfm/internal/sfm"
)

// Estimator filters candidate two-view edges by rotation cycle consistency.
type Estimator struct {
	aggregation    string
	maxCycleErrDeg float64
	orphanPolicy   string
}

// NewEstimator builds the filter from configuration.
func NewEstimator(cfg *config.PipelineConfig) *Estimator {
	return &Estimator{
		aggregation:    cfg.GetEdgeErrorAggregationCriterion(),
		maxCycleErrDeg: cfg.GetMaxCycleErrorDeg(),
		orphanPolicy:   cfg.GetCycleOrphanPolicy(),
	}
}

// FilterResult reports the outcome of cycle filtering.
type FilterResult struct {
	Graph         *Graph
	EdgesIn       int
	EdgesKept     int
	EdgesDropped  int
	OrphanEdges   int // edges with no triplet support, handled by policy
	EdgeErrorsDeg map[sfm.PairKey]float64
}

// Filter aggregates each edge's cycle residuals over every triplet it
// participates in and drops edges whose aggregate exceeds the threshold.
//
// Edges with no triplet support cannot be cross-checked; the configured
// orphan policy decides their fate explicitly (default: drop). Dropping is
// the conservative choice — an uncheckable edge that is wrong would corrupt
// averaging unopposed.
func (e *Estimator) Filter(candidates []*sfm.TwoViewGeometry) (FilterResult, error) {
	g, err := NewGraph(candidates)
	if err != nil {
		return FilterResult{}, fmt.Errorf("building view graph: %w", err)
	}

	perEdge := make(map[sfm.PairKey][]float64)
	for _, t := range g.Triplets() {
		errDeg := g.CycleErrorDeg(t)
		for _, key := range []sfm.PairKey{
			sfm.MakePairKey(t.I, t.J),
			sfm.MakePairKey(t.J, t.K),
			sfm.MakePairKey(t.K, t.I),
		} {
			perEdge[key] = append(perEdge[key], errDeg)
		}
	}

	res := FilterResult{
		EdgesIn:       len(candidates),
		EdgeErrorsDeg: make(map[sfm.PairKey]float64),
	}
	var kept []*sfm.TwoViewGeometry
	for _, edge := range g.Edges() {
		errs, supported := perEdge[edge.Key()]
		if !supported {
			res.OrphanEdges++
			if e.orphanPolicy == config.OrphanKeep {
				kept = append(kept, edge)
			}
			continue
		}
		agg := e.aggregate(errs)
		res.EdgeErrorsDeg[edge.Key()] = agg
		if agg <= e.maxCycleErrDeg {
			kept = append(kept, edge)
		}
	}

	filtered, err := NewGraph(kept)
	if err != nil {
		return FilterResult{}, fmt.Errorf("building filtered graph: %w", err)
	}
	res.Graph = filtered
	res.EdgesKept = len(kept)
	res.EdgesDropped = res.EdgesIn - res.EdgesKept
	return res, nil
}

func (e *Estimator) aggregate(errs []float64) float64 {
	switch e.aggregation {
	case config.MeanEdgeError:
		return stat.Mean(errs, nil)
	default: // MEDIAN_EDGE_ERROR
		sorted := append([]float64(nil), errs...)
		sort.Float64s(sorted)
		return stat.Quantile(0.5, stat.Empirical, sorted, nil)
	}
}
