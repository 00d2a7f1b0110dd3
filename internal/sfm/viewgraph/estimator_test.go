package viewgraph

import (
	"testing"

	"github.com/parallax-data/sfm/internal/config"
	"github.com/parallax-data/sfm/internal/sfm"
	"github.com/parallax-data/sfm/internal/sfm/testutil"
)

func strptr(s string) *string { return &s }

func TestFilterKeepsConsistentGraph(t *testing.T) {
	scene := testutil.RingScene(5, 60)
	est := NewEstimator(config.EmptyPipelineConfig())

	res, err := est.Filter(scene.AllRelativeGeometries())
	if err != nil {
		t.Fatal(err)
	}
	if res.EdgesIn != 10 || res.EdgesKept != 10 || res.EdgesDropped != 0 {
		t.Errorf("in=%d kept=%d dropped=%d", res.EdgesIn, res.EdgesKept, res.EdgesDropped)
	}
	for key, errDeg := range res.EdgeErrorsDeg {
		if errDeg > 1e-6 {
			t.Errorf("edge %v error %v deg on exact graph", key, errDeg)
		}
	}
}

func TestFilterDropsCorruptedEdge(t *testing.T) {
	// In a 5-camera clique every edge sits in three triplets, so a single
	// corrupted edge has a high median error while the edges it contaminates
	// retain clean majorities.
	scene := testutil.RingScene(5, 60)
	edges := scene.AllRelativeGeometries()
	badKey := edges[0].Key()
	edges[0] = testutil.CorruptRotation(edges[0], 25)

	est := NewEstimator(config.EmptyPipelineConfig())
	res, err := est.Filter(edges)
	if err != nil {
		t.Fatal(err)
	}
	if res.EdgesDropped != 1 {
		t.Fatalf("dropped %d edges, want 1", res.EdgesDropped)
	}
	if res.Graph.Edge(badKey.I1, badKey.I2) != nil {
		t.Error("corrupted edge survived")
	}
	if res.EdgesKept != 9 {
		t.Errorf("kept %d edges, want 9", res.EdgesKept)
	}
}

func TestFilterOrphanPolicy(t *testing.T) {
	scene := testutil.RingScene(3, 40)
	// Triangle plus one orphan edge to an otherwise unconnected image.
	edges := scene.AllRelativeGeometries()
	orphan := &sfm.TwoViewGeometry{I1: 2, I2: 9, R: sfm.RotIdentity(), T: sfm.Vec3{1, 0, 0}}
	edges = append(edges, orphan)

	drop := NewEstimator(config.EmptyPipelineConfig())
	res, err := drop.Filter(edges)
	if err != nil {
		t.Fatal(err)
	}
	if res.OrphanEdges != 1 {
		t.Errorf("orphans = %d, want 1", res.OrphanEdges)
	}
	if res.Graph.Edge(2, 9) != nil {
		t.Error("orphan kept under drop policy")
	}

	keepCfg := &config.PipelineConfig{CycleOrphanPolicy: strptr(config.OrphanKeep)}
	keep := NewEstimator(keepCfg)
	res, err = keep.Filter(edges)
	if err != nil {
		t.Fatal(err)
	}
	if res.Graph.Edge(2, 9) == nil {
		t.Error("orphan dropped under keep policy")
	}
}

func TestFilterMeanAggregation(t *testing.T) {
	cfg := &config.PipelineConfig{EdgeErrorAggregationCriterion: strptr(config.MeanEdgeError)}
	scene := testutil.RingScene(4, 50)
	edges := scene.AllRelativeGeometries()
	edges[0] = testutil.CorruptRotation(edges[0], 30)

	res, err := NewEstimator(cfg).Filter(edges)
	if err != nil {
		t.Fatal(err)
	}
	// Under the mean criterion, clean edges sharing both triplets with the
	// corrupted one inherit a 15 deg mean error and fall too. The corrupted
	// edge itself must go.
	if res.EdgesDropped == 0 {
		t.Fatal("nothing dropped")
	}
	if res.Graph.Edge(edges[0].I1, edges[0].I2) != nil {
		t.Error("corrupted edge survived mean aggregation")
	}
}

func TestFilterRejectsDuplicateEdges(t *testing.T) {
	scene := testutil.RingScene(3, 40)
	edges := scene.AllRelativeGeometries()
	edges = append(edges, edges[0])
	if _, err := NewEstimator(config.EmptyPipelineConfig()).Filter(edges); err == nil {
		t.Error("duplicate candidate edges accepted")
	}
}
