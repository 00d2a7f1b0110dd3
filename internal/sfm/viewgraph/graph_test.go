package viewgraph

import (
	"testing"

	"github.com/parallax-data/sfm/internal/sfm"
	"github.com/parallax-data/sfm/internal/sfm/testutil"
)

func edge(i1, i2 sfm.ImageID) *sfm.TwoViewGeometry {
	return &sfm.TwoViewGeometry{I1: i1, I2: i2, R: sfm.RotIdentity(), T: sfm.Vec3{1, 0, 0}}
}

func TestNewGraphRejectsBadEdges(t *testing.T) {
	if _, err := NewGraph([]*sfm.TwoViewGeometry{edge(2, 2)}); err == nil {
		t.Error("self-edge accepted")
	}
	if _, err := NewGraph([]*sfm.TwoViewGeometry{edge(3, 1)}); err == nil {
		t.Error("non-canonical edge accepted")
	}
	if _, err := NewGraph([]*sfm.TwoViewGeometry{edge(1, 2), edge(1, 2)}); err == nil {
		t.Error("duplicate edge accepted")
	}
}

func TestGraphQueries(t *testing.T) {
	g, err := NewGraph([]*sfm.TwoViewGeometry{edge(0, 1), edge(1, 2), edge(0, 2), edge(5, 6)})
	if err != nil {
		t.Fatal(err)
	}
	if g.NumEdges() != 4 {
		t.Errorf("NumEdges = %d", g.NumEdges())
	}
	if g.Edge(2, 1) == nil {
		t.Error("reversed lookup failed")
	}
	if g.Edge(0, 5) != nil {
		t.Error("absent edge returned")
	}
	if got := g.Neighbors(1); len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Errorf("Neighbors(1) = %v", got)
	}
	if g.Degree(5) != 1 {
		t.Errorf("Degree(5) = %d", g.Degree(5))
	}

	edges := g.Edges()
	for i := 1; i < len(edges); i++ {
		prev, cur := edges[i-1].Key(), edges[i].Key()
		if cur.I1 < prev.I1 || (cur.I1 == prev.I1 && cur.I2 <= prev.I2) {
			t.Fatal("Edges not key-sorted")
		}
	}
}

func TestConnectedComponents(t *testing.T) {
	g, err := NewGraph([]*sfm.TwoViewGeometry{
		edge(0, 1), edge(1, 2), edge(0, 2),
		edge(7, 9),
	})
	if err != nil {
		t.Fatal(err)
	}
	comps := g.ConnectedComponents()
	if len(comps) != 2 {
		t.Fatalf("got %d components", len(comps))
	}
	if comps[0].Index != 0 || comps[1].Index != 1 {
		t.Error("component indices not stable")
	}
	if len(comps[0].Images) != 3 || comps[0].Images[0] != 0 {
		t.Errorf("component 0 images = %v", comps[0].Images)
	}
	if len(comps[0].Edges) != 3 {
		t.Errorf("component 0 edges = %d", len(comps[0].Edges))
	}
	if len(comps[1].Images) != 2 || comps[1].Images[0] != 7 {
		t.Errorf("component 1 images = %v", comps[1].Images)
	}
}

func TestTriplets(t *testing.T) {
	g, err := NewGraph([]*sfm.TwoViewGeometry{
		edge(0, 1), edge(1, 2), edge(0, 2),
		edge(2, 3), // dangling edge, no triplet
	})
	if err != nil {
		t.Fatal(err)
	}
	trips := g.Triplets()
	if len(trips) != 1 || trips[0] != (Triplet{I: 0, J: 1, K: 2}) {
		t.Errorf("Triplets = %v", trips)
	}
}

func TestCycleErrorConsistentTriplet(t *testing.T) {
	scene := testutil.RingScene(3, 40)
	g, err := NewGraph(scene.AllRelativeGeometries())
	if err != nil {
		t.Fatal(err)
	}
	trips := g.Triplets()
	if len(trips) != 1 {
		t.Fatalf("got %d triplets", len(trips))
	}
	if errDeg := g.CycleErrorDeg(trips[0]); errDeg > 1e-6 {
		t.Errorf("exact triplet cycle error = %v deg", errDeg)
	}
}

func TestCycleErrorCorruptedEdge(t *testing.T) {
	scene := testutil.RingScene(3, 40)
	edges := scene.AllRelativeGeometries()
	edges[0] = testutil.CorruptRotation(edges[0], 20)
	g, err := NewGraph(edges)
	if err != nil {
		t.Fatal(err)
	}
	errDeg := g.CycleErrorDeg(g.Triplets()[0])
	if errDeg < 15 || errDeg > 25 {
		t.Errorf("corrupted cycle error = %v deg, want ~20", errDeg)
	}
}
