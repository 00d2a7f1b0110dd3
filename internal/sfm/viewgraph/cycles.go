package viewgraph

import (
	"math"

	"github.com/parallax-data/sfm/internal/sfm"
)

// Triplet is a 3-cycle of the view graph with i < j < k.
type Triplet struct {
	I, J, K sfm.ImageID
}

// Triplets enumerates all 3-cycles whose three edges exist, by common
// neighbor intersection per edge. Cost is proportional to the number of
// wedges touching existing edges, not to the cube of the image count.
func (g *Graph) Triplets() []Triplet {
	var out []Triplet
	for _, e := range g.Edges() {
		i, j := e.I1, e.I2
		// Intersect the neighbor sets; restrict to k > j so each triplet
		// is emitted exactly once.
		small, large := g.adj[i], g.adj[j]
		if len(large) < len(small) {
			small, large = large, small
		}
		var ks []sfm.ImageID
		for k := range small {
			if k > j && large[k] {
				ks = append(ks, k)
			}
		}
		sortImageIDs(ks)
		for _, k := range ks {
			out = append(out, Triplet{I: i, J: j, K: k})
		}
	}
	return out
}

func sortImageIDs(ids []sfm.ImageID) {
	for a := 1; a < len(ids); a++ {
		for b := a; b > 0 && ids[b] < ids[b-1]; b-- {
			ids[b], ids[b-1] = ids[b-1], ids[b]
		}
	}
}

// CycleErrorDeg is the rotation composition residual of a triplet in
// degrees: composing the three relative rotations around the cycle should
// return to the identity up to noise.
func (g *Graph) CycleErrorDeg(t Triplet) float64 {
	rij := g.Edge(t.I, t.J).RelRotation(t.I)
	rjk := g.Edge(t.J, t.K).RelRotation(t.J)
	rki := g.Edge(t.K, t.I).RelRotation(t.K)
	cycle := rki.Mul(rjk).Mul(rij)
	return cycle.Angle() * 180 / math.Pi
}
