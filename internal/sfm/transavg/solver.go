// Package transavg recovers absolute camera positions from relative
// translation directions and known rotations, via an outlier-tolerant
// L1-style iteratively reweighted least-squares solve over unit-direction
// constraints.
package transavg

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/parallax-data/sfm/internal/sfm"
)

const (
	maxIterations = 100
	stepTolerance = 1e-10
	// irlsEpsilon regularizes the L1 reweighting near zero residual.
	irlsEpsilon = 1e-6
	// minEdgeScale keeps baseline scales bounded away from the collapsed
	// all-coincident solution and fixes the global scale gauge.
	minEdgeScale = 1.0
	// outlierDirectionErr flags edges whose final residual relative to
	// their baseline exceeds roughly 5.7 degrees of direction error.
	outlierDirectionErr = 0.1
)

// Result holds absolute camera positions for one connected component, up
// to one global translation and scale. Outliers lists the input edges the
// solve effectively rejected, for diagnostics.
type Result struct {
	Positions  map[sfm.ImageID]sfm.Vec3
	Solved     bool
	Anchor     sfm.ImageID
	Iterations int
	Outliers   []sfm.PairKey
}

// edgeConstraint is a unit direction between two camera centers in world
// coordinates.
type edgeConstraint struct {
	key  sfm.PairKey
	i, j sfm.ImageID
	dir  sfm.Vec3 // unit vector from center(i) toward center(j)
}

// Solve estimates camera centers from translation-direction edges and the
// rotations solved upstream. The solve alternates a closed-form clamped
// baseline-scale update with a reweighted least-squares solve over the
// centers; the clamp excludes the collapsed all-coincident solution.
// Degenerate systems report unsolved rather than returning non-finite
// positions.
func Solve(images []sfm.ImageID, edges []*sfm.TwoViewGeometry, rotations map[sfm.ImageID]sfm.Rot3) Result {
	if len(images) < 2 || len(edges) == 0 {
		return Result{Solved: false}
	}

	anchor := images[0]
	for _, id := range images {
		if id < anchor {
			anchor = id
		}
	}

	constraints := make([]edgeConstraint, 0, len(edges))
	for _, e := range edges {
		rj, ok := rotations[e.I2]
		if !ok {
			return Result{Solved: false}
		}
		// The stored direction satisfies xCam2 = R*xCam1 + s*T, which
		// makes -R2ᵀ*T the world-frame direction from center 1 to
		// center 2.
		dir, ok := rj.T().Apply(e.T.Scale(-1)).Normalized()
		if !ok {
			continue
		}
		constraints = append(constraints, edgeConstraint{key: e.Key(), i: e.I1, j: e.I2, dir: dir})
	}
	if len(constraints) == 0 {
		return Result{Solved: false}
	}

	centers, ok := walkInit(images, constraints, anchor)
	if !ok {
		return Result{Solved: false}
	}

	// Unknowns: centers only; the anchor stays at the origin to pin the
	// translation gauge.
	idx := make(map[sfm.ImageID]int)
	for _, id := range images {
		if id == anchor {
			continue
		}
		idx[id] = len(idx)
	}
	nu := 3 * len(idx)

	scales := make([]float64, len(constraints))
	weights := make([]float64, len(constraints))
	for i := range weights {
		weights[i] = 1
	}

	res := Result{Anchor: anchor}
	for iter := 0; iter < maxIterations; iter++ {
		res.Iterations = iter + 1

		// Closed-form optimal scale per edge given current centers,
		// clamped to the minimum baseline.
		for ei, c := range constraints {
			s := c.dir.Dot(centers[c.j].Sub(centers[c.i]))
			scales[ei] = math.Max(minEdgeScale, s)
		}

		normal := mat.NewDense(nu, nu, nil)
		rhs := mat.NewVecDense(nu, nil)
		for ei, c := range constraints {
			w := weights[ei]
			r := centers[c.j].Sub(centers[c.i]).Sub(c.dir.Scale(scales[ei]))
			accumulate(normal, rhs, idx, c, r, w)
		}

		var delta mat.VecDense
		if err := delta.SolveVec(normal, rhs); err != nil {
			return Result{Solved: false}
		}

		maxStep := 0.0
		for id, col := range idx {
			d := sfm.Vec3{delta.AtVec(3 * col), delta.AtVec(3*col + 1), delta.AtVec(3*col + 2)}
			if !d.IsFinite() {
				return Result{Solved: false}
			}
			centers[id] = centers[id].Add(d)
			if n := d.Norm(); n > maxStep {
				maxStep = n
			}
		}

		// L1 reweighting on the updated residuals.
		for ei, c := range constraints {
			s := math.Max(minEdgeScale, c.dir.Dot(centers[c.j].Sub(centers[c.i])))
			r := centers[c.j].Sub(centers[c.i]).Sub(c.dir.Scale(s))
			weights[ei] = 1 / math.Max(irlsEpsilon, r.Norm())
		}

		if maxStep < stepTolerance {
			break
		}
	}

	for _, c := range centers {
		if !c.IsFinite() {
			return Result{Solved: false}
		}
	}

	// Flag the edges the robust solve effectively rejected.
	for ei, c := range constraints {
		s := math.Max(minEdgeScale, c.dir.Dot(centers[c.j].Sub(centers[c.i])))
		r := centers[c.j].Sub(centers[c.i]).Sub(c.dir.Scale(s))
		if r.Norm()/s > outlierDirectionErr {
			res.Outliers = append(res.Outliers, constraints[ei].key)
		}
	}
	sort.Slice(res.Outliers, func(a, b int) bool {
		if res.Outliers[a].I1 != res.Outliers[b].I1 {
			return res.Outliers[a].I1 < res.Outliers[b].I1
		}
		return res.Outliers[a].I2 < res.Outliers[b].I2
	})

	res.Positions = centers
	res.Solved = true
	return res
}

// accumulate adds one weighted constraint to the normal equations. The
// Jacobian blocks are +I at center j and -I at center i (anchored centers
// contribute no columns): normal += w JᵀJ, rhs -= w Jᵀr.
func accumulate(normal *mat.Dense, rhs *mat.VecDense, idx map[sfm.ImageID]int, c edgeConstraint, r sfm.Vec3, w float64) {
	type block struct {
		at   int
		sign float64
	}
	var blocks []block
	if col, ok := idx[c.j]; ok {
		blocks = append(blocks, block{at: 3 * col, sign: 1})
	}
	if col, ok := idx[c.i]; ok {
		blocks = append(blocks, block{at: 3 * col, sign: -1})
	}

	for _, ba := range blocks {
		for k := 0; k < 3; k++ {
			rhs.SetVec(ba.at+k, rhs.AtVec(ba.at+k)-w*ba.sign*r[k])
		}
		for _, bb := range blocks {
			s := w * ba.sign * bb.sign
			for k := 0; k < 3; k++ {
				normal.Set(ba.at+k, bb.at+k, normal.At(ba.at+k, bb.at+k)+s)
			}
		}
	}
}

// walkInit places centers by walking a BFS tree from the anchor with unit
// baselines, giving the relaxation a finite starting point.
func walkInit(images []sfm.ImageID, constraints []edgeConstraint, anchor sfm.ImageID) (map[sfm.ImageID]sfm.Vec3, bool) {
	adj := make(map[sfm.ImageID][]edgeConstraint)
	for _, c := range constraints {
		adj[c.i] = append(adj[c.i], c)
		adj[c.j] = append(adj[c.j], c)
	}

	centers := map[sfm.ImageID]sfm.Vec3{anchor: {}}
	queue := []sfm.ImageID{anchor}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range adj[cur] {
			next, dir := c.j, c.dir
			if next == cur {
				next, dir = c.i, c.dir.Scale(-1)
			}
			if _, seen := centers[next]; seen {
				continue
			}
			centers[next] = centers[cur].Add(dir)
			queue = append(queue, next)
		}
	}
	for _, id := range images {
		if _, ok := centers[id]; !ok {
			return nil, false
		}
	}
	return centers, true
}
