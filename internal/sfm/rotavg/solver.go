// Package rotavg solves absolute camera rotations from filtered relative
// rotations by robust iterative relaxation on the rotation manifold.
package rotavg

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/parallax-data/sfm/internal/sfm"
)

const (
	maxIterations = 100
	stepTolerance = 1e-9
	// huberKRad bounds the influence of inconsistent edges during IRLS.
	huberKRad = 5.0 * math.Pi / 180
)

// Result holds the absolute rotations for one connected component, up to a
// global rotation ambiguity resolved by anchoring one camera at identity.
type Result struct {
	Rotations       map[sfm.ImageID]sfm.Rot3
	Solved          bool
	Anchor          sfm.ImageID
	Iterations      int
	MeanResidualDeg float64
	MaxResidualDeg  float64
}

// Solve estimates one absolute rotation per image in the component.
// Components with fewer than two images or no edges are reported unsolved
// rather than assigned arbitrary rotations.
func Solve(images []sfm.ImageID, edges []*sfm.TwoViewGeometry) Result {
	if len(images) < 2 || len(edges) == 0 {
		return Result{Solved: false}
	}

	anchor := images[0]
	for _, id := range images {
		if id < anchor {
			anchor = id
		}
	}

	rotations, ok := spanningTreeInit(images, edges, anchor)
	if !ok {
		return Result{Solved: false}
	}

	// Index unknowns; the anchor stays fixed to pin the gauge.
	idx := make(map[sfm.ImageID]int)
	for _, id := range images {
		if id == anchor {
			continue
		}
		idx[id] = len(idx)
	}
	m := 3 * len(idx)

	res := Result{Rotations: rotations, Anchor: anchor}
	for iter := 0; iter < maxIterations; iter++ {
		res.Iterations = iter + 1

		normal := mat.NewDense(m, m, nil)
		rhs := mat.NewVecDense(m, nil)

		for _, e := range edges {
			ri, okI := rotations[e.I1]
			rj, okJ := rotations[e.I2]
			if !okI || !okJ {
				return Result{Solved: false}
			}
			// Residual of the edge constraint Rj = relR * Ri, in the
			// tangent space: r = Log(relR * Ri * Rjᵀ).
			r := e.R.Mul(ri).Mul(rj.T()).Logmap()
			w := huberWeight(r.Norm())

			// First-order model: r + relR*δi - δj.
			accumulateEdge(normal, rhs, idx, e, r, w)
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
			rotations[id] = sfm.Expmap(d).Mul(rotations[id])
			if n := d.Norm(); n > maxStep {
				maxStep = n
			}
		}
		if maxStep < stepTolerance {
			break
		}
	}

	// Final residual statistics.
	var sum, maxErr float64
	for _, e := range edges {
		errRad := e.R.Mul(rotations[e.I1]).Mul(rotations[e.I2].T()).Angle()
		sum += errRad
		if errRad > maxErr {
			maxErr = errRad
		}
	}
	res.MeanResidualDeg = sum / float64(len(edges)) * 180 / math.Pi
	res.MaxResidualDeg = maxErr * 180 / math.Pi
	res.Solved = true
	return res
}

// accumulateEdge adds one weighted edge constraint to the normal equations.
// Jacobian blocks: relR for the source image, -I for the target; the anchor
// contributes no columns.
func accumulateEdge(normal *mat.Dense, rhs *mat.VecDense, idx map[sfm.ImageID]int, e *sfm.TwoViewGeometry, r sfm.Vec3, w float64) {
	type block struct {
		col int
		j   sfm.Rot3 // 3x3 Jacobian block
	}
	var blocks []block
	if col, ok := idx[e.I1]; ok {
		blocks = append(blocks, block{col: col, j: e.R})
	}
	if col, ok := idx[e.I2]; ok {
		neg := sfm.Rot3{-1, 0, 0, 0, -1, 0, 0, 0, -1}
		blocks = append(blocks, block{col: col, j: neg})
	}

	for _, ba := range blocks {
		// rhs -= w * Jᵀ r
		for row := 0; row < 3; row++ {
			var dot float64
			for k := 0; k < 3; k++ {
				dot += ba.j.At(k, row) * r[k]
			}
			at := 3*ba.col + row
			rhs.SetVec(at, rhs.AtVec(at)-w*dot)
		}
		for _, bb := range blocks {
			// normal += w * JaᵀJb
			for row := 0; row < 3; row++ {
				for col := 0; col < 3; col++ {
					var dot float64
					for k := 0; k < 3; k++ {
						dot += ba.j.At(k, row) * bb.j.At(k, col)
					}
					ri, ci := 3*ba.col+row, 3*bb.col+col
					normal.Set(ri, ci, normal.At(ri, ci)+w*dot)
				}
			}
		}
	}
}

func huberWeight(residualRad float64) float64 {
	if residualRad <= huberKRad {
		return 1
	}
	return huberKRad / residualRad
}

// spanningTreeInit chains relative rotations outward from the anchor over a
// BFS tree to produce the starting point for relaxation.
func spanningTreeInit(images []sfm.ImageID, edges []*sfm.TwoViewGeometry, anchor sfm.ImageID) (map[sfm.ImageID]sfm.Rot3, bool) {
	adj := make(map[sfm.ImageID][]*sfm.TwoViewGeometry)
	for _, e := range edges {
		adj[e.I1] = append(adj[e.I1], e)
		adj[e.I2] = append(adj[e.I2], e)
	}

	rotations := map[sfm.ImageID]sfm.Rot3{anchor: sfm.RotIdentity()}
	queue := []sfm.ImageID{anchor}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range adj[cur] {
			next := e.I1
			if next == cur {
				next = e.I2
			}
			if _, seen := rotations[next]; seen {
				continue
			}
			// Rnext = rel(cur->next) * Rcur.
			rotations[next] = e.RelRotation(cur).Mul(rotations[cur])
			queue = append(queue, next)
		}
	}

	// A connected component must be fully reachable.
	for _, id := range images {
		if _, ok := rotations[id]; !ok {
			return nil, false
		}
	}
	return rotations, true
}
