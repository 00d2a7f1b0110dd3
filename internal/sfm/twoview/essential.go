package twoview

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/parallax-data/sfm/internal/sfm"
)

// mat3 is a general (not necessarily orthogonal) 3x3 matrix, row-major.
// Essential and fundamental matrices live here; proper rotations use
// sfm.Rot3.
type mat3 [9]float64

func (m mat3) mul(n mat3) mat3 {
	var out mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[3*i+j] = m[3*i]*n[j] + m[3*i+1]*n[3+j] + m[3*i+2]*n[6+j]
		}
	}
	return out
}

func (m mat3) t() mat3 {
	return mat3{m[0], m[3], m[6], m[1], m[4], m[7], m[2], m[5], m[8]}
}

func (m mat3) apply(v sfm.Vec3) sfm.Vec3 {
	return sfm.Vec3{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[3]*v[0] + m[4]*v[1] + m[5]*v[2],
		m[6]*v[0] + m[7]*v[1] + m[8]*v[2],
	}
}

// svd3 factorizes m = U * diag(s) * Vᵀ.
func svd3(m mat3) (u, v mat3, s [3]float64, ok bool) {
	var svd mat.SVD
	if !svd.Factorize(mat.NewDense(3, 3, m[:]), mat.SVDFull) {
		return u, v, s, false
	}
	var um, vm mat.Dense
	svd.UTo(&um)
	svd.VTo(&vm)
	sv := svd.Values(nil)
	for i := 0; i < 3; i++ {
		s[i] = sv[i]
		for j := 0; j < 3; j++ {
			u[3*i+j] = um.At(i, j)
			v[3*i+j] = vm.At(i, j)
		}
	}
	return u, v, s, true
}

// eightPointNullspace solves the homogeneous system x2ᵀ M x1 = 0 for M in a
// least-squares sense: the right singular vector of the stacked constraint
// matrix with the smallest singular value. Works for both essential
// (calibrated) and fundamental (pixel) estimation.
func eightPointNullspace(x1, x2 [][2]float64) (mat3, bool) {
	n := len(x1)
	if n < 8 || len(x2) != n {
		return mat3{}, false
	}
	a := mat.NewDense(n, 9, nil)
	for i := 0; i < n; i++ {
		c, d := x1[i][0], x1[i][1]
		p, q := x2[i][0], x2[i][1]
		a.SetRow(i, []float64{p * c, p * d, p, q * c, q * d, q, c, d, 1})
	}

	// Work on AᵀA so the full null vector is available regardless of the
	// sample size.
	var ata mat.Dense
	ata.Mul(a.T(), a)
	var svd mat.SVD
	if !svd.Factorize(&ata, mat.SVDFull) {
		return mat3{}, false
	}
	var vm mat.Dense
	svd.VTo(&vm)
	var m mat3
	for i := 0; i < 9; i++ {
		m[i] = vm.At(i, 8)
	}
	return m, true
}

// projectToEssential enforces the essential-matrix structure: two equal
// singular values and one zero.
func projectToEssential(e mat3) (mat3, bool) {
	u, v, s, ok := svd3(e)
	if !ok {
		return e, false
	}
	sigma := (s[0] + s[1]) / 2
	d := mat3{sigma, 0, 0, 0, sigma, 0, 0, 0, 0}
	return u.mul(d).mul(v.t()), true
}

// projectToRank2 enforces rank 2, preserving the two leading singular
// values (fundamental-matrix structure).
func projectToRank2(f mat3) (mat3, bool) {
	u, v, s, ok := svd3(f)
	if !ok {
		return f, false
	}
	d := mat3{s[0], 0, 0, 0, s[1], 0, 0, 0, 0}
	return u.mul(d).mul(v.t()), true
}

// sampsonDistance is the first-order geometric distance of a correspondence
// to the epipolar constraint x2ᵀ M x1 = 0, in the units of the input
// coordinates.
func sampsonDistance(m mat3, x1, x2 [2]float64) float64 {
	p1 := sfm.Vec3{x1[0], x1[1], 1}
	p2 := sfm.Vec3{x2[0], x2[1], 1}
	mx1 := m.apply(p1)
	mtx2 := m.t().apply(p2)
	num := p2.Dot(mx1)
	den := mx1[0]*mx1[0] + mx1[1]*mx1[1] + mtx2[0]*mtx2[0] + mtx2[1]*mtx2[1]
	if den < 1e-18 {
		return math.Inf(1)
	}
	return math.Abs(num) / math.Sqrt(den)
}

// triangulateTwoNormalized triangulates a point from two calibrated views
// with P1=[I|0], P2=[R|t], returning the point in frame 1.
func triangulateTwoNormalized(r sfm.Rot3, t sfm.Vec3, x1, x2 [2]float64) (sfm.Vec3, bool) {
	a := mat.NewDense(4, 4, nil)
	// Rows from P1 = [I|0].
	a.SetRow(0, []float64{-1, 0, x1[0], 0})
	a.SetRow(1, []float64{0, -1, x1[1], 0})
	// Rows from P2 = [R|t].
	a.SetRow(2, []float64{
		x2[0]*r[6] - r[0], x2[0]*r[7] - r[1], x2[0]*r[8] - r[2], x2[0]*t[2] - t[0],
	})
	a.SetRow(3, []float64{
		x2[1]*r[6] - r[3], x2[1]*r[7] - r[4], x2[1]*r[8] - r[5], x2[1]*t[2] - t[1],
	})

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return sfm.Vec3{}, false
	}
	var vm mat.Dense
	svd.VTo(&vm)
	w := vm.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return sfm.Vec3{}, false
	}
	p := sfm.Vec3{vm.At(0, 3) / w, vm.At(1, 3) / w, vm.At(2, 3) / w}
	if !p.IsFinite() {
		return sfm.Vec3{}, false
	}
	return p, true
}

// decomposeEssential recovers the relative pose (R, unit t) from an
// essential matrix, choosing among the four candidate decompositions by
// cheirality voting over the inlier correspondences.
func decomposeEssential(e mat3, x1, x2 [][2]float64) (sfm.Rot3, sfm.Vec3, bool) {
	u, v, _, ok := svd3(e)
	if !ok {
		return sfm.Rot3{}, sfm.Vec3{}, false
	}
	w := mat3{0, -1, 0, 1, 0, 0, 0, 0, 1}

	toRot := func(m mat3) sfm.Rot3 {
		r := sfm.Rot3(m)
		if r.Det() < 0 {
			for i := range r {
				r[i] = -r[i]
			}
		}
		return r
	}
	r1 := toRot(u.mul(w).mul(v.t()))
	r2 := toRot(u.mul(w.t()).mul(v.t()))
	tDir := sfm.Vec3{u[2], u[5], u[8]}

	bestVotes := -1
	var bestR sfm.Rot3
	var bestT sfm.Vec3
	for _, cand := range []struct {
		r sfm.Rot3
		t sfm.Vec3
	}{
		{r1, tDir}, {r1, tDir.Scale(-1)}, {r2, tDir}, {r2, tDir.Scale(-1)},
	} {
		votes := 0
		for i := range x1 {
			p, ok := triangulateTwoNormalized(cand.r, cand.t, x1[i], x2[i])
			if !ok {
				continue
			}
			if p[2] <= 0 {
				continue
			}
			if q := cand.r.Apply(p).Add(cand.t); q[2] > 0 {
				votes++
			}
		}
		if votes > bestVotes {
			bestVotes = votes
			bestR, bestT = cand.r, cand.t
		}
	}
	if bestVotes <= 0 {
		return sfm.Rot3{}, sfm.Vec3{}, false
	}
	t, ok := bestT.Normalized()
	if !ok {
		return sfm.Rot3{}, sfm.Vec3{}, false
	}
	return bestR, t, true
}

// ransacModel is the robust-estimation loop shared by the epipolar
// verifiers: repeatedly fit a model on a minimal 8-sample, score by Sampson
// distance, and keep the best-supported model. fit must return the model
// matrix; dist scores one correspondence against it.
func ransacModel(
	rng *rand.Rand,
	x1, x2 [][2]float64,
	thresh float64,
	fit func(s1, s2 [][2]float64) (mat3, bool),
) (best mat3, inliers []int, ok bool) {
	const (
		minSample  = 8
		maxIters   = 1000
		confidence = 0.9999
	)
	n := len(x1)
	if n < minSample {
		return best, nil, false
	}

	iters := maxIters
	s1 := make([][2]float64, minSample)
	s2 := make([][2]float64, minSample)
	for it := 0; it < iters; it++ {
		perm := rng.Perm(n)
		for k := 0; k < minSample; k++ {
			s1[k] = x1[perm[k]]
			s2[k] = x2[perm[k]]
		}
		m, fitOK := fit(s1, s2)
		if !fitOK {
			continue
		}
		var support []int
		for i := 0; i < n; i++ {
			if sampsonDistance(m, x1[i], x2[i]) <= thresh {
				support = append(support, i)
			}
		}
		if len(support) > len(inliers) {
			best = m
			inliers = support
			ok = true

			// Adaptive iteration count from the current inlier ratio.
			ratio := float64(len(inliers)) / float64(n)
			if ratio > 0 {
				denom := math.Log(1 - math.Pow(ratio, minSample))
				if denom < 0 {
					need := int(math.Ceil(math.Log(1-confidence) / denom))
					if need < iters {
						iters = need
					}
				}
			}
		}
	}
	return best, inliers, ok
}
