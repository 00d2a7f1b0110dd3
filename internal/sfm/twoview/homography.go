package twoview

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/parallax-data/sfm/internal/sfm"
)

// homographyDLT fits a plane-projective transform x2 ~ H*x1 from at least
// four correspondences by direct linear transform on Hartley-normalized
// coordinates.
func homographyDLT(x1, x2 [][2]float64) (mat3, bool) {
	n := len(x1)
	if n < 4 || len(x2) != n {
		return mat3{}, false
	}
	n1, t1 := hartleyNormalize(x1)
	n2, t2 := hartleyNormalize(x2)

	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		x, y := n1[i][0], n1[i][1]
		u, v := n2[i][0], n2[i][1]
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var ata mat.Dense
	ata.Mul(a.T(), a)
	var svd mat.SVD
	if !svd.Factorize(&ata, mat.SVDFull) {
		return mat3{}, false
	}
	var vm mat.Dense
	svd.VTo(&vm)
	var h mat3
	for i := 0; i < 9; i++ {
		h[i] = vm.At(i, 8)
	}

	// Denormalize: H = T2⁻¹ Ĥ T1. T2 is a similarity, invert in closed form.
	t2inv, ok := invertSimilarity(t2)
	if !ok {
		return mat3{}, false
	}
	return t2inv.mul(h).mul(t1), true
}

// invertSimilarity inverts a [s 0 tx; 0 s ty; 0 0 1] normalization
// transform.
func invertSimilarity(t mat3) (mat3, bool) {
	s := t[0]
	if math.Abs(s) < 1e-15 {
		return mat3{}, false
	}
	return mat3{1 / s, 0, -t[2] / s, 0, 1 / s, -t[5] / s, 0, 0, 1}, true
}

// transferError is the one-way transfer distance of x2 from H*x1.
func transferError(h mat3, x1, x2 [2]float64) float64 {
	p := h.apply(sfm.Vec3{x1[0], x1[1], 1})
	if math.Abs(p[2]) < 1e-15 {
		return math.Inf(1)
	}
	du := p[0]/p[2] - x2[0]
	dv := p[1]/p[2] - x2[1]
	return math.Hypot(du, dv)
}

// homographyInlierCount estimates the best homography support for the
// matches via 4-point RANSAC. Used as a degeneracy gate: pairs whose
// correspondences are explained nearly as well by a homography as by an
// epipolar model are planar or rotation-only and carry no reliable
// translation direction.
func homographyInlierCount(img1, img2 *sfm.ImageData, matches []sfm.Match, threshPx float64) int {
	n := len(matches)
	if n < 4 {
		return 0
	}
	x1 := make([][2]float64, n)
	x2 := make([][2]float64, n)
	for i, m := range matches {
		x1[i] = [2]float64{img1.Keypoints[m.K1].X, img1.Keypoints[m.K1].Y}
		x2[i] = [2]float64{img2.Keypoints[m.K2].X, img2.Keypoints[m.K2].Y}
	}

	rng := pairRNG(img2.ID, img1.ID)
	const iters = 200
	best := 0
	s1 := make([][2]float64, 4)
	s2 := make([][2]float64, 4)
	for it := 0; it < iters; it++ {
		perm := rng.Perm(n)
		for k := 0; k < 4; k++ {
			s1[k] = x1[perm[k]]
			s2[k] = x2[perm[k]]
		}
		h, ok := homographyDLT(s1, s2)
		if !ok {
			continue
		}
		count := 0
		for i := 0; i < n; i++ {
			if transferError(h, x1[i], x2[i]) <= threshPx {
				count++
			}
		}
		if count > best {
			best = count
		}
	}
	return best
}
