package twoview

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/parallax-data/sfm/internal/sfm"
)

// essentialFromPose builds E = [t]x * R.
func essentialFromPose(r sfm.Rot3, t sfm.Vec3) mat3 {
	tx := mat3{
		0, -t[2], t[1],
		t[2], 0, -t[0],
		-t[1], t[0], 0,
	}
	return tx.mul(mat3(r))
}

// tangentBasis returns two unit vectors spanning the plane orthogonal to t.
func tangentBasis(t sfm.Vec3) (sfm.Vec3, sfm.Vec3) {
	ref := sfm.Vec3{1, 0, 0}
	if math.Abs(t[0]) > 0.9 {
		ref = sfm.Vec3{0, 1, 0}
	}
	b1, _ := t.Cross(ref).Normalized()
	b2, _ := t.Cross(b1).Normalized()
	return b1, b2
}

// refineRelativePose polishes a relative pose by Gauss-Newton on the
// Sampson error of the induced essential matrix over the pair's inliers.
// Five parameters: a rotation perturbation and a two-dof translation
// direction perturbation (pairwise scale is unobservable). Bounded by
// maxIters; returns the input unchanged when refinement cannot improve it.
func refineRelativePose(rel RelativeGeometry, x1, x2 [][2]float64, maxIters int) RelativeGeometry {
	if maxIters <= 0 || len(x1) < 8 {
		return rel
	}

	apply := func(base RelativeGeometry, p []float64) RelativeGeometry {
		r := sfm.Expmap(sfm.Vec3{p[0], p[1], p[2]}).Mul(base.R)
		b1, b2 := tangentBasis(base.T)
		t := base.T.Add(b1.Scale(p[3])).Add(b2.Scale(p[4]))
		tn, ok := t.Normalized()
		if !ok {
			tn = base.T
		}
		return RelativeGeometry{R: r, T: tn}
	}

	cost := func(g RelativeGeometry) float64 {
		e := essentialFromPose(g.R, g.T)
		var sum float64
		for i := range x1 {
			d := sampsonDistance(e, x1[i], x2[i])
			sum += d * d
		}
		return sum
	}

	cur := rel
	curCost := cost(cur)
	const eps = 1e-7

	for iter := 0; iter < maxIters; iter++ {
		n := len(x1)
		e := essentialFromPose(cur.R, cur.T)
		r0 := make([]float64, n)
		for i := range x1 {
			r0[i] = sampsonDistance(e, x1[i], x2[i])
		}

		// Numeric Jacobian over the five perturbation parameters.
		jac := mat.NewDense(n, 5, nil)
		for col := 0; col < 5; col++ {
			p := make([]float64, 5)
			p[col] = eps
			pert := apply(cur, p)
			ep := essentialFromPose(pert.R, pert.T)
			for i := range x1 {
				jac.Set(i, col, (sampsonDistance(ep, x1[i], x2[i])-r0[i])/eps)
			}
		}

		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		for i := 0; i < 5; i++ {
			jtj.Set(i, i, jtj.At(i, i)+1e-10)
		}
		rv := mat.NewVecDense(n, r0)
		var jtr mat.VecDense
		jtr.MulVec(jac.T(), rv)

		var delta mat.VecDense
		if err := delta.SolveVec(&jtj, &jtr); err != nil {
			break
		}

		step := []float64{
			-delta.AtVec(0), -delta.AtVec(1), -delta.AtVec(2),
			-delta.AtVec(3), -delta.AtVec(4),
		}

		// Backtrack if the full step overshoots.
		improved := false
		for scale := 1.0; scale >= 0.125; scale /= 2 {
			p := make([]float64, 5)
			for i := range p {
				p[i] = step[i] * scale
			}
			cand := apply(cur, p)
			if c := cost(cand); c < curCost {
				cur = cand
				curCost = c
				improved = true
				break
			}
		}
		if !improved {
			break
		}
		if curCost < 1e-18 {
			break
		}
	}
	return cur
}
