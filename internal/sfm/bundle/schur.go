package bundle

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/parallax-data/sfm/internal/sfm"
)

// obsBlock holds one observation's contribution for the Schur reduction:
// the camera parameter columns it touches and the cross block C = w·AᵀB.
type obsBlock struct {
	cols []int
	c    []float64 // len(cols) x 3, row-major
}

// trackBlock holds one track's point system after assembly.
type trackBlock struct {
	vinv [9]float64 // damped (BᵀB)⁻¹
	gp   [3]float64
	obs  []obsBlock
	ok   bool
}

// solveStep assembles the damped normal equations, eliminates the point
// blocks by Schur complement, and solves the reduced camera system.
func (p *problem) solveStep(lambda float64) ([]float64, []sfm.Vec3, bool) {
	ncp := p.numCamParams()
	hcc := mat.NewDense(ncp, ncp, nil)
	gc := make([]float64, ncp)

	blocks := make([]trackBlock, len(p.tracks))
	for ti := range p.tracks {
		t := &p.tracks[ti]
		var v [9]float64
		var gp [3]float64
		var obsList []obsBlock

		for _, o := range t.Obs {
			ci := p.camIdx[o.Image]
			r, a, b, cols, ok := p.linearize(ci, t.Point, o)
			if !ok {
				continue
			}
			w := p.robustWeight(math.Hypot(r[0], r[1]))

			// gc[cols] += w Aᵀ r ; Hcc[cols×cols] += w AᵀA.
			nc := len(cols)
			for i := 0; i < nc; i++ {
				gc[cols[i]] += w * (a[i]*r[0] + a[nc+i]*r[1])
				for j := 0; j < nc; j++ {
					hcc.Set(cols[i], cols[j],
						hcc.At(cols[i], cols[j])+w*(a[i]*a[j]+a[nc+i]*a[nc+j]))
				}
			}
			// V += w BᵀB ; gp += w Bᵀ r.
			for i := 0; i < 3; i++ {
				gp[i] += w * (b[i]*r[0] + b[3+i]*r[1])
				for j := 0; j < 3; j++ {
					v[3*i+j] += w * (b[i]*b[j] + b[3+i]*b[3+j])
				}
			}
			// C = w AᵀB.
			c := make([]float64, nc*3)
			for i := 0; i < nc; i++ {
				for j := 0; j < 3; j++ {
					c[3*i+j] = w * (a[i]*b[j] + a[nc+i]*b[3+j])
				}
			}
			obsList = append(obsList, obsBlock{cols: cols, c: c})
		}

		// Marquardt damping on the point block, then closed-form 3x3
		// inversion.
		for i := 0; i < 3; i++ {
			v[4*i] = v[4*i]*(1+lambda) + 1e-12
		}
		vinv, ok := invert3x3(v)
		blocks[ti] = trackBlock{vinv: vinv, gp: gp, obs: obsList, ok: ok}
	}

	// Damp the camera diagonal before the reduction.
	for i := 0; i < ncp; i++ {
		hcc.Set(i, i, hcc.At(i, i)*(1+lambda)+1e-12)
	}

	// Schur: S = Hcc - C V⁻¹ Cᵀ ; gs = gc - C V⁻¹ gp, per track.
	for ti := range blocks {
		tb := &blocks[ti]
		if !tb.ok {
			continue
		}
		// vg = V⁻¹ gp.
		var vg [3]float64
		for i := 0; i < 3; i++ {
			vg[i] = tb.vinv[3*i]*tb.gp[0] + tb.vinv[3*i+1]*tb.gp[1] + tb.vinv[3*i+2]*tb.gp[2]
		}
		for _, o1 := range tb.obs {
			n1 := len(o1.cols)
			// cv = C1 V⁻¹ (n1 x 3).
			cv := make([]float64, n1*3)
			for i := 0; i < n1; i++ {
				for j := 0; j < 3; j++ {
					cv[3*i+j] = o1.c[3*i]*tb.vinv[j] + o1.c[3*i+1]*tb.vinv[3+j] + o1.c[3*i+2]*tb.vinv[6+j]
				}
			}
			for i := 0; i < n1; i++ {
				gc[o1.cols[i]] -= cv[3*i]*tb.gp[0] + cv[3*i+1]*tb.gp[1] + cv[3*i+2]*tb.gp[2]
			}
			for _, o2 := range tb.obs {
				n2 := len(o2.cols)
				for i := 0; i < n1; i++ {
					for j := 0; j < n2; j++ {
						dot := cv[3*i]*o2.c[3*j] + cv[3*i+1]*o2.c[3*j+1] + cv[3*i+2]*o2.c[3*j+2]
						hcc.Set(o1.cols[i], o2.cols[j], hcc.At(o1.cols[i], o2.cols[j])-dot)
					}
				}
			}
		}
	}

	negGc := mat.NewVecDense(ncp, nil)
	for i := 0; i < ncp; i++ {
		negGc.SetVec(i, -gc[i])
	}
	var deltaCamVec mat.VecDense
	if err := deltaCamVec.SolveVec(hcc, negGc); err != nil {
		return nil, nil, false
	}
	deltaCam := make([]float64, ncp)
	for i := 0; i < ncp; i++ {
		deltaCam[i] = deltaCamVec.AtVec(i)
		if math.IsNaN(deltaCam[i]) || math.IsInf(deltaCam[i], 0) {
			return nil, nil, false
		}
	}

	// Back-substitute the points: δp = V⁻¹(-gp - Cᵀ δc).
	deltaPts := make([]sfm.Vec3, len(p.tracks))
	for ti := range blocks {
		tb := &blocks[ti]
		if !tb.ok {
			continue
		}
		rhs := [3]float64{-tb.gp[0], -tb.gp[1], -tb.gp[2]}
		for _, o := range tb.obs {
			for i := range o.cols {
				d := deltaCam[o.cols[i]]
				rhs[0] -= o.c[3*i] * d
				rhs[1] -= o.c[3*i+1] * d
				rhs[2] -= o.c[3*i+2] * d
			}
		}
		for i := 0; i < 3; i++ {
			deltaPts[ti][i] = tb.vinv[3*i]*rhs[0] + tb.vinv[3*i+1]*rhs[1] + tb.vinv[3*i+2]*rhs[2]
		}
	}
	return deltaCam, deltaPts, true
}

// linearize computes the residual and Jacobian blocks of one observation.
// a is 2 x len(cols) row-major over the camera parameters (6 pose, plus a
// focal column when calibration is optimized); b is the 2x3 point block.
func (p *problem) linearize(ci int, point sfm.Vec3, o sfm.TrackObservation) (r [2]float64, a []float64, b [6]float64, cols []int, ok bool) {
	cam := p.cameras[ci]
	pc := cam.Pose.TransformTo(point)
	if pc[2] < minDepth {
		return r, nil, b, nil, false
	}

	xh, yh := pc[0]/pc[2], pc[1]/pc[2]
	r2 := xh*xh + yh*yh
	d := 1 + cam.Intr.K1*r2 + cam.Intr.K2*r2*r2
	xd, yd := xh*d, yh*d
	u := xd*cam.Intr.Fx + cam.Intr.Cx
	v := yd*cam.Intr.Fy + cam.Intr.Cy
	r[0] = u - o.X
	r[1] = v - o.Y

	// Distortion chain: ∂(xd,yd)/∂(xh,yh).
	dd := 2 * (cam.Intr.K1 + 2*cam.Intr.K2*r2)
	d00 := d + xh*xh*dd
	d01 := xh * yh * dd
	d10 := d01
	d11 := d + yh*yh*dd

	// Normalization chain: ∂(xh,yh)/∂pc.
	iz := 1 / pc[2]
	n := [6]float64{
		iz, 0, -xh * iz,
		0, iz, -yh * iz,
	}

	// Pixel Jacobian wrt the camera-frame point: diag(fx,fy)·D·N (2x3).
	var jp [6]float64
	for col := 0; col < 3; col++ {
		jp[col] = cam.Intr.Fx * (d00*n[col] + d01*n[3+col])
		jp[3+col] = cam.Intr.Fy * (d10*n[col] + d11*n[3+col])
	}

	// Pose block: [ jp · (-[pc]x) | jp ] for the left perturbation
	// x' = Exp(δω)x + δt.
	neg := [9]float64{
		0, pc[2], -pc[1],
		-pc[2], 0, pc[0],
		pc[1], -pc[0], 0,
	}
	focal := p.focalCol(ci)
	nc := 6
	if focal >= 0 {
		nc = 7
	}
	a = make([]float64, 2*nc)
	for row := 0; row < 2; row++ {
		for col := 0; col < 3; col++ {
			a[row*nc+col] = jp[3*row]*neg[col] + jp[3*row+1]*neg[3+col] + jp[3*row+2]*neg[6+col]
			a[row*nc+3+col] = jp[3*row+col]
		}
	}
	if focal >= 0 {
		a[nc-1] = xd
		a[2*nc-1] = yd
	}

	// Point block: jp · R.
	rot := cam.Pose.R
	for row := 0; row < 2; row++ {
		for col := 0; col < 3; col++ {
			b[3*row+col] = jp[3*row]*rot.At(0, col) + jp[3*row+1]*rot.At(1, col) + jp[3*row+2]*rot.At(2, col)
		}
	}

	cols = make([]int, nc)
	for i := 0; i < 6; i++ {
		cols[i] = 6*ci + i
	}
	if focal >= 0 {
		cols[6] = focal
	}
	return r, a, b, cols, true
}

// applyStep applies parameter updates: left-multiplicative pose
// perturbation, additive point and focal updates.
func (p *problem) applyStep(deltaCam []float64, deltaPts []sfm.Vec3) {
	for ci := range p.cameras {
		dw := sfm.Vec3{deltaCam[6*ci], deltaCam[6*ci+1], deltaCam[6*ci+2]}
		dt := sfm.Vec3{deltaCam[6*ci+3], deltaCam[6*ci+4], deltaCam[6*ci+5]}
		rot := sfm.Expmap(dw)
		p.cameras[ci].Pose.R = rot.Mul(p.cameras[ci].Pose.R)
		p.cameras[ci].Pose.T = rot.Apply(p.cameras[ci].Pose.T).Add(dt)
		if fc := p.focalCol(ci); fc >= 0 {
			p.cameras[ci].Intr.Fx += deltaCam[fc]
			p.cameras[ci].Intr.Fy += deltaCam[fc]
		}
	}
	for ti := range p.tracks {
		p.tracks[ti].Point = p.tracks[ti].Point.Add(deltaPts[ti])
	}
}

// postFilter drops observations above the output reprojection threshold or
// behind their camera, then prunes tracks that lost too much support or
// went non-finite. Returns observations pruned, tracks pruned, and
// cheirality-specific prunes.
func (p *problem) postFilter(threshPx float64, minLen int) (obsPruned, tracksPruned, cheiralityPruned int) {
	kept := p.tracks[:0]
	for ti := range p.tracks {
		t := p.tracks[ti]
		if !t.Point.IsFinite() {
			tracksPruned++
			continue
		}
		var obs []sfm.TrackObservation
		for _, o := range t.Obs {
			cam := p.cameras[p.camIdx[o.Image]]
			if cam.Depth(t.Point) <= 0 {
				obsPruned++
				cheiralityPruned++
				continue
			}
			if cam.ReprojError(t.Point, o.X, o.Y) > threshPx {
				obsPruned++
				continue
			}
			obs = append(obs, o)
		}
		if len(obs) < minLen {
			tracksPruned++
			continue
		}
		t.Obs = obs
		kept = append(kept, t)
	}
	p.tracks = kept
	return obsPruned, tracksPruned, cheiralityPruned
}

// export copies out the refined cameras and tracks with final
// per-observation errors.
func (p *problem) export() (map[sfm.ImageID]sfm.Camera, []sfm.Track) {
	cams := make(map[sfm.ImageID]sfm.Camera, len(p.cameras))
	for i, id := range p.camIDs {
		cams[id] = p.cameras[i]
	}
	tracks := make([]sfm.Track, len(p.tracks))
	for ti := range p.tracks {
		t := p.tracks[ti]
		errs := make([]float64, len(t.Obs))
		var sum float64
		for i, o := range t.Obs {
			errs[i] = cams[o.Image].ReprojError(t.Point, o.X, o.Y)
			sum += errs[i]
		}
		mean := 0.0
		if len(errs) > 0 {
			mean = sum / float64(len(errs))
		}
		tracks[ti] = sfm.Track{
			Obs:          t.Obs,
			Point:        t.Point,
			ReprojErrors: errs,
			MeanError:    mean,
		}
	}
	return cams, tracks
}

// invert3x3 inverts a symmetric positive 3x3 matrix in closed form.
func invert3x3(m [9]float64) ([9]float64, bool) {
	c00 := m[4]*m[8] - m[5]*m[7]
	c01 := m[5]*m[6] - m[3]*m[8]
	c02 := m[3]*m[7] - m[4]*m[6]
	det := m[0]*c00 + m[1]*c01 + m[2]*c02
	if math.Abs(det) < 1e-18 {
		return [9]float64{}, false
	}
	inv := 1 / det
	return [9]float64{
		c00 * inv, (m[2]*m[7] - m[1]*m[8]) * inv, (m[1]*m[5] - m[2]*m[4]) * inv,
		c01 * inv, (m[0]*m[8] - m[2]*m[6]) * inv, (m[2]*m[3] - m[0]*m[5]) * inv,
		c02 * inv, (m[1]*m[6] - m[0]*m[7]) * inv, (m[0]*m[4] - m[1]*m[3]) * inv,
	}, true
}
