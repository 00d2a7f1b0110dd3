package twoview

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/parallax-data/sfm/internal/sfm"
)

// Verifier estimates the relative geometry of one image pair from refined
// correspondences. ok is false when no supported model exists; that is a
// normal outcome, not an error.
type Verifier interface {
	Verify(img1, img2 *sfm.ImageData, matches []sfm.Match) (rel RelativeGeometry, inlierIdx []int, ok bool)
}

// RelativeGeometry is the verifier output: xCam2 = R*xCam1 + s*T with T a
// unit vector.
type RelativeGeometry struct {
	R sfm.Rot3
	T sfm.Vec3
}

// NewVerifier builds the verifier selected by key. thresholdPx is the
// verifier pixel threshold from configuration.
func NewVerifier(key string, thresholdPx float64) (Verifier, error) {
	switch key {
	case "essential":
		return &EssentialVerifier{ThresholdPx: thresholdPx}, nil
	case "fundamental":
		return &FundamentalVerifier{ThresholdPx: thresholdPx}, nil
	}
	return nil, fmt.Errorf("unknown verifier %q", key)
}

// pairRNG returns a deterministic RNG for an image pair, so repeated runs
// over the same dataset produce identical view graphs.
func pairRNG(i1, i2 sfm.ImageID) *rand.Rand {
	return rand.New(rand.NewSource(int64(i1)*1000003 + int64(i2)))
}

// EssentialVerifier fits an essential matrix to calibrated coordinates via
// 8-point RANSAC and decomposes it into a relative pose.
type EssentialVerifier struct {
	ThresholdPx float64
}

func (v *EssentialVerifier) Verify(img1, img2 *sfm.ImageData, matches []sfm.Match) (RelativeGeometry, []int, bool) {
	n := len(matches)
	x1 := make([][2]float64, n)
	x2 := make([][2]float64, n)
	for i, m := range matches {
		k1 := img1.Keypoints[m.K1]
		k2 := img2.Keypoints[m.K2]
		x1[i][0], x1[i][1] = img1.Intr.Calibrate(k1.X, k1.Y)
		x2[i][0], x2[i][1] = img2.Intr.Calibrate(k2.X, k2.Y)
	}

	// The Sampson gate runs in normalized coordinates; convert the pixel
	// threshold with the mean focal length of the pair.
	focal := (img1.Intr.FocalMean() + img2.Intr.FocalMean()) / 2
	thresh := v.ThresholdPx / focal

	fit := func(s1, s2 [][2]float64) (mat3, bool) {
		e, ok := eightPointNullspace(s1, s2)
		if !ok {
			return e, false
		}
		return projectToEssential(e)
	}
	e, inlierIdx, ok := ransacModel(pairRNG(img1.ID, img2.ID), x1, x2, thresh, fit)
	if !ok {
		return RelativeGeometry{}, nil, false
	}

	in1 := make([][2]float64, len(inlierIdx))
	in2 := make([][2]float64, len(inlierIdx))
	for i, idx := range inlierIdx {
		in1[i] = x1[idx]
		in2[i] = x2[idx]
	}
	r, t, ok := decomposeEssential(e, in1, in2)
	if !ok {
		return RelativeGeometry{}, nil, false
	}
	return RelativeGeometry{R: r, T: t}, inlierIdx, true
}

// FundamentalVerifier fits a fundamental matrix to pixel coordinates with
// Hartley normalization, then recovers the essential matrix through the
// intrinsics. Useful when calibration is only approximately known.
type FundamentalVerifier struct {
	ThresholdPx float64
}

func (v *FundamentalVerifier) Verify(img1, img2 *sfm.ImageData, matches []sfm.Match) (RelativeGeometry, []int, bool) {
	n := len(matches)
	p1 := make([][2]float64, n)
	p2 := make([][2]float64, n)
	for i, m := range matches {
		p1[i] = [2]float64{img1.Keypoints[m.K1].X, img1.Keypoints[m.K1].Y}
		p2[i] = [2]float64{img2.Keypoints[m.K2].X, img2.Keypoints[m.K2].Y}
	}

	fit := func(s1, s2 [][2]float64) (mat3, bool) {
		n1, t1 := hartleyNormalize(s1)
		n2, t2 := hartleyNormalize(s2)
		f, ok := eightPointNullspace(n1, n2)
		if !ok {
			return f, false
		}
		f, ok = projectToRank2(f)
		if !ok {
			return f, false
		}
		// Denormalize: F = T2ᵀ F̂ T1.
		return t2.t().mul(f).mul(t1), true
	}
	f, inlierIdx, ok := ransacModel(pairRNG(img1.ID, img2.ID), p1, p2, v.ThresholdPx, fit)
	if !ok {
		return RelativeGeometry{}, nil, false
	}

	// E = K2ᵀ F K1, then decompose on calibrated inlier coordinates.
	k1 := intrinsicsMat3(img1.Intr)
	k2 := intrinsicsMat3(img2.Intr)
	e, ok := projectToEssential(k2.t().mul(f).mul(k1))
	if !ok {
		return RelativeGeometry{}, nil, false
	}
	in1 := make([][2]float64, len(inlierIdx))
	in2 := make([][2]float64, len(inlierIdx))
	for i, idx := range inlierIdx {
		m := matches[idx]
		k1p := img1.Keypoints[m.K1]
		k2p := img2.Keypoints[m.K2]
		in1[i][0], in1[i][1] = img1.Intr.Calibrate(k1p.X, k1p.Y)
		in2[i][0], in2[i][1] = img2.Intr.Calibrate(k2p.X, k2p.Y)
	}
	r, t, ok := decomposeEssential(e, in1, in2)
	if !ok {
		return RelativeGeometry{}, nil, false
	}
	return RelativeGeometry{R: r, T: t}, inlierIdx, true
}

func intrinsicsMat3(in sfm.Intrinsics) mat3 {
	return mat3{in.Fx, 0, in.Cx, 0, in.Fy, in.Cy, 0, 0, 1}
}

// hartleyNormalize translates points to zero centroid and scales the mean
// distance from the origin to sqrt(2). Returns the normalized points and
// the applied similarity transform.
func hartleyNormalize(pts [][2]float64) ([][2]float64, mat3) {
	var cx, cy float64
	for _, p := range pts {
		cx += p[0]
		cy += p[1]
	}
	n := float64(len(pts))
	cx /= n
	cy /= n

	var meanDist float64
	for _, p := range pts {
		dx, dy := p[0]-cx, p[1]-cy
		meanDist += math.Hypot(dx, dy)
	}
	meanDist /= n
	scale := 1.0
	if meanDist > 1e-12 {
		scale = math.Sqrt2 / meanDist
	}

	out := make([][2]float64, len(pts))
	for i, p := range pts {
		out[i] = [2]float64{(p[0] - cx) * scale, (p[1] - cy) * scale}
	}
	t := mat3{scale, 0, -scale * cx, 0, scale, -scale * cy, 0, 0, 1}
	return out, t
}
