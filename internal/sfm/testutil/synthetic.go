// Package testutil builds synthetic multi-view scenes with known ground
// truth for exercising geometry estimation, averaging and refinement.
package testutil

import (
	"math"
	"math/rand"

	"github.com/parallax-data/sfm/internal/sfm"
)

// DefaultIntrinsics is a distortion-free camera used by the synthetic
// scenes.
func DefaultIntrinsics() sfm.Intrinsics {
	return sfm.Intrinsics{Fx: 800, Fy: 800, Cx: 320, Cy: 240}
}

func unit(v sfm.Vec3) sfm.Vec3 {
	u, _ := v.Normalized()
	return u
}

// Scene is a synthetic reconstruction with exact ground truth.
type Scene struct {
	Cameras map[sfm.ImageID]sfm.Camera
	Points  []sfm.Vec3
	Dataset *sfm.Dataset
}

// LookAtPose builds the world-to-camera pose of a camera at center c whose
// optical axis points at target, with the world +Z axis as approximate up.
func LookAtPose(c, target sfm.Vec3) sfm.Pose {
	fwd := unit(target.Sub(c))
	up := sfm.Vec3{0, 0, 1}
	if math.Abs(fwd.Dot(up)) > 0.999 {
		up = sfm.Vec3{0, 1, 0}
	}
	right := unit(fwd.Cross(up))
	down := fwd.Cross(right)
	r := sfm.Rot3{
		right[0], right[1], right[2],
		down[0], down[1], down[2],
		fwd[0], fwd[1], fwd[2],
	}
	return sfm.Pose{R: r, T: r.Apply(c).Scale(-1)}
}

// RingScene places numCams cameras on a circle of radius 10 in the z=1
// plane, all looking at the origin, and numPoints 3D points in a cube of
// side 4 around the origin. Every point is observed in every camera and
// keypoint index i in every image corresponds to point i, so matches
// across any pair are the identity correspondence.
func RingScene(numCams, numPoints int) *Scene {
	intr := DefaultIntrinsics()
	rng := rand.New(rand.NewSource(42))

	sc := &Scene{Cameras: make(map[sfm.ImageID]sfm.Camera, numCams)}
	for i := 0; i < numCams; i++ {
		theta := 2 * math.Pi * float64(i) / float64(numCams)
		c := sfm.Vec3{10 * math.Cos(theta), 10 * math.Sin(theta), 1}
		sc.Cameras[sfm.ImageID(i)] = sfm.Camera{
			ID:     sfm.ImageID(i),
			Intr:   intr,
			Pose:   LookAtPose(c, sfm.Vec3{}),
			Solved: true,
		}
	}
	for j := 0; j < numPoints; j++ {
		sc.Points = append(sc.Points, sfm.Vec3{
			4*rng.Float64() - 2,
			4*rng.Float64() - 2,
			4*rng.Float64() - 2,
		})
	}
	sc.Dataset = sc.buildDataset()
	return sc
}

// buildDataset projects every point into every camera and emits identity
// matches for all camera pairs.
func (sc *Scene) buildDataset() *sfm.Dataset {
	ds := &sfm.Dataset{}
	ids := sc.ImageIDs()
	for _, id := range ids {
		cam := sc.Cameras[id]
		img := sfm.ImageData{ID: id, Intr: cam.Intr}
		for _, p := range sc.Points {
			x, y, _ := cam.Project(p)
			img.Keypoints = append(img.Keypoints, sfm.Keypoint{X: x, Y: y})
		}
		ds.Images = append(ds.Images, img)
	}
	for a := 0; a < len(ids); a++ {
		for b := a + 1; b < len(ids); b++ {
			pair := sfm.PairData{I1: ids[a], I2: ids[b]}
			for k := range sc.Points {
				pair.Matches = append(pair.Matches, sfm.Match{K1: k, K2: k})
			}
			ds.Pairs = append(ds.Pairs, pair)
		}
	}
	return ds
}

// ImageIDs returns the scene's camera IDs in ascending order.
func (sc *Scene) ImageIDs() []sfm.ImageID {
	ids := make([]sfm.ImageID, 0, len(sc.Cameras))
	for id := range sc.Cameras {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}

// RelativeGeometry returns the exact two-view geometry of the ordered pair
// (i1, i2), with all identity matches recorded as inliers.
func (sc *Scene) RelativeGeometry(i1, i2 sfm.ImageID) *sfm.TwoViewGeometry {
	rel := sc.Cameras[i1].Pose.Between(sc.Cameras[i2].Pose)
	g := &sfm.TwoViewGeometry{
		I1:           i1,
		I2:           i2,
		R:            rel.R,
		T:            unit(rel.T),
		NumPutatives: len(sc.Points),
		Score:        1,
	}
	for k := range sc.Points {
		g.Inliers = append(g.Inliers, sfm.Match{K1: k, K2: k})
	}
	return g
}

// AllRelativeGeometries returns exact geometries for every camera pair in
// canonical order.
func (sc *Scene) AllRelativeGeometries() []*sfm.TwoViewGeometry {
	ids := sc.ImageIDs()
	var out []*sfm.TwoViewGeometry
	for a := 0; a < len(ids); a++ {
		for b := a + 1; b < len(ids); b++ {
			out = append(out, sc.RelativeGeometry(ids[a], ids[b]))
		}
	}
	return out
}

// CorruptRotation returns a copy of g with its rotation perturbed by
// angleDeg about an arbitrary axis, leaving the translation untouched.
func CorruptRotation(g *sfm.TwoViewGeometry, angleDeg float64) *sfm.TwoViewGeometry {
	out := *g
	axis := unit(sfm.Vec3{1, 2, 3})
	out.R = sfm.Expmap(axis.Scale(angleDeg * math.Pi / 180)).Mul(g.R)
	return &out
}

// PerturbPose returns p with rotation perturbed by rotDeg and center
// translated by transStep along a fixed skew axis. Used to seed optimizers
// away from ground truth.
func PerturbPose(p sfm.Pose, rotDeg, transStep float64, seed int64) sfm.Pose {
	rng := rand.New(rand.NewSource(seed))
	axis := unit(sfm.Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()})
	dr := sfm.Expmap(axis.Scale(rotDeg * math.Pi / 180))
	dc := unit(sfm.Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}).Scale(transStep)
	r := dr.Mul(p.R)
	c := p.Center().Add(dc)
	return sfm.Pose{R: r, T: r.Apply(c).Scale(-1)}
}

// AddNoise returns a copy of the dataset with Gaussian pixel noise of the
// given sigma added to every keypoint.
func AddNoise(ds *sfm.Dataset, sigma float64, seed int64) *sfm.Dataset {
	rng := rand.New(rand.NewSource(seed))
	out := &sfm.Dataset{Pairs: ds.Pairs}
	for _, img := range ds.Images {
		ni := sfm.ImageData{ID: img.ID, Intr: img.Intr}
		for _, kp := range img.Keypoints {
			ni.Keypoints = append(ni.Keypoints, sfm.Keypoint{
				X: kp.X + rng.NormFloat64()*sigma,
				Y: kp.Y + rng.NormFloat64()*sigma,
			})
		}
		out.Images = append(out.Images, ni)
	}
	return out
}
