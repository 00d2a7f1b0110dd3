package sfm

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// maxUndistortIters bounds the iterative undistortion fixed-point loop.
const maxUndistortIters = 100

// Intrinsics holds a pinhole calibration with an optional two-parameter
// radial distortion model.
type Intrinsics struct {
	Fx, Fy float64 // focal lengths (px)
	Cx, Cy float64 // principal point (px)
	K1, K2 float64 // radial distortion coefficients
}

// FocalMean returns the mean focal length, used to convert pixel thresholds
// into normalized image coordinates.
func (in Intrinsics) FocalMean() float64 { return (in.Fx + in.Fy) / 2 }

// K returns the 3x3 calibration matrix.
func (in Intrinsics) K() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		in.Fx, 0, in.Cx,
		0, in.Fy, in.Cy,
		0, 0, 1,
	})
}

// Calibrate converts a pixel measurement into normalized image coordinates,
// removing radial distortion by fixed-point iteration when the distortion
// coefficients are nonzero.
func (in Intrinsics) Calibrate(px, py float64) (float64, float64) {
	x := (px - in.Cx) / in.Fx
	y := (py - in.Cy) / in.Fy
	if in.K1 == 0 && in.K2 == 0 {
		return x, y
	}

	x0, y0 := x, y
	for i := 0; i < maxUndistortIters; i++ {
		r2 := x*x + y*y
		factor := 1 + in.K1*r2 + in.K2*r2*r2
		xn := x0 / factor
		yn := y0 / factor
		if math.Abs(xn-x)+math.Abs(yn-y) < 1e-12 {
			x, y = xn, yn
			break
		}
		x, y = xn, yn
	}
	return x, y
}

// Uncalibrate converts normalized image coordinates into a pixel
// measurement, applying radial distortion.
func (in Intrinsics) Uncalibrate(x, y float64) (float64, float64) {
	r2 := x*x + y*y
	factor := 1 + in.K1*r2 + in.K2*r2*r2
	xd := x * factor
	yd := y * factor
	return xd*in.Fx + in.Cx, yd*in.Fy + in.Cy
}

// Pose is a world-to-camera rigid transform: xCam = R*xWorld + T.
type Pose struct {
	R Rot3
	T Vec3
}

// IdentityPose returns the identity transform.
func IdentityPose() Pose { return Pose{R: RotIdentity()} }

// Center returns the camera center in world coordinates.
func (p Pose) Center() Vec3 {
	return p.R.T().Apply(p.T.Scale(-1))
}

// TransformTo maps a world point into the camera frame.
func (p Pose) TransformTo(x Vec3) Vec3 {
	return p.R.Apply(x).Add(p.T)
}

// Between returns the relative transform from frame p to frame q, i.e. the
// pose r such that xQ = r.R*xP + r.T.
func (p Pose) Between(q Pose) Pose {
	r12 := q.R.Mul(p.R.T())
	return Pose{R: r12, T: q.T.Sub(r12.Apply(p.T))}
}

// IsFinite reports whether all pose entries are finite.
func (p Pose) IsFinite() bool { return p.R.IsFinite() && p.T.IsFinite() }

// Camera couples intrinsics with an absolute pose. Solved is false until
// global averaging has produced the pose.
type Camera struct {
	ID     ImageID
	Intr   Intrinsics
	Pose   Pose
	Solved bool
}

// Project maps a world point into pixel coordinates. ok is false when the
// point lies behind the camera (non-positive depth).
func (c Camera) Project(x Vec3) (u, v float64, ok bool) {
	pc := c.Pose.TransformTo(x)
	if pc[2] <= 0 {
		return 0, 0, false
	}
	u, v = c.Intr.Uncalibrate(pc[0]/pc[2], pc[1]/pc[2])
	return u, v, true
}

// Depth returns the depth of a world point in the camera frame.
func (c Camera) Depth(x Vec3) float64 {
	return c.Pose.TransformTo(x)[2]
}

// ReprojError returns the reprojection error in pixels of world point x
// against the observed pixel (u, v). Points behind the camera report an
// infinite error so callers can prune them.
func (c Camera) ReprojError(x Vec3, u, v float64) float64 {
	pu, pv, ok := c.Project(x)
	if !ok {
		return math.Inf(1)
	}
	du, dv := pu-u, pv-v
	return math.Sqrt(du*du + dv*dv)
}

// ProjectionMatrix returns the 3x4 matrix K*[R|t] used by DLT triangulation.
// Distortion is not representable in a linear projection; callers relying on
// this matrix must work with undistorted measurements.
func (c Camera) ProjectionMatrix() *mat.Dense {
	rt := mat.NewDense(3, 4, []float64{
		c.Pose.R[0], c.Pose.R[1], c.Pose.R[2], c.Pose.T[0],
		c.Pose.R[3], c.Pose.R[4], c.Pose.R[5], c.Pose.T[1],
		c.Pose.R[6], c.Pose.R[7], c.Pose.R[8], c.Pose.T[2],
	})
	var p mat.Dense
	p.Mul(c.Intr.K(), rt)
	return &p
}
