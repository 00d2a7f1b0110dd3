package sfm

import "math"

// Vec3 is a 3-vector. Components are stored inline so geometry code can
// stay allocation-free in the inner loops.
type Vec3 [3]float64

func (v Vec3) Add(w Vec3) Vec3      { return Vec3{v[0] + w[0], v[1] + w[1], v[2] + w[2]} }
func (v Vec3) Sub(w Vec3) Vec3      { return Vec3{v[0] - w[0], v[1] - w[1], v[2] - w[2]} }
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v[0] * s, v[1] * s, v[2] * s} }
func (v Vec3) Dot(w Vec3) float64   { return v[0]*w[0] + v[1]*w[1] + v[2]*w[2] }

func (v Vec3) Cross(w Vec3) Vec3 {
	return Vec3{
		v[1]*w[2] - v[2]*w[1],
		v[2]*w[0] - v[0]*w[2],
		v[0]*w[1] - v[1]*w[0],
	}
}

func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

// Normalized returns v scaled to unit length. ok is false when the norm is
// too small to normalize safely.
func (v Vec3) Normalized() (Vec3, bool) {
	n := v.Norm()
	if n < 1e-12 {
		return Vec3{}, false
	}
	return v.Scale(1 / n), true
}

func (v Vec3) IsFinite() bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// Rot3 is a 3x3 rotation matrix stored row-major, following the row-major
// flat-array convention used for rigid transforms elsewhere in the codebase.
type Rot3 [9]float64

// RotIdentity returns the identity rotation.
func RotIdentity() Rot3 {
	return Rot3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

func (r Rot3) At(i, j int) float64 { return r[3*i+j] }

// Mul returns r * s.
func (r Rot3) Mul(s Rot3) Rot3 {
	var out Rot3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[3*i+j] = r[3*i]*s[j] + r[3*i+1]*s[3+j] + r[3*i+2]*s[6+j]
		}
	}
	return out
}

// T returns the transpose (inverse for a proper rotation).
func (r Rot3) T() Rot3 {
	return Rot3{
		r[0], r[3], r[6],
		r[1], r[4], r[7],
		r[2], r[5], r[8],
	}
}

// Apply rotates v.
func (r Rot3) Apply(v Vec3) Vec3 {
	return Vec3{
		r[0]*v[0] + r[1]*v[1] + r[2]*v[2],
		r[3]*v[0] + r[4]*v[1] + r[5]*v[2],
		r[6]*v[0] + r[7]*v[1] + r[8]*v[2],
	}
}

func (r Rot3) Trace() float64 { return r[0] + r[4] + r[8] }

func (r Rot3) Det() float64 {
	return r[0]*(r[4]*r[8]-r[5]*r[7]) -
		r[1]*(r[3]*r[8]-r[5]*r[6]) +
		r[2]*(r[3]*r[7]-r[4]*r[6])
}

// IsValid reports whether r is a proper rotation: orthonormal with
// determinant +1, within tol.
func (r Rot3) IsValid(tol float64) bool {
	if math.Abs(r.Det()-1) > tol {
		return false
	}
	rrt := r.Mul(r.T())
	id := RotIdentity()
	for i := range rrt {
		if math.Abs(rrt[i]-id[i]) > tol {
			return false
		}
	}
	return true
}

func (r Rot3) IsFinite() bool {
	for _, c := range r {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// Expmap is the SO(3) exponential map (Rodrigues' formula): it converts an
// axis-angle vector w (angle = |w|) into a rotation matrix.
func Expmap(w Vec3) Rot3 {
	theta := w.Norm()
	if theta < 1e-12 {
		// First-order approximation near the identity.
		return Rot3{
			1, -w[2], w[1],
			w[2], 1, -w[0],
			-w[1], w[0], 1,
		}
	}
	k := w.Scale(1 / theta)
	s, c := math.Sin(theta), math.Cos(theta)
	oc := 1 - c

	return Rot3{
		c + k[0]*k[0]*oc, k[0]*k[1]*oc - k[2]*s, k[0]*k[2]*oc + k[1]*s,
		k[1]*k[0]*oc + k[2]*s, c + k[1]*k[1]*oc, k[1]*k[2]*oc - k[0]*s,
		k[2]*k[0]*oc - k[1]*s, k[2]*k[1]*oc + k[0]*s, c + k[2]*k[2]*oc,
	}
}

// Logmap is the inverse of Expmap: it recovers the axis-angle vector of r.
// Stable near both the identity and half-turn rotations.
func (r Rot3) Logmap() Vec3 {
	cosTheta := (r.Trace() - 1) / 2
	cosTheta = math.Max(-1, math.Min(1, cosTheta))
	theta := math.Acos(cosTheta)

	if theta < 1e-10 {
		// Near identity: the skew part is already the axis-angle vector.
		return Vec3{
			(r.At(2, 1) - r.At(1, 2)) / 2,
			(r.At(0, 2) - r.At(2, 0)) / 2,
			(r.At(1, 0) - r.At(0, 1)) / 2,
		}
	}

	if math.Pi-theta < 1e-6 {
		// Near a half turn the skew part vanishes; recover the axis from
		// the symmetric part instead.
		var axis Vec3
		for i := 0; i < 3; i++ {
			axis[i] = math.Sqrt(math.Max(0, (r.At(i, i)+1)/2))
		}
		// Fix signs using the largest component.
		maxIdx := 0
		for i := 1; i < 3; i++ {
			if axis[i] > axis[maxIdx] {
				maxIdx = i
			}
		}
		for i := 0; i < 3; i++ {
			if i == maxIdx {
				continue
			}
			if r.At(maxIdx, i)+r.At(i, maxIdx) < 0 {
				axis[i] = -axis[i]
			}
		}
		if n, ok := axis.Normalized(); ok {
			return n.Scale(theta)
		}
		return Vec3{theta, 0, 0}
	}

	scale := theta / (2 * math.Sin(theta))
	return Vec3{
		scale * (r.At(2, 1) - r.At(1, 2)),
		scale * (r.At(0, 2) - r.At(2, 0)),
		scale * (r.At(1, 0) - r.At(0, 1)),
	}
}

// Angle returns the rotation angle of r in radians.
func (r Rot3) Angle() float64 {
	cosTheta := (r.Trace() - 1) / 2
	cosTheta = math.Max(-1, math.Min(1, cosTheta))
	return math.Acos(cosTheta)
}

// AngleBetween returns the angular distance between two rotations in radians.
func AngleBetween(a, b Rot3) float64 {
	return a.T().Mul(b).Angle()
}
