// Package sfm holds the domain types and geometry primitives shared by the
// reconstruction pipeline stages: keypoints, correspondences, two-view
// geometries, tracks and reconstructions.
package sfm

import "fmt"

// ImageID identifies an image within a dataset.
type ImageID int

// Keypoint is a 2D pixel measurement in one image. Index within the image's
// keypoint list is the keypoint's identifier.
type Keypoint struct {
	X float64
	Y float64
}

// Match pairs keypoint indices between two images. Dist carries the
// descriptor distance when the upstream matcher provides one; zero means
// unknown.
type Match struct {
	K1   int
	K2   int
	Dist float64
}

// PairKey canonically identifies an image pair (I1 < I2).
type PairKey struct {
	I1 ImageID
	I2 ImageID
}

// MakePairKey returns the canonical key for an unordered image pair.
func MakePairKey(a, b ImageID) PairKey {
	if a > b {
		a, b = b, a
	}
	return PairKey{I1: a, I2: b}
}

func (k PairKey) String() string { return fmt.Sprintf("(%d,%d)", k.I1, k.I2) }

// TwoViewGeometry is a verified relative geometry for an image pair:
// xCam2 = R*xCam1 + s*T for some unobservable positive scale s, with T a
// unit vector. Inliers are the correspondences supporting the model.
// Instances are never mutated after verification.
type TwoViewGeometry struct {
	I1, I2       ImageID // I1 < I2
	R            Rot3    // frame I1 -> frame I2
	T            Vec3    // unit translation direction in frame I2
	Inliers      []Match
	NumPutatives int
	Score        float64 // support score from verification (inlier ratio)
}

// Key returns the canonical pair key for the edge.
func (g *TwoViewGeometry) Key() PairKey { return PairKey{I1: g.I1, I2: g.I2} }

// RelRotation returns the relative rotation mapping frame `from` to the
// other frame of the edge. Asking for an image not on the edge panics.
func (g *TwoViewGeometry) RelRotation(from ImageID) Rot3 {
	switch from {
	case g.I1:
		return g.R
	case g.I2:
		return g.R.T()
	}
	panic(fmt.Sprintf("image %d not on edge %v", from, g.Key()))
}

// TrackObservation is one 2D measurement of a track.
type TrackObservation struct {
	Image    ImageID
	Keypoint int // index into the image's keypoint list
	X, Y     float64
}

// Track is a multi-view feature track with its triangulated 3D point.
// ReprojErrors aligns with Obs.
type Track struct {
	Obs          []TrackObservation
	Point        Vec3
	ReprojErrors []float64
	MeanError    float64
}

// Len returns the number of observations.
func (t *Track) Len() int { return len(t.Obs) }

// Reconstruction is the solved result for one connected component of the
// view graph: absolute camera poses, refined tracks and optimizer
// diagnostics.
type Reconstruction struct {
	Component int
	Cameras   map[ImageID]Camera
	Tracks    []Track
	Diag      ReconDiagnostics
}

// ReconDiagnostics summarises solver quality for a reconstruction.
type ReconDiagnostics struct {
	RotationMeanErrDeg    float64
	RotationMaxErrDeg     float64
	TranslationOutliers   int
	InitialRMSE           float64 // px, before bundle adjustment
	FinalRMSE             float64 // px, after bundle adjustment
	BAIterations          int
	BAConverged           bool
	ObservationsPruned    int
	TracksPruned          int
	CheiralityFailures    int
	MeanTrackLength       float64
}
