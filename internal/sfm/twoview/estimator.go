// Package twoview verifies the relative geometry of individual image pairs:
// match refinement, robust epipolar model fitting, inlier-support gating and
// optional local pose refinement. Each pair is an independent unit of work.
package twoview

import (
	"fmt"

	"github.com/parallax-data/sfm/internal/config"
	"github.com/parallax-data/sfm/internal/sfm"
)

// Estimator runs the two-view stage for one image pair. A pair that fails
// any gate is dropped, never an error.
type Estimator struct {
	matcher  Matcher
	verifier Verifier

	minInliers      int
	minInlierRatio  float64
	refineIters     int
	homographyCheck bool
	thresholdPx     float64
}

// homographyDegeneracyRatio: when the best homography explains at least
// this share of the epipolar inliers, the pair is considered planar or
// rotation-only and is dropped.
const homographyDegeneracyRatio = 0.97

// NewEstimator builds an Estimator from configuration, selecting the
// matcher and verifier through their factories.
func NewEstimator(cfg *config.PipelineConfig) (*Estimator, error) {
	m, err := NewMatcher(cfg.GetMatcher(), cfg.GetLoweRatio())
	if err != nil {
		return nil, fmt.Errorf("building matcher: %w", err)
	}
	v, err := NewVerifier(cfg.GetVerifier(), cfg.GetEstimationThresholdPx())
	if err != nil {
		return nil, fmt.Errorf("building verifier: %w", err)
	}
	return &Estimator{
		matcher:         m,
		verifier:        v,
		minInliers:      cfg.GetMinNumInliersEstModel(),
		minInlierRatio:  cfg.GetMinInlierRatioEstModel(),
		refineIters:     cfg.GetMaxTwoViewRefineIters(),
		homographyCheck: cfg.GetHomographyCheck(),
		thresholdPx:     cfg.GetEstimationThresholdPx(),
	}, nil
}

// NewEstimatorWith wires explicit stage implementations; used by tests.
func NewEstimatorWith(m Matcher, v Verifier, minInliers int, minRatio float64, refineIters int) *Estimator {
	return &Estimator{
		matcher:        m,
		verifier:       v,
		minInliers:     minInliers,
		minInlierRatio: minRatio,
		refineIters:    refineIters,
	}
}

// Estimate verifies one image pair. ok is false when the pair is dropped.
// img1.ID must be smaller than img2.ID; callers pass pairs canonically.
func (e *Estimator) Estimate(img1, img2 *sfm.ImageData, putative []sfm.Match) (*sfm.TwoViewGeometry, bool) {
	if img1.ID >= img2.ID {
		img1, img2 = img2, img1
		swapped := make([]sfm.Match, len(putative))
		for i, m := range putative {
			swapped[i] = sfm.Match{K1: m.K2, K2: m.K1, Dist: m.Dist}
		}
		putative = swapped
	}

	matches := e.matcher.Refine(img1, img2, putative)
	if len(matches) == 0 {
		return nil, false
	}

	rel, inlierIdx, ok := e.verifier.Verify(img1, img2, matches)
	if !ok {
		return nil, false
	}

	// Inlier-support gate. Ratio exactly at the minimum is accepted.
	ratio := float64(len(inlierIdx)) / float64(len(matches))
	if len(inlierIdx) < e.minInliers || ratio < e.minInlierRatio {
		return nil, false
	}

	inliers := make([]sfm.Match, len(inlierIdx))
	for i, idx := range inlierIdx {
		inliers[i] = matches[idx]
	}

	if e.homographyCheck {
		hInliers := homographyInlierCount(img1, img2, inliers, e.thresholdPx)
		if float64(hInliers) >= homographyDegeneracyRatio*float64(len(inliers)) {
			return nil, false
		}
	}

	if e.refineIters > 0 {
		x1 := make([][2]float64, len(inliers))
		x2 := make([][2]float64, len(inliers))
		for i, m := range inliers {
			k1 := img1.Keypoints[m.K1]
			k2 := img2.Keypoints[m.K2]
			x1[i][0], x1[i][1] = img1.Intr.Calibrate(k1.X, k1.Y)
			x2[i][0], x2[i][1] = img2.Intr.Calibrate(k2.X, k2.Y)
		}
		rel = refineRelativePose(rel, x1, x2, e.refineIters)
	}

	return &sfm.TwoViewGeometry{
		I1:           img1.ID,
		I2:           img2.ID,
		R:            rel.R,
		T:            rel.T,
		Inliers:      inliers,
		NumPutatives: len(matches),
		Score:        ratio,
	}, true
}
