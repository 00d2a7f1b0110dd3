// Package config holds the declarative tuning configuration for the
// reconstruction pipeline. All fields are pointers so a partial JSON file
// only overrides what it names; the Get* accessors supply defaults for
// everything else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Enumerated option values. Stage implementations are selected by these
// keys through explicit factories, never by name lookup at call sites.
const (
	// Verifier selection.
	VerifierEssential   = "essential"
	VerifierFundamental = "fundamental"

	// Matcher selection.
	MatcherPassthrough = "passthrough"
	MatcherUnique      = "unique"
	MatcherRatio       = "ratio"

	// Edge-error aggregation over cycle residuals.
	MedianEdgeError = "MEDIAN_EDGE_ERROR"
	MeanEdgeError   = "MEAN_EDGE_ERROR"

	// Policy for edges with no triplet support.
	OrphanDrop = "drop"
	OrphanKeep = "keep"

	// Triangulation modes.
	TriangulationNoRansac = "NO_RANSAC"
	TriangulationRansac   = "RANSAC"
)

// PipelineConfig is the root tuning configuration. The JSON schema is the
// configuration contract: omitted fields retain defaults, so partial
// configs are safe.
type PipelineConfig struct {
	// Two-view estimation.
	MinNumInliersEstModel  *int     `json:"min_num_inliers_est_model,omitempty"`
	MinInlierRatioEstModel *float64 `json:"min_inlier_ratio_est_model,omitempty"`
	EstimationThresholdPx  *float64 `json:"estimation_threshold_px,omitempty"`
	Verifier               *string  `json:"verifier,omitempty"`
	Matcher                *string  `json:"matcher,omitempty"`
	LoweRatio              *float64 `json:"lowe_ratio,omitempty"`
	MaxTwoViewRefineIters  *int     `json:"max_two_view_refine_iters,omitempty"`
	HomographyCheck        *bool    `json:"homography_check,omitempty"`

	// View-graph cycle filtering.
	EdgeErrorAggregationCriterion *string  `json:"edge_error_aggregation_criterion,omitempty"`
	MaxCycleErrorDeg              *float64 `json:"max_cycle_error_deg,omitempty"`
	CycleOrphanPolicy             *string  `json:"cycle_orphan_policy,omitempty"`

	// Data association / triangulation.
	MinTrackLen          *int     `json:"min_track_len,omitempty"`
	ReprojErrorThreshold *float64 `json:"reproj_error_threshold,omitempty"`
	TriangulationMode    *string  `json:"triangulation_mode,omitempty"`
	MaxNumHypotheses     *int     `json:"max_num_hypotheses,omitempty"`

	// Bundle adjustment.
	OutputReprojErrorThresh *float64 `json:"output_reproj_error_thresh,omitempty"`
	RobustMeasurementNoise  *bool    `json:"robust_measurement_noise,omitempty"`
	SharedCalib             *bool    `json:"shared_calib,omitempty"`
	OptimizeCalib           *bool    `json:"optimize_calib,omitempty"`
	MaxBAIterations         *int     `json:"max_ba_iterations,omitempty"`

	// Execution.
	NumWorkers *int `json:"num_workers,omitempty"`
}

// EmptyPipelineConfig returns a config with all fields unset; every Get*
// accessor will report its default.
func EmptyPipelineConfig() *PipelineConfig {
	return &PipelineConfig{}
}

// LoadPipelineConfig loads a PipelineConfig from a JSON file. Fields omitted
// from the file retain their defaults.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := EmptyPipelineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges and enumerated options.
func (c *PipelineConfig) Validate() error {
	if c.MinNumInliersEstModel != nil && *c.MinNumInliersEstModel < 0 {
		return fmt.Errorf("min_num_inliers_est_model must be non-negative, got %d", *c.MinNumInliersEstModel)
	}
	if c.MinInlierRatioEstModel != nil {
		if r := *c.MinInlierRatioEstModel; r < 0 || r > 1 {
			return fmt.Errorf("min_inlier_ratio_est_model must be in [0,1], got %f", r)
		}
	}
	if c.EstimationThresholdPx != nil && *c.EstimationThresholdPx <= 0 {
		return fmt.Errorf("estimation_threshold_px must be positive, got %f", *c.EstimationThresholdPx)
	}
	if c.Verifier != nil {
		switch *c.Verifier {
		case VerifierEssential, VerifierFundamental:
		default:
			return fmt.Errorf("unknown verifier %q", *c.Verifier)
		}
	}
	if c.Matcher != nil {
		switch *c.Matcher {
		case MatcherPassthrough, MatcherUnique, MatcherRatio:
		default:
			return fmt.Errorf("unknown matcher %q", *c.Matcher)
		}
	}
	if c.EdgeErrorAggregationCriterion != nil {
		switch *c.EdgeErrorAggregationCriterion {
		case MedianEdgeError, MeanEdgeError:
		default:
			return fmt.Errorf("unknown edge_error_aggregation_criterion %q", *c.EdgeErrorAggregationCriterion)
		}
	}
	if c.CycleOrphanPolicy != nil {
		switch *c.CycleOrphanPolicy {
		case OrphanDrop, OrphanKeep:
		default:
			return fmt.Errorf("unknown cycle_orphan_policy %q", *c.CycleOrphanPolicy)
		}
	}
	if c.MinTrackLen != nil && *c.MinTrackLen < 2 {
		return fmt.Errorf("min_track_len must be at least 2, got %d", *c.MinTrackLen)
	}
	if c.TriangulationMode != nil {
		switch *c.TriangulationMode {
		case TriangulationNoRansac, TriangulationRansac:
		default:
			return fmt.Errorf("unknown triangulation_mode %q", *c.TriangulationMode)
		}
	}
	if c.MaxNumHypotheses != nil && *c.MaxNumHypotheses < 1 {
		return fmt.Errorf("max_num_hypotheses must be positive, got %d", *c.MaxNumHypotheses)
	}
	return nil
}

// GetMinNumInliersEstModel returns the minimum inlier count for an accepted
// two-view model.
func (c *PipelineConfig) GetMinNumInliersEstModel() int {
	if c.MinNumInliersEstModel == nil {
		return 15
	}
	return *c.MinNumInliersEstModel
}

// GetMinInlierRatioEstModel returns the minimum inlier ratio for an
// accepted two-view model.
func (c *PipelineConfig) GetMinInlierRatioEstModel() float64 {
	if c.MinInlierRatioEstModel == nil {
		return 0.1
	}
	return *c.MinInlierRatioEstModel
}

// GetEstimationThresholdPx returns the verifier pixel threshold.
func (c *PipelineConfig) GetEstimationThresholdPx() float64 {
	if c.EstimationThresholdPx == nil {
		return 4.0
	}
	return *c.EstimationThresholdPx
}

// GetVerifier returns the verifier selection key.
func (c *PipelineConfig) GetVerifier() string {
	if c.Verifier == nil {
		return VerifierEssential
	}
	return *c.Verifier
}

// GetMatcher returns the matcher selection key.
func (c *PipelineConfig) GetMatcher() string {
	if c.Matcher == nil {
		return MatcherUnique
	}
	return *c.Matcher
}

// GetLoweRatio returns the ratio-test threshold used by the ratio matcher.
func (c *PipelineConfig) GetLoweRatio() float64 {
	if c.LoweRatio == nil {
		return 0.8
	}
	return *c.LoweRatio
}

// GetMaxTwoViewRefineIters returns the iteration cap for local two-view
// pose refinement. Zero disables refinement.
func (c *PipelineConfig) GetMaxTwoViewRefineIters() int {
	if c.MaxTwoViewRefineIters == nil {
		return 10
	}
	return *c.MaxTwoViewRefineIters
}

// GetHomographyCheck reports whether planar/rotation-only pairs are gated
// by a homography degeneracy test.
func (c *PipelineConfig) GetHomographyCheck() bool {
	if c.HomographyCheck == nil {
		return false
	}
	return *c.HomographyCheck
}

// GetEdgeErrorAggregationCriterion returns how per-cycle errors are
// aggregated into a per-edge error.
func (c *PipelineConfig) GetEdgeErrorAggregationCriterion() string {
	if c.EdgeErrorAggregationCriterion == nil {
		return MedianEdgeError
	}
	return *c.EdgeErrorAggregationCriterion
}

// GetMaxCycleErrorDeg returns the aggregate cycle error (degrees) above
// which an edge is dropped.
func (c *PipelineConfig) GetMaxCycleErrorDeg() float64 {
	if c.MaxCycleErrorDeg == nil {
		return 7.0
	}
	return *c.MaxCycleErrorDeg
}

// GetCycleOrphanPolicy returns the policy for edges without triplet support.
func (c *PipelineConfig) GetCycleOrphanPolicy() string {
	if c.CycleOrphanPolicy == nil {
		return OrphanDrop
	}
	return *c.CycleOrphanPolicy
}

// GetMinTrackLen returns the minimum number of views for a valid track.
func (c *PipelineConfig) GetMinTrackLen() int {
	if c.MinTrackLen == nil {
		return 2
	}
	return *c.MinTrackLen
}

// GetReprojErrorThreshold returns the triangulation reprojection threshold
// in pixels.
func (c *PipelineConfig) GetReprojErrorThreshold() float64 {
	if c.ReprojErrorThreshold == nil {
		return 10.0
	}
	return *c.ReprojErrorThreshold
}

// GetTriangulationMode returns the triangulation mode key.
func (c *PipelineConfig) GetTriangulationMode() string {
	if c.TriangulationMode == nil {
		return TriangulationNoRansac
	}
	return *c.TriangulationMode
}

// GetMaxNumHypotheses returns the hypothesis cap for RANSAC triangulation.
func (c *PipelineConfig) GetMaxNumHypotheses() int {
	if c.MaxNumHypotheses == nil {
		return 20
	}
	return *c.MaxNumHypotheses
}

// GetOutputReprojErrorThresh returns the post-optimization reprojection
// filter threshold in pixels.
func (c *PipelineConfig) GetOutputReprojErrorThresh() float64 {
	if c.OutputReprojErrorThresh == nil {
		return 3.0
	}
	return *c.OutputReprojErrorThresh
}

// GetRobustMeasurementNoise reports whether bundle adjustment applies a
// robust (Huber) loss to each residual.
func (c *PipelineConfig) GetRobustMeasurementNoise() bool {
	if c.RobustMeasurementNoise == nil {
		return true
	}
	return *c.RobustMeasurementNoise
}

// GetSharedCalib reports whether all cameras share a single calibration.
func (c *PipelineConfig) GetSharedCalib() bool {
	if c.SharedCalib == nil {
		return false
	}
	return *c.SharedCalib
}

// GetOptimizeCalib reports whether bundle adjustment refines focal lengths
// (shared or per camera, per GetSharedCalib) instead of holding the
// supplied calibration fixed.
func (c *PipelineConfig) GetOptimizeCalib() bool {
	if c.OptimizeCalib == nil {
		return false
	}
	return *c.OptimizeCalib
}

// GetMaxBAIterations returns the bundle adjustment iteration cap.
func (c *PipelineConfig) GetMaxBAIterations() int {
	if c.MaxBAIterations == nil {
		return 50
	}
	return *c.MaxBAIterations
}

// GetNumWorkers returns the two-view estimation worker count. Zero or
// unset means one worker per CPU.
func (c *PipelineConfig) GetNumWorkers() int {
	if c.NumWorkers == nil || *c.NumWorkers <= 0 {
		return runtime.NumCPU()
	}
	return *c.NumWorkers
}
