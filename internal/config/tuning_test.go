package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefaults(t *testing.T) {
	cfg := EmptyPipelineConfig()

	if got := cfg.GetMinNumInliersEstModel(); got != 15 {
		t.Errorf("GetMinNumInliersEstModel() = %d, want 15", got)
	}
	if got := cfg.GetMinInlierRatioEstModel(); got != 0.1 {
		t.Errorf("GetMinInlierRatioEstModel() = %f, want 0.1", got)
	}
	if got := cfg.GetEstimationThresholdPx(); got != 4.0 {
		t.Errorf("GetEstimationThresholdPx() = %f, want 4.0", got)
	}
	if got := cfg.GetVerifier(); got != VerifierEssential {
		t.Errorf("GetVerifier() = %q, want %q", got, VerifierEssential)
	}
	if got := cfg.GetMatcher(); got != MatcherUnique {
		t.Errorf("GetMatcher() = %q, want %q", got, MatcherUnique)
	}
	if got := cfg.GetEdgeErrorAggregationCriterion(); got != MedianEdgeError {
		t.Errorf("GetEdgeErrorAggregationCriterion() = %q, want %q", got, MedianEdgeError)
	}
	if got := cfg.GetMaxCycleErrorDeg(); got != 7.0 {
		t.Errorf("GetMaxCycleErrorDeg() = %f, want 7.0", got)
	}
	if got := cfg.GetCycleOrphanPolicy(); got != OrphanDrop {
		t.Errorf("GetCycleOrphanPolicy() = %q, want %q", got, OrphanDrop)
	}
	if got := cfg.GetMinTrackLen(); got != 2 {
		t.Errorf("GetMinTrackLen() = %d, want 2", got)
	}
	if got := cfg.GetReprojErrorThreshold(); got != 10.0 {
		t.Errorf("GetReprojErrorThreshold() = %f, want 10.0", got)
	}
	if got := cfg.GetTriangulationMode(); got != TriangulationNoRansac {
		t.Errorf("GetTriangulationMode() = %q, want %q", got, TriangulationNoRansac)
	}
	if got := cfg.GetMaxNumHypotheses(); got != 20 {
		t.Errorf("GetMaxNumHypotheses() = %d, want 20", got)
	}
	if got := cfg.GetOutputReprojErrorThresh(); got != 3.0 {
		t.Errorf("GetOutputReprojErrorThresh() = %f, want 3.0", got)
	}
	if !cfg.GetRobustMeasurementNoise() {
		t.Error("GetRobustMeasurementNoise() = false, want true")
	}
	if cfg.GetSharedCalib() {
		t.Error("GetSharedCalib() = true, want false")
	}
	if cfg.GetOptimizeCalib() {
		t.Error("GetOptimizeCalib() = true, want false")
	}
	if got := cfg.GetMaxBAIterations(); got != 50 {
		t.Errorf("GetMaxBAIterations() = %d, want 50", got)
	}
	if got := cfg.GetNumWorkers(); got != runtime.NumCPU() {
		t.Errorf("GetNumWorkers() = %d, want NumCPU %d", got, runtime.NumCPU())
	}
}

func TestPartialJSONKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.json")
	body := `{
		"min_num_inliers_est_model": 30,
		"verifier": "fundamental",
		"max_cycle_error_deg": 4.5,
		"triangulation_mode": "RANSAC"
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadPipelineConfig(path)
	if err != nil {
		t.Fatalf("LoadPipelineConfig: %v", err)
	}

	if got := cfg.GetMinNumInliersEstModel(); got != 30 {
		t.Errorf("overridden GetMinNumInliersEstModel() = %d, want 30", got)
	}
	if got := cfg.GetVerifier(); got != VerifierFundamental {
		t.Errorf("overridden GetVerifier() = %q", got)
	}
	if got := cfg.GetMaxCycleErrorDeg(); got != 4.5 {
		t.Errorf("overridden GetMaxCycleErrorDeg() = %f", got)
	}
	if got := cfg.GetTriangulationMode(); got != TriangulationRansac {
		t.Errorf("overridden GetTriangulationMode() = %q", got)
	}

	// Everything not named by the file keeps its default.
	if got := cfg.GetMinInlierRatioEstModel(); got != 0.1 {
		t.Errorf("GetMinInlierRatioEstModel() = %f, want default 0.1", got)
	}
	if got := cfg.GetMatcher(); got != MatcherUnique {
		t.Errorf("GetMatcher() = %q, want default %q", got, MatcherUnique)
	}
	if got := cfg.GetMaxBAIterations(); got != 50 {
		t.Errorf("GetMaxBAIterations() = %d, want default 50", got)
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadPipelineConfig(filepath.Join(dir, "tuning.yaml")); err == nil {
		t.Error("non-json extension accepted")
	}
	if _, err := LoadPipelineConfig(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("missing file accepted")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"verifier": "homography"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPipelineConfig(bad); err == nil {
		t.Error("unknown verifier accepted")
	}
}

func TestValidateRanges(t *testing.T) {
	neg := -1
	cfg := &PipelineConfig{MinNumInliersEstModel: &neg}
	if err := cfg.Validate(); err == nil {
		t.Error("negative inlier count accepted")
	}

	ratio := 1.5
	cfg = &PipelineConfig{MinInlierRatioEstModel: &ratio}
	if err := cfg.Validate(); err == nil {
		t.Error("ratio > 1 accepted")
	}

	short := 1
	cfg = &PipelineConfig{MinTrackLen: &short}
	if err := cfg.Validate(); err == nil {
		t.Error("min_track_len 1 accepted")
	}

	agg := "MAX_EDGE_ERROR"
	cfg = &PipelineConfig{EdgeErrorAggregationCriterion: &agg}
	if err := cfg.Validate(); err == nil {
		t.Error("unknown aggregation accepted")
	}

	mode := "LORANSAC"
	cfg = &PipelineConfig{TriangulationMode: &mode}
	if err := cfg.Validate(); err == nil {
		t.Error("unknown triangulation mode accepted")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.json")
	body := `{"lowe_ratio": 0.7, "num_workers": 3, "shared_calib": true}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadPipelineConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	ratio := 0.7
	n := 3
	shared := true
	want := &PipelineConfig{LoweRatio: &ratio, NumWorkers: &n, SharedCalib: &shared}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("loaded config mismatch (-want +got):\n%s", diff)
	}
}
