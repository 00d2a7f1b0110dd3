package twoview

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/parallax-data/sfm/internal/sfm"
)

func TestNewMatcherFactory(t *testing.T) {
	for _, key := range []string{"passthrough", "unique", "ratio"} {
		if _, err := NewMatcher(key, 0.8); err != nil {
			t.Errorf("NewMatcher(%q) failed: %v", key, err)
		}
	}
	if _, err := NewMatcher("hamming", 0.8); err == nil {
		t.Error("unknown matcher key accepted")
	}
}

func TestPassthroughMatcher(t *testing.T) {
	in := []sfm.Match{{K1: 0, K2: 1}, {K1: 2, K2: 3}}
	out := PassthroughMatcher{}.Refine(nil, nil, in)
	assert.Equal(t, in, out)
}

func TestUniqueMatcherKeepsLowestDistance(t *testing.T) {
	in := []sfm.Match{
		{K1: 0, K2: 0, Dist: 0.9},
		{K1: 0, K2: 1, Dist: 0.3}, // same source keypoint, closer
		{K1: 1, K2: 1, Dist: 0.1}, // target 1 taken by the closest claim
		{K1: 2, K2: 2, Dist: 0.5},
	}
	out := UniqueMatcher{}.Refine(nil, nil, in)
	assert.Equal(t, []sfm.Match{
		{K1: 1, K2: 1, Dist: 0.1},
		{K1: 2, K2: 2, Dist: 0.5},
	}, out)
}

func TestUniqueMatcherStableOnTies(t *testing.T) {
	in := []sfm.Match{
		{K1: 0, K2: 0, Dist: 0.5},
		{K1: 0, K2: 1, Dist: 0.5},
	}
	out := UniqueMatcher{}.Refine(nil, nil, in)
	assert.Equal(t, []sfm.Match{{K1: 0, K2: 0, Dist: 0.5}}, out)
}

func TestRatioMatcher(t *testing.T) {
	in := []sfm.Match{
		{K1: 0, K2: 0, Dist: 0.2},
		{K1: 0, K2: 1, Dist: 0.9}, // 0.2 < 0.5*0.9: keep the best
		{K1: 1, K2: 2, Dist: 0.5},
		{K1: 1, K2: 3, Dist: 0.6}, // 0.5 >= 0.5*0.6: ambiguous, drop
		{K1: 2, K2: 4, Dist: 0.4}, // single candidate, keep
	}
	out := RatioMatcher{Ratio: 0.5}.Refine(nil, nil, in)
	assert.Equal(t, []sfm.Match{
		{K1: 0, K2: 0, Dist: 0.2},
		{K1: 2, K2: 4, Dist: 0.4},
	}, out)
}

func TestRatioMatcherWithoutDistances(t *testing.T) {
	in := []sfm.Match{{K1: 0, K2: 0}, {K1: 0, K2: 1}}
	out := RatioMatcher{Ratio: 0.5}.Refine(nil, nil, in)
	assert.Equal(t, in, out)
}
