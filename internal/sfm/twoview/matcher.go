package twoview

import (
	"fmt"
	"sort"

	"github.com/parallax-data/sfm/internal/sfm"
)

// Matcher refines a putative correspondence set before verification.
// Matchers never add correspondences, only drop them.
type Matcher interface {
	Refine(img1, img2 *sfm.ImageData, matches []sfm.Match) []sfm.Match
}

// NewMatcher builds the matcher selected by key.
func NewMatcher(key string, loweRatio float64) (Matcher, error) {
	switch key {
	case "passthrough":
		return PassthroughMatcher{}, nil
	case "unique":
		return UniqueMatcher{}, nil
	case "ratio":
		return RatioMatcher{Ratio: loweRatio}, nil
	}
	return nil, fmt.Errorf("unknown matcher %q", key)
}

// PassthroughMatcher forwards the putative set unchanged.
type PassthroughMatcher struct{}

func (PassthroughMatcher) Refine(_, _ *sfm.ImageData, matches []sfm.Match) []sfm.Match {
	return matches
}

// UniqueMatcher enforces one-to-one keypoint usage: when a keypoint appears
// in several matches, only the lowest-distance match survives. Ties keep
// the first occurrence.
type UniqueMatcher struct{}

func (UniqueMatcher) Refine(_, _ *sfm.ImageData, matches []sfm.Match) []sfm.Match {
	ordered := make([]int, len(matches))
	for i := range ordered {
		ordered[i] = i
	}
	sort.SliceStable(ordered, func(a, b int) bool {
		return matches[ordered[a]].Dist < matches[ordered[b]].Dist
	})

	used1 := make(map[int]bool)
	used2 := make(map[int]bool)
	keep := make([]bool, len(matches))
	for _, idx := range ordered {
		m := matches[idx]
		if used1[m.K1] || used2[m.K2] {
			continue
		}
		used1[m.K1] = true
		used2[m.K2] = true
		keep[idx] = true
	}

	out := make([]sfm.Match, 0, len(matches))
	for i, m := range matches {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}

// RatioMatcher applies Lowe's ratio test per source keypoint: a match is
// kept only when its distance is below Ratio times the second-best distance
// for the same keypoint. Matches without distances (Dist == 0 throughout)
// pass unchanged.
type RatioMatcher struct {
	Ratio float64
}

func (m RatioMatcher) Refine(_, _ *sfm.ImageData, matches []sfm.Match) []sfm.Match {
	hasDist := false
	for _, mt := range matches {
		if mt.Dist != 0 {
			hasDist = true
			break
		}
	}
	if !hasDist {
		return matches
	}

	byK1 := make(map[int][]sfm.Match)
	for _, mt := range matches {
		byK1[mt.K1] = append(byK1[mt.K1], mt)
	}

	out := make([]sfm.Match, 0, len(matches))
	for _, group := range byK1 {
		sort.Slice(group, func(a, b int) bool { return group[a].Dist < group[b].Dist })
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}
		if group[1].Dist > 0 && group[0].Dist < m.Ratio*group[1].Dist {
			out = append(out, group[0])
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].K1 != out[b].K1 {
			return out[a].K1 < out[b].K1
		}
		return out[a].K2 < out[b].K2
	})
	return out
}
