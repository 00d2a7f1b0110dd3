// Package tracks forms multi-view feature tracks from pairwise inlier
// correspondences and triangulates a 3D point per track.
package tracks

import (
	"sort"

	"github.com/parallax-data/sfm/internal/sfm"
)

// observationKey identifies one keypoint in one image.
type observationKey struct {
	image    sfm.ImageID
	keypoint int
}

// Track2D is a multi-view track before triangulation.
type Track2D struct {
	Obs []sfm.TrackObservation
}

// BuildResult reports track formation diagnostics.
type BuildResult struct {
	Tracks          []Track2D
	NumInconsistent int // tracks observing one image at two keypoints
	NumTooShort     int
	MeanLength      float64
}

// BuildTracks merges correspondences transitively by shared keypoint
// identifiers across images, using union-find, and returns maximal tracks
// of length >= minLen. Tracks that touch the same image at two different
// keypoints are contradictory and dropped.
func BuildTracks(dataset *sfm.Dataset, edges []*sfm.TwoViewGeometry, minLen int) BuildResult {
	uf := newUnionFind()
	for _, e := range edges {
		for _, m := range e.Inliers {
			uf.union(
				observationKey{image: e.I1, keypoint: m.K1},
				observationKey{image: e.I2, keypoint: m.K2},
			)
		}
	}

	groups := make(map[observationKey][]observationKey)
	for _, key := range uf.keys() {
		root := uf.find(key)
		groups[root] = append(groups[root], key)
	}

	// Deterministic track order: sort group roots.
	roots := make([]observationKey, 0, len(groups))
	for root := range groups {
		roots = append(roots, root)
	}
	sort.Slice(roots, func(a, b int) bool {
		if roots[a].image != roots[b].image {
			return roots[a].image < roots[b].image
		}
		return roots[a].keypoint < roots[b].keypoint
	})

	var res BuildResult
	var totalLen int
	for _, root := range roots {
		members := groups[root]
		sort.Slice(members, func(a, b int) bool {
			if members[a].image != members[b].image {
				return members[a].image < members[b].image
			}
			return members[a].keypoint < members[b].keypoint
		})

		seen := make(map[sfm.ImageID]bool, len(members))
		consistent := true
		obs := make([]sfm.TrackObservation, 0, len(members))
		for _, m := range members {
			if seen[m.image] {
				consistent = false
				break
			}
			seen[m.image] = true
			img := dataset.Image(m.image)
			if img == nil {
				consistent = false
				break
			}
			kp := img.Keypoints[m.keypoint]
			obs = append(obs, sfm.TrackObservation{
				Image:    m.image,
				Keypoint: m.keypoint,
				X:        kp.X,
				Y:        kp.Y,
			})
		}
		if !consistent {
			res.NumInconsistent++
			continue
		}
		if len(obs) < minLen {
			res.NumTooShort++
			continue
		}
		res.Tracks = append(res.Tracks, Track2D{Obs: obs})
		totalLen += len(obs)
	}
	if len(res.Tracks) > 0 {
		res.MeanLength = float64(totalLen) / float64(len(res.Tracks))
	}
	return res
}

// unionFind is a classic disjoint-set forest with path compression and
// union by size.
type unionFind struct {
	parent map[observationKey]observationKey
	size   map[observationKey]int
	order  []observationKey
}

func newUnionFind() *unionFind {
	return &unionFind{
		parent: make(map[observationKey]observationKey),
		size:   make(map[observationKey]int),
	}
}

func (u *unionFind) add(k observationKey) {
	if _, ok := u.parent[k]; !ok {
		u.parent[k] = k
		u.size[k] = 1
		u.order = append(u.order, k)
	}
}

func (u *unionFind) find(k observationKey) observationKey {
	u.add(k)
	root := k
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[k] != root {
		u.parent[k], k = root, u.parent[k]
	}
	return root
}

func (u *unionFind) union(a, b observationKey) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.size[ra] < u.size[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.size[ra] += u.size[rb]
}

func (u *unionFind) keys() []observationKey { return u.order }
