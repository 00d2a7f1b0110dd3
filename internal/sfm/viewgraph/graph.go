// Package viewgraph filters the candidate edge set for global rotation
// cycle consistency and exposes the surviving graph per connected
// component.
package viewgraph

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/parallax-data/sfm/internal/sfm"
)

// Graph is a view graph: verified two-view edges over an image index set
// with an adjacency index for neighbor queries.
type Graph struct {
	edges map[sfm.PairKey]*sfm.TwoViewGeometry
	adj   map[sfm.ImageID]map[sfm.ImageID]bool
}

// NewGraph builds a view graph from candidate edges. Self-edges and
// duplicate pairs are rejected: the candidate set must be consistent.
func NewGraph(candidates []*sfm.TwoViewGeometry) (*Graph, error) {
	g := &Graph{
		edges: make(map[sfm.PairKey]*sfm.TwoViewGeometry, len(candidates)),
		adj:   make(map[sfm.ImageID]map[sfm.ImageID]bool),
	}
	for _, e := range candidates {
		if e.I1 == e.I2 {
			return nil, fmt.Errorf("self-edge on image %d", e.I1)
		}
		if e.I1 > e.I2 {
			return nil, fmt.Errorf("edge %v not in canonical order", e.Key())
		}
		key := e.Key()
		if _, dup := g.edges[key]; dup {
			return nil, fmt.Errorf("duplicate edge %v", key)
		}
		g.edges[key] = e
		g.link(e.I1, e.I2)
	}
	return g, nil
}

func (g *Graph) link(a, b sfm.ImageID) {
	if g.adj[a] == nil {
		g.adj[a] = make(map[sfm.ImageID]bool)
	}
	if g.adj[b] == nil {
		g.adj[b] = make(map[sfm.ImageID]bool)
	}
	g.adj[a][b] = true
	g.adj[b][a] = true
}

// NumEdges returns the edge count.
func (g *Graph) NumEdges() int { return len(g.edges) }

// Edge returns the edge for an unordered image pair, or nil.
func (g *Graph) Edge(a, b sfm.ImageID) *sfm.TwoViewGeometry {
	return g.edges[sfm.MakePairKey(a, b)]
}

// Edges returns all edges in deterministic (key-sorted) order.
func (g *Graph) Edges() []*sfm.TwoViewGeometry {
	keys := make([]sfm.PairKey, 0, len(g.edges))
	for k := range g.edges {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		if keys[a].I1 != keys[b].I1 {
			return keys[a].I1 < keys[b].I1
		}
		return keys[a].I2 < keys[b].I2
	})
	out := make([]*sfm.TwoViewGeometry, len(keys))
	for i, k := range keys {
		out[i] = g.edges[k]
	}
	return out
}

// Neighbors returns the sorted neighbor set of an image.
func (g *Graph) Neighbors(id sfm.ImageID) []sfm.ImageID {
	out := make([]sfm.ImageID, 0, len(g.adj[id]))
	for n := range g.adj[id] {
		out = append(out, n)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Degree returns the number of edges incident to an image.
func (g *Graph) Degree(id sfm.ImageID) int { return len(g.adj[id]) }

// Component is one connected component of the view graph, addressed by a
// stable index (components are ordered by their smallest image ID).
type Component struct {
	Index  int
	Images []sfm.ImageID
	Edges  []*sfm.TwoViewGeometry
}

// ConnectedComponents partitions the graph. Isolated images (degree zero
// after filtering) do not form components.
func (g *Graph) ConnectedComponents() []Component {
	ug := simple.NewUndirectedGraph()
	for key := range g.edges {
		ug.SetEdge(ug.NewEdge(simple.Node(key.I1), simple.Node(key.I2)))
	}

	raw := topo.ConnectedComponents(ug)
	comps := make([]Component, 0, len(raw))
	for _, nodes := range raw {
		images := make([]sfm.ImageID, 0, len(nodes))
		for _, n := range nodes {
			images = append(images, sfm.ImageID(n.ID()))
		}
		sort.Slice(images, func(a, b int) bool { return images[a] < images[b] })

		member := make(map[sfm.ImageID]bool, len(images))
		for _, id := range images {
			member[id] = true
		}
		var edges []*sfm.TwoViewGeometry
		for _, e := range g.Edges() {
			if member[e.I1] {
				edges = append(edges, e)
			}
		}
		comps = append(comps, Component{Images: images, Edges: edges})
	}

	// Stable component indices: order by smallest member.
	sort.Slice(comps, func(a, b int) bool { return comps[a].Images[0] < comps[b].Images[0] })
	for i := range comps {
		comps[i].Index = i
	}
	return comps
}
