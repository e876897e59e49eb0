package layer

import (
	"fmt"
	"sort"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"
)

// Grouping bounds. Community detection below minCommunityNodes is noise, so
// small graphs use round-robin. The resolution search is capped so it always
// terminates even when no resolution yields the target count.
const (
	minCommunityNodes  = 10
	resolutionMin      = 0.1
	resolutionMax      = 5.0
	resolutionStep     = 0.5
	maxResolutionIters = 10
	// communitySeed fixes the Louvain randomization so grouping is
	// reproducible for a given graph and target count.
	communitySeed = 1
)

// GenerateLayerGroups partitions the graph's layers into targetGroups groups
// for layer-wise sharding. The partition is deterministic for a given graph
// and target count.
//
// Strategy: with no dependency edges the layers are packed into size-balanced
// buckets in name order. Otherwise an undirected projection of the dependency
// graph is clustered by modularity, tuning the resolution until the community
// count approaches targetGroups; small graphs and detection failures fall
// back to round-robin assignment.
func GenerateLayerGroups(g *Graph, targetGroups int) ([][]string, error) {
	n := len(g.layers)
	if n == 0 {
		return nil, fmt.Errorf("empty layer graph for %s", g.ModelPath)
	}
	if targetGroups < 1 {
		targetGroups = 1
	}
	if targetGroups > n {
		targetGroups = n
	}

	if len(g.edges) == 0 {
		return sizeBalanced(g, targetGroups), nil
	}
	if n < minCommunityNodes {
		return roundRobin(g, targetGroups), nil
	}

	groups, ok := detectCommunities(g, targetGroups)
	if !ok {
		return roundRobin(g, targetGroups), nil
	}
	return normalizeGroups(g, groups, targetGroups), nil
}

// sizeBalanced packs name-sorted layers into buckets of roughly equal byte
// size.
func sizeBalanced(g *Graph, target int) [][]string {
	total := g.TotalBytes()
	quota := total / int64(target)
	if quota < 1 {
		quota = 1
	}
	groups := make([][]string, 0, target)
	var cur []string
	var acc int64
	for _, l := range g.layers { // already sorted by name
		cur = append(cur, l.Name)
		acc += l.SizeBytes
		if acc >= quota && len(groups)+1 < target {
			groups = append(groups, cur)
			cur = nil
			acc = 0
		}
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// roundRobin deals name-sorted layers across target groups.
func roundRobin(g *Graph, target int) [][]string {
	groups := make([][]string, target)
	for i, l := range g.layers {
		groups[i%target] = append(groups[i%target], l.Name)
	}
	// Drop empty tails when target exceeds the layer count.
	out := groups[:0]
	for _, grp := range groups {
		if len(grp) > 0 {
			out = append(out, grp)
		}
	}
	return out
}

// detectCommunities runs seeded Louvain modularity over the undirected
// projection, searching resolutions for a community count near target.
func detectCommunities(g *Graph, target int) (groups [][]string, ok bool) {
	defer func() {
		// Modularize panics on malformed graphs; treat that as detection
		// failure and let the caller fall back.
		if r := recover(); r != nil {
			groups, ok = nil, false
		}
	}()

	ug := simple.NewUndirectedGraph()
	for i := range g.layers {
		ug.AddNode(simple.Node(int64(i)))
	}
	for _, e := range g.edges {
		fi, fok := g.byName[e.From]
		ti, tok := g.byName[e.To]
		if !fok || !tok || fi == ti {
			continue
		}
		ug.SetEdge(ug.NewEdge(simple.Node(int64(fi)), simple.Node(int64(ti))))
	}

	var best [][]string
	bestDist := -1
	res := resolutionMin
	for iter := 0; iter < maxResolutionIters && res <= resolutionMax; iter++ {
		reduced := community.Modularize(ug, res, xrand.NewSource(communitySeed))
		comms := reduced.Communities()
		cand := make([][]string, 0, len(comms))
		for _, c := range comms {
			names := make([]string, 0, len(c))
			for _, node := range c {
				names = append(names, g.layers[node.ID()].Name)
			}
			sort.Strings(names)
			cand = append(cand, names)
		}
		sort.Slice(cand, func(i, j int) bool { return cand[i][0] < cand[j][0] })

		dist := len(cand) - target
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best = cand
			bestDist = dist
		}
		if dist == 0 {
			break
		}
		res += resolutionStep
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// normalizeGroups merges or splits detected communities until exactly target
// groups remain, by byte size with name tie-breaking so results are stable.
func normalizeGroups(g *Graph, groups [][]string, target int) [][]string {
	size := func(grp []string) int64 {
		var n int64
		for _, name := range grp {
			if l, ok := g.Layer(name); ok {
				n += l.SizeBytes
			}
		}
		return n
	}

	// Merge the two smallest groups while over target.
	for len(groups) > target {
		a, b := smallestPair(groups, size)
		merged := append(append([]string{}, groups[a]...), groups[b]...)
		sort.Strings(merged)
		next := make([][]string, 0, len(groups)-1)
		for i, grp := range groups {
			if i == a || i == b {
				continue
			}
			next = append(next, grp)
		}
		groups = append(next, merged)
		sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })
	}

	// Split the largest splittable group while under target.
	for len(groups) < target {
		li := -1
		var lsize int64
		for i, grp := range groups {
			if len(grp) < 2 {
				continue
			}
			if s := size(grp); li < 0 || s > lsize || (s == lsize && grp[0] < groups[li][0]) {
				li, lsize = i, s
			}
		}
		if li < 0 {
			break // nothing splittable left
		}
		grp := groups[li]
		mid := len(grp) / 2
		groups[li] = grp[:mid]
		groups = append(groups, grp[mid:])
		sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })
	}
	return groups
}

// smallestPair returns the indices of the two byte-smallest groups, breaking
// ties by first layer name.
func smallestPair(groups [][]string, size func([]string) int64) (int, int) {
	type entry struct {
		idx   int
		bytes int64
	}
	entries := make([]entry, len(groups))
	for i, grp := range groups {
		entries[i] = entry{idx: i, bytes: size(grp)}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].bytes != entries[j].bytes {
			return entries[i].bytes < entries[j].bytes
		}
		return groups[entries[i].idx][0] < groups[entries[j].idx][0]
	})
	return entries[0].idx, entries[1].idx
}
