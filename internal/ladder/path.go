package ladder

import (
	"math"
	"sort"

	"github.com/sawpanic/tradeguard/internal/venue"
)

// Path is a sequence of direct conversions
type Path []venue.Edge

// Hops returns the number of conversions
func (p Path) Hops() int { return len(p) }

// FindPath runs a breadth-first search from -> to over adj, visiting at most
// maxHops edges deep. It returns nil when no path exists.
func FindPath(adj map[string][]venue.Edge, from, to string, maxHops int) Path {
	if from == to || maxHops < 1 {
		return nil
	}

	type node struct {
		asset string
		path  Path
	}
	visited := map[string]bool{from: true}
	queue := []node{{asset: from}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if len(cur.path) >= maxHops {
			continue
		}

		edges := append([]venue.Edge(nil), adj[cur.asset]...)
		sort.Slice(edges, func(i, j int) bool { return edges[i].To < edges[j].To })
		for _, e := range edges {
			if visited[e.To] {
				continue
			}
			next := make(Path, len(cur.path), len(cur.path)+1)
			copy(next, cur.path)
			next = append(next, e)
			if e.To == to {
				return next
			}
			visited[e.To] = true
			queue = append(queue, node{asset: e.To, path: next})
		}
	}
	return nil
}

// Momentum scores a ticker: 24h change scaled up by a damped volume factor
// whose contribution is capped at 50%.
func Momentum(t venue.Ticker) float64 {
	vol := math.Max(t.VolumeUSD, 0)
	boost := math.Min(0.5, math.Log10(1+vol)/20)
	return t.Change24hPct * (1 + boost)
}

// neighbours returns the distinct direct targets of asset, sorted
func neighbours(adj map[string][]venue.Edge, asset string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range adj[asset] {
		if e.To == asset || seen[e.To] {
			continue
		}
		seen[e.To] = true
		out = append(out, e.To)
	}
	sort.Strings(out)
	return out
}
