package placement

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrCycle is returned when the stage dependency graph is not a DAG.
	ErrCycle = errors.New("placement: cycle in the stage graph")
	// ErrInfeasible is returned when even the fully-independent placement
	// cannot fit on the cluster.
	ErrInfeasible = errors.New("placement: cannot place the stages on the cluster")
)

// Profile is the measured per-stage performance profile driving placement.
type Profile struct {
	InputTime   float64
	ComputeTime float64
	OutputTime  float64
	MinVCPU     int
}

// NodeResources describes one cluster node's capacity.
type NodeResources struct {
	VCPU     int
	MemoryMB int
}

// Edge is a weighted dependency src→dst. Weight is the transfer cost
// output_time(src) + input_time(dst).
type Edge struct {
	Src, Dst string
	Weight   float64
}

// TopoSort orders stages so every dependency precedes its dependents.
// Ready stages are taken in name order, which keeps the result stable.
func TopoSort(stages []string, deps map[string][]string) ([]string, error) {
	indeg := make(map[string]int, len(stages))
	for _, s := range stages {
		indeg[s] += 0
		for range deps[s] {
			indeg[s]++
		}
	}
	pending := append([]string(nil), stages...)
	sort.Strings(pending)

	topo := make([]string, 0, len(stages))
	done := map[string]bool{}
	for len(topo) < len(stages) {
		found := false
		for _, s := range pending {
			if done[s] || indeg[s] != 0 {
				continue
			}
			topo = append(topo, s)
			done[s] = true
			found = true
			for _, t := range pending {
				for _, dep := range deps[t] {
					if dep == s {
						indeg[t]--
					}
				}
			}
		}
		if !found {
			return nil, ErrCycle
		}
	}
	return topo, nil
}

// DittoPlacer assigns stages to nodes minimizing critical-path latency
// under per-node vCPU capacity. It starts with every stage alone and
// greedily merges the endpoints of the heaviest critical-path edge while
// the merged grouping still fits.
type DittoPlacer struct {
	nodes    map[string]NodeResources
	deps     map[string][]string
	profiles map[string]Profile

	stageList []string
	nodeList  []string
}

// NewDittoPlacer validates the inputs and prepares stable iteration orders.
func NewDittoPlacer(nodes map[string]NodeResources, deps map[string][]string, profiles map[string]Profile) (*DittoPlacer, error) {
	if len(nodes) == 0 {
		return nil, errors.New("placement: no nodes")
	}
	stageList := make([]string, 0, len(deps))
	for s := range deps {
		if _, ok := profiles[s]; !ok {
			return nil, fmt.Errorf("placement: stage %s has no profile", s)
		}
		stageList = append(stageList, s)
	}
	sort.Strings(stageList)
	nodeList := make([]string, 0, len(nodes))
	for n := range nodes {
		nodeList = append(nodeList, n)
	}
	sort.Strings(nodeList)
	return &DittoPlacer{nodes: nodes, deps: deps, profiles: profiles, stageList: stageList, nodeList: nodeList}, nil
}

// Run computes the stage→node assignment.
func (p *DittoPlacer) Run() (map[string]string, error) {
	var edges []Edge
	for _, dst := range p.stageList {
		for _, src := range p.deps[dst] {
			edges = append(edges, Edge{
				Src:    src,
				Dst:    dst,
				Weight: p.profiles[src].OutputTime + p.profiles[dst].InputTime,
			})
		}
	}

	groups := make([][]string, len(p.stageList))
	for i, s := range p.stageList {
		groups[i] = []string{s}
	}

	best := p.canPlace(groups)
	if best == nil {
		return nil, ErrInfeasible
	}

	for len(edges) > 0 {
		path, err := p.criticalPath(edges)
		if err != nil {
			return nil, err
		}
		if len(path) == 0 {
			break
		}

		// heaviest critical-path edge, first encountered wins ties
		heaviest := path[0]
		for _, e := range path[1:] {
			if e.Weight > heaviest.Weight {
				heaviest = e
			}
		}
		edges = removeEdge(edges, heaviest)

		srcIdx := groupOf(groups, heaviest.Src)
		dstIdx := groupOf(groups, heaviest.Dst)
		if srcIdx == dstIdx {
			continue
		}

		merged := make([][]string, 0, len(groups)-1)
		for i, g := range groups {
			switch i {
			case srcIdx:
				union := append(append([]string(nil), g...), groups[dstIdx]...)
				sort.Strings(union)
				merged = append(merged, union)
			case dstIdx:
			default:
				merged = append(merged, g)
			}
		}

		if placement := p.canPlace(merged); placement != nil {
			best = placement
			groups = merged
		}
	}
	return best, nil
}

// criticalPath runs a reverse-topological DP over the remaining edges:
// cpLen[u] = compute(u) + max over (u,v) of (weight + cpLen[v]). Returns
// the edges of the longest path.
func (p *DittoPlacer) criticalPath(edges []Edge) ([]Edge, error) {
	if len(edges) == 0 {
		return nil, nil
	}
	stageSet := map[string]bool{}
	for _, e := range edges {
		stageSet[e.Src] = true
		stageSet[e.Dst] = true
	}
	stages := make([]string, 0, len(stageSet))
	for s := range stageSet {
		stages = append(stages, s)
	}
	deps := map[string][]string{}
	for _, e := range edges {
		deps[e.Dst] = append(deps[e.Dst], e.Src)
	}
	topo, err := TopoSort(stages, deps)
	if err != nil {
		return nil, err
	}
	if len(topo) <= 1 {
		return nil, nil
	}

	cpLen := map[string]float64{}
	cpPath := map[string][]Edge{}
	for i := len(topo) - 1; i >= 0; i-- {
		cur := topo[i]
		bestLen := -1.0
		var bestEdge *Edge
		for j := range edges {
			e := edges[j]
			if e.Src != cur {
				continue
			}
			if l := cpLen[e.Dst] + e.Weight; l > bestLen {
				bestLen = l
				bestEdge = &edges[j]
			}
		}
		if bestEdge == nil {
			cpLen[cur] = p.profiles[cur].ComputeTime
			continue
		}
		cpLen[cur] = bestLen + p.profiles[cur].ComputeTime
		cpPath[cur] = append([]Edge{*bestEdge}, cpPath[bestEdge.Dst]...)
	}

	start := topo[0]
	for _, s := range topo[1:] {
		if cpLen[s] > cpLen[start] {
			start = s
		}
	}
	return cpPath[start], nil
}

// canPlace enumerates all group→node assignments in stable node order and
// returns the first one that fits every node's vCPU capacity, or nil.
func (p *DittoPlacer) canPlace(groups [][]string) map[string]string {
	needed := make([]int, len(groups))
	for i, g := range groups {
		for _, s := range g {
			needed[i] += p.profiles[s].MinVCPU
		}
	}

	assign := make([]int, len(groups))
	used := make(map[string]int, len(p.nodeList))

	var search func(i int) bool
	search = func(i int) bool {
		if i == len(groups) {
			return true
		}
		for n, node := range p.nodeList {
			if used[node]+needed[i] > p.nodes[node].VCPU {
				continue
			}
			used[node] += needed[i]
			assign[i] = n
			if search(i + 1) {
				return true
			}
			used[node] -= needed[i]
		}
		return false
	}
	if !search(0) {
		return nil
	}

	placement := map[string]string{}
	for i, g := range groups {
		for _, s := range g {
			placement[s] = p.nodeList[assign[i]]
		}
	}
	return placement
}

func groupOf(groups [][]string, stage string) int {
	for i, g := range groups {
		for _, s := range g {
			if s == stage {
				return i
			}
		}
	}
	return -1
}

func removeEdge(edges []Edge, target Edge) []Edge {
	out := edges[:0]
	removed := false
	for _, e := range edges {
		if !removed && e == target {
			removed = true
			continue
		}
		out = append(out, e)
	}
	return out
}
