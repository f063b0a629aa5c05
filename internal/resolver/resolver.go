// Package resolver orders a graph of named work items.
//
// Ordering uses Kahn's algorithm over the requested subset with a min-heap
// keyed on insertion position, so results are deterministic and stable with
// respect to submission order. Dependencies that fall outside the requested
// subset are treated as already satisfied.
package resolver

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownItem is returned when a requested id was never added to the graph.
var ErrUnknownItem = errors.New("unknown work item")

// CycleError reports the subset that could not be ordered.
type CycleError struct {
	// Unresolved holds every requested item left out of the order: the
	// members of cycles and anything downstream of them.
	Unresolved []string
	// Cycle is the first cycle found, as a closed path (first == last).
	Cycle []string
}

func (e *CycleError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("dependency cycle detected: %s (unresolved: %s)",
			strings.Join(e.Cycle, " -> "), strings.Join(e.Unresolved, ", "))
	}
	return fmt.Sprintf("unresolved dependencies: %s", strings.Join(e.Unresolved, ", "))
}

type node struct {
	id       string
	pos      int
	deps     []string
	provides []string
}

// Graph is an adjacency mapping from a work item to the items it depends on.
// It is safe for concurrent use.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*node
	next  int
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// Add registers id with its dependencies. Re-adding an id replaces its edges
// but keeps its original position.
func (g *Graph) Add(id string, dependsOn []string, provides []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		n = &node{id: id, pos: g.next}
		g.next++
		g.nodes[id] = n
	}
	n.deps = dedupe(dependsOn)
	n.provides = append([]string(nil), provides...)
}

// Remove deletes id. Edges pointing at it become external dependencies.
func (g *Graph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, id)
}

// Has reports whether id is in the graph.
func (g *Graph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// Deps returns the direct dependencies of id.
func (g *Graph) Deps(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[id]; ok {
		return append([]string(nil), n.deps...)
	}
	return nil
}

// Provides returns the documented outputs of id.
func (g *Graph) Provides(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[id]; ok {
		return append([]string(nil), n.provides...)
	}
	return nil
}

// IDs returns every id in insertion order.
func (g *Graph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortedLocked(nil)
}

// Dependents returns the items that directly depend on id, in insertion order.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortedLocked(func(n *node) bool { return contains(n.deps, id) })
}

// Downstream returns every item that transitively depends on any of roots,
// excluding the roots themselves, in insertion order.
func (g *Graph) Downstream(roots ...string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	reached := make(map[string]bool)
	frontier := append([]string(nil), roots...)
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, n := range g.nodes {
			if reached[n.id] || !contains(n.deps, cur) {
				continue
			}
			reached[n.id] = true
			frontier = append(frontier, n.id)
		}
	}
	for _, r := range roots {
		delete(reached, r)
	}
	return g.sortedLocked(func(n *node) bool { return reached[n.id] })
}

// subset resolves ids to nodes ordered by position. Duplicates are dropped.
func (g *Graph) subset(ids []string) ([]*node, error) {
	seen := make(map[string]bool, len(ids))
	var out []*node
	var missing []string
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		n, ok := g.nodes[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, n)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownItem, strings.Join(missing, ", "))
	}
	sortNodes(out)
	return out, nil
}

func (g *Graph) sortedLocked(keep func(*node) bool) []string {
	var ns []*node
	for _, n := range g.nodes {
		if keep == nil || keep(n) {
			ns = append(ns, n)
		}
	}
	sortNodes(ns)
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.id
	}
	return out
}

func sortNodes(ns []*node) {
	sort.Slice(ns, func(i, j int) bool { return ns[i].pos < ns[j].pos })
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// local is the requested subset re-indexed 0..n-1 in position order.
type local struct {
	nodes    []*node
	index    map[string]int
	deps     [][]int // in-subset dependencies
	outgoing [][]int // in-subset dependents
}

func (g *Graph) local(ids []string) (*local, error) {
	ns, err := g.subset(ids)
	if err != nil {
		return nil, err
	}
	l := &local{
		nodes:    ns,
		index:    make(map[string]int, len(ns)),
		deps:     make([][]int, len(ns)),
		outgoing: make([][]int, len(ns)),
	}
	for i, n := range ns {
		l.index[n.id] = i
	}
	for i, n := range ns {
		for _, d := range n.deps {
			j, ok := l.index[d]
			if !ok {
				continue // outside the subset: satisfied
			}
			l.deps[i] = append(l.deps[i], j)
			l.outgoing[j] = append(l.outgoing[j], i)
		}
	}
	for i := range l.outgoing {
		sort.Ints(l.outgoing[i])
		sort.Ints(l.deps[i])
	}
	return l, nil
}

func (l *local) topo() []int {
	indeg := make([]int, len(l.nodes))
	for i := range l.deps {
		indeg[i] = len(l.deps[i])
	}

	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range l.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// ResolveOrder returns a topological order over ids. When some items cannot
// be ordered the partial order of the rest is still returned, together with
// a *CycleError naming the unresolved subset.
func (g *Graph) ResolveOrder(ids []string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	l, err := g.local(ids)
	if err != nil {
		return nil, err
	}
	order := l.topo()
	out := make([]string, len(order))
	for i, idx := range order {
		out[i] = l.nodes[idx].id
	}
	if len(order) == len(l.nodes) {
		return out, nil
	}

	done := make([]bool, len(l.nodes))
	for _, idx := range order {
		done[idx] = true
	}
	cerr := &CycleError{Cycle: l.findCycle()}
	for i, n := range l.nodes {
		if !done[i] {
			cerr.Unresolved = append(cerr.Unresolved, n.id)
		}
	}
	return out, cerr
}

// DetectCycle returns the first cycle among ids as a closed path such as
// [X Y X] (X depends on Y, Y depends on X), or nil when acyclic.
func (g *Graph) DetectCycle(ids []string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	l, err := g.local(ids)
	if err != nil {
		return nil
	}
	return l.findCycle()
}

// findCycle walks dependency edges depth-first in position order.
func (l *local) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make([]int, len(l.nodes))
	var stack []int
	var cycle []int

	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		stack = append(stack, u)
		for _, v := range l.deps[u] {
			switch color[v] {
			case white:
				if dfs(v) {
					return true
				}
			case gray:
				// back-edge u -> v: the cycle is the stack from v to u
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == v {
						cycle = append(cycle, stack[i:]...)
						break
					}
				}
				cycle = append(cycle, v)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return false
	}

	for i := range l.nodes {
		if color[i] == white && dfs(i) {
			break
		}
	}
	if len(cycle) == 0 {
		return nil
	}
	out := make([]string, len(cycle))
	for i, idx := range cycle {
		out[i] = l.nodes[idx].id
	}
	return out
}

// ParallelGroups groups ids by level: 0 for items with no in-subset
// dependencies, otherwise 1 + the highest level among dependencies. Items in
// one group are independent of each other. Unorderable items are left out and
// reported through the returned *CycleError.
func (g *Graph) ParallelGroups(ids []string) ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	l, err := g.local(ids)
	if err != nil {
		return nil, err
	}
	order := l.topo()

	level := make([]int, len(l.nodes))
	maxLevel := -1
	for _, idx := range order {
		lv := 0
		for _, d := range l.deps[idx] {
			if level[d]+1 > lv {
				lv = level[d] + 1
			}
		}
		level[idx] = lv
		if lv > maxLevel {
			maxLevel = lv
		}
	}

	groups := make([][]string, maxLevel+1)
	ordered := make([]bool, len(l.nodes))
	for _, idx := range order {
		ordered[idx] = true
	}
	// iterate by position so each group keeps submission order
	for i, n := range l.nodes {
		if ordered[i] {
			groups[level[i]] = append(groups[level[i]], n.id)
		}
	}

	if len(order) == len(l.nodes) {
		return groups, nil
	}
	cerr := &CycleError{Cycle: l.findCycle()}
	for i, n := range l.nodes {
		if !ordered[i] {
			cerr.Unresolved = append(cerr.Unresolved, n.id)
		}
	}
	return groups, cerr
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
