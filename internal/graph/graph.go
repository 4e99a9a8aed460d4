// Package graph keeps the in-memory dependency DAG that mirrors the
// persisted edges. It is rebuilt from the database on boot and updated
// incrementally afterwards; between events it is authoritative for
// cycle checks and closure queries.
package graph

import (
	"sync"

	"github.com/basket/delegate/internal/derr"
)

const (
	// MaxFanIn bounds dependencies per task.
	MaxFanIn = 100
	// MaxDepth bounds the longest dependency chain.
	MaxDepth = 100
)

// Graph stores forward (task → its dependencies) and reverse (task →
// its dependents) adjacency, plus memoised transitive closures.
type Graph struct {
	mu         sync.RWMutex
	deps       map[string]map[string]struct{} // a → set of b where a depends on b
	dependents map[string]map[string]struct{} // b → set of a where a depends on b

	depClosure       map[string]map[string]struct{} // memoised getAllDependencies
	dependentClosure map[string]map[string]struct{} // memoised getAllDependents
	depthMemo        map[string]int                 // memoised getMaxDepth
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		deps:             make(map[string]map[string]struct{}),
		dependents:       make(map[string]map[string]struct{}),
		depClosure:       make(map[string]map[string]struct{}),
		dependentClosure: make(map[string]map[string]struct{}),
		depthMemo:        make(map[string]int),
	}
}

// AddEdge records that a depends on b. The cycle precheck runs on a
// copy-on-write view containing the proposed edge; the live graph is
// only mutated once every check has passed. Caches are invalidated
// before mutation so the invalidation walks pre-mutation reachability.
func (g *Graph) AddEdge(a, b string) error {
	if a == b {
		return derr.Newf(derr.KindDependencyCycle, "task %s cannot depend on itself", a)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.deps[a][b]; ok {
		return derr.Newf(derr.KindDependencyExists, "dependency %s -> %s already exists", a, b)
	}
	if len(g.deps[a]) >= MaxFanIn {
		return derr.Newf(derr.KindFanoutExceeded, "task %s already has %d dependencies", a, MaxFanIn)
	}
	if g.pathExists(b, a) {
		return derr.Newf(derr.KindDependencyCycle, "dependency %s -> %s would create a cycle", a, b)
	}
	if g.depthWithEdge(a, b) > MaxDepth {
		return derr.Newf(derr.KindDepthExceeded, "dependency %s -> %s exceeds max chain depth %d", a, b, MaxDepth)
	}

	g.invalidateLocked(a, b)

	if g.deps[a] == nil {
		g.deps[a] = make(map[string]struct{})
	}
	g.deps[a][b] = struct{}{}
	if g.dependents[b] == nil {
		g.dependents[b] = make(map[string]struct{})
	}
	g.dependents[b][a] = struct{}{}
	return nil
}

// RemoveEdge deletes a → b. Empty adjacency sets left behind are
// deleted so repeated add/remove cannot leak phantom nodes.
func (g *Graph) RemoveEdge(a, b string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.deps[a][b]; !ok {
		return
	}
	g.invalidateLocked(a, b)

	delete(g.deps[a], b)
	if len(g.deps[a]) == 0 {
		delete(g.deps, a)
	}
	delete(g.dependents[b], a)
	if len(g.dependents[b]) == 0 {
		delete(g.dependents, b)
	}
}

// RemoveTask deletes a node and every edge touching it.
func (g *Graph) RemoveTask(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Invalidate while the old reachability is still intact.
	g.invalidateLocked(id, id)

	for b := range g.deps[id] {
		delete(g.dependents[b], id)
		if len(g.dependents[b]) == 0 {
			delete(g.dependents, b)
		}
	}
	delete(g.deps, id)
	for a := range g.dependents[id] {
		delete(g.deps[a], id)
		if len(g.deps[a]) == 0 {
			delete(g.deps, a)
		}
	}
	delete(g.dependents, id)
}

// WouldCreateCycle reports whether adding a → b would close a cycle.
// Pure query; the graph is not mutated.
func (g *Graph) WouldCreateCycle(a, b string) bool {
	if a == b {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pathExists(b, a)
}

// HasCycle runs a full-graph DFS with a recursion-stack set.
func (g *Graph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var visit func(node string) bool
	visit = func(node string) bool {
		visited[node] = true
		onStack[node] = true
		for next := range g.deps[node] {
			if onStack[next] {
				return true
			}
			if !visited[next] && visit(next) {
				return true
			}
		}
		onStack[node] = false
		return false
	}
	for node := range g.deps {
		if !visited[node] && visit(node) {
			return true
		}
	}
	return false
}

// GetAllDependencies returns the transitive dependency closure of id.
func (g *Graph) GetAllDependencies(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return setToSlice(g.closureLocked(id, g.deps, g.depClosure))
}

// GetAllDependents returns the transitive dependent closure of id.
func (g *Graph) GetAllDependents(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return setToSlice(g.closureLocked(id, g.dependents, g.dependentClosure))
}

// Dependencies returns the direct dependencies of id.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return setToSlice(g.deps[id])
}

// Dependents returns the direct dependents of id.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return setToSlice(g.dependents[id])
}

// GetMaxDepth returns the longest dependency chain below id (0 for a
// task with no dependencies). Memoised; invalidated on mutation.
func (g *Graph) GetMaxDepth(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depthLocked(id)
}

// TopologicalSort returns the nodes in dependency-first order via
// Kahn's algorithm, or DEPENDENCY_CYCLE if the graph has one.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	// In-degree = number of unresolved dependencies per node.
	nodes := make(map[string]struct{})
	inDegree := make(map[string]int)
	for a, bs := range g.deps {
		nodes[a] = struct{}{}
		inDegree[a] += len(bs)
		for b := range bs {
			nodes[b] = struct{}{}
		}
	}
	for b := range g.dependents {
		nodes[b] = struct{}{}
	}

	var ready []string
	for node := range nodes {
		if inDegree[node] == 0 {
			ready = append(ready, node)
		}
	}

	out := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		node := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		out = append(out, node)
		for dependent := range g.dependents[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if len(out) != len(nodes) {
		return nil, derr.New(derr.KindDependencyCycle, "graph contains a cycle")
	}
	return out, nil
}

// Size returns the number of nodes with at least one edge.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	nodes := make(map[string]struct{})
	for a := range g.deps {
		nodes[a] = struct{}{}
	}
	for b := range g.dependents {
		nodes[b] = struct{}{}
	}
	return len(nodes)
}

// pathExists reports whether `to` is reachable from `from` along
// dependency edges. Callers hold at least a read lock.
func (g *Graph) pathExists(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]struct{}{from: {}}
	stack := []string{from}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range g.deps[node] {
			if next == to {
				return true
			}
			if _, ok := seen[next]; !ok {
				seen[next] = struct{}{}
				stack = append(stack, next)
			}
		}
	}
	return false
}

// depthWithEdge computes the longest chain through the proposed edge
// a → b without mutating the graph: depth above a plus depth below b
// plus the new edge itself.
func (g *Graph) depthWithEdge(a, b string) int {
	above := g.heightAbove(a)
	below := g.depthLocked(b)
	return above + 1 + below
}

// heightAbove is the longest dependent chain ending at node.
func (g *Graph) heightAbove(node string) int {
	best := 0
	for dependent := range g.dependents[node] {
		if h := g.heightAbove(dependent) + 1; h > best {
			best = h
		}
	}
	return best
}

func (g *Graph) depthLocked(id string) int {
	if d, ok := g.depthMemo[id]; ok {
		return d
	}
	best := 0
	for dep := range g.deps[id] {
		if d := g.depthLocked(dep) + 1; d > best {
			best = d
		}
	}
	g.depthMemo[id] = best
	return best
}

func (g *Graph) closureLocked(id string, adj map[string]map[string]struct{}, memo map[string]map[string]struct{}) map[string]struct{} {
	if cached, ok := memo[id]; ok {
		return cached
	}
	out := make(map[string]struct{})
	stack := []string{id}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range adj[node] {
			if _, ok := out[next]; !ok {
				out[next] = struct{}{}
				stack = append(stack, next)
			}
		}
	}
	memo[id] = out
	return out
}

// invalidateLocked drops cached closures and depths for both endpoints
// and everything that can reach them. It MUST run before the adjacency
// maps change: the walk uses pre-mutation reachability.
func (g *Graph) invalidateLocked(a, b string) {
	stale := map[string]struct{}{a: {}, b: {}}
	for node := range g.closureLocked(a, g.dependents, map[string]map[string]struct{}{}) {
		stale[node] = struct{}{}
	}
	for node := range g.closureLocked(b, g.deps, map[string]map[string]struct{}{}) {
		stale[node] = struct{}{}
	}
	for node := range stale {
		delete(g.depClosure, node)
		delete(g.dependentClosure, node)
		delete(g.depthMemo, node)
	}
	// Depth memos above b and closures below a go stale too; clearing
	// the same set covers both directions because stale holds the
	// union of a's dependents and b's dependencies.
	for node := range g.closureLocked(a, g.deps, map[string]map[string]struct{}{}) {
		delete(g.dependentClosure, node)
	}
	for node := range g.closureLocked(b, g.dependents, map[string]map[string]struct{}{}) {
		delete(g.depClosure, node)
		delete(g.depthMemo, node)
	}
}

func setToSlice(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
