package graph

import (
	"fmt"
	"sort"
	"testing"

	"github.com/basket/delegate/internal/derr"
)

func TestGraph_SelfEdgeRejected(t *testing.T) {
	g := New()
	err := g.AddEdge("a", "a")
	if !derr.IsKind(err, derr.KindDependencyCycle) {
		t.Fatalf("self edge error = %v, want DEPENDENCY_CYCLE", err)
	}
}

func TestGraph_CycleRejectedAndGraphUntouched(t *testing.T) {
	g := New()
	mustAdd(t, g, "a", "b")
	mustAdd(t, g, "b", "c")

	err := g.AddEdge("c", "a")
	if !derr.IsKind(err, derr.KindDependencyCycle) {
		t.Fatalf("cycle error = %v, want DEPENDENCY_CYCLE", err)
	}
	// The failed add must not have mutated anything.
	if got := g.Dependencies("c"); len(got) != 0 {
		t.Fatalf("c has dependencies %v after rejected add", got)
	}
	if g.HasCycle() {
		t.Fatal("graph reports a cycle after rejected add")
	}
}

func TestGraph_DuplicateEdge(t *testing.T) {
	g := New()
	mustAdd(t, g, "a", "b")
	err := g.AddEdge("a", "b")
	if !derr.IsKind(err, derr.KindDependencyExists) {
		t.Fatalf("duplicate error = %v, want DEPENDENCY_EXISTS", err)
	}
}

func TestGraph_FanInLimit(t *testing.T) {
	g := New()
	for i := 0; i < MaxFanIn; i++ {
		mustAdd(t, g, "hub", fmt.Sprintf("dep%d", i))
	}
	err := g.AddEdge("hub", "one-too-many")
	if !derr.IsKind(err, derr.KindFanoutExceeded) {
		t.Fatalf("fan-in error = %v, want FANOUT_EXCEEDED", err)
	}
}

func TestGraph_DepthLimit(t *testing.T) {
	g := New()
	for i := 0; i < MaxDepth; i++ {
		mustAdd(t, g, fmt.Sprintf("n%d", i), fmt.Sprintf("n%d", i+1))
	}
	err := g.AddEdge(fmt.Sprintf("n%d", MaxDepth), "deeper")
	if !derr.IsKind(err, derr.KindDepthExceeded) {
		t.Fatalf("depth error = %v, want DEPTH_EXCEEDED", err)
	}
	// An edge elsewhere in a shallow region still works.
	mustAdd(t, g, "x", "y")
}

func TestGraph_WouldCreateCycle(t *testing.T) {
	g := New()
	mustAdd(t, g, "a", "b")
	mustAdd(t, g, "b", "c")
	if !g.WouldCreateCycle("c", "a") {
		t.Fatal("c -> a should close a cycle")
	}
	if !g.WouldCreateCycle("a", "a") {
		t.Fatal("a -> a should count as a cycle")
	}
	if g.WouldCreateCycle("a", "c") {
		t.Fatal("a -> c is a shortcut, not a cycle")
	}
}

func TestGraph_TransitiveClosuresAndInvalidation(t *testing.T) {
	g := New()
	mustAdd(t, g, "a", "b")
	mustAdd(t, g, "b", "c")

	deps := sorted(g.GetAllDependencies("a"))
	if fmt.Sprint(deps) != "[b c]" {
		t.Fatalf("deps(a) = %v, want [b c]", deps)
	}
	dependents := sorted(g.GetAllDependents("c"))
	if fmt.Sprint(dependents) != "[a b]" {
		t.Fatalf("dependents(c) = %v, want [a b]", dependents)
	}

	// Mutation must invalidate the memoised closure.
	mustAdd(t, g, "c", "d")
	deps = sorted(g.GetAllDependencies("a"))
	if fmt.Sprint(deps) != "[b c d]" {
		t.Fatalf("deps(a) after add = %v, want [b c d]", deps)
	}

	g.RemoveEdge("b", "c")
	deps = sorted(g.GetAllDependencies("a"))
	if fmt.Sprint(deps) != "[b]" {
		t.Fatalf("deps(a) after remove = %v, want [b]", deps)
	}
}

func TestGraph_MaxDepthMemoInvalidation(t *testing.T) {
	g := New()
	mustAdd(t, g, "a", "b")
	if d := g.GetMaxDepth("a"); d != 1 {
		t.Fatalf("depth(a) = %d, want 1", d)
	}
	mustAdd(t, g, "b", "c")
	if d := g.GetMaxDepth("a"); d != 2 {
		t.Fatalf("depth(a) after add = %d, want 2", d)
	}
	g.RemoveTask("c")
	if d := g.GetMaxDepth("a"); d != 1 {
		t.Fatalf("depth(a) after removeTask = %d, want 1", d)
	}
}

func TestGraph_RemoveTaskCleansAdjacency(t *testing.T) {
	g := New()
	mustAdd(t, g, "a", "b")
	mustAdd(t, g, "c", "b")
	g.RemoveTask("b")
	if got := g.Dependencies("a"); len(got) != 0 {
		t.Fatalf("a still depends on %v", got)
	}
	if got := g.Size(); got != 0 {
		t.Fatalf("graph size = %d after removing the only hub, want 0", got)
	}
}

func TestGraph_RemoveEdgeDeletesPhantomSets(t *testing.T) {
	g := New()
	mustAdd(t, g, "a", "b")
	g.RemoveEdge("a", "b")
	if got := g.Size(); got != 0 {
		t.Fatalf("graph size = %d after removing the only edge, want 0", got)
	}
}

func TestGraph_TopologicalSort(t *testing.T) {
	g := New()
	mustAdd(t, g, "app", "lib")
	mustAdd(t, g, "lib", "base")
	mustAdd(t, g, "app", "base")

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("sort: %v", err)
	}
	pos := make(map[string]int)
	for i, n := range order {
		pos[n] = i
	}
	// Dependencies come before their dependents.
	if !(pos["base"] < pos["lib"] && pos["lib"] < pos["app"]) {
		t.Fatalf("order %v does not respect dependencies", order)
	}
}

func TestGraph_TopologicalSortReportsCycle(t *testing.T) {
	g := New()
	// AddEdge refuses cycles, so the closing edge b -> a is written
	// straight into the adjacency maps (the test is in-package).
	mustAdd(t, g, "a", "b")
	if g.HasCycle() {
		t.Fatal("acyclic graph reports a cycle")
	}
	if _, err := g.TopologicalSort(); err != nil {
		t.Fatalf("sort on acyclic graph: %v", err)
	}

	g.deps["b"] = map[string]struct{}{"a": {}}
	g.dependents["a"] = map[string]struct{}{"b": {}}
	if !g.HasCycle() {
		t.Fatal("cyclic graph not detected")
	}
	if _, err := g.TopologicalSort(); !derr.IsKind(err, derr.KindDependencyCycle) {
		t.Fatalf("sort on cyclic graph error = %v, want DEPENDENCY_CYCLE", err)
	}
}

func mustAdd(t *testing.T, g *Graph, a, b string) {
	t.Helper()
	if err := g.AddEdge(a, b); err != nil {
		t.Fatalf("addEdge(%s, %s): %v", a, b, err)
	}
}

func sorted(in []string) []string {
	sort.Strings(in)
	return in
}
