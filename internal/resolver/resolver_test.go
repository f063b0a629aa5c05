package resolver

import (
	"errors"
	"reflect"
	"testing"
)

func build(edges [][2]string, ids ...string) *Graph {
	g := NewGraph()
	deps := make(map[string][]string)
	for _, e := range edges {
		deps[e[0]] = append(deps[e[0]], e[1])
	}
	for _, id := range ids {
		g.Add(id, deps[id], nil)
	}
	return g
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestResolveOrder_Linear(t *testing.T) {
	// test depends on build, build depends on generate
	g := build([][2]string{{"test", "build"}, {"build", "generate"}}, "test", "build", "generate")

	order, err := g.ResolveOrder([]string{"test", "build", "generate"})
	if err != nil {
		t.Fatalf("ResolveOrder() error = %v", err)
	}
	want := []string{"generate", "build", "test"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("ResolveOrder() = %v, want %v", order, want)
	}
}

func TestResolveOrder_StableTieBreak(t *testing.T) {
	g := build(nil, "c", "a", "b")

	order, err := g.ResolveOrder([]string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("ResolveOrder() error = %v", err)
	}
	// insertion order, not lexical or request order
	want := []string{"c", "a", "b"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("ResolveOrder() = %v, want %v", order, want)
	}
}

func TestResolveOrder_DependencyOutsideSubset(t *testing.T) {
	g := build([][2]string{{"deploy", "build"}}, "build", "deploy")

	order, err := g.ResolveOrder([]string{"deploy"})
	if err != nil {
		t.Fatalf("ResolveOrder() error = %v", err)
	}
	if !reflect.DeepEqual(order, []string{"deploy"}) {
		t.Errorf("ResolveOrder() = %v, want [deploy]", order)
	}
}

func TestResolveOrder_CyclePartial(t *testing.T) {
	// X <-> Y cycle, Z depends on X, W unrelated
	g := build([][2]string{{"X", "Y"}, {"Y", "X"}, {"Z", "X"}}, "W", "X", "Y", "Z")

	order, err := g.ResolveOrder([]string{"W", "X", "Y", "Z"})
	var cerr *CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("ResolveOrder() error = %v, want *CycleError", err)
	}
	if !reflect.DeepEqual(order, []string{"W"}) {
		t.Errorf("partial order = %v, want [W]", order)
	}
	if !reflect.DeepEqual(cerr.Unresolved, []string{"X", "Y", "Z"}) {
		t.Errorf("Unresolved = %v, want [X Y Z]", cerr.Unresolved)
	}
	if indexOf(cerr.Cycle, "X") < 0 || indexOf(cerr.Cycle, "Y") < 0 {
		t.Errorf("Cycle = %v, want both X and Y", cerr.Cycle)
	}
	if cerr.Error() == "" {
		t.Error("empty error message")
	}
}

func TestResolveOrder_UnknownItem(t *testing.T) {
	g := build(nil, "a")
	if _, err := g.ResolveOrder([]string{"a", "missing"}); !errors.Is(err, ErrUnknownItem) {
		t.Errorf("ResolveOrder() error = %v, want ErrUnknownItem", err)
	}
}

func TestDetectCycle(t *testing.T) {
	tests := []struct {
		name  string
		edges [][2]string
		ids   []string
		want  []string
	}{
		{
			name:  "two node cycle",
			edges: [][2]string{{"X", "Y"}, {"Y", "X"}},
			ids:   []string{"X", "Y"},
			want:  []string{"X", "Y", "X"},
		},
		{
			name:  "three node cycle",
			edges: [][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}},
			ids:   []string{"a", "b", "c"},
			want:  []string{"a", "b", "c", "a"},
		},
		{
			name:  "self loop",
			edges: [][2]string{{"a", "a"}},
			ids:   []string{"a"},
			want:  []string{"a", "a"},
		},
		{
			name:  "acyclic",
			edges: [][2]string{{"a", "b"}, {"b", "c"}},
			ids:   []string{"a", "b", "c"},
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := build(tt.edges, tt.ids...)
			got := g.DetectCycle(tt.ids)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DetectCycle() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetectCycle_OnlyWithinSubset(t *testing.T) {
	g := build([][2]string{{"X", "Y"}, {"Y", "X"}}, "X", "Y")
	if got := g.DetectCycle([]string{"X"}); got != nil {
		t.Errorf("DetectCycle([X]) = %v, want nil (Y outside subset)", got)
	}
}

func TestParallelGroups(t *testing.T) {
	// lint, vet independent; build needs both; test and docs need build; release needs test
	edges := [][2]string{
		{"build", "lint"}, {"build", "vet"},
		{"test", "build"}, {"docs", "build"},
		{"release", "test"},
	}
	ids := []string{"lint", "vet", "build", "test", "docs", "release"}
	g := build(edges, ids...)

	groups, err := g.ParallelGroups(ids)
	if err != nil {
		t.Fatalf("ParallelGroups() error = %v", err)
	}
	want := [][]string{
		{"lint", "vet"},
		{"build"},
		{"test", "docs"},
		{"release"},
	}
	if !reflect.DeepEqual(groups, want) {
		t.Errorf("ParallelGroups() = %v, want %v", groups, want)
	}
}

func TestParallelGroups_Cycle(t *testing.T) {
	g := build([][2]string{{"X", "Y"}, {"Y", "X"}}, "A", "X", "Y")

	groups, err := g.ParallelGroups([]string{"A", "X", "Y"})
	var cerr *CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want *CycleError", err)
	}
	if !reflect.DeepEqual(groups, [][]string{{"A"}}) {
		t.Errorf("groups = %v, want [[A]]", groups)
	}
}

func TestDownstream(t *testing.T) {
	edges := [][2]string{{"b", "a"}, {"c", "b"}, {"d", "a"}, {"e", "x"}}
	g := build(edges, "a", "b", "c", "d", "e", "x")

	got := g.Downstream("a")
	want := []string{"b", "c", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Downstream(a) = %v, want %v", got, want)
	}
	if got := g.Dependents("a"); !reflect.DeepEqual(got, []string{"b", "d"}) {
		t.Errorf("Dependents(a) = %v, want [b d]", got)
	}
}

func TestAdd_ReplaceKeepsPosition(t *testing.T) {
	g := NewGraph()
	g.Add("a", nil, nil)
	g.Add("b", nil, nil)
	g.Add("a", []string{"b", "b"}, []string{"report"})

	if got := g.IDs(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("IDs() = %v, want [a b]", got)
	}
	if got := g.Deps("a"); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("Deps(a) = %v, want [b]", got)
	}
	if got := g.Provides("a"); !reflect.DeepEqual(got, []string{"report"}) {
		t.Errorf("Provides(a) = %v, want [report]", got)
	}
}
