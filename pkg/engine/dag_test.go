package engine

import (
	"reflect"
	"strings"
	"testing"
)

func devicePlans(deps map[string][]string, order ...string) []DevicePlan {
	out := make([]DevicePlan, 0, len(order))
	for _, id := range order {
		out = append(out, DevicePlan{
			DeviceID:  id,
			Edits:     []FieldEdit{{Path: "/system/hostname", Operation: EditReplace, Value: id}},
			DependsOn: deps[id],
		})
	}
	return out
}

func TestDAGBuilder_BuildGraph_Empty(t *testing.T) {
	graph, err := NewDAGBuilder().BuildGraph(nil)
	if err != nil {
		t.Fatalf("Expected no error for empty plan, got: %v", err)
	}
	if len(graph.Nodes) != 0 {
		t.Errorf("Expected 0 nodes, got %d", len(graph.Nodes))
	}
	if len(graph.Levels) != 0 {
		t.Errorf("Expected 0 levels, got %d", len(graph.Levels))
	}
}

func TestDAGBuilder_BuildGraph_Independent(t *testing.T) {
	graph, err := NewDAGBuilder().BuildGraph(devicePlans(nil, "r3", "r1", "r2"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(graph.Levels) != 1 {
		t.Fatalf("Expected 1 level, got %d", len(graph.Levels))
	}
	want := []string{"r3", "r1", "r2"}
	if !reflect.DeepEqual(graph.Levels[0], want) {
		t.Errorf("Expected plan order %v, got %v", want, graph.Levels[0])
	}
	if !reflect.DeepEqual(graph.Roots, want) {
		t.Errorf("Expected roots %v, got %v", want, graph.Roots)
	}
}

func TestDAGBuilder_BuildGraph_Diamond(t *testing.T) {
	deps := map[string][]string{
		"leaf1": {"spine"},
		"leaf2": {"spine"},
		"edge":  {"leaf1", "leaf2"},
	}
	graph, err := NewDAGBuilder().BuildGraph(devicePlans(deps, "spine", "leaf1", "leaf2", "edge"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	wantLevels := [][]string{{"spine"}, {"leaf1", "leaf2"}, {"edge"}}
	if !reflect.DeepEqual(graph.Levels, wantLevels) {
		t.Errorf("Expected levels %v, got %v", wantLevels, graph.Levels)
	}
	if graph.Nodes["edge"].Level != 2 {
		t.Errorf("Expected edge at level 2, got %d", graph.Nodes["edge"].Level)
	}
	if !reflect.DeepEqual(graph.Nodes["spine"].Dependents, []string{"leaf1", "leaf2"}) {
		t.Errorf("Unexpected spine dependents: %v", graph.Nodes["spine"].Dependents)
	}

	desc := graph.Descendants("spine")
	if len(desc) != 3 {
		t.Errorf("Expected 3 descendants of spine, got %v", desc)
	}
	if len(graph.Descendants("edge")) != 0 {
		t.Error("Expected edge to have no descendants")
	}
}

func TestDAGBuilder_BuildGraph_DuplicateDependencyCountedOnce(t *testing.T) {
	deps := map[string][]string{"b": {"a", "a"}}
	graph, err := NewDAGBuilder().BuildGraph(devicePlans(deps, "a", "b"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if n := len(graph.Nodes["b"].Dependencies); n != 1 {
		t.Errorf("Expected 1 dependency, got %d", n)
	}
}

func TestDAGBuilder_BuildGraph_Cycle(t *testing.T) {
	deps := map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
	}
	_, err := NewDAGBuilder().BuildGraph(devicePlans(deps, "a", "b", "c"))
	if err == nil {
		t.Fatal("Expected cycle error, got nil")
	}
	if CodeOf(err) != ErrCodeCyclicDependency {
		t.Errorf("Expected %s, got %s", ErrCodeCyclicDependency, CodeOf(err))
	}
	if !strings.Contains(err.Error(), "->") {
		t.Errorf("Expected cycle path in message, got %q", err.Error())
	}
	e := Classify(err)
	cycle, ok := e.Details["cycle"].([]string)
	if !ok || len(cycle) != 4 || cycle[0] != cycle[len(cycle)-1] {
		t.Errorf("Expected closed cycle detail, got %v", e.Details["cycle"])
	}
}

func TestDAGBuilder_BuildGraph_SelfDependency(t *testing.T) {
	deps := map[string][]string{"a": {"a"}}
	_, err := NewDAGBuilder().BuildGraph(devicePlans(deps, "a"))
	if CodeOf(err) != ErrCodeCyclicDependency {
		t.Fatalf("Expected cyclic dependency, got %v", err)
	}
}

func TestDAGBuilder_BuildGraph_MissingDependency(t *testing.T) {
	deps := map[string][]string{"a": {"ghost"}}
	_, err := NewDAGBuilder().BuildGraph(devicePlans(deps, "a"))
	if CodeOf(err) != ErrCodeInvalidPlan {
		t.Fatalf("Expected invalid plan, got %v", err)
	}
}

func TestDAGBuilder_BuildGraph_DuplicateDevice(t *testing.T) {
	_, err := NewDAGBuilder().BuildGraph(devicePlans(nil, "a", "a"))
	if CodeOf(err) != ErrCodeInvalidPlan {
		t.Fatalf("Expected invalid plan, got %v", err)
	}
}

func TestDeviceGraph_ToDOT(t *testing.T) {
	deps := map[string][]string{"b": {"a"}}
	graph, err := NewDAGBuilder().BuildGraph(devicePlans(deps, "a", "b"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := graph.ToDOT(map[string]string{"a": "netconf"})
	for _, want := range []string{
		"digraph DeviceGraph {",
		`"a" -> "b";`,
		`label="a\nnetconf"`,
		"cluster_level_1",
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q\n%s", want, dot)
		}
	}
}
