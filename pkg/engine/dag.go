package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder builds the dependency graph over the devices of a plan.
// It detects cycles and assigns topological levels.
type DAGBuilder struct {
	// order keeps device IDs in plan order so results are deterministic
	order []string

	// adjacencyList maps device IDs to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps device IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to device IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		order:                make([]string, 0),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// BuildGraph constructs the device graph from a plan's device entries.
// It validates dependencies, detects cycles, and computes levels.
func (b *DAGBuilder) BuildGraph(devices []DevicePlan) (*DeviceGraph, error) {
	if len(devices) == 0 {
		return &DeviceGraph{
			Nodes:  make(map[string]*GraphNode),
			Levels: make([][]string, 0),
			Roots:  make([]string, 0),
		}, nil
	}

	if err := b.initialize(devices); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildDeviceGraph(), nil
}

// initialize sets up the internal data structures from device entries.
func (b *DAGBuilder) initialize(devices []DevicePlan) error {
	for _, d := range devices {
		if d.DeviceID == "" {
			return NewFatalError("device entry has empty ID", nil).WithCode(ErrCodeInvalidPlan)
		}
		if _, exists := b.inDegree[d.DeviceID]; exists {
			return NewFatalError(fmt.Sprintf("duplicate device entry: %s", d.DeviceID), nil).
				WithCode(ErrCodeInvalidPlan)
		}

		b.order = append(b.order, d.DeviceID)
		b.adjacencyList[d.DeviceID] = make([]string, 0)
		b.reverseAdjacencyList[d.DeviceID] = make([]string, 0)
		b.inDegree[d.DeviceID] = 0
	}

	for _, d := range devices {
		seen := make(map[string]bool)
		for _, dep := range d.DependsOn {
			if _, exists := b.inDegree[dep]; !exists {
				return NewFatalError(
					fmt.Sprintf("device %s depends on %s, which is not in the plan", d.DeviceID, dep),
					nil,
				).WithCode(ErrCodeInvalidPlan).WithDevice(d.DeviceID)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true

			// Edge from dependency to device: the dependency must commit first.
			b.adjacencyList[dep] = append(b.adjacencyList[dep], d.DeviceID)
			b.reverseAdjacencyList[d.DeviceID] = append(b.reverseAdjacencyList[d.DeviceID], dep)
			b.inDegree[d.DeviceID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range b.order {
		if visited[id] {
			continue
		}
		if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return NewFatalError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
				nil,
			).WithCode(ErrCodeCyclicDependency).WithDetail("cycle", cycle)
		}
	}

	return nil
}

// detectCyclesUtil performs DFS and returns the cycle path if one is reachable from nodeID.
func (b *DAGBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					return append(append([]string{}, path[i:]...), dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns levels with Kahn's algorithm. Devices at the same
// level have no dependency between them.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for _, id := range b.order {
		if inDegreeCopy[id] == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		b.sortByPlanOrder(nextLevel)
		currentLevel = nextLevel
	}

	if processedCount != len(b.order) {
		return NewFatalError("failed to order all devices - possible cycle", nil).
			WithCode(ErrCodeCyclicDependency)
	}

	return nil
}

func (b *DAGBuilder) sortByPlanOrder(ids []string) {
	pos := make(map[string]int, len(b.order))
	for i, id := range b.order {
		pos[id] = i
	}
	sort.Slice(ids, func(i, j int) bool { return pos[ids[i]] < pos[ids[j]] })
}

// buildDeviceGraph creates the final DeviceGraph structure.
func (b *DAGBuilder) buildDeviceGraph() *DeviceGraph {
	graph := &DeviceGraph{
		Nodes:  make(map[string]*GraphNode, len(b.order)),
		Levels: b.levels,
		Roots:  make([]string, 0),
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			graph.Nodes[id] = &GraphNode{
				ID:           id,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[id],
				Dependents:   b.adjacencyList[id],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}

	return graph
}

// Descendants returns every device that transitively depends on id.
func (g *DeviceGraph) Descendants(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		node, ok := g.Nodes[cur]
		if !ok {
			continue
		}
		for _, dep := range node.Dependents {
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
				queue = append(queue, dep)
			}
		}
	}
	return out
}

// ToDOT generates a DOT format representation of the device graph.
// The output can be rendered with Graphviz tools. labels may annotate nodes (e.g. selected backend).
func (g *DeviceGraph) ToDOT(labels map[string]string) string {
	var sb strings.Builder

	sb.WriteString("digraph DeviceGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			label := id
			if extra, ok := labels[id]; ok && extra != "" {
				label = fmt.Sprintf("%s\\n%s", id, extra)
			}
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\"];\n", id, label))
		}

		sb.WriteString("  }\n\n")
	}

	for _, ids := range g.Levels {
		for _, id := range ids {
			for _, dep := range g.Nodes[id].Dependencies {
				sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, id))
			}
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}
