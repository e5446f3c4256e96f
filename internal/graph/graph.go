// Package graph provides the sibling dependency graph. It validates
// depends_on declarations when specs are authored and answers which nodes
// have every dependency satisfied when the scheduler builds its queue.
package graph

import (
	"fmt"
	"sync"

	"github.com/ShayCichocki/spectree/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found among siblings.
var ErrCycleDetected = models.ErrCycleDetected

// DependencyGraph represents a directed graph of dependencies. Nodes are
// sibling names when authoring and node ids when scheduling; edges are
// "depends on" relationships.
type DependencyGraph struct {
	mu sync.RWMutex
	// order keeps insertion order so sorts are deterministic.
	order []string
	// edges maps a sibling name to the names it depends on.
	edges map[string][]string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		edges:    make(map[string][]string),
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Add registers a sibling and its dependencies. Adding the same name twice
// replaces its edges.
func (g *DependencyGraph) Add(name string, dependsOn []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.edges[name]; !exists {
		g.order = append(g.order, name)
	}
	g.edges[name] = append([]string(nil), dependsOn...)
}

// Build constructs the graph from child specs and validates it.
// Returns an error if a dependency is unknown, self-referential or cyclic.
func (g *DependencyGraph) Build(children []models.ChildSpec) error {
	g.debugLog("[graph.Build] building graph from %d children", len(children))
	for _, child := range children {
		g.Add(child.Name, child.DependsOn)
	}
	return g.Validate()
}

// Validate checks that every edge points at a known sibling and that there
// are no cycles.
func (g *DependencyGraph) Validate() error {
	if err := g.checkEdges(); err != nil {
		return err
	}
	if g.HasCycle() {
		return ErrCycleDetected
	}
	return nil
}

func (g *DependencyGraph) checkEdges() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, name := range g.order {
		for _, dep := range g.edges[name] {
			if dep == name {
				return fmt.Errorf("%w: %s depends on itself", models.ErrInvalidSpec, name)
			}
			if _, exists := g.edges[dep]; !exists {
				return fmt.Errorf("%w: %s depends on unknown sibling %s", models.ErrInvalidSpec, name, dep)
			}
		}
	}
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

func (g *DependencyGraph) hasCycleLocked() bool {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int, len(g.order))

	var visit func(name string) bool
	visit = func(name string) bool {
		colors[name] = 1
		for _, dep := range g.edges[name] {
			switch colors[dep] {
			case 1:
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
		}
		colors[name] = 2
		return false
	}

	for _, name := range g.order {
		if colors[name] == 0 && visit(name) {
			g.debugLog("[graph.HasCycle] cycle reachable from %s", name)
			return true
		}
	}
	return false
}

// GetReady returns names whose dependencies all satisfy complete and which are
// not complete themselves, in insertion order.
func (g *DependencyGraph) GetReady(complete func(name string) bool) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, name := range g.order {
		if complete(name) {
			continue
		}
		ok := true
		for _, dep := range g.edges[name] {
			if !complete(dep) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, name)
		}
	}
	return ready
}
