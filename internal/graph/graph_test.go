package graph

import (
	"errors"
	"testing"

	"github.com/ShayCichocki/spectree/pkg/models"
)

func children(pairs ...[]string) []models.ChildSpec {
	var out []models.ChildSpec
	for _, p := range pairs {
		out = append(out, models.ChildSpec{Name: p[0], DependsOn: p[1:]})
	}
	return out
}

func TestBuildSharedDependency(t *testing.T) {
	g := New()
	err := g.Build(children(
		[]string{"shared"},
		[]string{"a", "shared"},
		[]string{"b", "shared"},
	))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	ready := g.GetReady(func(string) bool { return false })
	if len(ready) != 1 || ready[0] != "shared" {
		t.Errorf("expected shared first, got %v", ready)
	}
	if g.HasCycle() {
		t.Error("shared dependency is not a cycle")
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	g := New()
	err := g.Build(children(
		[]string{"a", "c"},
		[]string{"b", "a"},
		[]string{"c", "b"},
	))
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
	if !g.HasCycle() {
		t.Error("HasCycle = false after a rejected cycle")
	}
}

func TestBuildRejectsUnknownAndSelf(t *testing.T) {
	tests := []struct {
		name     string
		children []models.ChildSpec
	}{
		{"unknown sibling", children([]string{"a", "ghost"})},
		{"self dependency", children([]string{"a", "a"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New().Build(tt.children)
			if !errors.Is(err, models.ErrInvalidSpec) {
				t.Errorf("expected ErrInvalidSpec, got %v", err)
			}
		})
	}
}

func TestGetReady(t *testing.T) {
	g := New()
	if err := g.Build(children(
		[]string{"shared"},
		[]string{"a", "shared"},
		[]string{"b", "shared"},
	)); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	done := map[string]bool{}
	ready := g.GetReady(func(name string) bool { return done[name] })
	if len(ready) != 1 || ready[0] != "shared" {
		t.Fatalf("expected only shared ready, got %v", ready)
	}

	done["shared"] = true
	ready = g.GetReady(func(name string) bool { return done[name] })
	if len(ready) != 2 || ready[0] != "a" || ready[1] != "b" {
		t.Errorf("expected [a b] ready together, got %v", ready)
	}
}

// TestGetReady_UnknownDependency covers ids whose dependency is not in the
// graph: they wait, since an absent node is never complete.
func TestGetReady_UnknownDependency(t *testing.T) {
	g := New()
	g.Add("R/a", []string{"R/elsewhere"})
	g.Add("R/b", nil)

	ready := g.GetReady(func(string) bool { return false })
	if len(ready) != 1 || ready[0] != "R/b" {
		t.Errorf("ready = %v, want [R/b]", ready)
	}
}
