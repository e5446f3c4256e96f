// Package specfile loads spec tree definitions from YAML. A file describes
// the root spec; children declared under it are planned up front and are
// created when the node decomposes.
package specfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/spectree/internal/graph"
	"github.com/ShayCichocki/spectree/pkg/models"
)

// Load reads and validates a spec file.
func Load(path string) (*models.ChildSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec file: %w", err)
	}
	spec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// Parse decodes and validates a spec definition. Unknown keys are rejected.
func Parse(data []byte) (*models.ChildSpec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var spec models.ChildSpec
	if err := dec.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty spec file", models.ErrInvalidSpec)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidSpec, err)
	}
	if err := Validate(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks a spec and its planned children: names are path segments,
// titles are set, sibling names are unique, leaves declare no children, and
// depends_on names siblings without cycles. A root may not depend on
// anything.
func Validate(spec *models.ChildSpec) error {
	if len(spec.DependsOn) > 0 {
		return fmt.Errorf("%w: root %s cannot depend on siblings", models.ErrInvalidSpec, spec.Name)
	}
	return validate(spec, spec.Name)
}

func validate(spec *models.ChildSpec, path string) error {
	if spec.Name == "" || strings.ContainsAny(spec.Name, "/ \t\n") {
		return fmt.Errorf("%w: bad spec name %q at %s", models.ErrInvalidSpec, spec.Name, path)
	}
	if strings.TrimSpace(spec.Content.Title) == "" {
		return fmt.Errorf("%w: %s has no title", models.ErrInvalidSpec, path)
	}

	children := spec.Content.Planned
	if len(children) == 0 {
		return nil
	}
	if spec.Leaf != nil && *spec.Leaf {
		return fmt.Errorf("%w: %s is a leaf but declares children", models.ErrInvalidSpec, path)
	}

	seen := make(map[string]bool, len(children))
	for i := range children {
		name := children[i].Name
		if seen[name] {
			return fmt.Errorf("%w: duplicate child %q under %s", models.ErrInvalidSpec, name, path)
		}
		seen[name] = true
	}

	g := graph.New()
	if err := g.Build(children); err != nil {
		return fmt.Errorf("children of %s: %w", path, err)
	}

	for i := range children {
		if err := validate(&children[i], path+"/"+children[i].Name); err != nil {
			return err
		}
	}
	return nil
}

// Depth returns the depth of the deepest planned descendant; a spec without
// children has depth 0.
func Depth(spec *models.ChildSpec) int {
	deepest := 0
	for i := range spec.Content.Planned {
		if d := Depth(&spec.Content.Planned[i]) + 1; d > deepest {
			deepest = d
		}
	}
	return deepest
}

// Count returns the number of specs in the tree, the root included.
func Count(spec *models.ChildSpec) int {
	n := 1
	for i := range spec.Content.Planned {
		n += Count(&spec.Content.Planned[i])
	}
	return n
}

// Marshal encodes a spec definition as YAML.
func Marshal(spec *models.ChildSpec) ([]byte, error) {
	return yaml.Marshal(spec)
}
