package graph

import (
	"fmt"

	"github.com/veridoc/veridoc/internal/artifact"
)

// IDGenerator produces unique task IDs. Implemented by UUIDv7Generator
// (production) and testutil.FixedIDGenerator (tests).
type IDGenerator interface {
	NewID() string
}

// Builder classifies artifacts and grows task graphs. Routing is static at
// build time except for one source of dynamic growth: embedded raster
// content discovered by the structural inspector.
type Builder struct {
	ids IDGenerator
}

// NewBuilder creates a builder using the given ID generator.
func NewBuilder(ids IDGenerator) *Builder {
	return &Builder{ids: ids}
}

// route maps a media kind onto the capability that analyzes it.
func route(kind artifact.MediaKind) Capability {
	switch kind {
	case artifact.KindSignedDocument:
		return CapabilityCryptographic
	case artifact.KindUnsignedDocument:
		return CapabilityStructural
	case artifact.KindImage:
		return CapabilityVisual
	default:
		return CapabilityUnsupported
	}
}

// Build creates a graph with a single root task for the uploaded artifact.
// Classification of an unknown or corrupt format yields a task routed to
// the unsupported no-op; it never fails the build.
func (b *Builder) Build(art *artifact.Artifact, opts ...Option) (*Graph, error) {
	g := NewGraph(opts...)
	root := &Task{
		ID:         b.ids.NewID(),
		Kind:       art.Kind,
		Capability: route(art.Kind),
		art:        art,
	}
	if err := g.add(root); err != nil {
		return nil, fmt.Errorf("add root task: %w", err)
	}
	return g, nil
}

// Expand appends one child task per discovered artifact, parented to the
// task that discovered them. Discovered raster content routes to the visual
// inspector; anything else routes by its own classification. Returns the
// new tasks in the order their artifacts were supplied.
//
// Expand is the single mutation point for dynamic graph growth; the
// scheduler serializes calls to it.
func (b *Builder) Expand(g *Graph, parent *Task, discovered []*artifact.Artifact) ([]*Task, error) {
	children := make([]*Task, 0, len(discovered))
	for _, art := range discovered {
		child := &Task{
			ID:         b.ids.NewID(),
			ParentID:   parent.ID,
			Kind:       art.Kind,
			Capability: route(art.Kind),
			art:        art,
		}
		if err := g.add(child); err != nil {
			return children, fmt.Errorf("expand task %s: %w", parent.ID, err)
		}
		children = append(children, child)
	}
	return children, nil
}
