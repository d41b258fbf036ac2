package model

import (
	"fmt"
	"strings"
)

// ArtifactCoordinates identify the artifact a reference resolves to.
type ArtifactCoordinates struct {
	GroupID    string `yaml:"group,omitempty"`
	ArtifactID string `yaml:"artifact,omitempty"`
	Version    string `yaml:"version,omitempty"`
}

// IsZero reports whether no coordinate is set.
func (a ArtifactCoordinates) IsZero() bool {
	return a.GroupID == "" && a.ArtifactID == "" && a.Version == ""
}

func (a ArtifactCoordinates) String() string {
	if a.Version == "" {
		return a.GroupID + ":" + a.ArtifactID
	}
	return a.GroupID + ":" + a.ArtifactID + ":" + a.Version
}

// Reference is an edge from a parent's source tree to a child.
// ModuleVersion is nil when the child is not a managed module.
type Reference struct {
	ModuleVersion *ModuleVersion
	Artifact      ArtifactCoordinates
	// Location is where in the parent the reference is declared.
	Location string
}

// NewModuleReference returns a reference to a managed module version.
func NewModuleReference(mv ModuleVersion) *Reference {
	return &Reference{ModuleVersion: &mv}
}

// IsManaged reports whether the reference points at a known module.
func (r *Reference) IsManaged() bool {
	return r.ModuleVersion != nil
}

// EqualsIgnoringVersion reports whether r and other designate the same edge,
// possibly at different versions of the child.
func (r *Reference) EqualsIgnoringVersion(other *Reference) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.Location != other.Location {
		return false
	}
	if r.IsManaged() != other.IsManaged() {
		return false
	}
	if r.IsManaged() {
		return r.ModuleVersion.NodePath == other.ModuleVersion.NodePath
	}
	return r.Artifact.GroupID == other.Artifact.GroupID &&
		r.Artifact.ArtifactID == other.Artifact.ArtifactID
}

// WithVersion returns a copy of a managed reference pointing at v.
func (r *Reference) WithVersion(v Version) *Reference {
	c := *r
	if r.ModuleVersion != nil {
		mv := r.ModuleVersion.WithVersion(v)
		c.ModuleVersion = &mv
	}
	return &c
}

func (r *Reference) String() string {
	if r == nil {
		return "<nil>"
	}
	if r.IsManaged() {
		return r.ModuleVersion.String()
	}
	return "external " + r.Artifact.String()
}

// ReferencePath is the stack of references from a traversal root to the
// currently visited node.
type ReferencePath struct {
	refs []*Reference
}

// NewReferencePath returns an empty path.
func NewReferencePath() *ReferencePath {
	return &ReferencePath{}
}

// Push appends ref as the new leaf.
func (p *ReferencePath) Push(ref *Reference) {
	p.refs = append(p.refs, ref)
}

// Pop removes the leaf. It panics on an empty path.
func (p *ReferencePath) Pop() *Reference {
	if len(p.refs) == 0 {
		panic("model: pop on empty reference path")
	}
	last := p.refs[len(p.refs)-1]
	p.refs = p.refs[:len(p.refs)-1]
	return last
}

// Len returns the number of references on the path.
func (p *ReferencePath) Len() int {
	return len(p.refs)
}

// Leaf returns the last reference, or nil.
func (p *ReferencePath) Leaf() *Reference {
	if len(p.refs) == 0 {
		return nil
	}
	return p.refs[len(p.refs)-1]
}

// At returns the i-th reference from the root.
func (p *ReferencePath) At(i int) *Reference {
	return p.refs[i]
}

// Parent returns a copy of the path without its leaf.
func (p *ReferencePath) Parent() *ReferencePath {
	if len(p.refs) == 0 {
		return NewReferencePath()
	}
	return &ReferencePath{refs: append([]*Reference(nil), p.refs[:len(p.refs)-1]...)}
}

// Clone returns an independent copy.
func (p *ReferencePath) Clone() *ReferencePath {
	return &ReferencePath{refs: append([]*Reference(nil), p.refs...)}
}

// Contains reports whether mv appears on the path, the leaf excluded.
func (p *ReferencePath) Contains(mv ModuleVersion) bool {
	for i := 0; i < len(p.refs)-1; i++ {
		if r := p.refs[i]; r.ModuleVersion != nil && *r.ModuleVersion == mv {
			return true
		}
	}
	return false
}

func (p *ReferencePath) String() string {
	parts := make([]string, len(p.refs))
	for i, r := range p.refs {
		parts[i] = r.String()
	}
	return strings.Join(parts, " -> ")
}

// Format writes the path one reference per line, indented by depth.
func (p *ReferencePath) Format() string {
	var b strings.Builder
	for i, r := range p.refs {
		fmt.Fprintf(&b, "%s%s\n", strings.Repeat("  ", i), r)
	}
	return b.String()
}
