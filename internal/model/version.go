// Package model provides the value types identifying modules, versions and
// the references between them.
package model

import (
	"fmt"
	"strings"
)

// NodePath identifies a module in the module hierarchy ("Domain/App").
type NodePath string

// Parts returns the path elements.
func (p NodePath) Parts() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), "/")
}

// Name returns the last path element.
func (p NodePath) Name() string {
	s := string(p)
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Parent returns the path without its last element, or "" for a top-level path.
func (p NodePath) Parent() NodePath {
	s := string(p)
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return NodePath(s[:i])
	}
	return ""
}

func (p NodePath) String() string {
	return string(p)
}

// Validate checks that the path has no empty elements.
func (p NodePath) Validate() error {
	if p == "" {
		return fmt.Errorf("empty node path")
	}
	for _, part := range p.Parts() {
		if part == "" {
			return fmt.Errorf("invalid node path %q: empty element", string(p))
		}
		if strings.ContainsAny(part, "@ ") {
			return fmt.Errorf("invalid node path %q: illegal character in %q", string(p), part)
		}
	}
	return nil
}

// VersionType distinguishes mutable from immutable versions.
type VersionType string

const (
	// Dynamic versions are mutable, branch-like.
	Dynamic VersionType = "D"
	// Static versions are immutable, tag-like. Never mutated once created.
	Static VersionType = "S"
)

// Version is a typed version identifier.
type Version struct {
	Type  VersionType
	Value string
}

// NewDynamic returns a dynamic version.
func NewDynamic(value string) Version {
	return Version{Type: Dynamic, Value: value}
}

// NewStatic returns a static version.
func NewStatic(value string) Version {
	return Version{Type: Static, Value: value}
}

// ParseVersion parses the "D/main" or "S/1.0" form.
func ParseVersion(s string) (Version, error) {
	typ, value, ok := strings.Cut(s, "/")
	if !ok || value == "" {
		return Version{}, fmt.Errorf("invalid version %q: expected D/<value> or S/<value>", s)
	}
	switch VersionType(typ) {
	case Dynamic, Static:
		return Version{Type: VersionType(typ), Value: value}, nil
	default:
		return Version{}, fmt.Errorf("invalid version type %q in %q", typ, s)
	}
}

// IsZero reports whether v is the zero Version.
func (v Version) IsZero() bool {
	return v.Type == "" && v.Value == ""
}

// IsDynamic reports whether v is a dynamic version.
func (v Version) IsDynamic() bool { return v.Type == Dynamic }

// IsStatic reports whether v is a static version.
func (v Version) IsStatic() bool { return v.Type == Static }

func (v Version) String() string {
	if v.IsZero() {
		return ""
	}
	return string(v.Type) + "/" + v.Value
}

// ModuleVersion identifies one version of one module.
type ModuleVersion struct {
	NodePath NodePath
	Version  Version
}

// ParseModuleVersion parses the "Domain/App@D/main" form.
func ParseModuleVersion(s string) (ModuleVersion, error) {
	path, ver, ok := strings.Cut(s, "@")
	if !ok {
		return ModuleVersion{}, fmt.Errorf("invalid module version %q: expected <node-path>@<version>", s)
	}
	np := NodePath(path)
	if err := np.Validate(); err != nil {
		return ModuleVersion{}, err
	}
	v, err := ParseVersion(ver)
	if err != nil {
		return ModuleVersion{}, err
	}
	return ModuleVersion{NodePath: np, Version: v}, nil
}

// WithVersion returns a copy of mv pointing at v.
func (mv ModuleVersion) WithVersion(v Version) ModuleVersion {
	return ModuleVersion{NodePath: mv.NodePath, Version: v}
}

func (mv ModuleVersion) String() string {
	return string(mv.NodePath) + "@" + mv.Version.String()
}
