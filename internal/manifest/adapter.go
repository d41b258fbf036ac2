package manifest

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"modver/internal/model"
)

// SnapshotSuffix marks artifact versions built from dynamic versions.
const SnapshotSuffix = "-SNAPSHOT"

// MappingRule maps version values matching Pattern to an artifact version
// built from Artifact, which may reference capture groups ("$1", "${name}").
type MappingRule struct {
	// Type restricts the rule to "D" or "S" versions. Empty matches both.
	Type     string `yaml:"type,omitempty"`
	Pattern  string `yaml:"pattern"`
	Artifact string `yaml:"artifact"`

	re *regexp.Regexp
}

// Adapter reads and rewrites module.yaml in a workspace.
type Adapter struct {
	rules []MappingRule
}

// NewAdapter compiles the mapping rules. Patterns must match the whole
// version value.
func NewAdapter(rules []MappingRule) (*Adapter, error) {
	compiled := make([]MappingRule, len(rules))
	for i, r := range rules {
		switch model.VersionType(r.Type) {
		case "", model.Dynamic, model.Static:
		default:
			return nil, fmt.Errorf("mapping rule %d: invalid version type %q", i, r.Type)
		}
		re, err := regexp.Compile("^(?:" + r.Pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("mapping rule %d: %w", i, err)
		}
		r.re = re
		compiled[i] = r
	}
	return &Adapter{rules: compiled}, nil
}

// References lists the references declared in the workspace at path.
func (a *Adapter) References(path string) ([]*model.Reference, error) {
	m, err := LoadOrEmpty(path)
	if err != nil {
		return nil, err
	}
	return m.ReferenceList()
}

// UpdateReferenceVersion points the entry declaring ref at v.
func (a *Adapter) UpdateReferenceVersion(path string, ref *model.Reference, v model.Version) (bool, error) {
	d, err := loadDocument(path)
	if err != nil {
		return false, err
	}
	refs := lookup(d.top(), "references")
	if refs == nil || refs.Kind != yaml.SequenceNode {
		return false, fmt.Errorf("reference %s not declared in %s", ref, d.path)
	}

	want := ref.Location
	for _, item := range refs.Content {
		e := Entry{
			Module:   scalar(item, "module"),
			Group:    scalar(item, "group"),
			Artifact: scalar(item, "artifact"),
		}
		if "references/"+e.key() != want {
			continue
		}
		value := v.String()
		if e.Module == "" {
			value = v.Value
		}
		if !setScalar(item, "version", value) {
			return false, nil
		}
		return true, d.save()
	}
	return false, fmt.Errorf("reference %s not declared in %s", ref, d.path)
}

// ArtifactVersion returns the artifact version declared in the workspace.
func (a *Adapter) ArtifactVersion(path string) (string, error) {
	m, err := Load(path)
	if err != nil {
		return "", err
	}
	if m.Artifact == nil || m.Artifact.Version == "" {
		return "", fmt.Errorf("no artifact version declared in %s", FileName)
	}
	return m.Artifact.Version, nil
}

// SetArtifactVersion sets the artifact version and reports whether it
// changed.
func (a *Adapter) SetArtifactVersion(path, version string) (bool, error) {
	d, err := loadDocument(path)
	if err != nil {
		return false, err
	}
	artifact := lookup(d.top(), "artifact")
	if artifact == nil || artifact.Kind != yaml.MappingNode {
		return false, fmt.Errorf("no artifact section in %s", d.path)
	}
	if !setScalar(artifact, "version", version) {
		return false, nil
	}
	return true, d.save()
}

// MapVersion returns the artifact version corresponding to v. The first
// matching rule wins. Without one, static versions map to their value and
// dynamic versions to their value with SnapshotSuffix.
func (a *Adapter) MapVersion(v model.Version) (string, error) {
	if v.IsZero() {
		return "", fmt.Errorf("cannot map an empty version")
	}
	for _, r := range a.rules {
		if r.Type != "" && model.VersionType(r.Type) != v.Type {
			continue
		}
		match := r.re.FindStringSubmatchIndex(v.Value)
		if match == nil {
			continue
		}
		out := string(r.re.ExpandString(nil, r.Artifact, v.Value, match))
		if out == "" {
			return "", fmt.Errorf("rule %q maps %s to an empty artifact version", r.Pattern, v)
		}
		return out, nil
	}
	if v.IsDynamic() {
		return strings.TrimSuffix(v.Value, SnapshotSuffix) + SnapshotSuffix, nil
	}
	return v.Value, nil
}

// IsDynamicArtifact reports whether an artifact version is mutable.
func IsDynamicArtifact(version string) bool {
	return strings.HasSuffix(version, SnapshotSuffix)
}
