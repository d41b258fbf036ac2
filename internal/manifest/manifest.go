// Package manifest reads and rewrites module.yaml, the file declaring a
// module's artifact coordinates and its references to other modules.
//
//	artifact:
//	  group: com.acme
//	  artifact: core
//	  version: 1.3-SNAPSHOT
//	references:
//	  - module: Libs/Util
//	    version: D/main
//	  - group: org.yaml
//	    artifact: snakeyaml
//	    version: "2.2"
//
// Rewrites go through the YAML node tree so comments and key order survive.
package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"modver/internal/model"
)

// FileName is the manifest file at the root of a module's source tree.
const FileName = "module.yaml"

// Entry is one declared reference.
type Entry struct {
	Module   string `yaml:"module,omitempty"`
	Group    string `yaml:"group,omitempty"`
	Artifact string `yaml:"artifact,omitempty"`
	Version  string `yaml:"version,omitempty"`
}

// key identifies the entry independently of its version.
func (e Entry) key() string {
	if e.Module != "" {
		return e.Module
	}
	return e.Group + ":" + e.Artifact
}

// Manifest is the decoded content of module.yaml.
type Manifest struct {
	Artifact   *model.ArtifactCoordinates `yaml:"artifact,omitempty"`
	References []Entry                    `yaml:"references,omitempty"`
}

// Load reads the manifest in dir.
func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes manifest content.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

// LoadOrEmpty reads the manifest in dir, returning an empty manifest when
// the file doesn't exist.
func LoadOrEmpty(dir string) (*Manifest, error) {
	m, err := Load(dir)
	if err != nil {
		if _, statErr := os.Stat(filepath.Join(dir, FileName)); os.IsNotExist(statErr) {
			return &Manifest{}, nil
		}
		return nil, err
	}
	return m, nil
}

// Write stores m in dir.
func Write(dir string, m *Manifest) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, FileName), buf.Bytes(), 0644)
}

// ReferenceList converts the declared entries to references.
func (m *Manifest) ReferenceList() ([]*model.Reference, error) {
	refs := make([]*model.Reference, 0, len(m.References))
	for i, e := range m.References {
		loc := "references/" + e.key()
		if e.Module != "" {
			np := model.NodePath(e.Module)
			if err := np.Validate(); err != nil {
				return nil, fmt.Errorf("reference %d: %w", i, err)
			}
			v, err := model.ParseVersion(e.Version)
			if err != nil {
				return nil, fmt.Errorf("reference %d (%s): %w", i, e.Module, err)
			}
			refs = append(refs, &model.Reference{
				ModuleVersion: &model.ModuleVersion{NodePath: np, Version: v},
				Artifact:      model.ArtifactCoordinates{GroupID: e.Group, ArtifactID: e.Artifact},
				Location:      loc,
			})
			continue
		}
		if e.Group == "" || e.Artifact == "" {
			return nil, fmt.Errorf("reference %d: either module or group and artifact are required", i)
		}
		refs = append(refs, &model.Reference{
			Artifact: model.ArtifactCoordinates{GroupID: e.Group, ArtifactID: e.Artifact, Version: e.Version},
			Location: loc,
		})
	}
	return refs, nil
}

// document is a manifest held as a node tree for in-place edits.
type document struct {
	path string
	root yaml.Node
}

func loadDocument(dir string) (*document, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	d := &document{path: path}
	if err := yaml.Unmarshal(data, &d.root); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if len(d.root.Content) == 0 || d.root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("manifest %s: top level must be a mapping", path)
	}
	return d, nil
}

func (d *document) save() error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&d.root); err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return os.WriteFile(d.path, buf.Bytes(), 0644)
}

func (d *document) top() *yaml.Node {
	return d.root.Content[0]
}

// lookup returns the value node of key in a mapping node.
func lookup(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

// setScalar sets key in a mapping node and reports whether it changed.
func setScalar(mapping *yaml.Node, key, value string) bool {
	if n := lookup(mapping, key); n != nil {
		if n.Kind == yaml.ScalarNode && n.Value == value {
			return false
		}
		n.Kind = yaml.ScalarNode
		n.Tag = "!!str"
		n.Style = 0
		n.Value = value
		n.Content = nil
		return true
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
	return true
}

// scalar returns the value of key in a mapping node, or "".
func scalar(mapping *yaml.Node, key string) string {
	if n := lookup(mapping, key); n != nil && n.Kind == yaml.ScalarNode {
		return n.Value
	}
	return ""
}
