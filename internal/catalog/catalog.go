// Package catalog resolves node paths to modules and assembles their
// capabilities from modules.yaml.
//
//	defaults:
//	  build: [make, test]
//	modules:
//	  - path: Libs/Core
//	    url: git@git.example.com:libs/core.git
//	  - path: "Apps/**"
//	    url: "https://git.example.com/{path}.git"
//	    artifact: false
package catalog

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"lukechampine.com/blake3"

	"modver/internal/build"
	"modver/internal/capability"
	"modver/internal/gitscm"
	"modver/internal/manifest"
	"modver/internal/model"
	"modver/internal/policy"
)

// DefaultCacheSize bounds the number of parsed manifests kept in memory.
const DefaultCacheSize = 1024

// Settings are the per-module options. Entries override the defaults
// field by field.
type Settings struct {
	Build        []string               `yaml:"build,omitempty"`
	BuildTimeout string                 `yaml:"buildTimeout,omitempty"`
	Artifact     *bool                  `yaml:"artifact,omitempty"`
	Mapping      []manifest.MappingRule `yaml:"mapping,omitempty"`
	Policy       *policy.Config         `yaml:"policy,omitempty"`
}

// Entry declares the modules whose node path matches Path.
type Entry struct {
	// Path is a node path or a doublestar pattern.
	Path string `yaml:"path"`
	// URL of the repository. "{path}" and "{name}" expand to the node path
	// and its last element.
	URL      string `yaml:"url"`
	Settings `yaml:",inline"`
}

// File is the decoded content of modules.yaml.
type File struct {
	Defaults Settings `yaml:"defaults,omitempty"`
	Modules  []Entry  `yaml:"modules"`
}

// Load reads a catalog file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog content.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	for i, e := range f.Modules {
		if e.Path == "" || e.URL == "" {
			return nil, fmt.Errorf("catalog entry %d: path and url are required", i)
		}
		if !doublestar.ValidatePattern(e.Path) {
			return nil, fmt.Errorf("catalog entry %d: invalid pattern %q", i, e.Path)
		}
	}
	return &f, nil
}

// Deps are the shared collaborators handed to every module.
type Deps struct {
	Scratch  gitscm.Scratch
	Operator capability.Operator
	// MirrorRoot holds the bare mirrors of module repositories.
	MirrorRoot  string
	AuthorName  string
	AuthorEmail string
	// DynamicVersion overrides the dynamic version of every policy.
	DynamicVersion string
	Log            logrus.FieldLogger
}

// Catalog implements capability.Catalog.
type Catalog struct {
	file  *File
	deps  Deps
	cache *lru.Cache[[32]byte, []*model.Reference]

	mu      sync.Mutex
	modules map[model.NodePath]*capability.Module
}

// New creates a catalog.
func New(file *File, deps Deps) (*Catalog, error) {
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	cache, err := lru.New[[32]byte, []*model.Reference](DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &Catalog{
		file:    file,
		deps:    deps,
		cache:   cache,
		modules: make(map[model.NodePath]*capability.Module),
	}, nil
}

// Lookup returns the entry declaring np. Literal paths win over patterns;
// otherwise the first matching pattern applies.
func (c *Catalog) Lookup(np model.NodePath) (*Entry, bool) {
	for i := range c.file.Modules {
		if c.file.Modules[i].Path == string(np) {
			return &c.file.Modules[i], true
		}
	}
	for i := range c.file.Modules {
		ok, err := doublestar.Match(c.file.Modules[i].Path, string(np))
		if err == nil && ok {
			return &c.file.Modules[i], true
		}
	}
	return nil, false
}

// Module returns the capabilities of the module at np.
func (c *Catalog) Module(ctx context.Context, np model.NodePath) (*capability.Module, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mod, ok := c.modules[np]; ok {
		return mod, nil
	}
	entry, ok := c.Lookup(np)
	if !ok {
		return nil, fmt.Errorf("module %s: %w", np, capability.ErrNotFound)
	}
	mod, err := c.assemble(np, entry)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", np, err)
	}
	c.modules[np] = mod
	return mod, nil
}

// merged overlays the entry's settings on the defaults.
func (c *Catalog) merged(e *Entry) Settings {
	s := c.file.Defaults
	if e.Build != nil {
		s.Build = e.Build
	}
	if e.BuildTimeout != "" {
		s.BuildTimeout = e.BuildTimeout
	}
	if e.Artifact != nil {
		s.Artifact = e.Artifact
	}
	if e.Mapping != nil {
		s.Mapping = e.Mapping
	}
	if e.Policy != nil {
		s.Policy = e.Policy
	}
	return s
}

func (c *Catalog) assemble(np model.NodePath, e *Entry) (*capability.Module, error) {
	s := c.merged(e)
	log := c.deps.Log.WithField("module", string(np))

	url := strings.NewReplacer("{path}", string(np), "{name}", np.Name()).Replace(e.URL)
	sum := blake3.Sum256([]byte(url))
	scm := gitscm.New(gitscm.Config{
		NodePath:    np,
		URL:         url,
		MirrorDir:   filepath.Join(c.deps.MirrorRoot, hex.EncodeToString(sum[:8])+".git"),
		Scratch:     c.deps.Scratch,
		AuthorName:  c.deps.AuthorName,
		AuthorEmail: c.deps.AuthorEmail,
		Log:         c.deps.Log,
	})

	adapter, err := manifest.NewAdapter(s.Mapping)
	if err != nil {
		return nil, err
	}

	var pcfg policy.Config
	if s.Policy != nil {
		pcfg = *s.Policy
	}
	if c.deps.DynamicVersion != "" {
		pcfg.DynamicVersion = c.deps.DynamicVersion
	}
	pol, err := policy.NewSemver(pcfg, c.deps.Operator)
	if err != nil {
		return nil, err
	}

	mod := &capability.Module{
		NodePath:   np,
		SCM:        scm,
		References: &cachedReferences{Adapter: adapter, cache: c.cache},
		Policy:     pol,
	}
	if s.Artifact == nil || *s.Artifact {
		mod.Artifact = adapter
	}
	if len(s.Build) > 0 {
		runner, err := build.NewRunner(s.Build, log)
		if err != nil {
			return nil, err
		}
		if s.BuildTimeout != "" {
			if runner.Timeout, err = time.ParseDuration(s.BuildTimeout); err != nil {
				return nil, fmt.Errorf("invalid build timeout: %w", err)
			}
		}
		mod.Build = runner
	}
	log.Debugf("assembled from %s", url)
	return mod, nil
}

// cachedReferences memoizes parsed reference lists by manifest content.
type cachedReferences struct {
	*manifest.Adapter
	cache *lru.Cache[[32]byte, []*model.Reference]
}

func (c *cachedReferences) References(path string) ([]*model.Reference, error) {
	data, err := os.ReadFile(filepath.Join(path, manifest.FileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	key := blake3.Sum256(data)
	if refs, ok := c.cache.Get(key); ok {
		return cloneRefs(refs), nil
	}

	m, err := manifest.Parse(data)
	if err != nil {
		return nil, err
	}
	refs, err := m.ReferenceList()
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cloneRefs(refs))
	return refs, nil
}

func cloneRefs(refs []*model.Reference) []*model.Reference {
	out := make([]*model.Reference, len(refs))
	for i, r := range refs {
		c := *r
		if r.ModuleVersion != nil {
			mv := *r.ModuleVersion
			c.ModuleVersion = &mv
		}
		out[i] = &c
	}
	return out
}
