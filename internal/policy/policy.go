// Package policy chooses the versions jobs transition modules to.
package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"modver/internal/capability"
	"modver/internal/manifest"
	"modver/internal/model"
)

// Increment selects the semver component bumped when no artifact version
// names the next static version.
type Increment string

const (
	IncMajor Increment = "major"
	IncMinor Increment = "minor"
	IncPatch Increment = "patch"
)

// Config configures a Semver policy.
type Config struct {
	Increment Increment `yaml:"increment,omitempty"`
	// Initial is the first static version of a module without any.
	Initial string `yaml:"initial,omitempty"`
	// DynamicVersion is the version switch-dynamic moves modules to. When
	// empty the operator is asked.
	DynamicVersion string `yaml:"dynamicVersion,omitempty"`
}

// Semver implements capability.VersionPolicy on semantic version numbers.
type Semver struct {
	cfg      Config
	operator capability.Operator
}

// NewSemver returns a policy asking op when it needs an answer.
func NewSemver(cfg Config, op capability.Operator) (*Semver, error) {
	switch cfg.Increment {
	case "":
		cfg.Increment = IncMinor
	case IncMajor, IncMinor, IncPatch:
	default:
		return nil, fmt.Errorf("invalid increment %q", cfg.Increment)
	}
	if cfg.Initial == "" {
		cfg.Initial = "1.0.0"
	}
	if _, err := semver.NewVersion(cfg.Initial); err != nil {
		return nil, fmt.Errorf("invalid initial version %q: %w", cfg.Initial, err)
	}
	return &Semver{cfg: cfg, operator: op}, nil
}

// NextStaticVersion derives the static version from the artifact version
// ("1.3-SNAPSHOT" gives "1.3"). Without one it bumps the highest existing
// static version.
func (p *Semver) NextStaticVersion(ctx context.Context, vc capability.VersionContext) (model.Version, error) {
	if vc.ArtifactVersion != "" {
		v := strings.TrimSuffix(vc.ArtifactVersion, manifest.SnapshotSuffix)
		if v != "" {
			return model.NewStatic(v), nil
		}
	}
	return model.NewStatic(p.bump(vc.StaticVersions)), nil
}

// bump increments the highest semver among versions.
func (p *Semver) bump(versions []model.Version) string {
	var latest *semver.Version
	for _, v := range versions {
		sv, err := semver.NewVersion(v.Value)
		if err != nil || sv.Prerelease() != "" {
			continue
		}
		if latest == nil || sv.GreaterThan(latest) {
			latest = sv
		}
	}
	if latest == nil {
		return p.cfg.Initial
	}

	var next semver.Version
	switch p.cfg.Increment {
	case IncMajor:
		next = latest.IncMajor()
	case IncPatch:
		next = latest.IncPatch()
	default:
		next = latest.IncMinor()
	}
	if strings.HasPrefix(latest.Original(), "v") {
		return "v" + next.String()
	}
	return next.String()
}

// NextDynamicVersion returns the configured dynamic version or asks for
// one. The new version is created from the current one. An empty answer
// yields the zero version.
func (p *Semver) NextDynamicVersion(ctx context.Context, vc capability.VersionContext) (model.Version, model.Version, error) {
	base := vc.ModuleVersion.Version
	name := p.cfg.DynamicVersion
	if name == "" {
		def := ""
		if base.IsDynamic() {
			def = base.Value
		}
		answer, err := p.operator.Ask(fmt.Sprintf("Dynamic version for %s", vc.ModuleVersion), def)
		if err != nil {
			return model.Version{}, model.Version{}, err
		}
		name = strings.TrimSpace(answer)
	}
	if name == "" {
		return model.Version{}, model.Version{}, nil
	}
	v, err := model.ParseVersion(name)
	if err != nil {
		v = model.NewDynamic(name)
	}
	if !v.IsDynamic() {
		return model.Version{}, model.Version{}, capability.NewUserError(vc.ModuleVersion, "%s is not a dynamic version", name)
	}
	return v, base, nil
}

// SelectStaticVersion asks for the static version to release, proposing
// NextStaticVersion. An empty answer aborts.
func (p *Semver) SelectStaticVersion(ctx context.Context, vc capability.VersionContext) (model.Version, bool, error) {
	proposed, err := p.NextStaticVersion(ctx, vc)
	if err != nil {
		return model.Version{}, false, err
	}
	answer, err := p.operator.Ask(fmt.Sprintf("Static version to release %s as", vc.ModuleVersion), proposed.Value)
	if err != nil {
		return model.Version{}, false, err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return model.Version{}, false, nil
	}
	v, err := model.ParseVersion(answer)
	if err != nil {
		v = model.NewStatic(answer)
	}
	if !v.IsStatic() {
		return model.Version{}, false, capability.NewUserError(vc.ModuleVersion, "%s is not a static version", answer)
	}
	return v, true, nil
}
