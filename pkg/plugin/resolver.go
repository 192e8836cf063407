package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// Installer performs one batched package installation. The exec-backed
// implementation shells out to a package manager once per resolution
// pass; tests substitute a fake.
type Installer interface {
	Install(ctx context.Context, specs []string) error
}

// Installed maps package name to the currently installed version.
type Installed map[string]*semver.Version

// Resolution reports one resolve pass: which packages were satisfied
// as-is, newly installed, or upgraded.
type Resolution struct {
	Satisfied []string
	Installed []string
	Updated   []string
}

// Changed reports whether the pass performed any installs.
func (r Resolution) Changed() bool {
	return len(r.Installed) > 0 || len(r.Updated) > 0
}

// Resolver diffs required package constraints against the installed
// set and batches every unsatisfied entry into a single installer
// invocation.
type Resolver struct {
	installed func() (Installed, error)
	installer Installer
}

// NewResolver builds a resolver over an installed-package index and an
// installer.
func NewResolver(installed func() (Installed, error), installer Installer) *Resolver {
	return &Resolver{installed: installed, installer: installer}
}

// FileIndex reads an installed-package index maintained by the
// package manager: a JSON object of package name to version. A
// missing file means nothing is installed.
func FileIndex(path string) func() (Installed, error) {
	return func() (Installed, error) {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return Installed{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("plugin: reading package index %s: %w", path, err)
		}
		var raw map[string]string
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("plugin: parsing package index %s: %w", path, err)
		}
		installed := make(Installed, len(raw))
		for name, v := range raw {
			version, err := semver.NewVersion(v)
			if err != nil {
				return nil, fmt.Errorf("plugin: version %q for %s: %w", v, name, err)
			}
			installed[name] = version
		}
		return installed, nil
	}
}

// Resolve computes and applies the install batch for the given
// requirements (package name to semver range; "*" or "" accepts any
// version). Zero installs happen when everything is satisfied.
func (r *Resolver) Resolve(ctx context.Context, requirements map[string]string) (Resolution, error) {
	var res Resolution
	if len(requirements) == 0 {
		return res, nil
	}

	installed, err := r.installed()
	if err != nil {
		return res, fmt.Errorf("plugin: reading installed packages: %w", err)
	}

	names := make([]string, 0, len(requirements))
	for name := range requirements {
		names = append(names, name)
	}
	sort.Strings(names)

	var specs []string
	for _, name := range names {
		raw := requirements[name]
		current, have := installed[name]

		if raw == "" || raw == "*" {
			if have {
				res.Satisfied = append(res.Satisfied, name)
				continue
			}
			specs = append(specs, name)
			res.Installed = append(res.Installed, name)
			continue
		}

		constraint, err := semver.NewConstraint(raw)
		if err != nil {
			return Resolution{}, fmt.Errorf("plugin: constraint %q for %s: %w", raw, name, err)
		}
		if have && constraint.Check(current) {
			res.Satisfied = append(res.Satisfied, name)
			continue
		}
		specs = append(specs, name+"@"+raw)
		if have {
			res.Updated = append(res.Updated, name)
		} else {
			res.Installed = append(res.Installed, name)
		}
	}

	if len(specs) == 0 {
		return res, nil
	}
	if err := r.installer.Install(ctx, specs); err != nil {
		return Resolution{}, fmt.Errorf("plugin: installing %v: %w", specs, err)
	}
	return res, nil
}
