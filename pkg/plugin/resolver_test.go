package plugin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Masterminds/semver/v3"
)

type fakeInstaller struct {
	calls [][]string
}

func (f *fakeInstaller) Install(_ context.Context, specs []string) error {
	f.calls = append(f.calls, specs)
	return nil
}

func installedSet(pkgs map[string]string) func() (Installed, error) {
	return func() (Installed, error) {
		out := make(Installed, len(pkgs))
		for name, v := range pkgs {
			out[name] = semver.MustParse(v)
		}
		return out, nil
	}
}

func TestResolveBatchesUnsatisfied(t *testing.T) {
	installer := &fakeInstaller{}
	r := NewResolver(installedSet(map[string]string{"A": "1.0.0"}), installer)

	res, err := r.Resolve(context.Background(), map[string]string{
		"A": ">=1.0.0, <2.0.0",
		"B": "*",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !reflect.DeepEqual(res.Satisfied, []string{"A"}) {
		t.Errorf("satisfied = %v", res.Satisfied)
	}
	if !reflect.DeepEqual(res.Installed, []string{"B"}) {
		t.Errorf("installed = %v", res.Installed)
	}
	if len(res.Updated) != 0 {
		t.Errorf("updated = %v", res.Updated)
	}
	// B went through exactly one installer invocation.
	if len(installer.calls) != 1 || !reflect.DeepEqual(installer.calls[0], []string{"B"}) {
		t.Errorf("installer calls = %v", installer.calls)
	}
}

func TestResolveUnchangedRequirementsInstallsNothing(t *testing.T) {
	installer := &fakeInstaller{}
	r := NewResolver(installedSet(map[string]string{"A": "1.2.0", "B": "0.3.0"}), installer)

	res, err := r.Resolve(context.Background(), map[string]string{
		"A": ">=1.0.0, <2.0.0",
		"B": "*",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Changed() {
		t.Fatalf("resolution reported changes: %+v", res)
	}
	if len(installer.calls) != 0 {
		t.Fatalf("installer invoked %d times for satisfied set", len(installer.calls))
	}
}

func TestResolveReportsUpgrades(t *testing.T) {
	installer := &fakeInstaller{}
	r := NewResolver(installedSet(map[string]string{"A": "1.0.0"}), installer)

	res, err := r.Resolve(context.Background(), map[string]string{"A": ">=2.0.0"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !reflect.DeepEqual(res.Updated, []string{"A"}) {
		t.Errorf("updated = %v", res.Updated)
	}
	if len(installer.calls) != 1 || installer.calls[0][0] != "A@>=2.0.0" {
		t.Errorf("installer calls = %v", installer.calls)
	}
}

func TestResolveRejectsBadConstraint(t *testing.T) {
	r := NewResolver(installedSet(nil), &fakeInstaller{})
	if _, err := r.Resolve(context.Background(), map[string]string{"A": "not-a-range"}); err == nil {
		t.Fatal("bad constraint accepted")
	}
}

func TestFileIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packages.json")
	if err := os.WriteFile(path, []byte(`{"A":"1.2.3"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	installed, err := FileIndex(path)()
	if err != nil {
		t.Fatalf("FileIndex: %v", err)
	}
	if v, ok := installed["A"]; !ok || v.String() != "1.2.3" {
		t.Fatalf("installed = %v", installed)
	}

	// Missing index means nothing installed.
	empty, err := FileIndex(filepath.Join(t.TempDir(), "none.json"))()
	if err != nil || len(empty) != 0 {
		t.Fatalf("missing index: %v, %v", empty, err)
	}
}

func TestDiscoverReadsManifests(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "demo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	m := Manifest{
		Name:         "demo",
		Version:      "0.1.0",
		Entry:        "bin/demo",
		Isolated:     true,
		Dependencies: map[string]string{"A": ">=1.0.0"},
	}
	data, _ := json.Marshal(m)
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	// Directories without a manifest are skipped.
	if err := os.MkdirAll(filepath.Join(root, "not-a-plugin"), 0o755); err != nil {
		t.Fatal(err)
	}

	plugins, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(plugins) != 1 {
		t.Fatalf("discovered %d plugins", len(plugins))
	}
	p := plugins[0]
	if p.Name != "demo" || !p.Isolated {
		t.Fatalf("plugin = %+v", p)
	}
	if p.Entry != filepath.Join(dir, "bin/demo") {
		t.Fatalf("entry = %q", p.Entry)
	}
}

func TestDiscoverMissingRootIsEmpty(t *testing.T) {
	plugins, err := Discover(filepath.Join(t.TempDir(), "nope"))
	if err != nil || plugins != nil {
		t.Fatalf("got %v, %v", plugins, err)
	}
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name    string
		m       Manifest
		wantErr bool
	}{
		{"ok", Manifest{Name: "x", Version: "1.0.0"}, false},
		{"missing_name", Manifest{Version: "1.0.0"}, true},
		{"missing_version", Manifest{Name: "x"}, true},
		{"isolated_without_entry", Manifest{Name: "x", Version: "1.0.0", Isolated: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.m.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
