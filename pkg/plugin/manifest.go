package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Manifest is the on-disk description of a plugin package, read from
// manifest.json in each plugin directory.
type Manifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Entry        string            `json:"entry,omitempty"`
	Isolated     bool              `json:"isolated,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Validate checks the manifest's required fields.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("plugin manifest: missing name")
	}
	if m.Version == "" {
		return fmt.Errorf("plugin %s: missing version", m.Name)
	}
	if m.Isolated && m.Entry == "" {
		return fmt.Errorf("plugin %s: isolated without entry command", m.Name)
	}
	return nil
}

// Plugin converts the manifest into a loadable descriptor. The entry
// path is resolved relative to the plugin's directory.
func (m Manifest) Plugin(dir string) Plugin {
	entry := m.Entry
	if entry != "" && !filepath.IsAbs(entry) {
		entry = filepath.Join(dir, entry)
	}
	return Plugin{
		Name:         m.Name,
		Version:      m.Version,
		Isolated:     m.Isolated,
		Entry:        entry,
		Dependencies: m.Dependencies,
	}
}

// Discover scans root for plugin directories containing manifest.json.
// A missing root yields no plugins; a malformed manifest fails the
// scan so a broken install is visible.
func Discover(root string) ([]Plugin, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("plugin: scanning %s: %w", root, err)
	}

	var plugins []Plugin
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		path := filepath.Join(dir, "manifest.json")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("plugin: reading %s: %w", path, err)
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("plugin: parsing %s: %w", path, err)
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		plugins = append(plugins, m.Plugin(dir))
	}
	return plugins, nil
}
