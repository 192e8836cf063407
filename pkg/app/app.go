// Package app defines the identity descriptor for a connecting entity.
package app

import (
	"encoding/json"
	"fmt"

	"github.com/apphub-dev/apphub/pkg/identifier"
)

// Type classifies what kind of entity an App is.
type Type string

const (
	TypeApp       Type = "app"       // Ordinary client application
	TypePlugin    Type = "plugin"    // Server-managed plugin
	TypeDashboard Type = "dashboard" // Privileged dashboard client
	TypeRemote    Type = "remote"    // Dynamically spawned remote app
)

// Valid reports whether t is a known app type.
func (t Type) Valid() bool {
	switch t {
	case TypeApp, TypePlugin, TypeDashboard, TypeRemote:
		return true
	}
	return false
}

// Metadata is the human-facing description of an app.
type Metadata struct {
	Locale      string `json:"locale,omitempty"`
	Name        string `json:"name,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Description string `json:"description,omitempty"`
}

// App is a connecting entity's identity descriptor. ParentID links a
// dynamically spawned remote app to the session that requested it.
type App struct {
	ID       identifier.ID `json:"id"`
	Version  string        `json:"version,omitempty"`
	Type     Type          `json:"type,omitempty"`
	ParentID identifier.ID `json:"parent_id,omitempty"`
	URL      string        `json:"url,omitempty"`
	Metadata Metadata      `json:"metadata,omitempty"`
}

// Key returns the canonical key of the app's identifier.
func (a App) Key() string { return a.ID.Key() }

// Kind returns the app's type, defaulting to TypeApp when unset.
func (a App) Kind() Type {
	if a.Type == "" {
		return TypeApp
	}
	return a.Type
}

// Validate checks that the app has a usable identity.
func (a App) Validate() error {
	if a.ID.IsZero() {
		return fmt.Errorf("app: missing id")
	}
	if a.Type != "" && !a.Type.Valid() {
		return fmt.Errorf("app %s: unknown type %q", a.ID, a.Type)
	}
	return nil
}

// MarshalJSON emits the wire form; parent_id is omitted when zero.
func (a App) MarshalJSON() ([]byte, error) {
	type wire struct {
		ID       string   `json:"id"`
		Version  string   `json:"version,omitempty"`
		Type     Type     `json:"type,omitempty"`
		ParentID string   `json:"parent_id,omitempty"`
		URL      string   `json:"url,omitempty"`
		Metadata Metadata `json:"metadata"`
	}
	w := wire{
		ID:       a.ID.Key(),
		Version:  a.Version,
		Type:     a.Type,
		URL:      a.URL,
		Metadata: a.Metadata,
	}
	if !a.ParentID.IsZero() {
		w.ParentID = a.ParentID.Key()
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire form.
func (a *App) UnmarshalJSON(data []byte) error {
	type wire struct {
		ID       string   `json:"id"`
		Version  string   `json:"version"`
		Type     Type     `json:"type"`
		ParentID string   `json:"parent_id"`
		URL      string   `json:"url"`
		Metadata Metadata `json:"metadata"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	id, err := identifier.Parse(w.ID)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	var parent identifier.ID
	if w.ParentID != "" {
		parent, err = identifier.Parse(w.ParentID)
		if err != nil {
			return fmt.Errorf("app: parent_id: %w", err)
		}
	}
	*a = App{
		ID:       id,
		Version:  w.Version,
		Type:     w.Type,
		ParentID: parent,
		URL:      w.URL,
		Metadata: w.Metadata,
	}
	return nil
}
