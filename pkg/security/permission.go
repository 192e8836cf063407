// Package security implements the server's trust boundary: the
// capability (permission type) registry, per-app bearer tokens, and
// per-token grant-sets.
package security

import (
	"github.com/apphub-dev/apphub/pkg/identifier"
)

// Level orders permission types by sensitivity; the dashboard uses it
// to decide how prominently to warn during interactive approval.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// PermissionType describes a registerable capability. Operations are
// bound to zero or more of these at registration time; sessions must
// hold a grant for each before the bound handler runs.
type PermissionType struct {
	ID    identifier.ID     `json:"id"`
	Level Level             `json:"level"`
	Name  map[string]string `json:"name,omitempty"`
	Note  map[string]string `json:"note,omitempty"`
}

// NewPermission is a convenience constructor for server-registered
// permission types.
func NewPermission(id identifier.ID, level Level, name string) PermissionType {
	return PermissionType{
		ID:    id,
		Level: level,
		Name:  map[string]string{"en": name},
	}
}
