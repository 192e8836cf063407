// Package identifier implements the hierarchical namespaced path used
// to address apps, packet types, permissions, and stored records.
//
// An identifier has a namespace (reverse-DNS style, e.g. "com.example")
// and one or more path segments. Its canonical key form is
// "namespace:seg/seg/seg". Capability containment is expressed purely
// through path-prefix relationships; see ID.IsSubpathOf.
package identifier

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var (
	namespaceRegex = regexp.MustCompile(`^(\.[^/:.]|[\w-])+$`)
	nameRegex      = regexp.MustCompile(`^[^/:]+$`)
)

// Identifier errors.
var (
	ErrEmptyNamespace = errors.New("identifier: namespace cannot be empty")
	ErrEmptyPath      = errors.New("identifier: path must have at least one name")
	ErrInvalidKey     = errors.New("identifier: invalid key")
)

// ID is an immutable hierarchical identifier: a namespace plus a
// sequence of path segments. The zero value is invalid; construct
// through New, Parse, or MustParse.
type ID struct {
	Namespace string
	Path      []string
}

// New creates an identifier from a namespace and path segments.
func New(namespace string, path ...string) (ID, error) {
	if err := Validate(namespace, path); err != nil {
		return ID{}, err
	}
	return ID{Namespace: namespace, Path: path}, nil
}

// MustNew is like New but panics on invalid input. Intended for
// identifiers declared as package-level constants at startup.
func MustNew(namespace string, path ...string) ID {
	id, err := New(namespace, path...)
	if err != nil {
		panic(err)
	}
	return id
}

// Validate checks a namespace and path against the identifier grammar.
func Validate(namespace string, path []string) error {
	if namespace == "" {
		return ErrEmptyNamespace
	}
	if len(path) == 0 {
		return ErrEmptyPath
	}
	if !namespaceRegex.MatchString(namespace) {
		return fmt.Errorf("identifier: namespace %q must match %s", namespace, namespaceRegex)
	}
	for _, name := range path {
		if !nameRegex.MatchString(name) {
			return fmt.Errorf("identifier: path segment %q must match %s", name, nameRegex)
		}
	}
	return nil
}

// Parse parses the canonical "namespace:seg/seg" key form.
func Parse(key string) (ID, error) {
	sep := strings.IndexByte(key, ':')
	if sep == -1 {
		return ID{}, fmt.Errorf("%w: no separator in %q", ErrInvalidKey, key)
	}
	if strings.IndexByte(key[sep+1:], ':') != -1 {
		return ID{}, fmt.Errorf("%w: multiple separators in %q", ErrInvalidKey, key)
	}
	namespace, path := key[:sep], key[sep+1:]
	if namespace == "" || path == "" {
		return ID{}, fmt.Errorf("%w: namespace and path cannot be empty", ErrInvalidKey)
	}
	return New(namespace, strings.Split(path, "/")...)
}

// MustParse is like Parse but panics on invalid input.
func MustParse(key string) ID {
	id, err := Parse(key)
	if err != nil {
		panic(err)
	}
	return id
}

// FromURL derives an identifier from a URL: the namespace is the
// hostname with its labels reversed, the path is the URL path.
func FromURL(rawURL string) (ID, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ID{}, fmt.Errorf("identifier: %w", err)
	}
	namespace := NamespaceFromHost(parsed.Hostname())
	path := strings.Split(strings.TrimPrefix(parsed.Path, "/"), "/")
	return New(namespace, path...)
}

// NamespaceFromHost reverses the labels of a hostname
// ("app.example.com" -> "com.example.app").
func NamespaceFromHost(host string) string {
	labels := strings.Split(host, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".")
}

// Key returns the canonical string form "namespace:seg/seg".
// Identifiers are totally ordered by this key.
func (id ID) Key() string {
	return id.Namespace + ":" + strings.Join(id.Path, "/")
}

// String implements fmt.Stringer.
func (id ID) String() string { return id.Key() }

// IsZero reports whether id is the zero (invalid) identifier.
func (id ID) IsZero() bool {
	return id.Namespace == "" && len(id.Path) == 0
}

// Equal reports whether two identifiers have the same key.
func (id ID) Equal(other ID) bool {
	return id.Key() == other.Key()
}

// IsSubpathOf reports whether other's segments are a proper prefix of
// id's segments within the same namespace. The reflexive case is
// false: an identifier is not a subpath of itself.
func (id ID) IsSubpathOf(other ID) bool {
	if id.Namespace != other.Namespace {
		return false
	}
	if len(id.Path) <= len(other.Path) {
		return false
	}
	for i, seg := range other.Path {
		if id.Path[i] != seg {
			return false
		}
	}
	return true
}

// Join returns a child identifier with the given segments appended.
func (id ID) Join(path ...string) ID {
	joined := make([]string, 0, len(id.Path)+len(path))
	joined = append(joined, id.Path...)
	joined = append(joined, path...)
	return ID{Namespace: id.Namespace, Path: joined}
}

// SanitizedPath returns a filesystem-safe relative path for the
// identifier, used to place stored records on disk.
func (id ID) SanitizedPath() string {
	parts := make([]string, 0, len(id.Path)+1)
	parts = append(parts, sanitize(id.Namespace))
	for _, seg := range id.Path {
		parts = append(parts, sanitize(seg))
	}
	return strings.Join(parts, "/")
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// MarshalText encodes the identifier as its key form.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.Key()), nil
}

// UnmarshalText decodes an identifier from its key form.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Sort orders identifiers in place by their canonical key.
func Sort(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Key() < ids[j].Key() })
}
