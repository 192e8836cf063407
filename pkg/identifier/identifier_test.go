package identifier

import (
	"encoding/json"
	"testing"
)

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name      string
		namespace string
		path      []string
		wantErr   bool
	}{
		{"simple", "com.example", []string{"app"}, false},
		{"nested_path", "com.example", []string{"app", "feature", "item"}, false},
		{"hyphen_namespace", "my-ns", []string{"x"}, false},
		{"empty_namespace", "", []string{"x"}, true},
		{"empty_path", "com.example", nil, true},
		{"slash_in_segment", "com.example", []string{"a/b"}, true},
		{"colon_in_segment", "com.example", []string{"a:b"}, true},
		{"slash_in_namespace", "com/example", []string{"x"}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.namespace, tc.path...)
			if (err != nil) != tc.wantErr {
				t.Errorf("New(%q, %v) error = %v, wantErr %v", tc.namespace, tc.path, err, tc.wantErr)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"com.example:app", false},
		{"com.example:app/feature/item", false},
		{"no-separator", true},
		{"two:colons:here", true},
		{":path", true},
		{"ns:", true},
	}

	for _, tc := range tests {
		t.Run(tc.key, func(t *testing.T) {
			id, err := Parse(tc.key)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tc.key, err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if got := id.Key(); got != tc.key {
				t.Errorf("Key() = %q, want %q", got, tc.key)
			}
		})
	}
}

func TestIsSubpathOf(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want bool
	}{
		{"child", "ns:a/b", "ns:a", true},
		{"grandchild", "ns:a/b/c", "ns:a", true},
		{"reflexive_is_false", "ns:a/b", "ns:a/b", false},
		{"parent_of", "ns:a", "ns:a/b", false},
		{"sibling", "ns:a/c", "ns:a/b", false},
		{"different_namespace", "other:a/b", "ns:a", false},
		{"prefix_segment_mismatch", "ns:x/b", "ns:a", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, b := MustParse(tc.a), MustParse(tc.b)
			if got := a.IsSubpathOf(b); got != tc.want {
				t.Errorf("%q.IsSubpathOf(%q) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestJoin(t *testing.T) {
	id := MustParse("ns:a")
	child := id.Join("b", "c")
	if got, want := child.Key(), "ns:a/b/c"; got != want {
		t.Errorf("Join() = %q, want %q", got, want)
	}
	// Parent must be untouched.
	if got, want := id.Key(), "ns:a"; got != want {
		t.Errorf("parent mutated: %q, want %q", got, want)
	}
	if !child.IsSubpathOf(id) {
		t.Error("Join result should be a subpath of its parent")
	}
}

func TestNamespaceFromHost(t *testing.T) {
	if got, want := NamespaceFromHost("app.example.com"), "com.example.app"; got != want {
		t.Errorf("NamespaceFromHost() = %q, want %q", got, want)
	}
}

func TestFromURL(t *testing.T) {
	id, err := FromURL("https://apps.example.com/chat/overlay")
	if err != nil {
		t.Fatalf("FromURL() error = %v", err)
	}
	if got, want := id.Key(), "com.example.apps:chat/overlay"; got != want {
		t.Errorf("FromURL() = %q, want %q", got, want)
	}
}

func TestJSONCodec(t *testing.T) {
	id := MustParse("com.example:app/item")
	data, err := json.Marshal(id)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `"com.example:app/item"` {
		t.Errorf("Marshal() = %s", data)
	}
	var back ID
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !back.Equal(id) {
		t.Errorf("round-trip = %v, want %v", back, id)
	}
}

func TestSanitizedPath(t *testing.T) {
	id := MustParse("com.example:a b/c")
	if got, want := id.SanitizedPath(), "com.example/a_b/c"; got != want {
		t.Errorf("SanitizedPath() = %q, want %q", got, want)
	}
}

func TestMapAndSet(t *testing.T) {
	a, b := MustParse("ns:a"), MustParse("ns:b")

	m := NewMap[int]()
	m.Set(a, 1)
	m.Set(b, 2)
	m.Set(a, 3) // overwrite
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
	if v, ok := m.Get(a); !ok || v != 3 {
		t.Errorf("Get(a) = %d, %v", v, ok)
	}
	m.Delete(b)
	if m.Has(b) {
		t.Error("Has(b) after Delete = true")
	}

	s := NewSet(a, b)
	if !s.HasAll([]ID{a, b}) {
		t.Error("HasAll() = false")
	}
	s.Delete(a)
	if s.HasAll([]ID{a, b}) {
		t.Error("HasAll() after Delete = true")
	}
	if got := s.Values(); len(got) != 1 || !got[0].Equal(b) {
		t.Errorf("Values() = %v", got)
	}
}
