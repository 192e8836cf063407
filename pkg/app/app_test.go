package app

import (
	"encoding/json"
	"testing"

	"github.com/apphub-dev/apphub/pkg/identifier"
)

func TestAppJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		app  App
	}{
		{
			name: "plain_app",
			app: App{
				ID:   identifier.MustParse("com.example:chat"),
				Type: TypeApp,
				URL:  "https://example.com/chat",
				Metadata: Metadata{
					Locale: "en",
					Name:   "Chat",
				},
			},
		},
		{
			name: "remote_with_parent",
			app: App{
				ID:       identifier.MustParse("com.example:chat/remote"),
				Type:     TypeRemote,
				ParentID: identifier.MustParse("com.example:chat"),
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.app)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			var back App
			if err := json.Unmarshal(data, &back); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if !back.ID.Equal(tc.app.ID) || back.Type != tc.app.Type || back.URL != tc.app.URL {
				t.Errorf("round-trip = %+v, want %+v", back, tc.app)
			}
			if !back.ParentID.Equal(tc.app.ParentID) {
				t.Errorf("parent_id = %v, want %v", back.ParentID, tc.app.ParentID)
			}
		})
	}
}

func TestParentIDOmittedWhenZero(t *testing.T) {
	a := App{ID: identifier.MustParse("ns:x")}
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["parent_id"]; ok {
		t.Error("parent_id should be omitted for a root app")
	}
}

func TestValidate(t *testing.T) {
	if err := (App{}).Validate(); err == nil {
		t.Error("Validate() of zero app should fail")
	}
	bad := App{ID: identifier.MustParse("ns:x"), Type: Type("widget")}
	if err := bad.Validate(); err == nil {
		t.Error("Validate() with unknown type should fail")
	}
	ok := App{ID: identifier.MustParse("ns:x"), Type: TypeDashboard}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestKindDefault(t *testing.T) {
	a := App{ID: identifier.MustParse("ns:x")}
	if a.Kind() != TypeApp {
		t.Errorf("Kind() = %v, want %v", a.Kind(), TypeApp)
	}
}
