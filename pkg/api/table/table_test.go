package table

import (
	"reflect"
	"testing"

	"github.com/apphub-dev/apphub/pkg/identifier"
)

func seeded(t *testing.T) *Table {
	t.Helper()
	tbl := newTable(identifier.MustNew("com.example", "records"))
	tbl.Add(map[string][]byte{"a": []byte("1")})
	tbl.Add(map[string][]byte{"b": []byte("2")})
	tbl.Add(map[string][]byte{"c": []byte("3")})
	tbl.Add(map[string][]byte{"d": []byte("4")})
	return tbl
}

func keysOf(items map[string][]byte) []string {
	return sortedKeys(items)
}

func TestFetchForwardPagination(t *testing.T) {
	tbl := seeded(t)

	page, cursor := tbl.Fetch(2, false, "")
	if got := keysOf(page); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("first page = %v", got)
	}
	if cursor != "b" {
		t.Fatalf("cursor = %q", cursor)
	}

	page, cursor = tbl.Fetch(2, false, cursor)
	if got := keysOf(page); !reflect.DeepEqual(got, []string{"c", "d"}) {
		t.Fatalf("second page = %v", got)
	}

	// Past the end.
	page, _ = tbl.Fetch(2, false, cursor)
	if len(page) != 0 {
		t.Fatalf("page past end = %v", page)
	}
}

func TestFetchBackwardStartsAtNewest(t *testing.T) {
	tbl := seeded(t)

	page, cursor := tbl.Fetch(2, true, "")
	if got := keysOf(page); !reflect.DeepEqual(got, []string{"c", "d"}) {
		t.Fatalf("first page = %v", got)
	}
	if cursor != "c" {
		t.Fatalf("cursor = %q", cursor)
	}

	page, _ = tbl.Fetch(2, true, cursor)
	if got := keysOf(page); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("second page = %v", got)
	}
}

func TestFetchKeepsInsertionOrderAfterOverwrite(t *testing.T) {
	tbl := seeded(t)
	// Overwriting must not move the key to the end.
	tbl.Add(map[string][]byte{"a": []byte("1x")})

	page, _ := tbl.Fetch(1, false, "")
	if got := keysOf(page); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("first entry = %v", got)
	}
	if string(page["a"]) != "1x" {
		t.Fatalf("value = %q", page["a"])
	}
}

func TestRemoveDropsFromOrder(t *testing.T) {
	tbl := seeded(t)
	tbl.Remove("b", "missing")

	if tbl.Len() != 3 {
		t.Fatalf("len = %d", tbl.Len())
	}
	page, _ := tbl.Fetch(10, false, "")
	if got := keysOf(page); !reflect.DeepEqual(got, []string{"a", "c", "d"}) {
		t.Fatalf("after remove = %v", got)
	}
}

func TestClearEmptiesTable(t *testing.T) {
	tbl := seeded(t)
	tbl.Clear()
	if tbl.Len() != 0 {
		t.Fatalf("len = %d", tbl.Len())
	}
	page, cursor := tbl.Fetch(10, false, "")
	if len(page) != 0 || cursor != "" {
		t.Fatalf("fetch after clear = %v, %q", page, cursor)
	}
}

func TestGetOmitsAbsentKeys(t *testing.T) {
	tbl := seeded(t)
	got := tbl.Get("a", "nope", "c")
	if !reflect.DeepEqual(keysOf(got), []string{"a", "c"}) {
		t.Fatalf("get = %v", got)
	}
}
