package table

import (
	"sort"
	"sync"

	"github.com/apphub-dev/apphub/pkg/identifier"
	"github.com/apphub-dev/apphub/pkg/protocol"
	"github.com/apphub-dev/apphub/pkg/server"
)

func sortedKeys(items map[string][]byte) []string {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Table is one server-authoritative keyed collection. Entries keep
// insertion order so fetch cursors are stable; mutation events fan out
// only to sessions that issued listen for this table's id.
type Table struct {
	id identifier.ID

	mu        sync.Mutex
	items     map[string][]byte
	order     []string
	observers map[*server.Session]func()

	permAll    *identifier.ID
	permRead   *identifier.ID
	permWrite  *identifier.ID
	permRemove *identifier.ID
}

func newTable(id identifier.ID) *Table {
	return &Table{
		id:        id,
		items:     make(map[string][]byte),
		observers: make(map[*server.Session]func()),
	}
}

// ID returns the table's identifier.
func (t *Table) ID() identifier.ID { return t.id }

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Get returns the named entries; absent keys are omitted.
func (t *Table) Get(keys ...string) map[string][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := t.items[k]; ok {
			out[k] = v
		}
	}
	return out
}

// All returns a snapshot of every entry.
func (t *Table) All() map[string][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]byte, len(t.items))
	for k, v := range t.items {
		out[k] = v
	}
	return out
}

// Fetch pages through the table in insertion order. A cursor of ""
// starts from the edge; backward walks newest-first. The returned
// cursor addresses the last entry yielded.
func (t *Table) Fetch(limit int, backward bool, cursor string) (items map[string][]byte, next string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}

	start := 0
	if backward {
		start = len(t.order) - 1
	}
	if cursor != "" {
		for i, k := range t.order {
			if k == cursor {
				if backward {
					start = i - 1
				} else {
					start = i + 1
				}
				break
			}
		}
	}

	items = make(map[string][]byte, limit)
	var last string
	for i := start; i >= 0 && i < len(t.order) && len(items) < limit; {
		k := t.order[i]
		items[k] = t.items[k]
		last = k
		if backward {
			i--
		} else {
			i++
		}
	}
	return items, last
}

// Add inserts or overwrites entries and broadcasts an add event
// carrying only the changed entries.
func (t *Table) Add(items map[string][]byte) {
	if len(items) == 0 {
		return
	}
	t.mu.Lock()
	for _, k := range sortedKeys(items) {
		if _, exists := t.items[k]; !exists {
			t.order = append(t.order, k)
		}
		t.items[k] = items[k]
	}
	t.mu.Unlock()
	t.broadcast(PacketItemAdd, items)
}

// Update overwrites existing entries and broadcasts an update event.
// Keys not present in the table are inserted, matching Add.
func (t *Table) Update(items map[string][]byte) {
	if len(items) == 0 {
		return
	}
	t.mu.Lock()
	for _, k := range sortedKeys(items) {
		if _, exists := t.items[k]; !exists {
			t.order = append(t.order, k)
		}
		t.items[k] = items[k]
	}
	t.mu.Unlock()
	t.broadcast(PacketItemUpdate, items)
}

// Remove deletes entries and broadcasts the removed entries. Unknown
// keys are ignored.
func (t *Table) Remove(keys ...string) {
	removed := make(map[string][]byte, len(keys))
	t.mu.Lock()
	for _, k := range keys {
		v, ok := t.items[k]
		if !ok {
			continue
		}
		removed[k] = v
		delete(t.items, k)
		for i, o := range t.order {
			if o == k {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}
	t.mu.Unlock()
	if len(removed) > 0 {
		t.broadcast(PacketItemRemove, removed)
	}
}

// Clear drops every entry and broadcasts a clear event.
func (t *Table) Clear() {
	t.mu.Lock()
	t.items = make(map[string][]byte)
	t.order = nil
	observers := t.observerList()
	t.mu.Unlock()
	for _, s := range observers {
		_ = server.Send(s, PacketClear, Ref{Table: t.id})
	}
}

// SetPermissions configures the permission ids gating this table's
// operations. A nil id leaves that operation open.
func (t *Table) SetPermissions(all, read, write, remove *identifier.ID) {
	t.mu.Lock()
	t.permAll = all
	t.permRead = read
	t.permWrite = write
	t.permRemove = remove
	t.mu.Unlock()
}

// Observe subscribes a session to this table's mutation events until
// it disconnects or unlistens.
func (t *Table) Observe(s *server.Session) {
	t.mu.Lock()
	if _, ok := t.observers[s]; ok {
		t.mu.Unlock()
		return
	}
	unsub := s.Disconnected.Listen(func(*server.Session) { t.Unobserve(s) })
	t.observers[s] = unsub
	t.mu.Unlock()
}

// Unobserve removes a session's subscription. Idempotent.
func (t *Table) Unobserve(s *server.Session) {
	t.mu.Lock()
	unsub, ok := t.observers[s]
	delete(t.observers, s)
	t.mu.Unlock()
	if ok {
		unsub()
	}
}

func (t *Table) observerList() []*server.Session {
	out := make([]*server.Session, 0, len(t.observers))
	for s := range t.observers {
		out = append(out, s)
	}
	return out
}

func (t *Table) broadcast(pt protocol.PacketType[Items], items map[string][]byte) {
	t.mu.Lock()
	observers := t.observerList()
	t.mu.Unlock()
	for _, s := range observers {
		_ = server.Send(s, pt, Items{Table: t.id, Items: items})
	}
}
