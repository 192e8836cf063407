package table

import (
	"github.com/apphub-dev/apphub/pkg/identifier"
	"github.com/apphub-dev/apphub/pkg/protocol"
)

var tableNamespace = identifier.MustNew("core", "table")

// Items is the wire body shared by the item event packets: the table
// id plus a batch of key to raw-value entries.
type Items struct {
	Table identifier.ID
	Items map[string][]byte
}

func encodeItems(b Items) ([]byte, error) {
	enc := protocol.NewEncoder()
	enc.WriteString(b.Table.Key())
	enc.WriteUvarint(uint64(len(b.Items)))
	for _, key := range sortedKeys(b.Items) {
		enc.WriteString(key)
		enc.WriteBlob(b.Items[key])
	}
	return enc.Bytes(), nil
}

func decodeItems(data []byte) (Items, error) {
	dec := protocol.NewDecoder(data)
	key, err := dec.ReadString()
	if err != nil {
		return Items{}, err
	}
	id, err := identifier.Parse(key)
	if err != nil {
		return Items{}, err
	}
	count, err := dec.ReadUvarint()
	if err != nil {
		return Items{}, err
	}
	items := make(map[string][]byte, count)
	for i := uint64(0); i < count; i++ {
		k, err := dec.ReadString()
		if err != nil {
			return Items{}, err
		}
		v, err := dec.ReadBlob()
		if err != nil {
			return Items{}, err
		}
		items[k] = v
	}
	return Items{Table: id, Items: items}, nil
}

// Keys addresses a batch of entries without values.
type Keys struct {
	Table identifier.ID `json:"id"`
	Keys  []string      `json:"keys"`
}

// Ref addresses one table.
type Ref struct {
	Table identifier.ID `json:"id"`
}

// Permissions sets the permission ids gating table operations. A nil
// id leaves the operation open to any authenticated session.
type Permissions struct {
	Table  identifier.ID  `json:"id"`
	All    *identifier.ID `json:"all,omitempty"`
	Read   *identifier.ID `json:"read,omitempty"`
	Write  *identifier.ID `json:"write,omitempty"`
	Remove *identifier.ID `json:"remove,omitempty"`
}

// FetchRequest pages through a table: at most Limit entries starting
// after Cursor, walking backward when Backward is set.
type FetchRequest struct {
	Table    identifier.ID `json:"id"`
	Limit    int           `json:"limit"`
	Backward bool          `json:"backward,omitempty"`
	Cursor   string        `json:"cursor,omitempty"`
}

// GetRequest fetches specific keys.
type GetRequest struct {
	Table identifier.ID `json:"id"`
	Keys  []string      `json:"keys"`
}

var (
	PacketListen         = protocol.JSONType[Ref](tableNamespace.Join("listen"))
	PacketUnlisten       = protocol.JSONType[Ref](tableNamespace.Join("unlisten"))
	PacketItemAdd        = protocol.NewType(tableNamespace.Join("item_add"), encodeItems, decodeItems)
	PacketItemUpdate     = protocol.NewType(tableNamespace.Join("item_update"), encodeItems, decodeItems)
	PacketItemRemove     = protocol.NewType(tableNamespace.Join("item_remove"), encodeItems, decodeItems)
	PacketClear          = protocol.JSONType[Ref](tableNamespace.Join("clear"))
	PacketSetPermissions = protocol.JSONType[Permissions](tableNamespace.Join("set_permissions"))
)

// Endpoint ids served in-process.
var (
	EndpointGet   = tableNamespace.Join("get")
	EndpointFetch = tableNamespace.Join("fetch")
)
