package protocol

import (
	"encoding/json"

	"github.com/apphub-dev/apphub/pkg/app"
	"github.com/apphub-dev/apphub/pkg/identifier"
)

// Version is the protocol version exchanged during the handshake.
// Incompatible versions are rejected during AUTHENTICATING.
const Version = "0.9.0"

// packetNamespace is the identifier under which the reserved
// handshake packets live.
var packetNamespace = identifier.MustNew("core", "packet")

// VersionInfo names the protocol version a peer speaks.
type VersionInfo struct {
	Version string `json:"version"`
}

// ConnectPayload is the first packet a client sends: its declared App,
// protocol version, and an optional bearer token from a previous
// grant.
type ConnectPayload struct {
	App      app.App     `json:"app"`
	Protocol VersionInfo `json:"protocol"`
	Token    string      `json:"token,omitempty"`
}

// ServerMeta is sent by the server on accept; Hash identifies the
// server build for cache busting on the dashboard side.
type ServerMeta struct {
	Protocol VersionInfo `json:"protocol"`
	Hash     string      `json:"hash,omitempty"`
}

// DisconnectPayload carries the machine-readable reason plus a
// human-readable message.
type DisconnectPayload struct {
	Reason  DisconnectReason `json:"type"`
	Message string           `json:"message,omitempty"`
}

// Ready is the empty payload of the ready packet.
type Ready struct{}

// Reserved handshake packets. They are always available
// pre-authentication and are the only packets a session may send
// before its handshake completes.
var (
	PacketConnect    = JSONType[ConnectPayload](packetNamespace.Join("connect"))
	PacketServerMeta = JSONType[ServerMeta](packetNamespace.Join("server_meta"))
	PacketToken      = JSONType[string](packetNamespace.Join("token"))
	PacketReady      = JSONType[Ready](packetNamespace.Join("ready"))
	PacketDisconnect = JSONType[DisconnectPayload](packetNamespace.Join("disconnect"))
)

// ReservedTypes returns the handshake packet descriptors in
// registration order.
func ReservedTypes() []Type {
	return []Type{PacketConnect, PacketServerMeta, PacketToken, PacketReady, PacketDisconnect}
}

// IsReserved reports whether key names a handshake packet type.
func IsReserved(key string) bool {
	for _, t := range ReservedTypes() {
		if t.ID().Key() == key {
			return true
		}
	}
	return false
}

// EncodeJSON is a helper for ad hoc JSON payloads in tests and tools.
func EncodeJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
