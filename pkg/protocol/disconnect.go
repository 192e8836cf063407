package protocol

// DisconnectReason is the machine-readable reason code carried by a
// disconnect packet. The string values are wire-stable.
type DisconnectReason string

const (
	ReasonInvalidToken      DisconnectReason = "invalid_token"
	ReasonInvalidOrigin     DisconnectReason = "invalid_origin"
	ReasonInvalidVersion    DisconnectReason = "invalid_version"
	ReasonInvalidPacketType DisconnectReason = "invalid_packet_type"
	ReasonInvalidPacketData DisconnectReason = "invalid_packet_data"
	ReasonInvalidPacket     DisconnectReason = "invalid_packet"
	ReasonInternalError     DisconnectReason = "internal_error"
	ReasonAnotherConnection DisconnectReason = "another_connection"
	ReasonPermissionDenied  DisconnectReason = "permission_denied"
	ReasonServerRestart     DisconnectReason = "server_restart"
	ReasonShutdown          DisconnectReason = "shutdown"
	ReasonClose             DisconnectReason = "close"
)

// Retryable reports whether a client may reasonably reconnect after
// receiving this reason. Authentication and protocol violations are
// not retryable at this layer.
func (r DisconnectReason) Retryable() bool {
	switch r {
	case ReasonServerRestart, ReasonShutdown, ReasonClose:
		return true
	}
	return false
}
