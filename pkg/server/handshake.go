package server

import (
	"strings"

	"github.com/apphub-dev/apphub/pkg/app"
	"github.com/apphub-dev/apphub/pkg/protocol"
	"github.com/apphub-dev/apphub/pkg/security"
)

// compatibleVersion checks protocol-version compatibility: peers must
// agree on the major version.
func compatibleVersion(v string) bool {
	major := func(s string) string {
		if i := strings.IndexByte(s, '.'); i >= 0 {
			return s[:i]
		}
		return s
	}
	return v != "" && major(v) == major(protocol.Version)
}

// handshake drives the AUTHENTICATING state: it reads connect packets
// until the declared app authenticates, minting a fresh token for a
// first-time app so it can resend connect with it. Any failure returns
// an error whose mapped reason closes the transport immediately; there
// is no retry at this layer.
func (srv *Server) handshake(s *Session) error {
	s.state.Store(int32(StateAuthenticating))

	var (
		minted      *security.Handle
		mintedToken string
	)
	for {
		p, err := s.conn.Receive()
		if err != nil {
			return err
		}

		switch p.Type {
		case protocol.PacketConnect.ID().Key():
		case protocol.PacketDisconnect.ID().Key():
			return ErrConnClosed
		default:
			return protocol.NewProtocolError(protocol.ReasonInvalidPacket,
				"packet "+p.Type+" before handshake completed", nil)
		}

		payload, err := protocol.PacketConnect.Decode(p.Payload)
		if err != nil {
			return protocol.NewProtocolError(protocol.ReasonInvalidPacketData, "malformed connect packet", err)
		}
		if err := payload.App.Validate(); err != nil {
			return protocol.NewProtocolError(protocol.ReasonInvalidPacketData, err.Error(), nil)
		}
		if !compatibleVersion(payload.Protocol.Version) {
			return &protocol.AuthenticationError{
				Reason:  protocol.ReasonInvalidVersion,
				Message: "client speaks " + payload.Protocol.Version + ", server speaks " + protocol.Version,
			}
		}

		if payload.Token == "" {
			// First contact: issue a fresh token and wait for the
			// client to resend connect with it.
			handle, token, err := srv.security.GenerateAppToken(payload.App)
			if err != nil {
				return err
			}
			minted, mintedToken = handle, token
			if err := Send(s, protocol.PacketToken, token); err != nil {
				return err
			}
			continue
		}

		handle := minted
		if handle == nil || payload.Token != mintedToken {
			var ok bool
			handle, ok = srv.security.ValidateToken(payload.App, payload.Token)
			if !ok {
				return &protocol.AuthenticationError{
					Reason:  protocol.ReasonInvalidToken,
					Message: "token was not issued for " + payload.App.Key(),
				}
			}
		}

		// Privileged session kinds come from the authenticating token,
		// never from the client's own declaration.
		declared := payload.App
		switch declared.Kind() {
		case app.TypePlugin, app.TypeDashboard:
			if handle.Kind() != declared.Kind() {
				return &protocol.AuthenticationError{
					Reason:  protocol.ReasonPermissionDenied,
					Message: "token does not authorize a " + string(declared.Kind()) + " session",
				}
			}
		}
		if declared.Type == "" && handle.Kind() != app.TypeApp {
			declared.Type = handle.Kind()
		}
		s.app = declared
		s.permissions = handle

		if err := Send(s, protocol.PacketServerMeta, protocol.ServerMeta{
			Protocol: protocol.VersionInfo{Version: protocol.Version},
			Hash:     srv.config.BuildHash,
		}); err != nil {
			return err
		}
		if err := Send(s, protocol.PacketToken, payload.Token); err != nil {
			return err
		}
		s.state.Store(int32(StateAwaitingPermissions))
		return nil
	}
}
