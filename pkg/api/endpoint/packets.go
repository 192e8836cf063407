package endpoint

import (
	"github.com/apphub-dev/apphub/pkg/identifier"
	"github.com/apphub-dev/apphub/pkg/protocol"
)

var endpointNamespace = identifier.MustNew("core", "endpoint")

// Registration declares that a session serves an endpoint, optionally
// gated by a permission id callers must hold.
type Registration struct {
	ID         identifier.ID  `json:"id"`
	Permission *identifier.ID `json:"permission,omitempty"`
}

// CallData is the binary body shared by call and receive packets: the
// endpoint id, the caller-chosen correlation key, and an opaque
// payload.
type CallData struct {
	Endpoint identifier.ID
	Key      uint64
	Payload  []byte
}

func encodeCallData(d CallData) ([]byte, error) {
	enc := protocol.NewEncoder()
	enc.WriteString(d.Endpoint.Key())
	enc.WriteUvarint(d.Key)
	enc.WriteBlob(d.Payload)
	return enc.Bytes(), nil
}

func decodeCallData(data []byte) (CallData, error) {
	dec := protocol.NewDecoder(data)
	key, err := dec.ReadString()
	if err != nil {
		return CallData{}, err
	}
	id, err := identifier.Parse(key)
	if err != nil {
		return CallData{}, err
	}
	corr, err := dec.ReadUvarint()
	if err != nil {
		return CallData{}, err
	}
	payload, err := dec.ReadBlob()
	if err != nil {
		return CallData{}, err
	}
	return CallData{Endpoint: id, Key: corr, Payload: payload}, nil
}

// ErrorData reports a failed call back to the caller.
type ErrorData struct {
	Endpoint identifier.ID `json:"id"`
	Key      uint64        `json:"key"`
	Error    string        `json:"error"`
}

var (
	PacketRegister = protocol.JSONType[[]Registration](endpointNamespace.Join("register"))
	PacketCall     = protocol.NewType(endpointNamespace.Join("call"), encodeCallData, decodeCallData)
	PacketReceive  = protocol.NewType(endpointNamespace.Join("receive"), encodeCallData, decodeCallData)
	PacketError    = protocol.JSONType[ErrorData](endpointNamespace.Join("error"))
)
