package message

import (
	"fmt"

	"github.com/Meander-Cloud/go-branch/result"
)

type Type byte

const (
	TypeHeartbeat   Type = 0 // serialized as an empty message, type byte omitted
	TypeAcknowledge Type = 1
	TypeBroadcast   Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeHeartbeat:
		return "Heartbeat"
	case TypeAcknowledge:
		return "Acknowledge"
	case TypeBroadcast:
		return "Broadcast"
	default:
		return "Unknown Type"
	}
}

// Outgoing is a serialized message ready to be framed. Its bytes must not be
// modified once handed to a transport.
type Outgoing struct {
	Type  Type
	bytes []byte
}

func NewHeartbeat() *Outgoing {
	return &Outgoing{
		Type:  TypeHeartbeat,
		bytes: []byte{},
	}
}

func NewAcknowledge() *Outgoing {
	return &Outgoing{
		Type:  TypeAcknowledge,
		bytes: []byte{byte(TypeAcknowledge)},
	}
}

// NewBroadcast serializes payload as a MessagePack broadcast, converting it
// from JSON when necessary.
func NewBroadcast(payload *Payload) (*Outgoing, error) {
	body, err := payload.Serialize()
	if err != nil {
		return nil, err
	}

	bytes := make([]byte, 0, 1+len(body))
	bytes = append(bytes, byte(TypeBroadcast))
	bytes = append(bytes, body...)

	return &Outgoing{
		Type:  TypeBroadcast,
		bytes: bytes,
	}, nil
}

// NewRaw wraps pre-serialized bytes, used for handshake frames which carry no
// type byte.
func NewRaw(bytes []byte) *Outgoing {
	return &Outgoing{
		Type:  TypeHeartbeat,
		bytes: bytes,
	}
}

func (m *Outgoing) Bytes() []byte {
	return m.bytes
}

func (m *Outgoing) Size() int {
	return len(m.bytes)
}

func (m *Outgoing) String() string {
	if m.Type == TypeBroadcast {
		return fmt.Sprintf("Broadcast, %d bytes user data", len(m.bytes)-1)
	}
	return m.Type.String()
}

// Incoming is a deserialized message. Payload is only set for broadcasts and
// is always MessagePack encoded.
type Incoming struct {
	Type    Type
	Payload *Payload
}

// Deserialize parses a received message. The returned payload aliases b.
func Deserialize(b []byte) (*Incoming, error) {
	if len(b) == 0 {
		return &Incoming{
			Type:    TypeHeartbeat,
			Payload: nil,
		}, nil
	}

	switch Type(b[0]) {
	case TypeAcknowledge:
		return &Incoming{
			Type:    TypeAcknowledge,
			Payload: nil,
		}, nil

	case TypeBroadcast:
		return &Incoming{
			Type: TypeBroadcast,
			Payload: &Payload{
				Data:     b[1:],
				Encoding: EncodingMsgPack,
			},
		}, nil

	default:
		return nil, result.Newf(result.CodeDeserializeMsgFailed, "unknown message type %d", b[0])
	}
}

// IsAcknowledge reports whether b is exactly a serialized Acknowledge.
func IsAcknowledge(b []byte) bool {
	return len(b) == 1 && Type(b[0]) == TypeAcknowledge
}
