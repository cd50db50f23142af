package message

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/Meander-Cloud/go-branch/result"
)

const (
	VersionMajor byte = 0
	VersionMinor byte = 0

	// "YOGI\0" + major + minor + uuid + uint16 port
	AdvertisingMessageSize int = 5 + 2 + 16 + 2
	// advertising message + uint32 body size
	InfoMessageHeaderSize int = AdvertisingMessageSize + 4
)

var magicPrefix = []byte{'Y', 'O', 'G', 'I', 0}

// MakeAdvertisingMessage builds the UDP packet announcing a branch.
func MakeAdvertisingMessage(id uuid.UUID, tcpPort uint16) []byte {
	b := make([]byte, 0, AdvertisingMessageSize)
	b = append(b, magicPrefix...)
	b = append(b, VersionMajor, VersionMinor)
	b = append(b, id[:]...)
	b = binary.BigEndian.AppendUint16(b, tcpPort)
	return b
}

// MakeInfoMessage prefixes body with the info message header.
func MakeInfoMessage(id uuid.UUID, tcpPort uint16, body []byte) []byte {
	b := make([]byte, 0, InfoMessageHeaderSize+len(body))
	b = append(b, MakeAdvertisingMessage(id, tcpPort)...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(body)))
	b = append(b, body...)
	return b
}

func CheckMagicPrefixAndVersion(b []byte) error {
	if len(b) < AdvertisingMessageSize {
		return result.Newf(result.CodeDeserializeMsgFailed, "message too short: %d bytes", len(b))
	}

	if !bytes.Equal(b[:len(magicPrefix)], magicPrefix) {
		return result.ErrInvalidMagicPrefix
	}

	if b[5] != VersionMajor {
		return result.Newf(result.CodeIncompatibleVersion, "remote version %d.%d, local %d.%d", b[5], b[6], VersionMajor, VersionMinor)
	}

	return nil
}

// ParseAdvertisingMessage extracts the UUID and TCP port from an
// advertisement or from the leading part of an info message.
func ParseAdvertisingMessage(b []byte) (uuid.UUID, uint16, error) {
	if err := CheckMagicPrefixAndVersion(b); err != nil {
		return uuid.Nil, 0, err
	}

	id, err := uuid.FromBytes(b[7:23])
	if err != nil {
		return uuid.Nil, 0, result.Newf(result.CodeDeserializeMsgFailed, "%v", err)
	}

	return id, binary.BigEndian.Uint16(b[23:25]), nil
}

// ParseInfoMessage splits an info message into its advertised identity and
// body. The body size field must match the remaining bytes and stay within
// maxBodySize.
func ParseInfoMessage(b []byte, maxBodySize int) (uuid.UUID, uint16, []byte, error) {
	if len(b) < InfoMessageHeaderSize {
		return uuid.Nil, 0, nil, result.Newf(result.CodeDeserializeMsgFailed, "info message too short: %d bytes", len(b))
	}

	id, port, err := ParseAdvertisingMessage(b)
	if err != nil {
		return uuid.Nil, 0, nil, err
	}

	bodySize := binary.BigEndian.Uint32(b[AdvertisingMessageSize:InfoMessageHeaderSize])
	if int64(bodySize) > int64(maxBodySize) {
		return uuid.Nil, 0, nil, result.Newf(result.CodePayloadTooLarge, "info body %d bytes", bodySize)
	}

	body := b[InfoMessageHeaderSize:]
	if len(body) != int(bodySize) {
		return uuid.Nil, 0, nil, result.Newf(result.CodeDeserializeMsgFailed, "info body size %d, received %d", bodySize, len(body))
	}

	return id, port, body, nil
}
