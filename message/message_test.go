package message

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Meander-Cloud/go-branch/result"
)

func TestSizeFieldRoundTrip(t *testing.T) {
	cases := []struct {
		value  uint32
		length int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{2097151, 3},
		{2097152, 4},
		{268435455, 4},
		{268435456, 5},
		{4294967295, 5},
	}

	for _, c := range cases {
		encoded := AppendSizeField(nil, c.value)
		assert.Len(t, encoded, c.length, "value %d", c.value)
		assert.Equal(t, c.length, SizeFieldLength(c.value))

		decoded, consumed, ok := DecodeSizeField(encoded)
		require.True(t, ok, "value %d", c.value)
		assert.Equal(t, c.value, decoded)
		assert.Equal(t, c.length, consumed)

		if c.length > 1 {
			_, _, ok = DecodeSizeField(encoded[:c.length-1])
			assert.False(t, ok, "truncated field for %d decoded", c.value)
		}

		var d SizeFieldDecoder
		for i, b := range encoded {
			size, done, invalid := d.Push(b)
			assert.False(t, invalid)
			if i == len(encoded)-1 {
				require.True(t, done)
				assert.Equal(t, c.value, size)
			} else {
				assert.False(t, done)
			}
		}
	}
}

func TestSizeFieldWireFormat(t *testing.T) {
	assert.Equal(t, []byte{0x00}, AppendSizeField(nil, 0))
	assert.Equal(t, []byte{0x7f}, AppendSizeField(nil, 127))
	assert.Equal(t, []byte{0x81, 0x00}, AppendSizeField(nil, 128))
	assert.Equal(t, []byte{0x8f, 0xff, 0xff, 0xff, 0x7f}, AppendSizeField(nil, 4294967295))
}

func TestSizeFieldDecoderInvalid(t *testing.T) {
	var d SizeFieldDecoder
	for i := 0; i < MaxSizeFieldLength-1; i++ {
		_, done, invalid := d.Push(0xff)
		assert.False(t, done)
		assert.False(t, invalid)
	}
	_, done, invalid := d.Push(0xff)
	assert.False(t, done)
	assert.True(t, invalid)

	// five bytes terminating but exceeding 32 bits
	d.Reset()
	for _, b := range []byte{0xff, 0xff, 0xff, 0xff} {
		d.Push(b)
	}
	_, done, invalid = d.Push(0x7f)
	assert.False(t, done)
	assert.True(t, invalid)
}

func TestDeserialize(t *testing.T) {
	in, err := Deserialize(NewHeartbeat().Bytes())
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, in.Type)

	in, err = Deserialize(NewAcknowledge().Bytes())
	require.NoError(t, err)
	assert.Equal(t, TypeAcknowledge, in.Type)

	out, err := NewBroadcast(&Payload{Data: []byte(`{"x":1}`), Encoding: EncodingJSON})
	require.NoError(t, err)
	in, err = Deserialize(out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, TypeBroadcast, in.Type)
	require.NotNil(t, in.Payload)
	assert.Equal(t, EncodingMsgPack, in.Payload.Encoding)

	_, err = Deserialize([]byte{0x42})
	assert.True(t, errors.Is(err, result.ErrDeserializeMsgFailed))
}

func TestPayloadJSONToMsgPackAndBack(t *testing.T) {
	p := &Payload{Data: []byte("{\"name\":\"pump\",\"rate\":12,\"ratio\":0.5,\"tags\":[1,2]}\x00"), Encoding: EncodingJSON}

	wire, err := p.Serialize()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(wire, &decoded))
	assert.Equal(t, "pump", decoded["name"])
	assert.EqualValues(t, 12, decoded["rate"])

	in := &Payload{Data: wire, Encoding: EncodingMsgPack}
	buf := make([]byte, 256)
	n, err := in.SerializeToUserBuffer(buf, EncodingJSON)
	require.NoError(t, err)

	var roundTrip map[string]interface{}
	require.NoError(t, json.Unmarshal(buf[:n], &roundTrip))
	assert.Equal(t, "pump", roundTrip["name"])
	assert.EqualValues(t, 12, roundTrip["rate"])
	assert.EqualValues(t, 0.5, roundTrip["ratio"])

	n, err = in.SerializeToUserBuffer(buf, EncodingMsgPack)
	require.NoError(t, err)
	assert.Equal(t, wire, buf[:n])
}

func TestPayloadErrors(t *testing.T) {
	_, err := (&Payload{Data: []byte(`{"open":`), Encoding: EncodingJSON}).Serialize()
	assert.True(t, errors.Is(err, result.ErrParsingJsonFailed))

	_, err = (&Payload{Data: []byte{0xc1}, Encoding: EncodingMsgPack}).Serialize()
	assert.True(t, errors.Is(err, result.ErrInvalidUserMsgpack))

	_, err = (&Payload{Data: []byte{0x01, 0x02}, Encoding: EncodingMsgPack}).Serialize()
	assert.True(t, errors.Is(err, result.ErrInvalidUserMsgpack))
}

func TestPayloadBufferTooSmall(t *testing.T) {
	wire, err := msgpack.Marshal("a fairly long string value")
	require.NoError(t, err)

	p := &Payload{Data: wire, Encoding: EncodingMsgPack}
	buf := make([]byte, 4)
	n, err := p.SerializeToUserBuffer(buf, EncodingMsgPack)
	assert.Equal(t, 4, n)
	assert.True(t, errors.Is(err, result.ErrBufferTooSmall))
	assert.Equal(t, wire[:4], buf)
}

func TestAdvertisingMessage(t *testing.T) {
	id := uuid.New()
	b := MakeAdvertisingMessage(id, 44321)
	require.Len(t, b, AdvertisingMessageSize)
	assert.Equal(t, []byte("YOGI\x00"), b[:5])

	gotID, gotPort, err := ParseAdvertisingMessage(b)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, uint16(44321), gotPort)

	bad := append([]byte{}, b...)
	bad[0] = 'X'
	_, _, err = ParseAdvertisingMessage(bad)
	assert.True(t, errors.Is(err, result.ErrInvalidMagicPrefix))

	bad = append([]byte{}, b...)
	bad[5] = VersionMajor + 1
	_, _, err = ParseAdvertisingMessage(bad)
	assert.True(t, errors.Is(err, result.ErrIncompatibleVersion))
}

func TestInfoMessage(t *testing.T) {
	id := uuid.New()
	body := []byte(`{"name":"alpha"}`)
	b := MakeInfoMessage(id, 1234, body)
	require.Len(t, b, InfoMessageHeaderSize+len(body))

	gotID, gotPort, gotBody, err := ParseInfoMessage(b, 1024)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, uint16(1234), gotPort)
	assert.Equal(t, body, gotBody)

	_, _, _, err = ParseInfoMessage(b, 4)
	assert.True(t, errors.Is(err, result.ErrPayloadTooLarge))

	_, _, _, err = ParseInfoMessage(b[:len(b)-1], 1024)
	assert.True(t, errors.Is(err, result.ErrDeserializeMsgFailed))
}
