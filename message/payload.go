package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Meander-Cloud/go-branch/result"
)

type Encoding int

const (
	EncodingJSON    Encoding = 0
	EncodingMsgPack Encoding = 1
)

func (e Encoding) String() string {
	switch e {
	case EncodingJSON:
		return "JSON"
	case EncodingMsgPack:
		return "MessagePack"
	default:
		return "Unknown Encoding"
	}
}

func (e Encoding) Valid() bool {
	return e == EncodingJSON || e == EncodingMsgPack
}

// Payload is user data in a declared encoding.
type Payload struct {
	Data     []byte
	Encoding Encoding
}

// Serialize returns the MessagePack wire form of the payload.
func (p *Payload) Serialize() ([]byte, error) {
	if len(p.Data) == 0 {
		return []byte{}, nil
	}

	switch p.Encoding {
	case EncodingJSON:
		return jsonToMsgPack(trimNul(p.Data))
	case EncodingMsgPack:
		if err := checkMsgPack(p.Data); err != nil {
			return nil, err
		}
		return p.Data, nil
	default:
		return nil, result.Newf(result.CodeInvalidParam, "invalid encoding %d", p.Encoding)
	}
}

// SerializeToUserBuffer converts the payload to enc and copies it into buf.
// On a short buffer the prefix that fits is copied and ErrBufferTooSmall is
// returned along with the number of bytes written.
func (p *Payload) SerializeToUserBuffer(buf []byte, enc Encoding) (int, error) {
	var src []byte

	if enc == p.Encoding {
		src = p.Data
	} else {
		var err error
		switch enc {
		case EncodingJSON:
			src, err = msgPackToJSON(p.Data)
		case EncodingMsgPack:
			src, err = jsonToMsgPack(trimNul(p.Data))
		default:
			err = result.Newf(result.CodeInvalidParam, "invalid encoding %d", enc)
		}
		if err != nil {
			return 0, err
		}
	}

	n := copy(buf, src)
	if n < len(src) {
		return n, result.Newf(result.CodeBufferTooSmall, "need %d bytes, have %d", len(src), len(buf))
	}

	return n, nil
}

func trimNul(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == 0 {
		return b[:len(b)-1]
	}
	return b
}

func checkMsgPack(b []byte) error {
	r := bytes.NewReader(b)
	dec := msgpack.NewDecoder(r)

	if err := dec.Skip(); err != nil {
		return result.Newf(result.CodeInvalidUserMsgpack, "%v", err)
	}

	if r.Len() != 0 {
		return result.Newf(result.CodeInvalidUserMsgpack, "%d trailing bytes", r.Len())
	}

	return nil
}

func jsonToMsgPack(b []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, result.Newf(result.CodeParsingJsonFailed, "%v", err)
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, result.Newf(result.CodeParsingJsonFailed, "trailing data after JSON value")
	}

	v, err := normalizeNumbers(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	enc.UseCompactFloats(true)
	enc.SetSortMapKeys(true)

	if err := enc.Encode(v); err != nil {
		return nil, result.Newf(result.CodeParsingJsonFailed, "%v", err)
	}

	return buf.Bytes(), nil
}

// normalizeNumbers replaces json.Number with the narrowest Go number type so
// integers stay integers on the MessagePack side.
func normalizeNumbers(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		if u, err := strconv.ParseUint(t.String(), 10, 64); err == nil {
			return u, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, result.Newf(result.CodeParsingJsonFailed, "invalid number %s", t.String())
		}
		return f, nil

	case map[string]interface{}:
		for k, elem := range t {
			n, err := normalizeNumbers(elem)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil

	case []interface{}:
		for i, elem := range t {
			n, err := normalizeNumbers(elem)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil

	default:
		return v, nil
	}
}

func msgPackToJSON(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return []byte{}, nil
	}

	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetMapDecoder(func(d *msgpack.Decoder) (interface{}, error) {
		return d.DecodeUntypedMap()
	})

	v, err := dec.DecodeInterface()
	if err != nil {
		return nil, result.Newf(result.CodeDeserializeMsgFailed, "%v", err)
	}

	out, err := json.Marshal(stringifyKeys(v))
	if err != nil {
		return nil, result.Newf(result.CodeDeserializeMsgFailed, "%v", err)
	}

	return out, nil
}

// stringifyKeys turns maps with arbitrary MessagePack keys into JSON objects.
func stringifyKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, elem := range t {
			m[fmt.Sprint(k)] = stringifyKeys(elem)
		}
		return m

	case map[string]interface{}:
		for k, elem := range t {
			t[k] = stringifyKeys(elem)
		}
		return t

	case []interface{}:
		for i, elem := range t {
			t[i] = stringifyKeys(elem)
		}
		return t

	default:
		return v
	}
}
