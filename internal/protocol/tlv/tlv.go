// Package tlv encodes the id/type/length/value fields carried in RPC frame
// payloads. Unknown field ids survive a decode untouched.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrMissingField     = errors.New("tlv: missing field")
	ErrFieldType        = errors.New("tlv: field type mismatch")
)

const (
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeString uint8 = 6
)

type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func U32(id uint16, v uint32) Field {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return Field{ID: id, Type: TypeU32, Value: b}
}

func U64(id uint16, v uint64) Field {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return Field{ID: id, Type: TypeU64, Value: b}
}

func String(id uint16, s string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(s)}
}

// Fields is a decoded payload.
type Fields []Field

func Encode(fields ...Field) []byte {
	n := 0
	for _, f := range fields {
		n += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, n)
	for _, f := range fields {
		var hdr [HeaderLen]byte
		binary.BigEndian.PutUint16(hdr[0:2], f.ID)
		hdr[2] = f.Type
		binary.BigEndian.PutUint32(hdr[3:7], uint32(len(f.Value)))
		out = append(out, hdr[:]...)
		out = append(out, f.Value...)
	}
	return out
}

func Decode(payload []byte) (Fields, error) {
	var fields Fields
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint32(len(payload)-i) < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func (fs Fields) Get(id uint16) (Field, bool) {
	for _, f := range fs {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func (fs Fields) lookup(id uint16, typ uint8, size int) ([]byte, error) {
	f, ok := fs.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if f.Type != typ {
		return nil, fmt.Errorf("%w: field %d got %d want %d", ErrFieldType, id, f.Type, typ)
	}
	if size >= 0 && len(f.Value) != size {
		return nil, fmt.Errorf("%w: field %d has %d bytes", ErrShortFieldValue, id, len(f.Value))
	}
	return f.Value, nil
}

func (fs Fields) Uint32(id uint16) (uint32, error) {
	b, err := fs.lookup(id, TypeU32, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (fs Fields) Uint64(id uint16) (uint64, error) {
	b, err := fs.lookup(id, TypeU64, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (fs Fields) String(id uint16) (string, error) {
	b, err := fs.lookup(id, TypeString, -1)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
