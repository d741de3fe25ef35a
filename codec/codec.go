// Package codec holds the payload serializers. Each serializer is identified on
// the wire by a small integer id carried in every frame header, so both sides of
// a connection must agree on the id table below.
package codec

import (
	"strings"

	"github.com/pkg/errors"
)

// Type is the serializer id written into the frame header.
type Type uint32

const (
	TypeJSON    Type = 0
	TypeMsgPack Type = 1
)

// ErrUnknownType is returned for a serializer id nothing is registered under.
var ErrUnknownType = errors.New("codec: unknown serializer type")

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() Type // 0=JSON, 1=MsgPack
}

func (t Type) String() string {
	switch t {
	case TypeJSON:
		return "json"
	case TypeMsgPack:
		return "msgpack"
	}
	return "unknown"
}

// Get returns the serializer registered under t.
func Get(t Type) (Codec, error) {
	switch t {
	case TypeJSON:
		return &JSONCodec{}, nil
	case TypeMsgPack:
		return defaultMsgPack, nil
	}
	return nil, errors.Wrapf(ErrUnknownType, "id %d", uint32(t))
}

// ParseType maps a config name ("json", "msgpack") to its id.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return TypeJSON, nil
	case "msgpack", "messagepack":
		return TypeMsgPack, nil
	}
	return 0, errors.Wrapf(ErrUnknownType, "name %q", name)
}
