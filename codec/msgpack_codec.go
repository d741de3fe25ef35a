package codec

import (
	"reflect"

	ugcodec "github.com/ugorji/go/codec"
)

var defaultMsgPack = NewMsgPackCodec()

// MsgPackCodec serializes with MessagePack. Payloads are smaller than JSON and
// integers keep their width when decoded into untyped values.
type MsgPackCodec struct {
	handle *ugcodec.MsgpackHandle
}

// NewMsgPackCodec returns a codec whose untyped maps decode as map[string]any,
// raw bytes as strings and integers as int64.
func NewMsgPackCodec() *MsgPackCodec {
	h := &ugcodec.MsgpackHandle{}
	h.WriteExt = true
	h.RawToString = true
	h.SignedInteger = true
	h.MapType = reflect.TypeOf(map[string]any(nil))
	return &MsgPackCodec{handle: h}
}

func (c *MsgPackCodec) Encode(v any) ([]byte, error) {
	var out []byte
	if err := ugcodec.NewEncoderBytes(&out, c.handle).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MsgPackCodec) Decode(data []byte, v any) error {
	return ugcodec.NewDecoderBytes(data, c.handle).Decode(v)
}

func (c *MsgPackCodec) Type() Type {
	return TypeMsgPack
}
