package collectivegrpc

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// errSkipField tells consumeFields that the callback does not know the field
// number; the value is skipped, so unknown fields stay forward-compatible.
var errSkipField = errors.New("skip unknown field")

// consumeFields walks the protobuf wire fields of data. The callback gets
// each field's number, type, and value bytes; advancing is handled here.
func consumeFields(data []byte, fn func(num protowire.Number, typ protowire.Type, field []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		size := protowire.ConsumeFieldValue(num, typ, data)
		if size < 0 {
			return protowire.ParseError(size)
		}
		if err := fn(num, typ, data[:size]); err != nil && !errors.Is(err, errSkipField) {
			return err
		}
		data = data[size:]
	}
	return nil
}

func appendUint64Field(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendUint32Field(b []byte, num protowire.Number, v uint32) []byte {
	return appendUint64Field(b, num, uint64(v))
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func consumeUint64(field []byte, typ protowire.Type, dst *uint64) error {
	if typ != protowire.VarintType {
		return fmt.Errorf("collectivegrpc: wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(field)
	if n < 0 {
		return protowire.ParseError(n)
	}
	*dst = v
	return nil
}

func consumeUint32(field []byte, typ protowire.Type, dst *uint32) error {
	var v uint64
	if err := consumeUint64(field, typ, &v); err != nil {
		return err
	}
	if v > math.MaxUint32 {
		return fmt.Errorf("collectivegrpc: varint %d overflows uint32", v)
	}
	*dst = uint32(v)
	return nil
}

func consumeBool(field []byte, typ protowire.Type, dst *bool) error {
	var v uint64
	if err := consumeUint64(field, typ, &v); err != nil {
		return err
	}
	*dst = protowire.DecodeBool(v)
	return nil
}

func consumeString(field []byte, typ protowire.Type, dst *string) error {
	if typ != protowire.BytesType {
		return fmt.Errorf("collectivegrpc: wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeString(field)
	if n < 0 {
		return protowire.ParseError(n)
	}
	*dst = v
	return nil
}

// consumeBytes copies the value out of the transport buffer, which gRPC may
// reuse once Unmarshal returns.
func consumeBytes(field []byte, typ protowire.Type, dst *[]byte) error {
	if typ != protowire.BytesType {
		return fmt.Errorf("collectivegrpc: wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(field)
	if n < 0 {
		return protowire.ParseError(n)
	}
	*dst = append([]byte(nil), v...)
	return nil
}
