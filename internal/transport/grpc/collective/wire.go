package collectivegrpc

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Round kinds on the wire. A round's kind is fixed by the first request that
// touches it; a mismatch means the members diverged.
const (
	kindGather    = 1
	kindScatter   = 2
	kindBroadcast = 3
)

// The hub messages are hand-encoded in protobuf wire format. The service is
// small enough that maintaining the five message pairs directly against
// protowire beats carrying generated stubs, and any protobuf client speaking
// checkpointlab.collective.v1 stays compatible.

// pingRequest announces a member to the hub and claims a group shape.
type pingRequest struct {
	Rank uint32 // field 1
	Size uint32 // field 2
}

func (m *pingRequest) marshalWire() []byte {
	var b []byte
	b = appendUint32Field(b, 1, m.Rank)
	b = appendUint32Field(b, 2, m.Size)
	return b
}

func (m *pingRequest) unmarshalWire(data []byte) error {
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case 1:
			return consumeUint32(field, typ, &m.Rank)
		case 2:
			return consumeUint32(field, typ, &m.Size)
		}
		return errSkipField
	})
}

// pingResponse confirms the hub's configured group size.
type pingResponse struct {
	Size uint32 // field 1
}

func (m *pingResponse) marshalWire() []byte {
	return appendUint32Field(nil, 1, m.Size)
}

func (m *pingResponse) unmarshalWire(data []byte) error {
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, field []byte) error {
		if num == 1 {
			return consumeUint32(field, typ, &m.Size)
		}
		return errSkipField
	})
}

// offerRequest contributes one member's payload to a gather round.
type offerRequest struct {
	Seq     uint64 // field 1
	Kind    uint32 // field 2
	Tag     string // field 3
	Rank    uint32 // field 4
	Payload []byte // field 5
}

func (m *offerRequest) marshalWire() []byte {
	var b []byte
	b = appendUint64Field(b, 1, m.Seq)
	b = appendUint32Field(b, 2, m.Kind)
	b = appendStringField(b, 3, m.Tag)
	b = appendUint32Field(b, 4, m.Rank)
	b = appendBytesField(b, 5, m.Payload)
	return b
}

func (m *offerRequest) unmarshalWire(data []byte) error {
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case 1:
			return consumeUint64(field, typ, &m.Seq)
		case 2:
			return consumeUint32(field, typ, &m.Kind)
		case 3:
			return consumeString(field, typ, &m.Tag)
		case 4:
			return consumeUint32(field, typ, &m.Rank)
		case 5:
			return consumeBytes(field, typ, &m.Payload)
		}
		return errSkipField
	})
}

type offerResponse struct{}

func (m *offerResponse) marshalWire() []byte { return nil }

func (m *offerResponse) unmarshalWire([]byte) error { return nil }

// collectRequest asks for a completed gather round. Root-only, blocking.
type collectRequest struct {
	Seq  uint64 // field 1
	Kind uint32 // field 2
	Tag  string // field 3
	Rank uint32 // field 4
}

func (m *collectRequest) marshalWire() []byte {
	var b []byte
	b = appendUint64Field(b, 1, m.Seq)
	b = appendUint32Field(b, 2, m.Kind)
	b = appendStringField(b, 3, m.Tag)
	b = appendUint32Field(b, 4, m.Rank)
	return b
}

func (m *collectRequest) unmarshalWire(data []byte) error {
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case 1:
			return consumeUint64(field, typ, &m.Seq)
		case 2:
			return consumeUint32(field, typ, &m.Kind)
		case 3:
			return consumeString(field, typ, &m.Tag)
		case 4:
			return consumeUint32(field, typ, &m.Rank)
		}
		return errSkipField
	})
}

// collectResponse carries the gathered payloads in rank order.
type collectResponse struct {
	Payloads [][]byte // field 1, repeated
}

func (m *collectResponse) marshalWire() []byte {
	var b []byte
	for _, p := range m.Payloads {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, p)
	}
	return b
}

func (m *collectResponse) unmarshalWire(data []byte) error {
	m.Payloads = nil
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, field []byte) error {
		if num == 1 {
			var p []byte
			if err := consumeBytes(field, typ, &p); err != nil {
				return err
			}
			m.Payloads = append(m.Payloads, p)
			return nil
		}
		return errSkipField
	})
}

// dealRequest posts the per-rank payloads of a scatter or broadcast round.
type dealRequest struct {
	Seq       uint64   // field 1
	Kind      uint32   // field 2
	Tag       string   // field 3
	Rank      uint32   // field 4
	Payloads  [][]byte // field 5, repeated
	Broadcast bool     // field 6
}

func (m *dealRequest) marshalWire() []byte {
	var b []byte
	b = appendUint64Field(b, 1, m.Seq)
	b = appendUint32Field(b, 2, m.Kind)
	b = appendStringField(b, 3, m.Tag)
	b = appendUint32Field(b, 4, m.Rank)
	for _, p := range m.Payloads {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, p)
	}
	if m.Broadcast {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func (m *dealRequest) unmarshalWire(data []byte) error {
	m.Payloads = nil
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case 1:
			return consumeUint64(field, typ, &m.Seq)
		case 2:
			return consumeUint32(field, typ, &m.Kind)
		case 3:
			return consumeString(field, typ, &m.Tag)
		case 4:
			return consumeUint32(field, typ, &m.Rank)
		case 5:
			var p []byte
			if err := consumeBytes(field, typ, &p); err != nil {
				return err
			}
			m.Payloads = append(m.Payloads, p)
			return nil
		case 6:
			return consumeBool(field, typ, &m.Broadcast)
		}
		return errSkipField
	})
}

type dealResponse struct{}

func (m *dealResponse) marshalWire() []byte { return nil }

func (m *dealResponse) unmarshalWire([]byte) error { return nil }

// takeRequest claims the caller's element of a dealt round. Blocking.
type takeRequest struct {
	Seq  uint64 // field 1
	Kind uint32 // field 2
	Tag  string // field 3
	Rank uint32 // field 4
}

func (m *takeRequest) marshalWire() []byte {
	var b []byte
	b = appendUint64Field(b, 1, m.Seq)
	b = appendUint32Field(b, 2, m.Kind)
	b = appendStringField(b, 3, m.Tag)
	b = appendUint32Field(b, 4, m.Rank)
	return b
}

func (m *takeRequest) unmarshalWire(data []byte) error {
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case 1:
			return consumeUint64(field, typ, &m.Seq)
		case 2:
			return consumeUint32(field, typ, &m.Kind)
		case 3:
			return consumeString(field, typ, &m.Tag)
		case 4:
			return consumeUint32(field, typ, &m.Rank)
		}
		return errSkipField
	})
}

// takeResponse carries the element dealt to the requesting rank.
type takeResponse struct {
	Payload []byte // field 1
}

func (m *takeResponse) marshalWire() []byte {
	return appendBytesField(nil, 1, m.Payload)
}

func (m *takeResponse) unmarshalWire(data []byte) error {
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, field []byte) error {
		if num == 1 {
			return consumeBytes(field, typ, &m.Payload)
		}
		return errSkipField
	})
}
