package coreml

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// message accumulates the wire encoding of one protobuf message. Scalar
// setters skip proto3 default values.
type message struct {
	b []byte
}

func (m *message) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	m.b = protowire.AppendTag(m.b, num, protowire.VarintType)
	m.b = protowire.AppendVarint(m.b, v)
}

func (m *message) boolean(num protowire.Number, v bool) {
	if v {
		m.uint(num, 1)
	}
}

func (m *message) float(num protowire.Number, v float32) {
	if v == 0 {
		return
	}
	m.b = protowire.AppendTag(m.b, num, protowire.Fixed32Type)
	m.b = protowire.AppendFixed32(m.b, math.Float32bits(v))
}

func (m *message) str(num protowire.Number, s string) {
	if s == "" {
		return
	}
	m.b = protowire.AppendTag(m.b, num, protowire.BytesType)
	m.b = protowire.AppendString(m.b, s)
}

// strs appends a repeated string field; empty elements are kept.
func (m *message) strs(num protowire.Number, ss []string) {
	for _, s := range ss {
		m.b = protowire.AppendTag(m.b, num, protowire.BytesType)
		m.b = protowire.AppendString(m.b, s)
	}
}

// embed appends sub as a length-delimited field. Empty messages are still
// written so that oneof members such as ValidPadding{} are set.
func (m *message) embed(num protowire.Number, sub *message) {
	m.b = protowire.AppendTag(m.b, num, protowire.BytesType)
	m.b = protowire.AppendBytes(m.b, sub.b)
}

func (m *message) packedUints(num protowire.Number, vs ...uint64) {
	if len(vs) == 0 {
		return
	}
	var body []byte
	for _, v := range vs {
		body = protowire.AppendVarint(body, v)
	}
	m.b = protowire.AppendTag(m.b, num, protowire.BytesType)
	m.b = protowire.AppendBytes(m.b, body)
}

func (m *message) packedFloats(num protowire.Number, vs []float32) {
	if len(vs) == 0 {
		return
	}
	body := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		body = protowire.AppendFixed32(body, math.Float32bits(v))
	}
	m.b = protowire.AppendTag(m.b, num, protowire.BytesType)
	m.b = protowire.AppendBytes(m.b, body)
}

// field is one decoded top-level field of a message.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	fixed  uint32
	bytes  []byte
}

// fields splits a message into its fields without interpreting them.
func fields(b []byte) ([]field, error) {
	var out []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.fixed, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		out = append(out, f)
	}
	return out, nil
}

// floats decodes a repeated float field, packed or not.
func floats(f field) []float32 {
	if f.typ == protowire.Fixed32Type {
		return []float32{math.Float32frombits(f.fixed)}
	}
	out := make([]float32, 0, len(f.bytes)/4)
	for b := f.bytes; len(b) >= 4; {
		v, n := protowire.ConsumeFixed32(b)
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}
	return out
}

// uints decodes a repeated varint field, packed or not.
func uints(f field) []uint64 {
	if f.typ == protowire.VarintType {
		return []uint64{f.varint}
	}
	var out []uint64
	for b := f.bytes; len(b) > 0; {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			break
		}
		out = append(out, v)
		b = b[n:]
	}
	return out
}
