package packet

import (
	"bytes"
	"fmt"
	"math"

	"github.com/nohros/nohrosruby-sub001/pkg/fact"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	headerFieldID    protowire.Number = 1
	headerFieldSize  protowire.Number = 2
	headerFieldFacts protowire.Number = 3

	factFieldName  protowire.Number = 1
	factFieldValue protowire.Number = 2

	bodyFieldID      protowire.Number = 1
	bodyFieldType    protowire.Number = 2
	bodyFieldToken   protowire.Number = 3
	bodyFieldSender  protowire.Number = 4
	bodyFieldMessage protowire.Number = 5
)

func appendHeader(buf []byte, h *Header) []byte {
	if len(h.CorrelationID) > 0 {
		buf = protowire.AppendTag(buf, headerFieldID, protowire.BytesType)
		buf = protowire.AppendBytes(buf, h.CorrelationID)
	}
	buf = protowire.AppendTag(buf, headerFieldSize, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(h.Size))
	for _, f := range h.Facts {
		buf = protowire.AppendTag(buf, headerFieldFacts, protowire.BytesType)
		buf = protowire.AppendBytes(buf, AppendFact(nil, f))
	}
	return buf
}

func appendBody(buf []byte, b *Body) []byte {
	buf = protowire.AppendTag(buf, bodyFieldID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, b.ID)
	if b.Type != TypeUnknown {
		buf = protowire.AppendTag(buf, bodyFieldType, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(int64(b.Type)))
	}
	if b.Token != "" {
		buf = protowire.AppendTag(buf, bodyFieldToken, protowire.BytesType)
		buf = protowire.AppendString(buf, b.Token)
	}
	if len(b.Sender) > 0 {
		buf = protowire.AppendTag(buf, bodyFieldSender, protowire.BytesType)
		buf = protowire.AppendBytes(buf, b.Sender)
	}
	if len(b.Message) > 0 {
		buf = protowire.AppendTag(buf, bodyFieldMessage, protowire.BytesType)
		buf = protowire.AppendBytes(buf, b.Message)
	}
	return buf
}

// AppendFact appends the record form of f to buf.
func AppendFact(buf []byte, f fact.Fact) []byte {
	buf = protowire.AppendTag(buf, factFieldName, protowire.BytesType)
	buf = protowire.AppendString(buf, f.Name)
	buf = protowire.AppendTag(buf, factFieldValue, protowire.BytesType)
	return protowire.AppendString(buf, f.Value)
}

// ConsumeFact decodes the record form of a fact.
func ConsumeFact(buf []byte) (f fact.Fact, err error) {
	err = walkFields(buf, func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
		switch {
		case num == factFieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			f.Name = v
			return n, nil
		case num == factFieldValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			f.Value = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, buf), nil
	})
	if err == nil && f.Name == "" {
		err = fact.ErrInvalidFact
	}
	return
}

func consumeHeader(buf []byte) (h Header, err error) {
	err = walkFields(buf, func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
		switch {
		case num == headerFieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			h.CorrelationID = bytes.Clone(v)
			return n, nil
		case num == headerFieldSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n >= 0 && v > math.MaxInt32 {
				return 0, fmt.Errorf("body size %d is too large", v)
			}
			h.Size = int(v)
			return n, nil
		case num == headerFieldFacts && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return n, nil
			}
			f, err := ConsumeFact(v)
			if err != nil {
				return 0, err
			}
			h.Facts = append(h.Facts, f)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, buf), nil
	})
	return
}

func consumeBody(buf []byte) (b Body, err error) {
	err = walkFields(buf, func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
		switch {
		case num == bodyFieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			b.ID = bytes.Clone(v)
			return n, nil
		case num == bodyFieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			b.Type = MessageType(int32(v))
			return n, nil
		case num == bodyFieldToken && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			b.Token = v
			return n, nil
		case num == bodyFieldSender && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			b.Sender = bytes.Clone(v)
			return n, nil
		case num == bodyFieldMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			b.Message = bytes.Clone(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, buf), nil
	})
	return
}

// walkFields calls fn for every field of a record. fn returns how many
// bytes of the field value it consumed, a negative count being a protowire
// parse error.
func walkFields(buf []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]

		m, err := fn(num, typ, buf)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		buf = buf[m:]
	}
	return nil
}
