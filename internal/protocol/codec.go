package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/annel0/zonesync/internal/netid"
	"github.com/annel0/zonesync/internal/vec"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrMalformed   = errors.New("protocol: повреждённое сообщение")
	ErrUnknownType = errors.New("protocol: неизвестный тип сообщения")
	ErrVersion     = errors.New("protocol: неподдерживаемая версия")
)

// Version - версия формата кадра
const Version = 1

// Номера полей кадра
const (
	frameVersion   protowire.Number = 1
	frameType      protowire.Number = 2
	frameRequestID protowire.Number = 3
	frameSender    protowire.Number = 4
	framePayload   protowire.Number = 5
)

// Frame - конверт сообщения: тип, номер запроса для корреляции ответа, отправитель и поля
type Frame struct {
	Type      MsgType
	RequestID uint32
	Sender    uint64
	Payload   []byte
}

// Marshal кодирует сообщение в кадр
func Marshal(requestID uint32, sender uint64, msg Message) []byte {
	payload := msg.appendFields(nil)

	b := make([]byte, 0, len(payload)+24)
	b = appendVarint(b, frameVersion, Version)
	b = appendVarint(b, frameType, uint64(msg.Type()))
	b = appendVarint(b, frameRequestID, uint64(requestID))
	b = appendVarint(b, frameSender, sender)
	b = appendBytes(b, framePayload, payload)
	return b
}

// Unmarshal декодирует кадр и его сообщение
func Unmarshal(data []byte) (Frame, Message, error) {
	var (
		f       Frame
		version uint64
	)
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case frameVersion:
			v, n, err := readVarint(typ, b)
			version = v
			return n, err
		case frameType:
			v, n, err := readVarint(typ, b)
			f.Type = MsgType(v)
			return n, err
		case frameRequestID:
			v, n, err := readVarint(typ, b)
			f.RequestID = uint32(v)
			return n, err
		case frameSender:
			v, n, err := readVarint(typ, b)
			f.Sender = v
			return n, err
		case framePayload:
			v, n, err := readBytes(typ, b)
			f.Payload = v
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return Frame{}, nil, err
	}
	if version != Version {
		return Frame{}, nil, fmt.Errorf("%w: %d", ErrVersion, version)
	}

	msg, err := newMessage(f.Type)
	if err != nil {
		return Frame{}, nil, err
	}
	if err := decodeFields(f.Payload, msg.decodeField); err != nil {
		return Frame{}, nil, fmt.Errorf("%s: %w", f.Type, err)
	}
	return f, msg, nil
}

// decodeFields обходит поля; set возвращает 0 для неизвестных полей, они пропускаются
func decodeFields(b []byte, set func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := set(num, typ, b)
		if err != nil {
			return fmt.Errorf("поле %d: %w", num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendFloat(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// appendVec пишет вектор как три fixed64 внутри одного bytes-поля
func appendVec(b []byte, num protowire.Number, v vec.Vec3Float) []byte {
	packed := make([]byte, 0, 24)
	packed = protowire.AppendFixed64(packed, math.Float64bits(v.X))
	packed = protowire.AppendFixed64(packed, math.Float64bits(v.Y))
	packed = protowire.AppendFixed64(packed, math.Float64bits(v.Z))
	return appendBytes(b, num, packed)
}

// appendIDs пишет упакованный массив идентификаторов с сохранением порядка
func appendIDs(b []byte, num protowire.Number, ids []netid.ID) []byte {
	packed := make([]byte, 0, len(ids)*2)
	for _, id := range ids {
		packed = protowire.AppendVarint(packed, uint64(id))
	}
	return appendBytes(b, num, packed)
}

func wireTypeError(want, got protowire.Type) error {
	return fmt.Errorf("%w: тип %d вместо %d", ErrMalformed, got, want)
}

func readVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, wireTypeError(protowire.VarintType, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

func readBool(typ protowire.Type, b []byte) (bool, int, error) {
	v, n, err := readVarint(typ, b)
	return protowire.DecodeBool(v), n, err
}

func readID(typ protowire.Type, b []byte) (netid.ID, int, error) {
	v, n, err := readVarint(typ, b)
	if err == nil && v > math.MaxUint32 {
		return 0, 0, fmt.Errorf("%w: идентификатор %d вне диапазона", ErrMalformed, v)
	}
	return netid.ID(v), n, err
}

func readFloat(typ protowire.Type, b []byte) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, wireTypeError(protowire.Fixed64Type, typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return math.Float64frombits(v), n, nil
}

func readBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, wireTypeError(protowire.BytesType, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

func readString(typ protowire.Type, b []byte) (string, int, error) {
	v, n, err := readBytes(typ, b)
	return string(v), n, err
}

func readVec(typ protowire.Type, b []byte) (vec.Vec3Float, int, error) {
	packed, n, err := readBytes(typ, b)
	if err != nil {
		return vec.Vec3Float{}, 0, err
	}
	if len(packed) != 24 {
		return vec.Vec3Float{}, 0, fmt.Errorf("%w: вектор длиной %d байт", ErrMalformed, len(packed))
	}
	var c [3]float64
	for i := range c {
		v, m := protowire.ConsumeFixed64(packed)
		if m < 0 {
			return vec.Vec3Float{}, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
		}
		c[i] = math.Float64frombits(v)
		packed = packed[m:]
	}
	return vec.Vec3Float{X: c[0], Y: c[1], Z: c[2]}, n, nil
}

func readIDs(typ protowire.Type, b []byte) ([]netid.ID, int, error) {
	packed, n, err := readBytes(typ, b)
	if err != nil {
		return nil, 0, err
	}
	ids := make([]netid.ID, 0, len(packed))
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
		}
		if v > math.MaxUint32 {
			return nil, 0, fmt.Errorf("%w: идентификатор %d вне диапазона", ErrMalformed, v)
		}
		ids = append(ids, netid.ID(v))
		packed = packed[m:]
	}
	return ids, n, nil
}
