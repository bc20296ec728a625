package protocol

import (
	"fmt"

	"github.com/annel0/zonesync/internal/netid"
	"github.com/annel0/zonesync/internal/vec"
	"github.com/annel0/zonesync/internal/zone"
	"google.golang.org/protobuf/encoding/protowire"
)

// MsgType определяет тип сообщения репликации
type MsgType int32

// Определение констант для типов сообщений
const (
	MsgUnknown MsgType = 0

	// Зоны
	MsgRequestInstantiateZone MsgType = 1
	MsgInstantiateZone        MsgType = 2

	// Якоря
	MsgRequestInstantiateAnchor MsgType = 3
	MsgInstantiateAnchor        MsgType = 4
	MsgMoveAnchor               MsgType = 5

	MsgAck MsgType = 6
)

func (t MsgType) String() string {
	switch t {
	case MsgRequestInstantiateZone:
		return "RequestInstantiateZone"
	case MsgInstantiateZone:
		return "InstantiateZone"
	case MsgRequestInstantiateAnchor:
		return "RequestInstantiateAnchor"
	case MsgInstantiateAnchor:
		return "InstantiateAnchor"
	case MsgMoveAnchor:
		return "MoveAnchor"
	case MsgAck:
		return "Ack"
	default:
		return fmt.Sprintf("MsgType(%d)", int32(t))
	}
}

// Result - код результата запроса
type Result uint8

const (
	ResultSuccess Result = iota
	ResultNoPermission
	ResultNotFound
	ResultInvalidData
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultNoPermission:
		return "no-permission"
	case ResultNotFound:
		return "not-found"
	case ResultInvalidData:
		return "invalid-data"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

// Message - сообщение репликации. Поля кодируются с номерами 1..n в объявленном порядке.
type Message interface {
	Type() MsgType
	appendFields(b []byte) []byte
	decodeField(num protowire.Number, typ protowire.Type, b []byte) (int, error)
}

func newMessage(t MsgType) (Message, error) {
	switch t {
	case MsgRequestInstantiateZone:
		return &RequestInstantiateZone{}, nil
	case MsgInstantiateZone:
		return &InstantiateZone{}, nil
	case MsgRequestInstantiateAnchor:
		return &RequestInstantiateAnchor{}, nil
	case MsgInstantiateAnchor:
		return &InstantiateAnchor{}, nil
	case MsgMoveAnchor:
		return &MoveAnchor{}, nil
	case MsgAck:
		return &Ack{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, int32(t))
	}
}

// ZoneFields - общие поля запроса и подтверждения создания зоны
type ZoneFields struct {
	Center          vec.Vec3Float
	Spawn           vec.Vec3Float
	Height          float64
	Name            string
	IsShortNameNull bool
	ShortName       string
	Shape           zone.Shape
}

// ZoneFieldsOf снимает поля с зоны
func ZoneFieldsOf(z *zone.Zone) ZoneFields {
	f := ZoneFields{
		Center:          z.Center,
		Spawn:           z.Spawn,
		Height:          z.Height,
		Name:            z.Name,
		IsShortNameNull: z.ShortName == nil,
		Shape:           z.Shape,
	}
	if z.ShortName != nil {
		f.ShortName = *z.ShortName
	}
	return f
}

// NewZone строит зону вне хранилища по полям сообщения
func (f ZoneFields) NewZone(creator zone.UserID) *zone.Zone {
	z := zone.NewZone(f.Name, f.Shape, creator)
	z.Center = f.Center
	z.Spawn = f.Spawn
	z.Height = f.Height
	if !f.IsShortNameNull {
		short := f.ShortName
		z.ShortName = &short
	}
	return z
}

func (f *ZoneFields) append(b []byte) []byte {
	b = appendVec(b, 1, f.Center)
	b = appendVec(b, 2, f.Spawn)
	b = appendFloat(b, 3, f.Height)
	b = appendString(b, 4, f.Name)
	b = appendBool(b, 5, f.IsShortNameNull)
	b = appendString(b, 6, f.ShortName)
	b = appendVarint(b, 7, uint64(f.Shape))
	return b
}

func (f *ZoneFields) decode(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
	switch num {
	case 1:
		f.Center, n, err = readVec(typ, b)
	case 2:
		f.Spawn, n, err = readVec(typ, b)
	case 3:
		f.Height, n, err = readFloat(typ, b)
	case 4:
		f.Name, n, err = readString(typ, b)
	case 5:
		f.IsShortNameNull, n, err = readBool(typ, b)
	case 6:
		f.ShortName, n, err = readString(typ, b)
	case 7:
		var v uint64
		v, n, err = readVarint(typ, b)
		if err == nil && v > 255 {
			return 0, fmt.Errorf("%w: форма %d", ErrMalformed, v)
		}
		f.Shape = zone.Shape(v)
	}
	return n, err
}

// RequestInstantiateZone - запрос клиента на создание зоны
type RequestInstantiateZone struct {
	ZoneFields
}

func (*RequestInstantiateZone) Type() MsgType { return MsgRequestInstantiateZone }

func (m *RequestInstantiateZone) appendFields(b []byte) []byte {
	return m.ZoneFields.append(b)
}

func (m *RequestInstantiateZone) decodeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return m.ZoneFields.decode(num, typ, b)
}

// InstantiateZone - подтверждённое создание зоны с выделенным идентификатором
type InstantiateZone struct {
	ZoneFields
	CreatorID zone.UserID
	ZoneID    netid.ID
}

func (*InstantiateZone) Type() MsgType { return MsgInstantiateZone }

func (m *InstantiateZone) appendFields(b []byte) []byte {
	b = m.ZoneFields.append(b)
	b = appendVarint(b, 8, uint64(m.CreatorID))
	b = appendVarint(b, 9, uint64(m.ZoneID))
	return b
}

func (m *InstantiateZone) decodeField(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
	switch num {
	case 8:
		var v uint64
		v, n, err = readVarint(typ, b)
		m.CreatorID = zone.UserID(v)
		return n, err
	case 9:
		m.ZoneID, n, err = readID(typ, b)
		return n, err
	}
	return m.ZoneFields.decode(num, typ, b)
}

// RequestInstantiateAnchor - запрос на вставку якоря после AfterAnchorID (Null - в конец)
type RequestInstantiateAnchor struct {
	Point         vec.Vec3Float
	ZoneID        netid.ID
	AfterAnchorID netid.ID
}

func (*RequestInstantiateAnchor) Type() MsgType { return MsgRequestInstantiateAnchor }

func (m *RequestInstantiateAnchor) appendFields(b []byte) []byte {
	b = appendVec(b, 1, m.Point)
	b = appendVarint(b, 2, uint64(m.ZoneID))
	b = appendVarint(b, 3, uint64(m.AfterAnchorID))
	return b
}

func (m *RequestInstantiateAnchor) decodeField(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
	switch num {
	case 1:
		m.Point, n, err = readVec(typ, b)
	case 2:
		m.ZoneID, n, err = readID(typ, b)
	case 3:
		m.AfterAnchorID, n, err = readID(typ, b)
	}
	return n, err
}

// InstantiateAnchor - подтверждённое добавление якоря с полным авторитетным порядком зоны
type InstantiateAnchor struct {
	Point       vec.Vec3Float
	ZoneID      netid.ID
	Order       []netid.ID
	CreatorID   zone.UserID
	NewAnchorID netid.ID
}

func (*InstantiateAnchor) Type() MsgType { return MsgInstantiateAnchor }

func (m *InstantiateAnchor) appendFields(b []byte) []byte {
	b = appendVec(b, 1, m.Point)
	b = appendVarint(b, 2, uint64(m.ZoneID))
	b = appendIDs(b, 3, m.Order)
	b = appendVarint(b, 4, uint64(m.CreatorID))
	b = appendVarint(b, 5, uint64(m.NewAnchorID))
	return b
}

func (m *InstantiateAnchor) decodeField(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
	switch num {
	case 1:
		m.Point, n, err = readVec(typ, b)
	case 2:
		m.ZoneID, n, err = readID(typ, b)
	case 3:
		m.Order, n, err = readIDs(typ, b)
	case 4:
		var v uint64
		v, n, err = readVarint(typ, b)
		m.CreatorID = zone.UserID(v)
	case 5:
		m.NewAnchorID, n, err = readID(typ, b)
	}
	return n, err
}

// MoveAnchor - новое положение якоря
type MoveAnchor struct {
	AnchorID netid.ID
	Position vec.Vec3Float
}

func (*MoveAnchor) Type() MsgType { return MsgMoveAnchor }

func (m *MoveAnchor) appendFields(b []byte) []byte {
	b = appendVarint(b, 1, uint64(m.AnchorID))
	b = appendVec(b, 2, m.Position)
	return b
}

func (m *MoveAnchor) decodeField(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
	switch num {
	case 1:
		m.AnchorID, n, err = readID(typ, b)
	case 2:
		m.Position, n, err = readVec(typ, b)
	}
	return n, err
}

// Ack - результат запроса, отправляется запросившему
type Ack struct {
	Result Result
}

func (*Ack) Type() MsgType { return MsgAck }

func (m *Ack) appendFields(b []byte) []byte {
	return appendVarint(b, 1, uint64(m.Result))
}

func (m *Ack) decodeField(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
	if num == 1 {
		var v uint64
		v, n, err = readVarint(typ, b)
		m.Result = Result(v)
	}
	return n, err
}
