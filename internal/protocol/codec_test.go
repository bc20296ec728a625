package protocol

import (
	"testing"

	"github.com/annel0/zonesync/internal/netid"
	"github.com/annel0/zonesync/internal/vec"
	"github.com/annel0/zonesync/internal/zone"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestMarshal_CarriesEnvelope(t *testing.T) {
	msg := &InstantiateAnchor{
		Point:       vec.Vec3Float{X: 1.5, Y: -2, Z: 1e9},
		ZoneID:      10,
		Order:       []netid.ID{101, 104, 103, 102},
		CreatorID:   42,
		NewAnchorID: 104,
	}
	f, got, err := Unmarshal(Marshal(77, 9, msg))
	require.NoError(t, err)

	assert.Equal(t, MsgInstantiateAnchor, f.Type)
	assert.Equal(t, uint32(77), f.RequestID)
	assert.Equal(t, uint64(9), f.Sender)
	assert.Empty(t, cmp.Diff(msg, got), "Порядок идентификаторов сохраняется")
}

func TestMarshal_ZoneShortName(t *testing.T) {
	short := "A"
	z := zone.NewZone("arena", zone.ShapeCylinder, 5)
	z.ShortName = &short
	z.Height = 12
	fields := ZoneFieldsOf(z)

	_, got, err := Unmarshal(Marshal(1, 5, &InstantiateZone{ZoneFields: fields, CreatorID: 5, ZoneID: 3}))
	require.NoError(t, err)
	iz := got.(*InstantiateZone)
	assert.False(t, iz.IsShortNameNull)

	rebuilt := iz.NewZone(iz.CreatorID)
	require.NotNil(t, rebuilt.ShortName)
	assert.Equal(t, "A", *rebuilt.ShortName)
	assert.Equal(t, zone.ShapeCylinder, rebuilt.Shape)

	_, got, err = Unmarshal(Marshal(1, 5, &RequestInstantiateZone{ZoneFields: ZoneFieldsOf(zone.NewZone("b", zone.ShapeSphere, 5))}))
	require.NoError(t, err)
	assert.Nil(t, got.(*RequestInstantiateZone).NewZone(5).ShortName, "Пустое короткое имя остаётся nil")
}

func TestMarshal_FieldNumbersFollowDeclaredOrder(t *testing.T) {
	payload := (&RequestInstantiateAnchor{ZoneID: 2, AfterAnchorID: 3}).appendFields(nil)

	var nums []protowire.Number
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		require.Greater(t, n, 0)
		payload = payload[n:]
		m := protowire.ConsumeFieldValue(num, typ, payload)
		require.Greater(t, m, 0)
		payload = payload[m:]
		nums = append(nums, num)
	}
	assert.Equal(t, []protowire.Number{1, 2, 3}, nums)
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	payload := (&MoveAnchor{AnchorID: 5, Position: vec.Vec3Float{Z: 3}}).appendFields(nil)
	payload = appendString(payload, 40, "из будущей версии")

	b := appendVarint(nil, frameVersion, Version)
	b = appendVarint(b, frameType, uint64(MsgMoveAnchor))
	b = appendBytes(b, framePayload, payload)

	_, got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, &MoveAnchor{AnchorID: 5, Position: vec.Vec3Float{Z: 3}}, got)
}

func TestUnmarshal_Rejects(t *testing.T) {
	t.Run("Неизвестный тип", func(t *testing.T) {
		b := appendVarint(nil, frameVersion, Version)
		b = appendVarint(b, frameType, 99)
		_, _, err := Unmarshal(b)
		assert.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("Чужая версия", func(t *testing.T) {
		b := appendVarint(nil, frameVersion, Version+1)
		b = appendVarint(b, frameType, uint64(MsgAck))
		_, _, err := Unmarshal(b)
		assert.ErrorIs(t, err, ErrVersion)
	})

	t.Run("Обрезанный кадр", func(t *testing.T) {
		b := Marshal(1, 1, &MoveAnchor{AnchorID: 1})
		_, _, err := Unmarshal(b[:len(b)-3])
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("Неверный тип поля", func(t *testing.T) {
		payload := appendString(nil, 1, "не число")
		b := appendVarint(nil, frameVersion, Version)
		b = appendVarint(b, frameType, uint64(MsgAck))
		b = appendBytes(b, framePayload, payload)
		_, _, err := Unmarshal(b)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("Идентификатор шире 32 бит", func(t *testing.T) {
		payload := appendVarint(nil, 1, 1<<40)
		b := appendVarint(nil, frameVersion, Version)
		b = appendVarint(b, frameType, uint64(MsgMoveAnchor))
		b = appendBytes(b, framePayload, payload)
		_, _, err := Unmarshal(b)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestAck_ResultNames(t *testing.T) {
	_, got, err := Unmarshal(Marshal(4, 0, &Ack{Result: ResultNotFound}))
	require.NoError(t, err)
	assert.Equal(t, ResultNotFound, got.(*Ack).Result)
	assert.Equal(t, "not-found", ResultNotFound.String())
	assert.Equal(t, "Ack", MsgAck.String())
}
