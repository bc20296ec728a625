package zone

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/annel0/zonesync/internal/owner"
	"github.com/annel0/zonesync/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *recorder) {
	t.Helper()
	s := NewStore(nil, Limits{})
	rec := &recorder{}
	s.Subscribe(rec)
	return s, rec
}

func addZone(t *testing.T, s *Store, name string) *Zone {
	t.Helper()
	z := NewZone(name, ShapePolygon, 1)
	_, err := s.AddZone(z)
	require.NoError(t, err)
	return z
}

func addAnchors(t *testing.T, s *Store, z *Zone, n int) []*Anchor {
	t.Helper()
	out := make([]*Anchor, n)
	for i := range out {
		out[i] = NewAnchor(vec.Vec3Float{X: float64(i)})
		_, err := s.AddAnchor(z, out[i])
		require.NoError(t, err)
	}
	return out
}

// checkIndices проверяет, что Index каждой сущности равен её фактической позиции
func checkIndices(t *testing.T, s *Store) {
	t.Helper()
	for zi, z := range s.Zones() {
		require.Equal(t, zi, z.Index(), "Индекс зоны %q", z.Name)
		for ai, a := range z.Anchors() {
			require.Equal(t, ai, a.Index(), "Индекс якоря в зоне %q", z.Name)
			require.Same(t, z, a.Zone())
		}
	}
}

func TestStore_AddZoneValidation(t *testing.T) {
	s, _ := newTestStore(t)
	z := addZone(t, s, "arena")

	_, err := s.AddZone(z)
	assert.ErrorIs(t, err, ErrDuplicate, "Повторное добавление той же зоны")

	_, err = s.AddZone(NewZone("", ShapeSphere, 1))
	assert.ErrorIs(t, err, ErrInvalidZone, "Пустое имя")

	_, err = s.AddZone(nil)
	assert.ErrorIs(t, err, ErrInvalidZone)

	_, err = s.AddZone(&Zone{Name: "bad", Shape: Shape(9)})
	assert.ErrorIs(t, err, ErrInvalidZone)
}

func TestStore_ZoneCapacity(t *testing.T) {
	s := NewStore(nil, Limits{MaxZones: 2})
	addZone(t, s, "a")
	addZone(t, s, "b")

	_, err := s.AddZone(NewZone("c", ShapeSphere, 1))
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, 2, s.ZoneCount(), "Частичного эффекта нет")
}

func TestStore_RemoveZoneShiftsHigherZones(t *testing.T) {
	s, rec := newTestStore(t)
	zones := []*Zone{addZone(t, s, "a"), addZone(t, s, "b"), addZone(t, s, "c"), addZone(t, s, "d")}
	rec.reset()

	require.True(t, s.RemoveZone(zones[1]))

	assert.Equal(t, []string{
		"zone- b@1",
		"zone~ c 2->1",
		"zone~ d 3->2",
	}, rec.events)
	assert.Equal(t, -1, zones[1].Index())
	assert.False(t, s.RemoveZone(zones[1]), "Удалённую зону нельзя удалить повторно")
	assert.False(t, s.RemoveZoneAt(10))
	checkIndices(t, s)
}

func TestStore_AddRemoveReverseLeavesEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 20; i++ {
		z := addZone(t, s, fmt.Sprintf("z%d", i))
		addAnchors(t, s, z, 3)
	}
	for i := 19; i >= 0; i-- {
		require.True(t, s.RemoveZoneAt(i))
	}
	assert.Equal(t, 0, s.ZoneCount())
}

func TestStore_InsertAnchorShiftsDescending(t *testing.T) {
	s, rec := newTestStore(t)
	z := addZone(t, s, "poly")
	anchors := addAnchors(t, s, z, 3)
	rec.reset()

	a := NewAnchor(vec.Vec3Float{X: 9})
	ci, err := s.InsertAnchor(z, a, 1)
	require.NoError(t, err)
	assert.Equal(t, MustCompoundIndex(0, 1), ci)

	assert.Equal(t, []string{
		"anchor~ 0:2->0:3",
		"anchor~ 0:1->0:2",
		"anchor+ 0:1",
	}, rec.events)
	assert.Equal(t, []*Anchor{anchors[0], a, anchors[1], anchors[2]}, z.Anchors())
	checkIndices(t, s)
}

func TestStore_AnchorValidation(t *testing.T) {
	s := NewStore(nil, Limits{MaxAnchors: 2})
	z := addZone(t, s, "poly")
	anchors := addAnchors(t, s, z, 1)

	_, err := s.AddAnchor(z, anchors[0])
	assert.ErrorIs(t, err, ErrDuplicate, "Якорь уже в зоне")

	_, err = s.InsertAnchor(z, NewAnchor(vec.Vec3Float{}), 5)
	assert.ErrorIs(t, err, ErrInvalidIndex, "Позиция больше числа якорей")

	_, err = s.AddAnchor(NewZone("detached", ShapePolygon, 1), NewAnchor(vec.Vec3Float{}))
	assert.ErrorIs(t, err, ErrZoneNotFound)

	_, err = s.AddAnchor(z, NewAnchor(vec.Vec3Float{}))
	require.NoError(t, err)
	_, err = s.AddAnchor(z, NewAnchor(vec.Vec3Float{}))
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, 2, z.AnchorCount())
}

func TestStore_AnchorHardLimit(t *testing.T) {
	s, _ := newTestStore(t)
	z := addZone(t, s, "big")
	addAnchors(t, s, z, MaxAnchors)

	_, err := s.AddAnchor(z, NewAnchor(vec.Vec3Float{}))
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestStore_RemoveAnchorLeavesLowerUntouched(t *testing.T) {
	s, rec := newTestStore(t)
	z := addZone(t, s, "poly")
	addAnchors(t, s, z, 5)
	rec.reset()

	require.True(t, s.RemoveAnchor(MustCompoundIndex(0, 2)))

	assert.Equal(t, []string{
		"anchor- 0:2",
		"anchor~ 0:3->0:2",
		"anchor~ 0:4->0:3",
	}, rec.events, "Позиции ниже удалённой не получают уведомлений")
	assert.False(t, s.RemoveAnchor(MustCompoundIndex(0, 4)), "Устаревший индекс")
	checkIndices(t, s)
}

func TestStore_MoveAnchorAndShape(t *testing.T) {
	s, rec := newTestStore(t)
	z := addZone(t, s, "poly")
	anchors := addAnchors(t, s, z, 2)
	rec.reset()

	target := vec.Vec3Float{X: 1, Y: 2, Z: 3}
	require.NoError(t, s.MoveAnchor(MustCompoundIndex(0, 1), target))
	assert.Equal(t, target, anchors[1].Position)
	assert.ErrorIs(t, s.MoveAnchor(MustCompoundIndex(0, 7), target), ErrInvalidIndex)

	require.NoError(t, s.SetShape(z, ShapeCylinder))
	require.NoError(t, s.SetShape(z, ShapeCylinder), "Та же форма - без уведомления")

	assert.Equal(t, []string{"move 0:1", "shape poly polygon->cylinder"}, rec.events)
}

func TestStore_IsValidDetectsStaleIndex(t *testing.T) {
	s, _ := newTestStore(t)
	z := addZone(t, s, "poly")
	addAnchors(t, s, z, 2)
	ci := MustCompoundIndex(0, 1)
	require.True(t, s.IsValid(ci))

	require.True(t, s.RemoveAnchor(MustCompoundIndex(0, 0)))
	assert.False(t, s.IsValid(ci), "После удаления индекс 0:1 устарел")
	assert.False(t, s.IsValid(MustCompoundIndex(3, 0)))
}

func TestStore_ReorderAnchors(t *testing.T) {
	s, rec := newTestStore(t)
	z := addZone(t, s, "poly")
	a := addAnchors(t, s, z, 4)
	rec.reset()

	moved, orphaned, err := s.ReorderAnchors(z, []*Anchor{a[0], a[2], a[1]})
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	assert.Equal(t, []*Anchor{a[3]}, orphaned)
	assert.Nil(t, a[3].Zone())
	assert.Equal(t, []string{"anchor- 0:3", "anchor~ 0:2->0:1", "anchor~ 0:1->0:2"}, rec.events)
	checkIndices(t, s)

	_, _, err = s.ReorderAnchors(z, []*Anchor{a[0], a[0]})
	assert.ErrorIs(t, err, ErrDuplicate)
	_, _, err = s.ReorderAnchors(z, []*Anchor{a[3]})
	assert.ErrorIs(t, err, ErrForeign)
}

// removalWitness запоминает, что видел подписчик в момент уведомления removed
type removalWitness struct {
	NopListener
	name    string
	order   *[]string
	zones   []*Zone
	indices []int
}

func (w *removalWitness) OnZoneRemoved(z *Zone, index int) {
	*w.order = append(*w.order, w.name)
}

func (w *removalWitness) OnAnchorRemoved(a *Anchor, ci CompoundIndex) {
	*w.order = append(*w.order, w.name)
	w.zones = append(w.zones, a.Zone())
	w.indices = append(w.indices, a.Index())
}

func TestStore_RemovalNotifiesInReverseOrder(t *testing.T) {
	s := NewStore(nil, Limits{})
	var order []string
	first := &removalWitness{name: "first", order: &order}
	second := &removalWitness{name: "second", order: &order}
	s.Subscribe(first)
	s.Subscribe(second)

	z := addZone(t, s, "poly")
	a := addAnchors(t, s, z, 3)
	require.True(t, s.RemoveAnchor(MustCompoundIndex(0, 0)))
	assert.Equal(t, []string{"second", "first"}, order)
	assert.Equal(t, []*Zone{z}, second.zones, "Zone() доступна во время уведомления")
	assert.Equal(t, []int{-1}, second.indices, "Якорь уже вне списка зоны")
	assert.Nil(t, a[0].Zone(), "После уведомления якорь отсоединён")

	order = nil
	_, orphaned, err := s.ReorderAnchors(z, []*Anchor{a[2]})
	require.NoError(t, err)
	assert.Equal(t, []*Anchor{a[1]}, orphaned)
	assert.Equal(t, []string{"second", "first"}, order, "Выпавший якорь получает removed")
	assert.Nil(t, a[1].Zone())

	order = nil
	require.True(t, s.RemoveZone(z))
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestStore_RandomOpsKeepIndices(t *testing.T) {
	s, _ := newTestStore(t)
	rng := rand.New(rand.NewSource(7))

	for step := 0; step < 2000; step++ {
		switch op := rng.Intn(5); {
		case op == 0 || s.ZoneCount() == 0:
			addZone(t, s, fmt.Sprintf("z%d", step))
		case op == 1 && s.ZoneCount() > 1:
			s.RemoveZoneAt(rng.Intn(s.ZoneCount()))
		case op == 2 || op == 3:
			z, _ := s.Zone(rng.Intn(s.ZoneCount()))
			if z.AnchorCount() < 50 {
				_, err := s.InsertAnchor(z, NewAnchor(vec.Vec3Float{}), rng.Intn(z.AnchorCount()+1))
				require.NoError(t, err)
			}
		default:
			z, _ := s.Zone(rng.Intn(s.ZoneCount()))
			if z.AnchorCount() > 0 {
				s.RemoveAnchor(MustCompoundIndex(z.Index(), rng.Intn(z.AnchorCount())))
			}
		}
	}
	checkIndices(t, s)
}

func TestStore_UnsubscribeStopsDelivery(t *testing.T) {
	s := NewStore(nil, Limits{})
	rec := &recorder{}
	unsubscribe := s.Subscribe(rec)
	addZone(t, s, "a")
	unsubscribe()
	addZone(t, s, "b")
	assert.Equal(t, []string{"zone+ a@0"}, rec.events)
}

func TestStore_RequiresOwner(t *testing.T) {
	// Цикл не запущен: ни одна горутина не является владельцем
	s := NewStore(owner.NewLoop(1), Limits{})
	assert.PanicsWithValue(t, owner.ErrNotOwner, func() {
		_, _ = s.AddZone(NewZone("a", ShapeSphere, 1))
	})
}
