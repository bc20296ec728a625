package netdb

import (
	"fmt"
	"testing"

	"github.com/annel0/zonesync/internal/netid"
	"github.com/annel0/zonesync/internal/vec"
	"github.com/annel0/zonesync/internal/zone"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// moveLog собирает уведомления о сдвигах якорей как "id:old->new" и идентификаторы удалённых
type moveLog struct {
	zone.NopListener
	moves   []string
	removed []netid.ID
}

func (m *moveLog) OnAnchorRemoved(a *zone.Anchor, ci zone.CompoundIndex) {
	m.removed = append(m.removed, a.NetID)
}

func (m *moveLog) OnAnchorIndexUpdated(a *zone.Anchor, newIndex, oldIndex zone.CompoundIndex) {
	m.moves = append(m.moves, fmt.Sprintf("%d:%d->%d", a.NetID, oldIndex.Anchor(), newIndex.Anchor()))
}

func newAuthorityDB(t *testing.T) (*zone.Store, *netid.Registry, *Database) {
	t.Helper()
	store := zone.NewStore(nil, zone.Limits{})
	reg := netid.NewRegistry(nil)
	db := New(store, reg, Options{ClaimOnAdd: true})
	db.Enable()
	return store, reg, db
}

// checkConsistency проверяет кэши и реестр для каждой сущности хранилища
func checkConsistency(t *testing.T, store *zone.Store, db *Database) {
	t.Helper()
	for zi, z := range store.Zones() {
		require.Equal(t, z.NetID, db.ZoneID(zi), "Кэш зоны %d", zi)
		if z.NetID != netid.Null {
			got, ok := db.ZoneByID(z.NetID)
			require.True(t, ok, "Зона %s разрешается", z.NetID)
			require.Same(t, z, got)
		}
		for ai, a := range z.Anchors() {
			require.Equal(t, ai, a.Index())
			ci := zone.MustCompoundIndex(zi, ai)
			require.Equal(t, a.NetID, db.AnchorID(ci), "Кэш якоря %s", ci)
			if a.NetID != netid.Null {
				got, ok := db.AnchorByID(a.NetID)
				require.True(t, ok, "Якорь %s разрешается", a.NetID)
				require.Same(t, a, got)
			}
		}
	}
}

func TestDatabase_AuthorityClaimsOnAdd(t *testing.T) {
	store, reg, db := newAuthorityDB(t)

	z := zone.NewZone("arena", zone.ShapePolygon, 7)
	_, err := store.AddZone(z)
	require.NoError(t, err)
	require.NotEqual(t, netid.Null, z.NetID)

	seen := map[netid.ID]bool{z.NetID: true}
	for i := 0; i < 5; i++ {
		a := zone.NewAnchor(vec.Vec3Float{X: float64(i)})
		_, err := store.AddAnchor(z, a)
		require.NoError(t, err)
		require.False(t, seen[a.NetID], "Идентификаторы не совпадают")
		seen[a.NetID] = true
	}
	assert.Equal(t, 6, reg.Len())
	checkConsistency(t, store, db)
}

func TestDatabase_IdentifiersFollowShifts(t *testing.T) {
	store, _, db := newAuthorityDB(t)
	z := zone.NewZone("poly", zone.ShapePolygon, 1)
	_, err := store.AddZone(z)
	require.NoError(t, err)

	var anchors []*zone.Anchor
	for i := 0; i < 4; i++ {
		a := zone.NewAnchor(vec.Vec3Float{})
		_, err := store.AddAnchor(z, a)
		require.NoError(t, err)
		anchors = append(anchors, a)
	}
	ids := db.AnchorOrder(z)

	_, err = store.InsertAnchor(z, zone.NewAnchor(vec.Vec3Float{}), 1)
	require.NoError(t, err)
	checkConsistency(t, store, db)

	require.True(t, store.RemoveAnchor(zone.MustCompoundIndex(0, 0)))
	checkConsistency(t, store, db)

	for i := 1; i < 4; i++ {
		got, ok := db.AnchorByID(ids[i])
		require.True(t, ok)
		assert.Same(t, anchors[i], got, "Идентификатор переживает сдвиги")
	}
	_, ok := db.AnchorByID(ids[0])
	assert.False(t, ok, "Идентификатор удалённого якоря освобождён")
}

func TestDatabase_ZoneRemovalRekeysAnchors(t *testing.T) {
	store, reg, db := newAuthorityDB(t)
	var zones []*zone.Zone
	for i := 0; i < 3; i++ {
		z := zone.NewZone(fmt.Sprintf("z%d", i), zone.ShapePolygon, 1)
		_, err := store.AddZone(z)
		require.NoError(t, err)
		for j := 0; j < 3; j++ {
			_, err := store.AddAnchor(z, zone.NewAnchor(vec.Vec3Float{}))
			require.NoError(t, err)
		}
		zones = append(zones, z)
	}
	lastAnchorID := db.AnchorOrder(zones[2])[1]

	require.True(t, store.RemoveZoneAt(0))
	checkConsistency(t, store, db)
	assert.Equal(t, 8, reg.Len(), "Освобождены зона и три её якоря")

	a, ok := db.AnchorByID(lastAnchorID)
	require.True(t, ok)
	ci, _ := a.CompoundIndex()
	assert.Equal(t, zone.MustCompoundIndex(1, 1), ci)
}

func TestDatabase_AddRemoveReverseLeaksNothing(t *testing.T) {
	store, reg, db := newAuthorityDB(t)
	const n = 25
	for i := 0; i < n; i++ {
		z := zone.NewZone(fmt.Sprintf("z%d", i), zone.ShapePolygon, 1)
		_, err := store.AddZone(z)
		require.NoError(t, err)
		for j := 0; j < i%4; j++ {
			_, err := store.AddAnchor(z, zone.NewAnchor(vec.Vec3Float{}))
			require.NoError(t, err)
		}
	}
	for i := n - 1; i >= 0; i-- {
		require.True(t, store.RemoveZoneAt(i))
		checkConsistency(t, store, db)
	}
	assert.Equal(t, 0, store.ZoneCount())
	assert.Equal(t, 0, reg.Len(), "Утечек идентификаторов нет")
}

func TestDatabase_RemoveFromFrontLeaksNothing(t *testing.T) {
	store, reg, db := newAuthorityDB(t)
	for i := 0; i < 10; i++ {
		z := zone.NewZone(fmt.Sprintf("z%d", i), zone.ShapePolygon, 1)
		_, err := store.AddZone(z)
		require.NoError(t, err)
		_, err = store.AddAnchor(z, zone.NewAnchor(vec.Vec3Float{}))
		require.NoError(t, err)
	}
	for store.ZoneCount() > 0 {
		require.True(t, store.RemoveZoneAt(0))
		checkConsistency(t, store, db)
	}
	assert.Equal(t, 0, reg.Len())
}

func TestDatabase_EnableRebuildsAndDisableReleases(t *testing.T) {
	store := zone.NewStore(nil, zone.Limits{})
	reg := netid.NewRegistry(nil)

	// Зоны загружены до включения репликации
	z := zone.NewZone("preloaded", zone.ShapePolygon, 1)
	_, err := store.AddZone(z)
	require.NoError(t, err)
	_, err = store.AddAnchor(z, zone.NewAnchor(vec.Vec3Float{}))
	require.NoError(t, err)
	assert.Equal(t, netid.Null, z.NetID)

	db := New(store, reg, Options{ClaimOnAdd: true})
	_, ok := db.ZoneByID(1)
	assert.False(t, ok, "Неактивная база ничего не разрешает")

	db.Enable()
	assert.NotEqual(t, netid.Null, z.NetID)
	assert.Equal(t, 2, reg.Len())
	checkConsistency(t, store, db)

	db.Disable()
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, netid.Null, z.NetID)

	// После выключения добавления не получают идентификаторов
	z2 := zone.NewZone("local", zone.ShapeSphere, 1)
	_, err = store.AddZone(z2)
	require.NoError(t, err)
	assert.Equal(t, netid.Null, z2.NetID)
}

func TestDatabase_DetachZoneFreesIdentifier(t *testing.T) {
	store := zone.NewStore(nil, zone.Limits{})
	reg := netid.NewRegistry(nil)
	db := New(store, reg, Options{})
	db.Enable()

	stale := zone.NewZone("stale", zone.ShapePolygon, 1)
	stale.NetID = zoneID
	_, err := store.AddZone(stale)
	require.NoError(t, err)

	db.DetachZone(stale)
	assert.Equal(t, netid.Null, stale.NetID)
	assert.Equal(t, netid.Null, db.ZoneID(0))
	_, ok := db.ZoneByID(zoneID)
	assert.False(t, ok)

	fresh := zone.NewZone("fresh", zone.ShapeSphere, 2)
	fresh.NetID = zoneID
	_, err = store.AddZone(fresh)
	require.NoError(t, err)
	got, ok := db.ZoneByID(zoneID)
	require.True(t, ok)
	assert.Same(t, fresh, got)
	checkConsistency(t, store, db)
}

func TestShift_BlockingReleased(t *testing.T) {
	reg := netid.NewRegistry(nil)
	s := make(anchorSlots)
	stale, moving := reg.Claim(), reg.Claim()
	newCI, oldCI := zone.MustCompoundIndex(0, 0), zone.MustCompoundIndex(0, 1)
	s.set(newCI, stale)
	s.set(oldCI, moving)

	shift[zone.CompoundIndex](reg, s, newCI, oldCI, func(netid.ID) interface{} { return AnchorRef{Index: newCI} })

	assert.False(t, reg.Live(stale), "Занимавший позицию идентификатор освобождён")
	assert.Equal(t, moving, s.get(newCI))
	assert.Equal(t, netid.Null, s.get(oldCI))
	v, ok := reg.Get(moving)
	require.True(t, ok)
	assert.Equal(t, AnchorRef{Index: newCI}, v)
}

func TestShift_NoOpWhenSame(t *testing.T) {
	reg := netid.NewRegistry(nil)
	var s zoneSlots
	id := reg.Claim()
	s.set(2, id)

	shift[int](reg, &s, 2, 2, func(netid.ID) interface{} { return ZoneRef{Index: 2} })
	assert.True(t, reg.Live(id))
	assert.Equal(t, id, s.get(2))

	shift[int](reg, &s, 5, 4, func(netid.ID) interface{} { return ZoneRef{Index: 5} })
	assert.Equal(t, netid.Null, s.get(5), "Пустой moving ничего не переносит")
}
