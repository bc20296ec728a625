// Package netdb поддерживает соответствие позиций зон и якорей их сетевым идентификаторам
// и сводит порядок якорей реплики к авторитетному порядку сервера.
package netdb

import (
	"errors"

	"github.com/annel0/zonesync/internal/logging"
	"github.com/annel0/zonesync/internal/netid"
	"github.com/annel0/zonesync/internal/owner"
	"github.com/annel0/zonesync/internal/vec"
	"github.com/annel0/zonesync/internal/zone"
)

var (
	ErrInactive     = errors.New("netdb: репликация не активна")
	ErrZoneNotFound = errors.New("netdb: зона с таким идентификатором не найдена")
	ErrInvalidOrder = errors.New("netdb: новый якорь отсутствует в авторитетном порядке")
)

// ZoneRef - значение, привязанное в реестре к идентификатору зоны
type ZoneRef struct {
	Index int
}

// AnchorRef - значение, привязанное в реестре к идентификатору якоря
type AnchorRef struct {
	Index zone.CompoundIndex
}

// Options настраивает базу
type Options struct {
	// ClaimOnAdd - выделять идентификатор сущностям, добавленным без него (роль сервера)
	ClaimOnAdd bool
	Owner      *owner.Loop
}

// Database подписана на уведомления хранилища и держит кэши индекс → идентификатор.
// Кэши восстановимы из полей NetID сущностей хранилища (см. Enable).
type Database struct {
	zone.NopListener

	store    *zone.Store
	registry *netid.Registry
	opts     Options
	log      *logging.Logger

	zoneIDs   zoneSlots
	anchorIDs anchorSlots

	active      bool
	suppress    bool
	unsubscribe func()
}

// New создаёт неактивную базу
func New(store *zone.Store, registry *netid.Registry, opts Options) *Database {
	return &Database{
		store:     store,
		registry:  registry,
		opts:      opts,
		log:       logging.GetNetDBLogger(),
		anchorIDs: make(anchorSlots),
	}
}

// Active сообщает, включена ли репликация
func (d *Database) Active() bool { return d.active }

// Store возвращает хранилище, за которым следит база
func (d *Database) Store() *zone.Store { return d.store }

// Registry возвращает реестр идентификаторов
func (d *Database) Registry() *netid.Registry { return d.registry }

// Enable включает репликацию: подписывается на хранилище и перестраивает кэши по текущему
// содержимому. Сущностям без идентификатора он выделяется, если включён ClaimOnAdd.
func (d *Database) Enable() {
	d.opts.Owner.MustOwn()
	if d.active {
		return
	}
	d.active = true
	d.rebuild()
	d.unsubscribe = d.store.Subscribe(d)
	d.log.Debug("Репликация включена: зон %d, идентификаторов %d", d.store.ZoneCount(), d.registry.Len())
}

// Disable выключает репликацию и освобождает все идентификаторы
func (d *Database) Disable() {
	d.opts.Owner.MustOwn()
	if !d.active {
		return
	}
	if d.unsubscribe != nil {
		d.unsubscribe()
		d.unsubscribe = nil
	}
	for _, z := range d.store.Zones() {
		d.releaseZone(z)
		for _, a := range z.Anchors() {
			d.releaseAnchor(a)
		}
	}
	d.zoneIDs = nil
	d.anchorIDs = make(anchorSlots)
	d.active = false
}

func (d *Database) rebuild() {
	d.zoneIDs = nil
	d.anchorIDs = make(anchorSlots)
	for zi, z := range d.store.Zones() {
		d.bindZone(z, zi)
		for ai, a := range z.Anchors() {
			d.bindAnchor(a, zone.MustCompoundIndex(zi, ai))
		}
	}
}

// ZoneID возвращает идентификатор зоны на позиции index
func (d *Database) ZoneID(index int) netid.ID {
	return d.zoneIDs.get(index)
}

// AnchorID возвращает идентификатор якоря по составному индексу
func (d *Database) AnchorID(ci zone.CompoundIndex) netid.ID {
	return d.anchorIDs.get(ci)
}

// ZoneByID разрешает идентификатор зоны через реестр
func (d *Database) ZoneByID(id netid.ID) (*zone.Zone, bool) {
	if !d.active || id == netid.Null {
		return nil, false
	}
	v, ok := d.registry.Get(id)
	if !ok {
		return nil, false
	}
	ref, ok := v.(ZoneRef)
	if !ok {
		return nil, false
	}
	z, ok := d.store.Zone(ref.Index)
	if !ok || z.NetID != id {
		return nil, false
	}
	return z, true
}

// AnchorByID разрешает идентификатор якоря через реестр
func (d *Database) AnchorByID(id netid.ID) (*zone.Anchor, bool) {
	if !d.active || id == netid.Null {
		return nil, false
	}
	v, ok := d.registry.Get(id)
	if !ok {
		return nil, false
	}
	ref, ok := v.(AnchorRef)
	if !ok {
		return nil, false
	}
	a, ok := d.store.Anchor(ref.Index)
	if !ok || a.NetID != id {
		return nil, false
	}
	return a, true
}

// AnchorOrder возвращает идентификаторы якорей зоны в локальном порядке
func (d *Database) AnchorOrder(z *zone.Zone) []netid.ID {
	anchors := z.Anchors()
	out := make([]netid.ID, len(anchors))
	for i, a := range anchors {
		out[i] = a.NetID
	}
	return out
}

// DetachZone снимает идентификатор с зоны, которая осталась у реплики после
// нереплицированного удаления, чтобы идентификатор можно было привязать заново
func (d *Database) DetachZone(z *zone.Zone) {
	d.opts.Owner.MustOwn()
	if z.NetID == netid.Null {
		return
	}
	if i := z.Index(); i >= 0 && d.zoneIDs.get(i) == z.NetID {
		d.zoneIDs.set(i, netid.Null)
	}
	d.releaseZone(z)
}

// NewAnchorID выделяет идентификатор для якоря, который ещё не добавлен (роль сервера)
func (d *Database) NewAnchorID() netid.ID {
	return d.registry.Claim()
}

func (d *Database) bindZone(z *zone.Zone, index int) {
	if z.NetID == netid.Null {
		if !d.opts.ClaimOnAdd {
			d.zoneIDs.set(index, netid.Null)
			return
		}
		z.NetID = d.registry.Claim()
	}
	if err := d.registry.Assign(z.NetID, ZoneRef{Index: index}); err != nil {
		d.log.Error("Не удалось привязать зону %q: %v", z.Name, err)
		return
	}
	d.zoneIDs.set(index, z.NetID)
}

func (d *Database) bindAnchor(a *zone.Anchor, ci zone.CompoundIndex) {
	if a.NetID == netid.Null {
		if !d.opts.ClaimOnAdd {
			d.anchorIDs.set(ci, netid.Null)
			return
		}
		a.NetID = d.registry.Claim()
	}
	if err := d.registry.Assign(a.NetID, AnchorRef{Index: ci}); err != nil {
		d.log.Error("Не удалось привязать якорь %s: %v", ci, err)
		return
	}
	d.anchorIDs.set(ci, a.NetID)
}

func (d *Database) releaseZone(z *zone.Zone) {
	if z.NetID != netid.Null {
		d.registry.Release(z.NetID)
		z.NetID = netid.Null
	}
}

func (d *Database) releaseAnchor(a *zone.Anchor) {
	if a.NetID != netid.Null {
		d.registry.Release(a.NetID)
		a.NetID = netid.Null
	}
}

// OnZoneAdded привязывает идентификатор на уже окончательной позиции
func (d *Database) OnZoneAdded(z *zone.Zone, index int) {
	if d.suppress {
		return
	}
	d.bindZone(z, index)
}

// OnZoneRemoved освобождает идентификатор зоны и всех её якорей
func (d *Database) OnZoneRemoved(z *zone.Zone, index int) {
	if d.suppress {
		return
	}
	if id := d.zoneIDs.get(index); id != netid.Null && id != z.NetID {
		d.registry.Release(id)
	}
	d.releaseZone(z)
	d.zoneIDs.set(index, netid.Null)

	for ai, a := range z.Anchors() {
		ci := zone.MustCompoundIndex(index, ai)
		if id := d.anchorIDs.get(ci); id != netid.Null && id != a.NetID {
			d.registry.Release(id)
		}
		d.releaseAnchor(a)
		d.anchorIDs.set(ci, netid.Null)
	}
}

// OnZoneIndexUpdated переносит идентификатор зоны и перепривязывает все её якоря
func (d *Database) OnZoneIndexUpdated(z *zone.Zone, newIndex, oldIndex int) {
	if d.suppress {
		return
	}
	shift[int](d.registry, &d.zoneIDs, newIndex, oldIndex, func(id netid.ID) interface{} {
		return ZoneRef{Index: newIndex}
	})

	for ai := 0; ai < z.AnchorCount(); ai++ {
		newCI := zone.MustCompoundIndex(newIndex, ai)
		oldCI := zone.MustCompoundIndex(oldIndex, ai)
		shift[zone.CompoundIndex](d.registry, d.anchorIDs, newCI, oldCI, func(id netid.ID) interface{} {
			return AnchorRef{Index: newCI}
		})
	}
}

// OnAnchorAdded привязывает идентификатор якоря
func (d *Database) OnAnchorAdded(a *zone.Anchor, ci zone.CompoundIndex) {
	if d.suppress {
		return
	}
	d.bindAnchor(a, ci)
}

// OnAnchorRemoved освобождает идентификатор якоря
func (d *Database) OnAnchorRemoved(a *zone.Anchor, ci zone.CompoundIndex) {
	if d.suppress {
		return
	}
	if id := d.anchorIDs.get(ci); id != netid.Null && id != a.NetID {
		d.registry.Release(id)
	}
	d.releaseAnchor(a)
	d.anchorIDs.set(ci, netid.Null)
}

// OnAnchorIndexUpdated переносит идентификатор якоря на новую позицию
func (d *Database) OnAnchorIndexUpdated(a *zone.Anchor, newIndex, oldIndex zone.CompoundIndex) {
	if d.suppress {
		return
	}
	shift[zone.CompoundIndex](d.registry, d.anchorIDs, newIndex, oldIndex, func(id netid.ID) interface{} {
		return AnchorRef{Index: newIndex}
	})
}

// MoveAnchorByID меняет положение якоря, найденного по идентификатору
func (d *Database) MoveAnchorByID(id netid.ID, position vec.Vec3Float) (*zone.Anchor, bool) {
	a, ok := d.AnchorByID(id)
	if !ok {
		return nil, false
	}
	ci, ok := a.CompoundIndex()
	if !ok {
		return nil, false
	}
	if err := d.store.MoveAnchor(ci, position); err != nil {
		return nil, false
	}
	return a, true
}
