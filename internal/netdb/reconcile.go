package netdb

import (
	"fmt"

	"github.com/annel0/zonesync/internal/netid"
	"github.com/annel0/zonesync/internal/vec"
	"github.com/annel0/zonesync/internal/zone"
)

// ResyncReport описывает результат сведения порядка якорей
type ResyncReport struct {
	// Diverged - локальный порядок не совпал с авторитетным, выполнен полный ресинк
	Diverged bool
	// Moved - число уведомлений index-updated, отправленных ресинком
	Moved int
	// Dropped - идентификаторы локальных якорей, отсутствующие у сервера
	Dropped []netid.ID
	// Missing - идентификаторы из авторитетного порядка, не найденные локально
	Missing []netid.ID
	// Orphaned - якоря, не попавшие в новый порядок и отсоединённые от зоны
	Orphaned []*zone.Anchor
}

// ApplyAnchorInsert применяет подтверждённое сервером добавление якоря на реплике.
//
// Якорь вставляется на позицию newID в авторитетном порядке (с ограничением числом якорей),
// затем локальный порядок сравнивается с авторитетным и при расхождении выполняется
// полный ресинк.
func (d *Database) ApplyAnchorInsert(zoneID netid.ID, position vec.Vec3Float, order []netid.ID, newID netid.ID) (*zone.Anchor, ResyncReport, error) {
	d.opts.Owner.MustOwn()
	if !d.active {
		return nil, ResyncReport{}, ErrInactive
	}

	z, ok := d.ZoneByID(zoneID)
	if !ok {
		return nil, ResyncReport{}, fmt.Errorf("%w: %s", ErrZoneNotFound, zoneID)
	}

	pos := indexOf(order, newID)
	if newID == netid.Null || pos < 0 {
		return nil, ResyncReport{}, fmt.Errorf("%w: %s", ErrInvalidOrder, newID)
	}
	if pos > z.AnchorCount() {
		pos = z.AnchorCount()
	}

	// Повторная доставка того же добавления: вставлять нечего, только сверяем порядок
	if existing, ok := d.AnchorByID(newID); ok && existing.Zone() == z {
		return existing, d.Reconcile(z, order), nil
	}
	// Идентификатор мог остаться у другого якоря после потерянного удаления
	if stale, ok := d.AnchorByID(newID); ok {
		d.log.Warn("Идентификатор %s уже занят якорем %d зоны %q, сбрасываем", newID, stale.Index(), z.Name)
		d.registry.Release(newID)
		if ci, ok := stale.CompoundIndex(); ok {
			d.anchorIDs.set(ci, netid.Null)
		}
		stale.NetID = netid.Null
	}

	a := zone.NewAnchor(position)
	a.NetID = newID
	if _, err := d.store.InsertAnchor(z, a, pos); err != nil {
		a.NetID = netid.Null
		return nil, ResyncReport{}, err
	}

	report := d.Reconcile(z, order)
	return a, report, nil
}

// Reconcile сравнивает порядок якорей зоны с авторитетным и при расхождении
// переупорядочивает локальный список. Если порядок совпадает, уведомлений нет.
func (d *Database) Reconcile(z *zone.Zone, order []netid.ID) ResyncReport {
	d.opts.Owner.MustOwn()

	if !d.diverges(z, order) {
		return ResyncReport{}
	}
	d.log.Debug("Зона %q: порядок якорей расходится с сервером (%d локально, %d у сервера), полный ресинк",
		z.Name, z.AnchorCount(), len(order))
	return d.resync(z, order)
}

// diverges сверяет порядок поэлементно: длина, разрешимость и позиция каждого идентификатора
func (d *Database) diverges(z *zone.Zone, order []netid.ID) bool {
	if z.AnchorCount() != len(order) {
		return true
	}
	for i, id := range order {
		a, ok := d.AnchorByID(id)
		if !ok || a.Zone() != z || a.Index() != i {
			return true
		}
	}
	return false
}

func (d *Database) resync(z *zone.Zone, order []netid.ID) ResyncReport {
	report := ResyncReport{Diverged: true}
	zi := z.Index()

	authoritative := make(map[netid.ID]bool, len(order))
	for _, id := range order {
		if id != netid.Null {
			authoritative[id] = true
		}
	}

	local := z.Anchors()
	byID := make(map[netid.ID]*zone.Anchor, len(local))
	var dropped []*zone.Anchor
	for _, a := range local {
		if a.NetID == netid.Null {
			continue
		}
		if !authoritative[a.NetID] {
			report.Dropped = append(report.Dropped, a.NetID)
			dropped = append(dropped, a)
			continue
		}
		byID[a.NetID] = a
	}

	arranged := make([]*zone.Anchor, 0, len(order))
	for _, id := range order {
		a, ok := byID[id]
		if !ok {
			d.log.Warn("Зона %q: якорь %s из авторитетного порядка не найден локально", z.Name, id)
			report.Missing = append(report.Missing, id)
			continue
		}
		delete(byID, id)
		arranged = append(arranged, a)
	}

	d.suppress = true
	defer func() { d.suppress = false }()

	for ai := range local {
		d.anchorIDs.set(zone.MustCompoundIndex(zi, ai), netid.Null)
	}

	// Сброшенные якоря выпадают из порядка; идентификатор снимается после уведомления removed
	moved, orphaned, err := d.store.ReorderAnchors(z, arranged)
	for _, a := range dropped {
		d.releaseAnchor(a)
	}
	if err != nil {
		d.log.Error("Зона %q: переупорядочивание не удалось: %v", z.Name, err)
		d.rebindZoneAnchors(z, zi)
		return report
	}
	report.Moved = moved
	report.Orphaned = orphaned

	d.rebindZoneAnchors(z, zi)

	d.log.Debug("Зона %q: ресинк завершён, сдвинуто %d, сброшено %d, не найдено %d, выпало %d",
		z.Name, moved, len(report.Dropped), len(report.Missing), len(orphaned))
	return report
}

// rebindZoneAnchors заново регистрирует идентификатор каждой позиции зоны
func (d *Database) rebindZoneAnchors(z *zone.Zone, zi int) {
	for ai, a := range z.Anchors() {
		ci := zone.MustCompoundIndex(zi, ai)
		if a.NetID == netid.Null {
			d.anchorIDs.set(ci, netid.Null)
			continue
		}
		if err := d.registry.Assign(a.NetID, AnchorRef{Index: ci}); err != nil {
			d.log.Warn("Зона %q: якорь %d не привязан: %v", z.Name, ai, err)
			a.NetID = netid.Null
			d.anchorIDs.set(ci, netid.Null)
			continue
		}
		d.anchorIDs.set(ci, a.NetID)
	}
}

func indexOf(order []netid.ID, id netid.ID) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}
