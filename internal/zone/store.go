package zone

import (
	"fmt"

	"github.com/annel0/zonesync/internal/logging"
	"github.com/annel0/zonesync/internal/owner"
	"github.com/annel0/zonesync/internal/vec"
)

// Limits ограничивает размер хранилища. Нули заменяются предельными значениями.
type Limits struct {
	MaxZones   int
	MaxAnchors int
}

func (l Limits) normalized() Limits {
	if l.MaxZones <= 0 || l.MaxZones > MaxZones {
		l.MaxZones = MaxZones
	}
	if l.MaxAnchors <= 0 || l.MaxAnchors > MaxAnchors {
		l.MaxAnchors = MaxAnchors
	}
	return l
}

// Store - упорядоченная коллекция зон в памяти.
//
// Все методы синхронны и должны вызываться из горутины-владельца. Вставка и удаление
// сдвигают соседей с большими индексами и посылают ровно одно уведомление
// index-updated на каждую сдвинутую сущность.
type Store struct {
	zones     []*Zone
	limits    Limits
	listeners listeners
	owner     *owner.Loop
	log       *logging.Logger
}

// NewStore создаёт пустое хранилище
func NewStore(o *owner.Loop, limits Limits) *Store {
	return &Store{
		limits: limits.normalized(),
		owner:  o,
		log:    logging.GetStoreLogger(),
	}
}

// Limits возвращает действующие лимиты
func (s *Store) Limits() Limits { return s.limits }

// Subscribe добавляет подписчика в конец списка и возвращает функцию отписки
func (s *Store) Subscribe(l Listener) func() {
	s.owner.MustOwn()
	id := s.listeners.add(l)
	return func() {
		s.owner.MustOwn()
		s.listeners.remove(id)
	}
}

// ZoneCount возвращает число зон
func (s *Store) ZoneCount() int {
	s.owner.MustOwn()
	return len(s.zones)
}

// Zone возвращает зону по индексу
func (s *Store) Zone(i int) (*Zone, bool) {
	s.owner.MustOwn()
	if i < 0 || i >= len(s.zones) {
		return nil, false
	}
	return s.zones[i], true
}

// Zones возвращает копию списка зон
func (s *Store) Zones() []*Zone {
	s.owner.MustOwn()
	out := make([]*Zone, len(s.zones))
	copy(out, s.zones)
	return out
}

// Contains сообщает, что зона находится именно в этом хранилище
func (s *Store) Contains(z *Zone) bool {
	return z != nil && z.store == s
}

// IsValid проверяет, что составной индекс адресует существующий якорь
func (s *Store) IsValid(ci CompoundIndex) bool {
	s.owner.MustOwn()
	zi, ai := ci.Unpack()
	if zi >= len(s.zones) {
		return false
	}
	return ai < len(s.zones[zi].anchors)
}

// Anchor возвращает якорь по составному индексу
func (s *Store) Anchor(ci CompoundIndex) (*Anchor, bool) {
	if !s.IsValid(ci) {
		return nil, false
	}
	zi, ai := ci.Unpack()
	return s.zones[zi].anchors[ai], true
}

// AddZone добавляет пустую зону в конец и возвращает её индекс
func (s *Store) AddZone(z *Zone) (int, error) {
	s.owner.MustOwn()

	switch {
	case z == nil:
		return -1, fmt.Errorf("%w: nil", ErrInvalidZone)
	case z.store != nil:
		return -1, fmt.Errorf("%w: зона %q", ErrDuplicate, z.Name)
	case z.Name == "":
		return -1, fmt.Errorf("%w: пустое имя", ErrInvalidZone)
	case !z.Shape.Valid():
		return -1, fmt.Errorf("%w: форма %s", ErrInvalidZone, z.Shape)
	case len(z.anchors) > 0:
		return -1, fmt.Errorf("%w: зона %q уже содержит якоря", ErrInvalidZone, z.Name)
	case len(s.zones) >= s.limits.MaxZones:
		return -1, fmt.Errorf("%w: зон %d из %d", ErrCapacity, len(s.zones), s.limits.MaxZones)
	}

	index := len(s.zones)
	s.zones = append(s.zones, z)
	z.index = index
	z.store = s

	s.log.Trace("Зона %q добавлена на позицию %d", z.Name, index)
	s.listeners.each(func(l Listener) { l.OnZoneAdded(z, index) })
	return index, nil
}

// RemoveZone удаляет зону, если она в этом хранилище
func (s *Store) RemoveZone(z *Zone) bool {
	s.owner.MustOwn()
	if !s.Contains(z) {
		return false
	}
	return s.RemoveZoneAt(z.index)
}

// RemoveZoneAt удаляет зону по индексу. Сначала уведомление removed, затем сдвиги по возрастанию.
func (s *Store) RemoveZoneAt(index int) bool {
	s.owner.MustOwn()
	if index < 0 || index >= len(s.zones) {
		return false
	}

	z := s.zones[index]
	s.zones = append(s.zones[:index], s.zones[index+1:]...)
	z.store = nil
	z.index = -1

	s.log.Trace("Зона %q удалена с позиции %d", z.Name, index)
	s.listeners.eachReverse(func(l Listener) { l.OnZoneRemoved(z, index) })

	for i := index; i < len(s.zones); i++ {
		shifted := s.zones[i]
		shifted.index = i
		s.listeners.each(func(l Listener) { l.OnZoneIndexUpdated(shifted, i, i+1) })
	}
	return true
}

// SetShape меняет форму зоны
func (s *Store) SetShape(z *Zone, shape Shape) error {
	s.owner.MustOwn()
	if !s.Contains(z) {
		return ErrZoneNotFound
	}
	if !shape.Valid() {
		return fmt.Errorf("%w: форма %d", ErrInvalidZone, shape)
	}
	if z.Shape == shape {
		return nil
	}
	old := z.Shape
	z.Shape = shape
	s.listeners.each(func(l Listener) { l.OnZoneShapeChanged(z, old) })
	return nil
}

// AddAnchor добавляет якорь в конец списка зоны
func (s *Store) AddAnchor(z *Zone, a *Anchor) (CompoundIndex, error) {
	if z == nil {
		return 0, ErrZoneNotFound
	}
	return s.InsertAnchor(z, a, len(z.anchors))
}

// InsertAnchor вставляет якорь на позицию pos (0 <= pos <= число якорей).
// Сдвиги соседей идут по убыванию, уведомление added - последним.
func (s *Store) InsertAnchor(z *Zone, a *Anchor, pos int) (CompoundIndex, error) {
	s.owner.MustOwn()

	switch {
	case !s.Contains(z):
		return 0, ErrZoneNotFound
	case a == nil:
		return 0, fmt.Errorf("%w: якорь nil", ErrInvalidIndex)
	case a.zone != nil:
		return 0, fmt.Errorf("%w: якорь уже в зоне %q", ErrDuplicate, a.zone.Name)
	case len(z.anchors) >= s.limits.MaxAnchors:
		return 0, fmt.Errorf("%w: якорей %d из %d", ErrCapacity, len(z.anchors), s.limits.MaxAnchors)
	case pos < 0 || pos > len(z.anchors):
		return 0, fmt.Errorf("%w: позиция %d при %d якорях", ErrInvalidIndex, pos, len(z.anchors))
	}

	z.anchors = append(z.anchors, nil)
	copy(z.anchors[pos+1:], z.anchors[pos:])
	z.anchors[pos] = a

	for i := len(z.anchors) - 1; i > pos; i-- {
		shifted := z.anchors[i]
		shifted.index = i
		newCI := MustCompoundIndex(z.index, i)
		oldCI := MustCompoundIndex(z.index, i-1)
		s.listeners.each(func(l Listener) { l.OnAnchorIndexUpdated(shifted, newCI, oldCI) })
	}

	a.zone = z
	a.index = pos
	ci := MustCompoundIndex(z.index, pos)
	s.listeners.each(func(l Listener) { l.OnAnchorAdded(a, ci) })
	return ci, nil
}

// RemoveAnchor удаляет якорь по составному индексу. Сначала removed, затем сдвиги по возрастанию.
func (s *Store) RemoveAnchor(ci CompoundIndex) bool {
	s.owner.MustOwn()
	if !s.IsValid(ci) {
		return false
	}

	zi, ai := ci.Unpack()
	z := s.zones[zi]
	a := z.anchors[ai]
	z.anchors = append(z.anchors[:ai], z.anchors[ai+1:]...)
	a.index = -1
	s.listeners.eachReverse(func(l Listener) { l.OnAnchorRemoved(a, ci) })
	a.zone = nil

	for i := ai; i < len(z.anchors); i++ {
		shifted := z.anchors[i]
		shifted.index = i
		newCI := MustCompoundIndex(zi, i)
		oldCI := MustCompoundIndex(zi, i+1)
		s.listeners.each(func(l Listener) { l.OnAnchorIndexUpdated(shifted, newCI, oldCI) })
	}
	return true
}

// MoveAnchor меняет только положение якоря; порядок не меняется
func (s *Store) MoveAnchor(ci CompoundIndex, position vec.Vec3Float) error {
	s.owner.MustOwn()
	a, ok := s.Anchor(ci)
	if !ok {
		return fmt.Errorf("%w: якорь %s", ErrInvalidIndex, ci)
	}
	old := a.Position
	a.Position = position
	s.listeners.each(func(l Listener) { l.OnAnchorMoved(a, ci, old) })
	return nil
}

// ReorderAnchors заменяет список якорей зоны на order. Каждый якорь из order должен
// принадлежать зоне и встречаться один раз. Якоря, не попавшие в order, отсоединяются
// с уведомлением removed (по прежнему адресу, до сдвигов) и возвращаются как orphaned.
// На каждый якорь, чья позиция изменилась, посылается одно уведомление index-updated.
func (s *Store) ReorderAnchors(z *Zone, order []*Anchor) (moved int, orphaned []*Anchor, err error) {
	s.owner.MustOwn()
	if !s.Contains(z) {
		return 0, nil, ErrZoneNotFound
	}

	placed := make(map[*Anchor]bool, len(order))
	for _, a := range order {
		if a == nil || a.zone != z {
			return 0, nil, ErrForeign
		}
		if placed[a] {
			return 0, nil, fmt.Errorf("%w: якорь повторяется", ErrDuplicate)
		}
		placed[a] = true
	}

	previous := make([]int, len(order))
	for i, a := range order {
		previous[i] = a.index
	}
	for _, a := range z.anchors {
		if !placed[a] {
			orphaned = append(orphaned, a)
		}
	}
	z.anchors = append(z.anchors[:0:0], order...)

	for _, a := range orphaned {
		a := a
		ci := MustCompoundIndex(z.index, a.index)
		a.index = -1
		s.listeners.eachReverse(func(l Listener) { l.OnAnchorRemoved(a, ci) })
		a.zone = nil
	}

	for i, a := range z.anchors {
		a.index = i
		if previous[i] == i {
			continue
		}
		moved++
		newCI := MustCompoundIndex(z.index, i)
		oldCI := MustCompoundIndex(z.index, previous[i])
		s.listeners.each(func(l Listener) { l.OnAnchorIndexUpdated(a, newCI, oldCI) })
	}

	if len(orphaned) > 0 {
		s.log.Warn("Зона %q: %d якорей выпали из порядка", z.Name, len(orphaned))
	}
	return moved, orphaned, nil
}
