package netdb

import (
	"github.com/annel0/zonesync/internal/netid"
	"github.com/annel0/zonesync/internal/zone"
)

// slots - кэш "позиция → идентификатор"
type slots[K comparable] interface {
	get(K) netid.ID
	set(K, netid.ID)
}

// zoneSlots - позиционный массив идентификаторов зон
type zoneSlots []netid.ID

func (s *zoneSlots) get(i int) netid.ID {
	if i < 0 || i >= len(*s) {
		return netid.Null
	}
	return (*s)[i]
}

func (s *zoneSlots) set(i int, id netid.ID) {
	if i < 0 {
		return
	}
	for len(*s) <= i {
		if id == netid.Null {
			return
		}
		*s = append(*s, netid.Null)
	}
	(*s)[i] = id
	for n := len(*s); n > 0 && (*s)[n-1] == netid.Null; n-- {
		*s = (*s)[:n-1]
	}
}

// anchorSlots - идентификаторы якорей по составному индексу
type anchorSlots map[zone.CompoundIndex]netid.ID

func (s anchorSlots) get(ci zone.CompoundIndex) netid.ID {
	return s[ci]
}

func (s anchorSlots) set(ci zone.CompoundIndex, id netid.ID) {
	if id == netid.Null {
		delete(s, ci)
		return
	}
	s[ci] = id
}

// shift обрабатывает одно уведомление index-updated.
//
// blocking - идентификатор, занимающий новую позицию, moving - идентификатор на старой.
// Занятая позиция считается освобождённой в рамках той же пачки сдвигов, поэтому
// blocking освобождается. Сдвиг без движения (blocking == moving или moving пуст) ничего
// не перепривязывает.
func shift[K comparable](registry *netid.Registry, s slots[K], newKey, oldKey K, ref func(netid.ID) interface{}) {
	blocking := s.get(newKey)
	moving := s.get(oldKey)

	if blocking != netid.Null && blocking != moving {
		registry.Release(blocking)
		s.set(newKey, netid.Null)
	}
	if blocking == moving || moving == netid.Null {
		return
	}

	// Assign перезаписывает старую привязку moving
	_ = registry.Assign(moving, ref(moving))
	s.set(newKey, moving)
	s.set(oldKey, netid.Null)
}
