// Package netid выдаёт сетевые идентификаторы и хранит привязанные к ним значения.
//
// Реестр не синхронизирован: все вызовы должны идти из горутины-владельца уровня.
// Время жизни реестра совпадает с загрузкой уровня; при выгрузке вызывается Clear.
package netid

import (
	"errors"
	"fmt"
	"sort"

	"github.com/annel0/zonesync/internal/owner"
)

// ID - непрозрачный сетевой идентификатор
type ID uint32

// Null обозначает отсутствие привязки
const Null ID = 0

// ErrNullID возвращается при попытке привязать значение к Null
var ErrNullID = errors.New("netid: нулевой идентификатор")

// IsNull сообщает, что идентификатор не привязан
func (id ID) IsNull() bool { return id == Null }

func (id ID) String() string {
	if id == Null {
		return "null"
	}
	return fmt.Sprintf("#%d", uint32(id))
}

type entry struct {
	value interface{}
	bound bool
}

// Registry - двунаправленное отображение идентификатор → значение
type Registry struct {
	entries map[ID]entry
	free    []ID
	next    ID
	owner   *owner.Loop
}

// NewRegistry создаёт пустой реестр. owner может быть nil (без проверки владения).
func NewRegistry(o *owner.Loop) *Registry {
	return &Registry{
		entries: make(map[ID]entry),
		next:    1,
		owner:   o,
	}
}

// Claim выделяет новый живой идентификатор без значения. Освобождённые идентификаторы
// переиспользуются в порядке освобождения.
func (r *Registry) Claim() ID {
	r.owner.MustOwn()

	for len(r.free) > 0 {
		id := r.free[0]
		r.free = r.free[1:]
		if _, live := r.entries[id]; !live {
			r.entries[id] = entry{}
			return id
		}
	}
	for {
		id := r.next
		r.next++
		if r.next == Null {
			r.next = 1
		}
		if _, live := r.entries[id]; !live && id != Null {
			r.entries[id] = entry{}
			return id
		}
	}
}

// Assign привязывает значение к идентификатору, перезаписывая прежнюю привязку.
// Идентификатор, полученный от другого участника, становится живым и не будет выдан Claim.
func (r *Registry) Assign(id ID, value interface{}) error {
	r.owner.MustOwn()

	if id == Null {
		return ErrNullID
	}
	if _, live := r.entries[id]; !live {
		r.dropFree(id)
	}
	r.entries[id] = entry{value: value, bound: true}
	return nil
}

// Release снимает привязку; идентификатор может быть выдан повторно
func (r *Registry) Release(id ID) bool {
	r.owner.MustOwn()

	if _, live := r.entries[id]; !live {
		return false
	}
	delete(r.entries, id)
	r.free = append(r.free, id)
	return true
}

// Get возвращает привязанное значение
func (r *Registry) Get(id ID) (interface{}, bool) {
	r.owner.MustOwn()

	e, live := r.entries[id]
	if !live || !e.bound {
		return nil, false
	}
	return e.value, true
}

// Live сообщает, выдан ли идентификатор (с привязкой или без)
func (r *Registry) Live(id ID) bool {
	r.owner.MustOwn()
	_, live := r.entries[id]
	return live
}

// Len возвращает число живых идентификаторов
func (r *Registry) Len() int {
	r.owner.MustOwn()
	return len(r.entries)
}

// IDs возвращает живые идентификаторы по возрастанию
func (r *Registry) IDs() []ID {
	r.owner.MustOwn()
	out := make([]ID, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clear освобождает всё (выгрузка уровня)
func (r *Registry) Clear() {
	r.owner.MustOwn()
	r.entries = make(map[ID]entry)
	r.free = nil
	r.next = 1
}

func (r *Registry) dropFree(id ID) {
	for i, f := range r.free {
		if f == id {
			r.free = append(r.free[:i], r.free[i+1:]...)
			return
		}
	}
}
