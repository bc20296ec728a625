package zone

import "github.com/annel0/zonesync/internal/vec"

// Listener получает уведомления хранилища синхронно, в горутине-владельце, в порядке
// мутаций. К моменту уведомления позиция указанной сущности уже окончательна для этого шага;
// сдвиги соседей той же операции могут быть ещё не завершены.
//
// Уведомления removed приходят подписчикам в обратном порядке подписки: поздний подписчик
// видит сущность до того, как ранний (например, база идентификаторов) её очистит. Удалённый
// якорь уже вне списка зоны (Index() == -1), но Zone() до конца уведомления возвращает
// прежнюю зону.
type Listener interface {
	OnZoneAdded(z *Zone, index int)
	OnZoneRemoved(z *Zone, index int)
	OnZoneIndexUpdated(z *Zone, newIndex, oldIndex int)
	OnZoneShapeChanged(z *Zone, old Shape)

	OnAnchorAdded(a *Anchor, ci CompoundIndex)
	OnAnchorRemoved(a *Anchor, ci CompoundIndex)
	OnAnchorIndexUpdated(a *Anchor, newIndex, oldIndex CompoundIndex)
	OnAnchorMoved(a *Anchor, ci CompoundIndex, old vec.Vec3Float)
}

// NopListener - пустая реализация для встраивания
type NopListener struct{}

func (NopListener) OnZoneAdded(*Zone, int)                                     {}
func (NopListener) OnZoneRemoved(*Zone, int)                                   {}
func (NopListener) OnZoneIndexUpdated(*Zone, int, int)                         {}
func (NopListener) OnZoneShapeChanged(*Zone, Shape)                            {}
func (NopListener) OnAnchorAdded(*Anchor, CompoundIndex)                       {}
func (NopListener) OnAnchorRemoved(*Anchor, CompoundIndex)                     {}
func (NopListener) OnAnchorIndexUpdated(*Anchor, CompoundIndex, CompoundIndex) {}
func (NopListener) OnAnchorMoved(*Anchor, CompoundIndex, vec.Vec3Float)        {}

type listenerEntry struct {
	id       int
	listener Listener
}

// listeners - упорядоченный список подписчиков
type listeners struct {
	entries []listenerEntry
	nextID  int
}

func (ls *listeners) add(l Listener) int {
	ls.nextID++
	ls.entries = append(ls.entries, listenerEntry{id: ls.nextID, listener: l})
	return ls.nextID
}

func (ls *listeners) remove(id int) {
	for i, e := range ls.entries {
		if e.id == id {
			ls.entries = append(ls.entries[:i:i], ls.entries[i+1:]...)
			return
		}
	}
}

// each вызывает fn для снимка подписчиков, чтобы отписка из обработчика не ломала обход
func (ls *listeners) each(fn func(Listener)) {
	snapshot := ls.entries
	for _, e := range snapshot {
		fn(e.listener)
	}
}

// eachReverse обходит снимок с конца; используется для уведомлений removed
func (ls *listeners) eachReverse(fn func(Listener)) {
	snapshot := ls.entries
	for i := len(snapshot) - 1; i >= 0; i-- {
		fn(snapshot[i].listener)
	}
}
