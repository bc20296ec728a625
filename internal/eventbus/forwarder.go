package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/zonesync/internal/logging"
	"github.com/annel0/zonesync/internal/netid"
	"github.com/annel0/zonesync/internal/vec"
	"github.com/annel0/zonesync/internal/zone"
	"github.com/google/uuid"
)

// Типы событий хранилища зон
const (
	EventZoneAdded          = "zone.added"
	EventZoneRemoved        = "zone.removed"
	EventZoneIndexUpdated   = "zone.index_updated"
	EventZoneShapeChanged   = "zone.shape_changed"
	EventAnchorAdded        = "anchor.added"
	EventAnchorRemoved      = "anchor.removed"
	EventAnchorIndexUpdated = "anchor.index_updated"
	EventAnchorMoved        = "anchor.moved"
)

// EventTypes перечисляет все типы событий хранилища
var EventTypes = []string{
	EventZoneAdded, EventZoneRemoved, EventZoneIndexUpdated, EventZoneShapeChanged,
	EventAnchorAdded, EventAnchorRemoved, EventAnchorIndexUpdated, EventAnchorMoved,
}

// ZoneEvent - полезная нагрузка событий зоны
type ZoneEvent struct {
	ZoneID   netid.ID `json:"zone_id"`
	Name     string   `json:"name"`
	Index    int      `json:"index"`
	OldIndex *int     `json:"old_index,omitempty"`
	Shape    string   `json:"shape"`
	OldShape string   `json:"old_shape,omitempty"`
}

// AnchorEvent - полезная нагрузка событий якоря
type AnchorEvent struct {
	AnchorID    netid.ID       `json:"anchor_id"`
	ZoneID      netid.ID       `json:"zone_id"`
	Index       string         `json:"index"`
	OldIndex    string         `json:"old_index,omitempty"`
	Position    vec.Vec3Float  `json:"position"`
	OldPosition *vec.Vec3Float `json:"old_position,omitempty"`
}

// StoreForwarder публикует уведомления хранилища зон в шину событий, чтобы отрисовка и
// сохранение могли подписаться без доступа к хранилищу. Уведомления приходят в горутине-
// владельце, публикация идёт в отдельной горутине через ограниченную очередь.
type StoreForwarder struct {
	bus    EventBus
	source string
	queue  chan *Envelope
	wg     sync.WaitGroup
	once   sync.Once

	dropped int64
}

var _ zone.Listener = (*StoreForwarder)(nil)

// NewStoreForwarder создаёт и запускает пересылку
func NewStoreForwarder(bus EventBus, source string, buffer int) *StoreForwarder {
	if buffer <= 0 {
		buffer = 1024
	}
	f := &StoreForwarder{bus: bus, source: source, queue: make(chan *Envelope, buffer)}
	f.wg.Add(1)
	go f.run()
	return f
}

func (f *StoreForwarder) run() {
	defer f.wg.Done()
	for ev := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := f.bus.Publish(ctx, ev); err != nil {
			atomic.AddInt64(&f.dropped, 1)
			logging.Warn("Событие %s не опубликовано: %v", ev.EventType, err)
		}
		cancel()
	}
}

// Close дожидается публикации накопленных событий
func (f *StoreForwarder) Close() {
	f.once.Do(func() { close(f.queue) })
	f.wg.Wait()
}

// Dropped возвращает число событий, не попавших в шину
func (f *StoreForwarder) Dropped() int64 {
	return atomic.LoadInt64(&f.dropped)
}

func (f *StoreForwarder) emit(eventType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error("Не удалось сериализовать %s: %v", eventType, err)
		return
	}
	ev := &Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    f.source,
		EventType: eventType,
		Version:   1,
		Priority:  5,
		Payload:   data,
	}
	select {
	case f.queue <- ev:
	default:
		atomic.AddInt64(&f.dropped, 1)
		logging.Warn("Очередь событий переполнена, %s отброшено", eventType)
	}
}

func zoneEvent(z *zone.Zone, index int) ZoneEvent {
	return ZoneEvent{ZoneID: z.NetID, Name: z.Name, Index: index, Shape: z.Shape.String()}
}

func anchorEvent(a *zone.Anchor, ci zone.CompoundIndex) AnchorEvent {
	ev := AnchorEvent{AnchorID: a.NetID, Index: ci.String(), Position: a.Position}
	if z := a.Zone(); z != nil {
		ev.ZoneID = z.NetID
	}
	return ev
}

func (f *StoreForwarder) OnZoneAdded(z *zone.Zone, index int) {
	f.emit(EventZoneAdded, zoneEvent(z, index))
}

func (f *StoreForwarder) OnZoneRemoved(z *zone.Zone, index int) {
	f.emit(EventZoneRemoved, zoneEvent(z, index))
}

func (f *StoreForwarder) OnZoneIndexUpdated(z *zone.Zone, newIndex, oldIndex int) {
	ev := zoneEvent(z, newIndex)
	ev.OldIndex = &oldIndex
	f.emit(EventZoneIndexUpdated, ev)
}

func (f *StoreForwarder) OnZoneShapeChanged(z *zone.Zone, oldShape zone.Shape) {
	ev := zoneEvent(z, z.Index())
	ev.OldShape = oldShape.String()
	f.emit(EventZoneShapeChanged, ev)
}

func (f *StoreForwarder) OnAnchorAdded(a *zone.Anchor, ci zone.CompoundIndex) {
	f.emit(EventAnchorAdded, anchorEvent(a, ci))
}

func (f *StoreForwarder) OnAnchorRemoved(a *zone.Anchor, ci zone.CompoundIndex) {
	f.emit(EventAnchorRemoved, anchorEvent(a, ci))
}

func (f *StoreForwarder) OnAnchorIndexUpdated(a *zone.Anchor, newIndex, oldIndex zone.CompoundIndex) {
	ev := anchorEvent(a, newIndex)
	ev.OldIndex = oldIndex.String()
	f.emit(EventAnchorIndexUpdated, ev)
}

func (f *StoreForwarder) OnAnchorMoved(a *zone.Anchor, ci zone.CompoundIndex, oldPosition vec.Vec3Float) {
	ev := anchorEvent(a, ci)
	ev.OldPosition = &oldPosition
	f.emit(EventAnchorMoved, ev)
}
