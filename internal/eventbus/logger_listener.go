package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/annel0/zonesync/internal/logging"
)

// StartLoggingListener подписывается на события по фильтру и пишет их краткое описание
// в лог уровня DEBUG. Функция неблокирующая.
func StartLoggingListener(bus EventBus, f Filter) (Subscription, error) {
	sub, err := bus.Subscribe(context.Background(), f, func(_ context.Context, ev *Envelope) {
		logging.Debug("[EventBus] %s src=%s id=%s %s", ev.EventType, ev.Source, ev.ID, Describe(ev))
	})
	if err != nil {
		return nil, err
	}
	logging.Info("🪵 LoggingListener: подписка на события активирована")
	return sub, nil
}

// Describe возвращает однострочное описание полезной нагрузки события хранилища
func Describe(ev *Envelope) string {
	switch {
	case strings.HasPrefix(ev.EventType, "zone."):
		var z ZoneEvent
		if err := json.Unmarshal(ev.Payload, &z); err != nil {
			return fmt.Sprintf("(bad payload: %v)", err)
		}
		s := fmt.Sprintf("Zone: %s %q index=%d shape=%s", z.ZoneID, z.Name, z.Index, z.Shape)
		if z.OldIndex != nil {
			s += fmt.Sprintf(" old_index=%d", *z.OldIndex)
		}
		if z.OldShape != "" {
			s += " old_shape=" + z.OldShape
		}
		return s
	case strings.HasPrefix(ev.EventType, "anchor."):
		var a AnchorEvent
		if err := json.Unmarshal(ev.Payload, &a); err != nil {
			return fmt.Sprintf("(bad payload: %v)", err)
		}
		s := fmt.Sprintf("Anchor: %s zone=%s index=%s pos=(%.2f,%.2f,%.2f)",
			a.AnchorID, a.ZoneID, a.Index, a.Position.X, a.Position.Y, a.Position.Z)
		if a.OldIndex != "" {
			s += " old_index=" + a.OldIndex
		}
		return s
	default:
		return fmt.Sprintf("size=%dB", len(ev.Payload))
	}
}
