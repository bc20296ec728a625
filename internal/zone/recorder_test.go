package zone

import (
	"fmt"

	"github.com/annel0/zonesync/internal/vec"
)

// recorder записывает уведомления в читаемом виде
type recorder struct {
	events []string
}

func (r *recorder) add(format string, args ...interface{}) {
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) OnZoneAdded(z *Zone, index int)   { r.add("zone+ %s@%d", z.Name, index) }
func (r *recorder) OnZoneRemoved(z *Zone, index int) { r.add("zone- %s@%d", z.Name, index) }
func (r *recorder) OnZoneIndexUpdated(z *Zone, newIndex, oldIndex int) {
	r.add("zone~ %s %d->%d", z.Name, oldIndex, newIndex)
}
func (r *recorder) OnZoneShapeChanged(z *Zone, old Shape) {
	r.add("shape %s %s->%s", z.Name, old, z.Shape)
}
func (r *recorder) OnAnchorAdded(a *Anchor, ci CompoundIndex)   { r.add("anchor+ %s", ci) }
func (r *recorder) OnAnchorRemoved(a *Anchor, ci CompoundIndex) { r.add("anchor- %s", ci) }
func (r *recorder) OnAnchorIndexUpdated(a *Anchor, newIndex, oldIndex CompoundIndex) {
	r.add("anchor~ %s->%s", oldIndex, newIndex)
}
func (r *recorder) OnAnchorMoved(a *Anchor, ci CompoundIndex, old vec.Vec3Float) {
	r.add("move %s", ci)
}

func (r *recorder) reset() { r.events = nil }
