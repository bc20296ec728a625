package zone

import (
	"fmt"
	"strings"

	"github.com/annel0/zonesync/internal/netid"
	"github.com/annel0/zonesync/internal/vec"
)

const (
	// MaxAnchors - предельное число якорей в одной зоне
	MaxAnchors = 255
	// MaxZones - предельное число зон в хранилище
	MaxZones = 65535
)

// UserID - непрозрачный идентификатор пользователя-создателя
type UserID uint64

// Shape определяет форму границы зоны
type Shape uint8

const (
	ShapeCylinder Shape = iota // Круг с высотой
	ShapeSphere                // Сфера
	ShapeAABB                  // Выровненный по осям параллелепипед
	ShapePolygon               // Многоугольник по якорям с высотой
)

// String возвращает имя формы
func (s Shape) String() string {
	switch s {
	case ShapeCylinder:
		return "cylinder"
	case ShapeSphere:
		return "sphere"
	case ShapeAABB:
		return "aabb"
	case ShapePolygon:
		return "polygon"
	default:
		return fmt.Sprintf("shape(%d)", uint8(s))
	}
}

// Valid сообщает, что значение входит в перечисление
func (s Shape) Valid() bool {
	return s <= ShapePolygon
}

// ParseShape разбирает имя формы без учёта регистра
func ParseShape(name string) (Shape, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "cylinder", "circle":
		return ShapeCylinder, nil
	case "sphere":
		return ShapeSphere, nil
	case "aabb", "box", "cuboid":
		return ShapeAABB, nil
	case "polygon", "poly", "npoly":
		return ShapePolygon, nil
	default:
		return 0, fmt.Errorf("%w: неизвестная форма %q", ErrInvalidZone, name)
	}
}

// Zone - именованная область уровня, владеющая упорядоченным списком якорей
type Zone struct {
	Name      string
	ShortName *string
	Creator   UserID
	Shape     Shape
	Center    vec.Vec3Float
	Spawn     vec.Vec3Float
	Height    float64
	Radius    float64       // Для цилиндра и сферы
	Size      vec.Vec3Float // Для AABB
	NetID     netid.ID

	anchors []*Anchor
	index   int
	store   *Store
}

// NewZone создаёт зону вне хранилища
func NewZone(name string, shape Shape, creator UserID) *Zone {
	return &Zone{
		Name:    name,
		Shape:   shape,
		Creator: creator,
		index:   -1,
	}
}

// Index возвращает текущую позицию зоны в хранилище или -1
func (z *Zone) Index() int {
	if z.store == nil {
		return -1
	}
	return z.index
}

// Attached сообщает, что зона находится в хранилище
func (z *Zone) Attached() bool { return z.store != nil }

// AnchorCount возвращает число якорей
func (z *Zone) AnchorCount() int { return len(z.anchors) }

// Anchor возвращает якорь по позиции
func (z *Zone) Anchor(i int) (*Anchor, bool) {
	if i < 0 || i >= len(z.anchors) {
		return nil, false
	}
	return z.anchors[i], true
}

// Anchors возвращает копию списка якорей в текущем порядке
func (z *Zone) Anchors() []*Anchor {
	out := make([]*Anchor, len(z.anchors))
	copy(out, z.anchors)
	return out
}

// DisplayName возвращает короткое имя, если оно задано
func (z *Zone) DisplayName() string {
	if z.ShortName != nil && *z.ShortName != "" {
		return *z.ShortName
	}
	return z.Name
}

// Anchor - точка границы зоны (например, вершина многоугольника)
type Anchor struct {
	Position vec.Vec3Float
	NetID    netid.ID

	index int
	zone  *Zone
}

// NewAnchor создаёт якорь вне зоны
func NewAnchor(position vec.Vec3Float) *Anchor {
	return &Anchor{Position: position, index: -1}
}

// Index возвращает позицию якоря в списке зоны или -1
func (a *Anchor) Index() int {
	if a.zone == nil {
		return -1
	}
	return a.index
}

// Zone возвращает зону-владельца или nil
func (a *Anchor) Zone() *Zone { return a.zone }

// CompoundIndex возвращает адрес якоря; ok == false, если якорь или его зона не в хранилище
func (a *Anchor) CompoundIndex() (CompoundIndex, bool) {
	if a.zone == nil || a.zone.store == nil {
		return 0, false
	}
	ci, err := NewCompoundIndex(a.zone.index, a.index)
	if err != nil {
		return 0, false
	}
	return ci, true
}
