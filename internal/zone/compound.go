package zone

import "fmt"

const (
	anchorBits = 16
	anchorMask = (1 << anchorBits) - 1

	// MaxComponent - наибольшее значение каждой половины составного индекса
	MaxComponent = anchorMask
)

// CompoundIndex упаковывает (индекс зоны, индекс якоря) в одно 32-битное значение.
//
// Формат: [zone:16][anchor:16]. Зона в старших битах, поэтому числовой порядок
// совпадает с порядком "сначала зона, затем якорь". Индекс адресует позицию, а не
// сущность, и устаревает после любой структурной мутации.
type CompoundIndex uint32

// NewCompoundIndex собирает индекс, отвергая компоненты вне [0, 65535]
func NewCompoundIndex(zoneIndex, anchorIndex int) (CompoundIndex, error) {
	if zoneIndex < 0 || zoneIndex > MaxComponent {
		return 0, fmt.Errorf("%w: индекс зоны %d вне [0, %d]", ErrInvalidIndex, zoneIndex, MaxComponent)
	}
	if anchorIndex < 0 || anchorIndex > MaxComponent {
		return 0, fmt.Errorf("%w: индекс якоря %d вне [0, %d]", ErrInvalidIndex, anchorIndex, MaxComponent)
	}
	return CompoundIndex(uint32(zoneIndex)<<anchorBits | uint32(anchorIndex)), nil
}

// MustCompoundIndex как NewCompoundIndex, но паникует на неверных компонентах
func MustCompoundIndex(zoneIndex, anchorIndex int) CompoundIndex {
	ci, err := NewCompoundIndex(zoneIndex, anchorIndex)
	if err != nil {
		panic(err)
	}
	return ci
}

// Zone возвращает индекс зоны
func (c CompoundIndex) Zone() int {
	return int(uint32(c) >> anchorBits)
}

// Anchor возвращает индекс якоря внутри зоны
func (c CompoundIndex) Anchor() int {
	return int(uint32(c) & anchorMask)
}

// Unpack возвращает обе компоненты
func (c CompoundIndex) Unpack() (zoneIndex, anchorIndex int) {
	return c.Zone(), c.Anchor()
}

// Less сравнивает индексы в порядке "зона, затем якорь"
func (c CompoundIndex) Less(other CompoundIndex) bool {
	return c < other
}

func (c CompoundIndex) String() string {
	return fmt.Sprintf("%d:%d", c.Zone(), c.Anchor())
}
