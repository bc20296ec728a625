package zone

import "errors"

// Ошибки валидации. Возвращаются синхронно, мутация при этом не выполняется.
var (
	ErrInvalidIndex = errors.New("zone: индекс вне диапазона")
	ErrDuplicate    = errors.New("zone: сущность уже добавлена")
	ErrCapacity     = errors.New("zone: превышен лимит")
	ErrZoneNotFound = errors.New("zone: зона не найдена")
	ErrInvalidZone  = errors.New("zone: некорректная зона")
	ErrForeign      = errors.New("zone: якорь принадлежит другой зоне")
)
