// Package levelfile загружает зоны уровня из YAML для начального заполнения хранилища.
package levelfile

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/annel0/zonesync/internal/vec"
	"github.com/annel0/zonesync/internal/zone"
	"gopkg.in/yaml.v3"
)

var ErrInvalidRecord = errors.New("levelfile: некорректная запись зоны")

// File - содержимое файла уровня
type File struct {
	Zones []Record `yaml:"zones"`
}

// Record - сохранённая зона. Геометрия зависит от формы: радиус и высоты для цилиндра и сферы,
// размер для параллелепипеда, точки для многоугольника.
type Record struct {
	Name      string      `yaml:"name"`
	ShortName *string     `yaml:"short_name"`
	Creator   uint64      `yaml:"creator"`
	Shape     string      `yaml:"shape"`
	Center    []float64   `yaml:"center"`
	Spawn     []float64   `yaml:"spawn"`
	Height    float64     `yaml:"height"`
	Radius    float64     `yaml:"radius"`
	MinHeight *float64    `yaml:"min_height"`
	MaxHeight *float64    `yaml:"max_height"`
	Size      []float64   `yaml:"size"`
	Points    [][]float64 `yaml:"points"`
}

// Load читает файл уровня
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть файл уровня: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode разбирает файл уровня из r
func Decode(r io.Reader) (*File, error) {
	var file File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("ошибка разбора файла уровня: %w", err)
	}
	return &file, nil
}

// Zone строит зону вне хранилища и якоря многоугольника в порядке точек
func (r Record) Zone() (*zone.Zone, []*zone.Anchor, error) {
	if r.Name == "" {
		return nil, nil, fmt.Errorf("%w: пустое имя", ErrInvalidRecord)
	}
	shape, err := zone.ParseShape(r.Shape)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: зона %q: %v", ErrInvalidRecord, r.Name, err)
	}
	for _, v := range [][]float64{r.Center, r.Spawn, r.Size} {
		if len(v) != 0 && len(v) != 3 {
			return nil, nil, fmt.Errorf("%w: зона %q: вектор из %d компонент", ErrInvalidRecord, r.Name, len(v))
		}
	}

	z := zone.NewZone(r.Name, shape, zone.UserID(r.Creator))
	z.ShortName = r.ShortName
	z.Center = vec.FromSlice(r.Center)
	z.Spawn = vec.FromSlice(r.Spawn)
	z.Height = r.Height

	// Пара высот задаёт основание и высоту зоны
	if r.MinHeight != nil && r.MaxHeight != nil {
		if *r.MaxHeight < *r.MinHeight {
			return nil, nil, fmt.Errorf("%w: зона %q: max_height меньше min_height", ErrInvalidRecord, r.Name)
		}
		z.Center.Y = *r.MinHeight
		z.Height = *r.MaxHeight - *r.MinHeight
	}

	switch shape {
	case zone.ShapeCylinder, zone.ShapeSphere:
		if r.Radius <= 0 {
			return nil, nil, fmt.Errorf("%w: зона %q: радиус должен быть положительным", ErrInvalidRecord, r.Name)
		}
		z.Radius = r.Radius
	case zone.ShapeAABB:
		z.Size = vec.FromSlice(r.Size)
	}

	if len(r.Points) > 0 && shape != zone.ShapePolygon {
		return nil, nil, fmt.Errorf("%w: зона %q: точки допустимы только для многоугольника", ErrInvalidRecord, r.Name)
	}
	anchors := make([]*zone.Anchor, 0, len(r.Points))
	for i, p := range r.Points {
		if len(p) != 3 {
			return nil, nil, fmt.Errorf("%w: зона %q: точка %d из %d компонент", ErrInvalidRecord, r.Name, i, len(p))
		}
		anchors = append(anchors, zone.NewAnchor(vec.FromSlice(p)))
	}
	return z, anchors, nil
}

// Populate добавляет зоны в хранилище по порядку записей. На первой ошибке останавливается:
// записи после неё не добавляются. Вызывается из горутины-владельца хранилища.
func Populate(store *zone.Store, records []Record) (int, error) {
	added := 0
	for i, r := range records {
		z, anchors, err := r.Zone()
		if err != nil {
			return added, fmt.Errorf("запись %d: %w", i, err)
		}
		if _, err := store.AddZone(z); err != nil {
			return added, fmt.Errorf("запись %d: %w", i, err)
		}
		for _, a := range anchors {
			if _, err := store.AddAnchor(z, a); err != nil {
				return added, fmt.Errorf("запись %d: %w", i, err)
			}
		}
		added++
	}
	return added, nil
}
