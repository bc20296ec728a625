package transport

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Префикс кадра на проводе
const (
	framePlain byte = 0
	frameZstd  byte = 1
)

var ErrBadFrame = errors.New("transport: неизвестный формат кадра")

// Compressor сжимает кадры zstd начиная с заданного размера.
// Кадры меньше порога передаются как есть, с однобайтовым префиксом формата.
type Compressor struct {
	threshold    int
	compressor   *zstd.Encoder
	decompressor *zstd.Decoder
}

// NewCompressor создаёт компрессор. threshold <= 0 отключает сжатие, префикс остаётся.
func NewCompressor(threshold int) (*Compressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("не удалось создать компрессор: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("не удалось создать декомпрессор: %w", err)
	}
	return &Compressor{threshold: threshold, compressor: enc, decompressor: dec}, nil
}

// Pack добавляет префикс и при необходимости сжимает кадр
func (c *Compressor) Pack(data []byte) []byte {
	if c.threshold <= 0 || len(data) < c.threshold {
		out := make([]byte, 0, len(data)+1)
		out = append(out, framePlain)
		return append(out, data...)
	}
	out := make([]byte, 1, len(data)/2+1)
	out[0] = frameZstd
	return c.compressor.EncodeAll(data, out)
}

// Unpack снимает префикс и распаковывает кадр
func (c *Compressor) Unpack(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadFrame
	}
	switch data[0] {
	case framePlain:
		return data[1:], nil
	case frameZstd:
		out, err := c.decompressor.DecodeAll(data[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("ошибка распаковки кадра: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadFrame, data[0])
	}
}

// Close освобождает ресурсы zstd
func (c *Compressor) Close() {
	c.compressor.Close()
	c.decompressor.Close()
}
