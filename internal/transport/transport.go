// Package transport доставляет кадры репликации между участниками сессии.
//
// Доставка асинхронная: обработчик вызывается из горутины транспорта, поэтому получатель
// обязан переложить кадр в свой поток-владелец.
package transport

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrClosed      = errors.New("transport: транспорт закрыт")
	ErrUnknownPeer = errors.New("transport: неизвестный участник")
	ErrPeerExists  = errors.New("transport: участник с таким идентификатором уже подключён")
)

// PeerID - идентификатор участника сессии
type PeerID string

// NewPeerID генерирует случайный идентификатор участника
func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

// Handler получает кадр и идентификатор отправителя
type Handler func(from PeerID, data []byte)

// Transport - канал участника к остальным участникам сессии
type Transport interface {
	// ID возвращает идентификатор этого участника
	ID() PeerID
	// Listen начинает доставку входящих кадров в h
	Listen(h Handler) error
	// Send отправляет кадр одному участнику
	Send(ctx context.Context, to PeerID, data []byte) error
	// Broadcast отправляет кадр всем, кроме отправителя и except (пустой except - никого не исключать)
	Broadcast(ctx context.Context, except PeerID, data []byte) error
	Close() error
}
