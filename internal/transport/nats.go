package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/zonesync/internal/logging"
	"github.com/nats-io/nats.go"
)

// Заголовки кадра NATS
const (
	headerFrom   = "Zonesync-From"
	headerExcept = "Zonesync-Except"
)

// NATSConfig содержит настройки NATS-транспорта
type NATSConfig struct {
	URL           string
	Prefix        string
	MaxReconnects int
	ReconnectWait time.Duration
	// Compressor - необязательное сжатие кадров; все участники должны использовать одну настройку
	Compressor *Compressor
}

func (c *NATSConfig) normalize() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Prefix == "" {
		c.Prefix = "zonesync"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 10
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
}

// NATS - транспорт поверх NATS Pub/Sub.
//
// Каждый участник слушает личный субъект <prefix>.peer.<id> и общий <prefix>.all.
// Отправитель и исключённый участник передаются заголовками и отфильтровываются на приёме.
type NATS struct {
	conn   *nats.Conn
	config NATSConfig
	id     PeerID
	log    *logging.Logger

	mu   sync.Mutex
	subs []*nats.Subscription

	closed   atomic.Bool
	sent     int64
	received int64
	errors   int64
}

// DialNATS подключается к NATS от имени участника id
func DialNATS(config NATSConfig, id PeerID) (*NATS, error) {
	config.normalize()
	log := logging.GetTransportLogger()

	opts := []nats.Option{
		nats.Name(fmt.Sprintf("%s-%s", config.Prefix, id)),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS отключён: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS переподключён к %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("Соединение NATS закрыто")
		}),
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к NATS: %w", err)
	}

	log.Info("NATS-транспорт участника %s подключён к %s (префикс %s)", id, config.URL, config.Prefix)
	return &NATS{conn: conn, config: config, id: id, log: log}, nil
}

// ID возвращает идентификатор участника
func (n *NATS) ID() PeerID { return n.id }

// Conn возвращает соединение NATS для совместного использования (например, шиной событий)
func (n *NATS) Conn() *nats.Conn { return n.conn }

// Listen подписывается на личный и общий субъекты
func (n *NATS) Listen(h Handler) error {
	if n.closed.Load() {
		return ErrClosed
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.subs) > 0 {
		return fmt.Errorf("transport: участник %s уже слушает", n.id)
	}

	receive := func(msg *nats.Msg) { n.receive(msg, h) }
	for _, subject := range []string{peerSubject(n.config.Prefix, n.id), broadcastSubject(n.config.Prefix)} {
		sub, err := n.conn.Subscribe(subject, receive)
		if err != nil {
			n.unsubscribeLocked()
			return fmt.Errorf("не удалось подписаться на %s: %w", subject, err)
		}
		n.subs = append(n.subs, sub)
	}
	n.log.Debug("Участник %s слушает %s", n.id, broadcastSubject(n.config.Prefix))
	return nil
}

// Send публикует кадр в личный субъект участника to
func (n *NATS) Send(ctx context.Context, to PeerID, data []byte) error {
	return n.publish(ctx, peerSubject(n.config.Prefix, to), "", data)
}

// Broadcast публикует кадр в общий субъект
func (n *NATS) Broadcast(ctx context.Context, except PeerID, data []byte) error {
	return n.publish(ctx, broadcastSubject(n.config.Prefix), except, data)
}

func (n *NATS) publish(ctx context.Context, subject string, except PeerID, data []byte) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := nats.NewMsg(subject)
	msg.Header.Set(headerFrom, string(n.id))
	if except != "" {
		msg.Header.Set(headerExcept, string(except))
	}
	msg.Data = data
	if n.config.Compressor != nil {
		msg.Data = n.config.Compressor.Pack(data)
	}

	if err := n.conn.PublishMsg(msg); err != nil {
		atomic.AddInt64(&n.errors, 1)
		return fmt.Errorf("не удалось опубликовать кадр в %s: %w", subject, err)
	}
	atomic.AddInt64(&n.sent, 1)
	return nil
}

func (n *NATS) receive(msg *nats.Msg, h Handler) {
	if !accept(n.id, msg.Header) {
		return
	}
	data := msg.Data
	if n.config.Compressor != nil {
		var err error
		data, err = n.config.Compressor.Unpack(msg.Data)
		if err != nil {
			atomic.AddInt64(&n.errors, 1)
			n.log.Warn("Отброшен кадр от %s: %v", msg.Header.Get(headerFrom), err)
			return
		}
	}
	atomic.AddInt64(&n.received, 1)
	h(PeerID(msg.Header.Get(headerFrom)), data)
}

// accept отбрасывает собственные кадры и кадры, из рассылки которых участник исключён
func accept(self PeerID, header nats.Header) bool {
	from := PeerID(header.Get(headerFrom))
	if from == "" || from == self {
		return false
	}
	return PeerID(header.Get(headerExcept)) != self
}

// Stats возвращает счётчики транспорта
func (n *NATS) Stats() map[string]interface{} {
	return map[string]interface{}{
		"sent":      atomic.LoadInt64(&n.sent),
		"received":  atomic.LoadInt64(&n.received),
		"errors":    atomic.LoadInt64(&n.errors),
		"connected": n.conn.IsConnected(),
	}
}

// Close отписывается и закрывает соединение
func (n *NATS) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.mu.Lock()
	n.unsubscribeLocked()
	n.mu.Unlock()

	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
	if n.config.Compressor != nil {
		n.config.Compressor.Close()
	}
	return nil
}

func (n *NATS) unsubscribeLocked() {
	for _, sub := range n.subs {
		if err := sub.Unsubscribe(); err != nil {
			n.log.Warn("Ошибка отписки от %s: %v", sub.Subject, err)
		}
	}
	n.subs = nil
}

func peerSubject(prefix string, id PeerID) string {
	return fmt.Sprintf("%s.peer.%s", prefix, id)
}

func broadcastSubject(prefix string) string {
	return prefix + ".all"
}
