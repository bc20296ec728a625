package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/zonesync/internal/logging"
	"github.com/xtaci/kcp-go/v5"
)

// maxKCPFrame ограничивает размер одного кадра на приёме
const maxKCPFrame = 16 << 20

var ErrFrameTooLarge = errors.New("transport: кадр превышает допустимый размер")

// KCPConfig содержит настройки KCP-транспорта
type KCPConfig struct {
	// Addr - адрес прослушивания сервера или адрес сервера для реплики
	Addr string
	// HandshakeTimeout ограничивает обмен приветствиями
	HandshakeTimeout time.Duration
	// Compressor - необязательное сжатие кадров; все участники должны использовать одну настройку
	Compressor *Compressor
}

func (c *KCPConfig) normalize() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
}

// KCP - транспорт поверх надёжного UDP со звёздной топологией: сервер слушает адрес,
// реплики подключаются к нему. Broadcast доставляет кадр всем непосредственно подключённым
// участникам, так что рассылки сервера доходят до всех реплик.
//
// Формат потока: кадр = длина (uint32 LE) + данные. Первый кадр каждой стороны содержит её PeerID.
type KCP struct {
	id       PeerID
	config   KCPConfig
	listener *kcp.Listener
	log      *logging.Logger

	mu      sync.RWMutex
	conns   map[PeerID]*kcpConn
	handler Handler

	closed atomic.Bool
	wg     sync.WaitGroup

	sent     int64
	received int64
}

type kcpConn struct {
	peer PeerID
	sess *kcp.UDPSession
	wmu  sync.Mutex
}

// ListenKCP запускает KCP-транспорт сервера на config.Addr
func ListenKCP(config KCPConfig, id PeerID) (*KCP, error) {
	config.normalize()
	listener, err := kcp.ListenWithOptions(config.Addr, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", config.Addr, err)
	}

	t := newKCP(config, id)
	t.listener = listener
	t.wg.Add(1)
	go t.acceptLoop()

	t.log.Info("🚀 KCP-транспорт участника %s слушает %s", id, listener.Addr())
	return t, nil
}

// DialKCP подключает участника id к серверу по config.Addr
func DialKCP(config KCPConfig, id PeerID) (*KCP, error) {
	config.normalize()
	sess, err := kcp.DialWithOptions(config.Addr, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", config.Addr, err)
	}
	tune(sess)

	t := newKCP(config, id)
	if err := writeFrame(sess, []byte(id)); err != nil {
		sess.Close()
		return nil, fmt.Errorf("ошибка приветствия KCP: %w", err)
	}
	remote, err := t.readHello(sess)
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("сервер %s не ответил на приветствие: %w", config.Addr, err)
	}
	if err := t.register(remote, sess); err != nil {
		sess.Close()
		return nil, err
	}

	t.log.Info("KCP-транспорт участника %s подключён к %s (%s)", id, remote, config.Addr)
	return t, nil
}

func newKCP(config KCPConfig, id PeerID) *KCP {
	return &KCP{
		id:     id,
		config: config,
		log:    logging.GetTransportLogger(),
		conns:  make(map[PeerID]*kcpConn),
	}
}

// tune настраивает KCP для интерактивного трафика
func tune(sess *kcp.UDPSession) {
	sess.SetStreamMode(true)
	sess.SetWriteDelay(false)
	sess.SetNoDelay(1, 20, 2, 1)
	sess.SetWindowSize(512, 512)
	sess.SetMtu(1400)
}

// Addr возвращает адрес прослушивания сервера или nil для реплики
func (t *KCP) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// ID возвращает идентификатор участника
func (t *KCP) ID() PeerID { return t.id }

// Peers возвращает непосредственно подключённых участников
func (t *KCP) Peers() []PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerID, 0, len(t.conns))
	for id := range t.conns {
		out = append(out, id)
	}
	return out
}

// Listen начинает доставку кадров. Кадры, пришедшие раньше, отбрасываются.
func (t *KCP) Listen(h Handler) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
	return nil
}

// Send отправляет кадр подключённому участнику
func (t *KCP) Send(ctx context.Context, to PeerID, data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.mu.RLock()
	c, ok := t.conns[to]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	return t.write(ctx, c, data)
}

// Broadcast отправляет кадр всем подключённым участникам, кроме except
func (t *KCP) Broadcast(ctx context.Context, except PeerID, data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.mu.RLock()
	targets := make([]*kcpConn, 0, len(t.conns))
	for id, c := range t.conns {
		if id != except {
			targets = append(targets, c)
		}
	}
	t.mu.RUnlock()

	var errs []error
	for _, c := range targets {
		if err := t.write(ctx, c, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.peer, err))
		}
	}
	return errors.Join(errs...)
}

func (t *KCP) write(ctx context.Context, c *kcpConn, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.config.Compressor != nil {
		data = t.config.Compressor.Pack(data)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.sess.SetWriteDeadline(deadline)
		defer c.sess.SetWriteDeadline(time.Time{})
	}
	if err := writeFrame(c.sess, data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	atomic.AddInt64(&t.sent, 1)
	return nil
}

// Stats возвращает счётчики транспорта
func (t *KCP) Stats() map[string]interface{} {
	t.mu.RLock()
	peers := len(t.conns)
	t.mu.RUnlock()
	return map[string]interface{}{
		"peers":    peers,
		"sent":     atomic.LoadInt64(&t.sent),
		"received": atomic.LoadInt64(&t.received),
	}
}

// Close закрывает все соединения и ждёт завершения горутин чтения
func (t *KCP) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	t.mu.Lock()
	for id, c := range t.conns {
		c.sess.Close()
		delete(t.conns, id)
	}
	t.mu.Unlock()

	t.wg.Wait()
	if t.config.Compressor != nil {
		t.config.Compressor.Close()
	}
	t.log.Info("🛑 KCP-транспорт участника %s закрыт", t.id)
	return err
}

// acceptLoop принимает входящие соединения реплик
func (t *KCP) acceptLoop() {
	defer t.wg.Done()
	for {
		sess, err := t.listener.AcceptKCP()
		if err != nil {
			if t.closed.Load() {
				return
			}
			t.log.Error("Failed to accept connection: %v", err)
			continue
		}
		t.wg.Add(1)
		go t.handshake(sess)
	}
}

// handshake принимает приветствие реплики и отвечает своим
func (t *KCP) handshake(sess *kcp.UDPSession) {
	defer t.wg.Done()
	tune(sess)

	remote, err := t.readHello(sess)
	if err != nil {
		t.log.Warn("Соединение %s отклонено: %v", sess.RemoteAddr(), err)
		sess.Close()
		return
	}
	if err := writeFrame(sess, []byte(t.id)); err != nil {
		t.log.Warn("Не удалось ответить %s: %v", remote, err)
		sess.Close()
		return
	}
	if err := t.register(remote, sess); err != nil {
		t.log.Warn("Соединение %s отклонено: %v", remote, err)
		sess.Close()
	}
}

func (t *KCP) readHello(sess *kcp.UDPSession) (PeerID, error) {
	_ = sess.SetReadDeadline(time.Now().Add(t.config.HandshakeTimeout))
	defer sess.SetReadDeadline(time.Time{})

	hello, err := readFrame(sess)
	if err != nil {
		return "", err
	}
	if len(hello) == 0 {
		return "", errors.New("пустой идентификатор участника")
	}
	return PeerID(hello), nil
}

// register добавляет соединение и запускает чтение
func (t *KCP) register(remote PeerID, sess *kcp.UDPSession) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return ErrClosed
	}
	if _, exists := t.conns[remote]; exists || remote == t.id {
		return fmt.Errorf("%w: %s", ErrPeerExists, remote)
	}
	c := &kcpConn{peer: remote, sess: sess}
	t.conns[remote] = c
	t.wg.Add(1)
	go t.readLoop(c)
	t.log.Debug("Участник %s подключён по KCP (%s)", remote, sess.RemoteAddr())
	return nil
}

// readLoop доставляет кадры одного соединения по порядку
func (t *KCP) readLoop(c *kcpConn) {
	defer t.wg.Done()
	defer t.drop(c)

	for {
		data, err := readFrame(c.sess)
		if err != nil {
			if !t.closed.Load() {
				t.log.Info("Участник %s отключён: %v", c.peer, err)
			}
			return
		}
		if t.config.Compressor != nil {
			if data, err = t.config.Compressor.Unpack(data); err != nil {
				t.log.Warn("Отброшен кадр от %s: %v", c.peer, err)
				continue
			}
		}
		atomic.AddInt64(&t.received, 1)

		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h == nil {
			t.log.Debug("Кадр от %s отброшен: приём не начат", c.peer)
			continue
		}
		h(c.peer, data)
	}
}

func (t *KCP) drop(c *kcpConn) {
	t.mu.Lock()
	if cur, ok := t.conns[c.peer]; ok && cur == c {
		delete(t.conns, c.peer)
	}
	t.mu.Unlock()
	c.sess.Close()
}

func writeFrame(w io.Writer, data []byte) error {
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(header[:])
	if n > maxKCPFrame {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
