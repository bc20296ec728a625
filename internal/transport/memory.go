package transport

import (
	"context"
	"sync"
)

type packet struct {
	from PeerID
	data []byte
}

// Hub - транспорт в памяти процесса, соединяющий участников одной сессии. Используется в
// тестах и при запуске сервера без NATS.
type Hub struct {
	mu    sync.RWMutex
	peers map[PeerID]*MemoryPeer
}

// NewHub создаёт пустой хаб
func NewHub() *Hub {
	return &Hub{peers: make(map[PeerID]*MemoryPeer)}
}

// Join подключает участника к хабу
func (h *Hub) Join(id PeerID) (*MemoryPeer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.peers[id]; exists {
		return nil, ErrPeerExists
	}
	p := &MemoryPeer{
		hub:   h,
		id:    id,
		inbox: make(chan packet, 1024),
		done:  make(chan struct{}),
	}
	h.peers[id] = p
	return p, nil
}

// Peers возвращает подключённых участников
func (h *Hub) Peers() []PeerID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]PeerID, 0, len(h.peers))
	for id := range h.peers {
		out = append(out, id)
	}
	return out
}

func (h *Hub) peer(id PeerID) (*MemoryPeer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[id]
	return p, ok
}

func (h *Hub) leave(id PeerID) {
	h.mu.Lock()
	delete(h.peers, id)
	h.mu.Unlock()
}

// MemoryPeer - участник хаба. Кадры доставляются по порядку отдельной горутиной.
type MemoryPeer struct {
	hub   *Hub
	id    PeerID
	inbox chan packet

	listenOnce sync.Once
	closeOnce  sync.Once
	done       chan struct{}
	wg         sync.WaitGroup
}

// ID возвращает идентификатор участника
func (p *MemoryPeer) ID() PeerID { return p.id }

// Listen запускает доставку входящих кадров
func (p *MemoryPeer) Listen(h Handler) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	p.listenOnce.Do(func() {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case pkt := <-p.inbox:
					h(pkt.from, pkt.data)
				case <-p.done:
					return
				}
			}
		}()
	})
	return nil
}

// Send отправляет кадр участнику to
func (p *MemoryPeer) Send(ctx context.Context, to PeerID, data []byte) error {
	target, ok := p.hub.peer(to)
	if !ok {
		return ErrUnknownPeer
	}
	return target.enqueue(ctx, packet{from: p.id, data: append([]byte(nil), data...)})
}

// Broadcast отправляет кадр всем участникам хаба, кроме себя и except
func (p *MemoryPeer) Broadcast(ctx context.Context, except PeerID, data []byte) error {
	p.hub.mu.RLock()
	targets := make([]*MemoryPeer, 0, len(p.hub.peers))
	for id, peer := range p.hub.peers {
		if id == p.id || id == except {
			continue
		}
		targets = append(targets, peer)
	}
	p.hub.mu.RUnlock()

	for _, target := range targets {
		if err := target.enqueue(ctx, packet{from: p.id, data: append([]byte(nil), data...)}); err != nil && err != ErrClosed {
			return err
		}
	}
	return nil
}

func (p *MemoryPeer) enqueue(ctx context.Context, pkt packet) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.inbox <- pkt:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close отключает участника от хаба и останавливает доставку
func (p *MemoryPeer) Close() error {
	p.closeOnce.Do(func() {
		p.hub.leave(p.id)
		close(p.done)
	})
	p.wg.Wait()
	return nil
}
