// Package replication связывает хранилище зон участника с остальными участниками сессии:
// сервер (authority) проверяет и применяет запросы и выделяет идентификаторы, реплики
// отправляют запросы и применяют подтверждённые изменения.
package replication

import (
	"context"
	"fmt"

	"github.com/annel0/zonesync/internal/logging"
	"github.com/annel0/zonesync/internal/netdb"
	"github.com/annel0/zonesync/internal/netid"
	"github.com/annel0/zonesync/internal/owner"
	"github.com/annel0/zonesync/internal/protocol"
	"github.com/annel0/zonesync/internal/transport"
	"github.com/annel0/zonesync/internal/vec"
	"github.com/annel0/zonesync/internal/zone"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config настраивает сессию участника
type Config struct {
	// Role - "authority" или "replica"
	Role string
	// UserID - пользователь, от имени которого участник отправляет запросы
	UserID zone.UserID
	// Authority - участник-сервер; обязателен для реплики
	Authority transport.PeerID
	// Peers закрепляет пользователей за участниками транспорта. Сервер определяет
	// автора запроса по участнику-отправителю; незакреплённый участник - гость (0).
	Peers  map[transport.PeerID]zone.UserID
	Limits zone.Limits
	// Permissions - права на изменения; nil разрешает всё
	Permissions Permissions
	// Registerer - регистр Prometheus; nil отключает метрики
	Registerer prometheus.Registerer
}

// ZoneCallback получает созданную зону или ошибку
type ZoneCallback func(*zone.Zone, error)

// AnchorCallback получает добавленный якорь или ошибку
type AnchorCallback func(*zone.Anchor, error)

// DoneCallback получает результат запроса без объекта
type DoneCallback func(error)

type pendingRequest struct {
	kind     protocol.MsgType
	onZone   ZoneCallback
	onAnchor AnchorCallback
	onDone   DoneCallback
}

func (p pendingRequest) fail(err error) {
	switch {
	case p.onZone != nil:
		p.onZone(nil, err)
	case p.onAnchor != nil:
		p.onAnchor(nil, err)
	case p.onDone != nil:
		p.onDone(err)
	}
}

// Session - участник сессии редактирования. Все методы, кроме Start и Close,
// вызываются из горутины-владельца (через Loop.Do или Loop.Post).
type Session struct {
	loop      *owner.Loop
	transport transport.Transport
	registry  *netid.Registry
	store     *zone.Store
	db        *netdb.Database
	role      Role
	cfg       Config
	perms     Permissions
	metrics   *Metrics
	tracer    trace.Tracer
	log       *logging.Logger

	nextRequest uint32
	pending     map[uint32]pendingRequest
	closed      bool
}

// NewSession собирает участника: реестр, хранилище и базу идентификаторов, владеемые loop
func NewSession(loop *owner.Loop, tr transport.Transport, cfg Config) (*Session, error) {
	role, err := NewRole(cfg.Role)
	if err != nil {
		return nil, err
	}
	if role.Name() == RoleReplica && cfg.Authority == "" {
		return nil, ErrNoAuthority
	}
	perms := cfg.Permissions
	if perms == nil {
		perms = AllowAll{}
	}

	registry := netid.NewRegistry(loop)
	store := zone.NewStore(loop, cfg.Limits)
	db := netdb.New(store, registry, netdb.Options{ClaimOnAdd: role.claimsIdentifiers(), Owner: loop})

	return &Session{
		loop:      loop,
		transport: tr,
		registry:  registry,
		store:     store,
		db:        db,
		role:      role,
		cfg:       cfg,
		perms:     perms,
		metrics:   NewMetrics(cfg.Registerer),
		tracer:    otel.Tracer("github.com/annel0/zonesync/internal/replication"),
		log:       logging.GetReplicationLogger(),
		pending:   make(map[uint32]pendingRequest),
	}, nil
}

// Start включает базу идентификаторов и начинает приём кадров
func (s *Session) Start(ctx context.Context) error {
	var zones int
	if err := s.loop.Do(ctx, func() {
		s.db.Enable()
		zones = s.store.ZoneCount()
	}); err != nil {
		return fmt.Errorf("не удалось включить репликацию: %w", err)
	}
	if err := s.transport.Listen(s.receive); err != nil {
		return fmt.Errorf("не удалось начать приём кадров: %w", err)
	}
	s.log.Info("Участник %s запущен в роли %s (зон %d)", s.transport.ID(), s.role.Name(), zones)
	return nil
}

// Close завершает ожидающие запросы с ErrClosed, выключает базу и закрывает транспорт
func (s *Session) Close(ctx context.Context) error {
	err := s.loop.Do(ctx, func() {
		if s.closed {
			return
		}
		s.closed = true
		pending := s.pending
		s.pending = make(map[uint32]pendingRequest)
		for _, p := range pending {
			p.fail(ErrClosed)
		}
		s.db.Disable()
	})
	if cerr := s.transport.Close(); err == nil {
		err = cerr
	}
	return err
}

// ID возвращает идентификатор участника
func (s *Session) ID() transport.PeerID { return s.transport.ID() }

// Role возвращает роль участника
func (s *Session) Role() Role { return s.role }

// Loop возвращает поток-владелец
func (s *Session) Loop() *owner.Loop { return s.loop }

// Store возвращает хранилище зон
func (s *Session) Store() *zone.Store { return s.store }

// Database возвращает базу сетевых идентификаторов
func (s *Session) Database() *netdb.Database { return s.db }

// Registry возвращает реестр идентификаторов
func (s *Session) Registry() *netid.Registry { return s.registry }

// InstantiateZone создаёт зону. На сервере зона создаётся сразу, на реплике - после
// подтверждения сервера. cb вызывается в горутине-владельце.
func (s *Session) InstantiateZone(ctx context.Context, fields protocol.ZoneFields, cb ZoneCallback) {
	s.loop.MustOwn()
	if s.closed {
		if cb != nil {
			cb(nil, ErrClosed)
		}
		return
	}
	s.role.instantiateZone(ctx, s, fields, cb)
}

// InstantiateAnchor вставляет якорь в зону после after (nil - в конец)
func (s *Session) InstantiateAnchor(ctx context.Context, z *zone.Zone, point vec.Vec3Float, after *zone.Anchor, cb AnchorCallback) {
	s.loop.MustOwn()
	if s.closed {
		if cb != nil {
			cb(nil, ErrClosed)
		}
		return
	}
	afterID := netid.Null
	if after != nil {
		if after.NetID == netid.Null {
			if cb != nil {
				cb(nil, fmt.Errorf("%w: якорь %d", ErrNotReplicated, after.Index()))
			}
			return
		}
		afterID = after.NetID
	}
	if z == nil || z.NetID == netid.Null {
		if cb != nil {
			cb(nil, fmt.Errorf("%w: зона", ErrNotReplicated))
		}
		return
	}
	s.role.instantiateAnchor(ctx, s, z.NetID, afterID, point, cb)
}

// MoveAnchor меняет положение якоря локально и передаёт изменение остальным
func (s *Session) MoveAnchor(ctx context.Context, a *zone.Anchor, position vec.Vec3Float, cb DoneCallback) error {
	s.loop.MustOwn()
	if s.closed {
		return ErrClosed
	}
	if a == nil || a.NetID == netid.Null {
		return ErrNotReplicated
	}
	ci, ok := a.CompoundIndex()
	if !ok {
		return fmt.Errorf("%w: якорь не в зоне", ErrNotFound)
	}
	if err := s.store.MoveAnchor(ci, position); err != nil {
		return err
	}
	s.role.moveAnchor(ctx, s, &protocol.MoveAnchor{AnchorID: a.NetID, Position: position}, cb)
	return nil
}

// receive декодирует кадр в горутине транспорта и передаёт его владельцу
func (s *Session) receive(from transport.PeerID, data []byte) {
	f, msg, err := protocol.Unmarshal(data)
	if err != nil {
		s.metrics.malformedFrame()
		s.log.Warn("Отброшен кадр от %s: %v", from, err)
		return
	}
	if !s.loop.Post(func() { s.dispatch(from, f, msg) }) {
		s.log.Debug("Кадр %s от %s отброшен: цикл остановлен", f.Type, from)
	}
}

func (s *Session) dispatch(from transport.PeerID, f protocol.Frame, msg protocol.Message) {
	if s.closed {
		return
	}
	ctx, span := s.tracer.Start(context.Background(), "replication."+f.Type.String(),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("zonesync.peer", string(from)),
			attribute.String("zonesync.role", s.role.Name()),
			attribute.Int64("zonesync.request_id", int64(f.RequestID)),
		))
	defer span.End()

	s.metrics.frame(f.Type)
	s.log.Trace("Кадр %s #%d от %s", f.Type, f.RequestID, from)
	s.role.handle(ctx, s, from, f, msg)
}

// userOf возвращает пользователя, закреплённого за участником. Поле Sender кадра
// заполняет сам отправитель, поэтому оно не используется для прав и авторства.
func (s *Session) userOf(from transport.PeerID) zone.UserID {
	if from == s.transport.ID() {
		return s.cfg.UserID
	}
	return s.cfg.Peers[from]
}

// authorize проверяет права пользователя, закреплённого за отправителем
func (s *Session) authorize(from transport.PeerID) (zone.UserID, error) {
	user := s.userOf(from)
	if !s.perms.CanEdit(user) {
		return user, noPermission(user)
	}
	return user, nil
}

func (s *Session) send(ctx context.Context, to transport.PeerID, requestID uint32, msg protocol.Message) error {
	err := s.transport.Send(ctx, to, protocol.Marshal(requestID, uint64(s.cfg.UserID), msg))
	if err != nil {
		s.log.Warn("Не удалось отправить %s участнику %s: %v", msg.Type(), to, err)
		trace.SpanFromContext(ctx).RecordError(err)
	}
	return err
}

func (s *Session) broadcast(ctx context.Context, except transport.PeerID, msg protocol.Message) {
	if err := s.transport.Broadcast(ctx, except, protocol.Marshal(0, uint64(s.cfg.UserID), msg)); err != nil {
		s.log.Warn("Не удалось разослать %s: %v", msg.Type(), err)
		trace.SpanFromContext(ctx).RecordError(err)
	}
}

// ack отвечает запросившему результатом обработки
func (s *Session) ack(ctx context.Context, to transport.PeerID, f protocol.Frame, err error) {
	result := resultOf(err)
	s.metrics.request(f.Type, result)
	if err != nil {
		s.log.Warn("Запрос %s #%d от %s отклонён: %v", f.Type, f.RequestID, to, err)
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, result.String())
	}
	_ = s.send(ctx, to, f.RequestID, &protocol.Ack{Result: result})
}

// track регистрирует ожидающий запрос и возвращает его номер; номер 0 зарезервирован за рассылками
func (s *Session) track(p pendingRequest) uint32 {
	s.nextRequest++
	if s.nextRequest == 0 {
		s.nextRequest++
	}
	s.pending[s.nextRequest] = p
	return s.nextRequest
}

func (s *Session) take(requestID uint32) (pendingRequest, bool) {
	if requestID == 0 {
		return pendingRequest{}, false
	}
	p, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	return p, ok
}

// Pending возвращает число запросов, ожидающих ответа сервера
func (s *Session) Pending() int {
	s.loop.MustOwn()
	return len(s.pending)
}
