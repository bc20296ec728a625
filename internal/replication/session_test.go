package replication

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/annel0/zonesync/internal/netid"
	"github.com/annel0/zonesync/internal/owner"
	"github.com/annel0/zonesync/internal/protocol"
	"github.com/annel0/zonesync/internal/transport"
	"github.com/annel0/zonesync/internal/vec"
	"github.com/annel0/zonesync/internal/zone"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const authorityPeer transport.PeerID = "authority"

type participant struct {
	t *testing.T
	s *Session
}

// do выполняет fn в горутине-владельце участника
func (p *participant) do(fn func()) {
	p.t.Helper()
	require.NoError(p.t, p.s.Loop().Do(context.Background(), fn))
}

// eventually ждёт, пока cond, выполненное в горутине-владельце, не станет истинным
func (p *participant) eventually(cond func() bool, msg string) {
	p.t.Helper()
	require.Eventually(p.t, func() bool {
		var ok bool
		if err := p.s.Loop().Do(context.Background(), func() { ok = cond() }); err != nil {
			return false
		}
		return ok
	}, 2*time.Second, 5*time.Millisecond, msg)
}

func (p *participant) zoneByID(id netid.ID) (*zone.Zone, bool) {
	return p.s.Database().ZoneByID(id)
}

func (p *participant) order(zoneID netid.ID) []netid.ID {
	z, ok := p.zoneByID(zoneID)
	if !ok {
		return nil
	}
	return p.s.Database().AnchorOrder(z)
}

func join(t *testing.T, hub *transport.Hub, id transport.PeerID, cfg Config) *participant {
	t.Helper()
	loop := owner.NewLoop(256)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()

	peer, err := hub.Join(id)
	require.NoError(t, err)
	s, err := NewSession(loop, peer, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() {
		_ = s.Close(context.Background())
		cancel()
		<-loop.Done()
	})
	return &participant{t: t, s: s}
}

func replicaPeer(i int) transport.PeerID {
	return transport.PeerID(fmt.Sprintf("replica-%d", i))
}

// newCluster поднимает сервер и n реплик на общем хабе
func newCluster(t *testing.T, n int, perms Permissions) (*participant, []*participant) {
	t.Helper()
	hub := transport.NewHub()
	peers := make(map[transport.PeerID]zone.UserID, n)
	for i := 0; i < n; i++ {
		peers[replicaPeer(i)] = zone.UserID(10 + i)
	}
	auth := join(t, hub, authorityPeer, Config{Role: RoleAuthority, UserID: 1, Permissions: perms, Peers: peers})

	replicas := make([]*participant, n)
	for i := range replicas {
		replicas[i] = join(t, hub, replicaPeer(i), Config{
			Role:      RoleReplica,
			UserID:    peers[replicaPeer(i)],
			Authority: authorityPeer,
		})
	}
	return auth, replicas
}

func polygonFields(name string) protocol.ZoneFields {
	return protocol.ZoneFields{Name: name, IsShortNameNull: true, Shape: zone.ShapePolygon, Height: 4}
}

// requestZone создаёт зону через участника и ждёт результата
func requestZone(t *testing.T, p *participant, name string) (*zone.Zone, error) {
	t.Helper()
	done := make(chan struct{})
	var (
		z   *zone.Zone
		err error
	)
	p.do(func() {
		p.s.InstantiateZone(context.Background(), polygonFields(name), func(got *zone.Zone, e error) {
			z, err = got, e
			close(done)
		})
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Нет ответа на создание зоны")
	}
	return z, err
}

// requestAnchor добавляет якорь после after (Null - в конец) и ждёт результата
func requestAnchor(t *testing.T, p *participant, zoneID, after netid.ID, x float64) (*zone.Anchor, error) {
	t.Helper()
	done := make(chan struct{})
	var (
		a   *zone.Anchor
		err error
	)
	p.do(func() {
		z, ok := p.zoneByID(zoneID)
		require.True(t, ok)
		var afterAnchor *zone.Anchor
		if after != netid.Null {
			afterAnchor, ok = p.s.Database().AnchorByID(after)
			require.True(t, ok)
		}
		p.s.InstantiateAnchor(context.Background(), z, vec.Vec3Float{X: x}, afterAnchor, func(got *zone.Anchor, e error) {
			a, err = got, e
			close(done)
		})
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Нет ответа на добавление якоря")
	}
	return a, err
}

func TestSession_ReplicaCreatesZone(t *testing.T) {
	auth, replicas := newCluster(t, 2, nil)

	z, err := requestZone(t, replicas[0], "arena")
	require.NoError(t, err)
	require.NotNil(t, z)
	require.NotEqual(t, netid.Null, z.NetID, "Идентификатор выделен сервером")
	assert.Equal(t, zone.UserID(10), z.Creator, "Создатель - запросивший пользователь")

	auth.do(func() {
		got, ok := auth.zoneByID(z.NetID)
		require.True(t, ok)
		assert.Equal(t, "arena", got.Name)
		assert.Nil(t, got.ShortName)
	})
	replicas[1].eventually(func() bool {
		_, ok := replicas[1].zoneByID(z.NetID)
		return ok
	}, "Вторая реплика получает зону")
	replicas[0].do(func() {
		assert.Equal(t, 1, replicas[0].s.Store().ZoneCount(), "Запросивший не получает рассылку повторно")
		assert.Equal(t, 0, replicas[0].s.Pending())
	})
}

func TestSession_AuthorityCreatesZoneLocally(t *testing.T) {
	auth, replicas := newCluster(t, 1, nil)

	z, err := requestZone(t, auth, "spawn")
	require.NoError(t, err)
	require.NotEqual(t, netid.Null, z.NetID)

	replicas[0].eventually(func() bool {
		got, ok := replicas[0].zoneByID(z.NetID)
		return ok && got.Creator == 1
	}, "Реплика получает зону сервера")
}

func TestSession_AnchorOrderConverges(t *testing.T) {
	auth, replicas := newCluster(t, 2, nil)
	z, err := requestZone(t, auth, "poly")
	require.NoError(t, err)
	zoneID := z.NetID
	for _, r := range replicas {
		r := r
		r.eventually(func() bool { _, ok := r.zoneByID(zoneID); return ok }, "Зона дошла до реплики")
	}

	a, err := requestAnchor(t, replicas[0], zoneID, netid.Null, 0)
	require.NoError(t, err)
	_, err = requestAnchor(t, replicas[0], zoneID, netid.Null, 1)
	require.NoError(t, err)
	replicas[1].eventually(func() bool { return len(replicas[1].order(zoneID)) == 2 }, "Якоря дошли до второй реплики")

	// Обе реплики вставляют после A одновременно
	done := make(chan error, 2)
	for i, r := range replicas {
		r, x := r, float64(10+i)
		r.do(func() {
			z, _ := r.zoneByID(zoneID)
			after, ok := r.s.Database().AnchorByID(a.NetID)
			require.True(t, ok)
			r.s.InstantiateAnchor(context.Background(), z, vec.Vec3Float{X: x}, after, func(_ *zone.Anchor, err error) {
				done <- err
			})
		})
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	var want []netid.ID
	auth.do(func() { want = auth.order(zoneID) })
	require.Len(t, want, 4)
	assert.Equal(t, a.NetID, want[0], "A остаётся первым")

	for _, r := range replicas {
		r := r
		r.eventually(func() bool { return cmp.Equal(want, r.order(zoneID)) }, "Порядок реплики совпадает с сервером")
	}
}

func TestSession_PermissionDenied(t *testing.T) {
	auth, replicas := newCluster(t, 1, NewAllowList(1))

	_, err := requestZone(t, replicas[0], "forbidden")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoPermission)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, protocol.ResultNoPermission, pe.Code)
	auth.do(func() { assert.Equal(t, 0, auth.s.Store().ZoneCount(), "Отказ не меняет сервер") })
}

func TestSession_SenderFieldDoesNotGrantPermission(t *testing.T) {
	hub := transport.NewHub()
	auth := join(t, hub, authorityPeer, Config{
		Role:        RoleAuthority,
		UserID:      1,
		Permissions: NewAllowList(1, 7),
		Peers:       map[transport.PeerID]zone.UserID{"editor": 7, "viewer": 8},
	})
	// viewer подписывает кадры идентификатором редактора
	viewer := join(t, hub, "viewer", Config{Role: RoleReplica, UserID: 7, Authority: authorityPeer})
	stranger := join(t, hub, "stranger", Config{Role: RoleReplica, UserID: 1, Authority: authorityPeer})
	editor := join(t, hub, "editor", Config{Role: RoleReplica, UserID: 99, Authority: authorityPeer})

	_, err := requestZone(t, viewer, "spoofed")
	assert.ErrorIs(t, err, ErrNoPermission)
	_, err = requestZone(t, stranger, "guest")
	assert.ErrorIs(t, err, ErrNoPermission, "Незакреплённый участник - гость")
	auth.do(func() { assert.Equal(t, 0, auth.s.Store().ZoneCount()) })

	z, err := requestZone(t, editor, "bound")
	require.NoError(t, err)
	assert.Equal(t, zone.UserID(7), z.Creator, "Автор берётся по участнику, а не из кадра")
	auth.do(func() {
		got, ok := auth.zoneByID(z.NetID)
		require.True(t, ok)
		assert.Equal(t, zone.UserID(7), got.Creator)
	})
}

func TestSession_UnknownIdentifiersAreNotFound(t *testing.T) {
	auth, replicas := newCluster(t, 1, nil)
	z, err := requestZone(t, replicas[0], "doomed")
	require.NoError(t, err)
	a, err := requestAnchor(t, replicas[0], z.NetID, netid.Null, 0)
	require.NoError(t, err)

	// Сервер удаляет якорь и зону; удаления не реплицируются
	auth.do(func() {
		az, ok := auth.zoneByID(z.NetID)
		require.True(t, ok)
		require.True(t, auth.s.Store().RemoveZone(az))
	})

	moved := make(chan error, 1)
	replicas[0].do(func() {
		require.NoError(t, replicas[0].s.MoveAnchor(context.Background(), a, vec.Vec3Float{Y: 5}, func(err error) { moved <- err }))
	})
	assert.ErrorIs(t, <-moved, ErrNotFound)

	_, err = requestAnchor(t, replicas[0], z.NetID, netid.Null, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSession_MoveAnchorRelays(t *testing.T) {
	auth, replicas := newCluster(t, 2, nil)
	z, err := requestZone(t, replicas[0], "moving")
	require.NoError(t, err)
	a, err := requestAnchor(t, replicas[0], z.NetID, netid.Null, 0)
	require.NoError(t, err)
	replicas[1].eventually(func() bool { return len(replicas[1].order(z.NetID)) == 1 }, "Якорь дошёл до второй реплики")

	target := vec.Vec3Float{X: 3, Y: 4, Z: 5}
	moved := make(chan error, 1)
	replicas[0].do(func() {
		require.NoError(t, replicas[0].s.MoveAnchor(context.Background(), a, target, func(err error) { moved <- err }))
		assert.Equal(t, target, a.Position, "Положение меняется локально сразу")
	})
	require.NoError(t, <-moved)

	for _, p := range []*participant{auth, replicas[1]} {
		p := p
		p.eventually(func() bool {
			got, ok := p.s.Database().AnchorByID(a.NetID)
			return ok && got.Position.Equals(target)
		}, "Перемещение доходит до всех")
	}
}

func TestSession_ReplicaIgnoresFramesFromPeers(t *testing.T) {
	_, replicas := newCluster(t, 1, nil)
	r := replicas[0]

	msg := &protocol.InstantiateZone{ZoneFields: polygonFields("intruder"), CreatorID: 99, ZoneID: 77}
	f := protocol.Frame{Type: msg.Type(), Sender: 99}
	r.do(func() {
		Replica{}.handle(context.Background(), r.s, "replica-x", f, msg)
		assert.Equal(t, 0, r.s.Store().ZoneCount(), "Кадр не от сервера не применяется")
	})
}

func TestSession_DuplicateZoneDeliveryIsIdempotent(t *testing.T) {
	_, replicas := newCluster(t, 1, nil)
	r := replicas[0]

	msg := &protocol.InstantiateZone{ZoneFields: polygonFields("twice"), CreatorID: 1, ZoneID: 42}
	f := protocol.Frame{Type: msg.Type(), Sender: 1}
	r.do(func() {
		Replica{}.handle(context.Background(), r.s, authorityPeer, f, msg)
		Replica{}.handle(context.Background(), r.s, authorityPeer, f, msg)
		assert.Equal(t, 1, r.s.Store().ZoneCount())
	})
}

func TestSession_RecycledZoneIDReplacesStaleZone(t *testing.T) {
	auth, replicas := newCluster(t, 1, nil)
	r := replicas[0]

	first, err := requestZone(t, auth, "first")
	require.NoError(t, err)
	firstID := first.NetID
	r.eventually(func() bool { _, ok := r.zoneByID(firstID); return ok }, "Первая зона дошла до реплики")

	// Удаление не реплицируется, сервер освобождает идентификатор и выдаёт его следующей зоне
	auth.do(func() { require.True(t, auth.s.Store().RemoveZone(first)) })
	second, err := requestZone(t, auth, "second")
	require.NoError(t, err)
	require.Equal(t, firstID, second.NetID)

	r.eventually(func() bool { return r.s.Store().ZoneCount() == 2 }, "Новая зона добавлена рядом с устаревшей")
	r.do(func() {
		got, ok := r.zoneByID(firstID)
		require.True(t, ok)
		assert.Equal(t, "second", got.Name)
		stale, ok := r.s.Store().Zone(0)
		require.True(t, ok)
		assert.Equal(t, "first", stale.Name)
		assert.Equal(t, netid.Null, stale.NetID, "Устаревшая зона теряет идентификатор")
		assert.Equal(t, netid.Null, r.s.Database().ZoneID(0))
	})
}

func TestSession_CloseFailsPending(t *testing.T) {
	hub := transport.NewHub()
	// Сервер подключён, но не обрабатывает кадры
	_, err := hub.Join(authorityPeer)
	require.NoError(t, err)

	loop := owner.NewLoop(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	peer, err := hub.Join("replica")
	require.NoError(t, err)
	s, err := NewSession(loop, peer, Config{Role: RoleReplica, Authority: authorityPeer})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	result := make(chan error, 1)
	require.NoError(t, loop.Do(context.Background(), func() {
		s.InstantiateZone(context.Background(), polygonFields("never"), func(_ *zone.Zone, err error) { result <- err })
	}))
	require.NoError(t, s.Close(context.Background()))
	assert.ErrorIs(t, <-result, ErrClosed)
}

func TestNewSession_Validation(t *testing.T) {
	hub := transport.NewHub()
	peer, err := hub.Join("p")
	require.NoError(t, err)

	_, err = NewSession(nil, peer, Config{Role: "observer"})
	assert.ErrorIs(t, err, ErrUnknownRole)
	_, err = NewSession(nil, peer, Config{Role: RoleReplica})
	assert.ErrorIs(t, err, ErrNoAuthority)

	role, err := NewRole(" Server ")
	require.NoError(t, err)
	assert.Equal(t, RoleAuthority, role.Name())
}

func TestSession_RequestMetrics(t *testing.T) {
	hub := transport.NewHub()
	reg := prometheus.NewRegistry()
	auth := join(t, hub, authorityPeer, Config{
		Role:        RoleAuthority,
		UserID:      1,
		Registerer:  reg,
		Permissions: NewAllowList(1),
		Peers:       map[transport.PeerID]zone.UserID{"allowed": 1, "denied": 2},
	})
	allowed := join(t, hub, "allowed", Config{Role: RoleReplica, UserID: 1, Authority: authorityPeer})
	denied := join(t, hub, "denied", Config{Role: RoleReplica, UserID: 2, Authority: authorityPeer})

	_, err := requestZone(t, allowed, "ok")
	require.NoError(t, err)
	_, err = requestZone(t, denied, "nope")
	require.Error(t, err)

	auth.do(func() {
		m := auth.s.metrics
		assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("RequestInstantiateZone", "success")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("RequestInstantiateZone", "no-permission")))
		assert.Equal(t, 2.0, testutil.ToFloat64(m.frames.WithLabelValues("RequestInstantiateZone")))
	})
}
