package replication

import (
	"context"

	"github.com/annel0/zonesync/internal/netid"
	"github.com/annel0/zonesync/internal/protocol"
	"github.com/annel0/zonesync/internal/transport"
	"github.com/annel0/zonesync/internal/vec"
	"github.com/annel0/zonesync/internal/zone"
)

// Authority - сервер сессии: единственный, кто выделяет идентификаторы и задаёт порядок якорей
type Authority struct{}

func (Authority) Name() string { return RoleAuthority }

func (Authority) claimsIdentifiers() bool { return true }

func (r Authority) instantiateZone(ctx context.Context, s *Session, fields protocol.ZoneFields, cb ZoneCallback) {
	z, err := r.createZone(s, fields, s.cfg.UserID)
	if cb != nil {
		cb(z, err)
	}
	if err == nil {
		s.broadcast(ctx, "", zoneMessage(z))
	}
}

func (r Authority) instantiateAnchor(ctx context.Context, s *Session, zoneID, afterID netid.ID, point vec.Vec3Float, cb AnchorCallback) {
	a, err := r.createAnchor(s, zoneID, afterID, point)
	if cb != nil {
		cb(a, err)
	}
	if err == nil {
		s.broadcast(ctx, "", anchorMessage(s, a, s.cfg.UserID))
	}
}

func (Authority) moveAnchor(ctx context.Context, s *Session, msg *protocol.MoveAnchor, cb DoneCallback) {
	if cb != nil {
		cb(nil)
	}
	s.broadcast(ctx, "", msg)
}

func (r Authority) handle(ctx context.Context, s *Session, from transport.PeerID, f protocol.Frame, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.RequestInstantiateZone:
		user, err := s.authorize(from)
		if err != nil {
			s.ack(ctx, from, f, err)
			return
		}
		z, err := r.createZone(s, m.ZoneFields, user)
		if err != nil {
			s.ack(ctx, from, f, err)
			return
		}
		s.metrics.request(f.Type, protocol.ResultSuccess)
		reply := zoneMessage(z)
		_ = s.send(ctx, from, f.RequestID, reply)
		s.broadcast(ctx, from, reply)

	case *protocol.RequestInstantiateAnchor:
		user, err := s.authorize(from)
		if err != nil {
			s.ack(ctx, from, f, err)
			return
		}
		a, err := r.createAnchor(s, m.ZoneID, m.AfterAnchorID, m.Point)
		if err != nil {
			s.ack(ctx, from, f, err)
			return
		}
		s.metrics.request(f.Type, protocol.ResultSuccess)
		reply := anchorMessage(s, a, user)
		_ = s.send(ctx, from, f.RequestID, reply)
		s.broadcast(ctx, from, reply)

	case *protocol.MoveAnchor:
		if _, err := s.authorize(from); err != nil {
			s.ack(ctx, from, f, err)
			return
		}
		if _, ok := s.db.MoveAnchorByID(m.AnchorID, m.Position); !ok {
			s.ack(ctx, from, f, notFound("якорь %s", m.AnchorID))
			return
		}
		s.ack(ctx, from, f, nil)
		s.broadcast(ctx, from, m)

	default:
		s.log.Warn("Сервер получил %s от %s, сообщение предназначено репликам", f.Type, from)
	}
}

// createZone добавляет зону; идентификатор выделяет база при уведомлении о добавлении
func (Authority) createZone(s *Session, fields protocol.ZoneFields, creator zone.UserID) (*zone.Zone, error) {
	z := fields.NewZone(creator)
	if _, err := s.store.AddZone(z); err != nil {
		return nil, invalidData(err)
	}
	s.log.Debug("Зона %q создана пользователем %d, идентификатор %s", z.Name, creator, z.NetID)
	return z, nil
}

// createAnchor вставляет якорь сразу после afterID или в конец, если afterID пуст
func (Authority) createAnchor(s *Session, zoneID, afterID netid.ID, point vec.Vec3Float) (*zone.Anchor, error) {
	z, ok := s.db.ZoneByID(zoneID)
	if !ok {
		return nil, notFound("зона %s", zoneID)
	}
	pos := z.AnchorCount()
	if afterID != netid.Null {
		after, ok := s.db.AnchorByID(afterID)
		if !ok || after.Zone() != z {
			return nil, notFound("якорь %s в зоне %s", afterID, zoneID)
		}
		pos = after.Index() + 1
	}

	a := zone.NewAnchor(point)
	if _, err := s.store.InsertAnchor(z, a, pos); err != nil {
		return nil, invalidData(err)
	}
	return a, nil
}

func zoneMessage(z *zone.Zone) *protocol.InstantiateZone {
	return &protocol.InstantiateZone{
		ZoneFields: protocol.ZoneFieldsOf(z),
		CreatorID:  z.Creator,
		ZoneID:     z.NetID,
	}
}

// anchorMessage несёт полный порядок якорей зоны после вставки
func anchorMessage(s *Session, a *zone.Anchor, creator zone.UserID) *protocol.InstantiateAnchor {
	z := a.Zone()
	return &protocol.InstantiateAnchor{
		Point:       a.Position,
		ZoneID:      z.NetID,
		Order:       s.db.AnchorOrder(z),
		CreatorID:   creator,
		NewAnchorID: a.NetID,
	}
}
