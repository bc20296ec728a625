package replication

import (
	"context"
	"fmt"

	"github.com/annel0/zonesync/internal/netid"
	"github.com/annel0/zonesync/internal/protocol"
	"github.com/annel0/zonesync/internal/transport"
	"github.com/annel0/zonesync/internal/vec"
	"github.com/annel0/zonesync/internal/zone"
)

// Replica - клиент сессии: изменения зон и якорей применяются только после подтверждения
// сервера, положение якоря меняется сразу
type Replica struct{}

func (Replica) Name() string { return RoleReplica }

func (Replica) claimsIdentifiers() bool { return false }

func (Replica) instantiateZone(ctx context.Context, s *Session, fields protocol.ZoneFields, cb ZoneCallback) {
	id := s.track(pendingRequest{kind: protocol.MsgRequestInstantiateZone, onZone: cb})
	if err := s.send(ctx, s.cfg.Authority, id, &protocol.RequestInstantiateZone{ZoneFields: fields}); err != nil {
		if p, ok := s.take(id); ok {
			p.fail(err)
		}
	}
}

func (Replica) instantiateAnchor(ctx context.Context, s *Session, zoneID, afterID netid.ID, point vec.Vec3Float, cb AnchorCallback) {
	id := s.track(pendingRequest{kind: protocol.MsgRequestInstantiateAnchor, onAnchor: cb})
	req := &protocol.RequestInstantiateAnchor{Point: point, ZoneID: zoneID, AfterAnchorID: afterID}
	if err := s.send(ctx, s.cfg.Authority, id, req); err != nil {
		if p, ok := s.take(id); ok {
			p.fail(err)
		}
	}
}

func (Replica) moveAnchor(ctx context.Context, s *Session, msg *protocol.MoveAnchor, cb DoneCallback) {
	id := s.track(pendingRequest{kind: protocol.MsgMoveAnchor, onDone: cb})
	if err := s.send(ctx, s.cfg.Authority, id, msg); err != nil {
		if p, ok := s.take(id); ok {
			p.fail(err)
		}
	}
}

func (r Replica) handle(ctx context.Context, s *Session, from transport.PeerID, f protocol.Frame, msg protocol.Message) {
	if from != s.cfg.Authority {
		s.log.Warn("Реплика получила %s не от сервера (%s), игнорируем", f.Type, from)
		return
	}

	switch m := msg.(type) {
	case *protocol.InstantiateZone:
		z, err := r.applyZone(s, m)
		if err != nil {
			s.log.Error("Не удалось применить зону %s: %v", m.ZoneID, err)
		}
		if p, ok := s.take(f.RequestID); ok && p.onZone != nil {
			p.onZone(z, err)
		}

	case *protocol.InstantiateAnchor:
		a, err := r.applyAnchor(s, m)
		if err != nil {
			s.log.Error("Не удалось применить якорь %s: %v", m.NewAnchorID, err)
		}
		if p, ok := s.take(f.RequestID); ok && p.onAnchor != nil {
			p.onAnchor(a, err)
		}

	case *protocol.MoveAnchor:
		if _, ok := s.db.MoveAnchorByID(m.AnchorID, m.Position); !ok {
			s.log.Debug("Перемещение неизвестного якоря %s пропущено", m.AnchorID)
		}

	case *protocol.Ack:
		p, ok := s.take(f.RequestID)
		if !ok {
			s.log.Debug("Ответ на неизвестный запрос #%d", f.RequestID)
			return
		}
		err := errorOf(m.Result)
		if err != nil {
			s.log.Warn("Сервер отклонил %s #%d: %v", p.kind, f.RequestID, err)
			p.fail(err)
			return
		}
		if p.onDone != nil {
			p.onDone(nil)
		}

	default:
		s.log.Warn("Реплика получила запрос %s, обрабатывать его должен сервер", f.Type)
	}
}

// applyZone добавляет зону с выделенным сервером идентификатором. Повторная доставка
// возвращает уже существующую зону. Сервер переиспользует освобождённые идентификаторы,
// а удаления не реплицируются, поэтому зона с тем же идентификатором, но другими полями
// считается устаревшей и теряет идентификатор.
func (Replica) applyZone(s *Session, m *protocol.InstantiateZone) (*zone.Zone, error) {
	if m.ZoneID == netid.Null {
		return nil, fmt.Errorf("%w: зона без идентификатора", ErrInvalidData)
	}
	if existing, ok := s.db.ZoneByID(m.ZoneID); ok {
		if protocol.ZoneFieldsOf(existing) == m.ZoneFields && existing.Creator == m.CreatorID {
			return existing, nil
		}
		s.log.Warn("Идентификатор %s уже занят зоной %q, сервер переиспользовал его для %q",
			m.ZoneID, existing.Name, m.Name)
		s.db.DetachZone(existing)
	}
	z := m.NewZone(m.CreatorID)
	z.NetID = m.ZoneID
	if _, err := s.store.AddZone(z); err != nil {
		z.NetID = netid.Null
		return nil, err
	}
	return z, nil
}

// applyAnchor вставляет якорь на авторитетную позицию и сводит порядок зоны
func (Replica) applyAnchor(s *Session, m *protocol.InstantiateAnchor) (*zone.Anchor, error) {
	a, report, err := s.db.ApplyAnchorInsert(m.ZoneID, m.Point, m.Order, m.NewAnchorID)
	if err != nil {
		return nil, err
	}
	if report.Diverged {
		s.metrics.resync(report.Moved, len(report.Orphaned))
		if len(report.Orphaned) > 0 {
			s.log.Warn("Зона %s: %d якорей выпали при ресинке", m.ZoneID, len(report.Orphaned))
		}
	}
	return a, nil
}
