package replication

import (
	"context"
	"fmt"
	"strings"

	"github.com/annel0/zonesync/internal/netid"
	"github.com/annel0/zonesync/internal/protocol"
	"github.com/annel0/zonesync/internal/transport"
	"github.com/annel0/zonesync/internal/vec"
)

// Имена ролей
const (
	RoleAuthority = "authority"
	RoleReplica   = "replica"
)

// Role определяет поведение участника. Роль выбирается при создании сессии.
type Role interface {
	Name() string

	claimsIdentifiers() bool
	instantiateZone(ctx context.Context, s *Session, fields protocol.ZoneFields, cb ZoneCallback)
	instantiateAnchor(ctx context.Context, s *Session, zoneID, afterID netid.ID, point vec.Vec3Float, cb AnchorCallback)
	moveAnchor(ctx context.Context, s *Session, msg *protocol.MoveAnchor, cb DoneCallback)
	handle(ctx context.Context, s *Session, from transport.PeerID, f protocol.Frame, msg protocol.Message)
}

// NewRole возвращает роль по имени
func NewRole(name string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case RoleAuthority, "server":
		return Authority{}, nil
	case RoleReplica, "client":
		return Replica{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, name)
	}
}
