package replication

import "github.com/annel0/zonesync/internal/zone"

// Permissions решает, может ли пользователь менять зоны
type Permissions interface {
	CanEdit(user zone.UserID) bool
}

// AllowAll разрешает изменения всем
type AllowAll struct{}

func (AllowAll) CanEdit(zone.UserID) bool { return true }

// AllowList разрешает изменения только перечисленным пользователям
type AllowList map[zone.UserID]bool

// NewAllowList собирает список из идентификаторов; пустой список означает AllowAll
func NewAllowList(users ...zone.UserID) Permissions {
	if len(users) == 0 {
		return AllowAll{}
	}
	l := make(AllowList, len(users))
	for _, u := range users {
		l[u] = true
	}
	return l
}

func (l AllowList) CanEdit(user zone.UserID) bool { return l[user] }
