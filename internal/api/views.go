package api

import (
	"strconv"

	"github.com/annel0/zonesync/internal/netdb"
	"github.com/annel0/zonesync/internal/netid"
	"github.com/annel0/zonesync/internal/vec"
	"github.com/annel0/zonesync/internal/zone"
)

// ZoneView - представление зоны в ответах API
type ZoneView struct {
	Index     int            `json:"index"`
	NetID     netid.ID       `json:"net_id"`
	Name      string         `json:"name"`
	ShortName *string        `json:"short_name,omitempty"`
	Creator   zone.UserID    `json:"creator"`
	Shape     string         `json:"shape"`
	Center    vec.Vec3Float  `json:"center"`
	Spawn     vec.Vec3Float  `json:"spawn"`
	Height    float64        `json:"height"`
	Radius    float64        `json:"radius,omitempty"`
	Size      *vec.Vec3Float `json:"size,omitempty"`
	Anchors   []AnchorView   `json:"anchors,omitempty"`
	// AnchorCount заполняется и в списке, где сами якоря опущены
	AnchorCount int `json:"anchor_count"`
}

// AnchorView - якорь зоны
type AnchorView struct {
	Index    int           `json:"index"`
	Compound string        `json:"compound"`
	NetID    netid.ID      `json:"net_id"`
	Position vec.Vec3Float `json:"position"`
}

// IdentifierView - запись реестра идентификаторов
type IdentifierView struct {
	ID    netid.ID `json:"id"`
	Kind  string   `json:"kind"` // zone | anchor | unbound
	Index string   `json:"index,omitempty"`
}

func zoneView(z *zone.Zone, withAnchors bool) ZoneView {
	v := ZoneView{
		Index:       z.Index(),
		NetID:       z.NetID,
		Name:        z.Name,
		ShortName:   z.ShortName,
		Creator:     z.Creator,
		Shape:       z.Shape.String(),
		Center:      z.Center,
		Spawn:       z.Spawn,
		Height:      z.Height,
		AnchorCount: z.AnchorCount(),
	}
	switch z.Shape {
	case zone.ShapeCylinder, zone.ShapeSphere:
		v.Radius = z.Radius
	case zone.ShapeAABB:
		size := z.Size
		v.Size = &size
	}
	if withAnchors {
		for _, a := range z.Anchors() {
			av := AnchorView{Index: a.Index(), NetID: a.NetID, Position: a.Position}
			if ci, ok := a.CompoundIndex(); ok {
				av.Compound = ci.String()
			}
			v.Anchors = append(v.Anchors, av)
		}
	}
	return v
}

func identifierView(id netid.ID, value interface{}, bound bool) IdentifierView {
	v := IdentifierView{ID: id, Kind: "unbound"}
	if !bound {
		return v
	}
	switch ref := value.(type) {
	case netdb.ZoneRef:
		v.Kind = "zone"
		v.Index = strconv.Itoa(ref.Index)
	case netdb.AnchorRef:
		v.Kind = "anchor"
		v.Index = ref.Index.String()
	default:
		v.Kind = "other"
	}
	return v
}
