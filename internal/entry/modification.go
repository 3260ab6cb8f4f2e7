package entry

import (
	"github.com/netresearch/directoryd/internal/ldaperr"
)

// ModOp is a modification operation kind.
type ModOp int

const (
	ModAdd ModOp = iota
	ModRemove
	ModReplace
)

func (op ModOp) String() string {
	switch op {
	case ModAdd:
		return "add"
	case ModRemove:
		return "remove"
	case ModReplace:
		return "replace"
	}

	return "unknown"
}

// Modification pairs an operation with an attribute payload. For ModRemove
// an empty value list means "delete the attribute".
type Modification struct {
	Op   ModOp
	Attr *Attribute
}

// Apply mutates e according to mods, in order. ADD unions values, REMOVE
// subtracts them (empty list removes the attribute), REPLACE removes then
// adds. Removing values from an absent attribute fails with
// noSuchAttribute; REPLACE and empty-list REMOVE of an absent attribute are
// tolerated per RFC 4511.
func Apply(e *Entry, mods []Modification) error {
	for _, m := range mods {
		oid := m.Attr.Type.OID

		switch m.Op {
		case ModAdd:
			e.Add(m.Attr)
		case ModRemove:
			if !e.Has(oid) {
				if len(m.Attr.Values) == 0 {
					continue
				}

				return ldaperr.NoSuchAttribute(m.Attr.ID)
			}
			e.Remove(oid, m.Attr.Values)
		case ModReplace:
			e.Remove(oid, nil)
			if len(m.Attr.Values) > 0 {
				e.Put(m.Attr.Clone())
			}
		}
	}

	return nil
}
