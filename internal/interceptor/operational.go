package interceptor

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netresearch/directoryd/internal/cursor"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/opctx"
	"github.com/netresearch/directoryd/internal/schema"
)

const generalizedTimeFormat = "20060102150405Z"

// CSNGenerator mints monotonic change sequence numbers: a generalized
// timestamp plus a per-process counter that breaks same-second ties.
type CSNGenerator struct {
	mu      sync.Mutex
	lastSec string
	counter int
}

// NewCSNGenerator returns a generator starting at the current time.
func NewCSNGenerator() *CSNGenerator {
	return &CSNGenerator{}
}

// Next returns a CSN strictly greater than every previous one.
func (g *CSNGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	sec := time.Now().UTC().Format(generalizedTimeFormat)
	if sec == g.lastSec {
		g.counter++
	} else {
		g.lastSec = sec
		g.counter = 0
	}

	return fmt.Sprintf("%s#%06d", sec, g.counter)
}

// Operational maintains the server-managed attributes: creatorsName,
// createTimestamp, entryUUID, and entryCSN on add; modifiersName,
// modifyTimestamp, and entryCSN on modify. On reads it applies the
// returning-attributes projection, emitting DN-valued operational
// attributes in user or normalized form per the denormalize flag.
type Operational struct {
	Base

	reg         *schema.Registries
	csn         *CSNGenerator
	denormalize bool
}

// NewOperational creates the operational-attributes stage.
func NewOperational(reg *schema.Registries, csn *CSNGenerator, denormalize bool) *Operational {
	return &Operational{reg: reg, csn: csn, denormalize: denormalize}
}

func (*Operational) Name() string { return NameOperational }

func (o *Operational) put(e *entry.Entry, id string, values ...string) {
	if attr, err := entry.NewAttribute(o.reg, id, values...); err == nil {
		e.Put(attr)
	}
}

func (o *Operational) Add(c *Chain, ctx *opctx.AddContext) error {
	principal := ctx.Principal()
	now := time.Now().UTC().Format(generalizedTimeFormat)

	o.put(ctx.Entry, "creatorsName", principal.DN.User())
	o.put(ctx.Entry, "createTimestamp", now)
	o.put(ctx.Entry, "entryUUID", uuid.NewString())
	o.put(ctx.Entry, "entryCSN", o.csn.Next())

	return c.Add(ctx)
}

func (o *Operational) Modify(c *Chain, ctx *opctx.ModifyContext) error {
	principal := ctx.Principal()
	now := time.Now().UTC().Format(generalizedTimeFormat)

	appendReplace := func(id, value string) {
		if attr, err := entry.NewAttribute(o.reg, id, value); err == nil {
			ctx.Mods = append(ctx.Mods, entry.Modification{Op: entry.ModReplace, Attr: attr})
		}
	}

	appendReplace("modifiersName", principal.DN.User())
	appendReplace("modifyTimestamp", now)
	appendReplace("entryCSN", o.csn.Next())

	return c.Modify(ctx)
}

func (o *Operational) Lookup(c *Chain, ctx *opctx.LookupContext) (*entry.Entry, error) {
	e, err := c.Lookup(ctx)
	if err != nil || e == nil {
		return e, err
	}

	return o.project(e, ctx.Attrs, false), nil
}

func (o *Operational) Search(c *Chain, ctx *opctx.SearchContext) (cursor.Cursor, error) {
	cur, err := c.Search(ctx)
	if err != nil {
		return nil, err
	}

	return cursor.Mapped(cur, func(e *entry.Entry) *entry.Entry {
		return o.project(e, ctx.Attrs, ctx.TypesOnly)
	}), nil
}

func (o *Operational) GetRootDSE(c *Chain, ctx *opctx.GetRootDSEContext) (*entry.Entry, error) {
	e, err := c.GetRootDSE(ctx)
	if err != nil || e == nil {
		return e, err
	}

	return o.project(e, ctx.Attrs, false), nil
}

// dnValued reports whether an operational attribute carries DNs subject to
// the denormalize flag.
func dnValued(oid string) bool {
	return oid == schema.OIDCreatorsName || oid == schema.OIDModifiersName
}

// project applies the returning-attributes rules: "1.1" alone selects
// nothing, "*" the user attributes, "+" the operational ones, named types
// exactly those; an empty selection means "*".
func (o *Operational) project(e *entry.Entry, attrs []string, typesOnly bool) *entry.Entry {
	wantUser, wantOp := false, false
	named := map[string]bool{}

	if len(attrs) == 0 {
		wantUser = true
	}

	onlyNoAttrs := len(attrs) == 1 && attrs[0] == "1.1"

	for _, a := range attrs {
		switch a {
		case "1.1":
			// Selects nothing; ignored when other selectors are present.
		case "*":
			wantUser = true
		case "+":
			wantOp = true
		default:
			if at, err := o.reg.AttributeType(a); err == nil {
				named[at.OID] = true
			}
		}
	}

	out := entry.New(e.DN())
	if onlyNoAttrs {
		return out
	}

	for _, attr := range e.Attributes() {
		op := attr.Type.Operational()

		include := named[attr.Type.OID] || (wantUser && !op) || (wantOp && op)
		if !include {
			continue
		}

		projected := attr.Clone()

		if op && dnValued(attr.Type.OID) {
			for i, v := range projected.Values {
				if o.denormalize {
					projected.Values[i] = entry.Value{User: v.User, Norm: v.Norm}
				} else {
					projected.Values[i] = entry.Value{User: v.Norm, Norm: v.Norm}
				}
			}
		}

		if typesOnly {
			projected.Values = nil
		}

		out.Put(projected)
	}

	return out
}
