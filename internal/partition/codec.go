package partition

import (
	"encoding/json"
	"fmt"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/schema"
)

// storedEntry is the durable representation: the user-form DN plus
// user-form attribute values. Normalized forms are rebuilt against the
// schema on load, so a schema-driven normalization change does not require
// a data migration.
type storedEntry struct {
	DN    string       `json:"dn"`
	Attrs []storedAttr `json:"attrs"`
}

type storedAttr struct {
	ID     string   `json:"id"`
	Values []string `json:"values"`
}

func encodeEntry(e *entry.Entry) ([]byte, error) {
	se := storedEntry{DN: e.DN().User()}
	for _, a := range e.Attributes() {
		se.Attrs = append(se.Attrs, storedAttr{ID: a.ID, Values: a.UserValues()})
	}

	return json.Marshal(se)
}

func decodeEntry(reg *schema.Registries, raw []byte) (*entry.Entry, error) {
	var se storedEntry
	if err := json.Unmarshal(raw, &se); err != nil {
		return nil, fmt.Errorf("decoding stored entry: %w", err)
	}

	parsed, err := dn.Parse(se.DN)
	if err != nil {
		return nil, fmt.Errorf("stored entry %q: %w", se.DN, err)
	}

	norm, err := parsed.Normalize(reg)
	if err != nil {
		return nil, fmt.Errorf("stored entry %q: %w", se.DN, err)
	}

	e := entry.New(norm)
	for _, a := range se.Attrs {
		attr, err := entry.NewAttribute(reg, a.ID, a.Values...)
		if err != nil {
			return nil, fmt.Errorf("stored entry %q, attribute %q: %w", se.DN, a.ID, err)
		}
		e.Put(attr)
	}

	return e, nil
}
