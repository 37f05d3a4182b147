package couch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Document is a schemaless document as stored by the remote server.
// Reserved underscore-prefixed members are lifted into typed fields; every
// other member is kept in Fields.
type Document struct {
	ID      string
	Rev     string
	Deleted bool
	Fields  map[string]any
}

// MarshalJSON flattens the document back into a single JSON object.
func (d Document) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(d.Fields)+3)
	for k, v := range d.Fields {
		if strings.HasPrefix(k, "_") {
			continue
		}
		m[k] = v
	}
	m["_id"] = d.ID
	if d.Rev != "" {
		m["_rev"] = d.Rev
	}
	if d.Deleted {
		m["_deleted"] = true
	}
	return json.Marshal(m)
}

// UnmarshalJSON splits reserved members from user fields.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = Document{Fields: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case "_id":
			d.ID, _ = v.(string)
		case "_rev":
			d.Rev, _ = v.(string)
		case "_deleted":
			d.Deleted, _ = v.(bool)
		default:
			if strings.HasPrefix(k, "_") {
				continue
			}
			d.Fields[k] = v
		}
	}
	return nil
}

// String returns the string field key, or "" if absent or not a string.
func (d Document) String(key string) string {
	s, _ := d.Fields[key].(string)
	return s
}

// Clone returns a copy whose top-level field map may be mutated freely.
func (d Document) Clone() Document {
	out := d
	out.Fields = make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		out.Fields[k] = v
	}
	return out
}

// ParseRev splits a revision of the form "<generation>-<digest>".
func ParseRev(rev string) (gen int, digest string, err error) {
	head, tail, ok := strings.Cut(rev, "-")
	if !ok || tail == "" {
		return 0, "", fmt.Errorf("couch: malformed revision %q", rev)
	}
	gen, err = strconv.Atoi(head)
	if err != nil || gen < 1 {
		return 0, "", fmt.Errorf("couch: malformed revision %q", rev)
	}
	return gen, tail, nil
}

// RevWins reports whether candidate beats current under the server's
// deterministic winner rule: the higher generation wins, ties go to the
// lexicographically greater digest. A malformed current revision always
// loses; a malformed candidate never wins.
func RevWins(candidate, current string) bool {
	cg, cd, err := ParseRev(candidate)
	if err != nil {
		return false
	}
	if current == "" {
		return true
	}
	g, d, err := ParseRev(current)
	if err != nil {
		return true
	}
	if cg != g {
		return cg > g
	}
	return cd > d
}
