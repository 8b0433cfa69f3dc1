package tunables

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Content hashing for schema and config identity. Both digests are computed
// over hand-assembled canonical JSON: fixed key order, canonical numeric
// formatting, explicit type tags. The resulting hex strings must be
// reproducible byte-for-byte across processes for the same input; merging
// historical trial data between experiments relies on that.

// schemaUID hashes a group's schema: name plus each tunable's
// name/type/domain/default, in declaration order (order is part of the
// schema since it fixes the vector encoding). Current values and
// distribution metadata are excluded.
func schemaUID(g *CovariantGroup) (string, error) {
	var b strings.Builder
	b.WriteString(`{"group":`)
	writeJSONString(&b, g.name)
	b.WriteString(`,"params":[`)
	for i, name := range g.order {
		if i > 0 {
			b.WriteByte(',')
		}
		t := g.tunables[name]
		b.WriteString(`{"name":`)
		writeJSONString(&b, t.name)
		b.WriteString(`,"type":`)
		writeJSONString(&b, string(t.typ))
		b.WriteString(`,"default":`)
		writeJSONString(&b, t.canonicalDefault())
		if t.typ == TypeCategorical {
			b.WriteString(`,"values":[`)
			for j, v := range t.values {
				if j > 0 {
					b.WriteByte(',')
				}
				writeJSONString(&b, v)
			}
			b.WriteByte(']')
			if len(t.weights) > 0 {
				b.WriteString(`,"weights":[`)
				for j, w := range t.weights {
					if j > 0 {
						b.WriteByte(',')
					}
					writeJSONString(&b, formatNumber(w))
				}
				b.WriteByte(']')
			}
		} else {
			fmt.Fprintf(&b, `,"min":%q,"max":%q`, formatNumber(t.min), formatNumber(t.max))
			if t.quantization != 0 {
				fmt.Fprintf(&b, `,"quantization":%q`, formatNumber(t.quantization))
			}
			if len(t.special) > 0 {
				b.WriteString(`,"special":[`)
				for j, s := range t.special {
					if j > 0 {
						b.WriteByte(',')
					}
					writeJSONString(&b, formatNumber(s))
				}
				b.WriteByte(']')
			}
		}
		b.WriteByte('}')
	}
	b.WriteString(`]}`)
	return digest(b.String()), nil
}

// SchemaUID identifies the whole parameter space: the ordered list of group
// schema UIDs. Two spaces with the same groups in a different order encode
// vectors differently and therefore have distinct identities.
func (g *TunableGroups) SchemaUID() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, name := range g.order {
		if i > 0 {
			b.WriteByte(',')
		}
		writeJSONString(&b, g.groups[name].uid)
	}
	b.WriteByte(']')
	return digest(b.String())
}

// ConfigUID identifies the current value assignment. Names are sorted, so
// two spaces with equal schema and equal values hash identically no matter
// in which order the values were assigned. The result is cached until the
// next assignment.
func (g *TunableGroups) ConfigUID() string {
	if g.configUID != "" {
		return g.configUID
	}
	names := g.Names()
	sort.Strings(names)
	var b strings.Builder
	b.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		t, _ := g.Tunable(name)
		writeJSONString(&b, name)
		b.WriteString(`:[`)
		writeJSONString(&b, string(t.typ))
		b.WriteByte(',')
		writeJSONString(&b, t.canonicalValue())
		b.WriteByte(']')
	}
	b.WriteByte('}')
	g.configUID = digest(b.String())
	return g.configUID
}

// canonicalValue is the string form used for hashing, env params and stored
// config rows.
func (t *Tunable) canonicalValue() string {
	if t.typ == TypeCategorical {
		return t.currentCat
	}
	return formatNumber(t.currentNum)
}

func (t *Tunable) canonicalDefault() string {
	if t.typ == TypeCategorical {
		return t.defaultCat
	}
	return formatNumber(t.defaultNum)
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func writeJSONString(b *strings.Builder, s string) {
	enc, _ := json.Marshal(s)
	b.Write(enc)
}
