package protocol

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"
)

// Extras holds the members of a JSON object that have no typed field, so
// they survive a decode and encode round trip unchanged.
type Extras map[string]json.RawMessage

// Clone returns a copy sharing no bytes with e.
func (e Extras) Clone() Extras {
	if e == nil {
		return nil
	}
	out := make(Extras, len(e))
	for k, raw := range e {
		out[k] = cloneRaw(raw)
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// typedKeys caches the lower cased json names of each struct type.
var typedKeys sync.Map

func keysOf(t reflect.Type) map[string]bool {
	if v, ok := typedKeys.Load(t); ok {
		return v.(map[string]bool)
	}
	keys := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if !f.IsExported() || tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}
		// encoding/json matches object keys case insensitively
		keys[strings.ToLower(name)] = true
	}
	typedKeys.Store(t, keys)
	return keys
}

// decodeWithExtras decodes data into v, a pointer to a struct, and returns
// the object members none of its fields claim.
func decodeWithExtras(data []byte, v any) (Extras, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, err
	}
	known := keysOf(reflect.TypeOf(v).Elem())
	var extra Extras
	for k, raw := range members {
		if known[strings.ToLower(k)] {
			continue
		}
		if extra == nil {
			extra = Extras{}
		}
		extra[k] = raw
	}
	return extra, nil
}

// encodeWithExtras encodes v and merges extra into the resulting object.
// Typed fields win over an extra member of the same name.
func encodeWithExtras(v any, extra Extras) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := members[k]; !ok {
			members[k] = raw
		}
	}
	return json.Marshal(members)
}

func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	return encodeWithExtras(plain(m), m.Extra)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	extra, err := decodeWithExtras(data, (*plain)(m))
	m.Extra = extra
	return err
}

func (o Order) MarshalJSON() ([]byte, error) {
	type plain Order
	return encodeWithExtras(plain(o), o.Extra)
}

func (o *Order) UnmarshalJSON(data []byte) error {
	type plain Order
	extra, err := decodeWithExtras(data, (*plain)(o))
	o.Extra = extra
	return err
}

func (p Provider) MarshalJSON() ([]byte, error) {
	type plain Provider
	return encodeWithExtras(plain(p), p.Extra)
}

func (p *Provider) UnmarshalJSON(data []byte) error {
	type plain Provider
	extra, err := decodeWithExtras(data, (*plain)(p))
	p.Extra = extra
	return err
}

func (i Item) MarshalJSON() ([]byte, error) {
	type plain Item
	return encodeWithExtras(plain(i), i.Extra)
}

func (i *Item) UnmarshalJSON(data []byte) error {
	type plain Item
	extra, err := decodeWithExtras(data, (*plain)(i))
	i.Extra = extra
	return err
}

func (b Billing) MarshalJSON() ([]byte, error) {
	type plain Billing
	return encodeWithExtras(plain(b), b.Extra)
}

func (b *Billing) UnmarshalJSON(data []byte) error {
	type plain Billing
	extra, err := decodeWithExtras(data, (*plain)(b))
	b.Extra = extra
	return err
}

func (f Fulfillment) MarshalJSON() ([]byte, error) {
	type plain Fulfillment
	return encodeWithExtras(plain(f), f.Extra)
}

func (f *Fulfillment) UnmarshalJSON(data []byte) error {
	type plain Fulfillment
	extra, err := decodeWithExtras(data, (*plain)(f))
	f.Extra = extra
	return err
}

func (s Stop) MarshalJSON() ([]byte, error) {
	type plain Stop
	return encodeWithExtras(plain(s), s.Extra)
}

func (s *Stop) UnmarshalJSON(data []byte) error {
	type plain Stop
	extra, err := decodeWithExtras(data, (*plain)(s))
	s.Extra = extra
	return err
}

func (l Location) MarshalJSON() ([]byte, error) {
	type plain Location
	return encodeWithExtras(plain(l), l.Extra)
}

func (l *Location) UnmarshalJSON(data []byte) error {
	type plain Location
	extra, err := decodeWithExtras(data, (*plain)(l))
	l.Extra = extra
	return err
}

func (q Quote) MarshalJSON() ([]byte, error) {
	type plain Quote
	return encodeWithExtras(plain(q), q.Extra)
}

func (q *Quote) UnmarshalJSON(data []byte) error {
	type plain Quote
	extra, err := decodeWithExtras(data, (*plain)(q))
	q.Extra = extra
	return err
}

func (b QuoteBreakup) MarshalJSON() ([]byte, error) {
	type plain QuoteBreakup
	return encodeWithExtras(plain(b), b.Extra)
}

func (b *QuoteBreakup) UnmarshalJSON(data []byte) error {
	type plain QuoteBreakup
	extra, err := decodeWithExtras(data, (*plain)(b))
	b.Extra = extra
	return err
}

func (p Payment) MarshalJSON() ([]byte, error) {
	type plain Payment
	return encodeWithExtras(plain(p), p.Extra)
}

func (p *Payment) UnmarshalJSON(data []byte) error {
	type plain Payment
	extra, err := decodeWithExtras(data, (*plain)(p))
	p.Extra = extra
	return err
}
