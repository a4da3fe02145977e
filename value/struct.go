package value

// Member is one named entry of a Struct.
type Member struct {
	Name  string
	Value Value
}

// Struct is an ordered mapping of unique names to values. Insertion order is
// preserved. Adding a name that is already present replaces its value in
// place, so the last occurrence wins while the first position is kept.
//
// The zero Struct is empty and ready to use.
type Struct struct {
	keys []string
	vals map[string]Value
}

// NewStruct builds a Struct from members in order.
func NewStruct(members ...Member) Struct {
	s := Struct{}
	for _, m := range members {
		s = s.With(m.Name, m.Value)
	}
	return s
}

// With returns a copy of s with name set to v.
func (s Struct) With(name string, v Value) Struct {
	if v == nil {
		v = Nil{}
	}
	out := Struct{
		keys: make([]string, len(s.keys), len(s.keys)+1),
		vals: make(map[string]Value, len(s.vals)+1),
	}
	copy(out.keys, s.keys)
	for k, e := range s.vals {
		out.vals[k] = e
	}
	if _, ok := out.vals[name]; !ok {
		out.keys = append(out.keys, name)
	}
	out.vals[name] = v
	return out
}

// Len returns the number of members.
func (s Struct) Len() int {
	return len(s.keys)
}

// Get returns the value stored under name.
func (s Struct) Get(name string) (Value, bool) {
	v, ok := s.vals[name]
	return v, ok
}

// Keys returns the member names in insertion order.
func (s Struct) Keys() []string {
	keys := make([]string, len(s.keys))
	copy(keys, s.keys)
	return keys
}

// Members returns the members in insertion order.
func (s Struct) Members() []Member {
	members := make([]Member, 0, len(s.keys))
	for _, k := range s.keys {
		members = append(members, Member{Name: k, Value: s.vals[k]})
	}
	return members
}

// StructBuilder accumulates members without copying on every insert. It is
// used by decoders that build large structs.
type StructBuilder struct {
	s Struct
}

// Set adds or replaces name. A repeated name keeps its first position and
// takes the latest value.
func (b *StructBuilder) Set(name string, v Value) {
	if v == nil {
		v = Nil{}
	}
	if b.s.vals == nil {
		b.s.vals = make(map[string]Value)
	}
	if _, ok := b.s.vals[name]; !ok {
		b.s.keys = append(b.s.keys, name)
	}
	b.s.vals[name] = v
}

// Struct returns the built value. The builder must not be used afterwards.
func (b *StructBuilder) Struct() Struct {
	s := b.s
	b.s = Struct{}
	return s
}
