// Package beacon holds the pending beacon variables and turns a finished
// variable set into the wire parameter string.
package beacon

// Priority buckets for parameter emission.
const (
	PriorityFirst  = -1
	PriorityNormal = 0
	PriorityLast   = 1
)

// Vars is an ordered set of beacon variables. Overwriting a name keeps its
// position; removing and re-adding it moves it to the end. Names may also
// be marked single-beacon, and carry a first/last emission priority.
//
// Vars is not safe for concurrent use.
type Vars struct {
	keys   []string
	values map[string]any

	single map[string]struct{}

	// prioKeys keeps priority-map insertion order; prio holds the bucket.
	prioKeys []string
	prio     map[string]int
}

func NewVars() *Vars {
	return &Vars{
		values: make(map[string]any),
		single: make(map[string]struct{}),
		prio:   make(map[string]int),
	}
}

// Set stores value under name.
func (v *Vars) Set(name string, value any) {
	if _, ok := v.values[name]; !ok {
		v.keys = append(v.keys, name)
	}
	v.values[name] = value
}

// Add stores value under name, marking it single-beacon when single is true.
func (v *Vars) Add(name string, value any, single bool) {
	v.Set(name, value)
	if single {
		v.single[name] = struct{}{}
	}
}

// Append comma-joins value onto an existing non-empty value.
func (v *Vars) Append(name, value string) {
	existing := ""
	if cur, ok := v.values[name]; ok && cur != nil {
		existing = FormatValue(cur, nil)
	}
	if existing != "" {
		existing += ","
	}
	v.Set(name, existing+value)
}

// Remove deletes names. Single-beacon marks are left alone, so a name
// re-added later is still cleared by the next beacon.
func (v *Vars) Remove(names ...string) {
	for _, name := range names {
		if _, ok := v.values[name]; !ok {
			continue
		}
		delete(v.values, name)
		for i, k := range v.keys {
			if k == name {
				v.keys = append(v.keys[:i], v.keys[i+1:]...)
				break
			}
		}
	}
}

func (v *Vars) Has(name string) bool {
	_, ok := v.values[name]
	return ok
}

func (v *Vars) Get(name string) (any, bool) {
	val, ok := v.values[name]
	return val, ok
}

// String returns the named value formatted for the wire, or "" if unset.
func (v *Vars) String(name string) string {
	val, ok := v.values[name]
	if !ok {
		return ""
	}
	return FormatValue(val, nil)
}

func (v *Vars) Len() int { return len(v.keys) }

// Keys returns names in insertion order.
func (v *Vars) Keys() []string {
	out := make([]string, len(v.keys))
	copy(out, v.keys)
	return out
}

// Each calls fn for every variable in insertion order.
func (v *Vars) Each(fn func(name string, value any)) {
	for _, k := range v.Keys() {
		fn(k, v.values[k])
	}
}

// Map returns an unordered copy of the variables.
func (v *Vars) Map() map[string]any {
	out := make(map[string]any, len(v.values))
	for k, val := range v.values {
		out[k] = val
	}
	return out
}

// SetPriority places name in the first (-1) or last (+1) bucket. Any other
// value is ignored.
func (v *Vars) SetPriority(name string, p int) {
	if p != PriorityFirst && p != PriorityLast {
		return
	}
	if _, ok := v.prio[name]; !ok {
		v.prioKeys = append(v.prioKeys, name)
	}
	v.prio[name] = p
}

func (v *Vars) Priority(name string) int {
	return v.prio[name]
}

// IsSingle reports whether name is marked single-beacon.
func (v *Vars) IsSingle(name string) bool {
	_, ok := v.single[name]
	return ok
}

// ClearSingle removes every single-beacon variable and resets the marks.
func (v *Vars) ClearSingle() {
	for name := range v.single {
		v.Remove(name)
	}
	v.single = make(map[string]struct{})
}

// Clone returns a shallow copy. Values are shared, ordering and
// priorities are not.
func (v *Vars) Clone() *Vars {
	c := &Vars{
		keys:     make([]string, len(v.keys)),
		values:   make(map[string]any, len(v.values)),
		single:   make(map[string]struct{}, len(v.single)),
		prioKeys: make([]string, len(v.prioKeys)),
		prio:     make(map[string]int, len(v.prio)),
	}
	copy(c.keys, v.keys)
	copy(c.prioKeys, v.prioKeys)
	for k, val := range v.values {
		c.values[k] = val
	}
	for k := range v.single {
		c.single[k] = struct{}{}
	}
	for k, p := range v.prio {
		c.prio[k] = p
	}
	return c
}

// Ordered returns the present names in emission order: the first bucket in
// priority insertion order, then unprioritized names in insertion order,
// then the last bucket in priority insertion order.
func (v *Vars) Ordered() []string {
	out := make([]string, 0, len(v.keys))
	for _, k := range v.prioKeys {
		if v.prio[k] == PriorityFirst && v.Has(k) {
			out = append(out, k)
		}
	}
	for _, k := range v.keys {
		if v.prio[k] == PriorityNormal {
			out = append(out, k)
		}
	}
	for _, k := range v.prioKeys {
		if v.prio[k] == PriorityLast && v.Has(k) {
			out = append(out, k)
		}
	}
	return out
}
