package values

// Table is Lua's hybrid array+map container (spec section 3.3). The array
// part is kept 1-indexed from the caller's point of view (index 0 of the
// slice backs Lua index 1); the map part holds everything else, including
// boolean keys, which per the invariant are always map keys.
type Table struct {
	array      []Value
	hash       map[interface{}]Value
	Metatable  *TableRef
}

// TableRef is the reference handle stored inside a Value; Lua tables are
// aliased by reference so mutation through one handle is visible to all.
type TableRef = Table

func NewTableRef() *TableRef {
	return &Table{hash: make(map[interface{}]Value)}
}

// normalizeKey aliases integer-valued floats to their integer key. It
// does not reject Nil or NaN keys; that is left to callers.
func normalizeKey(key Value) interface{} {
	switch key.Type {
	case TypeFloat:
		f := key.Data.(float64)
		if i := int64(f); float64(i) == f {
			return i
		}
		return f
	case TypeInt:
		return key.Data.(int64)
	case TypeString:
		return key.Data.(string)
	case TypeBool:
		return key.Data.(bool)
	default:
		return key.Data
	}
}

// Len implements lua_len(): the length of the array part ignoring
// trailing Nil.
func (t *Table) Len() int64 {
	n := len(t.array)
	for n > 0 && t.array[n-1].IsNil() {
		n--
	}
	return int64(n)
}

// Get reads t[key] from the array part when key is an in-range integer,
// otherwise from the map part. Does not consult __index; the VM's
// TableGet opcode handler does that.
func (t *Table) Get(key Value) Value {
	nk := normalizeKey(key)
	if i, ok := nk.(int64); ok && i >= 1 && int(i) <= len(t.array) {
		return t.array[i-1]
	}
	if v, ok := t.hash[nk]; ok {
		return v
	}
	return Nil
}

// Set writes t[key] = v honoring the array-extension and array-shrink
// invariants from spec section 3.3. A bool key is always a map key.
func (t *Table) Set(key Value, v Value) {
	nk := normalizeKey(key)
	if i, ok := nk.(int64); ok && i >= 1 {
		idx := int(i)
		switch {
		case idx <= len(t.array):
			t.array[idx-1] = v
			if v.IsNil() && idx == len(t.array) {
				t.shrinkArray()
			}
			return
		case idx == len(t.array)+1 && !v.IsNil():
			t.array = append(t.array, v)
			t.absorbFromHash()
			return
		}
	}
	if v.IsNil() {
		delete(t.hash, nk)
		return
	}
	t.hash[nk] = v
}

func (t *Table) shrinkArray() {
	n := len(t.array)
	for n > 0 && t.array[n-1].IsNil() {
		n--
	}
	t.array = t.array[:n]
}

// absorbFromHash pulls any map-part integer keys that now directly extend
// the array (e.g. after appending index N, key N+1 may already be in the
// hash part from an earlier out-of-order assignment).
func (t *Table) absorbFromHash() {
	for {
		next := int64(len(t.array) + 1)
		v, ok := t.hash[next]
		if !ok {
			return
		}
		delete(t.hash, next)
		t.array = append(t.array, v)
	}
}

// Append adds v to the end of the array part (TableAppend opcode).
func (t *Table) Append(v Value) {
	t.array = append(t.array, v)
	t.absorbFromHash()
}

// Extend appends every element of vs to the array part (TableExtend,
// used for trailing-call/vararg expansion in table constructors).
func (t *Table) Extend(vs []Value) {
	for _, v := range vs {
		t.Append(v)
	}
}

// ArrayPart exposes the dense array slice for iteration (generic for,
// table.sort, ipairs).
func (t *Table) ArrayPart() []Value {
	return t.array
}

// HashKeys returns the map-part keys as Values, for pairs()/next().
func (t *Table) HashKeys() []Value {
	out := make([]Value, 0, len(t.hash))
	for k := range t.hash {
		out = append(out, keyToValue(k))
	}
	return out
}

func keyToValue(k interface{}) Value {
	switch x := k.(type) {
	case int64:
		return Int(x)
	case float64:
		return Float(x)
	case string:
		return Str(x)
	case bool:
		return Bool(x)
	default:
		return Nil
	}
}

// Cell is a heap-allocated mutable box used as an upvalue (spec 3.5).
type Cell struct {
	Value Value
}

// Closure bundles a compiled function label with the cells it captured
// (spec 3.4).
type Closure struct {
	Label     string
	Upvalues  []*Cell
	DebugName string
}

// CoroutineStatus is the coroutine state machine from spec section 3.8/4.8.
type CoroutineStatus int

const (
	CoroutineSuspended CoroutineStatus = iota
	CoroutineRunning
	CoroutineDead
)

func (s CoroutineStatus) String() string {
	switch s {
	case CoroutineSuspended:
		return "suspended"
	case CoroutineRunning:
		return "running"
	case CoroutineDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Coroutine is a suspended VM thread (spec 3.8). VMState is an opaque
// pointer to the owning package's inner-VM state (avoids an import cycle
// between values and vm); the lua/coroutine package populates it.
type Coroutine struct {
	ID             string
	ParentID       string
	Status         CoroutineStatus
	Started        bool
	AwaitingResume bool
	Closure        *Closure
	VMState        interface{}
	LastYield      []Value
	LastError      string
}
