package headers

// DefaultTableSize is the default dynamic table budget in bytes (HPACK default).
const DefaultTableSize uint32 = 4096

// staticEntries are addressable by index on every connection. They carry
// names only; values always come from the frame or the dynamic table.
var staticEntries = []Header{
	{Name: TraceID},
	{Name: SpanID},
	{Name: ParentID},
	{Name: RPCName},
	{Name: "authorization"},
	{Name: "request_id"},
	{Name: "deadline"},
}

// StaticLen is the number of static entries preceding the dynamic ones.
var StaticLen = len(staticEntries)

// Table is a size-bounded FIFO of recently recorded headers.
//
// Index space: [0, StaticLen) addresses static entries, StaticLen and up
// address dynamic entries newest first. Once the total size exceeds the
// budget the oldest entries are evicted.
//
// A Table belongs to exactly one connection and is not safe for concurrent
// use.
type Table struct {
	budget uint32
	size   uint32
	// entries are stored oldest first.
	entries []Header
}

// NewTable creates a table holding at most budget bytes of entries.
func NewTable(budget uint32) *Table {
	return &Table{budget: budget}
}

// Budget returns the configured byte budget.
func (t *Table) Budget() uint32 { return t.budget }

// Size returns the accounted size of all dynamic entries.
func (t *Table) Size() uint32 { return t.size }

// Len returns the number of dynamic entries.
func (t *Table) Len() int { return len(t.entries) }

// Record appends hs to the table in order, evicting the oldest entries
// while the table is over budget. An entry larger than the whole budget
// empties the table and is not stored.
func (t *Table) Record(hs ...Header) {
	for _, h := range hs {
		h.Value = append([]byte(nil), h.Value...)
		h.Indexed = true

		size := h.Size()
		if size > t.budget {
			t.entries = t.entries[:0]
			t.size = 0
			continue
		}

		t.entries = append(t.entries, h)
		t.size += size
		t.evict()
	}
}

// Resize changes the budget, evicting entries if needed.
func (t *Table) Resize(budget uint32) {
	t.budget = budget
	t.evict()
}

func (t *Table) evict() {
	n := 0
	for t.size > t.budget && n < len(t.entries) {
		t.size -= t.entries[n].Size()
		n++
	}
	if n > 0 {
		t.entries = append(t.entries[:0], t.entries[n:]...)
	}
}

// Find returns the value of the most recently recorded header named name.
func (t *Table) Find(name string) ([]byte, bool) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].Name == name {
			return t.entries[i].Value, true
		}
	}
	return nil, false
}

// At resolves an index into a header.
func (t *Table) At(index int) (Header, bool) {
	if index < 0 {
		return Header{}, false
	}
	if index < len(staticEntries) {
		return staticEntries[index], true
	}
	index -= len(staticEntries)
	if index >= len(t.entries) {
		return Header{}, false
	}
	return t.entries[len(t.entries)-1-index], true
}

// IndexOf returns the index of the newest entry equal to h, or of a static
// or dynamic entry with the same name when nameOnly is set.
func (t *Table) IndexOf(h Header, nameOnly bool) (int, bool) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if e.Name == h.Name && (nameOnly || e.Equal(h)) {
			return len(staticEntries) + len(t.entries) - 1 - i, true
		}
	}
	if nameOnly {
		for i, e := range staticEntries {
			if e.Name == h.Name {
				return i, true
			}
		}
	}
	return 0, false
}
