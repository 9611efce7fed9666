// File: protocol/hpack/table.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package hpack

// DynamicTable is the FIFO of recently indexed fields. Index 1 is the newest
// entry. Its Size never exceeds MaxSize.
type DynamicTable struct {
	ents    []HeaderField // oldest first
	size    uint32
	maxSize uint32
}

// NewDynamicTable returns an empty table bounded by maxSize.
func NewDynamicTable(maxSize uint32) *DynamicTable {
	return &DynamicTable{maxSize: maxSize}
}

func (t *DynamicTable) Len() int        { return len(t.ents) }
func (t *DynamicTable) Size() uint32    { return t.size }
func (t *DynamicTable) MaxSize() uint32 { return t.maxSize }

// SetMaxSize changes the bound and evicts oldest entries until Size fits.
func (t *DynamicTable) SetMaxSize(v uint32) {
	t.maxSize = v
	t.evict(0)
}

// Add inserts f as the newest entry, evicting as needed. A field larger than
// MaxSize empties the table and is not stored.
func (t *DynamicTable) Add(f HeaderField) {
	sz := f.Size()
	if sz > t.maxSize {
		t.evict(t.maxSize)
		return
	}
	t.evict(sz)
	f.Sensitive = false
	t.ents = append(t.ents, f)
	t.size += sz
}

// evict drops oldest entries until room more bytes fit.
func (t *DynamicTable) evict(room uint32) {
	n := 0
	for n < len(t.ents) && t.size+room > t.maxSize {
		t.size -= t.ents[n].Size()
		n++
	}
	if n == 0 {
		return
	}
	copy(t.ents, t.ents[n:])
	for i := len(t.ents) - n; i < len(t.ents); i++ {
		t.ents[i] = HeaderField{}
	}
	t.ents = t.ents[:len(t.ents)-n]
}

// At returns dynamic entry i (1-based, newest first).
func (t *DynamicTable) At(i int) (HeaderField, bool) {
	if i < 1 || i > len(t.ents) {
		return HeaderField{}, false
	}
	return t.ents[len(t.ents)-i], true
}

// Fields returns a copy of the entries, newest first.
func (t *DynamicTable) Fields() []HeaderField {
	out := make([]HeaderField, len(t.ents))
	for i := range out {
		out[i] = t.ents[len(t.ents)-1-i]
	}
	return out
}

// search returns the dynamic index of an exact match, or of the newest
// entry with the same name when exact is false. Zero means no match.
func (t *DynamicTable) search(f HeaderField) (idx int, exact bool) {
	for i := len(t.ents) - 1; i >= 0; i-- {
		e := t.ents[i]
		if e.Name != f.Name {
			continue
		}
		if e.Value == f.Value {
			return len(t.ents) - i, true
		}
		if idx == 0 {
			idx = len(t.ents) - i
		}
	}
	return idx, false
}

// lookup resolves an index in the combined static + dynamic space.
func (t *DynamicTable) lookup(i uint64) (HeaderField, bool) {
	if i == 0 {
		return HeaderField{}, false
	}
	if i <= uint64(StaticTableLen) {
		return staticTable[i-1], true
	}
	i -= uint64(StaticTableLen)
	if i > uint64(len(t.ents)) {
		return HeaderField{}, false
	}
	return t.At(int(i))
}
