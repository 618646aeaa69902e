package vm

// heapString is an owned byte sequence plus a transient mark bit used
// by the collector. The C reference keeps a singly-linked list of
// these walked by index (see design notes in the original draft); we
// use a slice instead so string lookup by index is O(1) rather than a
// pointer-chase, while preserving the same external contract: a live
// string's index does not change between two GC cycles (I3).
type heapString struct {
	bytes  []byte
	marked bool
}

// heapObject is a fixed-size field vector. Objects are slot-recycled:
// a freed slot's index may be reused by a later allocation once sweep
// has run, at which point it denotes a brand new object.
type heapObject struct {
	fields []Value
	marked bool
	alive  bool
}

// heap owns the VM's two garbage-collected pools: heap strings
// addressed by stable integer index, and heap objects addressed by
// slot indices that may be reused after a sweep.
type heap struct {
	strings []heapString

	objects  []heapObject
	freeList []int
}

func newHeap() *heap {
	return &heap{}
}

// allocString appends a new string and returns its current index.
func (h *heap) allocString(s []byte) int {
	cp := make([]byte, len(s))
	copy(cp, s)
	h.strings = append(h.strings, heapString{bytes: cp})
	return len(h.strings) - 1
}

// stringAt returns the bytes for a live string index, or (nil, false)
// if the index is out of range. A deleted-but-not-yet-swept string
// never occurs: sweep always removes dead entries fully (see gc.go).
func (h *heap) stringAt(idx int) ([]byte, bool) {
	if idx < 0 || idx >= len(h.strings) {
		return nil, false
	}
	return h.strings[idx].bytes, true
}

func (h *heap) stringCount() int { return len(h.strings) }

// allocObject pops a free slot if one exists, else appends a new one,
// and returns its index with field_count fields all NONE.
func (h *heap) allocObject(fieldCount int) int {
	fields := make([]Value, fieldCount)
	if n := len(h.freeList); n > 0 {
		idx := h.freeList[n-1]
		h.freeList = h.freeList[:n-1]
		h.objects[idx] = heapObject{fields: fields, alive: true}
		return idx
	}
	h.objects = append(h.objects, heapObject{fields: fields, alive: true})
	return len(h.objects) - 1
}

func (h *heap) objectAt(idx int) (*heapObject, bool) {
	if idx < 0 || idx >= len(h.objects) {
		return nil, false
	}
	o := &h.objects[idx]
	if !o.alive {
		return nil, false
	}
	return o, true
}

func (h *heap) setField(idx, field int, v Value) bool {
	o, ok := h.objectAt(idx)
	if !ok || field < 0 || field >= len(o.fields) {
		return false
	}
	o.fields[field] = v
	return true
}

func (h *heap) getField(idx, field int) Value {
	o, ok := h.objectAt(idx)
	if !ok || field < 0 || field >= len(o.fields) {
		return NoneValue()
	}
	return o.fields[field]
}
