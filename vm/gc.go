package vm

// gcStringThreshold is the reference threshold from the design: once
// the live string count exceeds this after any instruction, the VM
// runs a full GC cycle.
const gcStringThreshold = 1024

// collect runs one mark-and-sweep cycle over the heap, rooted by live
// registers and every live frame's saved register window. String
// survivors are compacted (re-numbered in survivor order) and every
// reachable STRING value anywhere — registers, frame saves, object
// fields — is rewritten to match, preserving I3 (index stability
// between cycles) for everything still alive.
func (h *heap) collect(regs []Value, frames []frame) {
	h.markRoots(regs, frames)
	h.propagate()
	remap := h.sweepStrings()
	h.rewriteStringRefs(regs, remap)
	for i := range frames {
		h.rewriteStringRefs(frames[i].savedRegs, remap)
	}
	for i := range h.objects {
		if h.objects[i].alive {
			h.rewriteStringRefs(h.objects[i].fields, remap)
		}
	}
	h.sweepObjects()
}

func (h *heap) markRoots(regs []Value, frames []frame) {
	for _, v := range regs {
		h.markValue(v)
	}
	for _, fr := range frames {
		for _, v := range fr.savedRegs {
			h.markValue(v)
		}
	}
}

func (h *heap) markValue(v Value) {
	switch v.Kind {
	case KindString:
		if v.Idx >= 0 && v.Idx < len(h.strings) {
			h.strings[v.Idx].marked = true
		}
	case KindObject:
		if o, ok := h.objectAt(v.Idx); ok {
			o.marked = true
		}
	}
}

// propagate computes the fixed point of the object reachability graph:
// any marked, alive object's fields mark the strings/objects they
// reference, repeated until nothing new is marked. Frame-saved values
// are leaf roots and are not traversed further here — they were
// already marked directly by markRoots.
func (h *heap) propagate() {
	for changed := true; changed; {
		changed = false
		for i := range h.objects {
			o := &h.objects[i]
			if !o.alive || !o.marked {
				continue
			}
			for _, fv := range o.fields {
				switch fv.Kind {
				case KindString:
					if fv.Idx >= 0 && fv.Idx < len(h.strings) && !h.strings[fv.Idx].marked {
						h.strings[fv.Idx].marked = true
						changed = true
					}
				case KindObject:
					if obj, ok := h.objectAt(fv.Idx); ok && !obj.marked {
						obj.marked = true
						changed = true
					}
				}
			}
		}
	}
}

// sweepStrings deletes unmarked strings and returns a mapping from old
// index to new index (-1 if the string was collected). Survivors keep
// their relative order, which is what makes this equivalent to
// compaction per the design notes.
func (h *heap) sweepStrings() []int {
	remap := make([]int, len(h.strings))
	survivors := h.strings[:0]
	for i, s := range h.strings {
		if s.marked {
			s.marked = false
			remap[i] = len(survivors)
			survivors = append(survivors, s)
		} else {
			remap[i] = -1
		}
	}
	h.strings = survivors
	return remap
}

func (h *heap) rewriteStringRefs(vals []Value, remap []int) {
	for i, v := range vals {
		if v.Kind != KindString {
			continue
		}
		if v.Idx >= 0 && v.Idx < len(remap) {
			vals[i].Idx = remap[v.Idx]
		}
	}
}

func (h *heap) sweepObjects() {
	for i := range h.objects {
		o := &h.objects[i]
		if !o.alive {
			continue
		}
		if !o.marked {
			o.fields = nil
			o.alive = false
			h.freeList = append(h.freeList, i)
			continue
		}
		// Clear the mark for the next cycle; field string references
		// were already rewritten by collect before this pass ran.
		o.marked = false
	}
}
