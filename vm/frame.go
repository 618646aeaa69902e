package vm

// frame is a single activation record pushed by CALL_USER or
// CALL_CLOSURE and popped by the matching RET (or discarded wholesale
// by a THROW unwind). The frame stack is a LIFO; we store it as a
// slice with the top at the end rather than the teacher's/reference's
// singly-linked list, since Go slices make "unwind down to depth N"
// a simple truncation.
type frame struct {
	returnIP  int
	returnDst int
	// savedRegs holds regs[0:len(savedRegs)] as they stood immediately
	// before the call. Only this conservative window is saved: the
	// call convention guarantees a callee only clobbers its argument
	// and capture registers, and registers beyond that window remain
	// visible as GC roots in the live register file regardless.
	savedRegs []Value
}

// pushFrame records a new activation and returns the frame stack with
// it appended (top of stack).
func pushFrame(frames []frame, returnIP int, returnDst int, regs []Value, n int) []frame {
	saved := make([]Value, n)
	copy(saved, regs[:n])
	return append(frames, frame{returnIP: returnIP, returnDst: returnDst, savedRegs: saved})
}
