package vm

import "strconv"

// Run verifies the loaded bytecode (if not already verified) and
// executes it to completion. It returns nil on a normal HALT/RET-at-
// empty-frame-stack termination, or one of the sentinel errors in
// errors.go on a VM-level fault. Every error terminates the run
// immediately; there is no host-level recovery (the bytecode-level
// THROW/PUSH_HANDLER protocol is the only in-band recovery channel).
func (vm *VM) Run() error {
	if vm.bc == nil {
		return ErrNotVerified
	}
	if !vm.verified {
		if err := vm.Verify(); err != nil {
			return err
		}
	}

	code := vm.bc.Code
	for vm.ip < len(code) {
		op := Opcode(code[vm.ip])
		vm.ip++

		if err := vm.step(op); err != nil {
			if err == errHalt {
				return nil
			}
			return err
		}

		if vm.heap.stringCount() > gcStringThreshold {
			vm.heap.collect(vm.regs, vm.frames)
		}
	}
	return nil
}

// errHalt is an internal sentinel used to unwind out of step/Run on
// HALT or a RET with an empty frame stack; it never escapes Run.
var errHalt = &haltSignal{}

type haltSignal struct{}

func (*haltSignal) Error() string { return "halt" }

func (vm *VM) readI32() int32 {
	v := vm.bc.readI32(vm.ip)
	vm.ip += 4
	return v
}

func (vm *VM) checkReg(idx int32) (int, error) {
	if idx < 0 || int(idx) >= len(vm.regs) {
		return 0, ErrBadRegister
	}
	return int(idx), nil
}

func (vm *VM) constAt(ci int32) (*Constant, error) {
	if ci < 0 || int(ci) >= len(vm.bc.Consts) {
		return nil, ErrBadConstIndex
	}
	return &vm.bc.Consts[ci], nil
}

// jumpTo sets ip to an absolute branch target decoded from bytecode.
// The verifier deliberately does not validate branch targets (I7 only
// covers operand widths), so a negative target must be rejected here
// rather than left to wrap the Run loop's "ip < len(code)" guard: in
// the C reference ip is unsigned and a negative offset harmlessly
// wraps past code_size, but Go's signed int would instead panic
// indexing code[ip] with a negative index. An overlarge positive
// target needs no extra check: it simply fails the Run loop's bound
// and the loop exits as if the program ran off the end.
func (vm *VM) jumpTo(loc int32) error {
	if loc < 0 {
		return ErrBadBranchTarget
	}
	vm.ip = int(loc)
	return nil
}

// step decodes and executes a single instruction whose opcode byte
// has already been consumed.
func (vm *VM) step(op Opcode) error {
	switch op {
	case OpHalt:
		return errHalt

	case OpLoadConst:
		r, ci := vm.readI32(), vm.readI32()
		reg, err := vm.checkReg(r)
		if err != nil {
			return err
		}
		c, err := vm.constAt(ci)
		if err != nil {
			return err
		}
		switch c.Kind {
		case ConstInt:
			vm.regs[reg] = IntValue(c.I)
		case ConstDouble:
			vm.regs[reg] = DoubleValue(c.D)
		case ConstString:
			vm.regs[reg] = StringValue(vm.heap.allocString(c.S))
		case ConstFunction:
			// Unspecified: loading a FUNCTION constant through
			// LOAD_CONST is not a valid use of this op. We leave the
			// destination register untouched rather than guess at a
			// representation.
		}
		return nil

	case OpMov:
		d, s := vm.readI32(), vm.readI32()
		dst, err := vm.checkReg(d)
		if err != nil {
			return err
		}
		src, err := vm.checkReg(s)
		if err != nil {
			return err
		}
		vm.regs[dst] = vm.regs[src]
		return nil

	case OpAdd, OpSub, OpMul, OpDiv:
		return vm.execArith(op)

	case OpPrint:
		r := vm.readI32()
		reg, err := vm.checkReg(r)
		if err != nil {
			return err
		}
		vm.out.WriteString(vm.formatPrintValue(vm.regs[reg]))
		vm.out.WriteByte('\n')
		vm.out.Flush()
		return nil

	case OpJmp:
		loc := vm.readI32()
		return vm.jumpTo(loc)

	case OpJz:
		r, loc := vm.readI32(), vm.readI32()
		reg, err := vm.checkReg(r)
		if err != nil {
			return err
		}
		v := vm.regs[reg]
		if v.Kind == KindInt && v.I == 0 {
			return vm.jumpTo(loc)
		}
		return nil

	case OpAllocStr:
		d, ci := vm.readI32(), vm.readI32()
		dst, err := vm.checkReg(d)
		if err != nil {
			return err
		}
		c, err := vm.constAt(ci)
		if err != nil {
			return err
		}
		vm.regs[dst] = StringValue(vm.heap.allocString(c.S))
		return nil

	case OpCall:
		return vm.execCallNative()

	case OpCallUser:
		return vm.execCallUser()

	case OpRet:
		return vm.execRet()

	case OpThrow:
		return vm.execThrow()

	case OpPushHandler:
		loc := vm.readI32()
		if loc < 0 {
			return ErrBadBranchTarget
		}
		vm.handlers = append(vm.handlers, handler{
			handlerIP:           int(loc),
			frameDepthAtInstall: len(vm.frames),
		})
		return nil

	case OpPopHandler:
		if n := len(vm.handlers); n > 0 {
			vm.handlers = vm.handlers[:n-1]
		}
		return nil

	case OpMkClosure:
		return vm.execMkClosure()

	case OpCallClosure:
		return vm.execCallClosure()

	default:
		return ErrUnknownOpcode
	}
}

func (vm *VM) execArith(op Opcode) error {
	d, a, b := vm.readI32(), vm.readI32(), vm.readI32()
	dst, err := vm.checkReg(d)
	if err != nil {
		return err
	}
	ra, err := vm.checkReg(a)
	if err != nil {
		return err
	}
	rb, err := vm.checkReg(b)
	if err != nil {
		return err
	}
	av, bv := vm.regs[ra], vm.regs[rb]
	if av.Kind != KindInt || bv.Kind != KindInt {
		return ErrTypeMismatch
	}
	x, y := av.I, bv.I
	var result int64
	switch op {
	case OpAdd:
		result = x + y
	case OpSub:
		result = x - y
	case OpMul:
		result = x * y
	case OpDiv:
		if y == 0 {
			return ErrDivisionByZero
		}
		result = x / y
	}
	vm.regs[dst] = IntValue(result)
	return nil
}

func (vm *VM) execCallNative() error {
	fi, nargs, d := vm.readI32(), vm.readI32(), vm.readI32()
	dst, err := vm.checkReg(d)
	if err != nil {
		return err
	}
	if nargs < 0 || int(nargs) > len(vm.regs) {
		return ErrBadRegister
	}
	fn, ok := vm.natives.lookup(int(fi))
	if !ok {
		return ErrUnknownNative
	}
	args := make([]Value, nargs)
	copy(args, vm.regs[:nargs])
	vm.regs[dst] = fn(vm, args)
	return nil
}

func (vm *VM) execCallUser() error {
	ci, nargs, d := vm.readI32(), vm.readI32(), vm.readI32()
	dst, err := vm.checkReg(d)
	if err != nil {
		return err
	}
	c, err := vm.constAt(ci)
	if err != nil {
		return err
	}
	if c.Kind != ConstFunction {
		return ErrNotAFunctionConstant
	}
	if nargs < 0 || int(nargs) > len(vm.regs) {
		return ErrBadRegister
	}
	vm.frames = pushFrame(vm.frames, vm.ip, dst, vm.regs, int(nargs))
	vm.ip = int(c.Start)
	return nil
}

// execRet implements RET: with an empty frame stack the run halts
// successfully (return value discarded); otherwise the top frame is
// popped, the return value is captured before registers are restored,
// and control resumes at the caller's saved return address.
func (vm *VM) execRet() error {
	r := vm.readI32()
	reg, err := vm.checkReg(r)
	if err != nil {
		return err
	}
	if len(vm.frames) == 0 {
		return errHalt
	}
	top := len(vm.frames) - 1
	f := vm.frames[top]
	vm.frames = vm.frames[:top]

	retval := vm.regs[reg]
	copy(vm.regs[:len(f.savedRegs)], f.savedRegs)
	vm.regs[f.returnDst] = retval
	vm.ip = f.returnIP
	return nil
}

// execThrow implements THROW: copy the thrown value into r0, then
// unwind to the innermost handler, restoring frame depth to what it
// was when that handler was installed (I6).
func (vm *VM) execThrow() error {
	r := vm.readI32()
	reg, err := vm.checkReg(r)
	if err != nil {
		return err
	}
	vm.regs[0] = vm.regs[reg]

	n := len(vm.handlers)
	if n == 0 {
		return ErrUnhandledException
	}
	h := vm.handlers[n-1]
	vm.handlers = vm.handlers[:n-1]

	for len(vm.frames) > h.frameDepthAtInstall {
		vm.frames = vm.frames[:len(vm.frames)-1]
	}
	vm.ip = h.handlerIP
	return nil
}

func (vm *VM) execMkClosure() error {
	d, ci, nc := vm.readI32(), vm.readI32(), vm.readI32()
	dst, err := vm.checkReg(d)
	if err != nil {
		return err
	}
	c, err := vm.constAt(ci)
	if err != nil {
		return err
	}
	if c.Kind != ConstFunction {
		return ErrNotAFunctionConstant
	}
	objIdx := vm.heap.allocObject(int(nc) + 1)
	vm.heap.setField(objIdx, 0, IntValue(int64(ci)))
	for i := int32(0); i < nc; i++ {
		r := vm.readI32()
		reg, err := vm.checkReg(r)
		if err != nil {
			return err
		}
		vm.heap.setField(objIdx, int(1+i), vm.regs[reg])
	}
	vm.regs[dst] = ObjectValue(objIdx)
	return nil
}

func (vm *VM) execCallClosure() error {
	ro, nargs, d := vm.readI32(), vm.readI32(), vm.readI32()
	dst, err := vm.checkReg(d)
	if err != nil {
		return err
	}
	objReg, err := vm.checkReg(ro)
	if err != nil {
		return err
	}
	objVal := vm.regs[objReg]
	if objVal.Kind != KindObject {
		return ErrTypeMismatch
	}
	obj, ok := vm.heap.objectAt(objVal.Idx)
	if !ok {
		return ErrDeadClosureObject
	}
	fnField := obj.fields[0]
	if fnField.Kind != KindInt {
		return ErrTypeMismatch
	}
	c, err := vm.constAt(int32(fnField.I))
	if err != nil {
		return err
	}
	if c.Kind != ConstFunction {
		return ErrNotAFunctionConstant
	}
	if nargs < 0 || int(nargs) > len(vm.regs) {
		return ErrBadRegister
	}

	ncaptures := len(obj.fields) - 1
	if int(nargs)+ncaptures > len(vm.regs) {
		return ErrBadRegister
	}

	vm.frames = pushFrame(vm.frames, vm.ip, dst, vm.regs, int(nargs))
	for i := 0; i < ncaptures; i++ {
		vm.regs[int(nargs)+i] = obj.fields[1+i]
	}
	vm.ip = int(c.Start)
	return nil
}

// formatPrintValue renders a Value using the PRINT grammar from the
// design: decimal ints, shortest-round-trip doubles, raw string
// bytes, "OBJECT(fields=N)" for live objects, and the out-of-bounds
// markers for dangling string/object references.
func (vm *VM) formatPrintValue(v Value) string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.I, 10)
	case KindDouble:
		return strconv.FormatFloat(v.D, 'g', -1, 64)
	case KindString:
		b, ok := vm.heap.stringAt(v.Idx)
		if !ok {
			return "<string oob>"
		}
		return string(b)
	case KindObject:
		o, ok := vm.heap.objectAt(v.Idx)
		if !ok {
			return "OBJECT <oob>"
		}
		return "OBJECT(fields=" + strconv.Itoa(len(o.fields)) + ")"
	default:
		return "NONE"
	}
}
