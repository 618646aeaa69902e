package vm

// Verify performs the single linear structural pass described in the
// design: walk ip from 0 to len(Code), advancing by each opcode's
// fixed operand width, failing on an unknown opcode byte or on
// operand bytes that run past the end of Code. It does not validate
// register indices, constant indices, or branch targets; those
// remain runtime checks in the interpreter (I7).
func Verify(bc *Bytecode) error {
	code := bc.Code
	n := len(code)
	ip := 0
	for ip < n {
		op := Opcode(code[ip])
		ip++
		width, ok := fixedOperandWidth(op)
		if !ok {
			return ErrUnknownOpcode
		}
		if op == OpMkClosure {
			// dst, const_idx, ncaptures are all present before we can
			// know how many trailing capture registers follow.
			if ip+12 > n {
				return ErrTruncatedInstruction
			}
			nc := bc.readI32(ip + 8)
			if nc < 0 {
				return ErrNegativeCaptureCount
			}
			total := 12 + int(nc)*4
			if ip+total > n {
				return ErrTruncatedCaptures
			}
			ip += total
			continue
		}
		if ip+width > n {
			return ErrTruncatedInstruction
		}
		ip += width
	}
	return nil
}

// fixedOperandWidth returns the number of operand bytes (excluding the
// opcode byte itself) for opcodes whose width does not depend on their
// operands. MK_CLOSURE is variable-width and handled separately by the
// caller; its entry here only marks it as a known opcode, and the
// width it returns is not used.
func fixedOperandWidth(op Opcode) (int, bool) {
	switch op {
	case OpHalt, OpPopHandler:
		return 0, true
	case OpLoadConst, OpMov, OpJz, OpAllocStr:
		return 8, true
	case OpAdd, OpSub, OpMul, OpDiv, OpCall, OpCallUser, OpCallClosure:
		return 12, true
	case OpPrint, OpJmp, OpRet, OpThrow, OpPushHandler:
		return 4, true
	case OpMkClosure:
		return 0, true // variable width, handled by Verify directly
	default:
		return 0, false
	}
}
