package vm

import (
	"fmt"
	"io"
)

// Disassemble writes a non-normative, human-readable rendering of bc
// to w: one line per instruction, in the same "offset: opcode MNEMONIC
// operands" shape the reference disassembler uses. Disassembly does
// not validate register or constant indices and tolerates a trailing
// truncated instruction by stopping early — it is a debugging aid, not
// part of the verified-execution path.
func Disassemble(bc *Bytecode, w io.Writer) error {
	code := bc.Code
	n := len(code)
	ip := 0
	for ip < n {
		start := ip
		op := Opcode(code[ip])
		ip++

		line, consumed, ok := disassembleOne(bc, op, ip)
		if !ok {
			fmt.Fprintf(w, "%04d: %02d TRUNCATED\n", start, op)
			return nil
		}
		fmt.Fprintf(w, "%04d: %02d %s\n", start, op, line)
		ip = consumed
	}
	return nil
}

func disassembleOne(bc *Bytecode, op Opcode, ip int) (line string, next int, ok bool) {
	code := bc.Code
	need := func(n int) bool { return ip+n <= len(code) }

	readI32 := func() int32 {
		v := bc.readI32(ip)
		ip += 4
		return v
	}

	switch op {
	case OpHalt:
		return "OP_HALT", ip, true
	case OpPopHandler:
		return "OP_POP_HANDLER", ip, true
	case OpLoadConst:
		if !need(8) {
			return "", ip, false
		}
		r, ci := readI32(), readI32()
		return fmt.Sprintf("OP_LOAD_CONST r%d const#%d", r, ci), ip, true
	case OpMov:
		if !need(8) {
			return "", ip, false
		}
		d, s := readI32(), readI32()
		return fmt.Sprintf("OP_MOV r%d r%d", d, s), ip, true
	case OpAdd, OpSub, OpMul, OpDiv:
		if !need(12) {
			return "", ip, false
		}
		dst, a, b := readI32(), readI32(), readI32()
		return fmt.Sprintf("OP_%s r%d r%d r%d", op, dst, a, b), ip, true
	case OpPrint:
		if !need(4) {
			return "", ip, false
		}
		r := readI32()
		return fmt.Sprintf("OP_PRINT r%d", r), ip, true
	case OpJmp:
		if !need(4) {
			return "", ip, false
		}
		loc := readI32()
		return fmt.Sprintf("OP_JMP %d", loc), ip, true
	case OpJz:
		if !need(8) {
			return "", ip, false
		}
		r, loc := readI32(), readI32()
		return fmt.Sprintf("OP_JZ r%d %d", r, loc), ip, true
	case OpAllocStr:
		if !need(8) {
			return "", ip, false
		}
		dst, ci := readI32(), readI32()
		return fmt.Sprintf("OP_ALLOC_STR r%d const#%d", dst, ci), ip, true
	case OpCall:
		if !need(12) {
			return "", ip, false
		}
		fi, nargs, dst := readI32(), readI32(), readI32()
		return fmt.Sprintf("OP_CALL f%d nargs=%d dst=r%d", fi, nargs, dst), ip, true
	case OpCallUser:
		if !need(12) {
			return "", ip, false
		}
		ci, nargs, dst := readI32(), readI32(), readI32()
		return fmt.Sprintf("OP_CALL_USER const#%d nargs=%d dst=r%d", ci, nargs, dst), ip, true
	case OpRet:
		if !need(4) {
			return "", ip, false
		}
		r := readI32()
		return fmt.Sprintf("OP_RET r%d", r), ip, true
	case OpThrow:
		if !need(4) {
			return "", ip, false
		}
		r := readI32()
		return fmt.Sprintf("OP_THROW r%d", r), ip, true
	case OpPushHandler:
		if !need(4) {
			return "", ip, false
		}
		loc := readI32()
		return fmt.Sprintf("OP_PUSH_HANDLER %d", loc), ip, true
	case OpMkClosure:
		if !need(12) {
			return "", ip, false
		}
		dst, ci, nc := readI32(), readI32(), readI32()
		s := fmt.Sprintf("OP_MK_CLOSURE r%d const#%d ncaptures=%d", dst, ci, nc)
		for i := int32(0); i < nc; i++ {
			if !need(4) {
				return s, len(code), true
			}
			r := readI32()
			s += fmt.Sprintf("\n    capture r%d", r)
		}
		return s, ip, true
	case OpCallClosure:
		if !need(12) {
			return "", ip, false
		}
		robj, nargs, dst := readI32(), readI32(), readI32()
		return fmt.Sprintf("OP_CALL_CLOSURE robj=r%d nargs=%d dst=r%d", robj, nargs, dst), ip, true
	default:
		return fmt.Sprintf("UNKNOWN OPCODE %d", op), ip, true
	}
}
