package vm

import "encoding/binary"

// Opcode identifies a single bytecode instruction. Values match the
// wire format exactly: an opcode is a single byte followed by zero or
// more little-endian signed 32-bit operands.
type Opcode uint8

const (
	OpHalt Opcode = iota
	OpLoadConst
	OpMov
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpPrint
	OpJmp
	OpJz
	OpAllocStr
	OpCall
	OpCallUser
	OpRet
	OpThrow
	OpPushHandler
	OpPopHandler
	OpMkClosure
	OpCallClosure
)

func (op Opcode) String() string {
	switch op {
	case OpHalt:
		return "HALT"
	case OpLoadConst:
		return "LOAD_CONST"
	case OpMov:
		return "MOV"
	case OpAdd:
		return "ADD"
	case OpSub:
		return "SUB"
	case OpMul:
		return "MUL"
	case OpDiv:
		return "DIV"
	case OpPrint:
		return "PRINT"
	case OpJmp:
		return "JMP"
	case OpJz:
		return "JZ"
	case OpAllocStr:
		return "ALLOC_STR"
	case OpCall:
		return "CALL"
	case OpCallUser:
		return "CALL_USER"
	case OpRet:
		return "RET"
	case OpThrow:
		return "THROW"
	case OpPushHandler:
		return "PUSH_HANDLER"
	case OpPopHandler:
		return "POP_HANDLER"
	case OpMkClosure:
		return "MK_CLOSURE"
	case OpCallClosure:
		return "CALL_CLOSURE"
	default:
		return "UNKNOWN"
	}
}

// Bytecode is an immutable (once loaded) program representation: a
// byte buffer of instructions and an ordered constant pool. Builder
// methods are append-only and meant for hosts and tests; nothing in
// this package removes or rewrites previously emitted bytes other
// than the explicit patch helpers below.
type Bytecode struct {
	Code   []byte
	Consts []Constant
}

// NewBytecode returns an empty program ready for emission.
func NewBytecode() *Bytecode {
	return &Bytecode{}
}

// EmitU8 appends a single raw byte (typically an opcode) and returns
// its offset in Code.
func (bc *Bytecode) EmitU8(b byte) int {
	bc.Code = append(bc.Code, b)
	return len(bc.Code) - 1
}

// EmitOp appends an opcode byte.
func (bc *Bytecode) EmitOp(op Opcode) int {
	return bc.EmitU8(byte(op))
}

// EmitI32LE appends a little-endian signed 32-bit operand and returns
// the offset it was written at, so a host can patch forward branches
// once the target address is known.
func (bc *Bytecode) EmitI32LE(v int32) int {
	off := len(bc.Code)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	bc.Code = append(bc.Code, buf[:]...)
	return off
}

// PatchI32LE overwrites a previously emitted 32-bit operand at off.
func (bc *Bytecode) PatchI32LE(off int, v int32) {
	binary.LittleEndian.PutUint32(bc.Code[off:off+4], uint32(v))
}

func (bc *Bytecode) readI32(ip int) int32 {
	return int32(binary.LittleEndian.Uint32(bc.Code[ip : ip+4]))
}

// AddConstInt appends an INT constant and returns its index.
func (bc *Bytecode) AddConstInt(v int64) int {
	bc.Consts = append(bc.Consts, Constant{Kind: ConstInt, I: v})
	return len(bc.Consts) - 1
}

// AddConstDouble appends a DOUBLE constant and returns its index.
func (bc *Bytecode) AddConstDouble(v float64) int {
	bc.Consts = append(bc.Consts, Constant{Kind: ConstDouble, D: v})
	return len(bc.Consts) - 1
}

// AddConstString appends a STRING constant. Duplicates are permitted;
// there is no interning contract.
func (bc *Bytecode) AddConstString(s string) int {
	b := make([]byte, len(s))
	copy(b, s)
	bc.Consts = append(bc.Consts, Constant{Kind: ConstString, S: b})
	return len(bc.Consts) - 1
}

// AddConstFunction appends a FUNCTION{start,nargs} constant and
// returns its index.
func (bc *Bytecode) AddConstFunction(start, nargs uint32) int {
	bc.Consts = append(bc.Consts, Constant{Kind: ConstFunction, Start: start, NArgs: nargs})
	return len(bc.Consts) - 1
}

// Clone deep-copies bc. The VM's Load calls this rather than aliasing
// the caller's builder, so a host mutating its Bytecode after Load
// cannot corrupt a running VM.
func (bc *Bytecode) Clone() *Bytecode {
	out := &Bytecode{
		Code:   append([]byte(nil), bc.Code...),
		Consts: make([]Constant, len(bc.Consts)),
	}
	for i, c := range bc.Consts {
		cc := c
		if c.S != nil {
			cc.S = append([]byte(nil), c.S...)
		}
		out.Consts[i] = cc
	}
	return out
}
