package vm

import (
	"fmt"
	"io"
)

// PrintRegisters writes a non-normative per-register dump to w, using
// the same INT/DOUBLE/STRING/OBJECT/NONE rendering (and <oob>/dead
// markers) as the reference implementation's vm_print_registers.
func (vm *VM) PrintRegisters(w io.Writer) {
	for i, v := range vm.regs {
		fmt.Fprintf(w, "r%d: %s\n", i, vm.formatRegisterDebug(v))
	}
}

func (vm *VM) formatRegisterDebug(v Value) string {
	switch v.Kind {
	case KindInt:
		return v.String()
	case KindDouble:
		return v.String()
	case KindString:
		b, ok := vm.heap.stringAt(v.Idx)
		if !ok {
			return "STRING <oob>"
		}
		return fmt.Sprintf("STRING %q", string(b))
	case KindObject:
		o, ok := vm.heap.objectAt(v.Idx)
		if !ok {
			return "OBJECT <oob>"
		}
		return fmt.Sprintf("OBJECT(fields=%d)", len(o.fields))
	default:
		return "NONE"
	}
}

// IP returns the current instruction pointer, for debuggers.
func (vm *VM) IP() int { return vm.ip }

// SetIP overrides the instruction pointer, for debuggers.
func (vm *VM) SetIP(ip int) { vm.ip = ip }

// BytecodeProgram returns the VM's currently loaded program, for the
// disassembler and debugger.
func (vm *VM) BytecodeProgram() *Bytecode { return vm.bc }

// Step executes exactly one instruction and returns whether the
// program halted (via HALT or RET with an empty frame stack) and any
// VM-level error. Intended for the single-step debugger; Run should
// be preferred for normal execution.
func (vm *VM) Step() (halted bool, err error) {
	if vm.bc == nil {
		return true, ErrNotVerified
	}
	if !vm.verified {
		if err := vm.Verify(); err != nil {
			return true, err
		}
	}
	if vm.ip >= len(vm.bc.Code) {
		return true, nil
	}
	op := Opcode(vm.bc.Code[vm.ip])
	vm.ip++
	if err := vm.step(op); err != nil {
		if err == errHalt {
			return true, nil
		}
		return true, err
	}
	if vm.heap.stringCount() > gcStringThreshold {
		vm.heap.collect(vm.regs, vm.frames)
	}
	return false, nil
}
