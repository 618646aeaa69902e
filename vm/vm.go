package vm

import (
	"bufio"
	"io"
	"os"
)

// Options configures a VM at construction time.
type Options struct {
	// NumRegisters is the size of the register file. Must be >= 1.
	NumRegisters int
	// Stdout receives PRINT output. Defaults to os.Stdout if nil.
	Stdout io.Writer
}

// VM is a single register-based bytecode interpreter instance. A VM
// owns its loaded bytecode (by value-copy), its heap, its frame and
// handler stacks, and its native table; nothing here is safe to share
// across goroutines, matching the single-threaded cooperative
// scheduling model: exactly one logical executor runs against a VM at
// a time.
type VM struct {
	opts Options

	regs []Value
	bc   *Bytecode
	ip   int

	verified bool

	heap     *heap
	frames   []frame
	handlers []handler
	natives  *nativeTable

	out *bufio.Writer
}

// New constructs a VM with the given options. NumRegisters must be at
// least 1.
func New(opts Options) *VM {
	if opts.NumRegisters < 1 {
		opts.NumRegisters = 1
	}
	var w io.Writer = opts.Stdout
	if w == nil {
		w = os.Stdout
	}
	return &VM{
		opts:    opts,
		regs:    make([]Value, opts.NumRegisters),
		heap:    newHeap(),
		natives: newNativeTable(),
		out:     bufio.NewWriter(w),
	}
}

// Close flushes any buffered output and releases the VM's pools. A VM
// is not usable after Close; unlike the C reference's vm_destroy
// (which frees manually-managed memory), this mostly exists to flush
// stdout and to make reuse-after-close fail loudly.
func (vm *VM) Close() error {
	err := vm.out.Flush()
	vm.regs = nil
	vm.bc = nil
	vm.heap = nil
	vm.frames = nil
	vm.handlers = nil
	vm.natives = nil
	return err
}

// Load deep-copies bc into the VM and resets the instruction pointer.
// Matches the reference vm_load's contract: the caller's Bytecode
// builder is never aliased, so mutating it after Load cannot corrupt
// a running VM.
func (vm *VM) Load(bc *Bytecode) {
	vm.bc = bc.Clone()
	vm.ip = 0
	vm.verified = false
}

// Verify runs the structural verifier over the currently loaded
// bytecode. Run calls this automatically if it has not already
// succeeded (I7); hosts may call it ahead of time to fail fast.
func (vm *VM) Verify() error {
	if vm.bc == nil {
		return ErrNotVerified
	}
	if err := Verify(vm.bc); err != nil {
		return err
	}
	vm.verified = true
	return nil
}

// RegisterNative installs fn at the given native index for use by
// CALL. Registering at a negative index is a no-op.
func (vm *VM) RegisterNative(index int, fn NativeFunc) {
	if index < 0 {
		return
	}
	vm.natives.register(index, fn)
}

// AllocString allocates a heap string copy of b and returns its
// index, for use by natives and hosts that need to hand strings back
// into the VM.
func (vm *VM) AllocString(b []byte) int {
	return vm.heap.allocString(b)
}

// StringAt returns the bytes of a live heap string.
func (vm *VM) StringAt(idx int) ([]byte, bool) {
	return vm.heap.stringAt(idx)
}

// AllocObject allocates a heap object with the given field count, all
// fields initialized to NONE, and returns its index.
func (vm *VM) AllocObject(fieldCount int) int {
	return vm.heap.allocObject(fieldCount)
}

// SetObjectField stores val into an object's field if both the object
// and the field index are valid; otherwise it is a silent no-op,
// matching the reference vm_set_object_field.
func (vm *VM) SetObjectField(objIdx, field int, val Value) {
	vm.heap.setField(objIdx, field, val)
}

// GetObjectField returns an object's field value, or NONE if the
// object is dead/out of range or the field index is invalid.
func (vm *VM) GetObjectField(objIdx, field int) Value {
	return vm.heap.getField(objIdx, field)
}

// ObjectFields returns a copy of a live object's full field vector, or
// (nil, false) if objIdx is out of range or its slot is dead. Intended
// for debug tooling that needs to walk an object's (or closure's)
// entire shape rather than one field at a time.
func (vm *VM) ObjectFields(objIdx int) ([]Value, bool) {
	o, ok := vm.heap.objectAt(objIdx)
	if !ok {
		return nil, false
	}
	fields := make([]Value, len(o.fields))
	copy(fields, o.fields)
	return fields, true
}

// NumRegisters returns the configured register file size.
func (vm *VM) NumRegisters() int { return len(vm.regs) }

// Register returns the current value of regs[i]. Out-of-range i
// returns NONE; callers that need the BadRegister error should check
// i against NumRegisters themselves (this accessor exists for debug
// tooling, not the hot dispatch path).
func (vm *VM) Register(i int) Value {
	if i < 0 || i >= len(vm.regs) {
		return NoneValue()
	}
	return vm.regs[i]
}

// FrameDepth returns the current number of live activation frames.
func (vm *VM) FrameDepth() int { return len(vm.frames) }
