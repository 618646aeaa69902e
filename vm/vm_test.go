package vm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVM(numRegs int, out *bytes.Buffer) *VM {
	return New(Options{NumRegisters: numRegs, Stdout: out})
}

// TestHelloThenInt is scenario 1 from the design: load a string,
// CALL_USER a function that prints it, then load and print an int.
func TestHelloThenInt(t *testing.T) {
	bc := NewBytecode()
	ciHello := bc.AddConstString("Hello from C VM")
	ciNum := bc.AddConstInt(12345)

	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(0)
	bc.EmitI32LE(int32(ciHello))

	bc.EmitOp(OpCallUser)
	callCIPos := bc.EmitI32LE(0) // placeholder, patched below
	bc.EmitI32LE(1)              // nargs
	bc.EmitI32LE(0)               // dst

	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(1)
	bc.EmitI32LE(int32(ciNum))
	bc.EmitOp(OpPrint)
	bc.EmitI32LE(1)
	bc.EmitOp(OpHalt)

	funcStart := len(bc.Code)
	bc.EmitOp(OpPrint)
	bc.EmitI32LE(0)
	bc.EmitOp(OpRet)
	bc.EmitI32LE(0)
	ciFunc := bc.AddConstFunction(uint32(funcStart), 1)
	bc.PatchI32LE(callCIPos, int32(ciFunc))

	var out bytes.Buffer
	v := newTestVM(8, &out)
	v.Load(bc)
	require.NoError(t, v.Run())
	assert.Equal(t, "Hello from C VM\n12345\n", out.String())
}

// TestClosureCaptures is scenario 2: MK_CLOSURE snapshots captured
// registers, CALL_CLOSURE lands them after the argument window (P3).
func TestClosureCaptures(t *testing.T) {
	bc := NewBytecode()
	ciStr := bc.AddConstString("Captured string")
	ciNum := bc.AddConstInt(42)

	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(2)
	bc.EmitI32LE(int32(ciStr))

	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(3)
	bc.EmitI32LE(int32(ciNum))

	bc.EmitOp(OpMkClosure)
	bc.EmitI32LE(1) // dst r1
	mkCIPos := bc.EmitI32LE(0)
	bc.EmitI32LE(2) // ncaptures
	bc.EmitI32LE(2) // capture r2
	bc.EmitI32LE(3) // capture r3

	bc.EmitOp(OpCallClosure)
	bc.EmitI32LE(1) // obj reg
	bc.EmitI32LE(0) // nargs
	bc.EmitI32LE(0) // dst

	bc.EmitOp(OpHalt)

	funcStart := len(bc.Code)
	bc.EmitOp(OpPrint)
	bc.EmitI32LE(0)
	bc.EmitOp(OpPrint)
	bc.EmitI32LE(1)
	bc.EmitOp(OpRet)
	bc.EmitI32LE(0)
	ciFunc := bc.AddConstFunction(uint32(funcStart), 0)
	bc.PatchI32LE(mkCIPos, int32(ciFunc))

	var out bytes.Buffer
	v := newTestVM(16, &out)
	v.Load(bc)
	require.NoError(t, v.Run())
	assert.Equal(t, "Captured string\n42\n", out.String())
}

// TestClosureCaptureSnapshotNotReference verifies P3: mutating the
// captured registers after MK_CLOSURE does not affect the closure's
// environment on a later CALL_CLOSURE.
func TestClosureCaptureSnapshotNotReference(t *testing.T) {
	bc := NewBytecode()
	ciNum := bc.AddConstInt(1)
	ciOverwrite := bc.AddConstInt(999)

	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(2)
	bc.EmitI32LE(int32(ciNum))

	bc.EmitOp(OpMkClosure)
	bc.EmitI32LE(1)
	mkCIPos := bc.EmitI32LE(0)
	bc.EmitI32LE(1) // ncaptures
	bc.EmitI32LE(2) // capture r2

	// Mutate r2 after capture; the closure should still see the old value.
	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(2)
	bc.EmitI32LE(int32(ciOverwrite))

	bc.EmitOp(OpCallClosure)
	bc.EmitI32LE(1)
	bc.EmitI32LE(0)
	bc.EmitI32LE(0)
	bc.EmitOp(OpHalt)

	funcStart := len(bc.Code)
	bc.EmitOp(OpPrint)
	bc.EmitI32LE(0)
	bc.EmitOp(OpRet)
	bc.EmitI32LE(0)
	ciFunc := bc.AddConstFunction(uint32(funcStart), 0)
	bc.PatchI32LE(mkCIPos, int32(ciFunc))

	var out bytes.Buffer
	v := newTestVM(8, &out)
	v.Load(bc)
	require.NoError(t, v.Run())
	assert.Equal(t, "1\n", out.String())
}

// TestTryCatch is scenario 4: PUSH_HANDLER / CALL_USER / THROW /
// handler body. Also exercises P5 (frame depth on resumption).
func TestTryCatch(t *testing.T) {
	bc := NewBytecode()
	ciExc := bc.AddConstString("Exception: boom!")

	bc.EmitOp(OpPushHandler)
	handlerPos := bc.EmitI32LE(0)

	bc.EmitOp(OpCallUser)
	callCIPos := bc.EmitI32LE(0)
	bc.EmitI32LE(0) // nargs
	bc.EmitI32LE(0) // dst

	bc.EmitOp(OpHalt)

	funcStart := len(bc.Code)
	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(0)
	bc.EmitI32LE(int32(ciExc))
	bc.EmitOp(OpThrow)
	bc.EmitI32LE(0)
	ciFunc := bc.AddConstFunction(uint32(funcStart), 0)
	bc.PatchI32LE(callCIPos, int32(ciFunc))

	handlerStart := len(bc.Code)
	bc.EmitOp(OpPrint)
	bc.EmitI32LE(0)
	bc.EmitOp(OpPopHandler)
	bc.EmitOp(OpHalt)
	bc.PatchI32LE(handlerPos, int32(handlerStart))

	var out bytes.Buffer
	v := newTestVM(4, &out)
	v.Load(bc)
	require.NoError(t, v.Run())
	assert.Equal(t, "Exception: boom!\n", out.String())
	assert.Equal(t, 0, v.FrameDepth())
}

// TestIntegerMath is scenario 5.
func TestIntegerMath(t *testing.T) {
	bc := NewBytecode()
	k6 := bc.AddConstInt(7)
	k7 := bc.AddConstInt(35)

	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(0)
	bc.EmitI32LE(int32(k6))
	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(1)
	bc.EmitI32LE(int32(k7))
	bc.EmitOp(OpAdd)
	bc.EmitI32LE(2)
	bc.EmitI32LE(0)
	bc.EmitI32LE(1)
	bc.EmitOp(OpPrint)
	bc.EmitI32LE(2)
	bc.EmitOp(OpHalt)

	var out bytes.Buffer
	v := newTestVM(4, &out)
	v.Load(bc)
	require.NoError(t, v.Run())
	assert.Equal(t, "42\n", out.String())
}

// TestDivideByZero is scenario 6 / property P7: DIV by zero fails with
// DivisionByZero, prints nothing, and leaves the destination register
// untouched.
func TestDivideByZero(t *testing.T) {
	bc := NewBytecode()
	k10 := bc.AddConstInt(10)
	k0 := bc.AddConstInt(0)

	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(0)
	bc.EmitI32LE(int32(k10))
	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(1)
	bc.EmitI32LE(int32(k0))
	bc.EmitOp(OpDiv)
	bc.EmitI32LE(2)
	bc.EmitI32LE(0)
	bc.EmitI32LE(1)
	bc.EmitOp(OpHalt)

	var out bytes.Buffer
	v := newTestVM(4, &out)
	v.Load(bc)
	err := v.Run()
	assert.ErrorIs(t, err, ErrDivisionByZero)
	assert.Empty(t, out.String())
	assert.Equal(t, NoneValue(), v.Register(2))
}

// TestGCWithClosure is scenario 3 / property P4: interleave 1100
// ALLOC_STR of an unreferenced temp between MK_CLOSURE and
// CALL_CLOSURE. The captured string must still print correctly after
// the GC cycles this triggers.
func TestGCWithClosure(t *testing.T) {
	bc := NewBytecode()
	ciStr := bc.AddConstString("Captured string")
	ciNum := bc.AddConstInt(42)
	ciTemp := bc.AddConstString("temp")

	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(2)
	bc.EmitI32LE(int32(ciStr))
	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(3)
	bc.EmitI32LE(int32(ciNum))

	bc.EmitOp(OpMkClosure)
	bc.EmitI32LE(1)
	mkCIPos := bc.EmitI32LE(0)
	bc.EmitI32LE(2)
	bc.EmitI32LE(2)
	bc.EmitI32LE(3)

	// Interleave 1100 unreferenced ALLOC_STR instructions, each
	// immediately overwritten, so they become garbage right away.
	for i := 0; i < 1100; i++ {
		bc.EmitOp(OpAllocStr)
		bc.EmitI32LE(7)
		bc.EmitI32LE(int32(ciTemp))
	}

	bc.EmitOp(OpCallClosure)
	bc.EmitI32LE(1)
	bc.EmitI32LE(0)
	bc.EmitI32LE(0)
	bc.EmitOp(OpHalt)

	funcStart := len(bc.Code)
	bc.EmitOp(OpPrint)
	bc.EmitI32LE(0)
	bc.EmitOp(OpPrint)
	bc.EmitI32LE(1)
	bc.EmitOp(OpRet)
	bc.EmitI32LE(0)
	ciFunc := bc.AddConstFunction(uint32(funcStart), 0)
	bc.PatchI32LE(mkCIPos, int32(ciFunc))

	var out bytes.Buffer
	v := newTestVM(16, &out)
	v.Load(bc)
	require.NoError(t, v.Run())
	assert.Equal(t, "Captured string\n42\n", out.String())
}

// TestCallReturnRoundTrip is property P2: registers 0..n survive a
// CALL_USER/RET round trip bit-identical, and regs[dst] picks up the
// callee's pre-return regs[r].
func TestCallReturnRoundTrip(t *testing.T) {
	bc := NewBytecode()
	ciArg := bc.AddConstInt(7)
	ciSentinel := bc.AddConstInt(99)

	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(0)
	bc.EmitI32LE(int32(ciArg))

	bc.EmitOp(OpCallUser)
	callCIPos := bc.EmitI32LE(0)
	bc.EmitI32LE(1) // nargs
	bc.EmitI32LE(3) // dst

	bc.EmitOp(OpHalt)

	funcStart := len(bc.Code)
	// Clobber the argument register, then return a different sentinel.
	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(0)
	bc.EmitI32LE(int32(ciSentinel))
	bc.EmitOp(OpRet)
	bc.EmitI32LE(0)
	ciFunc := bc.AddConstFunction(uint32(funcStart), 1)
	bc.PatchI32LE(callCIPos, int32(ciFunc))

	var out bytes.Buffer
	v := newTestVM(4, &out)
	v.Load(bc)
	require.NoError(t, v.Run())
	assert.Equal(t, IntValue(7), v.Register(0), "caller's register window must be restored")
	assert.Equal(t, IntValue(99), v.Register(3), "return register gets the callee's pre-return value")
}

// TestHandlerLIFO is property P6: nested handlers resolve
// innermost-first, and a stray POP_HANDLER is a no-op.
func TestHandlerLIFO(t *testing.T) {
	bc := NewBytecode()
	ciInner := bc.AddConstString("inner")
	ciOuter := bc.AddConstString("outer")

	bc.EmitOp(OpPopHandler) // underflow no-op

	bc.EmitOp(OpPushHandler)
	outerHandlerPos := bc.EmitI32LE(0)
	bc.EmitOp(OpPushHandler)
	innerHandlerPos := bc.EmitI32LE(0)

	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(0)
	bc.EmitI32LE(int32(ciInner))
	bc.EmitOp(OpThrow)
	bc.EmitI32LE(0)
	bc.EmitOp(OpHalt)

	innerStart := len(bc.Code)
	bc.EmitOp(OpPrint)
	bc.EmitI32LE(0)
	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(0)
	bc.EmitI32LE(int32(ciOuter))
	bc.EmitOp(OpThrow)
	bc.EmitI32LE(0)
	bc.PatchI32LE(innerHandlerPos, int32(innerStart))

	outerStart := len(bc.Code)
	bc.EmitOp(OpPrint)
	bc.EmitI32LE(0)
	bc.EmitOp(OpHalt)
	bc.PatchI32LE(outerHandlerPos, int32(outerStart))

	var out bytes.Buffer
	v := newTestVM(4, &out)
	v.Load(bc)
	require.NoError(t, v.Run())
	assert.Equal(t, "inner\nouter\n", out.String())
}

func TestUnhandledException(t *testing.T) {
	bc := NewBytecode()
	ci := bc.AddConstInt(1)
	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(0)
	bc.EmitI32LE(int32(ci))
	bc.EmitOp(OpThrow)
	bc.EmitI32LE(0)
	bc.EmitOp(OpHalt)

	var out bytes.Buffer
	v := newTestVM(2, &out)
	v.Load(bc)
	err := v.Run()
	assert.ErrorIs(t, err, ErrUnhandledException)
}

func TestRunRefusesUnverifiedEmptyVM(t *testing.T) {
	var out bytes.Buffer
	v := newTestVM(2, &out)
	err := v.Run()
	assert.Error(t, err)
}

func TestObjectFieldAccessors(t *testing.T) {
	var out bytes.Buffer
	v := newTestVM(1, &out)
	idx := v.AllocObject(2)
	v.SetObjectField(idx, 0, IntValue(5))
	assert.Equal(t, IntValue(5), v.GetObjectField(idx, 0))
	assert.Equal(t, NoneValue(), v.GetObjectField(idx, 1))
	assert.Equal(t, NoneValue(), v.GetObjectField(idx, 5), "out of range field reads as NONE")
	assert.Equal(t, NoneValue(), v.GetObjectField(999, 0), "unknown object reads as NONE")
}

func TestObjectFieldsReturnsFullVector(t *testing.T) {
	var out bytes.Buffer
	v := newTestVM(1, &out)
	idx := v.AllocObject(2)
	v.SetObjectField(idx, 0, IntValue(5))
	v.SetObjectField(idx, 1, IntValue(6))

	fields, ok := v.ObjectFields(idx)
	require.True(t, ok)
	assert.Equal(t, []Value{IntValue(5), IntValue(6)}, fields)

	_, ok = v.ObjectFields(999)
	assert.False(t, ok, "unknown object index reports not-ok")
}

// TestJmpRejectsNegativeTarget: the verifier is structural-only and
// never rejects a negative absolute branch target (same as it never
// validates register/const indices, per
// TestVerifyDoesNotValidateRegisterOrConstBounds). A negative JMP
// target must fail at Run time instead of indexing code with a
// negative ip.
func TestJmpRejectsNegativeTarget(t *testing.T) {
	bc := NewBytecode()
	bc.EmitOp(OpJmp)
	bc.EmitI32LE(-1)
	require.NoError(t, Verify(bc))

	var out bytes.Buffer
	v := newTestVM(1, &out)
	v.Load(bc)
	err := v.Run()
	assert.ErrorIs(t, err, ErrBadBranchTarget)
}

// TestJzRejectsNegativeTargetOnlyWhenTaken mirrors TestJmpRejectsNegativeTarget
// for JZ: the guard only fires on the taken branch.
func TestJzRejectsNegativeTargetOnlyWhenTaken(t *testing.T) {
	bc := NewBytecode()
	ciZero := bc.AddConstInt(0)
	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(0)
	bc.EmitI32LE(int32(ciZero))
	bc.EmitOp(OpJz)
	bc.EmitI32LE(0)
	bc.EmitI32LE(-1)

	var out bytes.Buffer
	v := newTestVM(1, &out)
	v.Load(bc)
	err := v.Run()
	assert.ErrorIs(t, err, ErrBadBranchTarget)

	// Not taken: a non-zero register falls through, so the negative
	// target is never used and the program runs off the end cleanly.
	bc = NewBytecode()
	ciOne := bc.AddConstInt(1)
	bc.EmitOp(OpLoadConst)
	bc.EmitI32LE(0)
	bc.EmitI32LE(int32(ciOne))
	bc.EmitOp(OpJz)
	bc.EmitI32LE(0)
	bc.EmitI32LE(-1)

	v = newTestVM(1, &out)
	v.Load(bc)
	assert.NoError(t, v.Run())
}

// TestPushHandlerRejectsNegativeTarget: a negative handler target must
// be rejected at install time, since it is later assigned straight to
// ip by THROW without further validation.
func TestPushHandlerRejectsNegativeTarget(t *testing.T) {
	bc := NewBytecode()
	bc.EmitOp(OpPushHandler)
	bc.EmitI32LE(-1)

	var out bytes.Buffer
	v := newTestVM(1, &out)
	v.Load(bc)
	err := v.Run()
	assert.ErrorIs(t, err, ErrBadBranchTarget)
}
