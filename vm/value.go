package vm

import "strconv"

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindNone ValueKind = iota
	KindInt
	KindDouble
	KindString
	KindObject
)

// Value is the tagged union held by registers, frame-saved register
// windows, and heap object fields. The zero Value is KindNone.
type Value struct {
	Kind ValueKind
	I    int64
	D    float64
	// Idx holds the string-pool index for KindString and the
	// object-pool index for KindObject.
	Idx int
}

func NoneValue() Value              { return Value{Kind: KindNone} }
func IntValue(i int64) Value        { return Value{Kind: KindInt, I: i} }
func DoubleValue(d float64) Value   { return Value{Kind: KindDouble, D: d} }
func StringValue(idx int) Value     { return Value{Kind: KindString, Idx: idx} }
func ObjectValue(idx int) Value     { return Value{Kind: KindObject, Idx: idx} }

func (v Value) IsInt() bool    { return v.Kind == KindInt }
func (v Value) IsObject() bool { return v.Kind == KindObject }
func (v Value) IsString() bool { return v.Kind == KindString }

// String renders v the way the C reference implementation's
// vm_print_registers does, for debug output (not PRINT; see
// (*VM).formatPrintValue for the PRINT-specific grammar).
func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return "INT " + strconv.FormatInt(v.I, 10)
	case KindDouble:
		return "DOUBLE " + strconv.FormatFloat(v.D, 'g', -1, 64)
	case KindString:
		return "STRING idx=" + strconv.Itoa(v.Idx)
	case KindObject:
		return "OBJECT idx=" + strconv.Itoa(v.Idx)
	default:
		return "NONE"
	}
}

// ConstKind tags the variant held by a pool Constant.
type ConstKind uint8

const (
	ConstInt ConstKind = iota
	ConstDouble
	ConstString
	ConstFunction
)

// Constant is an entry in a Bytecode's immutable constant pool.
type Constant struct {
	Kind ConstKind
	I    int64
	D    float64
	S    []byte
	// Function constant payload.
	Start uint32
	NArgs uint32
}
