package vm

import "strconv"

// OpType is an enum of the elementwise operations a module function can execute.
type OpType uint8

const (
	OpInvalid OpType = iota

	// Binary operations: dst[i] = lhs[i] <op> rhs[i].
	OpMul
	OpAdd
	OpSub
	OpDiv
	OpMin
	OpMax

	// Unary operations: dst[i] = <op>(operand[i]).
	OpNeg
	OpAbs
	OpSqrt
	OpExp

	opTypeCount
)

var opTypeNames = [...]string{
	"Invalid",
	"Mul", "Add", "Sub", "Div", "Min", "Max",
	"Neg", "Abs", "Sqrt", "Exp",
}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if op >= opTypeCount {
		return "OpType(" + strconv.Itoa(int(op)) + ")"
	}
	return opTypeNames[op]
}

// IsBinary reports whether op takes two operands.
func (op OpType) IsBinary() bool {
	return op >= OpMul && op <= OpMax
}

// IsUnary reports whether op takes one operand.
func (op OpType) IsUnary() bool {
	return op >= OpNeg && op <= OpExp
}
