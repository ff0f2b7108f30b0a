package vm

import (
	"encoding/binary"

	"github.com/gomlx/gort/dtypes"
	"github.com/gomlx/gort/hal"
	"github.com/pkg/errors"
)

// Reg names a function register while building a module. Registers are handed out by
// FunctionBuilder.AddInput and the Append* methods.
type Reg int

// ModuleBuilder assembles a module blob programmatically -- the stand-in for a
// compiler in tests and demos.
//
// Configuration errors stick: the first one is remembered and returned by Build, so
// call sites can chain without checking each step.
type ModuleBuilder struct {
	name  string
	funcs []*FunctionBuilder

	// err stores the first error that happened while building.
	err error
}

// NewModuleBuilder starts a module named name ("module" is the conventional choice,
// making exports resolve as "module.<function>").
func NewModuleBuilder(name string) *ModuleBuilder {
	b := &ModuleBuilder{name: name}
	if !isIdentifier(name) {
		b.err = errors.Wrapf(hal.ErrInvalidArgument, "invalid module name %q", name)
	}
	return b
}

func (b *ModuleBuilder) setErrf(format string, args ...any) {
	if b.err == nil {
		b.err = errors.Wrapf(hal.ErrInvalidArgument, format, args...)
	}
}

// AddFunction starts a new exported function. Declare its inputs first, then append
// operations, then declare the returned registers with Returns.
func (b *ModuleBuilder) AddFunction(name string) *FunctionBuilder {
	f := &FunctionBuilder{module: b, name: name}
	if !isIdentifier(name) {
		b.setErrf("invalid function name %q", name)
	}
	for _, other := range b.funcs {
		if other.name == name {
			b.setErrf("function %q added twice", name)
		}
	}
	b.funcs = append(b.funcs, f)
	return f
}

// Build serializes the module and validates it through Load, returning the blob ready
// to be handed to a session.
func (b *ModuleBuilder) Build() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	data := magic[:]
	data = binary.LittleEndian.AppendUint16(data, formatVersion)
	data = appendString(data, b.name)
	data = binary.LittleEndian.AppendUint16(data, uint16(len(b.funcs)))
	for _, f := range b.funcs {
		if !f.returned {
			return nil, errors.Wrapf(hal.ErrInvalidArgument, "function %q never declared its outputs (missing Returns)", f.name)
		}
		data = f.append(data)
	}
	// Loading gives the exact same validation sessions will apply.
	if _, err := Load(data); err != nil {
		return nil, err
	}
	return data, nil
}

func appendString(data []byte, s string) []byte {
	data = binary.LittleEndian.AppendUint16(data, uint16(len(s)))
	return append(data, s...)
}

func appendTensorSpec(data []byte, spec TensorSpec) []byte {
	data = append(data, byte(spec.DType), byte(len(spec.Dimensions)))
	for _, dim := range spec.Dimensions {
		data = binary.LittleEndian.AppendUint32(data, uint32(dim))
	}
	return data
}

// FunctionBuilder assembles one exported function. Created by ModuleBuilder.AddFunction.
type FunctionBuilder struct {
	module   *ModuleBuilder
	name     string
	specs    []TensorSpec // One per register: inputs first, then one per instruction.
	inputs   int
	code     []instruction
	outRegs  []int
	returned bool
}

func (f *FunctionBuilder) newReg(spec TensorSpec) Reg {
	if len(f.specs) >= maxRegisters {
		f.module.setErrf("function %q exceeds the %d registers limit", f.name, maxRegisters)
		return Reg(maxRegisters - 1)
	}
	f.specs = append(f.specs, spec)
	return Reg(len(f.specs) - 1)
}

// AddInput declares the next input of the function and returns its register. All
// inputs must be declared before the first operation.
func (f *FunctionBuilder) AddInput(dtype dtypes.DType, dimensions ...int) Reg {
	if len(f.code) > 0 || f.returned {
		f.module.setErrf("function %q declared an input after its first operation", f.name)
	}
	if !dtype.IsValid() || dtype == dtypes.Bool {
		f.module.setErrf("function %q input of unsupported element type %s", f.name, dtype)
	}
	for _, dim := range dimensions {
		if dim < 0 {
			f.module.setErrf("function %q input with negative dimension in %v", f.name, dimensions)
		}
	}
	reg := f.newReg(TensorSpec{DType: dtype, Dimensions: dimensions})
	if f.module.err == nil {
		f.inputs++
	}
	return reg
}

func (f *FunctionBuilder) operand(reg Reg) bool {
	if int(reg) < 0 || int(reg) >= len(f.specs) {
		f.module.setErrf("function %q references undefined register %d", f.name, reg)
		return false
	}
	return true
}

// AppendBinary appends dst = lhs <op> rhs and returns the register holding the result.
func (f *FunctionBuilder) AppendBinary(op OpType, lhs, rhs Reg) Reg {
	if f.returned {
		f.module.setErrf("function %q appended an operation after Returns", f.name)
	}
	if !op.IsBinary() {
		f.module.setErrf("function %q used %s as a binary operation", f.name, op)
	}
	if !f.operand(lhs) || !f.operand(rhs) {
		return 0
	}
	f.code = append(f.code, instruction{op: op, lhs: int(lhs), rhs: int(rhs)})
	return f.newReg(f.specs[lhs])
}

// AppendUnary appends dst = <op>(operand) and returns the register holding the result.
func (f *FunctionBuilder) AppendUnary(op OpType, operand Reg) Reg {
	if f.returned {
		f.module.setErrf("function %q appended an operation after Returns", f.name)
	}
	if !op.IsUnary() {
		f.module.setErrf("function %q used %s as a unary operation", f.name, op)
	}
	if !f.operand(operand) {
		return 0
	}
	f.code = append(f.code, instruction{op: op, lhs: int(operand), rhs: noOperand})
	return f.newReg(f.specs[operand])
}

// Returns declares the registers whose values the function yields, in order, and
// closes the function.
func (f *FunctionBuilder) Returns(regs ...Reg) *ModuleBuilder {
	if f.returned {
		f.module.setErrf("function %q declared Returns twice", f.name)
		return f.module
	}
	f.returned = true
	for _, reg := range regs {
		if !f.operand(reg) {
			return f.module
		}
		f.outRegs = append(f.outRegs, int(reg))
	}
	return f.module
}

// append serializes the function in wire form.
func (f *FunctionBuilder) append(data []byte) []byte {
	data = appendString(data, f.name)
	data = append(data, byte(f.inputs))
	for _, spec := range f.specs[:f.inputs] {
		data = appendTensorSpec(data, spec)
	}
	data = append(data, byte(len(f.outRegs)))
	for _, reg := range f.outRegs {
		data = appendTensorSpec(data, f.specs[reg])
	}
	data = binary.LittleEndian.AppendUint16(data, uint16(len(f.code)))
	for _, instr := range f.code {
		data = append(data, byte(instr.op), byte(instr.lhs), byte(instr.rhs))
	}
	for _, reg := range f.outRegs {
		data = append(data, byte(reg))
	}
	return data
}
