package gort

import (
	"fmt"
	"slices"

	"github.com/gomlx/gort/hal"
	"github.com/gomlx/gort/vm"
	"github.com/pkg/errors"
)

// InvokeFlags adjusts the behavior of Call.Invoke.
type InvokeFlags uint32

const (
	// InvokeFlagsNone is the default invocation behavior.
	InvokeFlagsNone InvokeFlags = 0
)

// Call is a reusable stateful invocation of one exported function: inputs are appended
// in order with PushInput, Invoke executes on the session's device, and outputs are
// consumed front-first with PopOutput. Reset returns it to empty so it can be
// re-invoked with fresh inputs.
//
// A Call borrows its session and must be deinitialized before the session is
// destroyed.
type Call struct {
	session  *Session
	function *vm.Function

	inputs  []*hal.BufferView
	outputs []*hal.BufferView

	invoked       bool
	deinitialized bool
}

// NewCall creates a call to the exported function with the given qualified
// "<module>.<function>" name. It fails with hal.ErrNotFound if no loaded module
// exports that name.
func (s *Session) NewCall(qualifiedName string) (*Call, error) {
	if s.destroyed {
		return nil, errors.Errorf("NewCall on destroyed %s", s)
	}
	f, err := s.findExport(qualifiedName)
	if err != nil {
		return nil, err
	}
	return &Call{session: s, function: f}, nil
}

// String implements fmt.Stringer.
func (c *Call) String() string {
	return fmt.Sprintf("Call[%s, %d inputs, %d outputs]", c.function.QualifiedName(), len(c.inputs), len(c.outputs))
}

// Function returns the resolved function the call invokes.
func (c *Call) Function() *vm.Function {
	return c.function
}

// PushInput appends view to the argument list, taking ownership of the caller's
// reference: on success the caller must not Release it. The view's buffer must live on
// the call's device; to feed a result from another device, transfer it to the host and
// allocate a copy on this device first.
func (c *Call) PushInput(view *hal.BufferView) error {
	if c.deinitialized {
		return errors.Errorf("PushInput on deinitialized %s", c)
	}
	if c.invoked {
		return errors.Wrapf(hal.ErrInvalidArgument, "PushInput on %s after Invoke, Reset it first", c)
	}
	if view == nil || !view.IsValid() {
		return errors.Wrapf(hal.ErrInvalidArgument, "PushInput requires a valid buffer view")
	}
	if view.Buffer().Device() != c.session.device {
		return errors.Wrapf(hal.ErrInvalidArgument,
			"PushInput of a view on %s into a call on %s, relay it through the host first",
			view.Buffer().Device(), c.session.device)
	}
	c.inputs = append(c.inputs, view)
	return nil
}

// Invoke executes the function on the session's device, blocking until it completes.
// It requires exactly the declared inputs, validated against the function signature
// before anything is submitted to the device. On success the pushed inputs are
// released and the outputs become available to PopOutput; on failure the inputs are
// kept and the output list stays empty. Either way the call counts as invoked and
// needs a Reset before its inputs can change.
func (c *Call) Invoke(flags InvokeFlags) error {
	if c.deinitialized {
		return errors.Errorf("Invoke on deinitialized %s", c)
	}
	if c.invoked {
		return errors.Wrapf(hal.ErrInvalidArgument, "Invoke on already-invoked %s, Reset it first", c)
	}
	c.invoked = true
	if err := c.checkInputs(); err != nil {
		return err
	}
	outputs, err := c.allocateOutputs()
	if err != nil {
		return err
	}

	device := c.session.device
	inputBytes := make([][]byte, len(c.inputs))
	for ii, view := range c.inputs {
		inputBytes[ii] = view.Buffer().Bytes()
	}
	outputBytes := make([][]byte, len(outputs))
	for ii, view := range outputs {
		outputBytes[ii] = view.Buffer().Bytes()
	}
	err = device.Submit(func() error {
		return c.function.Execute(inputBytes, outputBytes)
	}).Await(hal.InfiniteTimeout)
	if err != nil {
		for _, view := range outputs {
			view.Release()
		}
		return errors.WithMessagef(err, "invoking %s", c.function.QualifiedName())
	}

	for _, view := range c.inputs {
		view.Release()
	}
	c.inputs = c.inputs[:0]
	c.outputs = outputs
	return nil
}

// checkInputs validates the pushed inputs against the function signature.
func (c *Call) checkInputs() error {
	specs := c.function.Inputs()
	if len(c.inputs) != len(specs) {
		return errors.Wrapf(hal.ErrInvalidArgument, "%s takes %d inputs, %d pushed",
			c.function.QualifiedName(), len(specs), len(c.inputs))
	}
	for ii, view := range c.inputs {
		spec := specs[ii]
		if view.DType() != spec.DType {
			return errors.Wrapf(hal.ErrInvalidArgument, "%s input #%d must be %s, got %s",
				c.function.QualifiedName(), ii, spec, view)
		}
		if view.Encoding() != hal.EncodingDenseRowMajor {
			return errors.Wrapf(hal.ErrInvalidArgument, "%s input #%d must be dense row-major, got %s",
				c.function.QualifiedName(), ii, view.Encoding())
		}
		if !slices.Equal(view.Dimensions(), spec.Dimensions) {
			return errors.Wrapf(hal.ErrInvalidArgument, "%s input #%d must be shaped %s, got %s",
				c.function.QualifiedName(), ii, spec, view)
		}
	}
	return nil
}

// allocateOutputs allocates a fresh device buffer view per declared output. On any
// failure the views already allocated are released.
func (c *Call) allocateOutputs() ([]*hal.BufferView, error) {
	specs := c.function.Outputs()
	outputs := make([]*hal.BufferView, 0, len(specs))
	alloc := c.session.DeviceAllocator()
	for _, spec := range specs {
		buffer, err := alloc.Allocate(spec.ByteSize(), hal.DefaultBufferParams())
		if err == nil {
			var view *hal.BufferView
			view, err = hal.NewBufferView(buffer, spec.DType, hal.EncodingDenseRowMajor, spec.Dimensions)
			if err != nil {
				buffer.Release()
			} else {
				outputs = append(outputs, view)
				continue
			}
		}
		for _, view := range outputs {
			view.Release()
		}
		return nil, errors.WithMessagef(err, "allocating output %s of %s", spec, c.function.QualifiedName())
	}
	return outputs, nil
}

// PopOutput removes and returns the front-most remaining output, transferring its
// reference to the caller, who must Release it (or hand it to another owner). Once
// drained it fails with hal.ErrResourceExhausted.
func (c *Call) PopOutput() (*hal.BufferView, error) {
	if c.deinitialized {
		return nil, errors.Errorf("PopOutput on deinitialized %s", c)
	}
	if len(c.outputs) == 0 {
		return nil, errors.Wrapf(hal.ErrResourceExhausted, "no outputs left to pop from %s", c)
	}
	view := c.outputs[0]
	c.outputs[0] = nil
	c.outputs = c.outputs[1:]
	return view, nil
}

// Reset releases any inputs and unpopped outputs and returns the call to its initial
// empty state, ready for a fresh round of PushInput and Invoke.
func (c *Call) Reset() {
	if c.deinitialized {
		return
	}
	for _, view := range c.inputs {
		view.Release()
	}
	c.inputs = c.inputs[:0]
	for _, view := range c.outputs {
		view.Release()
	}
	c.outputs = c.outputs[:0]
	c.invoked = false
}

// Deinitialize releases the call's resources. Deinitializing twice is a no-op, and a
// deinitialized call rejects every other operation.
func (c *Call) Deinitialize() {
	if c.deinitialized {
		return
	}
	c.Reset()
	c.deinitialized = true
	c.inputs = nil
	c.outputs = nil
}
