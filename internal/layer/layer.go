// Package layer implements the layers of a convolutional network and the
// protocol every layer follows.
//
// # Lifecycle
//
// A layer is built with its static hyperparameters and then driven through a
// fixed sequence of steps by the network:
//
//	Constructed -> Connected -> OutputShaped -> ParametersInitialized -> Scheduled -> Ready
//
//	ConnectTo(prev, arena)         binds the predecessor's output buffer as input
//	SetupOutput(batchSize)         derives the output shape and provisions the buffer
//	InitializeParameters(mode, r)  allocates and initializes learnable parameters
//	Schedule(dev)                  builds lookup tables and binds the device
//
// Calling a step before its prerequisites returns an error wrapping
// ErrProtocol. Forward and BackPropagate on a layer that is not Ready panic.
//
// Changing the mini-batch size re-runs SetupOutput and Schedule. Parameters
// survive the change.
//
// # Buffers
//
// A layer's input buffer is the output buffer of its predecessor. Both layers
// hold the same tensor.Handle into a shared tensor.Arena, so activations
// written by the producer are read in place by the consumer, and gradients
// written by the consumer are read in place by the producer.
package layer

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/born-ml/convnet/internal/device"
	"github.com/born-ml/convnet/internal/tensor"
)

var (
	// ErrConfig reports invalid layer hyperparameters or an unsupported
	// connection.
	ErrConfig = errors.New("layer: invalid configuration")

	// ErrProtocol reports a lifecycle step called out of order.
	ErrProtocol = errors.New("layer: protocol violation")
)

// Kind is the closed set of layer kinds.
type Kind int

// Layer kinds.
const (
	KindInput Kind = iota
	KindConvolutional
	KindFullyConnected
	KindMaxPooling
	KindAveragePooling
	KindNormalization
	KindActivation
	KindOutput
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindInput:
		return "Input"
	case KindConvolutional:
		return "Convolutional"
	case KindFullyConnected:
		return "FullyConnected"
	case KindMaxPooling:
		return "MaxPooling"
	case KindAveragePooling:
		return "AveragePooling"
	case KindNormalization:
		return "Normalization"
	case KindActivation:
		return "Activation"
	case KindOutput:
		return "Output"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// IsPooling reports whether k is a pooling kind.
func (k Kind) IsPooling() bool {
	return k == KindMaxPooling || k == KindAveragePooling
}

// IsWeighted reports whether k carries a weight matrix.
func (k Kind) IsWeighted() bool {
	return k == KindConvolutional || k == KindFullyConnected
}

// State is a position in the layer lifecycle.
type State int

// Lifecycle states, in order.
const (
	StateConstructed State = iota
	StateConnected
	StateOutputShaped
	StateParametersInitialized
	StateScheduled
	StateReady
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConstructed:
		return "Constructed"
	case StateConnected:
		return "Connected"
	case StateOutputShaped:
		return "OutputShaped"
	case StateParametersInitialized:
		return "ParametersInitialized"
	case StateScheduled:
		return "Scheduled"
	case StateReady:
		return "Ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Mode selects how normalization layers treat their statistics.
type Mode int

const (
	// Training normalizes with batch statistics and folds them into the
	// cumulative estimate.
	Training Mode = iota
	// PreInference folds batch statistics into the cumulative estimate and
	// normalizes with the cumulative estimate.
	PreInference
	// Inference normalizes with the frozen cumulative estimate.
	Inference
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case Training:
		return "Training"
	case PreInference:
		return "PreInference"
	case Inference:
		return "Inference"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// InitMode selects how InitializeParameters fills learnable parameters.
type InitMode int

const (
	// InitRandom draws fresh weights.
	InitRandom InitMode = iota
	// InitLoad allocates parameters to be filled from a state dict.
	InitLoad
)

// Layer is the contract every layer satisfies.
type Layer interface {
	Kind() Kind
	Name() string
	ID() int
	SetID(id int)
	State() State

	InputShape() tensor.Shape
	OutputShape() tensor.Shape
	InputHandle() tensor.Handle
	OutputHandle() tensor.Handle

	// ConnectTo binds prev's output as this layer's input. prev is nil only
	// for the Input layer.
	ConnectTo(prev Layer, arena *tensor.Arena) error
	SetupOutput(batchSize int) error
	InitializeParameters(mode InitMode, rng *rand.Rand) error
	Schedule(dev device.Device) error

	// Forward computes output activations from input activations.
	Forward()
	// BackPropagate computes input gradients from output gradients.
	BackPropagate()
}

// Trainable layers own learnable parameters.
//
// During a backward pass the network calls UpdateSpeeds, then BackPropagate,
// then UpdateParameters, so the input gradient is computed with the
// parameters that produced the forward activations.
type Trainable interface {
	Layer
	Parameters() []*Param
	UpdateSpeeds(u Update)
	UpdateParameters(u Update)
}

// Normalizer layers keep running statistics.
type Normalizer interface {
	Layer
	SetMode(m Mode)
	ResetStatistics()
	Statistics() []*Param
}

// Dropouter layers apply inverted dropout to their input.
type Dropouter interface {
	Layer
	// SetDropout sets the keep probability. 1 disables dropout.
	SetDropout(keep float64)
}

// Spatial layers slide a square window over their input.
type Spatial interface {
	Layer
	Window() (size, stride int)
}

// base carries the state shared by every layer.
type base struct {
	id        int
	state     State
	in        tensor.Shape
	out       tensor.Shape
	inHandle  tensor.Handle
	outHandle tensor.Handle
	arena     *tensor.Arena
	dev       device.Device
	rng       *rand.Rand
	batchSize int
}

func newBase() base {
	return base{inHandle: tensor.NoHandle, outHandle: tensor.NoHandle}
}

func (b *base) ID() int                     { return b.id }
func (b *base) SetID(id int)                { b.id = id }
func (b *base) State() State                { return b.state }
func (b *base) InputShape() tensor.Shape    { return b.in }
func (b *base) OutputShape() tensor.Shape   { return b.out }
func (b *base) InputHandle() tensor.Handle  { return b.inHandle }
func (b *base) OutputHandle() tensor.Handle { return b.outHandle }

// BatchSize returns the mini-batch size the layer was last shaped for.
func (b *base) BatchSize() int { return b.batchSize }

// Input returns the buffer shared with the predecessor.
func (b *base) Input() *tensor.Buffer { return b.arena.Buffer(b.inHandle) }

// Output returns the buffer this layer writes.
func (b *base) Output() *tensor.Buffer { return b.arena.Buffer(b.outHandle) }

func (b *base) require(op string, minimum State) error {
	if b.state < minimum {
		return fmt.Errorf("%w: %s on layer %d requires state %s, got %s",
			ErrProtocol, op, b.id, minimum, b.state)
	}
	return nil
}

func (b *base) mustBeReady(op string) {
	if b.state != StateReady {
		panic(fmt.Sprintf("layer: %s on layer %d in state %s (want %s)", op, b.id, b.state, StateReady))
	}
}

// connect binds prev's output buffer as input.
func (b *base) connect(prev Layer, arena *tensor.Arena) error {
	if b.state != StateConstructed {
		return fmt.Errorf("%w: ConnectTo on layer %d requires state %s, got %s",
			ErrProtocol, b.id, StateConstructed, b.state)
	}
	if prev == nil {
		return fmt.Errorf("%w: layer %d needs a predecessor", ErrConfig, b.id)
	}
	if prev.State() < StateOutputShaped || prev.OutputHandle() == tensor.NoHandle {
		return fmt.Errorf("%w: predecessor %d of layer %d has no output (state %s)",
			ErrProtocol, prev.ID(), b.id, prev.State())
	}
	if arena == nil {
		return fmt.Errorf("%w: layer %d connected without an arena", ErrConfig, b.id)
	}
	if err := arena.Connect(prev.OutputHandle(), b.id); err != nil {
		return err
	}
	b.arena = arena
	b.in = prev.OutputShape()
	b.inHandle = prev.OutputHandle()
	b.state = StateConnected
	return nil
}

// setupOutput records shape and provisions the output buffer for batchSize
// examples. A layer that already had parameters drops back to
// ParametersInitialized and must be scheduled again.
func (b *base) setupOutput(batchSize int, shape tensor.Shape) error {
	if err := b.require("SetupOutput", StateConnected); err != nil {
		return err
	}
	if batchSize <= 0 {
		return fmt.Errorf("%w: batch size must be > 0, got %d", ErrConfig, batchSize)
	}
	if err := shape.Validate(); err != nil {
		return fmt.Errorf("%w: layer %d: %v", ErrConfig, b.id, err)
	}
	if b.outHandle != tensor.NoHandle && !b.out.Equal(shape) {
		return fmt.Errorf("%w: layer %d output shape changed from %s to %s",
			ErrProtocol, b.id, b.out, shape)
	}

	if b.outHandle == tensor.NoHandle {
		h, err := b.arena.Allocate(b.id, shape.Units())
		if err != nil {
			return err
		}
		b.outHandle = h
	}
	if err := b.arena.Buffer(b.outHandle).Resize(batchSize); err != nil {
		return err
	}
	b.out = shape
	b.batchSize = batchSize

	if b.state < StateParametersInitialized {
		b.state = StateOutputShaped
	} else {
		b.state = StateParametersInitialized
	}
	return nil
}

func (b *base) initialize(rng *rand.Rand) error {
	if err := b.require("InitializeParameters", StateOutputShaped); err != nil {
		return err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(int64(b.id) + 1)) //nolint:gosec // weight init is not security sensitive
	}
	b.rng = rng
	b.state = StateParametersInitialized
	return nil
}

// beginSchedule binds dev. Layers finish scheduling with ready.
func (b *base) beginSchedule(dev device.Device) error {
	if err := b.require("Schedule", StateParametersInitialized); err != nil {
		return err
	}
	if dev == nil {
		return fmt.Errorf("%w: layer %d scheduled without a device", ErrConfig, b.id)
	}
	b.dev = dev
	b.state = StateScheduled
	return nil
}

func (b *base) ready() error {
	b.state = StateReady
	return nil
}

var (
	_ Layer      = (*Input)(nil)
	_ Trainable  = (*Convolutional)(nil)
	_ Trainable  = (*FullyConnected)(nil)
	_ Trainable  = (*BatchNorm)(nil)
	_ Normalizer = (*BatchNorm)(nil)
	_ Dropouter  = (*Convolutional)(nil)
	_ Dropouter  = (*FullyConnected)(nil)
	_ Spatial    = (*Convolutional)(nil)
	_ Spatial    = (*MaxPooling)(nil)
	_ Spatial    = (*AveragePooling)(nil)
	_ Layer      = (*Activation)(nil)
	_ Layer      = (*Softmax)(nil)
)
