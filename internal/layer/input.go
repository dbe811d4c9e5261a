package layer

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/convnet/internal/device"
	"github.com/born-ml/convnet/internal/tensor"
)

// Input is the first layer of every network. Its output buffer is filled
// directly with example data.
type Input struct {
	base
}

// NewInput creates an input layer for examples of the given shape.
func NewInput(shape tensor.Shape) (*Input, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("%w: input: %v", ErrConfig, err)
	}
	l := &Input{base: newBase()}
	l.in = shape
	return l, nil
}

func (l *Input) Kind() Kind   { return KindInput }
func (l *Input) Name() string { return "input " + l.in.String() }

// ConnectTo binds the arena. An input layer has no predecessor.
func (l *Input) ConnectTo(prev Layer, arena *tensor.Arena) error {
	if l.state != StateConstructed {
		return fmt.Errorf("%w: ConnectTo on layer %d requires state %s, got %s",
			ErrProtocol, l.id, StateConstructed, l.state)
	}
	if prev != nil {
		return fmt.Errorf("%w: input layer cannot follow layer %d", ErrConfig, prev.ID())
	}
	if arena == nil {
		return fmt.Errorf("%w: input layer connected without an arena", ErrConfig)
	}
	l.arena = arena
	l.state = StateConnected
	return nil
}

func (l *Input) SetupOutput(batchSize int) error {
	return l.setupOutput(batchSize, l.in)
}

func (l *Input) InitializeParameters(_ InitMode, rng *rand.Rand) error {
	return l.initialize(rng)
}

func (l *Input) Schedule(dev device.Device) error {
	if err := l.beginSchedule(dev); err != nil {
		return err
	}
	return l.ready()
}

// Forward is a no-op: the network writes examples into the output buffer.
func (l *Input) Forward() { l.mustBeReady("Forward") }

// BackPropagate is a no-op: nothing precedes the input.
func (l *Input) BackPropagate() { l.mustBeReady("BackPropagate") }
