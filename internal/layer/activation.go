package layer

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/born-ml/convnet/internal/device"
	"github.com/born-ml/convnet/internal/tensor"
)

// ActivationFunc is an elementwise nonlinearity with its derivative.
type ActivationFunc interface {
	Name() string
	// Apply returns f(x).
	Apply(x float64) float64
	// Derivative returns f'(x) given the input x and output y = f(x).
	Derivative(x, y float64) float64
}

// ReLU is max(0, x).
type ReLU struct{}

func (ReLU) Name() string { return "relu" }

func (ReLU) Apply(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

func (ReLU) Derivative(x, _ float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

// ELU is x for x > 0 and alpha*(e^x - 1) otherwise.
type ELU struct {
	Alpha float64
}

func (e ELU) Name() string { return fmt.Sprintf("elu(%g)", e.Alpha) }

func (e ELU) Apply(x float64) float64 {
	if x > 0 {
		return x
	}
	return e.Alpha * (math.Exp(x) - 1)
}

// Derivative is 1 for x > 0 and alpha*e^x = y + alpha otherwise.
func (e ELU) Derivative(x, y float64) float64 {
	if x > 0 {
		return 1
	}
	return y + e.Alpha
}

// Tanh is tanh(beta*x).
type Tanh struct {
	Beta float64
}

func (t Tanh) Name() string { return fmt.Sprintf("tanh(%g)", t.Beta) }

func (t Tanh) Apply(x float64) float64 {
	return math.Tanh(t.Beta * x)
}

func (t Tanh) Derivative(_, y float64) float64 {
	return t.Beta * (1 - y*y)
}

// Activation applies an ActivationFunc to every unit. It has no parameters
// and preserves its input shape.
type Activation struct {
	base
	fn ActivationFunc
}

// NewActivation wraps fn in a layer.
func NewActivation(fn ActivationFunc) (*Activation, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: activation function is nil", ErrConfig)
	}
	return &Activation{base: newBase(), fn: fn}, nil
}

// NewReLU creates a ReLU activation layer.
func NewReLU() *Activation {
	return &Activation{base: newBase(), fn: ReLU{}}
}

// NewELU creates an ELU activation layer.
func NewELU(alpha float64) (*Activation, error) {
	if alpha <= 0 {
		return nil, fmt.Errorf("%w: elu alpha must be > 0, got %g", ErrConfig, alpha)
	}
	return &Activation{base: newBase(), fn: ELU{Alpha: alpha}}, nil
}

// NewTanh creates a scaled hyperbolic tangent activation layer.
func NewTanh(beta float64) (*Activation, error) {
	if beta <= 0 {
		return nil, fmt.Errorf("%w: tanh beta must be > 0, got %g", ErrConfig, beta)
	}
	return &Activation{base: newBase(), fn: Tanh{Beta: beta}}, nil
}

func (l *Activation) Kind() Kind   { return KindActivation }
func (l *Activation) Name() string { return l.fn.Name() }

// Func returns the wrapped nonlinearity.
func (l *Activation) Func() ActivationFunc { return l.fn }

func (l *Activation) ConnectTo(prev Layer, arena *tensor.Arena) error {
	return l.connect(prev, arena)
}

func (l *Activation) SetupOutput(batchSize int) error {
	if err := l.require("SetupOutput", StateConnected); err != nil {
		return err
	}
	return l.setupOutput(batchSize, l.in)
}

func (l *Activation) InitializeParameters(_ InitMode, rng *rand.Rand) error {
	return l.initialize(rng)
}

func (l *Activation) Schedule(dev device.Device) error {
	if err := l.beginSchedule(dev); err != nil {
		return err
	}
	return l.ready()
}

func (l *Activation) Forward() {
	l.mustBeReady("Forward")
	in, out := l.Input(), l.Output()
	l.dev.Dispatch(l.batchSize, func(i int) {
		x, y := in.Activations(i), out.Activations(i)
		for j, v := range x {
			y[j] = l.fn.Apply(v)
		}
	})
}

func (l *Activation) BackPropagate() {
	l.mustBeReady("BackPropagate")
	in, out := l.Input(), l.Output()
	l.dev.Dispatch(l.batchSize, func(i int) {
		x, y := in.Activations(i), out.Activations(i)
		dx, g := in.Gradients(i), out.Gradients(i)
		for j := range dx {
			dx[j] = g[j] * l.fn.Derivative(x[j], y[j])
		}
	})
}
