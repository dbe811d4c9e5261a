package layer

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/convnet/internal/device"
	"github.com/born-ml/convnet/internal/tensor"
	"gonum.org/v1/gonum/mat"
)

// FullyConnected computes out = W*x + b for every example.
//
// Inverted dropout is applied to the input: each input unit is kept with
// probability keep and scaled by 1/keep, so no rescaling is needed when
// dropout is disabled for evaluation.
type FullyConnected struct {
	base
	units   int
	weights *Param
	bias    *Param

	keep    float64
	dropout dropoutMask
}

// NewFullyConnected creates a fully connected layer with the given number of
// output units.
func NewFullyConnected(units int) (*FullyConnected, error) {
	if units <= 0 {
		return nil, fmt.Errorf("%w: fully connected units must be > 0, got %d", ErrConfig, units)
	}
	return &FullyConnected{base: newBase(), units: units, keep: 1}, nil
}

func (l *FullyConnected) Kind() Kind   { return KindFullyConnected }
func (l *FullyConnected) Name() string { return fmt.Sprintf("fc %d", l.units) }

func (l *FullyConnected) ConnectTo(prev Layer, arena *tensor.Arena) error {
	return l.connect(prev, arena)
}

func (l *FullyConnected) SetupOutput(batchSize int) error {
	return l.setupOutput(batchSize, tensor.Flat(l.units))
}

func (l *FullyConnected) InitializeParameters(mode InitMode, rng *rand.Rand) error {
	if err := l.initialize(rng); err != nil {
		return err
	}
	fanIn := l.in.Units()
	l.weights = newParam("weights", l.units, fanIn, true)
	l.bias = newParam("bias", l.units, 1, false)
	initWeights(l.weights, l.bias, fanIn, mode, l.rng)
	return nil
}

func (l *FullyConnected) Schedule(dev device.Device) error {
	if err := l.beginSchedule(dev); err != nil {
		return err
	}
	return l.ready()
}

// SetDropout implements Dropouter.
func (l *FullyConnected) SetDropout(keep float64) {
	l.keep = keep
}

func (l *FullyConnected) Parameters() []*Param {
	return []*Param{l.weights, l.bias}
}

// inputMatrix returns the (possibly dropped-out) input as a B x in matrix.
func (l *FullyConnected) inputMatrix() *mat.Dense {
	x := l.Input().ActivationData()
	if l.dropout.active {
		x = l.dropout.applied
	}
	return mat.NewDense(l.batchSize, l.in.Units(), x)
}

func (l *FullyConnected) Forward() {
	l.mustBeReady("Forward")
	in := l.Input()
	l.dropout.sample(l.keep, in.ActivationData(), l.rng)

	x := l.inputMatrix()
	z := mat.NewDense(l.batchSize, l.units, l.Output().ActivationData())
	l.dev.MatMul(z, x, l.weights.Matrix().T())

	bias := l.bias.Value
	out := l.Output()
	l.dev.Dispatch(l.batchSize, func(i int) {
		row := out.Activations(i)
		for j := range row {
			row[j] += bias[j]
		}
	})
}

// UpdateSpeeds computes dW = G^T X and db = sum of G over the batch, then
// folds them into the momentum accumulators.
func (l *FullyConnected) UpdateSpeeds(u Update) {
	l.mustBeReady("UpdateSpeeds")
	g := mat.NewDense(l.batchSize, l.units, l.Output().GradientData())
	l.dev.MatMul(l.weights.GradMatrix(), g.T(), l.inputMatrix())

	clear(l.bias.Grad)
	for i := 0; i < l.batchSize; i++ {
		for j, v := range l.Output().Gradients(i) {
			l.bias.Grad[j] += v
		}
	}

	l.weights.accumulateSpeed(u)
	l.bias.accumulateSpeed(u)
}

// BackPropagate computes dX = G W, masked by the dropout pattern.
func (l *FullyConnected) BackPropagate() {
	l.mustBeReady("BackPropagate")
	g := mat.NewDense(l.batchSize, l.units, l.Output().GradientData())
	dx := mat.NewDense(l.batchSize, l.in.Units(), l.Input().GradientData())
	l.dev.MatMul(dx, g, l.weights.Matrix())
	l.dropout.mask(l.Input().GradientData())
}

func (l *FullyConnected) UpdateParameters(u Update) {
	l.mustBeReady("UpdateParameters")
	l.weights.apply(u)
	l.bias.apply(u)
}

// dropoutMask holds the inverted-dropout pattern of the last forward pass.
type dropoutMask struct {
	active  bool
	scale   []float64
	applied []float64
}

// sample draws a fresh pattern over src when keep < 1 and stores the masked
// copy in applied. It deactivates the mask otherwise.
func (d *dropoutMask) sample(keep float64, src []float64, rng *rand.Rand) {
	if keep >= 1 || keep <= 0 {
		d.active = false
		return
	}
	d.active = true
	if cap(d.scale) < len(src) {
		d.scale = make([]float64, len(src))
		d.applied = make([]float64, len(src))
	}
	d.scale = d.scale[:len(src)]
	d.applied = d.applied[:len(src)]
	inv := 1 / keep
	for i, v := range src {
		if rng.Float64() < keep {
			d.scale[i] = inv
			d.applied[i] = v * inv
		} else {
			d.scale[i] = 0
			d.applied[i] = 0
		}
	}
}

// mask multiplies grad by the last pattern.
func (d *dropoutMask) mask(grad []float64) {
	if !d.active {
		return
	}
	for i := range grad {
		grad[i] *= d.scale[i]
	}
}
