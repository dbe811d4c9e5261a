package layer

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/born-ml/convnet/internal/device"
	"github.com/born-ml/convnet/internal/tensor"
	"gonum.org/v1/gonum/floats"
)

// minProbability bounds the argument of log in CrossEntropy.
const minProbability = 1e-12

// Softmax is the output layer: it turns each example's scores into class
// probabilities.
//
// Its own BackPropagate must never run. The gradient of cross-entropy loss
// through softmax is p - onehot(label), which the trainer writes into the
// input gradient with InjectCrossEntropyGradient.
type Softmax struct {
	base
}

// NewSoftmax creates a softmax output layer.
func NewSoftmax() *Softmax {
	return &Softmax{base: newBase()}
}

func (l *Softmax) Kind() Kind   { return KindOutput }
func (l *Softmax) Name() string { return fmt.Sprintf("softmax %d", l.out.Units()) }

func (l *Softmax) ConnectTo(prev Layer, arena *tensor.Arena) error {
	return l.connect(prev, arena)
}

func (l *Softmax) SetupOutput(batchSize int) error {
	if err := l.require("SetupOutput", StateConnected); err != nil {
		return err
	}
	return l.setupOutput(batchSize, tensor.Flat(l.in.Units()))
}

func (l *Softmax) InitializeParameters(_ InitMode, rng *rand.Rand) error {
	return l.initialize(rng)
}

func (l *Softmax) Schedule(dev device.Device) error {
	if err := l.beginSchedule(dev); err != nil {
		return err
	}
	return l.ready()
}

// Classes returns the number of output classes.
func (l *Softmax) Classes() int { return l.out.Units() }

func (l *Softmax) Forward() {
	l.mustBeReady("Forward")
	in, out := l.Input(), l.Output()
	l.dev.Dispatch(l.batchSize, func(i int) {
		softmaxInto(out.Activations(i), in.Activations(i))
	})
}

// softmaxInto writes softmax(x) into p. The per-example maximum is
// subtracted before exponentiating.
func softmaxInto(p, x []float64) {
	shift := floats.Max(x)
	sum := 0.0
	for j, v := range x {
		e := math.Exp(v - shift)
		p[j] = e
		sum += e
	}
	floats.Scale(1/sum, p)
}

// BackPropagate panics: the combined softmax/cross-entropy gradient is
// injected by the trainer.
func (l *Softmax) BackPropagate() {
	panic("layer: Softmax.BackPropagate called; use InjectCrossEntropyGradient")
}

// InjectCrossEntropyGradient writes scale*(p - onehot(labels[i])) into the
// input gradient of every example i. labels must hold one entry per batch
// slot.
func (l *Softmax) InjectCrossEntropyGradient(labels []int, scale float64) {
	l.mustBeReady("InjectCrossEntropyGradient")
	if len(labels) != l.batchSize {
		panic(fmt.Sprintf("layer: %d labels for batch of %d", len(labels), l.batchSize))
	}
	in, out := l.Input(), l.Output()
	l.dev.Dispatch(l.batchSize, func(i int) {
		p, dx := out.Activations(i), in.Gradients(i)
		for j, v := range p {
			dx[j] = v * scale
		}
		dx[labels[i]] -= scale
	})
}

// Probabilities returns the class probabilities of example i.
func (l *Softmax) Probabilities(i int) []float64 {
	return l.Output().Activations(i)
}

// CrossEntropy returns -log(p[label]).
func CrossEntropy(p []float64, label int) float64 {
	return -math.Log(math.Max(p[label], minProbability))
}
