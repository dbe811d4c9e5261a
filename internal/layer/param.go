package layer

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// biasInit is the initial value of every bias.
const biasInit = 0.01

// Update carries the hyperparameters of one SGD step.
type Update struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	// MaxNorm caps the L2 norm of every output unit's weight vector.
	// Zero disables clipping.
	MaxNorm float64
}

// Param is a learnable tensor stored as a Rows x Cols row-major matrix.
//
// Row r of a weight matrix holds the incoming weights of output unit r, which
// is the vector max-norm clipping operates on.
type Param struct {
	Name  string
	Rows  int
	Cols  int
	Value []float64
	Grad  []float64
	Speed []float64
	// Decay marks parameters subject to weight decay and max-norm clipping.
	Decay bool
}

func newParam(name string, rows, cols int, decay bool) *Param {
	n := rows * cols
	return &Param{
		Name:  name,
		Rows:  rows,
		Cols:  cols,
		Value: make([]float64, n),
		Grad:  make([]float64, n),
		Speed: make([]float64, n),
		Decay: decay,
	}
}

// newStatistic allocates a non-learnable vector persisted with the network.
func newStatistic(name string, n int) *Param {
	return &Param{Name: name, Rows: 1, Cols: n, Value: make([]float64, n)}
}

// Shape returns the parameter dimensions.
func (p *Param) Shape() []int {
	return []int{p.Rows, p.Cols}
}

// Matrix returns a view of Value.
func (p *Param) Matrix() *mat.Dense {
	return mat.NewDense(p.Rows, p.Cols, p.Value)
}

// GradMatrix returns a view of Grad.
func (p *Param) GradMatrix() *mat.Dense {
	return mat.NewDense(p.Rows, p.Cols, p.Grad)
}

// Load copies values into the parameter.
func (p *Param) Load(values []float64) error {
	if len(values) != len(p.Value) {
		return fmt.Errorf("%w: parameter %s has %d values, got %d", ErrConfig, p.Name, len(p.Value), len(values))
	}
	copy(p.Value, values)
	return nil
}

// ResetSpeed zeroes the momentum accumulator.
func (p *Param) ResetSpeed() {
	clear(p.Speed)
}

// accumulateSpeed folds the current gradient into the momentum accumulator:
//
//	speed = momentum*speed - lr*(grad + decay*value)
func (p *Param) accumulateSpeed(u Update) {
	floats.Scale(u.Momentum, p.Speed)
	floats.AddScaled(p.Speed, -u.LearningRate, p.Grad)
	if p.Decay && u.WeightDecay != 0 {
		floats.AddScaled(p.Speed, -u.LearningRate*u.WeightDecay, p.Value)
	}
}

// apply adds the speed to the value and clips row norms to u.MaxNorm.
func (p *Param) apply(u Update) {
	floats.Add(p.Value, p.Speed)
	if !p.Decay || u.MaxNorm <= 0 {
		return
	}
	for r := 0; r < p.Rows; r++ {
		row := p.Value[r*p.Cols : (r+1)*p.Cols]
		if n := floats.Norm(row, 2); n > u.MaxNorm {
			floats.Scale(u.MaxNorm/n, row)
		}
	}
}

// normal draws a standard normal sample with the Box-Muller transform.
func normal(rng *rand.Rand) float64 {
	u1 := rng.Float64()
	for u1 == 0 {
		u1 = rng.Float64()
	}
	u2 := rng.Float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

// heNormal fills dst with Normal(0, sqrt(2/fanIn)) samples.
func heNormal(dst []float64, fanIn int, rng *rand.Rand) {
	std := math.Sqrt(2 / float64(fanIn))
	for i := range dst {
		dst[i] = std * normal(rng)
	}
}

// initWeights initializes a weight/bias pair for the given mode.
func initWeights(w, b *Param, fanIn int, mode InitMode, rng *rand.Rand) {
	if mode == InitLoad {
		return
	}
	heNormal(w.Value, fanIn, rng)
	for i := range b.Value {
		b.Value[i] = biasInit
	}
}
