package layer

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/convnet/internal/device"
	"github.com/born-ml/convnet/internal/tensor"
	"gonum.org/v1/gonum/mat"
)

// ConvConfig holds the static hyperparameters of a convolutional layer.
type ConvConfig struct {
	FilterSize int // Square filter width F. Must be odd.
	Filters    int // Filter count K, which is the output depth.
	Stride     int
	Padding    int
}

// Validate checks the hyperparameters that do not depend on the input.
func (c ConvConfig) Validate() error {
	if c.FilterSize <= 0 || c.FilterSize%2 == 0 {
		return fmt.Errorf("%w: filter size must be odd and positive, got %d", ErrConfig, c.FilterSize)
	}
	if c.Filters <= 0 {
		return fmt.Errorf("%w: filter count must be > 0, got %d", ErrConfig, c.Filters)
	}
	if c.Stride <= 0 {
		return fmt.Errorf("%w: stride must be > 0, got %d", ErrConfig, c.Stride)
	}
	if c.Padding < 0 {
		return fmt.Errorf("%w: padding must be >= 0, got %d", ErrConfig, c.Padding)
	}
	return nil
}

// OutputWidth returns (inputWidth - F + 2P)/S + 1. A division with remainder
// is a configuration error.
func (c ConvConfig) OutputWidth(inputWidth int) (int, error) {
	span := inputWidth - c.FilterSize + 2*c.Padding
	if span < 0 {
		return 0, fmt.Errorf("%w: filter %d with padding %d does not fit input width %d",
			ErrConfig, c.FilterSize, c.Padding, inputWidth)
	}
	if span%c.Stride != 0 {
		return 0, fmt.Errorf("%w: (%d - %d + 2*%d) is not divisible by stride %d",
			ErrConfig, inputWidth, c.FilterSize, c.Padding, c.Stride)
	}
	return span/c.Stride + 1, nil
}

// Convolutional convolves its input with K learned filters.
//
// The convolution is computed im2col-style. Each example is zero-padded into
// a per-slot scratch volume; a receptive-field table built at Schedule maps
// every (output position, field offset) pair to an index in that volume. The
// gathered patch matrix P [area x field] turns the convolution into
//
//	out[K x area] = W[K x field] * P^T + b
//
// and the same table scatters patch gradients back during BackPropagate.
type Convolutional struct {
	base
	cfg ConvConfig

	paddedWidth int
	fieldSize   int
	area        int

	weights *Param
	bias    *Param

	table []int
	slots []*convSlot
	// tableKey records the geometry the table was built for.
	tableKey [5]int

	keep float64
}

// convSlot is the scratch space of one mini-batch slot.
type convSlot struct {
	padded     []float64
	padGrads   []float64
	patches    *mat.Dense
	patchGrads *mat.Dense
	dropout    dropoutMask
	rng        *rand.Rand
}

// NewConvolutional creates a convolutional layer.
func NewConvolutional(cfg ConvConfig) (*Convolutional, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Convolutional{base: newBase(), cfg: cfg, keep: 1}, nil
}

func (l *Convolutional) Kind() Kind { return KindConvolutional }

func (l *Convolutional) Name() string {
	return fmt.Sprintf("conv %dx%d/%d pad %d x%d",
		l.cfg.FilterSize, l.cfg.FilterSize, l.cfg.Stride, l.cfg.Padding, l.cfg.Filters)
}

// Config returns the layer hyperparameters.
func (l *Convolutional) Config() ConvConfig { return l.cfg }

// Window implements Spatial.
func (l *Convolutional) Window() (size, stride int) {
	return l.cfg.FilterSize, l.cfg.Stride
}

// ConnectTo rejects non-square inputs and fractional output sizes.
func (l *Convolutional) ConnectTo(prev Layer, arena *tensor.Arena) error {
	if prev != nil {
		in := prev.OutputShape()
		if !in.IsSquare() {
			return fmt.Errorf("%w: convolution requires square input, got %s", ErrConfig, in)
		}
		if _, err := l.cfg.OutputWidth(in.Width); err != nil {
			return err
		}
	}
	return l.connect(prev, arena)
}

func (l *Convolutional) SetupOutput(batchSize int) error {
	if err := l.require("SetupOutput", StateConnected); err != nil {
		return err
	}
	w, err := l.cfg.OutputWidth(l.in.Width)
	if err != nil {
		return err
	}
	l.paddedWidth = l.in.Width + 2*l.cfg.Padding
	l.fieldSize = l.in.Depth * l.cfg.FilterSize * l.cfg.FilterSize
	l.area = w * w
	return l.setupOutput(batchSize, tensor.Shape{Depth: l.cfg.Filters, Height: w, Width: w})
}

func (l *Convolutional) InitializeParameters(mode InitMode, rng *rand.Rand) error {
	if err := l.initialize(rng); err != nil {
		return err
	}
	l.weights = newParam("weights", l.cfg.Filters, l.fieldSize, true)
	l.bias = newParam("bias", l.cfg.Filters, 1, false)
	initWeights(l.weights, l.bias, l.fieldSize, mode, l.rng)
	return nil
}

// Schedule builds the receptive-field table and provisions scratch slots for
// the current batch size.
func (l *Convolutional) Schedule(dev device.Device) error {
	if err := l.beginSchedule(dev); err != nil {
		return err
	}
	key := [5]int{l.paddedWidth, l.out.Width, l.cfg.FilterSize, l.cfg.Stride, l.fieldSize}
	if l.table == nil || key != l.tableKey {
		l.table = receptiveFieldTable(l.paddedWidth, l.out.Width, l.cfg.FilterSize, l.cfg.Stride, l.fieldSize)
		l.tableKey = key
	}
	l.ensureSlots(l.batchSize)
	return l.ready()
}

// SetDropout implements Dropouter.
func (l *Convolutional) SetDropout(keep float64) {
	l.keep = keep
}

func (l *Convolutional) Parameters() []*Param {
	return []*Param{l.weights, l.bias}
}

// Table returns the receptive-field lookup table: entry o*field+r is the
// padded-volume index of field offset r for output position o.
func (l *Convolutional) Table() []int { return l.table }

// receptiveFieldTable maps each (output position, field offset) pair to an
// index into a depth x paddedWidth x paddedWidth volume. Field offsets run
// depth-major, then filter row, then filter column.
func receptiveFieldTable(paddedWidth, outputWidth, filterSize, stride, fieldSize int) []int {
	area := outputWidth * outputWidth
	plane := paddedWidth * paddedWidth
	ff := filterSize * filterSize
	table := make([]int, area*fieldSize)
	for oy := 0; oy < outputWidth; oy++ {
		for ox := 0; ox < outputWidth; ox++ {
			o := oy*outputWidth + ox
			row := table[o*fieldSize : (o+1)*fieldSize]
			for r := range row {
				d, rem := r/ff, r%ff
				fy, fx := rem/filterSize, rem%filterSize
				row[r] = d*plane + (oy*stride+fy)*paddedWidth + (ox*stride + fx)
			}
		}
	}
	return table
}

// ensureSlots grows the scratch slots to n. Slots are never released.
func (l *Convolutional) ensureSlots(n int) {
	volume := l.in.Depth * l.paddedWidth * l.paddedWidth
	for len(l.slots) < n {
		l.slots = append(l.slots, &convSlot{
			padded:     make([]float64, volume),
			padGrads:   make([]float64, volume),
			patches:    mat.NewDense(l.area, l.fieldSize, nil),
			patchGrads: mat.NewDense(l.area, l.fieldSize, nil),
			// Slots sample dropout concurrently and need their own source.
			rng: rand.New(rand.NewSource(l.rng.Int63())), //nolint:gosec // dropout sampling
		})
	}
}

// Slots returns the number of provisioned scratch slots.
func (l *Convolutional) Slots() int { return len(l.slots) }

func (l *Convolutional) Forward() {
	l.mustBeReady("Forward")
	in, out := l.Input(), l.Output()

	// Pad and gather every example's patches.
	l.dev.Dispatch(l.batchSize, func(i int) {
		s := l.slots[i]
		x := in.Activations(i)
		s.dropout.sample(l.keep, x, s.rng)
		if s.dropout.active {
			x = s.dropout.applied
		}
		l.pad(s.padded, x)
		patches := s.patches.RawMatrix().Data
		for j, idx := range l.table {
			patches[j] = s.padded[idx]
		}
	})

	w := l.weights.Matrix()
	for i := 0; i < l.batchSize; i++ {
		z := mat.NewDense(l.cfg.Filters, l.area, out.Activations(i))
		l.dev.MatMul(z, w, l.slots[i].patches.T())
	}

	bias := l.bias.Value
	l.dev.Dispatch(l.batchSize, func(i int) {
		z := out.Activations(i)
		for k, b := range bias {
			row := z[k*l.area : (k+1)*l.area]
			for j := range row {
				row[j] += b
			}
		}
	})
}

// pad writes x into the interior of dst and zeroes the border.
func (l *Convolutional) pad(dst, x []float64) {
	p, w, pw := l.cfg.Padding, l.in.Width, l.paddedWidth
	if p == 0 {
		copy(dst, x)
		return
	}
	clear(dst)
	for d := 0; d < l.in.Depth; d++ {
		for y := 0; y < w; y++ {
			src := x[(d*w+y)*w : (d*w+y+1)*w]
			off := d*pw*pw + (y+p)*pw + p
			copy(dst[off:off+w], src)
		}
	}
}

// UpdateSpeeds accumulates dW = sum_i G_i P_i and db = sum of G over
// positions and examples.
func (l *Convolutional) UpdateSpeeds(u Update) {
	l.mustBeReady("UpdateSpeeds")
	out := l.Output()
	grad := l.weights.GradMatrix()
	grad.Zero()
	clear(l.bias.Grad)

	tmp := mat.NewDense(l.cfg.Filters, l.fieldSize, nil)
	for i := 0; i < l.batchSize; i++ {
		g := out.Gradients(i)
		l.dev.MatMul(tmp, mat.NewDense(l.cfg.Filters, l.area, g), l.slots[i].patches)
		grad.Add(grad, tmp)
		for k := range l.bias.Grad {
			for _, v := range g[k*l.area : (k+1)*l.area] {
				l.bias.Grad[k] += v
			}
		}
	}

	l.weights.accumulateSpeed(u)
	l.bias.accumulateSpeed(u)
}

// BackPropagate computes patch gradients G_i^T W, scatter-adds them into the
// padded gradient volume through the lookup table and copies the interior
// into the input gradient.
func (l *Convolutional) BackPropagate() {
	l.mustBeReady("BackPropagate")
	in, out := l.Input(), l.Output()
	w := l.weights.Matrix()

	for i := 0; i < l.batchSize; i++ {
		g := mat.NewDense(l.cfg.Filters, l.area, out.Gradients(i))
		l.dev.MatMul(l.slots[i].patchGrads, g.T(), w)
	}

	p, width, pw := l.cfg.Padding, l.in.Width, l.paddedWidth
	l.dev.Dispatch(l.batchSize, func(i int) {
		s := l.slots[i]
		clear(s.padGrads)
		pg := s.patchGrads.RawMatrix().Data
		for j, idx := range l.table {
			s.padGrads[idx] += pg[j]
		}
		dx := in.Gradients(i)
		for d := 0; d < l.in.Depth; d++ {
			for y := 0; y < width; y++ {
				off := d*pw*pw + (y+p)*pw + p
				copy(dx[(d*width+y)*width:(d*width+y+1)*width], s.padGrads[off:off+width])
			}
		}
		s.dropout.mask(dx)
	})
}

func (l *Convolutional) UpdateParameters(u Update) {
	l.mustBeReady("UpdateParameters")
	l.weights.apply(u)
	l.bias.apply(u)
}
