package layer

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/convnet/internal/device"
	"github.com/born-ml/convnet/internal/tensor"
)

// MaxPooling downsamples each channel with a 2x2 window and stride 2.
//
// A table built at Schedule lists the four input offsets feeding every output
// unit. Forward records which of the four was the maximum (the switch), and
// BackPropagate routes each output gradient to that offset only.
type MaxPooling struct {
	base
	size     int
	stride   int
	sources  []int
	switches []uint8
}

// NewMaxPooling creates a max-pooling layer. Only a 2x2 window with stride 2
// is supported.
func NewMaxPooling(size, stride int) (*MaxPooling, error) {
	if size != 2 || stride != 2 {
		return nil, fmt.Errorf("%w: max pooling supports only 2x2 windows with stride 2, got %dx%d/%d",
			ErrConfig, size, size, stride)
	}
	return &MaxPooling{base: newBase(), size: size, stride: stride}, nil
}

func (l *MaxPooling) Kind() Kind   { return KindMaxPooling }
func (l *MaxPooling) Name() string { return fmt.Sprintf("maxpool %dx%d/%d", l.size, l.size, l.stride) }

// Window implements Spatial.
func (l *MaxPooling) Window() (size, stride int) { return l.size, l.stride }

func (l *MaxPooling) ConnectTo(prev Layer, arena *tensor.Arena) error {
	if prev != nil {
		in := prev.OutputShape()
		if !in.IsSquare() || in.Width%2 != 0 {
			return fmt.Errorf("%w: max pooling requires a square input of even width, got %s", ErrConfig, in)
		}
	}
	return l.connect(prev, arena)
}

func (l *MaxPooling) SetupOutput(batchSize int) error {
	if err := l.require("SetupOutput", StateConnected); err != nil {
		return err
	}
	w := l.in.Width / l.stride
	if err := l.setupOutput(batchSize, tensor.Shape{Depth: l.in.Depth, Height: w, Width: w}); err != nil {
		return err
	}
	n := batchSize * l.out.Units()
	if cap(l.switches) < n {
		l.switches = make([]uint8, n)
	}
	l.switches = l.switches[:n]
	return nil
}

func (l *MaxPooling) InitializeParameters(_ InitMode, rng *rand.Rand) error {
	return l.initialize(rng)
}

func (l *MaxPooling) Schedule(dev device.Device) error {
	if err := l.beginSchedule(dev); err != nil {
		return err
	}
	if l.sources == nil {
		l.sources = poolingTable(l.in, l.out.Width)
	}
	return l.ready()
}

// poolingTable lists, for every output unit, its four source offsets in
// row-major window order.
func poolingTable(in tensor.Shape, outWidth int) []int {
	outArea := outWidth * outWidth
	table := make([]int, in.Depth*outArea*4)
	for d := 0; d < in.Depth; d++ {
		for oy := 0; oy < outWidth; oy++ {
			for ox := 0; ox < outWidth; ox++ {
				o := d*outArea + oy*outWidth + ox
				top := d*in.Area() + 2*oy*in.Width + 2*ox
				table[4*o] = top
				table[4*o+1] = top + 1
				table[4*o+2] = top + in.Width
				table[4*o+3] = top + in.Width + 1
			}
		}
	}
	return table
}

// Switches returns the selected window position of every output unit of
// example i.
func (l *MaxPooling) Switches(i int) []uint8 {
	n := l.out.Units()
	return l.switches[i*n : (i+1)*n]
}

func (l *MaxPooling) Forward() {
	l.mustBeReady("Forward")
	in, out := l.Input(), l.Output()
	l.dev.Dispatch(l.batchSize, func(i int) {
		x, y := in.Activations(i), out.Activations(i)
		sw := l.Switches(i)
		for o := range y {
			src := l.sources[4*o : 4*o+4]
			best := 0
			for j := 1; j < 4; j++ {
				if x[src[j]] > x[src[best]] {
					best = j
				}
			}
			y[o] = x[src[best]]
			sw[o] = uint8(best) //nolint:gosec // best < 4
		}
	})
}

func (l *MaxPooling) BackPropagate() {
	l.mustBeReady("BackPropagate")
	in, out := l.Input(), l.Output()
	l.dev.Dispatch(l.batchSize, func(i int) {
		dx, g := in.Gradients(i), out.Gradients(i)
		sw := l.Switches(i)
		clear(dx)
		for o, v := range g {
			dx[l.sources[4*o+int(sw[o])]] = v
		}
	})
}

// AveragePooling collapses each channel's spatial extent to one unit holding
// its mean.
type AveragePooling struct {
	base
}

// NewAveragePooling creates a global average-pooling layer.
func NewAveragePooling() *AveragePooling {
	return &AveragePooling{base: newBase()}
}

func (l *AveragePooling) Kind() Kind   { return KindAveragePooling }
func (l *AveragePooling) Name() string { return "avgpool global" }

// Window implements Spatial. The window spans the whole input.
func (l *AveragePooling) Window() (size, stride int) { return l.in.Width, l.in.Width }

func (l *AveragePooling) ConnectTo(prev Layer, arena *tensor.Arena) error {
	return l.connect(prev, arena)
}

func (l *AveragePooling) SetupOutput(batchSize int) error {
	if err := l.require("SetupOutput", StateConnected); err != nil {
		return err
	}
	return l.setupOutput(batchSize, tensor.Flat(l.in.Depth))
}

func (l *AveragePooling) InitializeParameters(_ InitMode, rng *rand.Rand) error {
	return l.initialize(rng)
}

func (l *AveragePooling) Schedule(dev device.Device) error {
	if err := l.beginSchedule(dev); err != nil {
		return err
	}
	return l.ready()
}

func (l *AveragePooling) Forward() {
	l.mustBeReady("Forward")
	in, out := l.Input(), l.Output()
	area := l.in.Area()
	inv := 1 / float64(area)
	l.dev.Dispatch(l.batchSize, func(i int) {
		x, y := in.Activations(i), out.Activations(i)
		for d := range y {
			sum := 0.0
			for _, v := range x[d*area : (d+1)*area] {
				sum += v
			}
			y[d] = sum * inv
		}
	})
}

func (l *AveragePooling) BackPropagate() {
	l.mustBeReady("BackPropagate")
	in, out := l.Input(), l.Output()
	area := l.in.Area()
	inv := 1 / float64(area)
	l.dev.Dispatch(l.batchSize, func(i int) {
		dx, g := in.Gradients(i), out.Gradients(i)
		for d, v := range g {
			share := v * inv
			row := dx[d*area : (d+1)*area]
			for j := range row {
				row[j] = share
			}
		}
	})
}
