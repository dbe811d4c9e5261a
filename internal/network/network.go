// Package network assembles layers into a sequential pipeline and drives
// forward and backward passes over it.
//
// A Network owns no tensors: every layer owns its output buffer in a shared
// tensor.Arena, and connecting layer i to layer i-1 records that layer i's
// input handle is layer i-1's output handle.
//
// The network enforces the structural rules of a convolutional classifier
// when layers are appended:
//
//  1. the first layer is Input, and Input appears only once;
//  2. nothing follows the Output layer;
//  3. pooling immediately follows an activation;
//  4. normalization follows a convolutional or fully connected layer;
//  5. activation follows a convolutional, fully connected or normalization layer;
//  6. convolutional and fully connected layers follow Input, an activation or pooling;
//  7. Output follows a fully connected or pooling layer.
//
// Cross-cutting state (mini-batch size, normalization mode, dropout, epoch
// boundaries) is changed only through typed setters that fan the change out
// to the layers it applies to.
package network

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/born-ml/convnet/internal/device"
	"github.com/born-ml/convnet/internal/layer"
	"github.com/born-ml/convnet/internal/tensor"
)

var (
	// ErrStructure reports an AddLayer call that violates a structural rule.
	ErrStructure = errors.New("network: invalid structure")

	// ErrBounds reports invalid pass bounds.
	ErrBounds = errors.New("network: invalid pass bounds")
)

// Options configures a new network.
type Options struct {
	// Seed drives parameter initialization and dropout sampling.
	Seed int64
	// Init selects random initialization or allocation for a later
	// LoadStateDict.
	Init layer.InitMode
	// MiniBatchSize is the initial batch size. Zero means 1.
	MiniBatchSize int
}

// Network is an ordered pipeline of layers from Input to Output.
type Network struct {
	dev    device.Device
	arena  *tensor.Arena
	layers []layer.Layer
	rng    *rand.Rand
	init   layer.InitMode

	batchSize int
	mode      layer.Mode
	keepConv  float64
	keepFC    float64
}

// New creates an empty network that schedules its layers on dev.
func New(dev device.Device, opts Options) *Network {
	if opts.MiniBatchSize <= 0 {
		opts.MiniBatchSize = 1
	}
	return &Network{
		dev:       dev,
		arena:     tensor.NewArena(),
		rng:       rand.New(rand.NewSource(opts.Seed)), //nolint:gosec // weight init and dropout
		init:      opts.Init,
		batchSize: opts.MiniBatchSize,
		mode:      layer.Training,
		keepConv:  1,
		keepFC:    1,
	}
}

// Device returns the device layers are scheduled on.
func (n *Network) Device() device.Device { return n.dev }

// Arena returns the buffer arena shared by all layers.
func (n *Network) Arena() *tensor.Arena { return n.arena }

// Len returns the number of layers.
func (n *Network) Len() int { return len(n.layers) }

// Layer returns layer i.
func (n *Network) Layer(i int) layer.Layer { return n.layers[i] }

// Layers returns a copy of the layer list.
func (n *Network) Layers() []layer.Layer {
	return append([]layer.Layer(nil), n.layers...)
}

// Input returns the input layer, or nil for an empty network.
func (n *Network) Input() *layer.Input {
	if len(n.layers) == 0 {
		return nil
	}
	in, _ := n.layers[0].(*layer.Input)
	return in
}

// Output returns the output layer, or nil until one has been added.
func (n *Network) Output() *layer.Softmax {
	if len(n.layers) == 0 {
		return nil
	}
	out, _ := n.layers[len(n.layers)-1].(*layer.Softmax)
	return out
}

// Complete reports whether the network ends with an Output layer.
func (n *Network) Complete() bool {
	return n.Output() != nil
}

// AddLayer validates l against the structural rules, then connects, shapes,
// initializes and schedules it. On any error the network is left unchanged.
func (n *Network) AddLayer(l layer.Layer) error {
	if l == nil {
		return fmt.Errorf("%w: nil layer", ErrStructure)
	}
	var prev layer.Layer
	if len(n.layers) > 0 {
		prev = n.layers[len(n.layers)-1]
	}
	if err := checkSequence(prev, l.Kind()); err != nil {
		return err
	}

	id := 0
	if prev != nil {
		id = prev.ID() + 1
	}
	l.SetID(id)

	mark := n.arena.Len()
	if err := n.bind(prev, l); err != nil {
		n.arena.Truncate(mark)
		if prev != nil {
			n.arena.Disconnect(prev.OutputHandle())
		}
		return fmt.Errorf("network: add layer %d (%s): %w", id, l.Kind(), err)
	}

	n.applyState(l)
	n.layers = append(n.layers, l)
	return nil
}

func (n *Network) bind(prev, l layer.Layer) error {
	if err := l.ConnectTo(prev, n.arena); err != nil {
		return err
	}
	if err := l.SetupOutput(n.batchSize); err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(n.rng.Int63())) //nolint:gosec // weight init and dropout
	if err := l.InitializeParameters(n.init, rng); err != nil {
		return err
	}
	return l.Schedule(n.dev)
}

// checkSequence applies the structural rules to appending kind after prev.
func checkSequence(prev layer.Layer, kind layer.Kind) error {
	if prev == nil {
		if kind != layer.KindInput {
			return fmt.Errorf("%w: first layer must be Input, got %s", ErrStructure, kind)
		}
		return nil
	}
	if kind == layer.KindInput {
		return fmt.Errorf("%w: Input may only be the first layer", ErrStructure)
	}

	p := prev.Kind()
	if p == layer.KindOutput {
		return fmt.Errorf("%w: nothing may follow the Output layer", ErrStructure)
	}

	var ok bool
	switch {
	case kind.IsPooling():
		ok = p == layer.KindActivation
	case kind == layer.KindNormalization:
		ok = p.IsWeighted()
	case kind == layer.KindActivation:
		ok = p.IsWeighted() || p == layer.KindNormalization
	case kind.IsWeighted():
		ok = p == layer.KindInput || p == layer.KindActivation || p.IsPooling()
	case kind == layer.KindOutput:
		ok = p == layer.KindFullyConnected || p.IsPooling()
	}
	if !ok {
		return fmt.Errorf("%w: %s cannot follow %s", ErrStructure, kind, p)
	}
	return nil
}

// applyState hands the network-wide settings to a newly added layer.
func (n *Network) applyState(l layer.Layer) {
	if nl, ok := l.(layer.Normalizer); ok {
		nl.SetMode(n.mode)
	}
	if d, ok := l.(layer.Dropouter); ok {
		d.SetDropout(n.keepFor(l.Kind()))
	}
}

func (n *Network) keepFor(k layer.Kind) float64 {
	if k == layer.KindConvolutional {
		return n.keepConv
	}
	return n.keepFC
}

// Aliased reports whether layer i reads layer i-1's output buffer in place.
func (n *Network) Aliased(i int) bool {
	if i <= 0 || i >= len(n.layers) {
		return false
	}
	return n.arena.Aliases(n.layers[i-1].OutputHandle(), n.layers[i].InputHandle())
}

// MiniBatchSize returns the number of examples per pass.
func (n *Network) MiniBatchSize() int { return n.batchSize }

// SetMiniBatchSize re-provisions every layer, in order, for size examples.
func (n *Network) SetMiniBatchSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: mini-batch size must be > 0, got %d", layer.ErrConfig, size)
	}
	if size == n.batchSize {
		return nil
	}
	for _, l := range n.layers {
		if err := l.SetupOutput(size); err != nil {
			return fmt.Errorf("network: resize layer %d: %w", l.ID(), err)
		}
		if err := l.Schedule(n.dev); err != nil {
			return fmt.Errorf("network: reschedule layer %d: %w", l.ID(), err)
		}
	}
	n.batchSize = size
	return nil
}

// Mode returns the normalization mode.
func (n *Network) Mode() layer.Mode { return n.mode }

// SetMode sets the normalization mode of every normalization layer.
func (n *Network) SetMode(m layer.Mode) {
	n.mode = m
	for _, l := range n.layers {
		if nl, ok := l.(layer.Normalizer); ok {
			nl.SetMode(m)
		}
	}
}

// SetDropout sets keep probabilities for convolutional and fully connected
// inputs. Use 1 to disable dropout.
func (n *Network) SetDropout(keepConv, keepFC float64) error {
	for _, k := range []float64{keepConv, keepFC} {
		if k <= 0 || k > 1 {
			return fmt.Errorf("%w: keep probability must be in (0, 1], got %g", layer.ErrConfig, k)
		}
	}
	n.keepConv, n.keepFC = keepConv, keepFC
	for _, l := range n.layers {
		if d, ok := l.(layer.Dropouter); ok {
			d.SetDropout(n.keepFor(l.Kind()))
		}
	}
	return nil
}

// Dropout returns the current keep probabilities.
func (n *Network) Dropout() (keepConv, keepFC float64) {
	return n.keepConv, n.keepFC
}

// BeginEpoch signals an epoch boundary: normalization counters restart.
func (n *Network) BeginEpoch() {
	n.ResetStatistics()
}

// ResetStatistics restarts the cumulative averages of every normalization
// layer.
func (n *Network) ResetStatistics() {
	for _, l := range n.layers {
		if nl, ok := l.(layer.Normalizer); ok {
			nl.ResetStatistics()
		}
	}
}

// HasNormalization reports whether any layer keeps running statistics.
func (n *Network) HasNormalization() bool {
	for _, l := range n.layers {
		if _, ok := l.(layer.Normalizer); ok {
			return true
		}
	}
	return false
}

// Feed copies example into batch slot of the input layer.
func (n *Network) Feed(slot int, example []float64) error {
	in := n.Input()
	if in == nil {
		return fmt.Errorf("%w: network has no input layer", ErrStructure)
	}
	if slot < 0 || slot >= n.batchSize {
		return fmt.Errorf("network: slot %d out of range [0, %d)", slot, n.batchSize)
	}
	if want := in.OutputShape().Units(); len(example) != want {
		return fmt.Errorf("network: example has %d values, input expects %d", len(example), want)
	}
	copy(in.Output().Activations(slot), example)
	return nil
}

// Summary returns one line per layer with its shapes.
func (n *Network) Summary() string {
	var sb strings.Builder
	for _, l := range n.layers {
		fmt.Fprintf(&sb, "%2d %-15s %-28s %s -> %s\n",
			l.ID(), l.Kind(), l.Name(), l.InputShape(), l.OutputShape())
	}
	return sb.String()
}
