package train

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/convnet/internal/dataset"
	"github.com/born-ml/convnet/internal/layer"
	"github.com/born-ml/convnet/internal/network"
	"gonum.org/v1/gonum/floats"
)

// MiniBatch is a fixed-size group of example indices. Only the first Valid
// entries are real; the rest pad a final partial batch.
type MiniBatch struct {
	Indices []int
	Valid   int
}

// MiniBatches cuts order into batches of exactly size indices. The final
// partial batch is padded with indices resampled at random from order's
// earlier positions, so every batch keeps the network's fixed shape.
func MiniBatches(order []int, size int, rng *rand.Rand) []MiniBatch {
	var batches []MiniBatch
	for start := 0; start < len(order); start += size {
		end := min(start+size, len(order))
		b := MiniBatch{Indices: make([]int, size), Valid: end - start}
		copy(b.Indices, order[start:end])
		for i := b.Valid; i < size; i++ {
			b.Indices[i] = order[rng.Intn(end)]
		}
		batches = append(batches, b)
	}
	return batches
}

// feed copies the batch examples into the network input and returns the
// labels of every slot.
func feed(net *network.Network, d dataset.Dataset, b MiniBatch, labels []int) ([]int, error) {
	labels = labels[:0]
	for slot, idx := range b.Indices {
		if err := net.Feed(slot, d.Example(idx)); err != nil {
			return nil, fmt.Errorf("train: feed example %d: %w", idx, err)
		}
		labels = append(labels, d.Label(idx))
	}
	return labels, nil
}

// accumulator sums loss and errors over real examples only.
type accumulator struct {
	loss   float64
	errors int
	n      int
}

func (a *accumulator) add(out *layer.Softmax, labels []int, valid int) {
	for i := 0; i < valid; i++ {
		p := out.Probabilities(i)
		a.loss += layer.CrossEntropy(p, labels[i])
		if floats.MaxIdx(p) != labels[i] {
			a.errors++
		}
		a.n++
	}
}

func (a *accumulator) metrics() Metrics {
	if a.n == 0 {
		return Metrics{}
	}
	return Metrics{Loss: a.loss / float64(a.n), Error: float64(a.errors) / float64(a.n), Examples: a.n}
}
