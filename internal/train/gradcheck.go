package train

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/born-ml/convnet/internal/dataset"
	"github.com/born-ml/convnet/internal/layer"
	"github.com/born-ml/convnet/internal/network"
	"gonum.org/v1/gonum/diff/fd"
)

// GradientReport is the outcome of GradientCheck.
type GradientReport struct {
	Checked     int
	MaxRelError float64
	// Worst names the parameter entry with the largest relative error.
	Worst string
}

// GradientCheck compares the analytic parameter gradients of the mean
// cross-entropy over one mini-batch with central finite differences.
//
// indices must fill the network's mini-batch. Up to perParam randomly chosen
// entries of every parameter are checked. Dropout is disabled for the
// duration; parameter values are left unchanged but momentum accumulators
// are zeroed.
func GradientCheck(net *network.Network, d dataset.Dataset, indices []int, perParam int, seed int64) (report GradientReport, err error) {
	if len(indices) != net.MiniBatchSize() {
		return report, fmt.Errorf("%w: %d indices for a mini-batch of %d", ErrConfig, len(indices), net.MiniBatchSize())
	}
	keepConv, keepFC := net.Dropout()
	defer func() {
		if derr := net.SetDropout(keepConv, keepFC); derr != nil && err == nil {
			err = derr
		}
	}()
	if err := net.SetDropout(1, 1); err != nil {
		return report, err
	}

	labels, err := feed(net, d, MiniBatch{Indices: indices, Valid: len(indices)}, nil)
	if err != nil {
		return report, err
	}
	loss := func() float64 {
		if err := net.ForwardPass(network.Beginning, network.End); err != nil {
			panic(err)
		}
		var sum float64
		for i, label := range labels {
			sum += layer.CrossEntropy(net.Output().Probabilities(i), label)
		}
		return sum / float64(len(labels))
	}

	// A zero update stores gradients without moving any parameter.
	loss()
	net.Output().InjectCrossEntropyGradient(labels, 1/float64(len(labels)))
	if err := net.BackwardPass(layer.Update{}, network.Beginning, network.End); err != nil {
		return report, err
	}

	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // sampling only
	settings := &fd.Settings{Formula: fd.Central, Step: 1e-6}
	for _, p := range net.Parameters() {
		analytic := append([]float64(nil), p.Grad...)
		for _, j := range sample(len(p.Value), perParam, rng) {
			orig := p.Value[j]
			numeric := fd.Derivative(func(x float64) float64 {
				p.Value[j] = x
				return loss()
			}, orig, settings)
			p.Value[j] = orig

			rel := math.Abs(analytic[j]-numeric) / math.Max(1e-8, math.Abs(analytic[j])+math.Abs(numeric))
			report.Checked++
			if rel > report.MaxRelError {
				report.MaxRelError = rel
				report.Worst = fmt.Sprintf("%s[%d]", p.Key, j)
			}
		}
	}
	net.ResetSpeeds()
	return report, nil
}

// sample returns up to k distinct indices in [0, n).
func sample(n, k int, rng *rand.Rand) []int {
	if k <= 0 || k >= n {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return all
	}
	return rng.Perm(n)[:k]
}
