package train

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/convnet/internal/dataset"
	"github.com/born-ml/convnet/internal/layer"
	"github.com/born-ml/convnet/internal/network"
	"gonum.org/v1/gonum/floats"
)

// Member is one network of an ensemble together with the view of the
// evaluation data it consumes, e.g. a grayscale or color variant.
type Member struct {
	Net  *network.Network
	Data dataset.Dataset
}

// EnsembleEvaluate averages the class probabilities of all members for every
// example and scores the averaged distribution. Members must already hold
// calibrated normalization statistics; they are run in Inference mode with
// dropout disabled, and their settings are restored afterwards. All views
// must have the same size and labels.
func EnsembleEvaluate(members []Member, seed int64) (Metrics, error) {
	if len(members) == 0 {
		return Metrics{}, fmt.Errorf("%w: empty ensemble", ErrConfig)
	}
	ref := members[0].Data
	classes := members[0].Net.Output().Classes()
	for i, m := range members {
		if m.Data.Size() != ref.Size() {
			return Metrics{}, fmt.Errorf("%w: member %d has %d examples, member 0 has %d",
				ErrConfig, i, m.Data.Size(), ref.Size())
		}
		if c := m.Net.Output().Classes(); c != classes {
			return Metrics{}, fmt.Errorf("%w: member %d predicts %d classes, member 0 predicts %d",
				ErrConfig, i, c, classes)
		}
	}

	avg := make([][]float64, ref.Size())
	for i := range avg {
		avg[i] = make([]float64, classes)
	}
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // padding only
	for _, m := range members {
		if err := accumulateProbabilities(m, avg, rng); err != nil {
			return Metrics{}, err
		}
	}

	var acc accumulator
	inv := 1 / float64(len(members))
	for i, p := range avg {
		floats.Scale(inv, p)
		label := ref.Label(i)
		for _, m := range members[1:] {
			if m.Data.Label(i) != label {
				return Metrics{}, fmt.Errorf("%w: members disagree on the label of example %d", ErrConfig, i)
			}
		}
		acc.loss += layer.CrossEntropy(p, label)
		if floats.MaxIdx(p) != label {
			acc.errors++
		}
		acc.n++
	}
	return acc.metrics(), nil
}

func accumulateProbabilities(m Member, sum [][]float64, rng *rand.Rand) (err error) {
	net := m.Net
	keepConv, keepFC := net.Dropout()
	mode := net.Mode()
	defer func() {
		net.SetMode(mode)
		if derr := net.SetDropout(keepConv, keepFC); derr != nil && err == nil {
			err = derr
		}
	}()
	if err := net.SetDropout(1, 1); err != nil {
		return err
	}
	net.SetMode(layer.Inference)

	order := make([]int, m.Data.Size())
	for i := range order {
		order[i] = i
	}
	labels := make([]int, 0, net.MiniBatchSize())
	for _, b := range MiniBatches(order, net.MiniBatchSize(), rng) {
		if labels, err = feed(net, m.Data, b, labels); err != nil {
			return err
		}
		if err := net.ForwardPass(network.Beginning, network.End); err != nil {
			return err
		}
		for slot := 0; slot < b.Valid; slot++ {
			floats.Add(sum[b.Indices[slot]], net.Output().Probabilities(slot))
		}
	}
	return nil
}
