package train

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/convnet/internal/dataset"
	"github.com/born-ml/convnet/internal/layer"
	"github.com/born-ml/convnet/internal/network"
)

// Evaluator measures a network without changing its parameters.
//
// Before measuring, dropout is disabled. Networks with normalization layers
// first sweep Calibration in PreInference mode, recomputing the cumulative
// statistics from scratch, and are then measured in Inference mode. The
// network's dropout and mode are restored afterwards.
type Evaluator struct {
	Net                *network.Network
	Calibration        dataset.Dataset
	CalibrationBatches int // 0 sweeps all of Calibration

	rng *rand.Rand
}

// NewEvaluator creates an evaluator. seed drives the padding of final
// partial batches.
func NewEvaluator(net *network.Network, calibration dataset.Dataset, calibrationBatches int, seed int64) *Evaluator {
	return &Evaluator{
		Net:                net,
		Calibration:        calibration,
		CalibrationBatches: calibrationBatches,
		rng:                rand.New(rand.NewSource(seed)), //nolint:gosec // padding only
	}
}

// Evaluate returns the metrics of every set, in order.
func (e *Evaluator) Evaluate(sets ...dataset.Dataset) (_ []Metrics, err error) {
	net := e.Net
	keepConv, keepFC := net.Dropout()
	mode := net.Mode()
	defer func() {
		net.SetMode(mode)
		if derr := net.SetDropout(keepConv, keepFC); derr != nil && err == nil {
			err = derr
		}
	}()
	if err := net.SetDropout(1, 1); err != nil {
		return nil, err
	}

	if net.HasNormalization() && e.Calibration != nil {
		net.ResetStatistics()
		net.SetMode(layer.PreInference)
		if _, err := e.sweep(e.Calibration, e.CalibrationBatches); err != nil {
			return nil, fmt.Errorf("train: calibrate normalization: %w", err)
		}
	}
	net.SetMode(layer.Inference)

	out := make([]Metrics, 0, len(sets))
	for _, d := range sets {
		m, err := e.sweep(d, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// sweep runs forward passes over d in index order, at most maxBatches
// batches when maxBatches > 0.
func (e *Evaluator) sweep(d dataset.Dataset, maxBatches int) (Metrics, error) {
	order := make([]int, d.Size())
	for i := range order {
		order[i] = i
	}
	batches := MiniBatches(order, e.Net.MiniBatchSize(), e.rng)
	if maxBatches > 0 && len(batches) > maxBatches {
		batches = batches[:maxBatches]
	}

	var acc accumulator
	labels := make([]int, 0, e.Net.MiniBatchSize())
	for _, b := range batches {
		var err error
		if labels, err = feed(e.Net, d, b, labels); err != nil {
			return Metrics{}, err
		}
		if err := e.Net.ForwardPass(network.Beginning, network.End); err != nil {
			return Metrics{}, err
		}
		acc.add(e.Net.Output(), labels, b.Valid)
	}
	return acc.metrics(), nil
}
