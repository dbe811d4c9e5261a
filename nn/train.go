// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"context"
	"math/rand"

	"github.com/born-ml/convnet/internal/dataset"
	"github.com/born-ml/convnet/internal/train"
)

// Datasets

// Dataset is an indexed collection of labelled examples.
type Dataset = dataset.Dataset

// NewDataset wraps in-memory examples and labels.
func NewDataset(shape Shape, classes int, examples [][]float64, labels []int) (Dataset, error) {
	m, err := dataset.NewMemory(shape, classes, examples, labels)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// LoadIDX reads an image/label pair of IDX files such as MNIST.
// maxSamples <= 0 loads every example.
func LoadIDX(imagesPath, labelsPath string, classes, maxSamples int) (Dataset, error) {
	m, err := dataset.LoadIDX(imagesPath, labelsPath, classes, maxSamples)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Grayscale returns a single-channel view of d.
func Grayscale(d Dataset) Dataset { return dataset.NewGrayscale(d) }

// Split shuffles d and holds out the given fraction of it.
func Split(d Dataset, fraction float64, rng *rand.Rand) (trainSet, held Dataset, err error) {
	a, b, err := dataset.Split(d, fraction, rng)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// Training

type (
	// TrainConfig holds the hyperparameters of a training run.
	TrainConfig = train.Config
	Env         = train.Env
	Result      = train.Result
	Session     = train.Session
	Metrics     = train.Metrics
	EpochStats  = train.EpochStats
	StopReason  = train.StopReason
	Reporter    = train.Reporter
	LogReporter = train.LogReporter
	Evaluator   = train.Evaluator
	Member      = train.Member

	// Checkpoint describes the training state stored with a saved network.
	Checkpoint        = train.Checkpoint
	Persistence       = train.Persistence
	BornPersistence   = train.BornPersistence
	MemoryPersistence = train.MemoryPersistence

	GradientReport = train.GradientReport
)

// Stop reasons.
const (
	StopMaxEpochs = train.StopMaxEpochs
	StopStalled   = train.StopStalled
	StopCanceled  = train.StopCanceled
)

// DefaultTrainConfig returns sensible hyperparameters for small networks.
func DefaultTrainConfig() TrainConfig { return train.DefaultConfig() }

// LoadTrainConfig reads YAML hyperparameters over DefaultTrainConfig.
func LoadTrainConfig(path string) (TrainConfig, error) { return train.LoadConfig(path) }

// Train fits net to trainSet, validating on valSet after every epoch.
func Train(ctx context.Context, net *Network, trainSet, valSet Dataset, cfg TrainConfig, env Env) (*Result, error) {
	return train.Train(ctx, net, trainSet, valSet, cfg, env)
}

// NewEvaluator creates an evaluator that calibrates normalization layers on
// calibration before measuring.
func NewEvaluator(net *Network, calibration Dataset, calibrationBatches int, seed int64) *Evaluator {
	return train.NewEvaluator(net, calibration, calibrationBatches, seed)
}

// EnsembleEvaluate scores the averaged class probabilities of members.
func EnsembleEvaluate(members []Member, seed int64) (Metrics, error) {
	return train.EnsembleEvaluate(members, seed)
}

// NewMemoryPersistence returns an in-memory checkpoint store.
func NewMemoryPersistence() *MemoryPersistence { return train.NewMemoryPersistence() }

// GradientCheck compares analytic gradients with finite differences on one
// mini-batch of d.
func GradientCheck(net *Network, d Dataset, indices []int, perParam int, seed int64) (GradientReport, error) {
	return train.GradientCheck(net, d, indices, perParam, seed)
}
