// Package train drives multi-epoch mini-batch training of a network.
//
// Each epoch shuffles the training set, runs forward and backward passes
// over fixed-size mini-batches with SGD, momentum and weight decay, then
// evaluates the validation set. An improved validation loss is
// checkpointed. After more than Patience epochs without improvement the
// learning rate is divided by LearningRateDecay and the best checkpoint is
// reloaded; once MaxConsecutiveAnnealings such attempts have failed in a
// row, training stops as stalled.
package train

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/born-ml/convnet/internal/dataset"
	"github.com/born-ml/convnet/internal/layer"
	"github.com/born-ml/convnet/internal/network"
)

// Env holds the collaborators of a training run. Zero values select an
// in-memory checkpoint store and no telemetry.
type Env struct {
	Persistence Persistence
	Reporter    Reporter
}

// trainer carries the state shared by the steps of one Train call.
type trainer struct {
	net   *network.Network
	train dataset.Dataset
	val   dataset.Dataset
	cfg   Config
	env   Env
	rng   *rand.Rand
	eval  *Evaluator
	s     *Session
}

// Train fits net to train, validating on val after every epoch. It returns
// a Result describing why training ended; errors are reserved for failures
// of the network, datasets or persistence.
func Train(ctx context.Context, net *network.Network, train, val dataset.Dataset, cfg Config, env Env) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !net.Complete() {
		return nil, fmt.Errorf("%w: network has no output layer", network.ErrStructure)
	}
	if err := checkDataset(net, train); err != nil {
		return nil, fmt.Errorf("train: training set: %w", err)
	}
	if err := checkDataset(net, val); err != nil {
		return nil, fmt.Errorf("train: validation set: %w", err)
	}
	if env.Persistence == nil {
		env.Persistence = NewMemoryPersistence()
	}
	if env.Reporter == nil {
		env.Reporter = Nop{}
	}
	if err := net.SetMiniBatchSize(cfg.MiniBatchSize); err != nil {
		return nil, err
	}

	t := &trainer{
		net:   net,
		train: train,
		val:   val,
		cfg:   cfg,
		env:   env,
		rng:   rand.New(rand.NewSource(cfg.Seed)), //nolint:gosec // shuffling only
		eval:  NewEvaluator(net, train, cfg.PreInferenceBatches, cfg.Seed+1),
		s:     newSession(cfg),
	}
	reason, err := t.run(ctx)
	if err != nil {
		return nil, err
	}
	env.Reporter.Stopped(reason, t.s)
	return &Result{Reason: reason, Session: t.s}, nil
}

func checkDataset(net *network.Network, d dataset.Dataset) error {
	if d == nil || d.Size() == 0 {
		return errors.New("empty dataset")
	}
	if in := net.Input().OutputShape(); !in.Equal(d.Shape()) {
		return fmt.Errorf("example shape %s does not match input %s", d.Shape(), in)
	}
	if classes := net.Output().Classes(); d.NumClasses() != classes {
		return fmt.Errorf("%d classes, network outputs %d", d.NumClasses(), classes)
	}
	return nil
}

func (t *trainer) run(ctx context.Context) (StopReason, error) {
	if t.cfg.EvaluateBeforeTraining {
		m, err := t.eval.Evaluate(t.train, t.val)
		if err != nil {
			return 0, err
		}
		t.env.Reporter.Evaluated(0, m[0], m[1])
		if err := t.checkpoint(m[1]); err != nil {
			return 0, err
		}
	}

	for t.s.Epoch < t.cfg.MaxEpochs {
		t.s.Epoch++
		stats := EpochStats{Epoch: t.s.Epoch, LearningRate: t.s.LearningRate}

		trainMetrics, err := t.epoch(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return StopCanceled, nil
		}
		if err != nil {
			return 0, err
		}
		stats.Train = trainMetrics

		m, err := t.eval.Evaluate(t.val)
		if err != nil {
			return 0, err
		}
		stats.Validation = m[0]

		stop, err := t.validate(&stats)
		if err != nil {
			return 0, err
		}
		t.s.History = append(t.s.History, stats)
		t.env.Reporter.EpochDone(stats)
		if stop {
			return StopStalled, nil
		}
	}
	return StopMaxEpochs, nil
}

// epoch runs one pass of shuffled mini-batches and returns the metrics
// accumulated along the way.
func (t *trainer) epoch(ctx context.Context) (Metrics, error) {
	net := t.net
	net.BeginEpoch()
	net.SetMode(layer.Training)
	if err := net.SetDropout(t.cfg.DropoutConv, t.cfg.DropoutFC); err != nil {
		return Metrics{}, err
	}

	batches := MiniBatches(t.rng.Perm(t.train.Size()), t.cfg.MiniBatchSize, t.rng)
	if t.cfg.MaxMiniBatches > 0 && len(batches) > t.cfg.MaxMiniBatches {
		batches = batches[:t.cfg.MaxMiniBatches]
	}

	u := t.cfg.update(t.s.LearningRate)
	scale := 1 / float64(t.cfg.MiniBatchSize)
	labels := make([]int, 0, t.cfg.MiniBatchSize)
	var acc accumulator
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return Metrics{}, err
		}
		var err error
		if labels, err = feed(net, t.train, b, labels); err != nil {
			return Metrics{}, err
		}
		if err := net.ForwardPass(network.Beginning, network.End); err != nil {
			return Metrics{}, err
		}
		acc.add(net.Output(), labels, b.Valid)
		net.Output().InjectCrossEntropyGradient(labels, scale)
		if err := net.BackwardPass(u, network.Beginning, network.End); err != nil {
			return Metrics{}, err
		}
	}
	return acc.metrics(), nil
}

// validate applies the improvement, patience and annealing rules to the
// epoch's validation metrics. It reports whether training should stop.
func (t *trainer) validate(stats *EpochStats) (bool, error) {
	s := t.s
	if stats.Validation.Loss < s.BestLoss {
		stats.Improved = true
		return false, t.checkpoint(stats.Validation)
	}

	s.BadEpochs++
	if s.BadEpochs <= t.cfg.Patience {
		return false, nil
	}
	if s.Annealings >= t.cfg.MaxConsecutiveAnnealings {
		return true, nil
	}

	s.LearningRate /= t.cfg.LearningRateDecay
	s.BadEpochs = 0
	s.Annealings++
	stats.Annealed = true
	if s.checkpointed {
		if _, err := t.env.Persistence.Load(t.net, t.cfg.CheckpointPath); err != nil {
			return false, err
		}
	}
	t.net.ResetSpeeds()
	return false, nil
}

func (t *trainer) checkpoint(m Metrics) error {
	s := t.s
	s.BestLoss = m.Loss
	s.BestEpoch = s.Epoch
	s.BadEpochs = 0
	s.Annealings = 0
	meta := Checkpoint{
		RunID:           s.ID,
		Epoch:           s.Epoch,
		LearningRate:    s.LearningRate,
		ValidationLoss:  m.Loss,
		ValidationError: m.Error,
		Annealings:      s.Annealings,
	}
	if err := t.env.Persistence.Save(t.net, t.cfg.CheckpointPath, meta); err != nil {
		return err
	}
	s.checkpointed = true
	return nil
}
