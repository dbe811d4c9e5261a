package layer

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/born-ml/convnet/internal/device"
	"github.com/born-ml/convnet/internal/tensor"
)

// normEpsilon stabilizes the inverse standard deviation.
const normEpsilon = 1e-5

// BatchNorm normalizes each feature to zero mean and unit variance, then
// applies a learned scale (gamma) and shift (beta).
//
// After a fully connected layer every unit is a feature. After a
// convolutional layer every channel is a feature and its statistics pool over
// all spatial positions.
//
// Statistics by mode:
//
//	Training      batch mean/variance computed and folded into the cumulative
//	              estimate; normalization uses the batch statistics
//	PreInference  as Training, but normalization uses the cumulative estimate
//	Inference     cumulative estimate used as-is and never modified
//
// The cumulative estimate is an incremental average over the batches seen
// since the last ResetStatistics: cum = (n*cum + batch)/(n+1), then n++.
// Variances are biased (divided by the sample count).
type BatchNorm struct {
	base
	mode Mode

	features int
	area     int

	gamma *Param
	beta  *Param

	mean    []float64
	vari    []float64
	cumMean *Param
	cumVar  *Param
	n       int

	// invStd holds 1/sqrt(var+eps) of the statistics used by the last Forward.
	invStd []float64
	// usedBatch records whether the last Forward normalized with batch
	// statistics.
	usedBatch bool
	xhat      []float64
}

// NewBatchNorm creates a normalization layer.
func NewBatchNorm() *BatchNorm {
	return &BatchNorm{base: newBase()}
}

func (l *BatchNorm) Kind() Kind { return KindNormalization }

func (l *BatchNorm) Name() string {
	if l.area > 1 {
		return fmt.Sprintf("batchnorm %d channels", l.features)
	}
	return fmt.Sprintf("batchnorm %d units", l.features)
}

// ConnectTo accepts only convolutional and fully connected predecessors.
func (l *BatchNorm) ConnectTo(prev Layer, arena *tensor.Arena) error {
	if prev != nil && !prev.Kind().IsWeighted() {
		return fmt.Errorf("%w: normalization cannot follow %s", ErrConfig, prev.Kind())
	}
	return l.connect(prev, arena)
}

func (l *BatchNorm) SetupOutput(batchSize int) error {
	if err := l.require("SetupOutput", StateConnected); err != nil {
		return err
	}
	// Fully connected outputs are Flat, so both cases pool over Area().
	l.features = l.in.Depth
	l.area = l.in.Area()
	if err := l.setupOutput(batchSize, l.in); err != nil {
		return err
	}
	n := batchSize * l.in.Units()
	if cap(l.xhat) < n {
		l.xhat = make([]float64, n)
	}
	l.xhat = l.xhat[:n]
	return nil
}

func (l *BatchNorm) InitializeParameters(_ InitMode, rng *rand.Rand) error {
	if err := l.initialize(rng); err != nil {
		return err
	}
	f := l.features
	l.gamma = newParam("gamma", f, 1, false)
	l.beta = newParam("beta", f, 1, false)
	for i := range l.gamma.Value {
		l.gamma.Value[i] = 1
	}
	l.cumMean = newStatistic("cumulative_mean", f)
	l.cumVar = newStatistic("cumulative_variance", f)
	for i := range l.cumVar.Value {
		l.cumVar.Value[i] = 1
	}
	l.mean = make([]float64, f)
	l.vari = make([]float64, f)
	l.invStd = make([]float64, f)
	return nil
}

func (l *BatchNorm) Schedule(dev device.Device) error {
	if err := l.beginSchedule(dev); err != nil {
		return err
	}
	return l.ready()
}

// SetMode implements Normalizer.
func (l *BatchNorm) SetMode(m Mode) { l.mode = m }

// Mode returns the current statistics mode.
func (l *BatchNorm) Mode() Mode { return l.mode }

// ResetStatistics restarts the cumulative average. The next batch replaces
// the estimate entirely.
func (l *BatchNorm) ResetStatistics() { l.n = 0 }

// Statistics implements Normalizer.
func (l *BatchNorm) Statistics() []*Param {
	return []*Param{l.cumMean, l.cumVar}
}

func (l *BatchNorm) Parameters() []*Param {
	return []*Param{l.gamma, l.beta}
}

// Mean returns the batch mean of the last statistics update.
func (l *BatchNorm) Mean() []float64 { return l.mean }

// Variance returns the batch variance of the last statistics update.
func (l *BatchNorm) Variance() []float64 { return l.vari }

// CumulativeMean returns the running mean estimate.
func (l *BatchNorm) CumulativeMean() []float64 { return l.cumMean.Value }

// CumulativeVariance returns the running variance estimate.
func (l *BatchNorm) CumulativeVariance() []float64 { return l.cumVar.Value }

// Count returns the number of batches folded into the cumulative estimate.
func (l *BatchNorm) Count() int { return l.n }

// forEach calls fn with the flat batch index of every value of feature f.
func (l *BatchNorm) forEach(f int, fn func(idx int)) {
	units := l.in.Units()
	for i := 0; i < l.batchSize; i++ {
		off := i*units + f*l.area
		for j := 0; j < l.area; j++ {
			fn(off + j)
		}
	}
}

func (l *BatchNorm) Forward() {
	l.mustBeReady("Forward")
	x := l.Input().ActivationData()
	y := l.Output().ActivationData()
	count := float64(l.batchSize * l.area)

	updating := l.mode == Training || l.mode == PreInference
	if updating {
		n := float64(l.n)
		l.dev.Dispatch(l.features, func(f int) {
			sum := 0.0
			l.forEach(f, func(idx int) { sum += x[idx] })
			mu := sum / count
			sq := 0.0
			l.forEach(f, func(idx int) {
				d := x[idx] - mu
				sq += d * d
			})
			l.mean[f] = mu
			l.vari[f] = sq / count
			l.cumMean.Value[f] = (n*l.cumMean.Value[f] + mu) / (n + 1)
			l.cumVar.Value[f] = (n*l.cumVar.Value[f] + l.vari[f]) / (n + 1)
		})
		l.n++
	}

	l.usedBatch = l.mode == Training
	mean, vari := l.cumMean.Value, l.cumVar.Value
	if l.usedBatch {
		mean, vari = l.mean, l.vari
	}

	l.dev.Dispatch(l.features, func(f int) {
		inv := 1 / math.Sqrt(vari[f]+normEpsilon)
		l.invStd[f] = inv
		mu, g, b := mean[f], l.gamma.Value[f], l.beta.Value[f]
		l.forEach(f, func(idx int) {
			h := (x[idx] - mu) * inv
			l.xhat[idx] = h
			y[idx] = g*h + b
		})
	})
}

// UpdateSpeeds computes dgamma = sum(g*xhat) and dbeta = sum(g).
func (l *BatchNorm) UpdateSpeeds(u Update) {
	l.mustBeReady("UpdateSpeeds")
	g := l.Output().GradientData()
	l.dev.Dispatch(l.features, func(f int) {
		dg, db := 0.0, 0.0
		l.forEach(f, func(idx int) {
			dg += g[idx] * l.xhat[idx]
			db += g[idx]
		})
		l.gamma.Grad[f] = dg
		l.beta.Grad[f] = db
	})
	l.gamma.accumulateSpeed(u)
	l.beta.accumulateSpeed(u)
}

// BackPropagate applies the batch normalization chain rule. With batch
// statistics the mean and variance depend on the input, contributing
//
//	dvar  = sum(dxhat * (x-mu)) * -1/2 * (var+eps)^(-3/2)
//	dmean = -sum(dxhat) / std + dvar * -2 * sum(x-mu) / m
//	dx    = dxhat / std + dvar * 2(x-mu)/m + dmean/m
//
// With fixed statistics only dxhat/std remains.
func (l *BatchNorm) BackPropagate() {
	l.mustBeReady("BackPropagate")
	g := l.Output().GradientData()
	dx := l.Input().GradientData()
	x := l.Input().ActivationData()
	m := float64(l.batchSize * l.area)

	l.dev.Dispatch(l.features, func(f int) {
		gamma, inv := l.gamma.Value[f], l.invStd[f]
		if !l.usedBatch {
			l.forEach(f, func(idx int) { dx[idx] = g[idx] * gamma * inv })
			return
		}
		mu := l.mean[f]
		var sumDxhatCentered, sumDxhat, sumCentered float64
		l.forEach(f, func(idx int) {
			dxhat := g[idx] * gamma
			c := x[idx] - mu
			sumDxhatCentered += dxhat * c
			sumDxhat += dxhat
			sumCentered += c
		})
		dvar := sumDxhatCentered * -0.5 * inv * inv * inv
		dmean := -sumDxhat*inv + dvar*-2*sumCentered/m
		l.forEach(f, func(idx int) {
			dx[idx] = g[idx]*gamma*inv + dvar*2*(x[idx]-mu)/m + dmean/m
		})
	})
}

func (l *BatchNorm) UpdateParameters(u Update) {
	l.mustBeReady("UpdateParameters")
	l.gamma.apply(u)
	l.beta.apply(u)
}
