package train

import (
	"fmt"
	"log"
	"math"

	"github.com/google/uuid"
)

// StopReason tells why Train returned.
type StopReason int

const (
	// StopMaxEpochs means the configured number of epochs completed.
	StopMaxEpochs StopReason = iota
	// StopStalled means validation loss stopped improving and the
	// annealing budget is spent.
	StopStalled
	// StopCanceled means the context was canceled between mini-batches.
	StopCanceled
)

func (r StopReason) String() string {
	switch r {
	case StopMaxEpochs:
		return "max epochs"
	case StopStalled:
		return "stalled"
	case StopCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// Metrics are mean cross-entropy and 0/1 error over a dataset.
type Metrics struct {
	Loss     float64
	Error    float64
	Examples int
}

func (m Metrics) String() string {
	return fmt.Sprintf("loss %.4f error %.2f%%", m.Loss, 100*m.Error)
}

// EpochStats summarizes one epoch.
type EpochStats struct {
	Epoch        int
	LearningRate float64
	// Train is accumulated during the epoch's mini-batches, in training mode.
	Train      Metrics
	Validation Metrics
	Improved   bool
	// Annealed reports that the learning rate was lowered and the best
	// checkpoint reloaded after this epoch.
	Annealed bool
}

// Session is the mutable state of one Train call.
type Session struct {
	ID           string
	Epoch        int
	LearningRate float64
	BestLoss     float64
	BestEpoch    int
	BadEpochs    int
	Annealings   int
	History      []EpochStats

	checkpointed bool
}

func newSession(cfg Config) *Session {
	return &Session{
		ID:           uuid.NewString(),
		LearningRate: cfg.LearningRate,
		BestLoss:     math.Inf(1),
		BestEpoch:    -1,
	}
}

// Result is returned by Train.
type Result struct {
	Reason  StopReason
	Session *Session
}

// Reporter receives training telemetry.
type Reporter interface {
	Evaluated(epoch int, train, validation Metrics)
	EpochDone(s EpochStats)
	Stopped(reason StopReason, s *Session)
}

// Nop discards all telemetry.
type Nop struct{}

func (Nop) Evaluated(int, Metrics, Metrics) {}
func (Nop) EpochDone(EpochStats)            {}
func (Nop) Stopped(StopReason, *Session)    {}

// LogReporter writes one line per event to a standard logger.
type LogReporter struct {
	Logger *log.Logger
}

func (r LogReporter) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

func (r LogReporter) Evaluated(epoch int, train, validation Metrics) {
	r.logger().Printf("epoch %d baseline: train %s, validation %s", epoch, train, validation)
}

func (r LogReporter) EpochDone(s EpochStats) {
	note := ""
	switch {
	case s.Improved:
		note = " (checkpoint)"
	case s.Annealed:
		note = " (annealed, reloaded best)"
	}
	r.logger().Printf("epoch %d lr %.5g: train %s, validation %s%s",
		s.Epoch, s.LearningRate, s.Train, s.Validation, note)
}

func (r LogReporter) Stopped(reason StopReason, s *Session) {
	r.logger().Printf("run %s stopped after epoch %d: %s (best validation loss %.4f at epoch %d)",
		s.ID, s.Epoch, reason, s.BestLoss, s.BestEpoch)
}
