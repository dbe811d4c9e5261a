package device

import (
	"fmt"

	"github.com/born-ml/convnet/internal/parallel"
	"gonum.org/v1/gonum/mat"
)

// Config selects how kernels are split into work groups.
type Config = parallel.Config

// DefaultConfig returns work-group sizing for the host CPU.
func DefaultConfig() Config {
	return parallel.DefaultConfig()
}

// CPU runs kernels on goroutines and matrix products through gonum.
type CPU struct {
	cfg parallel.Config
}

// NewCPU creates a CPU device. Invalid configurations fall back to
// sequential execution.
func NewCPU(cfg Config) *CPU {
	if cfg.Validate() != nil {
		cfg = parallel.Config{Enabled: false}
	}
	return &CPU{cfg: cfg}
}

// Name returns a description including the work-group sizing.
func (c *CPU) Name() string {
	if !c.cfg.Enabled {
		return "cpu (sequential)"
	}
	return fmt.Sprintf("cpu (%d workers, group %d)", c.cfg.Workers, c.cfg.WorkGroupSize)
}

// Config returns the work-group configuration.
func (c *CPU) Config() Config {
	return c.cfg
}

// Dispatch implements Device.
func (c *CPU) Dispatch(n int, kernel func(i int)) {
	parallel.For(n, kernel, c.cfg)
}

// MatMul implements Device.
func (c *CPU) MatMul(dst *mat.Dense, a, b mat.Matrix) {
	dst.Mul(a, b)
}

// Release implements Device. The CPU device holds no resources.
func (c *CPU) Release() {}
