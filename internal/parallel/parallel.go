// Package parallel runs data-parallel kernels over an index range.
//
// A kernel is dispatched in work groups: contiguous index ranges of at least
// WorkGroupSize items, each executed by one goroutine. Dispatch blocks until
// every group has finished, so callers observe a fully drained result.
package parallel

import (
	"fmt"
	"runtime"
	"sync"
)

// Config controls how a dispatch is split into work groups.
type Config struct {
	Enabled       bool `yaml:"enabled"`         // Whether groups run on separate goroutines.
	Workers       int  `yaml:"workers"`         // Upper bound on concurrently running groups.
	WorkGroupSize int  `yaml:"work_group_size"` // Minimum indices per group.
}

// DefaultConfig returns a configuration sized to the host CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:       n > 1,
		Workers:       n,
		WorkGroupSize: 16,
	}
}

// Validate reports configuration values that cannot drive a dispatch.
func (c Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("parallel: workers must be >= 0, got %d", c.Workers)
	}
	if c.WorkGroupSize < 0 {
		return fmt.Errorf("parallel: work group size must be >= 0, got %d", c.WorkGroupSize)
	}
	return nil
}

// Groups returns the number of work groups a dispatch of n items uses.
func (c Config) Groups(n int) int {
	if n <= 0 {
		return 0
	}
	if !c.Enabled || c.Workers <= 1 || n <= c.WorkGroupSize {
		return 1
	}
	size := c.groupSize(n)
	return (n + size - 1) / size
}

func (c Config) groupSize(n int) int {
	return max((n+c.Workers-1)/c.Workers, c.WorkGroupSize, 1)
}

// For executes f(i) for every i in [0, n) and returns once all calls are done.
// Small ranges and disabled configs run sequentially on the caller goroutine.
func For(n int, f func(i int), cfg Config) {
	ForRange(n, func(start, end int) {
		for i := start; i < end; i++ {
			f(i)
		}
	}, cfg)
}

// ForRange executes f once per work group with the group's [start, end) range.
func ForRange(n int, f func(start, end int), cfg Config) {
	if n <= 0 {
		return
	}
	if cfg.Groups(n) == 1 {
		f(0, n)
		return
	}

	size := cfg.groupSize(n)
	var wg sync.WaitGroup
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			f(s, e)
		}(start, end)
	}
	wg.Wait()
}

// ForBatch iterates the batch x channels grid used by per-example,
// per-feature kernels.
func ForBatch(batch, channels int, f func(b, c int), cfg Config) {
	For(batch*channels, func(k int) {
		f(k/channels, k%channels)
	}, cfg)
}
