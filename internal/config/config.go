// Package config holds the fixed training parameters and the internal knobs
// of a training run.
package config

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	"gopkg.in/yaml.v3"
)

// Parameters are the hyperparameters recorded in every trained model's
// readme. They are fixed per run and are not read from flags or files.
type Parameters struct {
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
	NEpochs      int     `yaml:"n_epochs"`
}

// DefaultParameters returns batch_size=4, learning_rate=0.01, n_epochs=20.
func DefaultParameters() Parameters {
	return Parameters{
		BatchSize:    4,
		LearningRate: 0.01,
		NEpochs:      20,
	}
}

// Validate verifies the parameters are usable.
func (p Parameters) Validate() error {
	var errs []error
	if p.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be > 0 (got %d)", p.BatchSize))
	}
	if p.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("learning_rate must be > 0 (got %g)", p.LearningRate))
	}
	if p.NEpochs <= 0 {
		errs = append(errs, fmt.Errorf("n_epochs must be > 0 (got %d)", p.NEpochs))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid parameters: %w", errors.Join(errs...))
	}
	return nil
}

// ParameterDict renders p as the generic mapping stored under the readme's
// parameters key, using the same field names as the yaml tags.
func (p Parameters) ParameterDict() (map[string]any, error) {
	raw, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	return out, nil
}

// RunOptions carries knobs that do not change what is trained.
type RunOptions struct {
	// Workers is the number of goroutines sharing each minibatch.
	Workers int
	// Seed drives weight initialisation and shuffling.
	Seed int64
	// LogEvery is the number of steps between progress lines.
	LogEvery int
}

// DefaultRunOptions sizes the worker pool from the host's logical cores.
func DefaultRunOptions() RunOptions {
	return RunOptions{
		Workers:  DefaultWorkers(),
		Seed:     42,
		LogEvery: 500,
	}
}

// DefaultWorkers returns the logical core count reported by cpuid, falling
// back to runtime.NumCPU when detection fails.
func DefaultWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// CPUSummary describes the host for the startup log line.
func CPUSummary() string {
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = "unknown"
	}
	return fmt.Sprintf("cpu=%q logical_cores=%d", brand, DefaultWorkers())
}

// WithDefaults fills unset fields of o from DefaultRunOptions.
func (o RunOptions) WithDefaults() RunOptions {
	d := DefaultRunOptions()
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.Seed == 0 {
		o.Seed = d.Seed
	}
	if o.LogEvery <= 0 {
		o.LogEvery = d.LogEvery
	}
	return o
}
