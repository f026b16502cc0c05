// Package optim updates model parameters from their accumulated gradients.
package optim

import (
	"fmt"

	"dtoolai-forge/internal/model"
)

// Optimizer applies one update to params using each Param.Grad.
type Optimizer interface {
	Step(params []*model.Param) error
	ZeroGrad(params []*model.Param)
	LearningRate() float32
	// StepCount returns the number of completed Step calls.
	StepCount() uint64
}

// SGDConfig holds configuration for the SGD optimizer.
type SGDConfig struct {
	LearningRate float32
	Momentum     float32 // 0 for vanilla SGD
	WeightDecay  float32 // L2 coefficient
}

// DefaultSGDConfig returns the plain SGD configuration used for training.
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{LearningRate: 0.01}
}

// SGD is stochastic gradient descent with optional momentum and weight decay.
type SGD struct {
	cfg      SGDConfig
	velocity [][]float32
	steps    uint64
}

// NewSGD returns a vanilla SGD optimizer with the given learning rate.
func NewSGD(lr float32) (*SGD, error) {
	cfg := DefaultSGDConfig()
	cfg.LearningRate = lr
	return NewSGDWithConfig(cfg)
}

// NewSGDWithConfig validates cfg and builds the optimizer.
func NewSGDWithConfig(cfg SGDConfig) (*SGD, error) {
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("optim: learning rate must be > 0: %f", cfg.LearningRate)
	}
	if cfg.Momentum < 0 || cfg.Momentum >= 1 {
		return nil, fmt.Errorf("optim: momentum must be in [0, 1): %f", cfg.Momentum)
	}
	if cfg.WeightDecay < 0 {
		return nil, fmt.Errorf("optim: weight decay cannot be negative: %f", cfg.WeightDecay)
	}
	return &SGD{cfg: cfg}, nil
}

// LearningRate returns the configured step size.
func (s *SGD) LearningRate() float32 { return s.cfg.LearningRate }

// StepCount returns the number of completed Step calls.
func (s *SGD) StepCount() uint64 { return s.steps }

// Step updates every parameter in place: p -= lr * (grad + wd*p), with the
// gradient first folded into a velocity buffer when momentum is set.
func (s *SGD) Step(params []*model.Param) error {
	if s.cfg.Momentum > 0 && s.velocity == nil {
		s.velocity = make([][]float32, len(params))
		for i, p := range params {
			s.velocity[i] = make([]float32, len(p.Data))
		}
	}
	if s.velocity != nil && len(s.velocity) != len(params) {
		return fmt.Errorf("optim: got %d params, optimizer tracks %d", len(params), len(s.velocity))
	}
	lr, mu, wd := s.cfg.LearningRate, s.cfg.Momentum, s.cfg.WeightDecay
	for i, p := range params {
		if len(p.Grad) != len(p.Data) {
			return fmt.Errorf("optim: %s has %d grads for %d values", p.Name, len(p.Grad), len(p.Data))
		}
		for j, g := range p.Grad {
			if wd != 0 {
				g += wd * p.Data[j]
			}
			if s.velocity != nil {
				v := mu*s.velocity[i][j] + g
				s.velocity[i][j] = v
				g = v
			}
			p.Data[j] -= lr * g
		}
	}
	s.steps++
	return nil
}

// ZeroGrad clears the gradient of every parameter.
func (s *SGD) ZeroGrad(params []*model.Param) {
	for _, p := range params {
		clear(p.Grad)
	}
}
