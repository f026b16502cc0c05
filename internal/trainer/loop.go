package trainer

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"dtoolai-forge/internal/config"
	"dtoolai-forge/internal/dataset"
	"dtoolai-forge/internal/metrics"
	"dtoolai-forge/internal/model"
	"dtoolai-forge/internal/optim"
)

// Train runs nEpochs passes over loader, updating m with opt after every
// minibatch, and returns the mean training loss of each epoch. The loss of a
// minibatch is the mean of its per-sample losses. A cancelled ctx stops the
// loop before the next minibatch.
func Train(ctx context.Context, m model.Model, loader *dataset.Loader, opt optim.Optimizer, loss model.LossFunc, nEpochs int, opts config.RunOptions) ([]float64, error) {
	if nEpochs <= 0 {
		return nil, fmt.Errorf("trainer: epochs must be > 0 (got %d)", nEpochs)
	}
	opts = opts.WithDefaults()
	s := newStepper(m, loss, min(opts.Workers, loader.BatchSize()))
	log.Printf("%s workers=%d batches_per_epoch=%d epochs=%d lr=%g",
		config.CPUSummary(), len(s.workspaces), loader.Len(), nEpochs, opt.LearningRate())

	history := make([]float64, 0, nEpochs)
	var window metrics.Window
	step := 0
	for epoch := 0; epoch < nEpochs; epoch++ {
		mean, err := runEpoch(ctx, epoch, &step, s, loader, opt, &window, opts.LogEvery)
		if err != nil {
			return history, err
		}
		history = append(history, mean)
		log.Printf("epoch=%d mean_loss=%.4f", epoch, mean)
	}
	if window.Steps() > 0 {
		snap := window.Snapshot()
		log.Printf("step=%d window_steps=%d samples_per_sec=%.1f compute_ms=%.2f loss=%.4f",
			step, snap.Steps, snap.SamplesPerSec, snap.AvgComputeMS, snap.MeanLoss)
	}
	return history, nil
}

// Evaluate returns the fraction of samples in one pass over loader whose
// most likely class matches the label.
func Evaluate(ctx context.Context, m model.Model, loader *dataset.Loader) (float64, error) {
	epochCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs := loader.Epoch(epochCtx)

	ws := m.NewWorkspace()
	var correct, total int
	for batch := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		for i, in := range batch.Inputs {
			if model.Predict(m, ws, in) == batch.Labels[i] {
				correct++
			}
			total++
		}
	}
	if err := <-errs; err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, fmt.Errorf("trainer: nothing to evaluate")
	}
	return float64(correct) / float64(total), nil
}

func runEpoch(ctx context.Context, epoch int, step *int, s *stepper, loader *dataset.Loader, opt optim.Optimizer, window *metrics.Window, logEvery int) (float64, error) {
	epochCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs := loader.Epoch(epochCtx)

	params := s.m.Parameters()
	var lossSum float64
	var samples int
	waitStart := time.Now()
	for batch := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		dataTime := time.Since(waitStart)

		startCompute := time.Now()
		opt.ZeroGrad(params)
		loss, err := s.step(ctx, batch)
		if err != nil {
			return 0, err
		}
		if err := opt.Step(params); err != nil {
			return 0, err
		}
		computeTime := time.Since(startCompute)

		n := len(batch.Inputs)
		lossSum += loss * float64(n)
		samples += n
		window.Record(n, dataTime, computeTime, loss)
		*step++
		if *step%logEvery == 0 {
			snap := window.Snapshot()
			log.Printf("epoch=%d step=%d samples_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f",
				epoch,
				*step,
				snap.SamplesPerSec,
				snap.AvgDataMS,
				snap.AvgComputeMS,
				snap.MeanLoss,
			)
		}
		waitStart = time.Now()
	}
	if err := <-errs; err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if samples == 0 {
		return 0, fmt.Errorf("trainer: epoch %d produced no samples", epoch)
	}
	return lossSum / float64(samples), nil
}

// stepper computes mean minibatch gradients with one workspace per worker.
// Samples are dealt to workers by stride and worker gradients are summed in
// worker order, so a given worker count always produces the same update.
type stepper struct {
	m          model.Model
	loss       model.LossFunc
	workspaces []model.Workspace
	losses     []float64
}

func newStepper(m model.Model, loss model.LossFunc, workers int) *stepper {
	if workers < 1 {
		workers = 1
	}
	s := &stepper{m: m, loss: loss, losses: make([]float64, workers)}
	for i := 0; i < workers; i++ {
		s.workspaces = append(s.workspaces, m.NewWorkspace())
	}
	return s
}

// step accumulates the batch's mean gradient into each Param.Grad and
// returns the mean loss.
func (s *stepper) step(ctx context.Context, batch model.Batch) (float64, error) {
	n := len(batch.Inputs)
	if n == 0 || n != len(batch.Labels) {
		return 0, fmt.Errorf("trainer: batch has %d inputs and %d labels", n, len(batch.Labels))
	}
	workers := min(len(s.workspaces), n)

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			ws := s.workspaces[w]
			ws.ZeroGrads()
			s.losses[w] = 0
			for i := w; i < n; i += workers {
				if err := ctx.Err(); err != nil {
					return err
				}
				out := s.m.Forward(ws, batch.Inputs[i])
				l, grad, err := s.loss(out, batch.Labels[i])
				if err != nil {
					return err
				}
				s.losses[w] += l
				s.m.Backward(ws, grad)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	params := s.m.Parameters()
	scale := 1 / float32(n)
	var total float64
	for w := 0; w < workers; w++ {
		for pi, grad := range s.workspaces[w].Grads() {
			dst := params[pi].Grad
			for j, v := range grad {
				dst[j] += v * scale
			}
		}
		total += s.losses[w]
	}
	return total / float64(n), nil
}
