package dataset

import (
	"context"
	"errors"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"dtoolai-forge/internal/model"
)

// LoaderOptions configures batching.
type LoaderOptions struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
	// Prefetch is the number of ready batches buffered ahead of the consumer.
	Prefetch int
	// Workers bounds concurrent Get calls while assembling one batch.
	Workers int
}

// Loader groups an ImageSource into minibatches, reshuffling every epoch.
type Loader struct {
	src  ImageSource
	opts LoaderOptions
	rng  *rand.Rand
}

// NewLoader validates opts and returns a loader over src.
func NewLoader(src ImageSource, opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.New("loader: batch size must be > 0")
	}
	if src.Len() == 0 {
		return nil, errors.New("loader: dataset is empty")
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 2
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Loader{src: src, opts: opts, rng: rand.New(rand.NewSource(opts.Seed))}, nil
}

// Source returns the underlying image source.
func (l *Loader) Source() ImageSource { return l.src }

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int { return l.opts.BatchSize }

// Len returns the number of batches per epoch, counting a final partial batch.
func (l *Loader) Len() int {
	return (l.src.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Epoch streams one pass over the dataset. The batch channel is closed when
// the pass ends; the error channel then yields at most one error. Callers
// that stop early must cancel ctx.
func (l *Loader) Epoch(ctx context.Context) (<-chan model.Batch, <-chan error) {
	order := make([]int, l.src.Len())
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	out := make(chan model.Batch, l.opts.Prefetch)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer close(out)
		for start := 0; start < len(order); start += l.opts.BatchSize {
			end := min(start+l.opts.BatchSize, len(order))
			batch, err := l.assemble(ctx, order[start:end])
			if err != nil {
				errCh <- err
				return
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- batch:
			}
		}
	}()
	return out, errCh
}

func (l *Loader) assemble(ctx context.Context, indices []int) (model.Batch, error) {
	batch := model.Batch{
		Inputs: make([][]float32, len(indices)),
		Labels: make([]int, len(indices)),
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Workers)
	for slot, idx := range indices {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			input, label, err := l.src.Get(idx)
			if err != nil {
				return err
			}
			batch.Inputs[slot] = input
			batch.Labels[slot] = label
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.Batch{}, err
	}
	return batch, nil
}
