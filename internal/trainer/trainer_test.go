package trainer

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"dtoolai-forge/internal/config"
	"dtoolai-forge/internal/dataset"
	"dtoolai-forge/internal/dtool"
	"dtoolai-forge/internal/model"
	"dtoolai-forge/internal/npy"
	"dtoolai-forge/internal/optim"
)

// mustTensorDataSet packages n images whose brightness encodes the label:
// even items are dark and labelled 0, odd items bright and labelled 1.
func mustTensorDataSet(t *testing.T, n, channels, dim int) *dtool.DataSet {
	t.Helper()
	rowSize := channels * dim * dim
	pixels := make([]uint8, n*rowSize)
	labels := make([]int64, n)
	for i := 0; i < n; i++ {
		v := uint8(30)
		if i%2 == 1 {
			v, labels[i] = 220, 1
		}
		for j := 0; j < rowSize; j++ {
			pixels[i*rowSize+j] = v + uint8(j%7)
		}
	}
	ds, err := dtool.WithQuickDataSet(context.Background(), t.TempDir(), "input", func(q *dtool.QuickDataSet) error {
		for relpath, build := range map[string]func() (*npy.Array, error){
			"cifar.npy":        func() (*npy.Array, error) { return npy.NewUint8([]int{n, rowSize}, pixels) },
			dataset.LabelsFile: func() (*npy.Array, error) { return npy.NewInt64([]int{n}, labels) },
		} {
			a, err := build()
			if err != nil {
				return err
			}
			path, err := q.StagingPath(relpath)
			if err != nil {
				return err
			}
			if err := npy.WriteFile(path, a); err != nil {
				return err
			}
		}
		if err := q.PutAnnotation(dataset.AnnotationTensorFileIdn, dtool.GenerateIdentifier("cifar.npy")); err != nil {
			return err
		}
		return q.PutAnnotation(dataset.AnnotationImageDimensions, []int{channels, dim, dim})
	})
	if err != nil {
		t.Fatalf("create input dataset: %v", err)
	}
	return ds
}

func testOptions() config.RunOptions {
	return config.RunOptions{Workers: 2, Seed: 3, LogEvery: 1000}
}

func TestRunWritesDerivedDataSet(t *testing.T) {
	input := mustTensorDataSet(t, 8, 3, 32)
	base := t.TempDir()
	out, err := Run(context.Background(), RunConfig{
		InputURI:      input.URI(),
		OutputBaseURI: base,
		OutputName:    "trained",
		Params:        config.DefaultParameters(),
		Options:       testOptions(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	readme, err := out.Readme()
	if err != nil {
		t.Fatalf("Readme: %v", err)
	}
	want := map[string]any{
		"source_dataset_name": "input",
		"source_dataset_uri":  input.URI(),
		"source_dataset_uuid": input.UUID(),
		"model_name":          "simpleScalingCNN",
		"parameters": map[string]any{
			"batch_size":    4,
			"learning_rate": 0.01,
			"n_epochs":      20,
		},
	}
	if diff := cmp.Diff(want, readme); diff != "" {
		t.Fatalf("readme mismatch (-want +got):\n%s", diff)
	}

	path, err := out.ItemContentAbspath(dtool.GenerateIdentifier(model.CheckpointFile))
	if err != nil {
		t.Fatalf("model item: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open model: %v", err)
	}
	defer f.Close()
	net, err := model.LoadGenNet(f)
	if err != nil {
		t.Fatalf("LoadGenNet: %v", err)
	}
	if net.InputChannels() != 3 || net.Dim() != 32 {
		t.Fatalf("model geometry = %dx%d", net.InputChannels(), net.Dim())
	}
}

func TestTrainFromDataSetOverwritesOutput(t *testing.T) {
	input := mustTensorDataSet(t, 4, 1, 16)
	ids, err := dataset.Open(input.URI())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	base := t.TempDir()
	params := config.Parameters{BatchSize: 4, LearningRate: 0.01, NEpochs: 1}
	first, err := TrainFromDataSet(context.Background(), ids, base, "model", params, testOptions())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := TrainFromDataSet(context.Background(), ids, base, "model", params, testOptions())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first.UUID() == second.UUID() {
		t.Fatalf("expected a fresh dataset on overwrite")
	}
	if len(second.Identifiers()) != 1 {
		t.Fatalf("expected only model.pb, got %d items", len(second.Identifiers()))
	}
}

func TestTrainFromDataSetDiscardsOnCancel(t *testing.T) {
	input := mustTensorDataSet(t, 4, 1, 16)
	ids, err := dataset.Open(input.URI())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	base := t.TempDir()
	_, err = TrainFromDataSet(ctx, ids, base, "model", config.DefaultParameters(), testOptions())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "model")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected no output dataset, stat err=%v", err)
	}
}

func TestTrainFromDataSetRejectsBadParameters(t *testing.T) {
	input := mustTensorDataSet(t, 4, 1, 16)
	ids, err := dataset.Open(input.URI())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	params := config.DefaultParameters()
	params.NEpochs = 0
	if _, err := TrainFromDataSet(context.Background(), ids, t.TempDir(), "model", params, testOptions()); err == nil {
		t.Fatalf("expected error for zero epochs")
	}
}

func TestRunMissingInput(t *testing.T) {
	_, err := Run(context.Background(), RunConfig{
		InputURI:      filepath.Join(t.TempDir(), "absent"),
		OutputBaseURI: t.TempDir(),
		OutputName:    "model",
		Params:        config.DefaultParameters(),
	})
	if err == nil {
		t.Fatalf("expected error for missing input dataset")
	}
}

func TestTrainReducesLoss(t *testing.T) {
	input := mustTensorDataSet(t, 8, 1, 16)
	ids, err := dataset.Open(input.URI())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	loader, err := dataset.NewLoader(ids, dataset.LoaderOptions{BatchSize: 4, Shuffle: true, Seed: 1})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	net, err := model.NewGenNet(1, 16, 2)
	if err != nil {
		t.Fatalf("NewGenNet: %v", err)
	}
	opt, err := optim.NewSGD(0.05)
	if err != nil {
		t.Fatalf("NewSGD: %v", err)
	}
	history, err := Train(context.Background(), net, loader, opt, model.NLLLoss, 15, testOptions())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(history) != 15 {
		t.Fatalf("history has %d epochs, want 15", len(history))
	}
	if history[len(history)-1] >= history[0] {
		t.Fatalf("expected loss to decrease; first=%f last=%f", history[0], history[len(history)-1])
	}

	acc, err := Evaluate(context.Background(), net, loader)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if acc < 0 || acc > 1 {
		t.Fatalf("accuracy %f outside [0, 1]", acc)
	}
}

func TestEvaluateCountsMatches(t *testing.T) {
	input := mustTensorDataSet(t, 6, 1, 16)
	ids, err := dataset.Open(input.URI())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	loader, err := dataset.NewLoader(ids, dataset.LoaderOptions{BatchSize: 4})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	net, err := model.NewGenNet(1, 16, 5)
	if err != nil {
		t.Fatalf("NewGenNet: %v", err)
	}
	// Route every input to class 1 through the output bias.
	bias := net.Parameters()[7]
	for i := range bias.Data {
		bias.Data[i] = -100
	}
	bias.Data[1] = 100
	acc, err := Evaluate(context.Background(), net, loader)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if acc != 0.5 {
		t.Fatalf("accuracy = %f, want 0.5 (odd items are labelled 1)", acc)
	}
}

func TestOverwriteRefusesNonDataSetOutput(t *testing.T) {
	input := mustTensorDataSet(t, 4, 1, 16)
	ids, err := dataset.Open(input.URI())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	base := t.TempDir()
	keep := filepath.Join(base, "alice", "notes.txt")
	if err := os.MkdirAll(filepath.Dir(keep), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(keep, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	params := config.Parameters{BatchSize: 4, LearningRate: 0.01, NEpochs: 1}
	if _, err := TrainFromDataSet(context.Background(), ids, base, "alice", params, testOptions()); !errors.Is(err, dtool.ErrNotDataSet) {
		t.Fatalf("expected dtool.ErrNotDataSet, got %v", err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("existing directory was modified: %v", err)
	}
}

func TestStepperIsIndependentOfWorkerCount(t *testing.T) {
	batch := model.Batch{Labels: []int{0, 1, 2}}
	for i := 0; i < 3; i++ {
		in := make([]float32, 16*16)
		for j := range in {
			in[j] = float32((i+j)%5) / 5
		}
		batch.Inputs = append(batch.Inputs, in)
	}
	grads := func(workers int) [][]float32 {
		net, err := model.NewGenNet(1, 16, 9)
		if err != nil {
			t.Fatalf("NewGenNet: %v", err)
		}
		s := newStepper(net, model.NLLLoss, workers)
		if _, err := s.step(context.Background(), batch); err != nil {
			t.Fatalf("step: %v", err)
		}
		var out [][]float32
		for _, p := range net.Parameters() {
			out = append(out, p.Grad)
		}
		return out
	}
	one, three := grads(1), grads(3)
	approx := cmp.Comparer(func(a, b float32) bool {
		d := a - b
		if d < 0 {
			d = -d
		}
		return d <= 1e-5
	})
	if diff := cmp.Diff(one, three, approx); diff != "" {
		t.Fatalf("gradients depend on worker count (-1 +3):\n%s", diff)
	}
}
