package dataset

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"dtoolai-forge/internal/dtool"
	"dtoolai-forge/internal/npy"
)

func mustTensorDataSet(t *testing.T, channels, dim int, labels []int64) *dtool.DataSet {
	t.Helper()
	rowSize := channels * dim * dim
	pixels := make([]uint8, len(labels)*rowSize)
	for i := range labels {
		for j := 0; j < rowSize; j++ {
			pixels[i*rowSize+j] = uint8(i * 10)
		}
	}
	ds, err := dtool.WithQuickDataSet(context.Background(), t.TempDir(), "tensors", func(q *dtool.QuickDataSet) error {
		data, err := npy.NewUint8([]int{len(labels), rowSize}, pixels)
		if err != nil {
			return err
		}
		if err := writeArray(q, "images.npy", data); err != nil {
			return err
		}
		lab, err := npy.NewInt64([]int{len(labels)}, labels)
		if err != nil {
			return err
		}
		if err := writeArray(q, LabelsFile, lab); err != nil {
			return err
		}
		if err := q.PutAnnotation(AnnotationTensorFileIdn, dtool.GenerateIdentifier("images.npy")); err != nil {
			return err
		}
		return q.PutAnnotation(AnnotationImageDimensions, []int{channels, dim, dim})
	})
	if err != nil {
		t.Fatalf("create tensor dataset: %v", err)
	}
	return ds
}

func writeArray(q *dtool.QuickDataSet, relpath string, a *npy.Array) error {
	path, err := q.StagingPath(relpath)
	if err != nil {
		return err
	}
	return npy.WriteFile(path, a)
}

func writePNG(t *testing.T, path string, w, h int, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create png: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
}

type imageItem struct {
	relpath  string
	category string
	usetype  string
	color    color.RGBA
}

func mustImageDataSet(t *testing.T, items []imageItem, dims []int) *dtool.DataSet {
	t.Helper()
	ds, err := dtool.WithQuickDataSet(context.Background(), t.TempDir(), "images", func(q *dtool.QuickDataSet) error {
		categories := map[string]any{}
		useTypes := map[string]any{}
		for _, it := range items {
			path, err := q.StagingPath(it.relpath)
			if err != nil {
				return err
			}
			writePNG(t, path, 20, 12, it.color)
			idn := dtool.GenerateIdentifier(it.relpath)
			categories[idn] = it.category
			if it.usetype != "" {
				useTypes[idn] = it.usetype
			}
		}
		if err := q.Proto().PutOverlay(OverlayCategory, categories); err != nil {
			return err
		}
		if len(useTypes) > 0 {
			if err := q.Proto().PutOverlay(OverlayUseType, useTypes); err != nil {
				return err
			}
		}
		if dims != nil {
			if err := q.PutAnnotation(AnnotationImageDimensions, dims); err != nil {
				return err
			}
		}
		return q.PutAnnotation(AnnotationCategoryEncoding, map[string]int{"cat": 0, "dog": 1})
	})
	if err != nil {
		t.Fatalf("create image dataset: %v", err)
	}
	return ds
}

func TestOpenTensorDataSet(t *testing.T) {
	ds := mustTensorDataSet(t, 3, 4, []int64{7, 2, 5})
	src, err := Open(ds.URI())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := src.(*TensorDataSet); !ok {
		t.Fatalf("expected *TensorDataSet, got %T", src)
	}
	if src.Len() != 3 || src.InputChannels() != 3 || src.Dim() != 4 {
		t.Fatalf("len=%d channels=%d dim=%d", src.Len(), src.InputChannels(), src.Dim())
	}
	input, label, err := src.Get(2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if label != 5 || len(input) != 48 {
		t.Fatalf("label=%d len=%d", label, len(input))
	}
	if want := float32(20) / 255; input[0] != want || input[47] != want {
		t.Fatalf("pixel = %f, want %f", input[0], want)
	}
	if _, _, err := src.Get(3); err == nil {
		t.Fatalf("expected out-of-range error")
	}
	if src.Source().UUID() != ds.UUID() {
		t.Fatalf("source uuid mismatch")
	}
}

func TestTensorDataSetRejectsLabelMismatch(t *testing.T) {
	ds, err := dtool.WithQuickDataSet(context.Background(), t.TempDir(), "bad", func(q *dtool.QuickDataSet) error {
		data, _ := npy.NewUint8([]int{2, 4}, make([]uint8, 8))
		if err := writeArray(q, "images.npy", data); err != nil {
			return err
		}
		lab, _ := npy.NewInt64([]int{3}, []int64{0, 1, 2})
		if err := writeArray(q, LabelsFile, lab); err != nil {
			return err
		}
		if err := q.PutAnnotation(AnnotationTensorFileIdn, dtool.GenerateIdentifier("images.npy")); err != nil {
			return err
		}
		return q.PutAnnotation(AnnotationImageDimensions, []int{1, 2, 2})
	})
	if err != nil {
		t.Fatalf("create dataset: %v", err)
	}
	if _, err := NewTensorDataSet(ds); err == nil {
		t.Fatalf("expected error for 2 images with 3 labels")
	}
}

func TestTensorDataSetRejectsZeroDimension(t *testing.T) {
	ds, err := dtool.WithQuickDataSet(context.Background(), t.TempDir(), "zero", func(q *dtool.QuickDataSet) error {
		data, _ := npy.NewUint8([]int{1, 4}, make([]uint8, 4))
		if err := writeArray(q, "images.npy", data); err != nil {
			return err
		}
		lab, _ := npy.NewInt64([]int{1}, []int64{0})
		if err := writeArray(q, LabelsFile, lab); err != nil {
			return err
		}
		if err := q.PutAnnotation(AnnotationTensorFileIdn, dtool.GenerateIdentifier("images.npy")); err != nil {
			return err
		}
		return q.PutAnnotation(AnnotationImageDimensions, []int{0, 32, 32})
	})
	if err != nil {
		t.Fatalf("create dataset: %v", err)
	}
	if _, err := NewTensorDataSet(ds); err == nil {
		t.Fatalf("expected error for image_dimensions [0 32 32]")
	}
}

func TestOpenImageDataSetFiltersUseType(t *testing.T) {
	items := []imageItem{
		{relpath: "a.png", category: "cat", usetype: "train", color: color.RGBA{R: 255, A: 255}},
		{relpath: "b.png", category: "dog", usetype: "test", color: color.RGBA{G: 255, A: 255}},
		{relpath: "c.png", category: "dog", usetype: "train", color: color.RGBA{B: 255, A: 255}},
	}
	ds := mustImageDataSet(t, items, []int{3, 8, 8})
	src, err := Open(ds.URI())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := src.(*ImageDataSet); !ok {
		t.Fatalf("expected *ImageDataSet, got %T", src)
	}
	if src.Len() != 2 || src.InputChannels() != 3 || src.Dim() != 8 {
		t.Fatalf("len=%d channels=%d dim=%d", src.Len(), src.InputChannels(), src.Dim())
	}

	type want struct {
		label int
		rgb   [3]float32
	}
	expected := map[string]want{
		dtool.GenerateIdentifier("a.png"): {0, [3]float32{1, 0, 0}},
		dtool.GenerateIdentifier("c.png"): {1, [3]float32{0, 0, 1}},
	}
	img := src.(*ImageDataSet)
	for i := 0; i < src.Len(); i++ {
		input, label, err := src.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		w, ok := expected[img.identifiers[i]]
		if !ok {
			t.Fatalf("unexpected identifier %s", img.identifiers[i])
		}
		if label != w.label {
			t.Fatalf("label = %d, want %d", label, w.label)
		}
		if len(input) != 3*8*8 {
			t.Fatalf("input len = %d", len(input))
		}
		for c := 0; c < 3; c++ {
			if v := input[c*64+27]; math.Abs(float64(v-w.rgb[c])) > 0.01 {
				t.Fatalf("channel %d = %f, want %f", c, v, w.rgb[c])
			}
		}
	}
}

func TestImageDataSetDefaultDim(t *testing.T) {
	ds := mustImageDataSet(t, []imageItem{{relpath: "x.png", category: "cat", color: color.RGBA{A: 255}}}, nil)
	src, err := NewImageDataSet(ds, "train")
	if err != nil {
		t.Fatalf("NewImageDataSet: %v", err)
	}
	if src.Dim() != DefaultImageDim || src.Len() != 1 {
		t.Fatalf("dim=%d len=%d", src.Dim(), src.Len())
	}
}

func TestImageDataSetRequiresCategoryOverlay(t *testing.T) {
	ds := mustTensorDataSet(t, 1, 2, []int64{0})
	if _, err := NewImageDataSet(ds, "train"); !errors.Is(err, dtool.ErrNoOverlay) {
		t.Fatalf("expected ErrNoOverlay, got %v", err)
	}
}

type fakeSource struct {
	n    int
	fail int
}

func (f *fakeSource) Len() int               { return f.n }
func (f *fakeSource) InputChannels() int     { return 1 }
func (f *fakeSource) Dim() int               { return 1 }
func (f *fakeSource) Source() *dtool.DataSet { return nil }
func (f *fakeSource) Get(i int) ([]float32, int, error) {
	if i == f.fail {
		return nil, 0, errors.New("boom")
	}
	return []float32{float32(i)}, i, nil
}

func collectEpoch(t *testing.T, l *Loader) ([]int, []int) {
	t.Helper()
	batches, errs := l.Epoch(context.Background())
	var labels, sizes []int
	for b := range batches {
		sizes = append(sizes, len(b.Labels))
		for i, in := range b.Inputs {
			if int(in[0]) != b.Labels[i] {
				t.Fatalf("input %v paired with label %d", in, b.Labels[i])
			}
		}
		labels = append(labels, b.Labels...)
	}
	if err := <-errs; err != nil {
		t.Fatalf("epoch error: %v", err)
	}
	return labels, sizes
}

func TestLoaderKeepsPartialBatch(t *testing.T) {
	l, err := NewLoader(&fakeSource{n: 10, fail: -1}, LoaderOptions{BatchSize: 4, Workers: 3})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if l.Len() != 3 {
		t.Fatalf("Len = %d, want 3", l.Len())
	}
	labels, sizes := collectEpoch(t, l)
	if diff := cmp.Diff([]int{4, 4, 2}, sizes); diff != "" {
		t.Fatalf("batch sizes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, labels); diff != "" {
		t.Fatalf("unshuffled order (-want +got):\n%s", diff)
	}
}

func TestLoaderShuffleDeterministic(t *testing.T) {
	newLoader := func() *Loader {
		l, err := NewLoader(&fakeSource{n: 12, fail: -1}, LoaderOptions{BatchSize: 5, Shuffle: true, Seed: 11})
		if err != nil {
			t.Fatalf("NewLoader: %v", err)
		}
		return l
	}
	l1, l2 := newLoader(), newLoader()
	first1, _ := collectEpoch(t, l1)
	first2, _ := collectEpoch(t, l2)
	if diff := cmp.Diff(first1, first2); diff != "" {
		t.Fatalf("same seed gave different order (-a +b):\n%s", diff)
	}
	second1, _ := collectEpoch(t, l1)
	if cmp.Equal(first1, second1) {
		t.Fatalf("expected a fresh permutation each epoch, got %v twice", first1)
	}
	sorted := append([]int(nil), second1...)
	sort.Ints(sorted)
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, sorted); diff != "" {
		t.Fatalf("epoch is not a permutation (-want +got):\n%s", diff)
	}
}

func TestLoaderReportsSourceError(t *testing.T) {
	l, err := NewLoader(&fakeSource{n: 6, fail: 4}, LoaderOptions{BatchSize: 2})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	batches, errs := l.Epoch(context.Background())
	n := 0
	for range batches {
		n++
	}
	if n != 2 {
		t.Fatalf("received %d batches before failure, want 2", n)
	}
	if err := <-errs; err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestLoaderStopsOnCancel(t *testing.T) {
	l, err := NewLoader(&fakeSource{n: 100, fail: -1}, LoaderOptions{BatchSize: 1, Prefetch: 1})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	batches, errs := l.Epoch(ctx)
	<-batches
	cancel()
	done := make(chan error, 1)
	go func() {
		for range batches {
		}
		done <- <-errs
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("loader did not stop after cancel")
	}
}

func TestNewLoaderValidates(t *testing.T) {
	if _, err := NewLoader(&fakeSource{n: 3}, LoaderOptions{}); err == nil {
		t.Fatalf("expected error for zero batch size")
	}
	if _, err := NewLoader(&fakeSource{n: 0}, LoaderOptions{BatchSize: 1}); err == nil {
		t.Fatalf("expected error for empty source")
	}
}
