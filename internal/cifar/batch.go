package cifar

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nlpodyssey/gopickle/pickle"
)

// Image geometry of every CIFAR-10 row.
const (
	Channels = 3
	Height   = 32
	Width    = 32
	RowSize  = Channels * Height * Width
)

// TestBatchName is the batch holding the 10000 test images.
const TestBatchName = "test_batch"

const metaName = "batches.meta"

// TrainingBatchNames returns data_batch_1 ... data_batch_5.
func TrainingBatchNames() []string {
	names := make([]string, 5)
	for i := range names {
		names[i] = fmt.Sprintf("data_batch_%d", i+1)
	}
	return names
}

// Batch is a block of rows of raw pixel bytes with one label per row.
type Batch struct {
	Data   []byte
	Rows   int
	Cols   int
	Labels []int64
}

// LoadBatch decodes the pickled batch at path.
func LoadBatch(path string) (*Batch, error) {
	obj, err := unpickleFile(path)
	if err != nil {
		return nil, err
	}
	rawData, ok := lookup(obj, "data")
	if !ok {
		return nil, fmt.Errorf("%s: batch has no data entry", path)
	}
	rawLabels, ok := lookup(obj, "labels")
	if !ok {
		return nil, fmt.Errorf("%s: batch has no labels entry", path)
	}

	labelSeq, ok := asSeq(rawLabels)
	if !ok {
		return nil, fmt.Errorf("%s: labels is %T, want a list", path, rawLabels)
	}
	labels := make([]int64, labelSeq.Len())
	for i := range labels {
		v, err := asInt(labelSeq.Get(i))
		if err != nil {
			return nil, fmt.Errorf("%s: label %d: %w", path, i, err)
		}
		labels[i] = v
	}

	b := &Batch{Labels: labels}
	switch d := rawData.(type) {
	case *ndarray:
		if d.dtype == nil || d.dtype.name != "u1" {
			return nil, fmt.Errorf("%s: data dtype %v, want u1", path, d.dtype)
		}
		if d.fortran {
			return nil, fmt.Errorf("%s: fortran-ordered data is not supported", path)
		}
		switch len(d.shape) {
		case 2:
			b.Rows, b.Cols = d.shape[0], d.shape[1]
		case 1:
			b.Rows = len(labels)
			if b.Rows > 0 {
				b.Cols = d.shape[0] / b.Rows
			}
		default:
			return nil, fmt.Errorf("%s: data has shape %v", path, d.shape)
		}
		b.Data = d.data
	default:
		raw, ok := asBytes(rawData)
		if !ok {
			return nil, fmt.Errorf("%s: data is %T, want an ndarray", path, rawData)
		}
		b.Rows = len(labels)
		if b.Rows > 0 {
			b.Cols = len(raw) / b.Rows
		}
		b.Data = raw
	}

	if b.Rows != len(labels) {
		return nil, fmt.Errorf("%s: %d rows but %d labels", path, b.Rows, len(labels))
	}
	if len(b.Data) != b.Rows*b.Cols {
		return nil, fmt.Errorf("%s: %d data bytes for %dx%d rows", path, len(b.Data), b.Rows, b.Cols)
	}
	return b, nil
}

// LoadBatches loads the named batches from dir and concatenates them in order.
func LoadBatches(dir string, names []string) (*Batch, error) {
	if len(names) == 0 {
		return nil, errors.New("cifar: no batches requested")
	}
	batches := make([]*Batch, 0, len(names))
	for _, name := range names {
		b, err := LoadBatch(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return Concatenate(batches...)
}

// Concatenate stacks batches row-wise; labels follow the same order.
func Concatenate(batches ...*Batch) (*Batch, error) {
	if len(batches) == 0 {
		return nil, errors.New("cifar: nothing to concatenate")
	}
	out := &Batch{Cols: batches[0].Cols}
	for i, b := range batches {
		if b.Cols != out.Cols {
			return nil, fmt.Errorf("cifar: batch %d has %d columns, want %d", i, b.Cols, out.Cols)
		}
		out.Rows += b.Rows
	}
	out.Data = make([]byte, 0, out.Rows*out.Cols)
	out.Labels = make([]int64, 0, out.Rows)
	for _, b := range batches {
		out.Data = append(out.Data, b.Data...)
		out.Labels = append(out.Labels, b.Labels...)
	}
	return out, nil
}

// LabelNames reads the class names from dir/batches.meta. A missing meta
// file yields (nil, nil).
func LabelNames(dir string) ([]string, error) {
	obj, err := unpickleFile(filepath.Join(dir, metaName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, ok := lookup(obj, "label_names")
	if !ok {
		return nil, fmt.Errorf("%s: no label_names entry", metaName)
	}
	seq, ok := asSeq(raw)
	if !ok {
		return nil, fmt.Errorf("%s: label_names is %T", metaName, raw)
	}
	names := make([]string, seq.Len())
	for i := range names {
		b, ok := asBytes(seq.Get(i))
		if !ok {
			return nil, fmt.Errorf("%s: label name %d is %T", metaName, i, seq.Get(i))
		}
		names[i] = string(b)
	}
	return names, nil
}

func unpickleFile(path string) (interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open batch: %w", err)
	}
	defer f.Close()
	u := pickle.NewUnpickler(bufio.NewReader(f))
	u.FindClass = findClass
	obj, err := u.Load()
	if err != nil {
		return nil, fmt.Errorf("unpickle %s: %w", path, err)
	}
	return obj, nil
}
