package dataset

import (
	"fmt"

	"dtoolai-forge/internal/dtool"
	"dtoolai-forge/internal/npy"
)

// TensorDataSet serves images stored as one row-major uint8 array, with a
// parallel integer labels array.
type TensorDataSet struct {
	ds       *dtool.DataSet
	pixels   []uint8
	rowSize  int
	labels   []int64
	imageDim []int
}

// NewTensorDataSet loads the tensor and labels named by ds's annotations.
func NewTensorDataSet(ds *dtool.DataSet) (*TensorDataSet, error) {
	var tensorIdn string
	if err := ds.GetAnnotation(AnnotationTensorFileIdn, &tensorIdn); err != nil {
		return nil, err
	}
	var dims []int
	if err := ds.GetAnnotation(AnnotationImageDimensions, &dims); err != nil {
		return nil, err
	}
	if len(dims) != 3 || dims[1] != dims[2] || dims[0] <= 0 || dims[1] <= 0 {
		return nil, fmt.Errorf("tensor dataset: image_dimensions must be [channels, dim, dim] with positive sizes, got %v", dims)
	}

	tensorPath, err := ds.ItemContentAbspath(tensorIdn)
	if err != nil {
		return nil, err
	}
	tensor, err := npy.ReadFile(tensorPath)
	if err != nil {
		return nil, fmt.Errorf("load tensor: %w", err)
	}
	pixels, err := tensor.Uint8()
	if err != nil {
		return nil, fmt.Errorf("load tensor: %w", err)
	}
	rowSize := dims[0] * dims[1] * dims[2]
	if len(tensor.Shape) == 0 || tensor.Len()%rowSize != 0 {
		return nil, fmt.Errorf("tensor dataset: shape %v does not hold %v images", tensor.Shape, dims)
	}

	labelsPath, err := ds.ItemContentAbspath(dtool.GenerateIdentifier(LabelsFile))
	if err != nil {
		return nil, err
	}
	labelArr, err := npy.ReadFile(labelsPath)
	if err != nil {
		return nil, fmt.Errorf("load labels: %w", err)
	}
	labels, err := labelArr.Ints()
	if err != nil {
		return nil, fmt.Errorf("load labels: %w", err)
	}
	if n := tensor.Len() / rowSize; n != len(labels) {
		return nil, fmt.Errorf("tensor dataset: %d images but %d labels", n, len(labels))
	}

	return &TensorDataSet{
		ds:       ds,
		pixels:   pixels,
		rowSize:  rowSize,
		labels:   labels,
		imageDim: dims,
	}, nil
}

// Len returns the number of images.
func (t *TensorDataSet) Len() int { return len(t.labels) }

// InputChannels returns the leading entry of image_dimensions.
func (t *TensorDataSet) InputChannels() int { return t.imageDim[0] }

// Dim returns the spatial side length of each image.
func (t *TensorDataSet) Dim() int { return t.imageDim[1] }

// Source returns the dataset the tensors were loaded from.
func (t *TensorDataSet) Source() *dtool.DataSet { return t.ds }

// Get returns row i scaled by 1/255.
func (t *TensorDataSet) Get(i int) ([]float32, int, error) {
	if i < 0 || i >= len(t.labels) {
		return nil, 0, fmt.Errorf("tensor dataset: index %d out of range [0, %d)", i, len(t.labels))
	}
	row := t.pixels[i*t.rowSize : (i+1)*t.rowSize]
	input := make([]float32, t.rowSize)
	for j, v := range row {
		input[j] = float32(v) / 255
	}
	return input, int(t.labels[i]), nil
}
