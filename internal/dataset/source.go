// Package dataset exposes packaged datasets as indexed image sources and
// batches them for training.
package dataset

import (
	"errors"
	"fmt"

	"dtoolai-forge/internal/dtool"
)

// Annotation and overlay keys read from packaged datasets.
const (
	AnnotationTensorFileIdn    = "tensor_file_idn"
	AnnotationImageDimensions  = "image_dimensions"
	AnnotationCategoryEncoding = "category_encoding"
	OverlayCategory            = "category"
	OverlayUseType             = "usetype"

	// LabelsFile holds the labels of a tensor dataset.
	LabelsFile = "labels.npy"
)

// ImageSource is an indexed collection of labelled images. Inputs are flat
// channels x dim x dim float32 slices scaled to [0, 1].
type ImageSource interface {
	Len() int
	Get(i int) (input []float32, label int, err error)
	InputChannels() int
	Dim() int
	Source() *dtool.DataSet
}

// Open loads the dataset at uri, choosing the source by its annotations: a
// dataset carrying tensor_file_idn is a TensorDataSet, anything else an
// ImageDataSet restricted to training items.
func Open(uri string) (ImageSource, error) {
	ds, err := dtool.Open(uri)
	if err != nil {
		return nil, err
	}
	var idn string
	err = ds.GetAnnotation(AnnotationTensorFileIdn, &idn)
	switch {
	case err == nil:
		return NewTensorDataSet(ds)
	case errors.Is(err, dtool.ErrNoAnnotation):
		return NewImageDataSet(ds, "train")
	default:
		return nil, fmt.Errorf("open %s: %w", uri, err)
	}
}
