package dataset

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"

	"dtoolai-forge/internal/dtool"
)

// DefaultImageDim is the side length images are resized to when the dataset
// does not annotate image_dimensions.
const DefaultImageDim = 256

const imageChannels = 3

// ImageDataSet serves individual PNG/JPEG items labelled through the
// category overlay and the category_encoding annotation.
type ImageDataSet struct {
	ds          *dtool.DataSet
	identifiers []string
	labels      []int
	dim         int
}

// NewImageDataSet indexes ds. When the dataset has a usetype overlay, only
// items whose usetype equals useType are kept.
func NewImageDataSet(ds *dtool.DataSet, useType string) (*ImageDataSet, error) {
	var categories map[string]string
	if err := ds.GetOverlay(OverlayCategory, &categories); err != nil {
		return nil, err
	}
	var encoding map[string]int
	if err := ds.GetAnnotation(AnnotationCategoryEncoding, &encoding); err != nil {
		return nil, err
	}

	dim := DefaultImageDim
	var dims []int
	err := ds.GetAnnotation(AnnotationImageDimensions, &dims)
	switch {
	case err == nil:
		if len(dims) != 3 || dims[0] != imageChannels || dims[1] != dims[2] || dims[1] <= 0 {
			return nil, fmt.Errorf("image dataset: image_dimensions must be [3, dim, dim], got %v", dims)
		}
		dim = dims[1]
	case !errors.Is(err, dtool.ErrNoAnnotation):
		return nil, err
	}

	identifiers := ds.Identifiers()
	var useTypes map[string]string
	err = ds.GetOverlay(OverlayUseType, &useTypes)
	switch {
	case err == nil:
		kept := identifiers[:0]
		for _, idn := range identifiers {
			if useTypes[idn] == useType {
				kept = append(kept, idn)
			}
		}
		identifiers = kept
	case !errors.Is(err, dtool.ErrNoOverlay):
		return nil, err
	}

	labels := make([]int, len(identifiers))
	for i, idn := range identifiers {
		cat, ok := categories[idn]
		if !ok {
			return nil, fmt.Errorf("image dataset: item %s has no category", idn)
		}
		label, ok := encoding[cat]
		if !ok {
			return nil, fmt.Errorf("image dataset: category %q has no encoding", cat)
		}
		labels[i] = label
	}

	return &ImageDataSet{ds: ds, identifiers: identifiers, labels: labels, dim: dim}, nil
}

// Len returns the number of items kept after the usetype filter.
func (d *ImageDataSet) Len() int { return len(d.identifiers) }

// InputChannels is always 3: images are decoded as RGB.
func (d *ImageDataSet) InputChannels() int { return imageChannels }

// Dim returns the side length images are resized to.
func (d *ImageDataSet) Dim() int { return d.dim }

// Source returns the dataset holding the image items.
func (d *ImageDataSet) Source() *dtool.DataSet { return d.ds }

// Get decodes item i, resizes it to dim x dim and returns it channel-major.
func (d *ImageDataSet) Get(i int) ([]float32, int, error) {
	if i < 0 || i >= len(d.identifiers) {
		return nil, 0, fmt.Errorf("image dataset: index %d out of range [0, %d)", i, len(d.identifiers))
	}
	path, err := d.ds.ItemContentAbspath(d.identifiers[i])
	if err != nil {
		return nil, 0, err
	}
	input, err := loadImage(path, d.dim)
	if err != nil {
		return nil, 0, err
	}
	return input, d.labels[i], nil
}

func loadImage(path string, dim int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if src.Bounds().Empty() {
		return nil, fmt.Errorf("decode %s: empty image", path)
	}

	dst := image.NewRGBA(image.Rect(0, 0, dim, dim))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	plane := dim * dim
	out := make([]float32, imageChannels*plane)
	for y := 0; y < dim; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+4*dim]
		for x := 0; x < dim; x++ {
			px := row[4*x : 4*x+3]
			for c, v := range px {
				out[c*plane+y*dim+x] = float32(v) / 255
			}
		}
	}
	return out, nil
}
