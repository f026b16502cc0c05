package cifar

import (
	"context"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"dtoolai-forge/internal/dataset"
	"dtoolai-forge/internal/dtool"
	"dtoolai-forge/internal/npy"
)

// Item names and annotation keys of a converted dataset.
const (
	TensorFile = "cifar.npy"
	LabelsFile = dataset.LabelsFile

	AnnotationTensorFileIdn  = dataset.AnnotationTensorFileIdn
	AnnotationImageDimension = dataset.AnnotationImageDimensions
	AnnotationLabelNames     = "label_names"
)

// ImageDimensions is how each flat row is laid out: channels, height, width.
var ImageDimensions = []int{Channels, Height, Width}

// Options selects which batches Convert reads.
type Options struct {
	// Batches defaults to the test split only.
	Batches []string
}

type readme struct {
	Description string   `yaml:"description"`
	Batches     []string `yaml:"batches"`
	NImages     int      `yaml:"n_images"`
}

// Convert loads the selected batches from cifarDir and packages them as a
// new dataset named outputName under outputBaseURI. Batches are read before
// the dataset is created, so unreadable input leaves nothing behind.
func Convert(ctx context.Context, cifarDir, outputBaseURI, outputName string, opts Options) (*dtool.DataSet, error) {
	names := opts.Batches
	if len(names) == 0 {
		names = []string{TestBatchName}
	}
	batch, err := LoadBatches(cifarDir, names)
	if err != nil {
		return nil, err
	}
	log.Printf("batches=%v rows=%d cols=%d", names, batch.Rows, batch.Cols)

	labelNames, err := LabelNames(cifarDir)
	if err != nil {
		log.Printf("label_names skipped: %v", err)
		labelNames = nil
	}

	return dtool.WithQuickDataSet(ctx, outputBaseURI, outputName, func(qds *dtool.QuickDataSet) error {
		data, err := npy.NewUint8([]int{batch.Rows, batch.Cols}, batch.Data)
		if err != nil {
			return err
		}
		if err := writeStaged(qds, TensorFile, data); err != nil {
			return err
		}
		labels, err := npy.NewInt64([]int{len(batch.Labels)}, batch.Labels)
		if err != nil {
			return err
		}
		if err := writeStaged(qds, LabelsFile, labels); err != nil {
			return err
		}

		if err := qds.PutAnnotation(AnnotationTensorFileIdn, dtool.GenerateIdentifier(TensorFile)); err != nil {
			return err
		}
		if err := qds.PutAnnotation(AnnotationImageDimension, ImageDimensions); err != nil {
			return err
		}
		if labelNames != nil {
			if err := qds.PutAnnotation(AnnotationLabelNames, labelNames); err != nil {
				return err
			}
		}

		content, err := yaml.Marshal(readme{
			Description: "CIFAR-10 images converted to tensors",
			Batches:     names,
			NImages:     batch.Rows,
		})
		if err != nil {
			return fmt.Errorf("encode readme: %w", err)
		}
		return qds.PutReadme(string(content))
	})
}

func writeStaged(qds *dtool.QuickDataSet, relpath string, a *npy.Array) error {
	path, err := qds.StagingPath(relpath)
	if err != nil {
		return err
	}
	if err := npy.WriteFile(path, a); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	log.Printf("staged=%s shape=%v bytes=%d", relpath, a.Shape, info.Size())
	return nil
}
