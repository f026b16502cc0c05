// Package trainer fits the convolutional classifier to a packaged image
// dataset and stores the result as a derived dataset.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"dtoolai-forge/internal/config"
	"dtoolai-forge/internal/dataset"
	"dtoolai-forge/internal/dtool"
	"dtoolai-forge/internal/model"
	"dtoolai-forge/internal/optim"
)

// RunConfig captures everything a training run needs.
type RunConfig struct {
	InputURI      string
	OutputBaseURI string
	OutputName    string
	Params        config.Parameters
	Options       config.RunOptions
}

// Run opens the input dataset and trains a classifier on it.
func Run(ctx context.Context, cfg RunConfig) (*dtool.DataSet, error) {
	ids, err := dataset.Open(cfg.InputURI)
	if err != nil {
		return nil, err
	}
	admin := ids.Source().AdminMetadata()
	log.Printf("input=%s name=%s creator=%s items=%d channels=%d dim=%d",
		ids.Source().URI(), admin.Name, admin.CreatorUsername, ids.Len(), ids.InputChannels(), ids.Dim())
	return TrainFromDataSet(ctx, ids, cfg.OutputBaseURI, cfg.OutputName, cfg.Params, cfg.Options)
}

// TrainFromDataSet trains a GenNet sized to ids and writes the derived
// dataset outputName under outputBaseURI, replacing any existing dataset of
// that name. The readme records the parameters and the model name; the
// network itself is stored as model.pb.
func TrainFromDataSet(ctx context.Context, ids dataset.ImageSource, outputBaseURI, outputName string, params config.Parameters, opts config.RunOptions) (*dtool.DataSet, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if ids.Source() == nil {
		return nil, errors.New("trainer: image source has no backing dataset")
	}
	opts = opts.WithDefaults()

	loader, err := dataset.NewLoader(ids, dataset.LoaderOptions{
		BatchSize: params.BatchSize,
		Shuffle:   true,
		Seed:      opts.Seed,
		Workers:   opts.Workers,
	})
	if err != nil {
		return nil, err
	}
	net, err := model.NewGenNet(ids.InputChannels(), ids.Dim(), opts.Seed)
	if err != nil {
		return nil, err
	}
	opt, err := optim.NewSGD(float32(params.LearningRate))
	if err != nil {
		return nil, err
	}
	paramDict, err := params.ParameterDict()
	if err != nil {
		return nil, err
	}

	return dtool.WithDerivedDataSet(ctx, outputBaseURI, outputName, ids.Source(), true, func(out *dtool.DerivedDataSet) error {
		if _, err := Train(ctx, net, loader, opt, model.NLLLoss, params.NEpochs, opts); err != nil {
			return err
		}
		acc, err := Evaluate(ctx, net, loader)
		if err != nil {
			return err
		}
		log.Printf("train_accuracy=%.4f samples=%d", acc, ids.Len())
		if err := saveModel(out, net); err != nil {
			return err
		}
		out.ReadmeDict["parameters"] = paramDict
		out.ReadmeDict["model_name"] = net.Name()
		log.Printf("output=%s model=%s", out.Proto().URI(), net.Name())
		return nil
	})
}

func saveModel(out *dtool.DerivedDataSet, net *model.GenNet) error {
	path, err := out.StagingPath(model.CheckpointFile)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create model file: %w", err)
	}
	if err := net.Save(f); err != nil {
		f.Close()
		return fmt.Errorf("write model: %w", err)
	}
	return f.Close()
}
