// Package pipeline runs batches of volumes through the segmentation engine.
//
// A batch goes through three phases:
//
//  1. Preprocess reads, resamples and tiles every volume in parallel and
//     concatenates the patches into one tensor with its manifest.
//  2. Infer predicts the tensor once per fold with a single model and
//     averages the folds.
//  3. Postprocess reconstructs, restores, binarizes and writes every volume in
//     parallel.
//
// A volume that fails in any phase is recorded in the Report and dropped; the
// rest of the batch carries on. Outputs are written atomically, so a failed or
// cancelled volume leaves no file behind.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lungseg/internal/errs"
	"lungseg/internal/models"
	"lungseg/pkg/binarize"
	"lungseg/pkg/config"
	"lungseg/pkg/geometry"
	"lungseg/pkg/inference"
	"lungseg/pkg/resample"
	"lungseg/pkg/tensor"
	"lungseg/pkg/tiling"
	"lungseg/pkg/visualization"
	"lungseg/pkg/volumeio"
)

// ResampledSuffix is appended to the name of saved resampled inputs
const ResampledSuffix = "_resampled"

// Job is one volume to segment
type Job struct {
	// Input is the source volume
	Input string

	// Output is where the segmentation is written
	Output string
}

// Pipeline holds the configuration and the model shared by every batch stage
type Pipeline struct {
	cfg    *config.Config
	model  inference.Model
	logger *zap.Logger

	normalization tiling.Normalization
}

// New creates a pipeline. model may be nil when only Preprocess and
// Postprocess are used.
func New(cfg *config.Config, model inference.Model, logger *zap.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	norm, err := tiling.ParseNormalization(cfg.Processing.Normalization)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:           cfg,
		model:         model,
		logger:        logger,
		normalization: norm,
	}, nil
}

// OutputPath returns <dir>/<name><suffix><ext> for an input volume path
func OutputPath(dir, input, suffix string) (string, error) {
	_, name, ext, err := volumeio.SplitName(input)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name+suffix+ext), nil
}

// Jobs pairs every input with its output path in the configured output directory.
// Inputs with an unsupported extension, and inputs whose output path was already
// given to an earlier input, are reported as failed right away.
func (p *Pipeline) Jobs(inputs []string, report *Report) []Job {
	jobs := make([]Job, 0, len(inputs))
	assigned := make(map[string]string, len(inputs))
	for _, in := range inputs {
		out, err := OutputPath(p.cfg.Output.Dir, in, p.cfg.Output.Suffix)
		if err == nil {
			if prev, dup := assigned[out]; dup {
				err = &errs.DuplicateOutputError{Output: out, Previous: prev}
			}
		}
		if err != nil {
			p.logger.Error("skipping volume", zap.String("volume", in), zap.Error(err))
			report.fail(in, err)
			continue
		}
		assigned[out] = in
		jobs = append(jobs, Job{Input: in, Output: out})
	}
	return jobs
}

// Run segments every input volume and returns the batch report. The error is
// only set when the batch as a whole could not run (no usable volume, inference
// failure or cancellation before inference); per-volume failures are in the
// report.
func (p *Pipeline) Run(ctx context.Context, inputs []string) (*Report, error) {
	report := &Report{}
	jobs := p.Jobs(inputs, report)

	input, manifest, err := p.Preprocess(ctx, jobs, report)
	if err != nil {
		report.sort()
		return report, err
	}

	pred, err := p.Infer(ctx, input)
	if err != nil {
		p.failAll(manifest, report, err)
		report.sort()
		return report, err
	}

	p.Postprocess(ctx, pred, manifest, report)
	report.sort()
	return report, nil
}

// Reconstruct finishes a batch whose inference ran in another process: the fold
// predictions are averaged and postprocessed against the manifest written by
// Preprocess.
func (p *Pipeline) Reconstruct(ctx context.Context, folds []*tensor.Tensor, manifest *tensor.Manifest) (*Report, error) {
	report := &Report{}
	pred, err := p.Ensemble(folds)
	if err != nil {
		p.failAll(manifest, report, err)
		report.sort()
		return report, err
	}
	p.Postprocess(ctx, pred, manifest, report)
	report.sort()
	return report, nil
}

// Preprocess prepares every job in parallel and concatenates the results, in job
// order, into the inference tensor. Jobs that fail are recorded in report.
func (p *Pipeline) Preprocess(ctx context.Context, jobs []Job, report *Report) (*tensor.Tensor, *tensor.Manifest, error) {
	prepared := make([]*tensor.Prepared, len(jobs))

	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Processing.NumCores)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				report.fail(job.Input, err)
				return nil
			}
			prep, err := p.prepare(job)
			if err != nil {
				p.logger.Error("preprocessing failed", zap.String("volume", job.Input), zap.Error(err))
				report.fail(job.Input, err)
				return nil
			}
			if prep.Meta.Skip {
				err := &errs.EmptyInputError{What: "volume has no slices after resampling"}
				p.logger.Error("preprocessing failed", zap.String("volume", job.Input), zap.Error(err))
				report.fail(job.Input, err)
				return nil
			}
			prepared[i] = prep
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		for i, prep := range prepared {
			if prep != nil {
				report.fail(jobs[i].Input, err)
			}
		}
		return nil, nil, err
	}

	kept := make([]*tensor.Prepared, 0, len(prepared))
	for _, prep := range prepared {
		if prep != nil {
			kept = append(kept, prep)
		}
	}

	t, m, err := tensor.Concat(kept, p.cfg.Processing.PatchSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to assemble inference tensor: %w", err)
	}

	p.logger.Info("inference tensor assembled",
		zap.Int("volumes", len(m.Volumes)), zap.Int("patches", t.NumRows()))
	return t, m, nil
}

func (p *Pipeline) prepare(job Job) (*tensor.Prepared, error) {
	v, err := volumeio.Read(job.Input)
	if err != nil {
		return nil, err
	}

	resampled, factor, shape, err := resample.Resample(v, models.Spacing(p.cfg.Processing.TargetSpacing))
	if err != nil {
		return nil, fmt.Errorf("failed to resample: %w", err)
	}
	p.logger.Debug("volume resampled",
		zap.String("volume", job.Input),
		zap.Stringer("shape", v.Shape),
		zap.Stringer("resampled", shape),
		zap.Float64s("factor", factor[:]))

	if p.cfg.Output.SaveResampled {
		path, err := OutputPath(filepath.Dir(job.Output), job.Input, ResampledSuffix)
		if err != nil {
			return nil, err
		}
		if err := volumeio.Write(path, resampled); err != nil {
			return nil, fmt.Errorf("failed to save resampled volume: %w", err)
		}
	}

	return tensor.Prepare(tensor.Item{
		OutputPath: job.Output,
		Source:     job.Input,
		OrigSize:   v.Shape,
		Volume:     resampled,
	}, tensor.Options{
		PatchSize:     p.cfg.Processing.PatchSize,
		Normalization: p.normalization,
	})
}

// Infer runs every configured fold over the tensor and averages the predictions
func (p *Pipeline) Infer(ctx context.Context, input *tensor.Tensor) (*tensor.Tensor, error) {
	if p.model == nil {
		return nil, errors.New("no inference model configured")
	}
	folds, err := inference.RunFolds(ctx, p.model, p.cfg.Inference.Weights, input, p.logger)
	if err != nil {
		return nil, err
	}
	return p.Ensemble(folds)
}

// Ensemble averages fold predictions with the configured precision
func (p *Pipeline) Ensemble(folds []*tensor.Tensor) (*tensor.Tensor, error) {
	return inference.Ensemble(folds, inference.EnsembleOptions{HalfPrecision: p.cfg.Inference.HalfPrecision})
}

// Postprocess turns the prediction back into one segmentation per manifest
// volume. Volumes are handled in parallel; each is checked for cancellation
// before it starts.
func (p *Pipeline) Postprocess(ctx context.Context, pred *tensor.Tensor, manifest *tensor.Manifest, report *Report) {
	if err := manifest.Validate(pred.NumRows()); err != nil {
		p.failAll(manifest, report, err)
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Processing.NumCores)
	for _, meta := range manifest.Volumes {
		meta := meta
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				report.fail(meta.OrigImage, err)
				return nil
			}
			if err := p.finish(pred, meta); err != nil {
				p.logger.Error("reconstruction failed",
					zap.String("volume", meta.OrigImage), zap.String("output", meta.OutputPath), zap.Error(err))
				report.fail(meta.OrigImage, err)
				return nil
			}
			p.logger.Info("segmentation written",
				zap.String("volume", meta.OrigImage), zap.String("output", meta.OutputPath))
			report.succeed(meta.OutputPath)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pipeline) finish(pred *tensor.Tensor, meta *models.VolumeMetadata) error {
	stack, err := tiling.Reconstruct(pred, meta, tiling.ReconstructOptions{
		Average:       p.cfg.Processing.Overlap == config.OverlapAverage,
		FillUncovered: p.cfg.Processing.FillUncovered,
	})
	if err != nil {
		return err
	}

	header, err := volumeio.ReadHeader(meta.OrigImage)
	if err != nil {
		return fmt.Errorf("failed to read reference header: %w", err)
	}
	origShape, origSpacing := header.Geometry()
	if origShape != meta.OrigSize {
		return errs.ShapeMismatch("reference image %s is %v, manifest records %v",
			meta.OrigImage, origShape, meta.OrigSize)
	}

	v, err := geometry.Restore(stack, meta, origSpacing)
	if err != nil {
		return err
	}
	v.Header = header
	v.Path = meta.OutputPath

	if p.cfg.Output.Binarize {
		mask, th, err := binarize.Binarize(v)
		if err != nil {
			return fmt.Errorf("failed to binarize: %w", err)
		}
		p.logger.Debug("otsu threshold", zap.String("volume", meta.OrigImage), zap.Float64("threshold", th))
		v = mask
	}

	if err := volumeio.Write(meta.OutputPath, v); err != nil {
		return err
	}

	if dir := p.cfg.Output.SnapshotDir; dir != "" {
		p.snapshot(dir, v)
	}
	return nil
}

// snapshot failures are logged only; the segmentation itself is already written
func (p *Pipeline) snapshot(dir string, v *models.Volume) {
	_, name, _, err := volumeio.SplitName(v.Path)
	if err == nil {
		var viewer *visualization.Viewer
		if viewer, err = visualization.NewViewer(v); err == nil {
			_, err = viewer.SaveSnapshots(dir, name)
		}
	}
	if err != nil {
		p.logger.Warn("failed to save snapshot", zap.String("output", v.Path), zap.Error(err))
	}
}

func (p *Pipeline) failAll(manifest *tensor.Manifest, report *Report, err error) {
	for _, meta := range manifest.Volumes {
		p.logger.Error("volume dropped", zap.String("volume", meta.OrigImage), zap.Error(err))
		report.fail(meta.OrigImage, err)
	}
}
