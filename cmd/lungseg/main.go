package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"lungseg/pkg/config"
	"lungseg/pkg/inference"
	"lungseg/pkg/pipeline"
	"lungseg/pkg/tensor"
)

const (
	tensorFile   = "input.tensor"
	manifestFile = "manifest.json"
)

type runCmd struct {
	Inputs []string `arg:"positional,required" help:"input volumes (.nii, .nii.gz, .nrrd)"`
}

type preprocessCmd struct {
	WorkDir string   `arg:"--work-dir,required" help:"directory receiving the tensor and manifest"`
	Inputs  []string `arg:"positional,required" help:"input volumes (.nii, .nii.gz, .nrrd)"`
}

type reconstructCmd struct {
	WorkDir string   `arg:"--work-dir,required" help:"directory holding the manifest written by preprocess"`
	Folds   []string `arg:"positional,required" help:"fold prediction tensors"`
}

type initConfigCmd struct{}

type args struct {
	Config      string          `arg:"-c,--config" default:"lungseg.yaml" help:"configuration file"`
	Verbose     bool            `arg:"-v" help:"debug logging"`
	Run         *runCmd         `arg:"subcommand:run" help:"segment volumes end to end"`
	Preprocess  *preprocessCmd  `arg:"subcommand:preprocess" help:"resample and tile volumes into an inference tensor"`
	Reconstruct *reconstructCmd `arg:"subcommand:reconstruct" help:"rebuild segmentations from fold predictions"`
	InitConfig  *initConfigCmd  `arg:"subcommand:init-config" help:"write the default configuration file"`
}

func (args) Description() string {
	return "lungseg segments lung volumes by tiling them into 2D patches for a CNN and rebuilding the prediction"
}

func main() {
	var a args
	p := arg.MustParse(&a)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}

	if a.InitConfig != nil {
		if err := config.CreateDefaultConfigFile(a.Config); err != nil {
			log.Fatalf("Failed to create config file: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", a.Config)
		return
	}

	cfg, err := config.LoadConfig(a.Config)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if a.Verbose {
		cfg.Output.Verbose = true
	}

	logger, err := newLogger(cfg.Output.Verbose)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	var report *pipeline.Report

	switch {
	case a.Run != nil:
		report, err = run(ctx, cfg, logger, a.Run)
	case a.Preprocess != nil:
		report, err = preprocess(ctx, cfg, logger, a.Preprocess)
	case a.Reconstruct != nil:
		report, err = reconstruct(ctx, cfg, logger, a.Reconstruct)
	}

	if report != nil {
		printReport(report, time.Since(start))
	}

	code := 0
	switch {
	case err != nil:
		logger.Error("batch failed", zap.Error(err))
		code = 1
	case len(report.Failed) > 0:
		code = 2
	}
	stop()
	logger.Sync()
	os.Exit(code)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, cmd *runCmd) (*pipeline.Report, error) {
	workDir, err := os.MkdirTemp("", "lungseg-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	model, err := inference.NewCommandModel(cfg.Inference.Command, workDir, logger)
	if err != nil {
		return nil, err
	}
	defer model.Close()

	p, err := pipeline.New(cfg, model, logger)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, cmd.Inputs)
}

func preprocess(ctx context.Context, cfg *config.Config, logger *zap.Logger, cmd *preprocessCmd) (*pipeline.Report, error) {
	p, err := pipeline.New(cfg, nil, logger)
	if err != nil {
		return nil, err
	}

	report := &pipeline.Report{}
	t, m, err := p.Preprocess(ctx, p.Jobs(cmd.Inputs, report), report)
	if err != nil {
		return report, err
	}

	tensorPath := filepath.Join(cmd.WorkDir, tensorFile)
	if err := tensor.Save(tensorPath, t); err != nil {
		return report, err
	}
	if err := tensor.SaveManifest(filepath.Join(cmd.WorkDir, manifestFile), m); err != nil {
		return report, err
	}

	for _, v := range m.Volumes {
		report.Processed = append(report.Processed, v.OrigImage)
	}
	if info, err := os.Stat(tensorPath); err == nil {
		fmt.Printf("Tensor of %d patches (%s) written to %s\n",
			t.NumRows(), humanize.Bytes(uint64(info.Size())), tensorPath)
	}
	return report, nil
}

func reconstruct(ctx context.Context, cfg *config.Config, logger *zap.Logger, cmd *reconstructCmd) (*pipeline.Report, error) {
	p, err := pipeline.New(cfg, nil, logger)
	if err != nil {
		return nil, err
	}

	m, err := tensor.LoadManifest(filepath.Join(cmd.WorkDir, manifestFile))
	if err != nil {
		return nil, err
	}

	folds := make([]*tensor.Tensor, 0, len(cmd.Folds))
	for _, path := range cmd.Folds {
		t, err := tensor.Load(path)
		if err != nil {
			return nil, err
		}
		folds = append(folds, t)
	}

	return p.Reconstruct(ctx, folds, m)
}

func printReport(report *pipeline.Report, elapsed time.Duration) {
	fmt.Println("================================")
	fmt.Printf("Processed %d volume(s), failed %d, in %.2f seconds\n",
		len(report.Processed), len(report.Failed), elapsed.Seconds())

	for _, path := range report.Processed {
		size := ""
		if info, err := os.Stat(path); err == nil {
			size = " (" + humanize.Bytes(uint64(info.Size())) + ")"
		}
		fmt.Printf("  ok     %s%s\n", path, size)
	}
	for _, f := range report.Failed {
		fmt.Printf("  failed %s: %v\n", f.Volume, f.Err)
	}
}
