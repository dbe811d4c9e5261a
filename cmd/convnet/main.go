// Package main provides the convnet training CLI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/born-ml/convnet/internal/dataset"
	"github.com/born-ml/convnet/internal/device"
	"github.com/born-ml/convnet/internal/network"
	"github.com/born-ml/convnet/internal/train"
)

const version = "v0.1.0"

type options struct {
	configPath string
	dataDir    string
	synthetic  string
	samples    int
	width      int
	valSplit   float64
	epochs     int
	checkpoint string
	gpu        bool
	ensemble   bool
	gradCheck  bool
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("convnet %s\n", version)
		return
	}

	var opts options
	flag.StringVar(&opts.configPath, "config", "", "YAML training config (defaults are used when empty)")
	flag.StringVar(&opts.dataDir, "data", "", "Directory containing MNIST IDX files")
	flag.StringVar(&opts.synthetic, "synthetic", "stripes", "Synthetic dataset when -data is empty: stripes or blobs")
	flag.IntVar(&opts.samples, "samples", 1000, "Max examples to load or generate (0 = all IDX examples)")
	flag.IntVar(&opts.width, "width", 8, "Image width of the synthetic stripes, a multiple of 4")
	flag.Float64Var(&opts.valSplit, "val", 0.2, "Fraction of examples held out for validation")
	flag.IntVar(&opts.epochs, "epochs", 0, "Override max_epochs from the config")
	flag.StringVar(&opts.checkpoint, "out", "", "Override checkpoint_path from the config")
	flag.BoolVar(&opts.gpu, "gpu", false, "Run matrix products on WebGPU when available")
	flag.BoolVar(&opts.ensemble, "ensemble", false, "Also train a grayscale network and report the color+grayscale ensemble (stripes only)")
	flag.BoolVar(&opts.gradCheck, "gradcheck", false, "Compare analytic and numeric gradients on one mini-batch before training")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("convnet: %v", err)
	}
}

func run(ctx context.Context, opts options) error {
	cfg := train.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = train.LoadConfig(opts.configPath); err != nil {
			return err
		}
	}
	if opts.epochs > 0 {
		cfg.MaxEpochs = opts.epochs
	}
	if opts.checkpoint != "" {
		cfg.CheckpointPath = opts.checkpoint
	}

	dev := openDevice(cfg.Parallel, opts.gpu)
	defer dev.Release()

	rng := rand.New(rand.NewSource(cfg.Seed)) //nolint:gosec // data generation and splitting
	all, err := loadData(opts, rng)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("IDX files not found in %s; run with -data \"\" to use synthetic data", opts.dataDir)
		}
		return err
	}
	trainSet, valSet, err := dataset.Split(all, opts.valSplit, rng)
	if err != nil {
		return err
	}
	log.Printf("data: %d training, %d validation examples of shape %s, %d classes",
		trainSet.Size(), valSet.Size(), all.Shape(), all.NumClasses())

	net, err := buildModel(dev, all, cfg)
	if err != nil {
		return err
	}
	log.Printf("model on %s:\n%s", dev.Name(), net.Summary())

	if opts.gradCheck {
		if err := gradientCheck(net, trainSet, cfg); err != nil {
			return err
		}
	}

	env := train.Env{
		Persistence: train.BornPersistence{ModelType: modelType(all)},
		Reporter:    train.LogReporter{Logger: log.Default()},
	}
	res, err := train.Train(ctx, net, trainSet, valSet, cfg, env)
	if err != nil {
		return err
	}
	if res.Reason == train.StopCanceled {
		return nil
	}
	if _, err := env.Persistence.Load(net, cfg.CheckpointPath); err != nil {
		return err
	}

	if opts.ensemble {
		return ensemble(ctx, dev, net, trainSet, valSet, cfg)
	}
	return nil
}

// openDevice prefers WebGPU when asked and falls back to the CPU.
func openDevice(cfg device.Config, gpu bool) device.Device {
	if gpu {
		dev, err := device.NewWebGPU(cfg)
		if err == nil {
			return dev
		}
		log.Printf("webgpu unavailable, using cpu: %v", err)
	}
	return device.NewCPU(cfg)
}

func loadData(opts options, rng *rand.Rand) (dataset.Dataset, error) {
	if opts.dataDir != "" {
		return loadMNIST(opts.dataDir, opts.samples)
	}
	n := opts.samples
	if n <= 0 {
		n = 1000
	}
	switch opts.synthetic {
	case "stripes":
		if opts.width%4 != 0 {
			return nil, fmt.Errorf("-width must be a multiple of 4, got %d", opts.width)
		}
		return dataset.Stripes(n, 3, opts.width, 0.1, rng)
	case "blobs":
		return dataset.Blobs(n, 8, 4, 2, 0.6, rng)
	default:
		return nil, fmt.Errorf("unknown synthetic dataset %q", opts.synthetic)
	}
}

func gradientCheck(net *network.Network, d dataset.Dataset, cfg train.Config) error {
	indices := make([]int, cfg.MiniBatchSize)
	for i := range indices {
		indices[i] = i % d.Size()
	}
	report, err := train.GradientCheck(net, d, indices, 10, cfg.Seed)
	if err != nil {
		return err
	}
	log.Printf("gradient check: %d entries, max relative error %.3g at %s",
		report.Checked, report.MaxRelError, report.Worst)
	return nil
}

// ensemble trains a second network on the grayscale view of the same data
// and evaluates both networks together.
func ensemble(ctx context.Context, dev device.Device, color *network.Network, trainSet, valSet dataset.Dataset, cfg train.Config) error {
	if trainSet.Shape().Depth == 1 {
		return errors.New("-ensemble needs color images")
	}
	grayTrain, grayVal := dataset.NewGrayscale(trainSet), dataset.NewGrayscale(valSet)
	grayCfg := cfg
	grayCfg.CheckpointPath = cfg.CheckpointPath + ".gray"
	gray, err := buildModel(dev, grayTrain, grayCfg)
	if err != nil {
		return err
	}
	env := train.Env{
		Persistence: train.BornPersistence{ModelType: "convnet-gray"},
		Reporter:    train.LogReporter{Logger: log.Default()},
	}
	if _, err := train.Train(ctx, gray, grayTrain, grayVal, grayCfg, env); err != nil {
		return err
	}
	if _, err := env.Persistence.Load(gray, grayCfg.CheckpointPath); err != nil {
		return err
	}

	// Calibrate both networks' normalization statistics before averaging.
	for _, m := range []struct {
		net  *network.Network
		data dataset.Dataset
	}{{color, trainSet}, {gray, grayTrain}} {
		if _, err := train.NewEvaluator(m.net, m.data, cfg.PreInferenceBatches, cfg.Seed).Evaluate(); err != nil {
			return err
		}
	}
	m, err := train.EnsembleEvaluate([]train.Member{
		{Net: color, Data: valSet},
		{Net: gray, Data: grayVal},
	}, cfg.Seed)
	if err != nil {
		return err
	}
	log.Printf("ensemble validation: %s", m)
	return nil
}
