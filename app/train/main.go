// Command train trains a YOLOv3-family detector from a Darknet cfg and a
// labelled image list, optionally evolving its hyperparameters.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"
	"github.com/youta-t/flarc"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-yolo/checkpoints"
	"github.com/tsawler/go-yolo/evaluate"
	"github.com/tsawler/go-yolo/evolve"
	"github.com/tsawler/go-yolo/training"
	"github.com/tsawler/go-yolo/vision/dataloader"
)

type Flags struct {
	Epochs     int    `flag:"epochs" help:"number of epochs"`
	BatchSize  int    `flag:"batch-size" help:"size of each image batch"`
	Accumulate int    `flag:"accumulate" help:"accumulate gradient x batches before optimizing"`
	Cfg        string `flag:"cfg" metavar:"path" help:"model cfg file"`
	DataCfg    string `flag:"data-cfg" metavar:"path" help:"dataset .data file"`
	MultiScale bool   `flag:"multi-scale" help:"random image sizes per 10 batches, 320 - 576"`
	ImgSize    int    `flag:"img-size" help:"input size in pixels"`
	Resume     bool   `flag:"resume" help:"resume training from latest.pt"`
	Transfer   bool   `flag:"transfer" help:"transfer learning: train only the YOLO heads"`
	NumWorkers int    `flag:"num-workers" help:"number of image decoding workers"`
	Prefetch   int    `flag:"prefetch" help:"batches decoded ahead of training"`

	DistURL   string `flag:"dist-url" help:"distributed training init method"`
	Rank      int    `flag:"rank" help:"distributed training node rank"`
	WorldSize int    `flag:"world-size" help:"number of ranks for distributed training"`
	Backend   string `flag:"backend" help:"distributed backend; only 'local' is built in"`

	NoSave bool `flag:"nosave" help:"only save the final checkpoint"`
	NoTest bool `flag:"notest" help:"only test the final epoch"`
	Evolve bool `flag:"evolve" help:"run hyperparameter evolution"`
	Var    int  `flag:"var" help:"debug variable"`

	Weights        string `flag:"weights" metavar:"dir" help:"checkpoint and backbone directory"`
	Hyp            string `flag:"hyp" metavar:"path" help:"hyperparameter YAML file"`
	Generations    int    `flag:"generations" help:"evolution generations"`
	FreezeBackbone bool   `flag:"freeze-backbone" help:"freeze the pretrained backbone during epoch 0"`
	Format         string `flag:"format" help:"checkpoint format: proto or json"`
	FocusClass     string `flag:"focus-class" help:"class tracked by best_bird_map.pt"`
	Dir            string `flag:"dir" metavar:"dir" help:"output directory for results and plots"`
	CacheSize      int    `flag:"cache-size" help:"decoded images kept in memory, 0 to disable"`
	Seed           int    `flag:"seed" help:"random seed; 0 uses the clock"`
	LogLevel       string `flag:"log-level" help:"debug, info, warn, error or off"`
}

func defaultFlags() Flags {
	d := training.DefaultOptions()
	return Flags{
		Epochs:      d.Epochs,
		BatchSize:   d.BatchSize,
		Accumulate:  d.Accumulate,
		Cfg:         "cfg/yolo_trainmavic.cfg",
		DataCfg:     "data/coco_mavic.data",
		ImgSize:     d.ImgSize,
		NumWorkers:  d.NumWorkers,
		Prefetch:    d.Prefetch,
		DistURL:     "tcp://127.0.0.1:9999",
		WorldSize:   1,
		Backend:     training.LocalBackend,
		Weights:     d.WeightsDir,
		Generations: evolve.DefaultGenerations,
		Format:      "proto",
		FocusClass:  d.FocusClass,
		Dir:         d.Dir,
		CacheSize:   256,
		LogLevel:    "info",
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cmd, err := flarc.NewCommand(
		"Train a YOLOv3 detector",
		defaultFlags(),
		flarc.Args{},
		func(ctx context.Context, c flarc.Commandline[Flags], _ []any) error {
			logger := log.New("train")
			logger.SetOutput(c.Stderr())
			return run(ctx, logger, c.Flags(), c.Stdout())
		},
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(flarc.Run(ctx, cmd))
}

func parseLevel(name string) (log.Lvl, error) {
	switch strings.ToLower(name) {
	case "debug":
		return log.DEBUG, nil
	case "info":
		return log.INFO, nil
	case "warn":
		return log.WARN, nil
	case "error":
		return log.ERROR, nil
	case "off":
		return log.OFF, nil
	}
	return 0, fmt.Errorf("%w: unknown log level %q", flarc.ErrUsage, name)
}

func run(ctx context.Context, logger *log.Logger, flags Flags, out io.Writer) error {
	level, err := parseLevel(flags.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	logger.Infof("%+v", flags)
	logger.Debugf("var = %d", flags.Var)

	format, err := checkpoints.ParseFormat(flags.Format)
	if err != nil {
		return fmt.Errorf("%w: %v", flarc.ErrUsage, err)
	}
	if flags.Epochs <= 0 || flags.BatchSize <= 0 || flags.ImgSize%32 != 0 {
		return fmt.Errorf("%w: epochs and batch-size must be positive, img-size a multiple of 32", flarc.ErrUsage)
	}

	hyp := training.DefaultHyperparameters()
	if flags.Hyp != "" {
		if hyp, err = training.LoadHyperparameters(flags.Hyp); err != nil {
			return err
		}
	}

	if flags.Evolve {
		flags.NoTest = true
		flags.NoSave = true
	}

	dist := training.DistConfig{URL: flags.DistURL, Rank: flags.Rank, WorldSize: flags.WorldSize, Backend: flags.Backend}
	if _, err := training.NewSynchronizer(dist); err != nil {
		return err
	}

	seed := int64(flags.Seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	opts := training.Options{
		Cfg:            flags.Cfg,
		DataCfg:        flags.DataCfg,
		Epochs:         flags.Epochs,
		BatchSize:      flags.BatchSize,
		Accumulate:     flags.Accumulate,
		ImgSize:        flags.ImgSize,
		NumWorkers:     flags.NumWorkers,
		Prefetch:       flags.Prefetch,
		MultiScale:     flags.MultiScale,
		Resume:         flags.Resume,
		Transfer:       flags.Transfer,
		FreezeBackbone: flags.FreezeBackbone,
		NoSave:         flags.NoSave,
		NoTest:         flags.NoTest,
		WeightsDir:     flags.Weights,
		Format:         format,
		FocusClass:     flags.FocusClass,
		Dir:            flags.Dir,
		Seed:           seed,
		Cache:          dataloader.NewCacheManager(flags.CacheSize),
	}
	train := func(ctx context.Context, hyp training.Hyperparameters) (evaluate.Results, error) {
		return trainRanks(ctx, logger, opts, max(1, flags.WorldSize), hyp, out)
	}

	start := time.Now()
	if !flags.Evolve {
		_, err := train(ctx, hyp)
		return err
	}

	e := evolve.New(train, flags.Dir, seed, logger, out)
	e.Generations = flags.Generations
	best, fitness, err := e.Run(ctx, hyp)
	if err != nil {
		return errors.Wrap(err, "evolve")
	}
	logger.Infof("best fitness %.4g after %d generations in %s: %+v",
		fitness, e.Generations, time.Since(start).Round(time.Second), best)
	return nil
}

// trainRanks runs one training. With more than one rank every rank is a
// goroutine of a fresh local group; only rank 0 prints.
func trainRanks(ctx context.Context, logger *log.Logger, opts training.Options, world int, hyp training.Hyperparameters, out io.Writer) (evaluate.Results, error) {
	if world == 1 {
		return training.NewTrainer(opts, logger, out).Train(ctx, hyp)
	}

	group := training.NewLocalGroup(world)
	g, ctx := errgroup.WithContext(ctx)
	var results evaluate.Results
	for rank := 0; rank < world; rank++ {
		rank := rank
		o := opts
		o.Sync = group.Member(rank)
		w := out
		if rank != 0 {
			w = io.Discard
		}
		trainer := training.NewTrainer(o, logger, w)
		g.Go(func() error {
			r, err := trainer.Train(ctx, hyp)
			if rank == 0 {
				results = r
			}
			return errors.Wrapf(err, "rank %d", rank)
		})
	}
	return results, g.Wait()
}
