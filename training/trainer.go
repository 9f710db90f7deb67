// Package training runs the detector training loop: burn-in and
// inverse-exponential learning-rate schedule, gradient accumulation,
// multi-scale batches, periodic validation and checkpointing.
package training

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"

	"github.com/tsawler/go-yolo/checkpoints"
	"github.com/tsawler/go-yolo/darknet"
	"github.com/tsawler/go-yolo/evaluate"
	"github.com/tsawler/go-yolo/loss"
	"github.com/tsawler/go-yolo/model"
	"github.com/tsawler/go-yolo/optimizer"
	"github.com/tsawler/go-yolo/plots"
	"github.com/tsawler/go-yolo/vision/dataloader"
	"github.com/tsawler/go-yolo/vision/dataset"
)

const (
	// transferHeadFilters is the head width of the COCO transfer source,
	// 3*(5+80).
	transferHeadFilters = 255

	// Multi-scale sizes are 32 times a value in [minScale, maxScale].
	minScale = 10
	maxScale = 18

	multiScaleEvery = 10
	plotEvery       = 2

	// With NoSave, validation is skipped for the first epochs.
	noSaveWarmupEpochs = 5
)

// Options configures a Trainer.
type Options struct {
	Cfg     string // model architecture
	DataCfg string // dataset descriptor

	Epochs     int
	BatchSize  int
	Accumulate int
	ImgSize    int
	NumWorkers int
	// Prefetch is the number of batches decoded ahead of training.
	Prefetch   int
	MultiScale bool

	Resume         bool
	Transfer       bool
	FreezeBackbone bool
	NoSave         bool
	NoTest         bool

	WeightsDir string
	Format     checkpoints.CheckpointFormat
	FocusClass string

	// Dir receives results.txt, results.png and the batch images.
	Dir  string
	Seed int64

	Cache *dataloader.CacheManager
	// Sync averages gradients with other ranks; nil for a single process.
	Sync  GradientSynchronizer
}

// TrainImageSize is the size the model and loaders start at. Multi-scale
// runs start at the largest size they can draw.
func (o Options) TrainImageSize() int {
	if o.MultiScale {
		return (maxScale + 1) * 32
	}
	return o.ImgSize
}

// DefaultOptions returns the command-line defaults.
func DefaultOptions() Options {
	return Options{
		Cfg:        "cfg/yolov3.cfg",
		DataCfg:    "data/coco.data",
		Epochs:     200,
		BatchSize:  16,
		Accumulate: 1,
		ImgSize:    608,
		NumWorkers: 4,
		Prefetch:   2,
		WeightsDir: "weights",
		Format:     checkpoints.FormatProto,
		FocusClass: "bird",
		Dir:        ".",
	}
}

// Trainer trains one model per Train call.
type Trainer struct {
	opts   Options
	logger *log.Logger
	out    io.Writer
}

// NewTrainer creates a trainer. Batch lines and tables are written to out.
func NewTrainer(opts Options, logger *log.Logger, out io.Writer) *Trainer {
	if opts.Accumulate <= 0 {
		opts.Accumulate = 1
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	return &Trainer{opts: opts, logger: logger, out: out}
}

// run is the state of one Train call.
type run struct {
	*Trainer
	hyp     Hyperparameters
	rank0   bool
	names   []string
	data    darknet.DataConfig
	model   *model.Darknet
	sgd     *optimizer.SGD
	loader  *dataloader.DataLoader
	batches *dataloader.Prefetcher
	manager *checkpoints.Manager
	sched   LRScheduler
	eval    *evaluate.Evaluator
	rng     *rand.Rand

	startEpoch  int
	cutoff      int
	bestLoss    float64
	bestBirdMAP float64
}

// Train runs the configured epochs with hyp and returns the last validation
// results. A non-finite loss stops training early with a warning and the
// results gathered so far.
func (t *Trainer) Train(ctx context.Context, hyp Hyperparameters) (evaluate.Results, error) {
	o := t.opts
	if o.Sync != nil {
		defer o.Sync.Close()
	}
	r := &run{
		Trainer:     t,
		hyp:         hyp,
		rank0:       o.Sync == nil || o.Sync.Rank() == 0,
		rng:         rand.New(rand.NewSource(o.Seed)),
		cutoff:      -1,
		bestLoss:    math.Inf(1),
		bestBirdMAP: math.Inf(-1),
	}
	if err := r.setup(); err != nil {
		return evaluate.Results{}, err
	}
	return r.loop(ctx)
}

func (r *run) setup() error {
	o := r.opts
	var err error
	if r.data, err = darknet.ParseDataConfig(o.DataCfg); err != nil {
		return err
	}
	if r.data.Names != "" {
		if r.names, err = darknet.LoadClassNames(r.data.Names); err != nil {
			return err
		}
	}

	if r.model, err = model.Load(o.Cfg, o.TrainImageSize(), r.rng); err != nil {
		return err
	}
	if nc := r.model.NumClasses(); nc != r.data.Classes {
		r.logger.Warnf("model has %d classes, %s declares %d", nc, o.DataCfg, r.data.Classes)
	}

	r.sgd, err = optimizer.NewSGD(optimizer.SGDConfig{
		LearningRate: r.hyp.LR0,
		Momentum:     r.hyp.Momentum,
		WeightDecay:  r.hyp.WeightDecay,
	}, r.model.Parameters())
	if err != nil {
		return errors.Wrap(err, "create optimizer")
	}

	if r.manager, err = checkpoints.NewManager(o.WeightsDir, o.Format); err != nil {
		return err
	}
	if err := r.restore(); err != nil {
		return err
	}

	ds, err := dataset.Load(r.data.Train)
	if err != nil {
		return errors.Wrap(err, "load training set")
	}
	r.model.ClassWeights = dataset.LabelsToClassWeights(ds.AllLabels(), r.model.NumClasses())

	dist := DistConfig{WorldSize: 1}
	if o.Sync != nil {
		dist.Rank, dist.WorldSize = o.Sync.Rank(), o.Sync.WorldSize()
	}
	r.loader = dataloader.NewDataLoader(ds, dataloader.Config{
		BatchSize:    o.BatchSize,
		Augment:      true,
		ImageSize:    o.TrainImageSize(),
		NumWorkers:   o.NumWorkers,
		CacheManager: o.Cache,
		Seed:         o.Seed,
		Rank:         dist.Rank,
		WorldSize:    dist.WorldSize,
	})
	r.batches = dataloader.NewPrefetcher(r.loader, o.Prefetch)
	r.sched = &BurnInLR{Batches: NBurnin(r.loader.Len()), Next: NewInverseExpLR(o.Epochs, r.hyp.LRF)}
	return nil
}

// restore resumes from latest.pt, transfers from the COCO checkpoint or
// loads the Darknet backbone, in that order of precedence.
func (r *run) restore() error {
	o := r.opts
	if !o.Resume && !o.Transfer {
		path := filepath.Join(o.WeightsDir, model.BackboneFile(o.Cfg))
		_, cutoff, err := r.model.LoadDarknetWeights(path, -1)
		if errors.Is(err, os.ErrNotExist) {
			r.logger.Warnf("backbone %s not found, starting from random weights", path)
			return nil
		}
		if err != nil {
			return err
		}
		r.cutoff = cutoff
		r.logger.Infof("loaded backbone %s (%d modules)", path, cutoff)
		return nil
	}

	path := r.manager.Latest()
	if o.Transfer {
		path = r.manager.Transfer()
	}
	ck, err := r.manager.Load(path)
	if err != nil {
		return errors.Wrap(err, "load checkpoint")
	}

	if o.Transfer {
		nf := r.model.HeadFilters()
		if _, err := r.model.LoadStateDict(model.TransferFilter(ck.Weights, transferHeadFilters), false); err != nil {
			return errors.Wrap(err, "transfer weights")
		}
		r.model.SetTrainableByFilters(nf)
	} else {
		if _, err := r.model.LoadStateDict(ck.Weights, true); err != nil {
			return errors.Wrap(err, "resume weights")
		}
		if ck.OptimizerState != nil {
			if err := r.sgd.LoadState(ck.OptimizerState); err != nil {
				return errors.Wrap(err, "resume optimizer")
			}
			r.bestLoss = ck.TrainingState.BestLoss
			r.bestBirdMAP = ck.TrainingState.BestBirdMAP
		}
	}
	r.startEpoch = ck.TrainingState.Epoch + 1
	r.logger.Infof("restored %s at epoch %d", path, ck.TrainingState.Epoch)
	return nil
}

func (r *run) loop(ctx context.Context) (evaluate.Results, error) {
	o := r.opts
	results := evaluate.Results{ClassAP: make([]float64, r.model.NumClasses())}

	if r.rank0 {
		r.model.Info(r.out, r.logger.Level() <= log.DEBUG)
		for _, pattern := range []string{"train_batch*.jpg", "test_batch*.jpg"} {
			files, _ := filepath.Glob(filepath.Join(o.Dir, pattern))
			for _, f := range files {
				os.Remove(f)
			}
		}
	}

	defer r.batches.Stop()
	nb := r.loader.Len()
	gains := r.hyp.Gains()
	t0 := time.Now()
	epoch := r.startEpoch
	for ; epoch < o.Epochs; epoch++ {
		fmt.Fprintln(r.out)
		fmt.Fprintln(r.out, BatchHeader())

		if o.FreezeBackbone && epoch < 2 {
			r.model.FreezeBelow(r.cutoff, epoch == 0)
		}

		var mloss [5]float64
		line := ""
		if err := r.batches.Start(ctx); err != nil {
			return results, err
		}
		t := time.Now()
		for i := 0; ; i++ {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			batch, err := r.batches.Next(ctx)
			if err != nil {
				return results, err
			}
			if batch == nil {
				break
			}
			nt := len(batch.Targets)

			if epoch == 0 && i == 0 && r.rank0 {
				if err := plots.Images(filepath.Join(o.Dir, "train_batch0.jpg"), batch.Images, batch.Targets, r.names); err != nil {
					r.logger.Warnf("plot train batch: %v", err)
				}
			}

			r.sgd.SetLearningRate(r.sched.GetLR(epoch, i, r.hyp.LR0))

			raw, _, err := r.model.Forward(batch.Images, true)
			if err != nil {
				return results, err
			}
			l, err := loss.Compute(raw, batch.Targets, r.model, gains)
			if err != nil {
				return results, err
			}
			if math.IsNaN(l.Total) || math.IsInf(l.Total, 0) {
				r.logger.Warnf("non-finite loss detected, ending training")
				if o.Sync != nil {
					o.Sync.Halt()
				}
				return results, nil
			}
			if err := r.model.Backward(l.Grads); err != nil {
				return results, err
			}

			if (i+1)%o.Accumulate == 0 || i+1 == nb {
				if o.Sync != nil {
					if err := o.Sync.AllReduce(r.model.Parameters()); err != nil {
						if errors.Is(err, ErrGroupHalted) {
							r.logger.Warnf("a peer rank stopped on a non-finite loss, ending training")
							return results, nil
						}
						return results, errors.Wrap(err, "synchronize gradients")
					}
				}
				if err := r.sgd.Step(); err != nil {
					return results, err
				}
				r.sgd.ZeroGrad()
			}

			for k := range mloss {
				mloss[k] = (mloss[k]*float64(i) + l.Items[k]) / float64(i+1)
			}
			line = FormatBatch(epoch, o.Epochs, i, nb, mloss, nt, time.Since(t).Seconds())
			t = time.Now()
			if r.rank0 {
				fmt.Fprintln(r.out, line)
			}

			if o.MultiScale && (i+1)%multiScaleEvery == 0 {
				size := (minScale + r.rng.Intn(maxScale-minScale+1)) * 32
				r.loader.SetImageSize(size)
				r.logger.Infof("multi_scale img_size = %d", size)
			}
		}
		r.batches.Stop()

		if !r.rank0 {
			continue
		}

		last := epoch == o.Epochs-1
		if !(o.NoTest || (o.NoSave && epoch < noSaveWarmupEpochs)) || last {
			res, err := r.evaluate(ctx, gains)
			if err != nil {
				return results, err
			}
			results = res
		}
		if err := AppendLine(filepath.Join(o.Dir, "results.txt"), FormatResults(line, results)); err != nil {
			return results, err
		}

		birdMAP := results.BirdMAP
		if birdMAP > r.bestBirdMAP {
			r.bestBirdMAP = birdMAP
		}
		testLoss := results.Loss
		if testLoss < r.bestLoss {
			r.bestLoss = testLoss
		}

		if !o.NoSave || last {
			ck := r.checkpoint(epoch)
			written, err := r.manager.Save(ck, checkpoints.SaveDecision{
				BestLoss:    r.bestLoss == testLoss,
				BestBirdMAP: r.bestBirdMAP == birdMAP,
			})
			if err != nil {
				return results, err
			}
			r.logger.Debugf("saved %v", written)
		}

		if (epoch+1)%plotEvery == 0 {
			if err := plots.Results(filepath.Join(o.Dir, "results.txt"), filepath.Join(o.Dir, "results.png")); err != nil {
				r.logger.Warnf("plot results: %v", err)
			}
		}
	}

	fmt.Fprintf(r.out, "%d epochs completed in %.3f hours.\n", epoch-r.startEpoch, time.Since(t0).Hours())
	return results, nil
}

func (r *run) evaluate(ctx context.Context, gains loss.Gains) (evaluate.Results, error) {
	if r.eval == nil {
		ds, err := dataset.Load(r.data.Valid)
		if err != nil {
			return evaluate.Results{}, errors.Wrap(err, "load validation set")
		}
		cfg := evaluate.DefaultConfig()
		cfg.BatchSize = r.opts.BatchSize
		cfg.ImageSize = r.opts.TrainImageSize()
		cfg.NumWorkers = r.opts.NumWorkers
		cfg.Names = r.names
		cfg.FocusClass = r.opts.FocusClass
		cfg.Dir = r.opts.Dir
		cfg.Cache = r.opts.Cache
		r.eval = evaluate.NewEvaluator(ds, cfg, r.logger, r.out)
	}
	return r.eval.Evaluate(ctx, r.model, gains)
}

func (r *run) checkpoint(epoch int) *checkpoints.Checkpoint {
	return &checkpoints.Checkpoint{
		Weights: r.model.StateDict(),
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch,
			BestLoss:     r.bestLoss,
			BestBirdMAP:  r.bestBirdMAP,
			LearningRate: r.sgd.LearningRate(),
		},
		OptimizerState: r.sgd.GetState(),
		Metadata: checkpoints.CheckpointMetadata{
			Version:   "1.0",
			CreatedAt: time.Now(),
		},
	}
}
