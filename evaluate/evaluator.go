// Package evaluate runs a model over a validation set and reports
// precision, recall, mAP, F1 and loss.
package evaluate

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-yolo/loss"
	"github.com/tsawler/go-yolo/model"
	"github.com/tsawler/go-yolo/plots"
	"github.com/tsawler/go-yolo/vision/dataloader"
	"github.com/tsawler/go-yolo/vision/dataset"
)

// Results are the validation metrics of one evaluation. MAP, Precision,
// Recall and F1 are means over the classes present in the targets.
type Results struct {
	Precision float64
	Recall    float64
	MAP       float64
	F1        float64
	Loss      float64

	// Summary lists the AP of every evaluated class.
	Summary string
	// BirdMAP is the AP of the focus class, zero when it has no targets.
	BirdMAP float64
	// ClassAP has one entry per class; classes without targets get MAP.
	ClassAP []float64
}

// Values returns P, R, mAP, F1 and loss in results-file order.
func (r Results) Values() [5]float64 {
	return [5]float64{r.Precision, r.Recall, r.MAP, r.F1, r.Loss}
}

// Config holds the thresholds and loader settings of an Evaluator.
type Config struct {
	BatchSize  int
	ImageSize  int
	NumWorkers int
	ConfThres  float64
	IoUThres   float64
	NMSThres   float64
	Names      []string
	FocusClass string

	// Dir receives test_batch0.jpg; empty disables it.
	Dir   string
	Cache *dataloader.CacheManager
}

// DefaultConfig returns the thresholds used during training.
func DefaultConfig() Config {
	return Config{
		BatchSize:  16,
		ImageSize:  416,
		NumWorkers: 4,
		ConfThres:  0.1,
		IoUThres:   0.5,
		NMSThres:   0.5,
		FocusClass: "bird",
	}
}

// Evaluator scores a model on a fixed validation set.
type Evaluator struct {
	config Config
	ds     *dataset.ImagesAndLabels
	logger *log.Logger
	out    io.Writer
}

// NewEvaluator creates an evaluator over ds. Progress and the per-class
// table are written to out.
func NewEvaluator(ds *dataset.ImagesAndLabels, config Config, logger *log.Logger, out io.Writer) *Evaluator {
	return &Evaluator{config: config, ds: ds, logger: logger, out: out}
}

// FocusIndex is the class index named focus, or 0 when no name matches.
func FocusIndex(names []string, focus string) int {
	for i, n := range names {
		if n == focus {
			return i
		}
	}
	return 0
}

// Evaluate runs m in eval mode over the validation set.
func (e *Evaluator) Evaluate(ctx context.Context, m *model.Darknet, g loss.Gains) (Results, error) {
	cfg := e.config
	nc := m.NumClasses()
	loader := dataloader.NewDataLoader(e.ds, dataloader.Config{
		BatchSize:    cfg.BatchSize,
		ImageSize:    cfg.ImageSize,
		NumWorkers:   cfg.NumWorkers,
		CacheManager: cfg.Cache,
	})

	fmt.Fprintf(e.out, "%20s%10s%10s%10s%10s%10s%10s\n", "Class", "Images", "Targets", "P", "R", "mAP", "F1")
	bar := pb.ProgressBarTemplate(`{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }}`).New(loader.Len())
	bar.SetWriter(e.out)
	bar.Set("prefix", "Computing mAP ")
	bar.Start()
	defer bar.Finish()

	var (
		tp        []bool
		conf      []float64
		predCls   []int
		targetCls []int
		lossSum   float64
		seen      int
		batches   int
	)
	for batchIndex := 0; ; batchIndex++ {
		if err := ctx.Err(); err != nil {
			return Results{}, err
		}
		batch, err := loader.NextBatch(ctx)
		if err != nil {
			return Results{}, err
		}
		if batch == nil {
			break
		}
		if batchIndex == 0 && cfg.Dir != "" {
			path := filepath.Join(cfg.Dir, "test_batch0.jpg")
			if _, err := os.Stat(path); os.IsNotExist(err) {
				if err := plots.Images(path, batch.Images, batch.Targets, cfg.Names); err != nil {
					e.logger.Warnf("plot test batch: %v", err)
				}
			}
		}

		raw, inf, err := m.Forward(batch.Images, false)
		if err != nil {
			return Results{}, errors.Wrap(err, "forward")
		}
		l, err := loss.Compute(raw, batch.Targets, m, g)
		if err != nil {
			return Results{}, errors.Wrap(err, "test loss")
		}
		lossSum += l.Total
		batches++

		size := float64(batch.Images.Shape[2])
		dets := NonMaxSuppression(inf, cfg.ConfThres, cfg.NMSThres)
		for img, pred := range dets {
			seen++
			var labels []dataset.Target
			for _, t := range batch.Targets {
				if t.Image == img {
					labels = append(labels, t)
					targetCls = append(targetCls, t.Class)
				}
			}
			tp = append(tp, MatchDetections(pred, labels, size, cfg.IoUThres)...)
			for _, d := range pred {
				conf = append(conf, d.Conf)
				predCls = append(predCls, d.Class)
			}
		}
		bar.Increment()
	}

	metrics := APPerClass(tp, conf, predCls, targetCls)
	res := Results{ClassAP: make([]float64, nc)}
	if batches > 0 {
		res.Loss = lossSum / float64(batches)
	}
	if len(metrics.Classes) > 0 {
		res.Precision = stat.Mean(metrics.Precision, nil)
		res.Recall = stat.Mean(metrics.Recall, nil)
		res.MAP = stat.Mean(metrics.AP, nil)
		res.F1 = stat.Mean(metrics.F1, nil)
	}

	nt := make([]int, nc)
	for _, c := range targetCls {
		if c < nc {
			nt[c]++
		}
	}
	row := "%20s%10d%10d%10.3g%10.3g%10.3g%10.3g\n"
	fmt.Fprintf(e.out, row, "all", seen, len(targetCls), res.Precision, res.Recall, res.MAP, res.F1)

	for i := range res.ClassAP {
		res.ClassAP[i] = res.MAP
	}
	focus := FocusIndex(cfg.Names, cfg.FocusClass)
	var summary []string
	for i, c := range metrics.Classes {
		name := className(cfg.Names, c)
		if nc > 1 {
			fmt.Fprintf(e.out, row, name, seen, nt[c], metrics.Precision[i], metrics.Recall[i], metrics.AP[i], metrics.F1[i])
		}
		if c < nc {
			res.ClassAP[c] = metrics.AP[i]
		}
		if c == focus {
			res.BirdMAP = metrics.AP[i]
		}
		summary = append(summary, fmt.Sprintf("%s %.3g", name, metrics.AP[i]))
	}
	res.Summary = strings.Join(summary, " ")
	return res, nil
}

// MatchDetections flags each detection as a true positive when it overlaps
// an unmatched target of its class with IoU above iouThres. Targets are
// normalized and scaled to size pixels. Detections must be sorted by
// confidence.
func MatchDetections(pred []Detection, labels []dataset.Target, size, iouThres float64) []bool {
	correct := make([]bool, len(pred))
	if len(labels) == 0 {
		return correct
	}
	boxes := make([]Box, len(labels))
	for i, t := range labels {
		boxes[i] = XYWH2XYXY(t.X*size, t.Y*size, t.W*size, t.H*size)
	}
	detected := make([]bool, len(labels))
	nDetected := 0
	for i, d := range pred {
		if nDetected == len(labels) {
			break
		}
		best, bestIoU := -1, 0.0
		for j, t := range labels {
			if t.Class != d.Class {
				continue
			}
			if iou := IoU(d.Box(), boxes[j]); best < 0 || iou > bestIoU {
				best, bestIoU = j, iou
			}
		}
		if best >= 0 && bestIoU > iouThres && !detected[best] {
			correct[i] = true
			detected[best] = true
			nDetected++
		}
	}
	return correct
}

func className(names []string, c int) string {
	if c < len(names) {
		return names[c]
	}
	return fmt.Sprint(c)
}
