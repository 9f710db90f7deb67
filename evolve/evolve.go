// Package evolve searches hyperparameters by repeated mutation and full
// retraining, keeping a mutation only when it raises validation mAP.
package evolve

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"

	"github.com/tsawler/go-yolo/evaluate"
	"github.com/tsawler/go-yolo/training"
)

const (
	// DefaultGenerations is the number of mutations tried per run.
	DefaultGenerations = 50

	// LogFile receives one line per training run: results then values.
	LogFile     = "evolve.txt"
	// EvolvedFile holds the best hyperparameters found.
	EvolvedFile = "hyp_evolved.yaml"
)

// Sigmas are the relative mutation scales, in training.HyperparameterKeys
// order.
var Sigmas = []float64{.2, .2, .2, .2, .3, .2, .2, .03, .3}

// Limit bounds one hyperparameter after mutation.
type Limit struct {
	Key      string
	Min, Max float64
}

// Limits are the bounds applied by Clip.
var Limits = []Limit{
	{"iou_t", 0, 0.9},
	{"momentum", 0.75, 0.95},
	{"weight_decay", 0, 0.01},
}

// TrainFunc runs one complete training with hyp.
type TrainFunc func(ctx context.Context, hyp training.Hyperparameters) (evaluate.Results, error)

// Mutate multiplies every value by (N(0,1)*sigma + 1)^1.1. A non-positive
// base is redrawn so the power stays real.
func Mutate(h training.Hyperparameters, rng *rand.Rand) training.Hyperparameters {
	values := h.Values()
	for i := range values {
		base := rng.NormFloat64()*Sigmas[i] + 1
		for base <= 0 {
			base = rng.NormFloat64()*Sigmas[i] + 1
		}
		values[i] *= math.Pow(base, 1.1)
	}
	_ = h.SetValues(values)
	return h
}

// Clip bounds the keys named in Limits.
func Clip(h training.Hyperparameters) training.Hyperparameters {
	for _, l := range Limits {
		v, _ := h.Get(l.Key)
		_ = h.Set(l.Key, max(l.Min, min(l.Max, v)))
	}
	return h
}

// Fitness is the quantity evolution maximizes.
func Fitness(r evaluate.Results) float64 {
	return r.MAP
}

// Evolver drives the generations. Only Train is required.
type Evolver struct {
	Generations int
	Train       TrainFunc
	Dir         string
	Logger      *log.Logger
	Out         io.Writer
	rng         *rand.Rand
}

// New creates an evolver writing to dir with mutations drawn from seed.
func New(train TrainFunc, dir string, seed int64, logger *log.Logger, out io.Writer) *Evolver {
	return &Evolver{
		Generations: DefaultGenerations,
		Train:       train,
		Dir:         dir,
		Logger:      logger,
		Out:         out,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Run trains with hyp, then tries Generations mutations of the best record.
// Every run is appended to evolve.txt and the best record is written to
// hyp_evolved.yaml.
func (e *Evolver) Run(ctx context.Context, hyp training.Hyperparameters) (training.Hyperparameters, float64, error) {
	results, err := e.Train(ctx, hyp)
	if err != nil {
		return hyp, 0, err
	}
	best := Fitness(results)
	if err := e.record(hyp, results); err != nil {
		return hyp, best, err
	}

	for gen := 0; gen < e.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return hyp, best, err
		}
		candidate := Clip(Mutate(hyp, e.rng))
		results, err := e.Train(ctx, candidate)
		if err != nil {
			return hyp, best, errors.Wrapf(err, "generation %d", gen)
		}
		if err := e.record(candidate, results); err != nil {
			return hyp, best, err
		}
		if f := Fitness(results); f > best {
			fmt.Fprintln(e.Out, "Fitness improved!")
			best, hyp = f, candidate
		} else if e.Logger != nil {
			e.Logger.Debugf("generation %d: fitness %.4g not above %.4g, reverting", gen, f, best)
		}
	}

	return hyp, best, hyp.Save(filepath.Join(e.Dir, EvolvedFile))
}

func (e *Evolver) record(hyp training.Hyperparameters, r evaluate.Results) error {
	keys, values, fitness := FormatMutation(hyp, r)
	fmt.Fprintf(e.Out, "\n%s\n%s\nEvolved fitness: %s\n\n", keys, values, fitness)
	return training.AppendLine(filepath.Join(e.Dir, LogFile), fitness+values)
}

// FormatMutation returns the key header, the hyperparameter values and the
// result columns of one evolve.txt record.
func FormatMutation(hyp training.Hyperparameters, r evaluate.Results) (keys, values, results string) {
	var k, v, c strings.Builder
	for _, key := range training.HyperparameterKeys {
		fmt.Fprintf(&k, "%11s", key)
	}
	for _, x := range hyp.Values() {
		fmt.Fprintf(&v, "%11.4g", x)
	}
	for _, x := range r.Values() {
		fmt.Fprintf(&c, "%11.3g", x)
	}
	return k.String(), v.String(), c.String()
}

// ReadLog parses evolve.txt into rows of results followed by
// hyperparameter values.
func ReadLog(path string) ([][]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read evolution log")
	}
	var rows [][]float64
	for n, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for i, f := range fields {
			if row[i], err = strconv.ParseFloat(f, 64); err != nil {
				return nil, errors.Wrapf(err, "%s:%d", path, n+1)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
