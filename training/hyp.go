package training

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-yolo/loss"
)

// HyperparameterKeys is the fixed order of the hyperparameters, used by
// mutation and by evolve.txt.
var HyperparameterKeys = []string{"xy", "wh", "cls", "conf", "iou_t", "lr0", "lrf", "momentum", "weight_decay"}

// Hyperparameters are the tunable knobs of a training run. It is a value
// type: assignment copies it.
type Hyperparameters struct {
	XY          float64 `yaml:"xy"`           // xy loss gain
	WH          float64 `yaml:"wh"`           // wh loss gain
	Cls         float64 `yaml:"cls"`          // cls loss gain
	Conf        float64 `yaml:"conf"`         // conf loss gain
	IoUT        float64 `yaml:"iou_t"`        // iou target-anchor training threshold
	LR0         float64 `yaml:"lr0"`          // initial learning rate
	LRF         float64 `yaml:"lrf"`          // final learning rate = lr0 * (10 ** lrf)
	Momentum    float64 `yaml:"momentum"`     // SGD momentum
	WeightDecay float64 `yaml:"weight_decay"` // optimizer weight decay
}

// DefaultHyperparameters returns the standard training hyperparameters.
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		XY:          0.5,
		WH:          0.0625,
		Cls:         0.0625,
		Conf:        4,
		IoUT:        0.1,
		LR0:         0.0001,
		LRF:         -5,
		Momentum:    0.9,
		WeightDecay: 0.0005,
	}
}

func (h *Hyperparameters) fields() []*float64 {
	return []*float64{&h.XY, &h.WH, &h.Cls, &h.Conf, &h.IoUT, &h.LR0, &h.LRF, &h.Momentum, &h.WeightDecay}
}

// Values returns the hyperparameters in HyperparameterKeys order.
func (h Hyperparameters) Values() []float64 {
	out := make([]float64, 0, len(HyperparameterKeys))
	for _, f := range h.fields() {
		out = append(out, *f)
	}
	return out
}

// SetValues assigns values in HyperparameterKeys order.
func (h *Hyperparameters) SetValues(values []float64) error {
	fields := h.fields()
	if len(values) != len(fields) {
		return errors.Errorf("expected %d hyperparameters, got %d", len(fields), len(values))
	}
	for i, f := range fields {
		*f = values[i]
	}
	return nil
}

func (h Hyperparameters) Get(key string) (float64, bool) {
	for i, k := range HyperparameterKeys {
		if k == key {
			return *h.fields()[i], true
		}
	}
	return 0, false
}

func (h *Hyperparameters) Set(key string, v float64) error {
	for i, k := range HyperparameterKeys {
		if k == key {
			*h.fields()[i] = v
			return nil
		}
	}
	return errors.Errorf("unknown hyperparameter %q", key)
}

// Gains returns the loss gains and target threshold.
func (h Hyperparameters) Gains() loss.Gains {
	return loss.Gains{XY: h.XY, WH: h.WH, Cls: h.Cls, Conf: h.Conf, IoUT: h.IoUT}
}

// LoadHyperparameters reads a YAML file over the defaults. Unknown keys are
// an error.
func LoadHyperparameters(path string) (Hyperparameters, error) {
	h := DefaultHyperparameters()
	data, err := os.ReadFile(path)
	if err != nil {
		return h, errors.Wrap(err, "read hyperparameters")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&h); err != nil && err != io.EOF {
		return h, errors.Wrapf(err, "parse %s", path)
	}
	return h, nil
}

// Save writes h as YAML.
func (h Hyperparameters) Save(path string) error {
	data, err := yaml.Marshal(h)
	if err != nil {
		return errors.Wrap(err, "encode hyperparameters")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "write hyperparameters")
}
