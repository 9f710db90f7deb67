package optimizer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-yolo/checkpoints"
	"github.com/tsawler/go-yolo/layers"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD is stochastic gradient descent with momentum and L2 weight decay:
//
//	d = g + weight_decay*p
//	buf = momentum*buf + d   (buf = d on the first step)
//	p = p - lr*buf
//
// Parameters with RequiresGrad false are left untouched.
type SGD struct {
	config          SGDConfig
	params          []*layers.Param
	momentumBuffers [][]float32
	stepCount       uint64
}

// NewSGD creates an optimizer over params. Buffers (batch-norm running
// statistics) must not be passed.
func NewSGD(config SGDConfig, params []*layers.Param) (*SGD, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a momentum")
	}
	for _, p := range params {
		if p.Buffer {
			return nil, fmt.Errorf("%s is a buffer, not a parameter", p.Name)
		}
	}
	return &SGD{
		config:          config,
		params:          params,
		momentumBuffers: make([][]float32, len(params)),
	}, nil
}

func (sgd *SGD) Step() error {
	lr := float32(sgd.config.LearningRate)
	m := float32(sgd.config.Momentum)
	wd := float32(sgd.config.WeightDecay)

	for i, p := range sgd.params {
		if !p.RequiresGrad {
			continue
		}
		w, g := p.Value.Data, p.Grad.Data
		if len(w) != len(g) {
			return errors.Errorf("%s: gradient has %d elements, parameter %d", p.Name, len(g), len(w))
		}

		if m == 0 {
			for j := range w {
				w[j] -= lr * (g[j] + wd*w[j])
			}
			continue
		}

		buf := sgd.momentumBuffers[i]
		first := buf == nil
		if first {
			buf = make([]float32, len(w))
			sgd.momentumBuffers[i] = buf
		}
		for j := range w {
			d := g[j] + wd*w[j]
			if first {
				buf[j] = d
			} else {
				buf[j] = m*buf[j] + d
			}
			if sgd.config.Nesterov {
				d += m * buf[j]
			} else {
				d = buf[j]
			}
			w[j] -= lr * d
		}
	}
	sgd.stepCount++
	return nil
}

func (sgd *SGD) ZeroGrad() {
	for _, p := range sgd.params {
		p.Grad.Zero()
	}
}

func (sgd *SGD) LearningRate() float64 {
	return sgd.config.LearningRate
}

// SetLearningRate updates the learning rate used by subsequent steps
func (sgd *SGD) SetLearningRate(lr float64) {
	sgd.config.LearningRate = lr
}

func (sgd *SGD) GetStepCount() uint64 {
	return sgd.stepCount
}

// GetState extracts optimizer state for checkpointing. Only momentum
// buffers that have been initialized are included.
func (sgd *SGD) GetState() *checkpoints.OptimizerState {
	stateData := make([]checkpoints.OptimizerTensor, 0)
	for i, buf := range sgd.momentumBuffers {
		if buf == nil {
			continue
		}
		stateData = append(stateData, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("momentum_%d", i),
			Shape:     append([]int(nil), sgd.params[i].Value.Shape...),
			Data:      append([]float32(nil), buf...),
			StateType: "momentum",
		})
	}

	nesterov := 0.0
	if sgd.config.Nesterov {
		nesterov = 1
	}
	return &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": sgd.config.LearningRate,
			"momentum":      sgd.config.Momentum,
			"weight_decay":  sgd.config.WeightDecay,
			"nesterov":      nesterov,
		},
		StepCount: sgd.stepCount,
		StateData: stateData,
	}
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	buffers := make([][]float32, len(sgd.params))
	for _, tensor := range state.StateData {
		if tensor.StateType != "momentum" {
			continue
		}
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(sgd.params) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		if want := sgd.params[idx].Value.Numel(); len(tensor.Data) != want {
			return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
				tensor.Name, want, len(tensor.Data))
		}
		buffers[idx] = append([]float32(nil), tensor.Data...)
	}

	sgd.config.LearningRate = extractParam(state.Parameters, "learning_rate", sgd.config.LearningRate)
	sgd.config.Momentum = extractParam(state.Parameters, "momentum", sgd.config.Momentum)
	sgd.config.WeightDecay = extractParam(state.Parameters, "weight_decay", sgd.config.WeightDecay)
	sgd.config.Nesterov = extractParam(state.Parameters, "nesterov", 0) != 0
	sgd.stepCount = state.StepCount
	sgd.momentumBuffers = buffers
	return nil
}
