package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/go-yolo/checkpoints"
	"github.com/tsawler/go-yolo/layers"
	"github.com/tsawler/go-yolo/tensor"
)

func newParam(name string, values, grads []float32) *layers.Param {
	v, _ := tensor.FromData(values, len(values))
	g, _ := tensor.FromData(grads, len(grads))
	return &layers.Param{Name: name, Value: v, Grad: g, RequiresGrad: true}
}

func approxEqual(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-6
}

// TestDefaultSGDConfig tests the default SGD configuration
func TestDefaultSGDConfig(t *testing.T) {
	config := DefaultSGDConfig()
	if config.LearningRate != 0.01 {
		t.Errorf("Expected LearningRate 0.01, got %f", config.LearningRate)
	}
	if config.Momentum != 0 || config.WeightDecay != 0 || config.Nesterov {
		t.Errorf("Expected plain SGD defaults, got %+v", config)
	}
}

func TestNewSGDValidation(t *testing.T) {
	p := []*layers.Param{newParam("w", []float32{1}, []float32{0})}
	tests := []struct {
		name   string
		config SGDConfig
	}{
		{"negative lr", SGDConfig{LearningRate: -1}},
		{"negative momentum", SGDConfig{LearningRate: 0.1, Momentum: -0.1}},
		{"momentum above one", SGDConfig{LearningRate: 0.1, Momentum: 1.5}},
		{"negative weight decay", SGDConfig{LearningRate: 0.1, WeightDecay: -1}},
		{"nesterov without momentum", SGDConfig{LearningRate: 0.1, Nesterov: true}},
	}
	for _, test := range tests {
		if _, err := NewSGD(test.config, p); err == nil {
			t.Errorf("%s: expected error", test.name)
		}
	}
	if _, err := NewSGD(DefaultSGDConfig(), nil); err == nil {
		t.Errorf("Expected error for empty parameter list")
	}
	buf := &layers.Param{Name: "running_mean", Value: tensor.Zeros(1), Buffer: true}
	if _, err := NewSGD(DefaultSGDConfig(), []*layers.Param{buf}); err == nil {
		t.Errorf("Expected error for buffer parameter")
	}
}

func TestSGDMomentumWeightDecay(t *testing.T) {
	p := newParam("w", []float32{1, -2}, []float32{0.5, 0.5})
	sgd, err := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.9, WeightDecay: 0.01}, []*layers.Param{p})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	// step 1: d = 0.5 + 0.01*1 = 0.51, buf = d, w = 1 - 0.051
	sgd.Step()
	if !approxEqual(p.Value.Data[0], 0.949) {
		t.Errorf("Expected 0.949 after first step, got %f", p.Value.Data[0])
	}

	// step 2: d = 0.5 + 0.00949 = 0.50949, buf = 0.9*0.51 + d = 0.96849
	sgd.Step()
	expected := float32(0.949 - 0.1*0.96849)
	if !approxEqual(p.Value.Data[0], expected) {
		t.Errorf("Expected %f after second step, got %f", expected, p.Value.Data[0])
	}
	if sgd.GetStepCount() != 2 {
		t.Errorf("Expected step count 2, got %d", sgd.GetStepCount())
	}
}

func TestSGDSkipsFrozenParameters(t *testing.T) {
	frozen := newParam("frozen", []float32{1}, []float32{1})
	frozen.RequiresGrad = false
	live := newParam("live", []float32{1}, []float32{1})
	sgd, _ := NewSGD(SGDConfig{LearningRate: 0.5}, []*layers.Param{frozen, live})
	sgd.Step()
	if frozen.Value.Data[0] != 1 {
		t.Errorf("Expected frozen parameter to stay 1, got %f", frozen.Value.Data[0])
	}
	if live.Value.Data[0] != 0.5 {
		t.Errorf("Expected live parameter 0.5, got %f", live.Value.Data[0])
	}
}

func TestSGDLearningRateAndZeroGrad(t *testing.T) {
	p := newParam("w", []float32{1}, []float32{3})
	sgd, _ := NewSGD(DefaultSGDConfig(), []*layers.Param{p})
	sgd.SetLearningRate(0.25)
	if sgd.LearningRate() != 0.25 {
		t.Errorf("Expected learning rate 0.25, got %f", sgd.LearningRate())
	}
	sgd.ZeroGrad()
	if p.Grad.Data[0] != 0 {
		t.Errorf("Expected gradient cleared, got %f", p.Grad.Data[0])
	}
}

func TestSGDStateRoundTrip(t *testing.T) {
	build := func() (*SGD, *layers.Param) {
		p := newParam("w", []float32{1, 2, 3}, []float32{0.1, 0.2, 0.3})
		q := newParam("b", []float32{0}, []float32{0})
		q.RequiresGrad = false
		sgd, _ := NewSGD(SGDConfig{LearningRate: 0.01, Momentum: 0.9, WeightDecay: 0.0005}, []*layers.Param{p, q})
		return sgd, p
	}

	a, pa := build()
	a.Step()
	a.Step()
	state := a.GetState()
	if len(state.StateData) != 1 || state.StateData[0].Name != "momentum_0" {
		t.Fatalf("Expected one momentum buffer, got %+v", state.StateData)
	}

	b, pb := build()
	copy(pb.Value.Data, pa.Value.Data)
	if err := b.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if b.GetStepCount() != 2 {
		t.Errorf("Expected step count 2, got %d", b.GetStepCount())
	}

	a.Step()
	b.Step()
	for i := range pa.Value.Data {
		if !approxEqual(pa.Value.Data[i], pb.Value.Data[i]) {
			t.Errorf("Element %d: restored optimizer diverged: %f vs %f", i, pa.Value.Data[i], pb.Value.Data[i])
		}
	}
}

func TestSGDLoadStateErrors(t *testing.T) {
	p := newParam("w", []float32{1, 2}, []float32{0, 0})
	sgd, _ := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.9}, []*layers.Param{p})

	if err := sgd.LoadState(&checkpoints.OptimizerState{Type: "Adam"}); err == nil {
		t.Errorf("Expected type mismatch error")
	}
	bad := &checkpoints.OptimizerState{
		Type:      "SGD",
		StateData: []checkpoints.OptimizerTensor{{Name: "momentum_0", Data: []float32{1}, StateType: "momentum"}},
	}
	if err := sgd.LoadState(bad); err == nil {
		t.Errorf("Expected size mismatch error")
	}
	bad.StateData[0].Name = "momentum_7"
	if err := sgd.LoadState(bad); err == nil {
		t.Errorf("Expected invalid index error")
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := []struct {
		name     string
		expected int
	}{
		{"momentum_0", 0},
		{"momentum_12", 12},
		{"squared_grad_avg_3", 3},
		{"momentum", -1},
		{"momentum_x", -1},
	}
	for _, test := range tests {
		if got := extractBufferIndex(test.name); got != test.expected {
			t.Errorf("extractBufferIndex(%q) = %d, expected %d", test.name, got, test.expected)
		}
	}
}
