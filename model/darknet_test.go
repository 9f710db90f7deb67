package model

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-yolo/layers"
	"github.com/tsawler/go-yolo/tensor"
)

var tinyCfg = filepath.Join("..", "testdata", "tiny.cfg")

func newTiny(t *testing.T) *Darknet {
	t.Helper()
	m, err := Load(tinyCfg, 64, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Failed to build model: %v", err)
	}
	return m
}

func randomImages(rng *rand.Rand, b, size int) *tensor.Tensor {
	x := tensor.Zeros(b, 3, size, size)
	for i := range x.Data {
		x.Data[i] = rng.Float32()
	}
	return x
}

func TestBuildTinyModel(t *testing.T) {
	m := newTiny(t)
	if len(m.Layers) != 13 {
		t.Fatalf("Expected 13 modules, got %d", len(m.Layers))
	}
	if !reflect.DeepEqual(m.YOLOLayers, []int{7, 12}) {
		t.Errorf("Expected yolo layers [7 12], got %v", m.YOLOLayers)
	}
	if m.HeadFilters() != 21 {
		t.Errorf("Expected head filters 21, got %d", m.HeadFilters())
	}
	if m.NumClasses() != 2 {
		t.Errorf("Expected 2 classes, got %d", m.NumClasses())
	}
	if got := m.Layers[10].OutChannels(); got != 24 {
		t.Errorf("Expected route to concatenate 24 channels, got %d", got)
	}
	if a := m.YOLO(0).Anchors; !reflect.DeepEqual(a, [][2]float64{{81, 82}, {135, 169}, {344, 319}}) {
		t.Errorf("Unexpected masked anchors %v", a)
	}
	if m.Layers[0].Type() != layers.Convolutional || m.Layers[4].Type() != layers.Shortcut {
		t.Errorf("Unexpected layer types")
	}
}

func TestForwardShapes(t *testing.T) {
	m := newTiny(t)
	x := randomImages(rand.New(rand.NewSource(2)), 2, 64)

	raw, inf, err := m.Forward(x, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if inf != nil {
		t.Errorf("Expected no inference output in train mode")
	}
	if !reflect.DeepEqual(raw[0].Shape, []int{2, 3, 16, 16, 7}) || !reflect.DeepEqual(raw[1].Shape, []int{2, 3, 32, 32, 7}) {
		t.Errorf("Unexpected train output shapes %v %v", raw[0].Shape, raw[1].Shape)
	}

	_, inf, err = m.Forward(x, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !reflect.DeepEqual(inf.Shape, []int{2, 3*16*16 + 3*32*32, 7}) {
		t.Errorf("Unexpected inference shape %v", inf.Shape)
	}
}

func TestBackwardReachesFirstLayer(t *testing.T) {
	m := newTiny(t)
	x := randomImages(rand.New(rand.NewSource(3)), 2, 64)
	raw, _, err := m.Forward(x, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	grads := make([]*tensor.Tensor, len(raw))
	for i, r := range raw {
		grads[i] = tensor.Zeros(r.Shape...)
		grads[i].Fill(0.01)
	}
	if err := m.Backward(grads); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	first := m.Layers[0].(*layers.Conv2D).Weight.Grad
	nonzero := false
	for _, v := range first.Data {
		if v != 0 {
			nonzero = true
			break
		}
	}
	if !nonzero {
		t.Errorf("Expected gradient to reach the first convolution")
	}

	m.ZeroGrad()
	for _, v := range first.Data {
		if v != 0 {
			t.Fatalf("Expected ZeroGrad to clear gradients")
		}
	}

	if err := m.Backward(grads[:1]); err == nil {
		t.Errorf("Expected error for wrong number of output gradients")
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	src := newTiny(t)
	dst, err := Load(tinyCfg, 64, rand.New(rand.NewSource(99)))
	if err != nil {
		t.Fatalf("Failed to build model: %v", err)
	}
	n, err := dst.LoadStateDict(src.StateDict(), true)
	if err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	if n != len(src.NamedParameters()) {
		t.Errorf("Expected %d tensors loaded, got %d", len(src.NamedParameters()), n)
	}
	if !reflect.DeepEqual(dst.StateDict(), src.StateDict()) {
		t.Errorf("Expected identical state after load")
	}
}

func TestLoadStateDictShapeMismatch(t *testing.T) {
	m := newTiny(t)
	state := m.StateDict()
	state[0].Shape = []int{1, 2, 3}
	state[0].Data = make([]float32, 6)
	if _, err := m.LoadStateDict(state, false); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
}

func TestLoadStateDictStrictness(t *testing.T) {
	m := newTiny(t)
	state := m.StateDict()
	if _, err := m.LoadStateDict(state[1:], true); err == nil {
		t.Errorf("Expected missing key error in strict mode")
	}
	if n, err := m.LoadStateDict(state[1:], false); err != nil || n != len(state)-1 {
		t.Errorf("Expected %d loaded without error, got %d (%v)", len(state)-1, n, err)
	}
}

func TestTransferFilterAndTrainable(t *testing.T) {
	m := newTiny(t)
	state := m.StateDict()
	kept := TransferFilter(state, m.HeadFilters())
	for _, w := range kept {
		if w.Shape[0] == 21 || w.Numel() <= 1 {
			t.Errorf("Expected %s to be filtered out", w.Name)
		}
	}
	if len(kept) == 0 || len(kept) >= len(state) {
		t.Errorf("Expected a strict non-empty subset, got %d of %d", len(kept), len(state))
	}

	m.SetTrainableByFilters(m.HeadFilters())
	for _, p := range m.Parameters() {
		if p.RequiresGrad != (p.Value.Shape[0] == 21) {
			t.Errorf("%s: unexpected RequiresGrad %v", p.Name, p.RequiresGrad)
		}
	}
}

func TestFreezeBelow(t *testing.T) {
	m := newTiny(t)
	m.FreezeBelow(3, true)
	for _, p := range m.Parameters() {
		frozen := strings.HasPrefix(p.Name, "module_list.0.") || strings.HasPrefix(p.Name, "module_list.2.")
		if p.RequiresGrad == frozen {
			t.Errorf("%s: expected RequiresGrad %v", p.Name, !frozen)
		}
	}
	m.FreezeBelow(3, false)
	for _, p := range m.Parameters() {
		if !p.RequiresGrad {
			t.Errorf("%s: expected unfrozen", p.Name)
		}
	}
}

func TestLoadDarknetWeights(t *testing.T) {
	m := newTiny(t)
	conv0 := m.Layers[0].(*layers.Conv2D)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, []int32{0, 2, 5})
	binary.Write(&buf, binary.LittleEndian, int64(1234))
	// bn bias, weight, mean, var for 8 filters then 8*3*3*3 conv weights
	var values []float32
	for i := 0; i < 4*8+8*27; i++ {
		values = append(values, float32(i))
	}
	binary.Write(&buf, binary.LittleEndian, values)

	path := filepath.Join(t.TempDir(), "backbone.weights")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("Failed to write weights: %v", err)
	}

	header, cutoff, err := m.LoadDarknetWeights(path, 1)
	if err != nil {
		t.Fatalf("LoadDarknetWeights failed: %v", err)
	}
	if cutoff != 1 || header.Seen != 1234 || header.Minor != 2 {
		t.Errorf("Unexpected header %+v cutoff %d", header, cutoff)
	}
	if conv0.Beta.Value.Data[0] != 0 || conv0.Gamma.Value.Data[0] != 8 || conv0.RunningVar.Value.Data[7] != 31 {
		t.Errorf("Batch-norm parameters were not read in darknet order")
	}
	if conv0.Weight.Value.Data[0] != 32 {
		t.Errorf("Expected first conv weight 32, got %f", conv0.Weight.Value.Data[0])
	}

	if _, _, err := m.LoadDarknetWeights(path, 3); err == nil {
		t.Errorf("Expected error when the file is shorter than the requested modules")
	}
}

func TestBackboneFile(t *testing.T) {
	if BackboneFile("cfg/yolov3-tiny.cfg") != "yolov3-tiny.conv.15" {
		t.Errorf("Expected tiny backbone")
	}
	if BackboneFile("cfg/yolov3-spp.cfg") != "darknet53.conv.74" {
		t.Errorf("Expected darknet53 backbone")
	}
}

func TestInfo(t *testing.T) {
	m := newTiny(t)
	var buf bytes.Buffer
	m.Info(&buf, true)
	out := buf.String()
	if !strings.Contains(out, "Model Summary:") || !strings.Contains(out, "module_list.0.Conv2d.weight") {
		t.Errorf("Unexpected model info output:\n%s", out)
	}
}
