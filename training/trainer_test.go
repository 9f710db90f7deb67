package training

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/labstack/gommon/log"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-yolo/checkpoints"
	"github.com/tsawler/go-yolo/vision/dataset"
)

var tinyCfg = filepath.Join("..", "testdata", "tiny.cfg")

// writeData creates n labelled 64x64 images and a data config pointing at
// them for both training and validation.
func writeData(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	list := ""
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, "images", fmt.Sprintf("%d.png", i))
		os.MkdirAll(filepath.Dir(path), 0o755)
		img := image.NewRGBA(image.Rect(0, 0, 64, 64))
		for p := range img.Pix {
			img.Pix[p] = uint8(p*(i+3)) | 0x0f
		}
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		png.Encode(f, img)
		f.Close()
		label := dataset.LabelPath(path)
		os.MkdirAll(filepath.Dir(label), 0o755)
		os.WriteFile(label, []byte(fmt.Sprintf("%d 0.5 0.5 0.3 0.4\n", i%2)), 0o644)
		list += path + "\n"
	}
	listPath := filepath.Join(dir, "train.txt")
	os.WriteFile(listPath, []byte(list), 0o644)
	names := filepath.Join(dir, "names.txt")
	os.WriteFile(names, []byte("cat\nbird\n"), 0o644)

	data := filepath.Join(dir, "tiny.data")
	content := fmt.Sprintf("classes=2\ntrain=%s\nvalid=%s\nnames=%s\n", listPath, listPath, names)
	if err := os.WriteFile(data, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return data
}

func testOptions(t *testing.T, data string) Options {
	opts := DefaultOptions()
	opts.Cfg = tinyCfg
	opts.DataCfg = data
	opts.Epochs = 2
	opts.BatchSize = 2
	opts.ImgSize = 64
	opts.NumWorkers = 2
	opts.WeightsDir = filepath.Join(t.TempDir(), "weights")
	opts.Dir = t.TempDir()
	opts.Seed = 1
	return opts
}

func quietLogger(buf *bytes.Buffer) *log.Logger {
	logger := log.New("train")
	logger.SetOutput(buf)
	return logger
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return strings.Count(string(data), "\n")
}

func TestTrainAndResume(t *testing.T) {
	opts := testOptions(t, writeData(t, 4))
	var logs, out bytes.Buffer

	res, err := NewTrainer(opts, quietLogger(&logs), &out).Train(context.Background(), DefaultHyperparameters())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if len(res.ClassAP) != 2 || !(res.Loss > 0) {
		t.Errorf("Unexpected results %+v", res)
	}
	if !strings.Contains(logs.String(), "starting from random weights") {
		t.Errorf("Expected a missing backbone warning, got:\n%s", logs.String())
	}
	if !strings.Contains(out.String(), "2 epochs completed") {
		t.Errorf("Expected completion message, got:\n%s", out.String())
	}
	results := filepath.Join(opts.Dir, "results.txt")
	if n := countLines(t, results); n != 2 {
		t.Errorf("Expected 2 result lines, got %d", n)
	}
	for _, name := range []string{"train_batch0.jpg", "test_batch0.jpg", "results.png"} {
		if _, err := os.Stat(filepath.Join(opts.Dir, name)); err != nil {
			t.Errorf("Expected %s: %v", name, err)
		}
	}

	manager, _ := checkpoints.NewManager(opts.WeightsDir, opts.Format)
	ck, err := manager.Load(manager.Latest())
	if err != nil {
		t.Fatalf("Failed to load latest: %v", err)
	}
	if ck.TrainingState.Epoch != 1 || ck.OptimizerState == nil {
		t.Errorf("Expected epoch 1 with optimizer state, got %+v", ck.TrainingState)
	}
	if _, err := os.Stat(manager.Best()); err != nil {
		t.Errorf("Expected best.pt: %v", err)
	}

	opts.Resume = true
	opts.Epochs = 3
	out.Reset()
	if _, err := NewTrainer(opts, quietLogger(&logs), &out).Train(context.Background(), DefaultHyperparameters()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if !strings.Contains(out.String(), "1 epochs completed") {
		t.Errorf("Expected one resumed epoch, got:\n%s", out.String())
	}
	if n := countLines(t, results); n != 3 {
		t.Errorf("Expected 3 result lines after resume, got %d", n)
	}
	ck, _ = manager.Load(manager.Latest())
	if ck.TrainingState.Epoch != 2 {
		t.Errorf("Expected latest epoch 2, got %d", ck.TrainingState.Epoch)
	}
}

func TestTrainNoSaveNoTest(t *testing.T) {
	opts := testOptions(t, writeData(t, 2))
	opts.NoSave = true
	opts.NoTest = true
	opts.Epochs = 1
	var logs, out bytes.Buffer

	if _, err := NewTrainer(opts, quietLogger(&logs), &out).Train(context.Background(), DefaultHyperparameters()); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	// the final epoch always tests and saves
	if _, err := os.Stat(filepath.Join(opts.WeightsDir, checkpoints.LatestFile)); err != nil {
		t.Errorf("Expected latest.pt on the final epoch: %v", err)
	}
	if _, err := os.Stat(filepath.Join(opts.Dir, "test_batch0.jpg")); err != nil {
		t.Errorf("Expected a final evaluation: %v", err)
	}
}

func TestTrainStopsOnNonFiniteLoss(t *testing.T) {
	opts := testOptions(t, writeData(t, 2))
	hyp := DefaultHyperparameters()
	hyp.Conf = math.NaN()
	var logs, out bytes.Buffer

	res, err := NewTrainer(opts, quietLogger(&logs), &out).Train(context.Background(), hyp)
	if err != nil {
		t.Fatalf("Expected graceful stop, got %v", err)
	}
	if !strings.Contains(logs.String(), "non-finite loss") {
		t.Errorf("Expected a warning, got:\n%s", logs.String())
	}
	if res.MAP != 0 || len(res.ClassAP) != 2 {
		t.Errorf("Expected zero results, got %+v", res)
	}
	if _, err := os.Stat(filepath.Join(opts.Dir, "results.txt")); !os.IsNotExist(err) {
		t.Errorf("Expected no results.txt, got %v", err)
	}
}

func TestTransferTrainsHeadsOnly(t *testing.T) {
	opts := testOptions(t, writeData(t, 2))
	opts.Epochs = 1
	opts.NoTest = true
	var logs, out bytes.Buffer
	if _, err := NewTrainer(opts, quietLogger(&logs), &out).Train(context.Background(), DefaultHyperparameters()); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	manager, _ := checkpoints.NewManager(opts.WeightsDir, opts.Format)
	src, err := manager.Load(manager.Latest())
	if err != nil {
		t.Fatal(err)
	}
	src.TrainingState.Epoch = 0
	if _, err := manager.Save(src, checkpoints.SaveDecision{}); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(manager.Latest(), manager.Transfer()); err != nil {
		t.Fatal(err)
	}

	opts.Transfer = true
	opts.Epochs = 2
	if _, err := NewTrainer(opts, quietLogger(&logs), &out).Train(context.Background(), DefaultHyperparameters()); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	dst, err := manager.Load(manager.Latest())
	if err != nil {
		t.Fatal(err)
	}
	if dst.TrainingState.Epoch != 1 {
		t.Errorf("Expected transfer to continue at epoch 1, got %d", dst.TrainingState.Epoch)
	}

	before := map[string]checkpoints.WeightTensor{}
	for _, w := range src.Weights {
		before[w.Name] = w
	}
	checked := 0
	for _, w := range dst.Weights {
		if w.Name != "module_list.0.Conv2d.weight" {
			continue
		}
		checked++
		if !reflect.DeepEqual(w.Data, before[w.Name].Data) {
			t.Errorf("Expected backbone convolution to stay frozen")
		}
	}
	if checked != 1 {
		t.Errorf("Expected to find the first convolution weight")
	}
}

func TestTrainLocalGroup(t *testing.T) {
	opts := testOptions(t, writeData(t, 4))
	opts.Epochs = 1
	group := NewLocalGroup(2)

	logs := make([]bytes.Buffer, 2)
	outs := make([]bytes.Buffer, 2)
	g, ctx := errgroup.WithContext(context.Background())
	for rank := 0; rank < 2; rank++ {
		o := opts
		o.Sync = group.Member(rank)
		trainer := NewTrainer(o, quietLogger(&logs[rank]), &outs[rank])
		g.Go(func() error {
			_, err := trainer.Train(ctx, DefaultHyperparameters())
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Distributed training failed: %v", err)
	}
	if n := countLines(t, filepath.Join(opts.Dir, "results.txt")); n != 1 {
		t.Errorf("Expected only rank 0 to write results, got %d lines", n)
	}
	if strings.Contains(outs[1].String(), "0/0") {
		t.Errorf("Expected rank 1 to stay quiet, got:\n%s", outs[1].String())
	}
}

func TestTrainLocalGroupPeerNonFinite(t *testing.T) {
	opts := testOptions(t, writeData(t, 4))
	opts.Epochs = 1
	group := NewLocalGroup(2)

	logs := make([]bytes.Buffer, 2)
	outs := make([]bytes.Buffer, 2)
	g, ctx := errgroup.WithContext(context.Background())
	for rank := 0; rank < 2; rank++ {
		o := opts
		o.Sync = group.Member(rank)
		hyp := DefaultHyperparameters()
		if rank == 1 {
			hyp.Conf = math.NaN()
		}
		trainer := NewTrainer(o, quietLogger(&logs[rank]), &outs[rank])
		g.Go(func() error {
			_, err := trainer.Train(ctx, hyp)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Expected every rank to stop gracefully, got %v", err)
	}
	if !strings.Contains(logs[1].String(), "non-finite loss detected") {
		t.Errorf("Expected rank 1 to report its loss, got:\n%s", logs[1].String())
	}
	if !strings.Contains(logs[0].String(), "peer rank") {
		t.Errorf("Expected rank 0 to report the stopped peer, got:\n%s", logs[0].String())
	}
}

func TestTrainImageSize(t *testing.T) {
	tests := []struct {
		name       string
		imgSize    int
		multiScale bool
		want       int
	}{
		{"fixed", 416, false, 416},
		{"multi-scale starts at the largest size", 416, true, 608},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Options{ImgSize: tt.imgSize, MultiScale: tt.multiScale}
			if got := o.TrainImageSize(); got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestTrainCancelled(t *testing.T) {
	opts := testOptions(t, writeData(t, 2))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var logs, out bytes.Buffer
	if _, err := NewTrainer(opts, quietLogger(&logs), &out).Train(ctx, DefaultHyperparameters()); err == nil {
		t.Errorf("Expected error for a cancelled context")
	}
}

func TestTrainSetupErrors(t *testing.T) {
	data := writeData(t, 2)
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"missing data config", func(o *Options) { o.DataCfg = "missing.data" }},
		{"missing model config", func(o *Options) { o.Cfg = "missing.cfg" }},
		{"resume without checkpoint", func(o *Options) { o.Resume = true }},
	}
	for _, test := range tests {
		opts := testOptions(t, data)
		test.mutate(&opts)
		var logs, out bytes.Buffer
		if _, err := NewTrainer(opts, quietLogger(&logs), &out).Train(context.Background(), DefaultHyperparameters()); err == nil {
			t.Errorf("%s: expected error", test.name)
		}
	}
}
