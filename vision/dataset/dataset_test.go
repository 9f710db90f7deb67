package dataset

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x * 4), uint8(y * 4), 200, 255})
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestLabelPath(t *testing.T) {
	tests := []struct {
		in, expected string
	}{
		{"data/images/a.jpg", "data/labels/a.txt"},
		{"coco/images/train/b.png", "coco/labels/train/b.txt"},
		{"flat/c.jpeg", "flat/c.txt"},
		{"images/train/images/d.jpg", "labels/train/labels/d.txt"},
	}
	for _, test := range tests {
		if got := LabelPath(test.in); got != test.expected {
			t.Errorf("LabelPath(%q) = %q, expected %q", test.in, got, test.expected)
		}
	}
}

func TestReadLabels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, "0 0.5 0.5 0.2 0.3\n\n1 0.1 0.2 0.3 0.4\n")
	labels, err := ReadLabels(path)
	if err != nil {
		t.Fatalf("ReadLabels failed: %v", err)
	}
	if len(labels) != 2 {
		t.Fatalf("Expected 2 labels, got %d", len(labels))
	}
	if labels[1].Class != 1 || labels[1].H != 0.4 {
		t.Errorf("Unexpected second label %+v", labels[1])
	}

	if labels, err := ReadLabels(filepath.Join(dir, "missing.txt")); err != nil || labels != nil {
		t.Errorf("Expected no labels and no error for a missing file, got %v, %v", labels, err)
	}

	bad := []string{"0 0.5 0.5 0.2\n", "x 0.5 0.5 0.2 0.2\n", "-1 0.5 0.5 0.2 0.2\n", "0 a 0.5 0.2 0.2\n"}
	for _, content := range bad {
		writeFile(t, path, content)
		if _, err := ReadLabels(path); err == nil {
			t.Errorf("Expected error for %q", content)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	img1 := filepath.Join(dir, "images", "1.png")
	img2 := filepath.Join(dir, "images", "2.png")
	writePNG(t, img1, 8, 8)
	writePNG(t, img2, 8, 8)
	writeFile(t, LabelPath(img1), "1 0.5 0.5 0.5 0.5\n")
	list := filepath.Join(dir, "train.txt")
	writeFile(t, list, img1+"\n\n"+img2+"\n")

	ds, err := Load(list)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("Expected 2 images, got %d", ds.Len())
	}
	if len(ds.Labels(0)) != 1 || len(ds.Labels(1)) != 0 {
		t.Errorf("Unexpected label counts %d, %d", len(ds.Labels(0)), len(ds.Labels(1)))
	}
	if ds.Path(1) != img2 {
		t.Errorf("Expected path %s, got %s", img2, ds.Path(1))
	}

	writeFile(t, list, img2+"\n")
	if _, err := Load(list); !errors.Is(err, ErrNoLabels) {
		t.Errorf("Expected ErrNoLabels, got %v", err)
	}
	if _, err := Load(filepath.Join(dir, "nope.txt")); err == nil {
		t.Errorf("Expected error for a missing list file")
	}
}

func TestLetterboxWideImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wide.png")
	writePNG(t, path, 64, 32)
	img, err := Decode(path)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	boxed, lb := Letterbox(img, 32)
	if boxed.Bounds().Dx() != 32 || boxed.Bounds().Dy() != 32 {
		t.Fatalf("Expected 32x32 canvas, got %v", boxed.Bounds())
	}
	if lb.Width != 32 || lb.Height != 16 || lb.Left != 0 || lb.Top != 8 {
		t.Errorf("Unexpected letterbox %+v", lb)
	}
	if c := boxed.RGBAAt(0, 0); c != Border {
		t.Errorf("Expected border color at top-left, got %v", c)
	}

	m := lb.Map(Target{X: 0.5, Y: 0.5, W: 1, H: 1})
	if !almost(m.X, 0.5) || !almost(m.Y, 0.5) || !almost(m.W, 1) || !almost(m.H, 0.5) {
		t.Errorf("Unexpected mapped target %+v", m)
	}
	m = lb.Map(Target{X: 0, Y: 0})
	if !almost(m.Y, 0.25) {
		t.Errorf("Expected top edge at 0.25, got %f", m.Y)
	}
}

func TestFlipLR(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 1))
	img.SetRGBA(0, 0, color.RGBA{1, 0, 0, 255})
	img.SetRGBA(2, 0, color.RGBA{3, 0, 0, 255})
	FlipLR(img)
	if img.RGBAAt(0, 0).R != 3 || img.RGBAAt(2, 0).R != 1 {
		t.Errorf("Expected pixels mirrored, got %v %v", img.RGBAAt(0, 0), img.RGBAAt(2, 0))
	}
}

func TestHSVRoundTrip(t *testing.T) {
	colors := [][3]uint8{{0, 0, 0}, {255, 255, 255}, {255, 0, 0}, {12, 200, 90}, {80, 40, 250}, {200, 200, 10}}
	for _, c := range colors {
		h, s, v := rgbToHSV(c[0], c[1], c[2])
		r, g, b := hsvToRGB(h, s, v)
		if r != c[0] || g != c[1] || b != c[2] {
			t.Errorf("Round trip of %v gave %v", c, [3]uint8{r, g, b})
		}
	}
}

func TestAugmentHSVKeepsGray(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	gray := color.RGBA{100, 100, 100, 255}
	for i := 0; i < 4; i++ {
		img.SetRGBA(i%2, i/2, gray)
	}
	AugmentHSV(img, 0.5, rand.New(rand.NewSource(1)))
	c := img.RGBAAt(1, 1)
	if c.R != c.G || c.G != c.B {
		t.Errorf("Expected gray pixel to stay gray, got %v", c)
	}
}

func TestCHWRoundTrip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{255, 0, 51, 255})
	img.SetRGBA(1, 0, color.RGBA{0, 102, 0, 255})
	data := ToCHW(img)
	if len(data) != 6 || data[0] != 1 || data[3] != 0.4 || data[4] != 0.2 {
		t.Errorf("Unexpected CHW data %v", data)
	}
	back := FromCHW(data, 2, 1)
	if back.RGBAAt(0, 0) != img.RGBAAt(0, 0) || back.RGBAAt(1, 0) != img.RGBAAt(1, 0) {
		t.Errorf("Expected FromCHW to invert ToCHW")
	}
}

func TestPrepareFlipsTargets(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	labels := []Target{{Class: 1, X: 0.25, Y: 0.5, W: 0.1, H: 0.1}}

	plain := Prepare("a", img, labels, 16, false, nil)
	if len(plain.Data) != 3*16*16 || !almost(plain.Targets[0].X, 0.25) {
		t.Fatalf("Unexpected plain sample: %d values, target %+v", len(plain.Data), plain.Targets[0])
	}

	flipped := false
	for seed := int64(0); seed < 20 && !flipped; seed++ {
		s := Prepare("a", img, labels, 16, true, rand.New(rand.NewSource(seed)))
		if almost(s.Targets[0].X, 0.75) {
			flipped = true
		} else if !almost(s.Targets[0].X, 0.25) {
			t.Fatalf("Unexpected augmented x %f", s.Targets[0].X)
		}
	}
	if !flipped {
		t.Errorf("Expected at least one horizontal flip across seeds")
	}
	if labels[0].X != 0.25 {
		t.Errorf("Expected source labels untouched")
	}
}

func TestLabelsToClassWeights(t *testing.T) {
	labels := [][]Target{{{Class: 0}, {Class: 0}, {Class: 0}}, {{Class: 1}}}
	w := LabelsToClassWeights(labels, 3)
	// inverse counts 1/3, 1, 1 normalized by 7/3
	expected := []float64{1.0 / 7, 3.0 / 7, 3.0 / 7}
	for i := range expected {
		if !almost(w[i], expected[i]) {
			t.Errorf("Class %d: expected weight %f, got %f", i, expected[i], w[i])
		}
	}
	if !strings.Contains(ErrNoLabels.Error(), "labels") {
		t.Errorf("Unexpected sentinel text %q", ErrNoLabels)
	}
}
