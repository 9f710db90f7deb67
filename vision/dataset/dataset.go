package dataset

import (
	"bufio"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrNoLabels is returned when a list file has no image with labels.
var ErrNoLabels = errors.New("no labels found")

// Target is one ground-truth box. X, Y, W, H are normalized to [0, 1] of
// the letterboxed image, with X, Y the box center. Image is the index of
// the image within its batch.
type Target struct {
	Image int
	Class int
	X     float64
	Y     float64
	W     float64
	H     float64
}

// ImagesAndLabels is a list of images, each with a YOLO label file found by
// replacing "images" with "labels" in its path and its extension with .txt.
type ImagesAndLabels struct {
	paths  []string
	labels [][]Target
}

// Load reads an image list file, one path per line, and the label file of
// every image. Images without a label file have no targets.
func Load(listPath string) (*ImagesAndLabels, error) {
	f, err := os.Open(listPath)
	if err != nil {
		return nil, errors.Wrap(err, "open image list")
	}
	defer f.Close()

	ds := &ImagesAndLabels{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		p := strings.TrimSpace(scanner.Text())
		if p == "" {
			continue
		}
		ds.paths = append(ds.paths, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read image list")
	}

	total := 0
	ds.labels = make([][]Target, len(ds.paths))
	for i, p := range ds.paths {
		labels, err := ReadLabels(LabelPath(p))
		if err != nil {
			return nil, err
		}
		ds.labels[i] = labels
		total += len(labels)
	}
	if total == 0 {
		return nil, errors.Wrapf(ErrNoLabels, "%s", listPath)
	}
	return ds, nil
}

// LabelPath maps an image path to its label file path. Every "images"
// in the path becomes "labels".
func LabelPath(imagePath string) string {
	p := strings.ReplaceAll(imagePath, "images", "labels")
	return strings.TrimSuffix(p, filepath.Ext(p)) + ".txt"
}

// ReadLabels parses "class x y w h" rows. A missing file yields no labels.
func ReadLabels(path string) ([]Target, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open label file")
	}
	defer f.Close()

	var labels []Target
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 5 {
			return nil, errors.Errorf("%s:%d: expected 5 values, got %d", path, line, len(fields))
		}
		cls, err := strconv.Atoi(fields[0])
		if err != nil || cls < 0 {
			return nil, errors.Errorf("%s:%d: invalid class %q", path, line, fields[0])
		}
		var v [4]float64
		for j := range v {
			if v[j], err = strconv.ParseFloat(fields[j+1], 64); err != nil {
				return nil, errors.Wrapf(err, "%s:%d", path, line)
			}
		}
		labels = append(labels, Target{Class: cls, X: v[0], Y: v[1], W: v[2], H: v[3]})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read label file")
	}
	return labels, nil
}

func (d *ImagesAndLabels) Len() int { return len(d.paths) }

// Path returns the image path at index.
func (d *ImagesAndLabels) Path(index int) string { return d.paths[index] }

// Labels returns the labels of the image at index, normalized to the
// original image.
func (d *ImagesAndLabels) Labels(index int) []Target { return d.labels[index] }

// AllLabels returns the labels of every image.
func (d *ImagesAndLabels) AllLabels() [][]Target { return d.labels }

// Sample is one preprocessed image: CHW float32 in [0, 1] and its targets
// in letterboxed coordinates.
type Sample struct {
	Path    string
	Data    []float32
	Targets []Target
}

// Prepare letterboxes img to size x size, optionally augments it and maps
// the labels into the letterboxed frame.
func Prepare(path string, img image.Image, labels []Target, size int, augment bool, rng *rand.Rand) Sample {
	boxed, lb := Letterbox(img, size)

	targets := make([]Target, len(labels))
	for i, l := range labels {
		targets[i] = lb.Map(l)
	}

	if augment {
		AugmentHSV(boxed, 0.5, rng)
		if rng.Float64() > 0.5 {
			FlipLR(boxed)
			for i := range targets {
				targets[i].X = 1 - targets[i].X
			}
		}
	}
	return Sample{Path: path, Data: ToCHW(boxed), Targets: targets}
}

// LabelsToClassWeights returns inverse class frequencies normalized to sum
// to one. Classes with no labels count as one occurrence.
func LabelsToClassWeights(labels [][]Target, nc int) []float64 {
	weights := make([]float64, nc)
	for _, ls := range labels {
		for _, l := range ls {
			if l.Class < nc {
				weights[l.Class]++
			}
		}
	}
	sum := 0.0
	for i, w := range weights {
		if w == 0 {
			w = 1
		}
		weights[i] = 1 / w
		sum += weights[i]
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}
