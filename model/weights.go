package model

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-yolo/layers"
)

// Backbone weight files and the module count each one covers.
var backboneCutoffs = map[string]int{
	"darknet53.conv.74":   75,
	"yolov3-tiny.conv.15": 15,
}

// BackboneFile picks the pretrained backbone for a model config path.
func BackboneFile(cfgPath string) string {
	if strings.Contains(cfgPath, "-tiny.cfg") {
		return "yolov3-tiny.conv.15"
	}
	return "darknet53.conv.74"
}

// DarknetHeader is the header of a Darknet .weights file.
type DarknetHeader struct {
	Major, Minor, Revision int32
	Seen                   int64
}

// LoadDarknetWeights reads convolution and batch-norm parameters from a
// Darknet binary weights file into the first cutoff modules. Known backbone
// file names override cutoff; a negative cutoff loads every module. It
// returns the cutoff used.
func (d *Darknet) LoadDarknetWeights(path string, cutoff int) (DarknetHeader, int, error) {
	if c, ok := backboneCutoffs[filepath.Base(path)]; ok {
		cutoff = c
	}
	if cutoff < 0 || cutoff > len(d.Layers) {
		cutoff = len(d.Layers)
	}

	f, err := os.Open(path)
	if err != nil {
		return DarknetHeader{}, cutoff, errors.Wrap(err, "open darknet weights")
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var h DarknetHeader
	for _, v := range []*int32{&h.Major, &h.Minor, &h.Revision} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return h, cutoff, errors.Wrap(err, "read darknet header")
		}
	}
	if h.Major*10+h.Minor >= 2 {
		err = binary.Read(r, binary.LittleEndian, &h.Seen)
	} else {
		var seen int32
		err = binary.Read(r, binary.LittleEndian, &seen)
		h.Seen = int64(seen)
	}
	if err != nil {
		return h, cutoff, errors.Wrap(err, "read darknet header")
	}

	for i := 0; i < cutoff; i++ {
		conv, ok := d.Layers[i].(*layers.Conv2D)
		if !ok {
			continue
		}
		for _, p := range conv.Params() {
			if err := readFloats(r, p.Value.Data); err != nil {
				return h, cutoff, errors.Wrapf(err, "read %s", p.Name)
			}
		}
	}
	return h, cutoff, nil
}

func readFloats(r io.Reader, dst []float32) error {
	buf := make([]byte, 4*len(dst))
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return nil
}

// Info writes a per-parameter summary followed by the layer, parameter and
// gradient counts.
func (d *Darknet) Info(w io.Writer, verbose bool) {
	nParams, nGrads := 0, 0
	params := d.Parameters()
	for _, p := range params {
		nParams += p.Value.Numel()
		if p.RequiresGrad {
			nGrads += p.Value.Numel()
		}
	}

	if verbose {
		fmt.Fprintf(w, "%5s %40s %9s %12s %20s %10s %10s\n", "layer", "name", "gradient", "parameters", "shape", "mu", "sigma")
		for i, p := range params {
			data := make([]float64, p.Value.Numel())
			for j, v := range p.Value.Data {
				data[j] = float64(v)
			}
			mean, std := stat.MeanStdDev(data, nil)
			if len(data) < 2 {
				std = 0
			}
			fmt.Fprintf(w, "%5d %40s %9t %12d %20s %10.3g %10.3g\n",
				i, p.Name, p.RequiresGrad, p.Value.Numel(), fmt.Sprint(p.Value.Shape), mean, std)
		}
	}
	fmt.Fprintf(w, "Model Summary: %d layers, %d parameters, %d gradients\n", len(params), nParams, nGrads)
}

// GradNorm is the L2 norm of all trainable gradients.
func (d *Darknet) GradNorm() float64 {
	var sq float64
	for _, p := range d.Parameters() {
		if !p.RequiresGrad {
			continue
		}
		g := make([]float64, p.Grad.Numel())
		for i, v := range p.Grad.Data {
			g[i] = float64(v)
		}
		n := floats.Norm(g, 2)
		sq += n * n
	}
	return math.Sqrt(sq)
}
