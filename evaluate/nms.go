package evaluate

import (
	"math"
	"sort"

	"github.com/tsawler/go-yolo/tensor"
)

// minWH is the smallest box side in pixels kept by NMS.
const minWH = 2

// Detection is a box in pixel corners with its scores.
type Detection struct {
	X1, Y1, X2, Y2 float64
	Conf           float64 // objectness times class confidence
	ClassConf      float64
	Class          int
}

// Box is a box in pixel corner coordinates.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// XYWH2XYXY converts a center/size box to corners.
func XYWH2XYXY(x, y, w, h float64) Box {
	return Box{x - w/2, y - h/2, x + w/2, y + h/2}
}

func (b Box) Area() float64 {
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

// IoU is the intersection over union of two corner boxes.
func IoU(a, b Box) float64 {
	iw := math.Max(0, math.Min(a.X2, b.X2)-math.Max(a.X1, b.X1))
	ih := math.Max(0, math.Min(a.Y2, b.Y2)-math.Max(a.Y1, b.Y1))
	inter := iw * ih
	return inter / (a.Area() + b.Area() - inter + 1e-16)
}

func (d Detection) Box() Box {
	return Box{d.X1, d.Y1, d.X2, d.Y2}
}

// NonMaxSuppression filters the decoded predictions of every image,
// [batch, boxes, 5+classes], to detections whose score exceeds confThres,
// then suppresses per class every box overlapping a higher-scoring box by
// more than nmsThres. Each image's detections are sorted by score.
func NonMaxSuppression(pred *tensor.Tensor, confThres, nmsThres float64) [][]Detection {
	b, n, no := pred.Shape[0], pred.Shape[1], pred.Shape[2]
	out := make([][]Detection, b)
	for img := 0; img < b; img++ {
		var cands []Detection
		for i := 0; i < n; i++ {
			row := pred.Data[(img*n+i)*no : (img*n+i+1)*no]
			cls, clsConf := 0, float64(row[5])
			for c := 6; c < no; c++ {
				if v := float64(row[c]); v > clsConf {
					cls, clsConf = c-5, v
				}
			}
			score := float64(row[4]) * clsConf
			w, h := float64(row[2]), float64(row[3])
			if !(score > confThres) || w <= minWH || h <= minWH || !finite(row) {
				continue
			}
			box := XYWH2XYXY(float64(row[0]), float64(row[1]), w, h)
			cands = append(cands, Detection{box.X1, box.Y1, box.X2, box.Y2, score, clsConf, cls})
		}

		sort.SliceStable(cands, func(i, j int) bool { return cands[i].Conf > cands[j].Conf })
		var kept []Detection
		for _, d := range cands {
			suppressed := false
			for _, k := range kept {
				if k.Class == d.Class && IoU(k.Box(), d.Box()) > nmsThres {
					suppressed = true
					break
				}
			}
			if !suppressed {
				kept = append(kept, d)
			}
		}
		out[img] = kept
	}
	return out
}

func finite(row []float32) bool {
	for _, v := range row {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
