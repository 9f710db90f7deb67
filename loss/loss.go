// Package loss builds detection targets against anchors and computes the
// YOLOv3 training loss together with its gradient with respect to the raw
// detection-layer outputs.
package loss

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-yolo/model"
	"github.com/tsawler/go-yolo/tensor"
	"github.com/tsawler/go-yolo/vision/dataset"
)

// Gains weights the loss terms. IoUT is the minimum width/height IoU
// between a target and its best anchor for the target to be trained on.
type Gains struct {
	XY   float64
	WH   float64
	Cls  float64
	Conf float64
	IoUT float64
}

// Head describes one detection layer: its grid and its anchors in grid
// cells.
type Head struct {
	GridX, GridY int
	Anchors      [][2]float64
}

// Heads reads the detection heads of m for the outputs of its last forward
// pass.
func Heads(m *model.Darknet, outputs []*tensor.Tensor) []Head {
	heads := make([]Head, len(outputs))
	for k, p := range outputs {
		ny := p.Shape[2]
		heads[k] = Head{GridX: p.Shape[3], GridY: ny, Anchors: m.YOLO(k).AnchorsInGrid(ny)}
	}
	return heads
}

// Match is a target assigned to one anchor of one grid cell.
type Match struct {
	Image  int
	Anchor int
	GX, GY int
	Class  int
	TX, TY float64 // offset inside the cell
	TW, TH float64 // log of box size over anchor size
}

// WHIoU is the IoU of two boxes of sizes a and b sharing a center.
func WHIoU(a, b [2]float64) float64 {
	inter := math.Min(a[0], b[0]) * math.Min(a[1], b[1])
	union := a[0]*a[1] + 1e-16 + b[0]*b[1] - inter
	return inter / union
}

// BuildTargets assigns every target to its best anchor in every head.
// Targets whose best IoU does not exceed iouT are dropped for that head.
func BuildTargets(heads []Head, targets []dataset.Target, iouT float64) [][]Match {
	out := make([][]Match, len(heads))
	for k, h := range heads {
		nx, ny := float64(h.GridX), float64(h.GridY)
		for _, t := range targets {
			gw, gh := t.W*nx, t.H*ny

			best, bestIoU := 0, -1.0
			for a, anchor := range h.Anchors {
				if iou := WHIoU(anchor, [2]float64{gw, gh}); iou > bestIoU {
					best, bestIoU = a, iou
				}
			}
			if bestIoU <= iouT {
				continue
			}

			gx, gy := t.X*nx, t.Y*ny
			gi := clamp(int(math.Floor(gx)), h.GridX-1)
			gj := clamp(int(math.Floor(gy)), h.GridY-1)
			out[k] = append(out[k], Match{
				Image:  t.Image,
				Anchor: best,
				GX:     gi,
				GY:     gj,
				Class:  t.Class,
				TX:     gx - math.Floor(gx),
				TY:     gy - math.Floor(gy),
				TW:     math.Log(gw / h.Anchors[best][0]),
				TH:     math.Log(gh / h.Anchors[best][1]),
			})
		}
	}
	return out
}

func clamp(v, hi int) int {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}

// Result holds the loss, its terms (xy, wh, conf, cls, total) and the
// gradient for each raw output.
type Result struct {
	Total float64
	Items [5]float64
	Grads []*tensor.Tensor
}

// Compute evaluates the loss of the raw outputs of m for targets.
func Compute(outputs []*tensor.Tensor, targets []dataset.Target, m *model.Darknet, g Gains) (Result, error) {
	return ComputeHeads(outputs, targets, Heads(m, outputs), g)
}

// ComputeHeads evaluates the loss for outputs laid out as
// [batch, anchor, y, x, 5+classes]. With k the batch size:
//
//	lxy   = k*xy*MSE(sigmoid(p_xy), t_xy)     over matched cells
//	lwh   = k*wh*MSE(p_wh, t_wh)              over matched cells
//	lcls  = k*cls*CE(p_cls, t_cls)            over matched cells
//	lconf = k*conf*BCEWithLogits(p_conf, t)   over all cells
func ComputeHeads(outputs []*tensor.Tensor, targets []dataset.Target, heads []Head, g Gains) (Result, error) {
	if len(outputs) != len(heads) {
		return Result{}, errors.Errorf("%d outputs for %d heads", len(outputs), len(heads))
	}
	res := Result{Grads: make([]*tensor.Tensor, len(outputs))}
	matches := BuildTargets(heads, targets, g.IoUT)

	for k, p := range outputs {
		if len(p.Shape) != 5 {
			return Result{}, errors.Wrapf(tensor.ErrShapeMismatch, "output %d has shape %v", k, p.Shape)
		}
		b, na, ny, nx, no := p.Shape[0], p.Shape[1], p.Shape[2], p.Shape[3], p.Shape[4]
		nc := no - 5
		kb := float64(b)
		grad := tensor.Zeros(p.Shape...)
		res.Grads[k] = grad
		var lxy, lwh, lcls, lconf float64
		cell := func(m Match) int { return (((m.Image*na+m.Anchor)*ny+m.GY)*nx + m.GX) * no }

		tconf := make([]bool, b*na*ny*nx)
		ms := matches[k]
		if n := float64(len(ms)); n > 0 {
			for _, m := range ms {
				if m.Image < 0 || m.Image >= b {
					return Result{}, errors.Errorf("target references image %d of a batch of %d", m.Image, b)
				}
				if m.Class < 0 || m.Class >= nc {
					return Result{}, errors.Errorf("target class %d out of range for %d classes", m.Class, nc)
				}
				base := cell(m)
				tconf[base/no] = true
				pi, gi := p.Data[base:base+no], grad.Data[base:base+no]

				for j, t := range [2]float64{m.TX, m.TY} {
					s := sigmoid(float64(pi[j]))
					d := s - t
					lxy += d * d
					gi[j] += float32(kb * g.XY / n * d * s * (1 - s))
				}
				for j, t := range [2]float64{m.TW, m.TH} {
					d := float64(pi[2+j]) - t
					lwh += d * d
					gi[2+j] += float32(kb * g.WH / n * d)
				}

				logits := pi[5:]
				maxLogit := float64(logits[0])
				for _, v := range logits {
					maxLogit = math.Max(maxLogit, float64(v))
				}
				sum := 0.0
				for _, v := range logits {
					sum += math.Exp(float64(v) - maxLogit)
				}
				lcls += maxLogit + math.Log(sum) - float64(logits[m.Class])
				for c, v := range logits {
					soft := math.Exp(float64(v)-maxLogit) / sum
					if c == m.Class {
						soft--
					}
					gi[5+c] += float32(kb * g.Cls / n * soft)
				}
			}
			res.Items[0] += kb * g.XY * lxy / (2 * n)
			res.Items[1] += kb * g.WH * lwh / (2 * n)
			res.Items[3] += kb * g.Cls * lcls / n
		}

		cells := float64(len(tconf))
		for c, on := range tconf {
			x := float64(p.Data[c*no+4])
			t := 0.0
			if on {
				t = 1
			}
			lconf += math.Max(x, 0) - x*t + math.Log1p(math.Exp(-math.Abs(x)))
			grad.Data[c*no+4] = float32(kb * g.Conf / cells * (sigmoid(x) - t))
		}
		res.Items[2] += kb * g.Conf * lconf / cells
	}

	res.Items[4] = res.Items[0] + res.Items[1] + res.Items[2] + res.Items[3]
	res.Total = res.Items[4]
	return res, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
