package evaluate

import (
	"sort"
)

// ComputeAP integrates the precision envelope over recall. Recall and
// precision are the cumulative curves of detections sorted by confidence.
func ComputeAP(recall, precision []float64) float64 {
	mrec := make([]float64, 0, len(recall)+2)
	mrec = append(append(append(mrec, 0), recall...), 1)
	mpre := make([]float64, 0, len(precision)+2)
	mpre = append(append(append(mpre, 0), precision...), 0)

	for i := len(mpre) - 1; i > 0; i-- {
		if mpre[i] > mpre[i-1] {
			mpre[i-1] = mpre[i]
		}
	}

	ap := 0.0
	for i := 0; i+1 < len(mrec); i++ {
		if mrec[i+1] != mrec[i] {
			ap += (mrec[i+1] - mrec[i]) * mpre[i+1]
		}
	}
	return ap
}

// ClassMetrics holds per-class precision, recall, AP and F1 for every class
// present in the targets, in ascending class order.
type ClassMetrics struct {
	Classes   []int
	Precision []float64
	Recall    []float64
	AP        []float64
	F1        []float64
}

// APPerClass computes ClassMetrics from per-detection true-positive flags,
// confidences and predicted classes, and the classes of all targets.
func APPerClass(tp []bool, conf []float64, predCls []int, targetCls []int) ClassMetrics {
	order := make([]int, len(conf))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return conf[order[a]] > conf[order[b]] })

	nGT := map[int]int{}
	for _, c := range targetCls {
		nGT[c]++
	}
	var m ClassMetrics
	for c := range nGT {
		m.Classes = append(m.Classes, c)
	}
	sort.Ints(m.Classes)

	for _, c := range m.Classes {
		var recall, precision []float64
		tpc, fpc := 0.0, 0.0
		for _, i := range order {
			if predCls[i] != c {
				continue
			}
			if tp[i] {
				tpc++
			} else {
				fpc++
			}
			recall = append(recall, tpc/(float64(nGT[c])+1e-16))
			precision = append(precision, tpc/(tpc+fpc))
		}

		p, r, ap := 0.0, 0.0, 0.0
		if len(recall) > 0 {
			r = recall[len(recall)-1]
			p = precision[len(precision)-1]
			ap = ComputeAP(recall, precision)
		}
		m.Precision = append(m.Precision, p)
		m.Recall = append(m.Recall, r)
		m.AP = append(m.AP, ap)
		m.F1 = append(m.F1, 2*p*r/(p+r+1e-16))
	}
	return m
}
