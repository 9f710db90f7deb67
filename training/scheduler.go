package training

import (
	"math"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are stateless: the rate depends only on the epoch, the batch
// index within the epoch and the base rate.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// InverseExpLR ramps the rate down over Epochs as
//
//	lr = baseLR * (1 - 10^(LRF*(1 - epoch/Epochs)))
//
// With a negative LRF the factor starts just below one and reaches zero
// at epoch == Epochs.
type InverseExpLR struct {
	Epochs int
	LRF    float64
}

// NewInverseExpLR creates an inverse-exponential scheduler. Non-positive
// epochs fall back to 1 and a non-negative lrf to -5.
func NewInverseExpLR(epochs int, lrf float64) *InverseExpLR {
	if epochs <= 0 {
		epochs = 1
	}
	if lrf >= 0 {
		lrf = -5
	}
	return &InverseExpLR{Epochs: epochs, LRF: lrf}
}

// Factor is the multiplier applied to the base rate during epoch.
func (s *InverseExpLR) Factor(epoch int) float64 {
	return 1 - math.Pow(10, s.LRF*(1-float64(epoch)/float64(s.Epochs)))
}

func (s *InverseExpLR) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * s.Factor(epoch)
}

func (s *InverseExpLR) GetName() string {
	return "InverseExpLR"
}

// BurnInLR raises the rate as baseLR*(step/Batches)^4 over the first
// Batches+1 batches of epoch 0 and defers to Next afterwards.
type BurnInLR struct {
	Batches int
	Next    LRScheduler
}

// NBurnin is the burn-in length for an epoch of nb batches.
func NBurnin(nb int) int {
	return min(int(math.RoundToEven(float64(nb)/5+1)), 1000)
}

func (s *BurnInLR) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch == 0 && step <= s.Batches && s.Batches > 0 {
		return baseLR * math.Pow(float64(step)/float64(s.Batches), 4)
	}
	return s.Next.GetLR(epoch, step, baseLR)
}

func (s *BurnInLR) GetName() string {
	return "BurnIn(" + s.Next.GetName() + ")"
}
