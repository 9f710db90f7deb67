package training

import (
	"math"
	"testing"
)

func TestInverseExpLR(t *testing.T) {
	s := NewInverseExpLR(10, -5)
	if got := s.Factor(10); got != 0 {
		t.Errorf("Expected factor 0 at the last epoch boundary, got %g", got)
	}
	if got := s.GetLR(0, 0, 0.1); math.Abs(got-0.1*(1-1e-5)) > 1e-12 {
		t.Errorf("Expected lr close to 0.1 at epoch 0, got %g", got)
	}
	prev := math.Inf(1)
	for e := 0; e < 10; e++ {
		f := s.Factor(e)
		if f > prev || f < 0 || f > 1 {
			t.Errorf("Epoch %d: factor %g not monotonically decreasing in [0, 1]", e, f)
		}
		prev = f
	}
	if s.GetName() != "InverseExpLR" {
		t.Errorf("Unexpected name %s", s.GetName())
	}

	d := NewInverseExpLR(0, 1)
	if d.Epochs != 1 || d.LRF != -5 {
		t.Errorf("Expected fallback to 1 epoch and lrf -5, got %+v", d)
	}
}

func TestNBurnin(t *testing.T) {
	tests := []struct {
		nb       int
		expected int
	}{
		{1, 1},
		{10, 3},
		{12, 3}, // 3.4
		{13, 4}, // 3.6
		{100, 21},
		{10000, 1000},
	}
	for _, test := range tests {
		if got := NBurnin(test.nb); got != test.expected {
			t.Errorf("NBurnin(%d) = %d, expected %d", test.nb, got, test.expected)
		}
	}
}

func TestBurnInLR(t *testing.T) {
	next := NewInverseExpLR(5, -5)
	s := &BurnInLR{Batches: 4, Next: next}
	base := 0.01

	if got := s.GetLR(0, 0, base); got != 0 {
		t.Errorf("Expected zero lr at the first batch, got %g", got)
	}
	prev := -1.0
	for i := 0; i <= 4; i++ {
		lr := s.GetLR(0, i, base)
		if lr <= prev {
			t.Errorf("Step %d: lr %g not strictly increasing", i, lr)
		}
		prev = lr
	}
	if got := s.GetLR(0, 2, base); math.Abs(got-base/16) > 1e-15 {
		t.Errorf("Expected base/16 halfway through burn-in, got %g", got)
	}
	if got, want := s.GetLR(0, 5, base), next.GetLR(0, 5, base); got != want {
		t.Errorf("Expected schedule after burn-in %g, got %g", want, got)
	}
	if got, want := s.GetLR(1, 0, base), next.GetLR(1, 0, base); got != want {
		t.Errorf("Expected no burn-in after epoch 0: %g vs %g", got, want)
	}
	if s.GetName() != "BurnIn(InverseExpLR)" {
		t.Errorf("Unexpected name %s", s.GetName())
	}
}
