package optimizer

import (
	"fmt"

	"github.com/tsawler/go-yolo/checkpoints"
)

// Optimizer defines the common interface for optimizers. State can be
// extracted and restored for checkpointing.
type Optimizer interface {
	// Step applies the accumulated gradients to the parameters
	Step() error

	// ZeroGrad clears the gradients of every parameter
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() *checkpoints.OptimizerState

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	LearningRate() float64
	SetLearningRate(lr float64)
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// extractParam returns params[key] or defaultValue when absent
func extractParam(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}
