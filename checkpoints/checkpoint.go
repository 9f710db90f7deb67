package checkpoints

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "Proto"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// ParseFormat maps a format name ("proto" or "json") to a CheckpointFormat.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch name {
	case "proto", "pb", "":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, errors.Errorf("unknown checkpoint format %q", name)
	}
}

// Checkpoint is a complete training snapshot: model weights, optimizer
// state and the bookkeeping needed to resume.
type Checkpoint struct {
	Weights        []WeightTensor     `json:"model"`
	TrainingState  TrainingState      `json:"training_state"`
	OptimizerState *OptimizerState    `json:"optimizer,omitempty"`
	Metadata       CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter or buffer with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "running_mean", "running_var"
}

func (w WeightTensor) Numel() int {
	return len(w.Data)
}

// TrainingState captures training progress. BestLoss starts at +Inf.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	BestLoss     float64 `json:"best_loss"`
	BestBirdMAP  float64 `json:"best_bird_map"`
	LearningRate float64 `json:"learning_rate"`
}

// OptimizerState captures optimizer-specific state (momentum buffers etc.)
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD"
	Parameters map[string]float64 `json:"parameters"`
	StepCount  uint64             `json:"step_count"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents one optimizer state tensor
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes the checkpoint atomically: the data goes to a
// temporary file in the same directory which then replaces path.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-yolo"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatProto:
		data = marshalCheckpoint(checkpoint)
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode checkpoint")
		}
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to write checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to write checkpoint")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "failed to move checkpoint into place")
}

// LoadCheckpoint reads a checkpoint in either format; the format is
// detected from the content.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
		}
		return &checkpoint, nil
	}
	checkpoint, err := unmarshalCheckpoint(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}
	return checkpoint, nil
}

// JSON has no encoding for infinities; best loss starts at +Inf so the
// float fields are written as strings when they are not finite.
type trainingStateJSON struct {
	Epoch        int             `json:"epoch"`
	BestLoss     json.RawMessage `json:"best_loss"`
	BestBirdMAP  json.RawMessage `json:"best_bird_map"`
	LearningRate float64         `json:"learning_rate"`
}

func (ts TrainingState) MarshalJSON() ([]byte, error) {
	return json.Marshal(trainingStateJSON{
		Epoch:        ts.Epoch,
		BestLoss:     encodeFloat(ts.BestLoss),
		BestBirdMAP:  encodeFloat(ts.BestBirdMAP),
		LearningRate: ts.LearningRate,
	})
}

func (ts *TrainingState) UnmarshalJSON(data []byte) error {
	var raw trainingStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	bestLoss, err := decodeFloat(raw.BestLoss)
	if err != nil {
		return errors.Wrap(err, "best_loss")
	}
	bestBirdMAP, err := decodeFloat(raw.BestBirdMAP)
	if err != nil {
		return errors.Wrap(err, "best_bird_map")
	}
	*ts = TrainingState{
		Epoch:        raw.Epoch,
		BestLoss:     bestLoss,
		BestBirdMAP:  bestBirdMAP,
		LearningRate: raw.LearningRate,
	}
	return nil
}

func encodeFloat(f float64) json.RawMessage {
	switch {
	case math.IsInf(f, 1):
		return json.RawMessage(`"inf"`)
	case math.IsInf(f, -1):
		return json.RawMessage(`"-inf"`)
	case math.IsNaN(f):
		return json.RawMessage(`"nan"`)
	}
	return json.RawMessage(strconv.FormatFloat(f, 'g', -1, 64))
}

func decodeFloat(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "inf":
			return math.Inf(1), nil
		case "-inf":
			return math.Inf(-1), nil
		case "nan":
			return math.NaN(), nil
		}
		return 0, errors.Errorf("invalid float %q", s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}
	return f, nil
}
