package checkpoints

import (
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Checkpoints are stored as protobuf wire-format messages:
//
//	Checkpoint      1 epoch (varint)  2 best_loss (fixed64)  3 best_bird_map (fixed64)
//	                4 learning_rate (fixed64)  5 model (repeated WeightTensor)
//	                6 optimizer (OptimizerState)  7 metadata (Metadata)
//	WeightTensor    1 name  2 shape (packed varint)  3 data (packed fixed32)  4 layer  5 type
//	OptimizerState  1 type  2 parameters (repeated {1 key, 2 value fixed64})
//	                3 step_count (varint)  4 state (repeated OptimizerTensor)
//	OptimizerTensor 1 name  2 shape  3 data  4 state_type
//	Metadata        1 version  2 framework  3 created_at (unix nanos)  4 run_id
//	                5 description  6 tags (repeated)

func appendFloat64(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendShape(b []byte, num protowire.Number, shape []int) []byte {
	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	return appendMessage(b, num, packed)
}

func appendData(b []byte, num protowire.Number, data []float32) []byte {
	packed := make([]byte, 0, 4*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessage(b, num, packed)
}

func marshalCheckpoint(ck *Checkpoint) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(ck.TrainingState.Epoch)))
	b = appendFloat64(b, 2, ck.TrainingState.BestLoss)
	b = appendFloat64(b, 3, ck.TrainingState.BestBirdMAP)
	b = appendFloat64(b, 4, ck.TrainingState.LearningRate)
	for _, w := range ck.Weights {
		b = appendMessage(b, 5, marshalWeight(w))
	}
	if ck.OptimizerState != nil {
		b = appendMessage(b, 6, marshalOptimizer(ck.OptimizerState))
	}
	return appendMessage(b, 7, marshalMetadata(ck.Metadata))
}

func marshalWeight(w WeightTensor) []byte {
	var b []byte
	b = appendString(b, 1, w.Name)
	b = appendShape(b, 2, w.Shape)
	b = appendData(b, 3, w.Data)
	b = appendString(b, 4, w.Layer)
	return appendString(b, 5, w.Type)
}

func marshalOptimizer(s *OptimizerState) []byte {
	var b []byte
	b = appendString(b, 1, s.Type)
	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendFloat64(entry, 2, s.Parameters[k])
		b = appendMessage(b, 2, entry)
	}
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, s.StepCount)
	for _, t := range s.StateData {
		var tb []byte
		tb = appendString(tb, 1, t.Name)
		tb = appendShape(tb, 2, t.Shape)
		tb = appendData(tb, 3, t.Data)
		tb = appendString(tb, 4, t.StateType)
		b = appendMessage(b, 4, tb)
	}
	return b
}

func marshalMetadata(m CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.CreatedAt.UnixNano()))
	}
	b = appendString(b, 4, m.RunID)
	b = appendString(b, 5, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

// field is one decoded top-level field of a message.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	u64   uint64
	bytes []byte
}

// fields splits a message into its fields, skipping groups.
func fields(b []byte) ([]field, error) {
	var out []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u64, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.u64, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u64 = uint64(v)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, errors.Wrapf(protowire.ParseError(n), "field %d", num)
		}
		b = b[n:]
		out = append(out, f)
	}
	return out, nil
}

func decodeShape(b []byte) ([]int, error) {
	var shape []int
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		shape = append(shape, int(v))
		b = b[n:]
	}
	return shape, nil
}

func decodeData(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, errors.Errorf("packed float data has %d bytes", len(b))
	}
	data := make([]float32, 0, len(b)/4)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = append(data, math.Float32frombits(v))
		b = b[n:]
	}
	return data, nil
}

func unmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, err
	}
	ck := &Checkpoint{}
	for _, f := range fs {
		switch f.num {
		case 1:
			ck.TrainingState.Epoch = int(int64(f.u64))
		case 2:
			ck.TrainingState.BestLoss = math.Float64frombits(f.u64)
		case 3:
			ck.TrainingState.BestBirdMAP = math.Float64frombits(f.u64)
		case 4:
			ck.TrainingState.LearningRate = math.Float64frombits(f.u64)
		case 5:
			w, err := unmarshalWeight(f.bytes)
			if err != nil {
				return nil, errors.Wrap(err, "model")
			}
			ck.Weights = append(ck.Weights, w)
		case 6:
			s, err := unmarshalOptimizer(f.bytes)
			if err != nil {
				return nil, errors.Wrap(err, "optimizer")
			}
			ck.OptimizerState = s
		case 7:
			m, err := unmarshalMetadata(f.bytes)
			if err != nil {
				return nil, errors.Wrap(err, "metadata")
			}
			ck.Metadata = m
		}
	}
	return ck, nil
}

func unmarshalTensor(b []byte) (name string, shape []int, data []float32, extra [2]string, err error) {
	fs, err := fields(b)
	if err != nil {
		return "", nil, nil, extra, err
	}
	for _, f := range fs {
		switch f.num {
		case 1:
			name = string(f.bytes)
		case 2:
			if shape, err = decodeShape(f.bytes); err != nil {
				return "", nil, nil, extra, err
			}
		case 3:
			if data, err = decodeData(f.bytes); err != nil {
				return "", nil, nil, extra, err
			}
		case 4:
			extra[0] = string(f.bytes)
		case 5:
			extra[1] = string(f.bytes)
		}
	}
	return name, shape, data, extra, nil
}

func unmarshalWeight(b []byte) (WeightTensor, error) {
	name, shape, data, extra, err := unmarshalTensor(b)
	if err != nil {
		return WeightTensor{}, err
	}
	return WeightTensor{Name: name, Shape: shape, Data: data, Layer: extra[0], Type: extra[1]}, nil
}

func unmarshalOptimizer(b []byte) (*OptimizerState, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, err
	}
	s := &OptimizerState{Parameters: map[string]float64{}}
	for _, f := range fs {
		switch f.num {
		case 1:
			s.Type = string(f.bytes)
		case 2:
			entry, err := fields(f.bytes)
			if err != nil {
				return nil, err
			}
			var key string
			var value float64
			for _, e := range entry {
				switch e.num {
				case 1:
					key = string(e.bytes)
				case 2:
					value = math.Float64frombits(e.u64)
				}
			}
			s.Parameters[key] = value
		case 3:
			s.StepCount = f.u64
		case 4:
			name, shape, data, extra, err := unmarshalTensor(f.bytes)
			if err != nil {
				return nil, err
			}
			s.StateData = append(s.StateData, OptimizerTensor{Name: name, Shape: shape, Data: data, StateType: extra[0]})
		}
	}
	return s, nil
}

func unmarshalMetadata(b []byte) (CheckpointMetadata, error) {
	fs, err := fields(b)
	if err != nil {
		return CheckpointMetadata{}, err
	}
	var m CheckpointMetadata
	for _, f := range fs {
		switch f.num {
		case 1:
			m.Version = string(f.bytes)
		case 2:
			m.Framework = string(f.bytes)
		case 3:
			m.CreatedAt = time.Unix(0, int64(f.u64))
		case 4:
			m.RunID = string(f.bytes)
		case 5:
			m.Description = string(f.bytes)
		case 6:
			m.Tags = append(m.Tags, string(f.bytes))
		}
	}
	return m, nil
}
