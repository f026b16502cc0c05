package model

import (
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Checkpoint wire layout:
//
//	message Checkpoint {
//	  string model_name     = 1;
//	  int64  input_channels = 2;
//	  int64  input_dim      = 3;
//	  repeated Tensor params = 4;
//	}
//	message Tensor {
//	  string name            = 1;
//	  repeated int64 shape   = 2 [packed = true];
//	  repeated float data    = 3 [packed = true];
//	}
const (
	fieldModelName     protowire.Number = 1
	fieldInputChannels protowire.Number = 2
	fieldInputDim      protowire.Number = 3
	fieldParams        protowire.Number = 4

	fieldTensorName  protowire.Number = 1
	fieldTensorShape protowire.Number = 2
	fieldTensorData  protowire.Number = 3
)

// CheckpointFile is the item name of a saved model inside a dataset.
const CheckpointFile = "model.pb"

// Checkpoint is the persisted form of a trained GenNet.
type Checkpoint struct {
	ModelName     string
	InputChannels int
	InputDim      int
	Params        []*Param
}

// Checkpoint snapshots the network's parameters.
func (n *GenNet) Checkpoint() *Checkpoint {
	return &Checkpoint{
		ModelName:     n.Name(),
		InputChannels: n.inputChannels,
		InputDim:      n.dim,
		Params:        n.params,
	}
}

// MarshalBinary encodes c in protobuf wire format.
func (c *Checkpoint) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldModelName, protowire.BytesType)
	b = protowire.AppendString(b, c.ModelName)
	b = protowire.AppendTag(b, fieldInputChannels, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.InputChannels))
	b = protowire.AppendTag(b, fieldInputDim, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.InputDim))
	for _, p := range c.Params {
		b = protowire.AppendTag(b, fieldParams, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(p))
	}
	return b, nil
}

func marshalTensor(p *Param) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTensorName, protowire.BytesType)
	b = protowire.AppendString(b, p.Name)

	var shape []byte
	for _, d := range p.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, fieldTensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 4*len(p.Data))
	for _, v := range p.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, fieldTensorData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

// UnmarshalCheckpoint decodes a checkpoint written by MarshalBinary.
// Unknown fields are skipped.
func UnmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("checkpoint: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldModelName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("checkpoint: model_name: %w", protowire.ParseError(n))
			}
			c.ModelName = v
			b = b[n:]
		case (num == fieldInputChannels || num == fieldInputDim) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("checkpoint: field %d: %w", num, protowire.ParseError(n))
			}
			if num == fieldInputChannels {
				c.InputChannels = int(v)
			} else {
				c.InputDim = int(v)
			}
			b = b[n:]
		case num == fieldParams && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("checkpoint: params: %w", protowire.ParseError(n))
			}
			p, err := unmarshalTensor(v)
			if err != nil {
				return nil, err
			}
			c.Params = append(c.Params, p)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("checkpoint: field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return c, nil
}

func unmarshalTensor(b []byte) (*Param, error) {
	p := &Param{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("checkpoint tensor: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldTensorName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("checkpoint tensor name: %w", protowire.ParseError(n))
			}
			p.Name = v
			b = b[n:]
		case num == fieldTensorShape && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("checkpoint tensor shape: %w", protowire.ParseError(n))
			}
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return nil, fmt.Errorf("checkpoint tensor shape: %w", protowire.ParseError(m))
				}
				p.Shape = append(p.Shape, int(d))
				v = v[m:]
			}
			b = b[n:]
		case num == fieldTensorData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("checkpoint tensor data: %w", protowire.ParseError(n))
			}
			if len(v)%4 != 0 {
				return nil, errors.New("checkpoint tensor data: truncated float")
			}
			p.Data = make([]float32, 0, len(v)/4)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed32(v)
				if m < 0 {
					return nil, fmt.Errorf("checkpoint tensor data: %w", protowire.ParseError(m))
				}
				p.Data = append(p.Data, math.Float32frombits(bits))
				v = v[m:]
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("checkpoint tensor field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return p, nil
}

// Save writes the network's checkpoint to w.
func (n *GenNet) Save(w io.Writer) error {
	b, err := n.Checkpoint().MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// LoadGenNet rebuilds a GenNet from a checkpoint stream.
func LoadGenNet(r io.Reader) (*GenNet, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	c, err := UnmarshalCheckpoint(b)
	if err != nil {
		return nil, err
	}
	if c.ModelName != GenNetName {
		return nil, fmt.Errorf("checkpoint: model %q, want %q", c.ModelName, GenNetName)
	}
	n, err := NewGenNet(c.InputChannels, c.InputDim, 0)
	if err != nil {
		return nil, err
	}
	if len(c.Params) != len(n.params) {
		return nil, fmt.Errorf("checkpoint: %d tensors, want %d", len(c.Params), len(n.params))
	}
	for i, p := range n.params {
		src := c.Params[i]
		if src.Name != p.Name || len(src.Data) != len(p.Data) {
			return nil, fmt.Errorf("checkpoint: tensor %d is %s[%d], want %s[%d]", i, src.Name, len(src.Data), p.Name, len(p.Data))
		}
		copy(p.Data, src.Data)
	}
	return n, nil
}
