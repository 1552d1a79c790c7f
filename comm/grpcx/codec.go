// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package grpcx

import (
	"math"

	"github.com/bytedance/sonic"
	"google.golang.org/grpc/encoding"

	"github.com/curioloop/pridec/comm"
)

// codecName is the content subtype negotiated on every call.
const codecName = "pridec-json"

// tagHello opens a link and carries the rank of the dialing worker.
const tagHello = 0

// frame is the wire form of a comm.Message.
// Payload values travel as IEEE-754 bit patterns so NaN and ±Inf survive
// and every rank sees bit-identical numbers.
type frame struct {
	From  int      `json:"from"`
	Tag   int      `json:"tag"`
	Index int      `json:"i"`
	Bits  []uint64 `json:"b,omitempty"`
	Fault string   `json:"f,omitempty"`
}

func encodeFrame(from int, tag comm.Tag, m comm.Message) *frame {
	f := &frame{From: from, Tag: int(tag), Index: m.Index, Fault: m.Fault}
	if len(m.Data) > 0 {
		f.Bits = make([]uint64, len(m.Data))
		for i, v := range m.Data {
			f.Bits[i] = math.Float64bits(v)
		}
	}
	return f
}

func (f *frame) message() comm.Message {
	m := comm.Message{Index: f.Index, Fault: f.Fault}
	if len(f.Bits) > 0 {
		m.Data = make([]float64, len(f.Bits))
		for i, b := range f.Bits {
			m.Data[i] = math.Float64frombits(b)
		}
	}
	return m
}

type codec struct{}

func (codec) Marshal(v any) ([]byte, error)      { return sonic.Marshal(v) }
func (codec) Unmarshal(data []byte, v any) error { return sonic.Unmarshal(data, v) }
func (codec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(codec{})
}
