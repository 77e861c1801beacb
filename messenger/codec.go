// Copyright 2022 IBM Corp. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package messenger

import (
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/consensus-labs/pbftcore/membership"
	"github.com/consensus-labs/pbftcore/wire"
)

// Frame is the unit travelling on the Listen stream: the sender's identity
// followed by one canonically encoded protocol message. The protocol codec is
// already canonical bytes, so the gRPC codec below only prepends the sender
// header instead of going through a generated marshaller.
type Frame struct {
	Sender membership.Host
	Data   []byte
}

const frameHeaderSize = 6 // 4 address bytes + 2 port bytes

func (f *Frame) marshal() []byte {
	buf := make([]byte, frameHeaderSize+len(f.Data))
	copy(buf[:4], f.Sender.Addr[:])
	buf[4] = byte(f.Sender.Port >> 8)
	buf[5] = byte(f.Sender.Port)
	copy(buf[frameHeaderSize:], f.Data)
	return buf
}

func (f *Frame) unmarshal(data []byte) error {
	if len(data) < frameHeaderSize {
		return errors.WithMessagef(wire.ErrMalformed, "frame shorter than sender header: %d bytes", len(data))
	}
	copy(f.Sender.Addr[:], data[:4])
	f.Sender.Port = uint16(data[4])<<8 | uint16(data[5])
	f.Data = append([]byte(nil), data[frameHeaderSize:]...)
	return nil
}

// frameCodec is the gRPC codec carrying frames verbatim. Registered under the
// "pbftwire" content subtype on both ends of the stream.
type frameCodec struct{}

func (frameCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, errors.Errorf("frame codec cannot marshal %T", v)
	}
	return f.marshal(), nil
}

func (frameCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*Frame)
	if !ok {
		return errors.Errorf("frame codec cannot unmarshal into %T", v)
	}
	return f.unmarshal(data)
}

func (frameCodec) Name() string { return "pbftwire" }

func init() {
	encoding.RegisterCodec(frameCodec{})
}

// The Listen service descriptor, written out by hand: a single bidirectional
// stream per peer pair, mirroring what a generated stub would register.

type listenServer interface {
	Listen(stream grpc.ServerStream) error
}

func listenHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(listenServer).Listen(stream)
}

const listenMethod = "/pbftcore.Messenger/Listen"

var listenStreamDesc = grpc.StreamDesc{
	StreamName:    "Listen",
	Handler:       listenHandler,
	ServerStreams: true,
	ClientStreams: true,
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "pbftcore.Messenger",
	HandlerType: (*listenServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams:     []grpc.StreamDesc{listenStreamDesc},
}
