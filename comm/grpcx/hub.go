// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package grpcx runs the comm transport across processes.
//
// The topology is a star: the coordinator (rank 0) serves a Hub and every
// worker dials it with a Spoke, holding one bidirectional stream for the whole
// run. Every message of the decomposition protocol travels between the
// coordinator and a worker, so the star carries all of it.
package grpcx

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/curioloop/pridec/comm"
)

const (
	serviceName = "pridec.Exchange"
	linkMethod  = "/pridec.Exchange/Link"
)

type exchangeServer interface {
	Link(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*exchangeServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Link",
			Handler:       linkHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "comm/grpcx",
}

func linkHandler(srv any, stream grpc.ServerStream) error {
	return srv.(exchangeServer).Link(stream)
}

type link struct {
	mu     sync.Mutex
	stream grpc.ServerStream
}

// Hub is the coordinator side transport.
type Hub struct {
	size  int
	boxes *comm.Mailboxes
	srv   *grpc.Server

	mu    sync.Mutex
	links map[int]*link
	ready chan struct{}

	serveErr chan error
}

// Serve starts a hub for a world of size ranks on lis.
func Serve(lis net.Listener, size int, opts ...grpc.ServerOption) *Hub {
	if size < 1 {
		panic("world size must be greater than 0")
	}
	h := &Hub{
		size:     size,
		boxes:    comm.NewMailboxes(),
		srv:      grpc.NewServer(opts...),
		links:    make(map[int]*link, size-1),
		ready:    make(chan struct{}),
		serveErr: make(chan error, 1),
	}
	if size == 1 {
		close(h.ready)
	}
	h.srv.RegisterService(&serviceDesc, h)
	go func() {
		h.serveErr <- h.srv.Serve(lis)
	}()
	return h
}

// Ready blocks until every worker rank has linked.
func (h *Hub) Ready(ctx context.Context) error {
	select {
	case <-h.ready:
		return nil
	case err := <-h.serveErr:
		if err == nil {
			err = comm.ErrClosed
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Link serves one worker stream until the worker hangs up. The queues of
// that rank are closed when the stream ends.
func (h *Hub) Link(stream grpc.ServerStream) error {
	var hello frame
	if err := stream.RecvMsg(&hello); err != nil {
		return err
	}
	rank := hello.From
	if hello.Tag != tagHello || rank <= comm.Root || rank >= h.size {
		return status.Errorf(codes.InvalidArgument, "bad hello from rank %d", rank)
	}

	h.mu.Lock()
	if _, dup := h.links[rank]; dup {
		h.mu.Unlock()
		return status.Errorf(codes.AlreadyExists, "rank %d already linked", rank)
	}
	h.links[rank] = &link{stream: stream}
	if len(h.links) == h.size-1 {
		close(h.ready)
	}
	h.mu.Unlock()

	// Receives pending on a dropped worker fail instead of waiting forever.
	defer h.boxes.CloseFrom(rank)

	for {
		var f frame
		if err := stream.RecvMsg(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := h.boxes.Deliver(stream.Context(), rank, comm.Tag(f.Tag), f.message()); err != nil {
			return err
		}
	}
}

func (h *Hub) Rank() int { return comm.Root }
func (h *Hub) Size() int { return h.size }

func (h *Hub) Send(ctx context.Context, to int, tag comm.Tag, m comm.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	l := h.links[to]
	h.mu.Unlock()
	if l == nil {
		return status.Errorf(codes.Unavailable, "rank %d is not linked", to)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stream.SendMsg(encodeFrame(comm.Root, tag, m))
}

func (h *Hub) Mailbox(from int, tag comm.Tag) <-chan comm.Message {
	return h.boxes.Chan(from, tag)
}

// Close stops the server and drops every link.
func (h *Hub) Close() error {
	h.srv.Stop()
	return nil
}
