// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package grpcx

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/curioloop/pridec/comm"
)

// Spoke is the worker side transport.
type Spoke struct {
	rank, size int
	boxes      *comm.Mailboxes

	conn   *grpc.ClientConn
	cancel context.CancelFunc

	mu     sync.Mutex
	stream grpc.ClientStream

	done chan struct{}
	err  error // receive loop outcome, valid after done
}

// Dial links worker rank to the hub at target.
// Extra options are appended after the insecure credentials default.
func Dial(target string, rank, size int, opts ...grpc.DialOption) (*Spoke, error) {
	if rank <= comm.Root || rank >= size {
		return nil, &comm.RankError{Rank: rank, Size: size}
	}

	dial := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpc.NewClient(target, dial...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], linkMethod)
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("open link: %w", err)
	}
	if err = stream.SendMsg(&frame{From: rank, Tag: tagHello}); err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	s := &Spoke{
		rank: rank, size: size,
		boxes:  comm.NewMailboxes(),
		conn:   conn,
		cancel: cancel,
		stream: stream,
		done:   make(chan struct{}),
	}
	go s.receive(ctx)
	return s, nil
}

// receive delivers incoming frames until the link breaks, then closes the
// mailboxes so blocked receivers observe comm.ErrClosed.
func (s *Spoke) receive(ctx context.Context) {
	defer close(s.done)
	defer s.boxes.Close()
	for {
		var f frame
		if err := s.stream.RecvMsg(&f); err != nil {
			s.err = err
			return
		}
		if err := s.boxes.Deliver(ctx, comm.Root, comm.Tag(f.Tag), f.message()); err != nil {
			s.err = err
			return
		}
	}
}

// Err returns why the link broke, or nil while it is up.
func (s *Spoke) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Spoke) Rank() int { return s.rank }
func (s *Spoke) Size() int { return s.size }

func (s *Spoke) Send(ctx context.Context, to int, tag comm.Tag, m comm.Message) error {
	if to != comm.Root {
		return &comm.RankError{Rank: to, Size: s.size}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.SendMsg(encodeFrame(s.rank, tag, m))
}

func (s *Spoke) Mailbox(from int, tag comm.Tag) <-chan comm.Message {
	return s.boxes.Chan(from, tag)
}

// Close hangs up the link and waits for the receive loop to stop.
func (s *Spoke) Close() error {
	s.mu.Lock()
	_ = s.stream.CloseSend()
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return s.conn.Close()
}
