// Package mpi implements the distributed-memory layer: pruned-tree
// exchange, export/import of active cells to peer ranks, remote force
// accumulation and reconciliation, and the work-balanced domain split.
// Ranks talk through a Transport; the in-process loopback implementation
// backs both tests and single-binary multi-rank runs.
package mpi

import (
	"context"
	"fmt"
)

// Tag identifies the message kind on the wire.
type Tag uint8

const (
	TagPrunedTree Tag = iota + 1
	TagExport
	TagReturn
	TagTimestep
)

// Transport moves byte payloads between ranks. Implementations must
// deliver messages with the same (from, to, tag) in send order.
type Transport interface {
	Rank() int
	Size() int
	Send(ctx context.Context, to int, tag Tag, payload []byte) error
	Recv(ctx context.Context, from int, tag Tag) ([]byte, error)
}

type message struct {
	tag  Tag
	data []byte
}

// loopback connects ranks inside one process with buffered channels.
type loopback struct {
	rank int
	size int
	mail [][]chan message // mail[from][to]
}

// NewLoopbackCluster wires n ranks together and returns one Transport
// per rank.
func NewLoopbackCluster(n int) []Transport {
	mail := make([][]chan message, n)
	for from := range mail {
		mail[from] = make([]chan message, n)
		for to := range mail[from] {
			mail[from][to] = make(chan message, 8)
		}
	}
	ts := make([]Transport, n)
	for r := 0; r < n; r++ {
		ts[r] = &loopback{rank: r, size: n, mail: mail}
	}
	return ts
}

func (l *loopback) Rank() int { return l.rank }
func (l *loopback) Size() int { return l.size }

func (l *loopback) Send(ctx context.Context, to int, tag Tag, payload []byte) error {
	if to < 0 || to >= l.size {
		return fmt.Errorf("mpi: send to invalid rank %d", to)
	}
	select {
	case l.mail[l.rank][to] <- message{tag: tag, data: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *loopback) Recv(ctx context.Context, from int, tag Tag) ([]byte, error) {
	if from < 0 || from >= l.size {
		return nil, fmt.Errorf("mpi: recv from invalid rank %d", from)
	}
	select {
	case m := <-l.mail[from][l.rank]:
		if m.tag != tag {
			return nil, fmt.Errorf("mpi: rank %d expected tag %d from %d, got %d", l.rank, tag, from, m.tag)
		}
		return m.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
