package terminal

import (
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pumpBufferSize is the size of the intermediate read buffer.
const pumpBufferSize = 4096

// chunkQueue is an unbounded single-producer/single-consumer queue of byte
// chunks. The consumer selects on Ready and then drains everything pending.
type chunkQueue struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
	err    error
	ready  chan struct{} // capacity 1; signalled on push and on close
}

func newChunkQueue() *chunkQueue {
	return &chunkQueue{ready: make(chan struct{}, 1)}
}

func (q *chunkQueue) push(chunk []byte) {
	q.mu.Lock()
	q.chunks = append(q.chunks, chunk)
	q.mu.Unlock()
	q.signal()
}

func (q *chunkQueue) close(err error) {
	q.mu.Lock()
	q.closed = true
	q.err = err
	q.mu.Unlock()
	q.signal()
}

func (q *chunkQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// drain returns all pending chunks in arrival order and whether the producer
// has finished. Once closed is reported true, no more chunks will follow.
func (q *chunkQueue) drain() (chunks [][]byte, closed bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	chunks, q.chunks = q.chunks, nil
	return chunks, q.closed, q.err
}

// Pump relays bytes from a PTY reader into an unbounded queue. It runs on its
// own goroutine because the read blocks in the kernel.
type Pump struct {
	r     io.Reader
	queue *chunkQueue
	done  chan struct{}
}

// StartPump starts reading r until end-of-stream or error.
func StartPump(r io.Reader) *Pump {
	p := &Pump{
		r:     r,
		queue: newChunkQueue(),
		done:  make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Pump) run() {
	defer close(p.done)
	buf := make([]byte, pumpBufferSize)
	for {
		n, err := p.r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.queue.push(chunk)
		}
		if err != nil {
			// Linux reports EIO on the controller once the subordinate side is gone.
			if errors.Is(err, io.EOF) || errors.Is(err, unix.EIO) {
				err = nil
			}
			p.queue.close(err)
			return
		}
	}
}

// Ready is signalled whenever chunks are pending or the pump has stopped.
func (p *Pump) Ready() <-chan struct{} {
	return p.queue.ready
}

// Drain returns pending chunks in order. closed reports that the pump has
// stopped; err is the read error that stopped it, nil on end-of-stream.
func (p *Pump) Drain() (chunks [][]byte, closed bool, err error) {
	return p.queue.drain()
}

// Done is closed when the read loop has exited.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the read loop exits or the timeout elapses. It reports
// whether the loop exited.
func (p *Pump) Wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}
