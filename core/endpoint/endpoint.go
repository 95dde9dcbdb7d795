// Package endpoint implements EndPoint: a buffered duplex byte channel
// over a single non-blocking fd, with read/write timeouts and a pending
// write-chunk chain. EndPoint never blocks; all I/O happens from the
// fd-readiness callbacks a Scheduler drives.
package endpoint

import (
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/ironvane/httpd/core/pools"
	"github.com/ironvane/httpd/core/scheduler"
	"github.com/ironvane/httpd/logging"
)

// ErrClosed is returned by operations attempted after Close.
var ErrClosed = errors.New("endpoint: closed")

// Chunk is one pending write unit. Exactly one of Owned/Borrowed is
// non-nil, or File is non-nil — never more than one, matching the
// owned/borrowed/file-region union the write chain is specified over.
type Chunk struct {
	Owned    []byte   // endpoint takes ownership, may mutate/reuse after flush
	Borrowed []byte   // caller-owned, must survive until flushed
	File     *os.File // file-region chunk, see Offset/Length
	Offset   int64
	Length   int64
	written  int64 // bytes of this chunk already flushed
}

func (c *Chunk) remaining() int64 {
	switch {
	case c.Owned != nil:
		return int64(len(c.Owned)) - c.written
	case c.Borrowed != nil:
		return int64(len(c.Borrowed)) - c.written
	case c.File != nil:
		return c.Length - c.written
	default:
		return 0
	}
}

// EndPoint wraps one fd with a read buffer and an ordered write chain.
// At most one fill (read) interest and one flush (write) interest may
// be armed at a time. Close cancels both and closes the fd exactly
// once.
type EndPoint struct {
	fd  int
	sch *scheduler.Scheduler

	readBuf      *[]byte // pool-owned, released back to core/pools on Close
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu         sync.Mutex
	writeChain []*Chunk
	closed     bool

	fillArmed  bool
	flushArmed bool

	onFillable  func()
	onFlushable func()
}

// New wraps fd (already non-blocking) in an EndPoint owned by sch. The
// read buffer is acquired from core/pools' global BufferPool rather
// than allocated fresh, and returned to it on Close.
func New(sch *scheduler.Scheduler, fd int, readBufSize int) *EndPoint {
	buf := pools.AcquireBuffer(readBufSize)
	*buf = (*buf)[:cap(*buf)]
	return &EndPoint{
		fd:      fd,
		sch:     sch,
		readBuf: buf,
	}
}

// Fd returns the underlying file descriptor.
func (e *EndPoint) Fd() int { return e.fd }

// ReadBuffer returns the pooled scratch buffer protocol engines should
// pass to Fill; its length is the full capacity of the core/pools tier
// that AcquireBuffer picked for the readBufSize given to New. It is reused
// across fills; callers must copy out whatever they need to retain
// before the next Fill call.
func (e *EndPoint) ReadBuffer() []byte { return *e.readBuf }

// Scheduler returns the Scheduler this EndPoint is bound to, letting a
// ConnectionFactory post handler tasks onto the correct owning thread.
func (e *EndPoint) Scheduler() *scheduler.Scheduler { return e.sch }

// SetTimeouts configures the read and write interest timeouts. Zero
// means no timeout.
func (e *EndPoint) SetTimeouts(read, write time.Duration) {
	e.readTimeout = read
	e.writeTimeout = write
}

// SetCork enables/disables TCP_CORK-style batching (TCP_NOPUSH on BSD is
// not wired here; Linux TCP_CORK is used since the listener is Linux-
// first, matching the teacher's epoll-first stance).
func (e *EndPoint) SetCork(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return syscall.SetsockoptInt(e.fd, syscall.IPPROTO_TCP, 3 /* TCP_CORK */, v)
}

// SetNoDelay toggles TCP_NODELAY.
func (e *EndPoint) SetNoDelay(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return syscall.SetsockoptInt(e.fd, syscall.IPPROTO_TCP, syscall.TCP_NODELAY, v)
}

// Fill performs a single non-blocking read into buf, returning the
// number of bytes read. Returns (0, nil) on EAGAIN and (0, io.EOF) on a
// clean EOF.
func (e *EndPoint) Fill(buf []byte) (int, error) {
	n, err := syscall.Read(e.fd, buf)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// WantFill arms a one-shot readable watch. onFillable is called when
// the fd becomes readable, onInterestFailure(timeout) otherwise if
// readTimeout elapses first. Only one fill interest may be live.
func (e *EndPoint) WantFill(onFillable func(), onInterestFailure func(error)) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.fillArmed {
		e.mu.Unlock()
		return errors.New("endpoint: fill interest already armed")
	}
	e.fillArmed = true
	e.mu.Unlock()

	_, err := e.sch.ExecuteOnReadable(e.fd, e.readTimeout, func() {
		e.mu.Lock()
		e.fillArmed = false
		e.mu.Unlock()
		onFillable()
	}, func() {
		e.mu.Lock()
		e.fillArmed = false
		e.mu.Unlock()
		onInterestFailure(errTimedOut)
	})
	return err
}

var errTimedOut = errors.New("endpoint: timed out")

// QueueOwned appends an owned write chunk (the endpoint may reuse/free
// buf after it is flushed).
func (e *EndPoint) QueueOwned(buf []byte) {
	e.mu.Lock()
	e.writeChain = append(e.writeChain, &Chunk{Owned: buf})
	e.mu.Unlock()
}

// QueueBorrowed appends a write chunk the caller must keep alive until
// flushed.
func (e *EndPoint) QueueBorrowed(buf []byte) {
	e.mu.Lock()
	e.writeChain = append(e.writeChain, &Chunk{Borrowed: buf})
	e.mu.Unlock()
}

// QueueFile appends a file-region chunk, sent via sendfile where
// possible.
func (e *EndPoint) QueueFile(f *os.File, offset, length int64) {
	e.mu.Lock()
	e.writeChain = append(e.writeChain, &Chunk{File: f, Offset: offset, Length: length})
	e.mu.Unlock()
}

// PendingBytes reports how many bytes remain queued across the write
// chain.
func (e *EndPoint) PendingBytes() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var total int64
	for _, c := range e.writeChain {
		total += c.remaining()
	}
	return total
}

// Flush writes as much of the pending chain as a single non-blocking
// syscall round allows, in order, and reports whether the chain is now
// empty.
func (e *EndPoint) Flush() (drained bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.writeChain) > 0 {
		c := e.writeChain[0]
		n, ferr := e.flushChunk(c)
		if n > 0 {
			c.written += int64(n)
		}
		if ferr != nil {
			if ferr == syscall.EAGAIN || ferr == syscall.EWOULDBLOCK {
				return false, nil
			}
			return false, ferr
		}
		if c.remaining() <= 0 {
			e.writeChain = e.writeChain[1:]
			continue
		}
		// short write, stop here until next flush interest fires
		return false, nil
	}
	return true, nil
}

func (e *EndPoint) flushChunk(c *Chunk) (int, error) {
	switch {
	case c.Owned != nil:
		return syscall.Write(e.fd, c.Owned[c.written:])
	case c.Borrowed != nil:
		return syscall.Write(e.fd, c.Borrowed[c.written:])
	case c.File != nil:
		return e.flushFileChunk(c)
	default:
		return 0, nil
	}
}

func (e *EndPoint) flushFileChunk(c *Chunk) (int, error) {
	off := c.Offset + c.written
	n, err := sendfileRegion(e.fd, int(c.File.Fd()), off, int(c.remaining()))
	if err != nil && err != syscall.ENOSYS && err != syscall.EINVAL {
		return n, err
	}
	if err == nil {
		return n, nil
	}

	// Fallback: bounded pread + write, for filesystems/platforms where
	// sendfile isn't available between these fd kinds.
	buf := make([]byte, minInt(64*1024, int(c.remaining())))
	rn, rerr := c.File.ReadAt(buf, off)
	if rn == 0 && rerr != nil && rerr != io.EOF {
		return 0, rerr
	}
	wn, werr := syscall.Write(e.fd, buf[:rn])
	if werr != nil {
		return wn, werr
	}
	return wn, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// WantFlush arms a one-shot writable watch, mirroring WantFill.
func (e *EndPoint) WantFlush(onFlushable func(), onInterestFailure func(error)) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.flushArmed {
		e.mu.Unlock()
		return errors.New("endpoint: flush interest already armed")
	}
	e.flushArmed = true
	e.mu.Unlock()

	_, err := e.sch.ExecuteOnWritable(e.fd, e.writeTimeout, func() {
		e.mu.Lock()
		e.flushArmed = false
		e.mu.Unlock()
		onFlushable()
	}, func() {
		e.mu.Lock()
		e.flushArmed = false
		e.mu.Unlock()
		onInterestFailure(errTimedOut)
	})
	return err
}

// Close cancels both watchers and closes the fd exactly once.
func (e *EndPoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.sch.CancelFD(e.fd)
	pools.ReleaseBuffer(e.readBuf)
	if err := syscall.Close(e.fd); err != nil {
		logging.Debugf("endpoint", "close fd %d: %v", e.fd, err)
		return err
	}
	return nil
}
