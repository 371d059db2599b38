//go:build linux

package delaysock

//
// Delay socket state machine
//

import (
	"fmt"
	"io"
	"time"

	"github.com/slowlink/slowlink/internal/model"
	"github.com/slowlink/slowlink/internal/pollx"
	"github.com/slowlink/slowlink/internal/runtimex"
	"golang.org/x/sys/unix"
)

// maxReadSize bounds how much a single readiness callback reads.
const maxReadSize = 64 * 1024

// socketState is the state of a [*DelaySocket].
type socketState int

const (
	// stateReadWrite is the initial, full-duplex state: reads feed the
	// twin's queue and writes drain our own queue.
	stateReadWrite = socketState(iota)

	// stateEOFFlushWrites means we read EOF on our descriptor and we
	// keep draining our queue before closing.
	stateEOFFlushWrites

	// stateClosed is terminal: the descriptor is closed and the loop
	// has been asked to retire us.
	stateClosed
)

// String implements [fmt.Stringer].
func (s socketState) String() string {
	switch s {
	case stateReadWrite:
		return "read-write"
	case stateEOFFlushWrites:
		return "eof-flush-writes"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// DelaySocket is one half of a delayed connection: it reads from its own
// descriptor, stamps what it read with a send time in the future, and
// queues it on its writing twin, which forwards the bytes unmodified once
// the send time has passed. Construct with [newDelaySocket] and register
// with a [*pollx.Poll]; after registration the poll loop goroutine is the
// only one allowed to touch the socket.
type DelaySocket struct {
	// buf is the reusable read buffer.
	buf []byte

	// chunks is the queue of delayed data our twin wants us to write.
	chunks chunkQueue

	// delay is the configured forwarding delay.
	delay time.Duration

	// dest is our writing twin. It becomes nil as soon as closure
	// begins, breaking the two-way linkage.
	dest *DelaySocket

	// fd is the descriptor we own.
	fd int

	// logger is where we emit per-descriptor debug messages.
	logger model.Logger

	// state is the current state.
	state socketState

	// sys performs raw descriptor I/O.
	sys Syscalls
}

var _ pollx.Socket = &DelaySocket{}

// newDelaySocket creates a [*DelaySocket] owning fd.
func newDelaySocket(delay time.Duration, fd int, logger model.Logger, sys Syscalls) *DelaySocket {
	return &DelaySocket{
		buf:    make([]byte, maxReadSize),
		chunks: chunkQueue{},
		delay:  delay,
		dest:   nil,
		fd:     fd,
		logger: model.ValidLoggerOrDefault(logger),
		state:  stateReadWrite,
		sys:    sys,
	}
}

// setDestination assigns the writing twin.
func (s *DelaySocket) setDestination(dest *DelaySocket) {
	s.dest = dest
}

// FD implements [pollx.Socket].
func (s *DelaySocket) FD() int {
	return s.fd
}

// PollEvents implements [pollx.Socket]. We are interested in reading
// while in the read-write state, and in writing only once the head
// chunk's send time has passed. Until that moment we instead lower the
// poll timeout, so the loop wakes up when the head chunk is released
// rather than busy-polling on writability.
func (s *DelaySocket) PollEvents(now time.Time, timeout *time.Duration) int16 {
	events := int16(0)
	if s.state == stateReadWrite {
		events |= unix.POLLIN
	}
	if !s.chunks.empty() {
		remaining := s.chunks.head().sendTime.Sub(now)
		if remaining <= 0 {
			events |= unix.POLLOUT
		} else if remaining < *timeout {
			s.logger.Debugf("#%d: lowering poll timeout from %v to %v", s.fd, *timeout, remaining)
			*timeout = remaining
		}
	}
	return events
}

// pushCloseChunk queues the delayed close sentinel on this socket, so
// that this side observes closure only after the configured delay.
func (s *DelaySocket) pushCloseChunk(now time.Time) {
	s.chunks.push(newCloseChunk(now, s.delay))
}

// changeState transitions the state machine. Transitioning back to the
// read-write state is a programming error. Entering eof-flush-writes or
// entering closed directly from read-write propagates the close sentinel
// to the twin and then drops the twin reference; entering closed also
// closes the descriptor.
func (s *DelaySocket) changeState(newState socketState, now time.Time) {
	switch newState {
	case stateReadWrite:
		runtimex.Assert(false, "delaysock: cannot transition back to read-write")
	case stateEOFFlushWrites:
		runtimex.Assert(s.state == stateReadWrite, "delaysock: EOF in unexpected state")
		runtimex.Assert(s.dest != nil, "delaysock: no destination for close")
		s.dest.pushCloseChunk(now)
		s.dest = nil
	case stateClosed:
		if s.dest != nil && s.state == stateReadWrite {
			s.dest.pushCloseChunk(now)
		}
		s.dest = nil
		if s.state != stateClosed {
			_ = s.sys.Close(s.fd)
		}
	}
	s.logger.Debugf("#%d: changed to state %s", s.fd, newState)
	s.state = newState
}

// HandlePoll implements [pollx.Socket]. Each callback performs at most
// one bounded read, which lands on the twin's queue stamped with the
// forwarding delay, and at most one write attempt for our own head chunk
// when its send time has passed. EOF and errors feed the state machine.
func (s *DelaySocket) HandlePoll(disposition *pollx.Disposition, now time.Time, revents int16) {
	if s.state == stateReadWrite && revents&unix.POLLIN != 0 {
		count, err := s.sys.Read(s.fd, s.buf)
		switch {
		case err == nil && count == 0: // EOF
			s.changeState(stateEOFFlushWrites, now)
		case err == nil:
			s.logger.Debugf("#%d: read %d bytes to queue: %d", s.fd, count, s.chunks.len())
			runtimex.Assert(s.dest != nil, "delaysock: no destination for data")
			s.dest.chunks.push(newWriteChunk(now, s.delay, s.buf[:count]))
		case isWouldBlock(err):
			// transient: wait for the next readiness callback
		default:
			s.logger.Debugf("#%d: read error: %s", s.fd, err.Error())
			s.changeState(stateClosed, now)
		}
	}

	// Write if we have delayed enough.
	if s.state != stateClosed && !s.chunks.empty() {
		chunk := s.chunks.head()
		if !chunk.sendTime.After(now) {
			if chunk.isClose() {
				// delayed error or close
				s.logger.Debugf("#%d: handling delayed close", s.fd)
				s.changeState(stateClosed, now)
			} else {
				count, err := s.sys.Write(s.fd, chunk.data)
				switch {
				case isWouldBlock(err):
					s.logger.Debugf("#%d: full - waiting to write", s.fd)
				case err != nil:
					s.logger.Debugf("#%d: failed onwards write of %d bytes, queue: %d, error: %s",
						s.fd, len(chunk.data), s.chunks.len(), err.Error())
					s.changeState(stateClosed, now)
				default:
					s.logger.Debugf("#%d: written onwards %d bytes of %d, queue: %d",
						s.fd, count, len(chunk.data), s.chunks.len())
					chunk.consume(count)
					if len(chunk.data) == 0 {
						s.chunks.popHead()
					}
				}
			}
		}
	}

	if s.state == stateEOFFlushWrites && s.chunks.empty() {
		s.changeState(stateClosed, now)
	}

	if revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 && s.state != stateClosed {
		s.logger.Debugf("#%d: error events: %d", s.fd, revents)
		s.changeState(stateClosed, now)
	}

	if s.state == stateClosed {
		disposition.SetClosed()
	}
}

// DumpState implements [pollx.Socket].
func (s *DelaySocket) DumpState(w io.Writer) {
	fmt.Fprintf(w, "\tfd: %d\n\tqueue: %d\n", s.fd, s.chunks.len())
	now := time.Now()
	for _, chunk := range s.chunks.chunks {
		fmt.Fprintf(w, "\t\tin: %dms - %dbytes\n",
			chunk.sendTime.Sub(now).Milliseconds(), len(chunk.data))
	}
}
