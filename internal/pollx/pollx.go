//go:build linux

// Package pollx implements a minimal poll(2) driven event loop.
//
// A [*Poll] owns a set of [Socket] instances and drives their readiness
// callbacks from a single, dedicated goroutine. Because that goroutine is
// the only one invoking callbacks, sockets can mutate their own state, and
// the state of other sockets registered with the same loop, without locks.
//
// Operations invoked from other goroutines ([*Poll.Insert] and
// [*Poll.DumpState]) do not touch socket state directly: they post a job
// that the loop goroutine executes at the beginning of its next cycle, and
// wake the loop through a self-pipe.
package pollx

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slowlink/slowlink/internal/model"
	"golang.org/x/sys/unix"
)

// Socket is a pollable socket owned by a [*Poll] loop. All the methods
// except FD and DumpState are only invoked by the loop goroutine.
type Socket interface {
	// FD returns the descriptor to register with poll(2).
	FD() int

	// PollEvents returns the events the socket is interested in given
	// the current time. When the socket needs to run again at a known
	// future time, it lowers *timeout accordingly, so that the loop
	// never sleeps past that moment.
	PollEvents(now time.Time, timeout *time.Duration) int16

	// HandlePoll processes the revents returned by poll(2), which may
	// be zero when the loop woke up because of a timeout. The socket
	// calls [*Disposition.SetClosed] to ask the loop to retire it.
	HandlePoll(disposition *Disposition, now time.Time, revents int16)

	// DumpState writes a human-readable state snapshot to w. The loop
	// goroutine invokes this method on behalf of [*Poll.DumpState].
	DumpState(w io.Writer)
}

// Disposition is what a [Socket] tells the loop to do with it after
// handling the current readiness callback.
type Disposition struct {
	closed bool
}

// SetClosed asks the loop to retire the socket: the loop forgets the
// socket and never invokes its callbacks again.
func (d *Disposition) SetClosed() {
	d.closed = true
}

// maxPollTimeout bounds how long a cycle may sleep in poll(2) when no
// socket asks to be woken up earlier.
const maxPollTimeout = 64 * time.Second

// Poll is a poll(2) event loop. The zero value is invalid; construct
// using [New]. A [*Poll] is typically process-wide and runs until the
// process exits; [*Poll.Stop] exists so tests can tear down isolated
// instances.
type Poll struct {
	// jobs queues functions to run on the loop goroutine.
	jobs chan func()

	// logger is where we emit debug messages.
	logger model.Logger

	// name identifies this loop in logs.
	name string

	// once ensures we spawn the loop goroutine at most once.
	once sync.Once

	// running becomes true when the loop goroutine starts.
	running atomic.Bool

	// sockets is owned by the loop goroutine.
	sockets []Socket

	// stop tells the loop goroutine to terminate.
	stop chan struct{}

	// stopOnce ensures we close stop at most once.
	stopOnce sync.Once

	// wakeR and wakeW are the self-pipe descriptors.
	wakeR, wakeW int
}

// New creates a new [*Poll] with the given name and logger. The loop
// does not run until you call [*Poll.Start]. A nil logger is replaced
// by [model.DiscardLogger].
func New(name string, logger model.Logger) (*Poll, error) {
	var pipefds [2]int
	if err := unix.Pipe2(pipefds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &Poll{
		jobs:     make(chan func(), 128),
		logger:   model.ValidLoggerOrDefault(logger),
		name:     name,
		once:     sync.Once{},
		running:  atomic.Bool{},
		sockets:  nil,
		stop:     make(chan struct{}),
		stopOnce: sync.Once{},
		wakeR:    pipefds[0],
		wakeW:    pipefds[1],
	}, nil
}

// Start spawns the loop goroutine. Calling Start more than once is
// permitted and all calls after the first do nothing.
func (p *Poll) Start() {
	p.once.Do(func() {
		p.running.Store(true)
		go p.loop()
	})
}

// Stop terminates the loop goroutine. Stop does not close the descriptors
// of the sockets still registered with the loop: it exists so tests can
// tear down an isolated loop, not as a connection-level cancellation API.
func (p *Poll) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.wake()
	})
}

// Insert registers a new socket with the loop. The socket starts
// receiving readiness callbacks from the next cycle.
func (p *Poll) Insert(s Socket) {
	p.post(func() {
		p.logger.Debugf("%s: #%d: inserting new socket", p.name, s.FD())
		p.sockets = append(p.sockets, s)
	})
}

// DumpState writes a human-readable snapshot of every registered socket
// to w. The snapshot runs on the loop goroutine, hence it is consistent
// with respect to in-flight readiness callbacks. When the loop is not
// running we write nothing, because there is no goroutine that could
// safely walk the socket list.
func (p *Poll) DumpState(w io.Writer) {
	if !p.running.Load() {
		return
	}
	done := make(chan struct{})
	p.post(func() {
		defer close(done)
		for _, s := range p.sockets {
			s.DumpState(w)
		}
	})
	select {
	case <-done:
	case <-p.stop:
	}
}

// post schedules a job on the loop goroutine and wakes up the loop.
func (p *Poll) post(job func()) {
	select {
	case p.jobs <- job:
		p.wake()
	case <-p.stop:
	}
}

// wake writes a byte into the self-pipe. A full pipe is fine: the
// loop is going to wake up anyway.
func (p *Poll) wake() {
	buf := []byte{0}
	_, _ = unix.Write(p.wakeW, buf)
}

// drainWake empties the self-pipe after a wakeup.
func (p *Poll) drainWake() {
	buf := make([]byte, 128)
	for {
		count, err := unix.Read(p.wakeR, buf)
		if count <= 0 || err != nil {
			return
		}
	}
}

// runJobs runs all the currently pending jobs.
func (p *Poll) runJobs() {
	for {
		select {
		case job := <-p.jobs:
			job()
		default:
			return
		}
	}
}

// loop is the loop goroutine. It repeatedly collects each socket's
// interest and wakeup bound, sleeps in poll(2), and dispatches the
// resulting readiness to each socket, retiring the closed ones.
func (p *Poll) loop() {
	p.logger.Debugf("%s: loop running", p.name)
	defer p.logger.Debugf("%s: loop terminated", p.name)
	pfds := []unix.PollFd{}
	for {
		select {
		case <-p.stop:
			p.running.Store(false)
			_ = unix.Close(p.wakeR)
			_ = unix.Close(p.wakeW)
			return
		default:
		}

		p.runJobs()

		now := time.Now()
		timeout := maxPollTimeout
		pfds = append(pfds[:0], unix.PollFd{
			Fd:      int32(p.wakeR),
			Events:  unix.POLLIN,
			Revents: 0,
		})
		for _, s := range p.sockets {
			pfds = append(pfds, unix.PollFd{
				Fd:      int32(s.FD()),
				Events:  s.PollEvents(now, &timeout),
				Revents: 0,
			})
		}

		if _, err := unix.Poll(pfds, timeoutMilliseconds(timeout)); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			p.logger.Warnf("%s: poll: %s", p.name, err.Error())
			continue
		}
		now = time.Now()

		if pfds[0].Revents != 0 {
			p.drainWake()
		}

		// Note: jobs only run before rebuilding pfds, so the i+1
		// offset below cannot go out of sync with p.sockets.
		keep := p.sockets[:0]
		for idx, s := range p.sockets {
			disposition := &Disposition{}
			s.HandlePoll(disposition, now, pfds[idx+1].Revents)
			if disposition.closed {
				p.logger.Debugf("%s: #%d: retiring socket", p.name, s.FD())
				continue
			}
			keep = append(keep, s)
		}
		p.sockets = keep
	}
}

// timeoutMilliseconds converts a timeout to the milliseconds
// representation used by poll(2), rounding up so that a small
// positive timeout does not become a busy-looping zero.
func timeoutMilliseconds(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}
