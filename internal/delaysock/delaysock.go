//go:build linux

// Package delaysock implements a transparent latency-injection proxy for
// byte streams. [Establish] takes the descriptor of a connected socket
// (the "physical" socket) and returns a replacement descriptor behaving
// exactly like the original except that all traffic, in both directions,
// is delivered after a fixed configurable delay. Close and half-close
// also incur the delay, so a program using the returned descriptor
// observes ordinary socket semantics, just time-shifted.
//
// Internally we allocate a socketpair(2): one end is returned to the
// caller, the other end and the physical socket are wrapped into two
// [*DelaySocket] twins registered with a [*pollx.Poll]. Each twin reads
// from its own descriptor and queues what it read, stamped with a send
// time in the future, on the other twin, which writes it out once the
// send time has passed.
package delaysock

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/slowlink/slowlink/internal/model"
	"github.com/slowlink/slowlink/internal/pollx"
	"github.com/slowlink/slowlink/internal/runtimex"
	"golang.org/x/sys/unix"
)

// Network creates delayed sockets sharing a single poll loop. The zero
// value is invalid; construct using [NewNetwork]. The typical process
// uses the process-wide instance returned by [DefaultNetwork] through
// the package-level [Establish] and [DumpState], but tests construct
// isolated instances with their own loop.
type Network struct {
	// logger is where this network logs.
	logger model.Logger

	// poll is the loop that owns all this network's sockets.
	poll *pollx.Poll

	// sys performs raw descriptor I/O for all this network's sockets.
	sys Syscalls
}

// NewNetwork creates a new [*Network] with its own poll loop. The loop
// starts lazily on the first [*Network.Establish] call and runs until
// [*Network.Stop]. A nil logger is replaced by [model.DiscardLogger].
func NewNetwork(logger model.Logger) (*Network, error) {
	logger = model.ValidLoggerOrDefault(logger)
	poll, err := pollx.New("delay_poll", logger)
	if err != nil {
		return nil, fmt.Errorf("delaysock: cannot create poll loop: %w", err)
	}
	return &Network{
		logger: logger,
		poll:   poll,
		sys:    unixSyscalls{},
	}, nil
}

// Establish wraps the connected socket descriptor physicalFD such that
// all traffic is delayed by the given delay, and returns the descriptor
// the caller should use in its place. On success this network takes
// ownership of physicalFD and puts it in nonblocking mode; the caller
// owns the returned descriptor. On failure no socket is registered and
// physicalFD is untouched.
func (n *Network) Establish(delay time.Duration, physicalFD int) (int, error) {
	pair, err := unix.Socketpair(unix.AF_UNIX,
		unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("delaysock: socketpair: %w", err)
	}
	internalFD, delayFD := pair[0], pair[1]
	if err := unix.SetNonblock(physicalFD, true); err != nil {
		_ = unix.Close(internalFD)
		_ = unix.Close(delayFD)
		return -1, fmt.Errorf("delaysock: set nonblocking: %w", err)
	}

	physical := newDelaySocket(delay, physicalFD, n.logger, n.sys)
	internal := newDelaySocket(delay, internalFD, n.logger, n.sys)
	physical.setDestination(internal)
	internal.setDestination(physical)

	n.poll.Start()
	n.poll.Insert(physical)
	n.poll.Insert(internal)
	return delayFD, nil
}

// EstablishConn is like [Network.Establish] but takes and returns a
// [net.Conn]. On success it takes ownership of physical, which must not
// be used afterwards.
func (n *Network) EstablishConn(delay time.Duration, physical net.Conn) (net.Conn, error) {
	sc, ok := physical.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("delaysock: %T does not expose its descriptor", physical)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}

	// duplicate the descriptor so we fully own its lifetime
	var (
		physicalFD int
		dupErr     error
	)
	if err := raw.Control(func(fd uintptr) {
		physicalFD, dupErr = unix.Dup(int(fd))
	}); err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, fmt.Errorf("delaysock: dup: %w", dupErr)
	}
	_ = physical.Close()

	delayFD, err := n.Establish(delay, physicalFD)
	if err != nil {
		_ = unix.Close(physicalFD)
		return nil, err
	}
	return fileConn(delayFD, "delaysock")
}

// DumpState writes a human-readable snapshot of every socket belonging
// to this network: descriptor, queue depth, and for each queued chunk
// the milliseconds until release and the byte size.
func (n *Network) DumpState(w io.Writer) {
	fmt.Fprintf(w, "Delay poll:\n")
	n.poll.DumpState(w)
}

// Stop terminates this network's poll loop. Only tests using isolated
// instances should call it: the process-wide network runs forever.
func (n *Network) Stop() {
	n.poll.Stop()
}

// fileConn converts an owned socket descriptor into a [net.Conn]. The
// net package duplicates the descriptor, so we close fd afterwards.
func fileConn(fd int, name string) (net.Conn, error) {
	file := os.NewFile(uintptr(fd), name)
	defer file.Close()
	return net.FileConn(file)
}

// defaultNetwork is the process-wide [*Network], lazily created. It logs
// through the apex/log global logger and is never stopped.
var (
	defaultNetwork     *Network
	defaultNetworkOnce sync.Once
)

// DefaultNetwork returns the process-wide [*Network].
func DefaultNetwork() *Network {
	defaultNetworkOnce.Do(func() {
		defaultNetwork = runtimex.Try1(NewNetwork(log.Log))
	})
	return defaultNetwork
}

// Establish calls [Network.Establish] on the process-wide network.
func Establish(delay time.Duration, physicalFD int) (int, error) {
	return DefaultNetwork().Establish(delay, physicalFD)
}

// EstablishConn calls [Network.EstablishConn] on the process-wide network.
func EstablishConn(delay time.Duration, physical net.Conn) (net.Conn, error) {
	return DefaultNetwork().EstablishConn(delay, physical)
}

// DumpState calls [Network.DumpState] on the process-wide network.
func DumpState(w io.Writer) {
	DefaultNetwork().DumpState(w)
}
