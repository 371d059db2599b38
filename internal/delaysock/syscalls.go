//go:build linux

package delaysock

//
// Raw descriptor I/O
//

import "golang.org/x/sys/unix"

// Syscalls abstracts the raw descriptor operations used by a
// [*DelaySocket], so that unit tests can drive the state machine
// deterministically without real sockets.
type Syscalls interface {
	// Read reads from fd into buf without blocking.
	Read(fd int, buf []byte) (int, error)

	// Write writes buf to fd without blocking.
	Write(fd int, buf []byte) (int, error)

	// Close closes fd.
	Close(fd int) error
}

// unixSyscalls implements [Syscalls] using [unix] system calls and
// retrying on EINTR. The descriptors this package deals with are
// nonblocking, hence retrying cannot loop forever.
type unixSyscalls struct{}

var _ Syscalls = unixSyscalls{}

// Read implements [Syscalls].
func (unixSyscalls) Read(fd int, buf []byte) (int, error) {
	for {
		count, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return count, err
	}
}

// Write implements [Syscalls].
func (unixSyscalls) Write(fd int, buf []byte) (int, error) {
	for {
		count, err := unix.Write(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return count, err
	}
}

// Close implements [Syscalls].
func (unixSyscalls) Close(fd int) error {
	return unix.Close(fd)
}

// isWouldBlock returns whether err is the would-block condition, which
// is transient and handled by waiting for the next readiness callback.
func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
