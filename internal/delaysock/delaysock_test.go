//go:build linux

package delaysock

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/slowlink/slowlink/internal/model"
	"github.com/slowlink/slowlink/internal/runtimex"
	"golang.org/x/sys/unix"
)

// establishPair creates an isolated [*Network] plus a delayed connection
// over a socketpair. It returns the conn the application under test
// would use (the delayed side) and the conn acting as the real peer.
func establishPair(t *testing.T, delay time.Duration) (delayConn, peerConn net.Conn) {
	network, err := NewNetwork(model.DiscardLogger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(network.Stop)

	pair := runtimex.Try1(unix.Socketpair(unix.AF_UNIX,
		unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0))
	physicalFD, peerFD := pair[0], pair[1]

	delayFD, err := network.Establish(delay, physicalFD)
	if err != nil {
		t.Fatal(err)
	}

	delayConn = runtimex.Try1(fileConn(delayFD, "delay"))
	peerConn = runtimex.Try1(fileConn(peerFD, "peer"))
	t.Cleanup(func() {
		delayConn.Close()
		peerConn.Close()
	})
	return
}

func TestNetworkDelayLowerBound(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	delayConn, peerConn := establishPair(t, 100*time.Millisecond)

	t0 := time.Now()
	if _, err := delayConn.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}

	// nothing must be readable before the configured delay
	buf := make([]byte, 128)
	peerConn.SetReadDeadline(t0.Add(50 * time.Millisecond))
	if _, err := peerConn.Read(buf); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatal("expected deadline exceeded, got", err)
	}

	peerConn.SetReadDeadline(t0.Add(5 * time.Second))
	count, err := peerConn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(t0)
	if diff := cmp.Diff([]byte("hello"), buf[:count]); diff != "" {
		t.Fatal(diff)
	}
	// modulo the poll timer granularity
	if elapsed < 90*time.Millisecond {
		t.Fatal("bytes observable too early:", elapsed)
	}
}

func TestNetworkOrderingAcrossWrites(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	delayConn, peerConn := establishPair(t, 50*time.Millisecond)

	if _, err := delayConn.Write([]byte("AB")); err != nil {
		t.Fatal(err)
	}
	if _, err := delayConn.Write([]byte("CD")); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 4)
	peerConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(peerConn, buf); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte("ABCD"), buf); diff != "" {
		t.Fatal(diff)
	}
}

func TestNetworkByteFidelity(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	delayConn, peerConn := establishPair(t, 10*time.Millisecond)

	// large enough to span many read chunks and fill kernel buffers,
	// hence to exercise partial writes and backpressure
	expect := make([]byte, 1<<18)
	runtimex.Try1(rand.Read(expect))

	go func() {
		_, _ = delayConn.Write(expect)
		// half-close so the reader sees EOF after the last byte
		if uc, ok := delayConn.(*net.UnixConn); ok {
			_ = uc.CloseWrite()
		}
	}()

	peerConn.SetReadDeadline(time.Now().Add(10 * time.Second))
	got, err := io.ReadAll(peerConn)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(expect, got) {
		t.Fatalf("byte stream corrupted: got %d bytes, expected %d", len(got), len(expect))
	}
}

func TestNetworkHalfClosePropagation(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	delayConn, peerConn := establishPair(t, 100*time.Millisecond)

	t0 := time.Now()
	if _, err := delayConn.Write([]byte("tail")); err != nil {
		t.Fatal(err)
	}
	if err := delayConn.(*net.UnixConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}

	// the peer must receive the pending bytes, then EOF, and the EOF
	// must not be observable before the configured delay
	peerConn.SetReadDeadline(t0.Add(5 * time.Second))
	got, err := io.ReadAll(peerConn)
	if err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(t0)
	if diff := cmp.Diff([]byte("tail"), got); diff != "" {
		t.Fatal(diff)
	}
	if elapsed < 90*time.Millisecond {
		t.Fatal("EOF observable too early:", elapsed)
	}
}

func TestNetworkCloseByPeerPropagates(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	delayConn, peerConn := establishPair(t, 100*time.Millisecond)

	t0 := time.Now()
	if err := peerConn.Close(); err != nil {
		t.Fatal(err)
	}

	delayConn.SetReadDeadline(t0.Add(5 * time.Second))
	_, err := delayConn.Read(make([]byte, 128))
	elapsed := time.Since(t0)
	if err != io.EOF {
		t.Fatal("expected EOF, got", err)
	}
	if elapsed < 90*time.Millisecond {
		t.Fatal("EOF observable too early:", elapsed)
	}
}

func TestNetworkDumpState(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	network, err := NewNetwork(model.DiscardLogger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(network.Stop)

	pair := runtimex.Try1(unix.Socketpair(unix.AF_UNIX,
		unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0))
	delayFD := runtimex.Try1(network.Establish(10*time.Second, pair[0]))

	delayConn := runtimex.Try1(fileConn(delayFD, "delay"))
	peerConn := runtimex.Try1(fileConn(pair[1], "peer"))
	t.Cleanup(func() {
		delayConn.Close()
		peerConn.Close()
	})

	// queue a chunk with a long delay so the dump can observe it
	if _, err := delayConn.Write([]byte("queued")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(250 * time.Millisecond) // allow the loop to read it

	output := &strings.Builder{}
	network.DumpState(output)
	t.Log(output.String())
	if !strings.Contains(output.String(), "Delay poll:") {
		t.Fatal("missing dump header")
	}
	if !strings.Contains(output.String(), "queue: 1") {
		t.Fatal("missing queued chunk in dump")
	}
	if !strings.Contains(output.String(), "6bytes") {
		t.Fatal("missing chunk size in dump")
	}
}

func TestNetworkEstablishConnOverTCP(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	network, err := NewNetwork(model.DiscardLogger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(network.Stop)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { listener.Close() })

	// echo server
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	physical, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn, err := network.EstablishConn(50*time.Millisecond, physical)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	t0 := time.Now()
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(t0.Add(5 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(t0)
	if diff := cmp.Diff([]byte("ping"), buf); diff != "" {
		t.Fatal(diff)
	}
	// each direction incurs the delay once
	if elapsed < 90*time.Millisecond {
		t.Fatal("echo round trip too fast:", elapsed)
	}
}

func TestNetworkEstablishConnRequiresDescriptor(t *testing.T) {
	network, err := NewNetwork(model.DiscardLogger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(network.Stop)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	if _, err := network.EstablishConn(time.Millisecond, client); err == nil {
		t.Fatal("expected an error for a conn without a descriptor")
	}
}

func TestEstablishUsesTheDefaultNetwork(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	pair := runtimex.Try1(unix.Socketpair(unix.AF_UNIX,
		unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0))

	delayFD, err := Establish(10*time.Millisecond, pair[0])
	if err != nil {
		t.Fatal(err)
	}
	delayConn := runtimex.Try1(fileConn(delayFD, "delay"))
	peerConn := runtimex.Try1(fileConn(pair[1], "peer"))
	t.Cleanup(func() {
		delayConn.Close()
		peerConn.Close()
	})

	if _, err := delayConn.Write([]byte("via-default")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	peerConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	count, err := peerConn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte("via-default"), buf[:count]); diff != "" {
		t.Fatal(diff)
	}

	// the default network must also dump without deadlocking
	DumpState(io.Discard)
}
